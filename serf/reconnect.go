package serf

import (
	"fmt"
	"time"

	"github.com/armon/go-metrics"
)

// reconnectHandler is a long running routine that attempts to reconnect
// to nodes that have failed, allowing the cluster to self-heal across a
// transient network partition.
func (s *Serf) reconnectHandler() {
	ticker := time.NewTicker(s.config.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.attemptReconnect()
		case <-s.shutdownCh:
			return
		}
	}
}

// attemptReconnect picks a single random failed member and asks the
// transport to rejoin it.
func (s *Serf) attemptReconnect() {
	s.memberLock.RLock()
	n := len(s.failedMembers)
	if n == 0 {
		s.memberLock.RUnlock()
		return
	}
	mem := s.failedMembers[randomOffset(n)]
	s.memberLock.RUnlock()

	addr := fmt.Sprintf("%s:%d", mem.Addr.String(), mem.Port)
	if _, err := s.memberlist.Join([]string{addr}); err != nil {
		s.logger.Printf("[DEBUG] serf: Failed to reconnect to %s: %s", mem.Name, err)
	}
}

// checkFlap logs and counts a flap when a member resurrecting from Failed
// or Left re-joins within FlapTimeout of its leaveTime. Caller must hold
// the member lock and call it before leaveTime is cleared.
func (s *Serf) checkFlap(m *memberState) {
	if s.config.FlapTimeout <= 0 || m.leaveTime.IsZero() {
		return
	}
	if time.Since(m.leaveTime) < s.config.FlapTimeout {
		s.logger.Printf("[INFO] serf: Member '%s' flapped (re-joined %s after leaving)",
			m.Name, time.Since(m.leaveTime))
		metrics.IncrCounterWithLabels([]string{"serf", "member", "flap"}, 1, s.metricLabels)
	}
}
