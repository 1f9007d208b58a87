package serf

import (
	"time"

	"github.com/armon/go-metrics"
)

// reapHandler is a long running routine that reaps tombstones for failed
// or gracefully-left members once their retention window elapses, and
// ages out the recent-intent buffer alongside it.
func (s *Serf) reapHandler() {
	ticker := time.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.memberLock.Lock()
			s.failedMembers = s.reap(s.failedMembers, false)
			s.leftMembers = s.reap(s.leftMembers, true)
			s.intents.reap()
			s.memberLock.Unlock()
		case <-s.shutdownCh:
			return
		}
	}
}

// reap removes members from old (either the failed or left list) whose
// leaveTime exceeds their configured retention window. Caller must hold
// the member lock. wasGraceful selects TombstoneTimeout (the left list)
// instead of ReconnectTimeout (the failed list); ReconnectTimeoutOverride
// applies only to the failed list.
func (s *Serf) reap(old []*memberState, wasGraceful bool) []*memberState {
	now := time.Now()
	n := len(old)

	for i := 0; i < n; i++ {
		m := old[i]

		timeout := s.config.ReconnectTimeout
		if wasGraceful {
			timeout = s.config.TombstoneTimeout
		}
		if override, ok := s.config.ReconnectTimeoutOverride[m.Name]; ok && !wasGraceful {
			timeout = override
		}

		if now.Sub(m.leaveTime) <= timeout {
			continue
		}

		old[i], old[n-1] = old[n-1], nil
		old = old[:n-1]
		n--
		i--

		delete(s.members, m.Name)

		s.logger.Printf("[INFO] serf: EventMemberReap: %s", m.Name)
		metrics.IncrCounterWithLabels([]string{"serf", "member", "reap"}, 1, s.metricLabels)
		if s.config.EventCh != nil {
			s.config.EventCh <- MemberEvent{Type: EventMemberReap, Members: []Member{m.Member}}
		}
	}
	return old
}
