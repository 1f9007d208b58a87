package serf

import (
	"net"
	"time"

	"github.com/armon/go-metrics"
)

// handleUserEvent processes an inbound user event gossip message, per
// spec.md component F. Returns true if the message should be rebroadcast.
func (s *Serf) handleUserEvent(eventMsg *messageUserEvent) bool {
	s.eventClock.Witness(eventMsg.LTime)

	s.eventLock.Lock()
	defer s.eventLock.Unlock()

	// Events older than the retained window are dropped outright; they
	// are too old to usefully deduplicate against and would otherwise
	// evict a current slot.
	curTime := s.eventClock.Time()
	if curTime > LamportTime(s.config.EventBuffer) &&
		eventMsg.LTime < curTime-LamportTime(s.config.EventBuffer) {
		return false
	}

	// Events before eventMinTime (set by Join with ignoreOld, or from the
	// snapshot on restart) are not delivered.
	if eventMsg.LTime < s.eventMinTime {
		return false
	}

	if s.eventBuffer.observe(eventMsg.LTime, eventMsg.Name, eventMsg.Payload) {
		return false
	}

	metrics.IncrCounterWithLabels([]string{"serf", "events"}, 1, s.metricLabels)
	metrics.IncrCounterWithLabels([]string{"serf", "events", eventMsg.Name}, 1, s.metricLabels)

	if s.config.EventCh != nil {
		s.config.EventCh <- UserEvent{
			LTime:    eventMsg.LTime,
			Name:     eventMsg.Name,
			Payload:  eventMsg.Payload,
			Coalesce: eventMsg.CC,
		}
	}

	return true
}

// handleQuery processes an inbound query gossip message, per spec.md
// component H. Returns true if the message should be rebroadcast.
func (s *Serf) handleQuery(q *messageQuery) bool {
	s.queryClock.Witness(q.LTime)

	// Queries older than the retained window are dropped outright, as
	// handleUserEvent does for events.
	curTime := s.queryClock.Time()
	if curTime > LamportTime(s.config.QueryBuffer) &&
		q.LTime < curTime-LamportTime(s.config.QueryBuffer) {
		return false
	}

	s.queryLock.Lock()
	seen := s.queryDedup.observe(q.LTime, q.ID)
	s.queryLock.Unlock()
	if seen {
		return false
	}

	metrics.IncrCounterWithLabels([]string{"serf", "queries"}, 1, s.metricLabels)

	if !s.queryFilterMatch(q.Filters) {
		return !q.NoBroadcast()
	}

	if q.Ack() {
		ack := messageQueryResponse{
			LTime: q.LTime,
			ID:    q.ID,
			From:  s.config.NodeName,
			Flags: queryResponseFlagAck,
		}
		if raw, err := encodeMessage(messageQueryResponseType, &ack); err == nil {
			if err := s.sendToOrRelay(q.Addr, q.Port, raw, q.RelayFactor); err != nil {
				s.logger.Printf("[ERR] serf: Failed to send query ack: %s", err)
			}
		}
	}

	if strHasInternalPrefix(q.Name) || s.config.EventCh != nil {
		query := &Query{
			LTime:       q.LTime,
			Name:        q.Name,
			Payload:     q.Payload,
			serf:        s,
			id:          q.ID,
			addr:        net.IP(q.Addr),
			port:        q.Port,
			deadline:    time.Now().Add(q.Timeout),
			relayFactor: q.RelayFactor,
		}
		if s.serfQueriesCh != nil {
			s.serfQueriesCh <- query
		} else if s.config.EventCh != nil {
			s.config.EventCh <- query
		}
	}

	return true
}

func strHasInternalPrefix(name string) bool {
	return len(name) >= len(InternalQueryPrefix) && name[:len(InternalQueryPrefix)] == InternalQueryPrefix
}

// handleQueryResponse routes an inbound ack or application response to the
// matching outbound QueryResponse, if this node is still waiting on it.
func (s *Serf) handleQueryResponse(resp *messageQueryResponse) {
	if resp.Flags&queryResponseFlagAck != 0 {
		s.queries.deliverAck(resp.ID, resp.From)
		return
	}
	s.queries.deliverResponse(resp.ID, resp.From, resp.Payload)
}

// handleRelay forwards a relayed message on to its final destination. The
// node that asked us to relay is not necessarily the final destination;
// we are purely acting as an intermediate hop.
func (s *Serf) handleRelay(relay *messageRelay) {
	if len(relay.Msg) == 0 {
		return
	}
	destAddr := &net.UDPAddr{IP: relay.DestAddr, Port: int(relay.DestPort)}
	if err := s.memberlist.SendTo(destAddr, relay.Msg); err != nil {
		s.logger.Printf("[ERR] serf: Failed to forward relayed message: %s", err)
	}
}

// sendToOrRelay sends raw directly to addr:port via the transport, and
// additionally asks up to relayFactor other members to relay a copy, for
// redundancy against a single lost direct reply.
func (s *Serf) sendToOrRelay(addr net.IP, port uint16, raw []byte, relayFactor uint8) error {
	destAddr := &net.UDPAddr{IP: addr, Port: int(port)}
	if err := s.memberlist.SendTo(destAddr, raw); err != nil {
		return err
	}

	if relayFactor == 0 {
		return nil
	}

	relayMsg := messageRelay{
		DestAddr: addr,
		DestPort: port,
		Msg:      raw,
	}
	relayBuf, err := encodeMessage(messageRelayType, &relayMsg)
	if err != nil {
		return err
	}

	for _, peer := range s.pickRelayPeers(int(relayFactor)) {
		peerAddr := &net.UDPAddr{IP: peer.Addr, Port: int(peer.Port)}
		if err := s.memberlist.SendTo(peerAddr, relayBuf); err != nil {
			s.logger.Printf("[ERR] serf: Failed to send relay: %s", err)
		}
	}
	return nil
}
