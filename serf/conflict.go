package serf

// resolveNodeConflict is invoked from conflictDelegate.NotifyConflict when
// the transport reports another live node claiming our own name. It issues an internal conflict query asking the rest of the
// cluster which address they believe is authoritative for our name, and
// shuts this node down if it loses the vote, per spec.md component L.
func (s *Serf) resolveNodeConflict() {
	qName := internalQueryName(conflictQuery)
	payload := []byte(s.config.NodeName)

	resp, err := s.Query(qName, payload, &QueryParam{})
	if err != nil {
		s.logger.Printf("[ERR] serf: Failed to start conflict resolution query: %s", err)
		return
	}

	votesForUs := 0
	votesTotal := 0

	for r := range resp.ResponseCh() {
		votesTotal++

		if len(r.Payload) < 1 || messageType(r.Payload[0]) != messageConflictResponseType {
			s.logger.Printf("[ERR] serf: Invalid conflict query response type: %v", r.Payload)
			continue
		}

		var other Member
		if err := decodeMessage(r.Payload[1:], &other); err != nil {
			s.logger.Printf("[ERR] serf: Failed to decode conflict query response: %s", err)
			continue
		}

		local := s.LocalMember()
		if other.Addr.Equal(local.Addr) && other.Port == local.Port {
			votesForUs++
		}
	}

	// With no responses at all we cannot determine a majority; treat this
	// conservatively as a loss, since continuing in an unresolved
	// conflict risks corrupting the rest of the cluster's membership
	// view of our name.
	majority := (votesTotal / 2) + 1
	if votesTotal == 0 || votesForUs < majority {
		s.logger.Printf("[WARN] serf: Node name conflict resolution failed (%d/%d votes), shutting down",
			votesForUs, votesTotal)
		s.Shutdown()
		return
	}

	s.logger.Printf("[INFO] serf: Node name conflict resolved in our favor (%d/%d votes)",
		votesForUs, votesTotal)
}
