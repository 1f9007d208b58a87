package serf

import (
	"fmt"

	"github.com/hashicorp/memberlist"
)

// delegate is the memberlist.Delegate implementation that wires gossip
// messages and anti-entropy state exchange into the rest of this package.
type delegate struct {
	serf *Serf
}

func (d *delegate) NodeMeta(limit int) []byte {
	tags := d.serf.encodeTags(d.serf.config.Tags)
	if len(tags) > limit {
		panic(fmt.Errorf("serf: encoded tags exceed length limit of %d bytes", limit))
	}
	return tags
}

func (d *delegate) NotifyMsg(buf []byte) {
	if len(buf) == 0 {
		return
	}

	rebroadcast := false
	var rebroadcastQueue *memberlist.TransmitLimitedQueue
	t := messageType(buf[0])

	switch t {
	case messageLeaveType:
		var leave messageLeave
		if err := decodeMessage(buf[1:], &leave); err != nil {
			d.serf.logger.Printf("[ERR] serf: Error decoding leave message: %s", err)
			break
		}
		d.serf.logger.Printf("[DEBUG] serf: messageLeaveType: %s", leave.Node)
		rebroadcast = d.serf.handleNodeLeaveIntent(&leave)
		rebroadcastQueue = d.serf.broadcasts

	case messageJoinType:
		var join messageJoin
		if err := decodeMessage(buf[1:], &join); err != nil {
			d.serf.logger.Printf("[ERR] serf: Error decoding join message: %s", err)
			break
		}
		d.serf.logger.Printf("[DEBUG] serf: messageJoinType: %s", join.Node)
		rebroadcast = d.serf.handleNodeJoinIntent(&join)
		rebroadcastQueue = d.serf.broadcasts

	case messageUserEventType:
		var event messageUserEvent
		if err := decodeMessage(buf[1:], &event); err != nil {
			d.serf.logger.Printf("[ERR] serf: Error decoding user event message: %s", err)
			break
		}
		rebroadcast = d.serf.handleUserEvent(&event)
		rebroadcastQueue = d.serf.eventBroadcasts

	case messageQueryType:
		var query messageQuery
		if err := decodeMessage(buf[1:], &query); err != nil {
			d.serf.logger.Printf("[ERR] serf: Error decoding query message: %s", err)
			break
		}
		rebroadcast = d.serf.handleQuery(&query)
		rebroadcastQueue = d.serf.queryBroadcasts

	case messageQueryResponseType:
		var resp messageQueryResponse
		if err := decodeMessage(buf[1:], &resp); err != nil {
			d.serf.logger.Printf("[ERR] serf: Error decoding query response message: %s", err)
			break
		}
		d.serf.handleQueryResponse(&resp)

	case messageRelayType:
		var relay messageRelay
		if err := decodeMessage(buf[1:], &relay); err != nil {
			d.serf.logger.Printf("[ERR] serf: Error decoding relay message: %s", err)
			break
		}
		d.serf.handleRelay(&relay)

	default:
		d.serf.logger.Printf("[WARN] serf: Received message of unknown type: %d", t)
	}

	if rebroadcast && rebroadcastQueue != nil {
		rebroadcastQueue.QueueBroadcast(&broadcast{msg: buf})
	}
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	msgs := d.serf.broadcasts.GetBroadcasts(overhead, limit)
	msgs = append(msgs, d.serf.eventBroadcasts.GetBroadcasts(overhead, limit)...)
	msgs = append(msgs, d.serf.queryBroadcasts.GetBroadcasts(overhead, limit)...)

	if len(msgs) > 0 {
		numq := d.serf.broadcasts.NumQueued()
		if numq >= d.serf.config.QueueDepthWarning {
			d.serf.logger.Printf("[WARN] serf: Broadcast queue depth: %d", numq)
		}
	}

	return msgs
}

func (d *delegate) LocalState(join bool) []byte {
	s := d.serf

	s.memberLock.RLock()
	pp := messagePushPull{
		LTime:        s.clock.Time(),
		StatusLTimes: make(map[string]LamportTime, len(s.members)),
		LeftMembers:  make([]string, 0, len(s.leftMembers)),
		EventLTime:   s.eventClock.Time(),
		Events:       s.eventBuffer.snapshot(),
		QueryLTime:   s.queryClock.Time(),
	}
	for name, m := range s.members {
		pp.StatusLTimes[name] = m.statusLTime
	}
	for _, m := range s.leftMembers {
		pp.LeftMembers = append(pp.LeftMembers, m.Name)
	}
	s.memberLock.RUnlock()

	buf, err := encodeMessage(messagePushPullType, &pp)
	if err != nil {
		s.logger.Printf("[ERR] serf: Failed to encode local state: %s", err)
		return nil
	}
	return buf
}

func (d *delegate) MergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 || messageType(buf[0]) != messagePushPullType {
		d.serf.logger.Printf("[ERR] serf: Remote state has bad type prefix")
		return
	}

	var pp messagePushPull
	if err := decodeMessage(buf[1:], &pp); err != nil {
		d.serf.logger.Printf("[ERR] serf: Failed to decode remote state: %s", err)
		return
	}

	s := d.serf
	s.clock.Witness(pp.LTime)
	s.eventClock.Witness(pp.EventLTime)
	s.queryClock.Witness(pp.QueryLTime)

	s.memberLock.Lock()
	for name, ltime := range pp.StatusLTimes {
		if m, ok := s.members[name]; ok && ltime > m.statusLTime {
			m.statusLTime = ltime
		}
	}
	for _, name := range pp.LeftMembers {
		if m, ok := s.members[name]; ok && m.Status == StatusAlive {
			m.Status = StatusLeaving
		}
	}
	s.eventBuffer.ingest(pp.Events, s.eventMinTime)
	s.memberLock.Unlock()
}
