package serf

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/armon/go-metrics"
)

// Member is a single member of the cluster.
type Member struct {
	Name   string
	Addr   net.IP
	Port   uint16
	Tags   map[string]string
	Status MemberStatus

	// The minimum, maximum, and current protocol versions each member
	// can understand or is speaking, for both the transport and this
	// package's own message protocol.
	ProtocolMin uint8
	ProtocolMax uint8
	ProtocolCur uint8
	DelegateMin uint8
	DelegateMax uint8
	DelegateCur uint8
}

// MemberStatus is the state a Member is in.
type MemberStatus int

const (
	StatusNone MemberStatus = iota
	StatusAlive
	StatusLeaving
	StatusLeft
	StatusFailed
)

func (s MemberStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusAlive:
		return "alive"
	case StatusLeaving:
		return "leaving"
	case StatusLeft:
		return "left"
	case StatusFailed:
		return "failed"
	default:
		panic(fmt.Sprintf("unknown MemberStatus: %d", s))
	}
}

// memberState tracks a Member along with the bookkeeping the state machine
// and reaper need: the Lamport time of the last status change, and the
// wall-clock time it happened (used by the reaper and flap detector).
type memberState struct {
	Member
	statusLTime LamportTime
	leaveTime   time.Time
}

// memberStore is the indexed, locked table of known members plus the
// failed/left ordered lists and the recent-intent buffer, all guarded by a
// single member lock per spec.md §5. It is embedded directly in Serf
// rather than exposed as a standalone type so that its narrow operation
// set (the handlers below, Members(), NumMembers()) is the only way
// callers can reach it, per the "single guarded state object" redesign
// note in spec.md §9.
type memberStore struct {
	memberLock    sync.RWMutex
	members       map[string]*memberState
	failedMembers []*memberState
	leftMembers   []*memberState
	intents       *intentBuffer
}

func newMemberStore(recentIntentTimeout time.Duration) *memberStore {
	return &memberStore{
		members: make(map[string]*memberState),
		intents: newIntentBuffer(recentIntentTimeout),
	}
}

// Members returns a point-in-time snapshot of the cluster membership.
func (s *Serf) Members() []Member {
	s.memberLock.RLock()
	defer s.memberLock.RUnlock()

	members := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m.Member)
	}
	return members
}

// NumMembers returns the number of members, including those in any
// non-Alive status.
func (s *Serf) NumMembers() int {
	s.memberLock.RLock()
	defer s.memberLock.RUnlock()
	return len(s.members)
}

// LocalMember returns the Member information for the local node.
func (s *Serf) LocalMember() Member {
	s.memberLock.RLock()
	defer s.memberLock.RUnlock()
	return s.members[s.config.NodeName].Member
}

// hasAliveMembers reports whether any member other than ourself is Alive.
func (s *Serf) hasAliveMembers() bool {
	s.memberLock.RLock()
	defer s.memberLock.RUnlock()

	for _, m := range s.members {
		if m.Name == s.config.NodeName {
			continue
		}
		if m.Status == StatusAlive {
			return true
		}
	}
	return false
}

// handleNodeJoinIntent processes an advisory join intent (spec.md §4.D,
// entry point 1). Returns true if the intent should be rebroadcast.
func (s *Serf) handleNodeJoinIntent(join *messageJoin) bool {
	s.clock.Witness(join.LTime)

	s.memberLock.Lock()
	defer s.memberLock.Unlock()

	member, ok := s.members[join.Node]
	if !ok {
		// Unknown member: buffer the intent in case the authoritative
		// join arrives later, materializing it as a placeholder.
		if !s.intents.observeJoin(join.Node, join.LTime) {
			return false // already seen, do not rebroadcast
		}
		return true
	}

	// Staleness check: ltime must be strictly greater than what we have.
	if join.LTime <= member.statusLTime {
		return false
	}
	member.statusLTime = join.LTime

	switch member.Status {
	case StatusLeft, StatusFailed:
		// Intents never resurrect; only an authoritative notification
		// can. We still witnessed the clock above.
		return false
	case StatusLeaving:
		// Refutation: the leaving message must have been for an older
		// time than this join.
		member.Status = StatusAlive
		return true
	case StatusAlive:
		return true
	default:
		return true
	}
}

// handleNodeLeaveIntent processes an advisory leave intent (spec.md §4.D,
// entry point 1). Returns true if the intent should be rebroadcast.
func (s *Serf) handleNodeLeaveIntent(leave *messageLeave) bool {
	s.clock.Witness(leave.LTime)

	s.memberLock.Lock()

	member, ok := s.members[leave.Node]
	if !ok {
		if !s.intents.observeLeave(leave.Node, leave.LTime) {
			s.memberLock.Unlock()
			return false
		}
		s.memberLock.Unlock()
		return true
	}

	// Staleness check including equality: L <= statusLTime is ignored,
	// which prevents an infinite rebroadcast loop when L == statusLTime.
	// This check runs before any status-specific transition, including
	// the Failed->Left case below (see SPEC_FULL.md Open Question 1).
	if leave.LTime <= member.statusLTime {
		s.memberLock.Unlock()
		return false
	}

	// Refute a leave naming ourself while we're still Alive by broadcasting
	// a fresh join intent from a new goroutine, after releasing the member
	// lock. The state is read directly rather than through State(), since
	// Leave calls this handler while holding stateLock.
	if leave.Node == s.config.NodeName && s.state == SerfAlive {
		s.memberLock.Unlock()
		s.logger.Printf("[DEBUG] serf: Refuting an older leave intent")
		go s.broadcastJoin(s.clock.Time())
		return false
	}

	member.statusLTime = leave.LTime

	switch member.Status {
	case StatusAlive:
		member.Status = StatusLeaving
		s.memberLock.Unlock()
		return true
	case StatusLeaving:
		s.memberLock.Unlock()
		return true
	case StatusFailed:
		member.Status = StatusLeft
		member.leaveTime = time.Now()
		s.failedMembers = removeOldMember(s.failedMembers, member.Name)
		s.leftMembers = append(s.leftMembers, member)
		s.memberLock.Unlock()

		s.logger.Printf("[INFO] serf: EventMemberLeave (forced): %s %s",
			member.Name, member.Addr)
		metrics.IncrCounterWithLabels([]string{"serf", "member", "leave"}, 1, s.metricLabels)
		if s.config.EventCh != nil {
			s.config.EventCh <- MemberEvent{Type: EventMemberLeave, Members: []Member{member.Member}}
		}
		return true
	case StatusLeft:
		s.memberLock.Unlock()
		return false
	default:
		s.memberLock.Unlock()
		return false
	}
}

// handleNodeJoin is invoked when memberlist's event delegate reports an
// authoritative join. Authoritative notifications always win, including
// resurrecting a Left or Failed member.
func (s *Serf) handleNodeJoin(addr net.IP, port uint16, name string, tags map[string]string,
	pMin, pMax, pCur, dMin, dMax, dCur uint8) {

	s.memberLock.Lock()

	var oldStatus MemberStatus
	member, ok := s.members[name]
	if !ok {
		oldStatus = StatusNone
		member = &memberState{
			Member: Member{
				Name:   name,
				Addr:   addr,
				Port:   port,
				Tags:   tags,
				Status: StatusAlive,
			},
		}

		if join := s.intents.joinTime(name); join > 0 {
			member.statusLTime = join
		}
		if leave := s.intents.leaveTime(name); leave > member.statusLTime {
			member.Status = StatusLeaving
			member.statusLTime = leave
		}
		s.intents.delete(name)

		s.members[name] = member
	} else {
		oldStatus = member.Status
		if oldStatus == StatusFailed || oldStatus == StatusLeft {
			s.checkFlap(member)
		}
		member.Status = StatusAlive
		member.leaveTime = time.Time{}
		member.Addr = addr
		member.Port = port
		member.Tags = tags
	}

	member.ProtocolMin, member.ProtocolMax, member.ProtocolCur = pMin, pMax, pCur
	member.DelegateMin, member.DelegateMax, member.DelegateCur = dMin, dMax, dCur

	if oldStatus == StatusFailed || oldStatus == StatusLeft {
		s.failedMembers = removeOldMember(s.failedMembers, member.Name)
		s.leftMembers = removeOldMember(s.leftMembers, member.Name)
	}
	s.memberLock.Unlock()

	s.logger.Printf("[INFO] serf: EventMemberJoin: %s %s", member.Name, member.Addr)
	metrics.IncrCounterWithLabels([]string{"serf", "member", "join"}, 1, s.metricLabels)
	if s.config.EventCh != nil {
		s.config.EventCh <- MemberEvent{Type: EventMemberJoin, Members: []Member{member.Member}}
	}
}

// handleNodeLeave is invoked when memberlist's event delegate reports an
// authoritative leave. dead is true for a failure detection, false for a
// graceful transport-level leave.
func (s *Serf) handleNodeLeave(name string, dead bool) {
	s.memberLock.Lock()

	member, ok := s.members[name]
	if !ok {
		s.memberLock.Unlock()
		return
	}

	member.leaveTime = time.Now()
	var event EventType
	if dead || member.Status == StatusAlive {
		member.Status = StatusFailed
		s.failedMembers = append(s.failedMembers, member)
		event = EventMemberFailed
	} else {
		member.Status = StatusLeft
		s.leftMembers = append(s.leftMembers, member)
		event = EventMemberLeave
	}
	s.memberLock.Unlock()

	label := "EventMemberLeave"
	if event == EventMemberFailed {
		label = "EventMemberFailed"
		metrics.IncrCounterWithLabels([]string{"serf", "member", "failed"}, 1, s.metricLabels)
	} else {
		metrics.IncrCounterWithLabels([]string{"serf", "member", "leave"}, 1, s.metricLabels)
	}
	s.logger.Printf("[INFO] serf: %s: %s %s", label, member.Name, member.Addr)
	if s.config.EventCh != nil {
		s.config.EventCh <- MemberEvent{Type: event, Members: []Member{member.Member}}
	}
}

// handleNodeUpdate is invoked when memberlist's event delegate reports a
// metadata-only update (tags changed, no status transition). This is the
// supplemented EventMemberUpdate described in SPEC_FULL.md.
func (s *Serf) handleNodeUpdate(addr net.IP, port uint16, name string, tags map[string]string) {
	s.memberLock.Lock()
	member, ok := s.members[name]
	if !ok {
		s.memberLock.Unlock()
		return
	}
	member.Addr = addr
	member.Port = port
	member.Tags = tags
	s.memberLock.Unlock()

	s.logger.Printf("[INFO] serf: EventMemberUpdate: %s", member.Name)
	if s.config.EventCh != nil {
		s.config.EventCh <- MemberEvent{Type: EventMemberUpdate, Members: []Member{member.Member}}
	}
}

// removeOldMember removes a named member from a failed/left list. Caller
// must hold the member lock.
func removeOldMember(old []*memberState, name string) []*memberState {
	for i, m := range old {
		if m.Name == name {
			n := len(old)
			old[i], old[n-1] = old[n-1], nil
			return old[:n-1]
		}
	}
	return old
}
