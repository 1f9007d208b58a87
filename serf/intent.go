package serf

import "time"

// bufferedIntent is an advisory join or leave intent received for a member
// this node does not yet know about, kept around in case the authoritative
// notification arrives later and needs to know whether it resurrects or
// starts the member in a Leaving state.
type bufferedIntent struct {
	joinLTime  LamportTime
	leaveLTime LamportTime
	seenAt     time.Time
}

// intentBuffer replaces the teacher's fixed-size recentJoin/recentLeave
// ring buffers with a map keyed by node name, decayed by wall-clock age
// rather than slot count. The spec names an explicit RecentIntentTimeout
// config knob, which a ring buffer sized in entries can't honor directly;
// a time-keyed map can. Entries are purged opportunistically on access and
// deleted outright once the named member materializes.
type intentBuffer struct {
	timeout time.Duration
	entries map[string]*bufferedIntent
}

func newIntentBuffer(timeout time.Duration) *intentBuffer {
	return &intentBuffer{
		timeout: timeout,
		entries: make(map[string]*bufferedIntent),
	}
}

// observeJoin records a join intent for an unknown member. Returns false
// if this exact (or a newer) join was already recorded, in which case the
// caller should not rebroadcast.
func (b *intentBuffer) observeJoin(node string, ltime LamportTime) bool {
	e := b.get(node)
	if ltime <= e.joinLTime {
		return false
	}
	e.joinLTime = ltime
	e.seenAt = time.Now()
	return true
}

// observeLeave records a leave intent for an unknown member.
func (b *intentBuffer) observeLeave(node string, ltime LamportTime) bool {
	e := b.get(node)
	if ltime <= e.leaveLTime {
		return false
	}
	e.leaveLTime = ltime
	e.seenAt = time.Now()
	return true
}

// joinTime returns the buffered join Lamport time for node, or 0 if none
// is buffered or it has expired.
func (b *intentBuffer) joinTime(node string) LamportTime {
	e, ok := b.entries[node]
	if !ok || b.expired(e) {
		return 0
	}
	return e.joinLTime
}

// leaveTime returns the buffered leave Lamport time for node, or 0 if none
// is buffered or it has expired.
func (b *intentBuffer) leaveTime(node string) LamportTime {
	e, ok := b.entries[node]
	if !ok || b.expired(e) {
		return 0
	}
	return e.leaveLTime
}

// delete discards any buffered intent for node, called once the member
// materializes via an authoritative join.
func (b *intentBuffer) delete(node string) {
	delete(b.entries, node)
}

func (b *intentBuffer) expired(e *bufferedIntent) bool {
	return b.timeout > 0 && time.Since(e.seenAt) > b.timeout
}

func (b *intentBuffer) get(node string) *bufferedIntent {
	e, ok := b.entries[node]
	if !ok || b.expired(e) {
		e = &bufferedIntent{}
		b.entries[node] = e
	}
	return e
}

// reap drops every buffered intent older than the configured timeout. It
// is invoked from the same reaper tick that ages out failed/left members
// so the intent buffer does not grow unbounded across a long-lived node.
func (b *intentBuffer) reap() {
	if b.timeout <= 0 {
		return
	}
	now := time.Now()
	for node, e := range b.entries {
		if now.Sub(e.seenAt) > b.timeout {
			delete(b.entries, node)
		}
	}
}
