package serf

import "bytes"

// userEvent is a single named user event with its payload, used both as
// the push/pull anti-entropy representation and as the de-duplication key
// within a userEvents slot.
type userEvent struct {
	Name    string
	Payload []byte
}

func (a *userEvent) Equals(b *userEvent) bool {
	return a.Name == b.Name && bytes.Equal(a.Payload, b.Payload)
}

// userEvents groups every distinct userEvent witnessed at a single
// Lamport time, so the buffer can hold duplicates-by-payload apart without
// growing one slot per event.
type userEvents struct {
	LTime  LamportTime
	Events []userEvent
}

// userEventBuffer is the fixed-size, Lamport-clock-indexed ring buffer
// used to suppress replays of a user event already delivered locally
// (spec.md component F). A slot is addressed by LTime modulo the buffer
// size; a stale slot is silently overwritten, exactly as the teacher's
// recentEvents handling of the status clock does it in serf.go, just
// keyed on the separate event clock.
type userEventBuffer struct {
	size  int
	slots []*userEvents
}

func newUserEventBuffer(size int) *userEventBuffer {
	if size <= 0 {
		size = 1
	}
	return &userEventBuffer{
		size:  size,
		slots: make([]*userEvents, size),
	}
}

// observe reports whether (ltime, name, payload) has already been seen,
// and records it if not. The caller should not re-deliver or rebroadcast
// an event for which observe returns true.
func (b *userEventBuffer) observe(ltime LamportTime, name string, payload []byte) bool {
	idx := int(ltime % LamportTime(b.size))
	slot := b.slots[idx]

	if slot == nil || slot.LTime != ltime {
		slot = &userEvents{LTime: ltime}
		b.slots[idx] = slot
	}

	ev := userEvent{Name: name, Payload: payload}
	for _, existing := range slot.Events {
		if existing.Equals(&ev) {
			return true
		}
	}
	slot.Events = append(slot.Events, ev)
	return false
}

// snapshot returns the non-empty slots, for inclusion in a push/pull
// anti-entropy exchange.
func (b *userEventBuffer) snapshot() []*userEvents {
	out := make([]*userEvents, 0, b.size)
	for _, s := range b.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// ingest merges a remote node's userEvents snapshot into the local buffer
// during push/pull anti-entropy, recording anything not already observed.
func (b *userEventBuffer) ingest(remote []*userEvents, minTime LamportTime) {
	for _, events := range remote {
		if events.LTime < minTime {
			continue
		}
		for _, ev := range events.Events {
			b.observe(events.LTime, ev.Name, ev.Payload)
		}
	}
}
