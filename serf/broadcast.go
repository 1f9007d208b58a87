package serf

import (
	"github.com/hashicorp/go-uuid"
	"github.com/hashicorp/memberlist"
)

// broadcast is an implementation of memberlist.Broadcast and is used to
// manage broadcasts across the memberlist channel that are related only to
// this package. When key is non-empty, a newly queued broadcast sharing the
// same key supersedes (invalidates) any older, not-yet-drained broadcast
// with that key, per the "unique-id" invariant on broadcast queue entries.
type broadcast struct {
	key    string
	msg    []byte
	notify chan<- struct{}
}

func (b *broadcast) Invalidates(other memberlist.Broadcast) bool {
	b2, ok := other.(*broadcast)
	if !ok {
		return false
	}
	return b.key != "" && b.key == b2.key
}

func (b *broadcast) Message() []byte {
	return b.msg
}

func (b *broadcast) Finished() {
	if b.notify != nil {
		close(b.notify)
	}
}

// newBroadcastKey generates a random key suitable for use as a broadcast's
// unique-id when no natural key (such as a member name) is available, e.g.
// for relay envelopes that should not be deduplicated against one another.
func newBroadcastKey() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		// uuid generation failure is effectively impossible (it only
		// fails if the system entropy source cannot be read); fall
		// back to an empty key, which disables supersession for this
		// entry rather than failing the broadcast outright.
		return ""
	}
	return id
}

// newBroadcastQueue constructs a memberlist.TransmitLimitedQueue whose
// NumNodes reflects the live member count, matching the RetransmitMult
// configured for the underlying memberlist transport.
func newBroadcastQueue(numNodes func() int, retransmitMult int) *memberlist.TransmitLimitedQueue {
	return &memberlist.TransmitLimitedQueue{
		NumNodes:       numNodes,
		RetransmitMult: retransmitMult,
	}
}
