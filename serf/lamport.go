package serf

import (
	"sync/atomic"
)

// LamportTime is the value of a LamportClock.
type LamportTime uint64

// LamportClock is a thread safe implementation of a Lamport clock. Its
// value never decreases: Increment advances it, Time reads it without
// changing it, and it can be witnessed forward when a larger value
// arrives from a remote peer.
type LamportClock struct {
	counter uint64
}

// Time is used to return the current value of the Lamport clock.
func (l *LamportClock) Time() LamportTime {
	return LamportTime(atomic.LoadUint64(&l.counter))
}

// Increment is used to increment and return the value of the Lamport clock.
func (l *LamportClock) Increment() LamportTime {
	return LamportTime(atomic.AddUint64(&l.counter, 1))
}

// Witness is called to update our local clock if necessary after
// witnessing a clock value received from another process.
func (l *LamportClock) Witness(v LamportTime) {
	for {
		// If the other value is old, we do not need to do anything.
		cur := atomic.LoadUint64(&l.counter)
		other := uint64(v)
		if other < cur {
			return
		}

		// Ensure that our local clock is at least one ahead. Retry
		// if another witness raced us to the swap.
		if atomic.CompareAndSwapUint64(&l.counter, cur, other+1) {
			return
		}
	}
}
