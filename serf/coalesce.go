// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package serf

import "time"

// coalescable is implemented once per tagged kind of event the delivery
// pipeline knows how to de-duplicate. Handle reports whether an event
// belongs to this kind; Key groups events that must be merged together;
// Coalesce folds a newly arrived event into whatever is already pending
// for that key, returning the event to keep until the next flush. prev is
// nil the first time a key is seen in a quantum.
type coalescable interface {
	Handle(e Event) bool
	Key(e Event) string
	Coalesce(prev, next Event) Event
}

// coalescedEventCh sits in front of outCh and returns the channel callers
// should feed events into. Any event none of kinds claims passes straight
// through; the rest are merged per Key() and flushed together once per
// coalescing quantum or quiescent pause. Multiple kinds may be registered
// on one channel so a single goroutine drives both member and user event
// de-duplication.
func coalescedEventCh(outCh chan<- Event, shutdownCh <-chan struct{},
	cPeriod time.Duration, qPeriod time.Duration, kinds ...coalescable) chan<- Event {
	inCh := make(chan Event, 1024)
	go coalesceLoop(inCh, outCh, shutdownCh, cPeriod, qPeriod, kinds)
	return inCh
}

// coalesceLoop manages the high-level flow of coalescing based on
// quiescence and a maximum quantum period, folding each incoming event
// into the bucket owned by whichever tagged kind claims it.
func coalesceLoop(inCh <-chan Event, outCh chan<- Event, shutdownCh <-chan struct{},
	coalescePeriod time.Duration, quiescentPeriod time.Duration, kinds []coalescable) {
	pending := make([]map[string]Event, len(kinds))
	for i := range pending {
		pending[i] = make(map[string]Event)
	}

	var quantum <-chan time.Time
	var quiescent <-chan time.Time
	shutdown := false

INGEST:
	quantum = nil
	quiescent = nil

	for {
		select {
		case e := <-inCh:
			owner := -1
			for i, k := range kinds {
				if k.Handle(e) {
					owner = i
					break
				}
			}
			if owner < 0 {
				outCh <- e
				continue
			}

			if quantum == nil {
				quantum = time.After(coalescePeriod)
			}
			quiescent = time.After(quiescentPeriod)

			bucket := pending[owner]
			key := kinds[owner].Key(e)
			bucket[key] = kinds[owner].Coalesce(bucket[key], e)

		case <-quantum:
			goto FLUSH
		case <-quiescent:
			goto FLUSH
		case <-shutdownCh:
			shutdown = true
			goto FLUSH
		}
	}

FLUSH:
	for _, bucket := range pending {
		for key, e := range bucket {
			outCh <- e
			delete(bucket, key)
		}
	}

	if !shutdown {
		goto INGEST
	}
}
