package serf

import "sync"

// queryDedup is the query-clock-indexed ring buffer used to recognize a
// query already delivered locally, mirroring userEventBuffer but keyed on
// query ID rather than payload equality since a query's ID alone is
// unique per (origin, slot).
type queryDedup struct {
	size  int
	slots []map[uint32]struct{}
	ltime []LamportTime
}

func newQueryDedup(size int) *queryDedup {
	if size <= 0 {
		size = 1
	}
	return &queryDedup{
		size:  size,
		slots: make([]map[uint32]struct{}, size),
		ltime: make([]LamportTime, size),
	}
}

// observe reports whether (ltime, id) was already seen, recording it if
// not. A stale ltime for the slot clears the slot first.
func (d *queryDedup) observe(ltime LamportTime, id uint32) bool {
	idx := int(ltime % LamportTime(d.size))

	if d.slots[idx] == nil || d.ltime[idx] != ltime {
		d.slots[idx] = make(map[uint32]struct{})
		d.ltime[idx] = ltime
	}

	if _, ok := d.slots[idx][id]; ok {
		return true
	}
	d.slots[idx][id] = struct{}{}
	return false
}

// outboundQueries is the registry of in-flight queries this node
// originated, keyed by query ID, so that an inbound messageQueryResponse
// can be routed to the right QueryResponse.
type outboundQueries struct {
	lock    sync.Mutex
	nextID  uint32
	pending map[uint32]*QueryResponse
}

func newOutboundQueries() *outboundQueries {
	return &outboundQueries{
		pending: make(map[uint32]*QueryResponse),
	}
}

func (o *outboundQueries) register(q *QueryResponse) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.pending[q.id] = q
}

func (o *outboundQueries) nextQueryID() uint32 {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.nextID++
	return o.nextID
}

func (o *outboundQueries) deliverAck(id uint32, from string) {
	o.lock.Lock()
	q, ok := o.pending[id]
	o.lock.Unlock()
	if ok {
		q.deliverAck(from)
	}
}

func (o *outboundQueries) deliverResponse(id uint32, from string, payload []byte) {
	o.lock.Lock()
	q, ok := o.pending[id]
	o.lock.Unlock()
	if ok {
		q.deliverResponse(from, payload)
	}
}

// reap closes and forgets every registered query whose deadline has
// passed, freeing its channels.
func (o *outboundQueries) reap() {
	o.lock.Lock()
	defer o.lock.Unlock()
	for id, q := range o.pending {
		if q.Finished() {
			q.close()
			delete(o.pending, id)
		}
	}
}
