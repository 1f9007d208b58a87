package serf

import (
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"
)

// QueryParam is the configuration used for a Query request.
type QueryParam struct {
	// FilterNodes, if non-empty, restricts delivery to the named nodes.
	FilterNodes []string

	// FilterTags, if non-empty, restricts delivery to nodes whose tag
	// values match every given regular expression.
	FilterTags map[string]string

	// RequestAck requests that every node that receives (and does not
	// filter out) the query send a bare acknowledgement in addition to
	// any application response.
	RequestAck bool

	// RelayFactor is the number of extra nodes asked to relay this
	// node's response back to the query originator, for redundancy
	// against a single lost direct reply.
	RelayFactor uint8

	// Timeout is the total time to wait for acks/responses. Zero selects
	// the default computed from Config.QueryTimeoutMult and cluster size.
	Timeout time.Duration
}

// encodeFilters renders the param's node/tag filters into the wire
// encoding messageQuery.Filters expects.
func (p *QueryParam) encodeFilters() ([][]byte, error) {
	var filters [][]byte

	if len(p.FilterNodes) > 0 {
		buf, err := encodeFilter(filterNodeType, filterNode(p.FilterNodes))
		if err != nil {
			return nil, err
		}
		filters = append(filters, buf)
	}

	for tag, expr := range p.FilterTags {
		buf, err := encodeFilter(filterTagType, filterTag{Tag: tag, Expr: expr})
		if err != nil {
			return nil, err
		}
		filters = append(filters, buf)
	}

	return filters, nil
}

func (s *Serf) defaultQueryTimeout() time.Duration {
	n := s.NumMembers()
	mult := s.config.QueryTimeoutMult
	if mult <= 0 {
		mult = 16
	}
	depth := 0
	for n > 0 {
		n /= 10
		depth++
	}
	return s.config.MemberlistConfig.GossipInterval * time.Duration(mult) * time.Duration(depth)
}

// NodeResponse is a single node's response to a Query.
type NodeResponse struct {
	From    string
	Payload []byte
}

// QueryResponse is returned by Query and collects acks and responses as
// they arrive, until Deadline or the caller stops consuming it.
type QueryResponse struct {
	id       uint32
	lTime    LamportTime
	deadline time.Time

	respCh chan NodeResponse
	ackCh  chan string

	lock    sync.Mutex
	closed  bool
	closeCh chan struct{}
}

func newQueryResponse(id uint32, lTime LamportTime, deadline time.Time, wantAck bool) *QueryResponse {
	q := &QueryResponse{
		id:       id,
		lTime:    lTime,
		deadline: deadline,
		respCh:   make(chan NodeResponse, 128),
		closeCh:  make(chan struct{}),
	}
	if wantAck {
		q.ackCh = make(chan string, 128)
	}
	return q
}

// Deadline is the time this query's response window closes.
func (q *QueryResponse) Deadline() time.Time {
	return q.deadline
}

// Finished reports whether the response window has closed.
func (q *QueryResponse) Finished() bool {
	select {
	case <-q.closeCh:
		return true
	default:
		return time.Now().After(q.deadline)
	}
}

// AckCh returns the channel acks are delivered on, or nil if RequestAck
// was not set.
func (q *QueryResponse) AckCh() <-chan string {
	return q.ackCh
}

// ResponseCh returns the channel application responses are delivered on.
func (q *QueryResponse) ResponseCh() <-chan NodeResponse {
	return q.respCh
}

func (q *QueryResponse) deliverAck(from string) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed || q.ackCh == nil {
		return
	}
	select {
	case q.ackCh <- from:
	default:
	}
}

func (q *QueryResponse) deliverResponse(from string, payload []byte) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return
	}
	select {
	case q.respCh <- NodeResponse{From: from, Payload: payload}:
	default:
	}
}

func (q *QueryResponse) close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closeCh)
	close(q.respCh)
	if q.ackCh != nil {
		close(q.ackCh)
	}
}

// Query is an Event delivered to Config.EventCh for an inbound query this
// node has not filtered out. Respond sends this node's application
// response back to the query's originator, directly or via relay.
type Query struct {
	LTime   LamportTime
	Name    string
	Payload []byte

	serf        *Serf
	id          uint32
	addr        net.IP
	port        uint16
	deadline    time.Time
	relayFactor uint8
}

func (q *Query) EventType() EventType {
	return EventQuery
}

func (q *Query) String() string {
	return fmt.Sprintf("query: %s", q.Name)
}

// Deadline is the time by which a response must be sent to be honored by
// the originator.
func (q *Query) Deadline() time.Time {
	return q.deadline
}

// Respond sends buf back to the query's originator as this node's
// application response, either directly or relayed through RelayFactor
// intermediate nodes for redundancy.
func (q *Query) Respond(buf []byte) error {
	if time.Now().After(q.deadline) {
		return fmt.Errorf("serf: query response is past the deadline")
	}

	resp := messageQueryResponse{
		LTime:   q.LTime,
		ID:      q.id,
		From:    q.serf.config.NodeName,
		Payload: buf,
	}

	raw, err := encodeMessage(messageQueryResponseType, &resp)
	if err != nil {
		return err
	}
	if len(raw) > q.serf.config.QueryResponseSizeLimit {
		return fmt.Errorf("serf: query response size limit exceeded (%d > %d)",
			len(raw), q.serf.config.QueryResponseSizeLimit)
	}

	return q.serf.sendToOrRelay(q.addr, q.port, raw, q.relayFactor)
}

// queryFilterMatch reports whether this node passes every filter encoded
// in a messageQuery, per spec.md component H.
func (s *Serf) queryFilterMatch(filters [][]byte) bool {
	local := s.LocalMember()

	for _, encoded := range filters {
		if len(encoded) == 0 {
			continue
		}
		ft := filterType(encoded[0])
		body := encoded[1:]

		switch ft {
		case filterNodeType:
			var nodes filterNode
			if err := decodeMessage(body, &nodes); err != nil {
				return false
			}
			found := false
			for _, n := range nodes {
				if n == local.Name {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case filterTagType:
			var tag filterTag
			if err := decodeMessage(body, &tag); err != nil {
				return false
			}
			val, ok := local.Tags[tag.Tag]
			if !ok {
				return false
			}
			matched, err := regexp.MatchString(tag.Expr, val)
			if err != nil || !matched {
				return false
			}
		default:
			return false
		}
	}

	return true
}
