package serf

import (
	"bytes"
	"net"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
)

// messageType are the types of gossip messages Serf will send along
// memberlist.
type messageType uint8

const (
	messageLeaveType messageType = iota
	messageJoinType
	messagePushPullType
	messageUserEventType
	messageQueryType
	messageQueryResponseType
	messageConflictResponseType
	messageKeyRequestType
	messageKeyResponseType
	messageRelayType
)

// filterType is used with a queryFilter to specify the type of filter we
// are sending.
type filterType uint8

const (
	filterNodeType filterType = iota
	filterTagType
)

// messageJoin is the message broadcast after we join to associate the node
// with a Lamport clock value: a join intent.
type messageJoin struct {
	LTime LamportTime
	Node  string
}

// messageLeave is the message broadcast to signal the intention to leave:
// a leave intent.
type messageLeave struct {
	LTime LamportTime
	Node  string
}

// messagePushPull is used when doing a push/pull state exchange. This is a
// relatively large message, sent infrequently during anti-entropy.
type messagePushPull struct {
	LTime        LamportTime            // Current status Lamport time
	StatusLTimes map[string]LamportTime // Per-member status Lamport time
	LeftMembers  []string               // List of left members
	EventLTime   LamportTime            // Lamport time for the event clock
	Events       []*userEvents          // Recent user events
	QueryLTime   LamportTime            // Lamport time for the query clock
}

// messageUserEvent is used for user-generated broadcast events.
type messageUserEvent struct {
	LTime   LamportTime
	Name    string
	Payload []byte
	CC      bool // "Can Coalesce"
}

// messageQuery is used for query events.
type messageQuery struct {
	LTime       LamportTime   // Query Lamport time
	ID          uint32        // Query ID, unique per (sender, slot)
	Addr        []byte        // Source address, for a direct reply
	Port        uint16        // Source port, for a direct reply
	Filters     [][]byte      // Encoded query filters
	Flags       uint32        // Miscellaneous flags, see query flag consts
	RelayFactor uint8         // Number of duplicate relays to send
	Timeout     time.Duration // Maximum time between delivery and response
	Name        string        // Query name
	Payload     []byte        // Query payload
}

const (
	// queryFlagAck requests that recipients send an ack in addition to
	// any application response.
	queryFlagAck uint32 = 1 << iota

	// queryFlagNoBroadcast requests that recipients who reject this
	// query via a filter not rebroadcast it either.
	queryFlagNoBroadcast
)

// Ack checks if the ack flag is set.
func (m *messageQuery) Ack() bool {
	return m.Flags&queryFlagAck != 0
}

// NoBroadcast checks if the no-broadcast flag is set.
func (m *messageQuery) NoBroadcast() bool {
	return m.Flags&queryFlagNoBroadcast != 0
}

// filterNode is used with filterNodeType and is a list of node names to
// allow through the filter.
type filterNode []string

// filterTag is used with filterTagType and is a regular expression
// applied against a single tag's value.
type filterTag struct {
	Tag  string
	Expr string
}

// messageQueryResponse is used to respond to a query, either as an ack or
// a full application response.
type messageQueryResponse struct {
	LTime   LamportTime // Query Lamport time
	ID      uint32      // Query ID
	From    string      // Node name
	Flags   uint32      // Ack or response
	Payload []byte      // Optional response payload
}

const (
	queryResponseFlagAck uint32 = 1 << iota
)

// messageKeyRequest is relayed by the key manager for install/use/remove
// requests; key is the raw (decoded) key material.
type messageKeyRequest struct {
	Key []byte
}

// messageRelay wraps a query response (or ack) so that it can be relayed
// through an intermediate node back to the query's origin, providing
// redundancy against a single lost hop.
type messageRelay struct {
	DestAddr net.IP
	DestPort uint16
	DestName string
	Msg      []byte // type byte + encoded body of the inner message
}

func decodeMessage(buf []byte, out interface{}) error {
	return codec.NewDecoder(bytes.NewReader(buf), &codec.MsgpackHandle{}).Decode(out)
}

// encodeTagged msgpack-encodes v with a single leading byte identifying its
// wire type, the shape every gossip message and query filter on the wire
// shares regardless of which Go type carries its payload.
func encodeTagged(tag uint8, v interface{}) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(tag)
	err := codec.NewEncoder(buf, &codec.MsgpackHandle{}).Encode(v)
	return buf.Bytes(), err
}

func encodeMessage(t messageType, msg interface{}) ([]byte, error) {
	return encodeTagged(uint8(t), msg)
}

func encodeFilter(f filterType, filt interface{}) ([]byte, error) {
	return encodeTagged(uint8(f), filt)
}
