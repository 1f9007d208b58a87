package serf

import (
	"io"
	"os"
	"time"

	"github.com/hashicorp/memberlist"
)

// ProtocolVersionMap maps the protocol version this package speaks to the
// memberlist protocol version it requires underneath.
var ProtocolVersionMap = map[uint8]uint8{
	2: 2,
	3: 3,
	4: 4,
	5: 5,
}

const (
	// ProtocolVersionMin and ProtocolVersionMax are the range of protocol
	// versions this package understands. These are distinct from the
	// memberlist protocol version, which is mapped via ProtocolVersionMap.
	ProtocolVersionMin uint8 = 2
	ProtocolVersionMax uint8 = 5
)

// MergeDelegate is used to allow an application to approve or veto the
// contents of a join or merge, based on its own knowledge of the cluster.
type MergeDelegate interface {
	NotifyMerge([]*Member) error
}

// Logger is the minimal logging contract every subsystem is handed
// explicitly at construction time; nothing here is ever read from a
// package-level variable.
type Logger interface {
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

// Config is used to configure a Node. After Create, the configuration
// should no longer be used or modified by the caller.
type Config struct {
	// NodeName is the name of this node. It must be unique in the cluster.
	NodeName string

	// Tags are key/value pairs attached to this node and shared with the
	// rest of the cluster via NodeMeta.
	Tags map[string]string

	// EventCh is the channel user events, queries and membership changes
	// are sent on. Delivery into it is a blocking send, so it should be
	// buffered and drained promptly; only the snapshotter, when
	// SnapshotPath is set, forwards without blocking and drops an event
	// the next stage cannot take immediately.
	EventCh chan Event

	// ProtocolVersion is the version to speak, within
	// [ProtocolVersionMin, ProtocolVersionMax].
	ProtocolVersion uint8

	// BroadcastTimeout bounds how long Leave waits for its leave intent
	// to drain from the broadcast queue.
	BroadcastTimeout time.Duration

	// LeavePropagateDelay adds extra time after the intent drains before
	// the transport itself is asked to leave, to improve the odds peers
	// absorbed the intent before this node goes dark.
	LeavePropagateDelay time.Duration

	// EventBuffer is the number of distinct Lamport-time slots retained
	// for user event de-duplication.
	EventBuffer int

	// QueryBuffer is the number of distinct Lamport-time slots retained
	// for inbound query de-duplication.
	QueryBuffer int

	// ReapInterval controls how often failed/left members are reaped.
	ReapInterval time.Duration

	// RecentIntentTimeout bounds how long a buffered intent for an
	// unknown member is retained before being discarded.
	RecentIntentTimeout time.Duration

	// ReconnectInterval controls how often a reconnect is attempted
	// against a random failed member.
	ReconnectInterval time.Duration

	// ReconnectTimeout bounds how long a failed member is retained
	// before being reaped.
	ReconnectTimeout time.Duration

	// ReconnectTimeoutOverride allows specific members (by name) to carry
	// a different ReconnectTimeout. Consulted before the default.
	ReconnectTimeoutOverride map[string]time.Duration

	// TombstoneTimeout bounds how long a Left member is retained before
	// being reaped.
	TombstoneTimeout time.Duration

	// FlapTimeout is the window within which a re-join after a failure
	// counts as a flap.
	FlapTimeout time.Duration

	// QueueCheckInterval controls how often outbound queue depth is
	// sampled for the QueueDepthWarning/MaxQueueDepth checks.
	QueueCheckInterval time.Duration

	// QueueDepthWarning is the queue depth at which warnings are logged.
	QueueDepthWarning int

	// MaxQueueDepth is a hard cap on outbound broadcast queue depth.
	MaxQueueDepth int

	// MinQueueDepth, if non-zero, disables MaxQueueDepth enforcement
	// until the cluster reaches at least this many members.
	MinQueueDepth int

	// QueryTimeoutMult scales the default query deadline:
	// GossipInterval * QueryTimeoutMult * log10(N+1).
	QueryTimeoutMult int

	// QueryResponseSizeLimit caps the wire size of a single query
	// response.
	QueryResponseSizeLimit int

	// QuerySizeLimit caps the total wire size of an outbound query.
	QuerySizeLimit int

	// UserEventSizeLimit caps the combined size of a user event's name
	// and payload.
	UserEventSizeLimit int

	// EnableNameConflictResolution enables the automatic conflict
	// resolver described in spec.md §4.L.
	EnableNameConflictResolution bool

	// DisableCoordinates disables the Vivaldi network coordinate client.
	DisableCoordinates bool

	// ValidateNodeNames enables strict validation of node names.
	ValidateNodeNames bool

	// RejoinAfterLeave controls whether a restart after a graceful Leave
	// honors the snapshot's alive set as rejoin hints.
	RejoinAfterLeave bool

	// CoalescePeriod and QuiescentPeriod control member event coalescing.
	CoalescePeriod  time.Duration
	QuiescentPeriod time.Duration

	// UserCoalescePeriod and UserQuiescentPeriod control user event
	// coalescing.
	UserCoalescePeriod  time.Duration
	UserQuiescentPeriod time.Duration

	// SnapshotPath, if set, enables the durable snapshot (spec.md §4.M).
	SnapshotPath string

	// KeyringFile, if set, is where the encryption keyring is persisted
	// after key manager operations.
	KeyringFile string

	// Merge, if set, is consulted to approve or veto a join/merge.
	Merge MergeDelegate

	// MemberlistConfig configures the underlying gossip transport. If
	// nil, memberlist.DefaultLANConfig() is used.
	MemberlistConfig *memberlist.Config

	// LogOutput is where log output is written; defaults to os.Stderr.
	LogOutput io.Writer

	// Logger, if set, is used in place of a logger built from LogOutput.
	Logger Logger
}

// DefaultConfig returns a Config populated with the defaults this package
// ships: moderate timeouts, a fresh memberlist.Config, and coalescing
// disabled until the caller opts in.
func DefaultConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return &Config{
		NodeName:                     hostname,
		BroadcastTimeout:             5 * time.Second,
		LeavePropagateDelay:          1 * time.Second,
		EventBuffer:                  512,
		QueryBuffer:                  512,
		LogOutput:                    os.Stderr,
		ProtocolVersion:              ProtocolVersionMax,
		RejoinAfterLeave:             false,
		RecentIntentTimeout:          5 * time.Minute,
		ReapInterval:                 15 * time.Second,
		ReconnectInterval:            30 * time.Second,
		ReconnectTimeout:             24 * time.Hour,
		QueueCheckInterval:           30 * time.Second,
		QueueDepthWarning:            128,
		MaxQueueDepth:                4096,
		TombstoneTimeout:             24 * time.Hour,
		FlapTimeout:                  60 * time.Second,
		MemberlistConfig:             memberlist.DefaultLANConfig(),
		QueryTimeoutMult:             16,
		QueryResponseSizeLimit:       1024,
		QuerySizeLimit:               1024,
		EnableNameConflictResolution: true,
		UserEventSizeLimit:           512,
	}
}
