package serf

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/hashicorp/grove/coordinate"
	"github.com/hashicorp/memberlist"
)

// Serf is a single node participating in a single cluster, receiving
// membership and query events over Config.EventCh. It is created with
// Create and is safe for concurrent use.
type Serf struct {
	// The clocks are first in the struct so the atomic operations inside
	// them stay 64-bit aligned on 32-bit platforms (see golang/go#599).
	clock      LamportClock
	eventClock LamportClock
	queryClock LamportClock

	*memberStore

	config     *Config
	logger     Logger
	memberlist *memberlist.Memberlist

	stateLock  sync.Mutex
	state      SerfState
	shutdownCh chan struct{}

	broadcasts      *memberlist.TransmitLimitedQueue
	eventBroadcasts *memberlist.TransmitLimitedQueue
	queryBroadcasts *memberlist.TransmitLimitedQueue

	eventBuffer  *userEventBuffer
	eventLock    sync.Mutex
	eventMinTime LamportTime

	queryLock  sync.Mutex
	queryDedup *queryDedup
	queries    *outboundQueries

	// serfQueriesCh is the entry point for inbound Query events: the
	// internal reserved-name router strips _serf_ queries before
	// forwarding whatever remains into the snapshot/coalesce pipeline
	// that member and user events are delivered through directly.
	serfQueriesCh chan<- Event

	coordClient    *coordinate.Client
	coordCache     map[string]*coordinate.Coordinate
	coordCacheLock sync.Mutex

	snapshotter *Snapshotter

	metricLabels []metrics.Label
}

// SerfState is the lifecycle state of a Serf instance.
type SerfState int

const (
	SerfAlive SerfState = iota
	SerfLeaving
	SerfLeft
	SerfShutdown
)

func (s SerfState) String() string {
	switch s {
	case SerfAlive:
		return "alive"
	case SerfLeaving:
		return "leaving"
	case SerfLeft:
		return "left"
	case SerfShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

func validateNodeName(name string) error {
	if len(name) == 0 || len(name) > 128 {
		return fmt.Errorf("node name must be between 1 and 128 characters, got %d", len(name))
	}
	if invalidNodeNameRe.MatchString(name) {
		return fmt.Errorf("node name %q contains invalid characters, only alphanumerics and dashes are allowed", name)
	}
	return nil
}

// querySafetyMargin is added to the query clock recovered from a snapshot,
// so queries issued after a restart start above any Lamport time the
// previous run may have used without persisting it.
const querySafetyMargin = 1024

// Create creates a new Serf instance and starts the background tasks that
// maintain cluster membership. conf is no longer the caller's to modify
// after this returns.
func Create(conf *Config) (*Serf, error) {
	if conf.ProtocolVersion < ProtocolVersionMin || conf.ProtocolVersion > ProtocolVersionMax {
		return nil, fmt.Errorf("serf: protocol version %d out of range [%d, %d]",
			conf.ProtocolVersion, ProtocolVersionMin, ProtocolVersionMax)
	}
	if conf.ValidateNodeNames {
		if err := validateNodeName(conf.NodeName); err != nil {
			return nil, err
		}
	}
	if conf.MemberlistConfig == nil {
		conf.MemberlistConfig = memberlist.DefaultLANConfig()
	}

	logger := conf.Logger
	if logger == nil {
		out := conf.LogOutput
		if out == nil {
			out = os.Stderr
		}
		logger = log.New(out, "", log.LstdFlags)
	}

	s := &Serf{
		memberStore:  newMemberStore(conf.RecentIntentTimeout),
		config:       conf,
		logger:       logger,
		shutdownCh:   make(chan struct{}),
		state:        SerfAlive,
		eventBuffer:  newUserEventBuffer(conf.EventBuffer),
		queryDedup:   newQueryDedup(conf.QueryBuffer),
		queries:      newOutboundQueries(),
		coordCache:   make(map[string]*coordinate.Coordinate),
		metricLabels: []metrics.Label{{Name: "node", Value: conf.NodeName}},
	}

	// Ensure the clocks start at 1 so the zero-value LTime used by a
	// never-seen member never collides with a legitimate join time.
	s.clock.Increment()
	s.eventClock.Increment()
	s.queryClock.Increment()

	if !conf.DisableCoordinates {
		client, err := coordinate.NewClient(coordinate.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("serf: failed to create coordinate client: %v", err)
		}
		s.coordClient = client
	}

	numNodes := func() int { return s.NumMembers() }
	retransmit := conf.MemberlistConfig.RetransmitMult
	s.broadcasts = newBroadcastQueue(numNodes, retransmit)
	s.eventBroadcasts = newBroadcastQueue(numNodes, retransmit)
	s.queryBroadcasts = newBroadcastQueue(numNodes, retransmit)

	conf.MemberlistConfig.Delegate = &delegate{serf: s}
	conf.MemberlistConfig.Events = &eventDelegate{serf: s}
	conf.MemberlistConfig.Conflict = &conflictDelegate{serf: s}
	if conf.Merge != nil {
		conf.MemberlistConfig.Merge = &mergeDelegate{serf: s}
	}
	if s.coordClient != nil {
		conf.MemberlistConfig.Ping = &pingDelegate{serf: s}
	}
	conf.MemberlistConfig.Name = conf.NodeName
	conf.MemberlistConfig.DelegateProtocolVersion = conf.ProtocolVersion
	conf.MemberlistConfig.DelegateProtocolMin = ProtocolVersionMin
	conf.MemberlistConfig.DelegateProtocolMax = ProtocolVersionMax
	conf.MemberlistConfig.ProtocolVersion = ProtocolVersionMap[conf.ProtocolVersion]

	// Build the event delivery pipeline from the user's channel inward:
	// coalescing (innermost, closest to the caller), then the durable
	// snapshot, then the internal query router (outermost, closest to
	// the handlers that produce events). Each stage rewrites conf.EventCh
	// to be the new entry point.
	if conf.CoalescePeriod > 0 && conf.QuiescentPeriod > 0 && conf.EventCh != nil {
		conf.EventCh = coalescedEventCh(conf.EventCh, s.shutdownCh, conf.CoalescePeriod, conf.QuiescentPeriod, memberCoalescer{})
	}
	if conf.UserCoalescePeriod > 0 && conf.UserQuiescentPeriod > 0 && conf.EventCh != nil {
		conf.EventCh = coalescedEventCh(conf.EventCh, s.shutdownCh, conf.UserCoalescePeriod, conf.UserQuiescentPeriod, userCoalescer{})
	}

	if conf.SnapshotPath != "" {
		snapCh, snap, err := NewSnapshotter(conf.SnapshotPath, maxSnapshotSize(conf), logger,
			&s.clock, &s.eventClock, &s.queryClock, s.coordClient, conf.EventCh, s.shutdownCh)
		if err != nil {
			return nil, fmt.Errorf("serf: failed to create snapshot: %v", err)
		}
		s.snapshotter = snap
		conf.EventCh = snapCh

		s.clock.Witness(snap.LastClock())
		s.eventClock.Witness(snap.LastEventClock())
		s.queryClock.Witness(snap.LastQueryClock() + querySafetyMargin)
		s.eventMinTime = snap.LastEventClock() + 1
		if coord := snap.LastCoordinate(); coord != nil && s.coordClient != nil {
			s.coordCache[conf.NodeName] = coord
		}
	}

	queriesCh, err := newSerfQueries(s, logger, conf.EventCh, s.shutdownCh)
	if err != nil {
		return nil, fmt.Errorf("serf: failed to create internal query router: %v", err)
	}
	s.serfQueriesCh = queriesCh

	ml, err := memberlist.Create(conf.MemberlistConfig)
	if err != nil {
		return nil, err
	}
	s.memberlist = ml

	go s.reapHandler()
	go s.reconnectHandler()
	go s.queryReapHandler()
	go s.checkQueueDepth("Intent", s.broadcasts)
	go s.checkQueueDepth("Event", s.eventBroadcasts)
	go s.checkQueueDepth("Query", s.queryBroadcasts)

	return s, nil
}

func maxSnapshotSize(conf *Config) int {
	// A generous fixed ceiling; the file rotates well before this in
	// practice since EventBuffer/QueryBuffer bound steady-state growth.
	return 128 * 1024
}

// ProtocolVersion returns the Serf protocol version in use, not the
// underlying memberlist protocol version.
func (s *Serf) ProtocolVersion() uint8 {
	return s.config.ProtocolVersion
}

// State returns the current lifecycle state of this instance.
func (s *Serf) State() SerfState {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state
}

// NumNodes returns the number of nodes the underlying transport believes
// are part of the cluster.
func (s *Serf) NumNodes() int {
	return s.memberlist.NumMembers()
}

// EncryptionEnabled reports whether the underlying transport has an
// active encryption keyring.
func (s *Serf) EncryptionEnabled() bool {
	return s.config.MemberlistConfig.Keyring != nil
}

// encodeTags renders tags into the wire form carried in NodeMeta.
func (s *Serf) encodeTags(tags map[string]string) []byte {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(tags); err != nil {
		panic(fmt.Sprintf("serf: failed to encode tags: %v", err))
	}
	return buf.Bytes()
}

// decodeTags is the inverse of encodeTags, tolerant of an empty or
// corrupt buffer since it is called against data from other nodes.
func (s *Serf) decodeTags(buf []byte) map[string]string {
	tags := make(map[string]string)
	if len(buf) == 0 {
		return tags
	}
	dec := codec.NewDecoder(bytes.NewReader(buf), &codec.MsgpackHandle{})
	if err := dec.Decode(&tags); err != nil {
		s.logger.Printf("[ERR] serf: Failed to decode tags: %v", err)
	}
	return tags
}

// WriteKeyringFile persists the current keyring to Config.KeyringFile so a
// restart picks up keys installed at runtime via the key manager. A no-op
// if KeyringFile is unset.
func (s *Serf) WriteKeyringFile(keyring *memberlist.Keyring) error {
	if s.config.KeyringFile == "" {
		return nil
	}

	keys := keyring.GetKeys()
	encoded := make([]string, len(keys))
	for i, k := range keys {
		encoded[i] = base64.StdEncoding.EncodeToString(k)
	}

	buf, err := json.MarshalIndent(encoded, "", "  ")
	if err != nil {
		return fmt.Errorf("serf: failed to encode keyring: %v", err)
	}

	tmp := s.config.KeyringFile + ".tmp"
	if err := os.WriteFile(tmp, buf, 0600); err != nil {
		return fmt.Errorf("serf: failed to write keyring file: %v", err)
	}
	return os.Rename(tmp, s.config.KeyringFile)
}

// Join attempts to join an existing cluster through the given addresses,
// returning the number of nodes successfully contacted. If ignoreOld is
// true, user events broadcast before this Join completes are suppressed
// for this node.
func (s *Serf) Join(existing []string, ignoreOld bool) (int, error) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	if s.state == SerfShutdown {
		return 0, errors.New("serf: Join after Shutdown")
	}

	if ignoreOld {
		s.eventMinTime = s.eventClock.Time()
	}

	num, err := s.memberlist.Join(existing)
	if num > 0 {
		if joinErr := s.broadcastJoin(s.clock.Time()); joinErr != nil {
			return num, joinErr
		}
	}
	return num, err
}

// broadcastJoin broadcasts a join intent at the given Lamport time. Used
// both for a fresh Join and to refute a stale leave intent naming us.
// Must not be called with the member lock held.
func (s *Serf) broadcastJoin(ltime LamportTime) error {
	msg := messageJoin{LTime: ltime, Node: s.config.NodeName}
	s.clock.Witness(ltime)

	s.handleNodeJoinIntent(&msg)

	if err := s.broadcast(messageJoinType, &msg, nil); err != nil {
		s.logger.Printf("[WARN] serf: Failed to broadcast join intent: %v", err)
		return err
	}
	return nil
}

// Leave gracefully removes this node from the cluster. Safe to call more
// than once.
func (s *Serf) Leave() error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	if s.state == SerfLeft {
		return nil
	} else if s.state == SerfShutdown {
		return errors.New("serf: Leave after Shutdown")
	}

	s.state = SerfLeaving
	defer func() {
		if s.state != SerfLeft {
			s.state = SerfAlive
		}
	}()

	msg := messageLeave{LTime: s.clock.Time(), Node: s.config.NodeName}
	s.clock.Increment()
	s.handleNodeLeaveIntent(&msg)

	if s.hasAliveMembers() {
		notifyCh := make(chan struct{})
		if err := s.broadcast(messageLeaveType, &msg, notifyCh); err != nil {
			return err
		}
		select {
		case <-notifyCh:
		case <-time.After(s.config.BroadcastTimeout):
			return errors.New("serf: timeout waiting for leave intent to broadcast")
		}
	}

	if s.snapshotter != nil && !s.config.RejoinAfterLeave {
		s.snapshotter.Leave()
	}

	time.Sleep(s.config.LeavePropagateDelay)

	if err := s.memberlist.Leave(s.config.BroadcastTimeout); err != nil {
		return err
	}

	s.state = SerfLeft
	return nil
}

// RemoveFailedNode forcibly removes a failed node from the cluster
// immediately rather than waiting for the reaper, and stops Serf from
// attempting to reconnect to it.
func (s *Serf) RemoveFailedNode(node string) error {
	msg := messageLeave{LTime: s.clock.Time(), Node: node}
	s.clock.Increment()
	s.handleNodeLeaveIntent(&msg)

	if !s.hasAliveMembers() {
		return nil
	}

	notifyCh := make(chan struct{})
	if err := s.broadcast(messageLeaveType, &msg, notifyCh); err != nil {
		return err
	}
	select {
	case <-notifyCh:
	case <-time.After(s.config.BroadcastTimeout):
		return errors.New("serf: timeout broadcasting forced node removal")
	}
	return nil
}

// Shutdown forcefully tears down this instance's network activity and
// background tasks without notifying the rest of the cluster. Prefer
// Leave first; otherwise the cluster will detect this node as failed
// rather than gracefully departed. Safe to call more than once.
func (s *Serf) Shutdown() error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	if s.state == SerfShutdown {
		return nil
	}
	if s.state != SerfLeft {
		s.logger.Println("[WARN] serf: Shutdown without a Leave")
	}

	if err := s.memberlist.Shutdown(); err != nil {
		return err
	}

	s.state = SerfShutdown
	close(s.shutdownCh)

	if s.snapshotter != nil {
		s.snapshotter.Wait()
	}
	return nil
}

// UserEvent broadcasts a custom application event to the cluster. name
// and payload together must not exceed Config.UserEventSizeLimit. If
// coalesce is true, receivers with user-event coalescing enabled may
// collapse repeated deliveries of the same event name.
func (s *Serf) UserEvent(name string, payload []byte, coalesce bool) error {
	if len(name)+len(payload) > s.config.UserEventSizeLimit {
		return fmt.Errorf("serf: user event exceeds size limit of %d bytes", s.config.UserEventSizeLimit)
	}

	msg := messageUserEvent{
		LTime:   s.eventClock.Time(),
		Name:    name,
		Payload: payload,
		CC:      coalesce,
	}
	s.eventClock.Increment()

	s.handleUserEvent(&msg)

	raw, err := encodeMessage(messageUserEventType, &msg)
	if err != nil {
		return err
	}
	s.eventBroadcasts.QueueBroadcast(&broadcast{msg: raw})
	return nil
}

// Query broadcasts name/payload to the cluster and returns a QueryResponse
// collecting acks and application responses as they arrive. A zero
// params.Timeout selects the default computed from cluster size.
func (s *Serf) Query(name string, payload []byte, params *QueryParam) (*QueryResponse, error) {
	if params == nil {
		params = &QueryParam{}
	}

	timeout := params.Timeout
	if timeout == 0 {
		timeout = s.defaultQueryTimeout()
	}

	filters, err := params.encodeFilters()
	if err != nil {
		return nil, fmt.Errorf("serf: failed to encode query filters: %v", err)
	}

	local := s.LocalMember()
	ltime := s.queryClock.Increment()
	id := s.queries.nextQueryID()

	var flags uint32
	if params.RequestAck {
		flags |= queryFlagAck
	}

	q := messageQuery{
		LTime:       ltime,
		ID:          id,
		Addr:        []byte(local.Addr),
		Port:        local.Port,
		Filters:     filters,
		Flags:       flags,
		RelayFactor: params.RelayFactor,
		Timeout:     timeout,
		Name:        name,
		Payload:     payload,
	}

	raw, err := encodeMessage(messageQueryType, &q)
	if err != nil {
		return nil, err
	}
	if len(raw) > s.config.QuerySizeLimit {
		return nil, fmt.Errorf("serf: query size limit exceeded (%d > %d)", len(raw), s.config.QuerySizeLimit)
	}

	resp := newQueryResponse(id, ltime, time.Now().Add(timeout), params.RequestAck)
	s.queries.register(resp)

	s.handleQuery(&q)
	s.queryBroadcasts.QueueBroadcast(&broadcast{msg: raw})

	return resp, nil
}

// broadcast encodes msg under type t and queues it on the intent
// broadcast queue, closing notify (if given) once the broadcast drains.
func (s *Serf) broadcast(t messageType, msg interface{}, notify chan<- struct{}) error {
	raw, err := encodeMessage(t, msg)
	if err != nil {
		return err
	}
	s.broadcasts.QueueBroadcast(&broadcast{msg: raw, notify: notify})
	return nil
}

// pickRelayPeers selects up to n random members, excluding ourself, to
// ask to relay a query response for redundancy.
func (s *Serf) pickRelayPeers(n int) []*memberlist.Node {
	nodes := s.memberlist.Members()
	candidates := make([]*memberlist.Node, 0, len(nodes))
	for _, node := range nodes {
		if node.Name != s.config.NodeName {
			candidates = append(candidates, node)
		}
	}
	if n >= len(candidates) {
		return candidates
	}

	for i := len(candidates) - 1; i > 0; i-- {
		j := randomOffset(i + 1)
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	return candidates[:n]
}

// Stats returns a map of operational counters and gauges, suitable for
// exposing over a status endpoint.
func (s *Serf) Stats() map[string]string {
	s.memberLock.RLock()
	numMembers := len(s.members)
	numFailed := len(s.failedMembers)
	numLeft := len(s.leftMembers)
	s.memberLock.RUnlock()

	return map[string]string{
		"members":          strconv.Itoa(numMembers),
		"failed":           strconv.Itoa(numFailed),
		"left":             strconv.Itoa(numLeft),
		"member_time":      strconv.FormatUint(uint64(s.clock.Time()), 10),
		"event_time":       strconv.FormatUint(uint64(s.eventClock.Time()), 10),
		"query_time":       strconv.FormatUint(uint64(s.queryClock.Time()), 10),
		"intent_queue":     strconv.Itoa(s.broadcasts.NumQueued()),
		"event_queue":      strconv.Itoa(s.eventBroadcasts.NumQueued()),
		"query_queue":      strconv.Itoa(s.queryBroadcasts.NumQueued()),
		"encrypted":        strconv.FormatBool(s.EncryptionEnabled()),
		"protocol_version": strconv.Itoa(int(s.config.ProtocolVersion)),
	}
}

// queryReapHandler periodically frees query response channels whose
// deadline has passed.
func (s *Serf) queryReapHandler() {
	ticker := time.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.queries.reap()
		case <-s.shutdownCh:
			return
		}
	}
}

// checkQueueDepth periodically samples a broadcast queue's depth,
// warning past QueueDepthWarning and, once the cluster has at least
// MinQueueDepth members, counting and pruning the queue down to
// MaxQueueDepth when it is exceeded.
func (s *Serf) checkQueueDepth(name string, queue *memberlist.TransmitLimitedQueue) {
	interval := s.config.QueueCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			numq := queue.NumQueued()
			if numq >= s.config.QueueDepthWarning {
				s.logger.Printf("[WARN] serf: %s queue depth: %d", name, numq)
			}
			if s.config.MaxQueueDepth > 0 && numq > s.config.MaxQueueDepth &&
				s.NumMembers() >= s.config.MinQueueDepth {
				metrics.IncrCounterWithLabels([]string{"serf", "queue", "depth"}, float32(numq), s.metricLabels)
				queue.Prune(s.config.MaxQueueDepth)
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// conflictDelegate implements memberlist.ConflictDelegate, triggering
// this node's own name-conflict resolver (spec.md component L) when the
// transport detects two live nodes claiming our name.
type conflictDelegate struct {
	serf *Serf
}

func (c *conflictDelegate) NotifyConflict(existing, other *memberlist.Node) {
	if !c.serf.config.EnableNameConflictResolution {
		return
	}
	if existing.Name != c.serf.config.NodeName {
		return
	}
	go c.serf.resolveNodeConflict()
}
