package serf

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/hashicorp/grove/coordinate"
)

/*
This package supports using a "snapshot" file that contains various
transactional data that is used to help a node recover quickly and
gracefully from a restart. We append member events, clock values, and
this node's own network coordinate to the file during normal operation,
and periodically checkpoint and roll over the file. During a restore, we
replay the various member events to recall a list of known nodes to
re-join, and restore our clock values and coordinate to avoid replaying
old state.
*/

const fsyncInterval = 100 * time.Millisecond
const clockUpdateInterval = 500 * time.Millisecond
const tmpExt = ".compact"

// Snapshotter is responsible for ingesting events and persisting them to
// disk, and providing a recovery mechanism at start time.
type Snapshotter struct {
	aliveNodes      map[string]string
	clock           *LamportClock
	eventClock      *LamportClock
	queryClock      *LamportClock
	coordClient     *coordinate.Client
	fh              *os.File
	inCh            <-chan Event
	lastFsync       time.Time
	lastClock       LamportTime
	lastEventClock  LamportTime
	lastQueryClock  LamportTime
	lastCoordinate  *coordinate.Coordinate
	leaveCh         chan struct{}
	leaving         bool
	logger          Logger
	maxSize         int64
	path            string
	offset          int64
	outCh           chan<- Event
	shutdownCh      <-chan struct{}
	waitCh          chan struct{}
}

// PreviousNode represents a previously known alive node, offered back to
// the caller as a rejoin hint.
type PreviousNode struct {
	Name string
	Addr string
}

func (p PreviousNode) String() string {
	return fmt.Sprintf("%s: %s", p.Name, p.Addr)
}

// NewSnapshotter creates a new Snapshotter that records events up to a max
// byte size before rotating the file. It also replays any existing
// snapshot at the given path to recover prior state.
func NewSnapshotter(path string, maxSize int, logger Logger, clock, eventClock, queryClock *LamportClock,
	coordClient *coordinate.Client, outCh chan<- Event, shutdownCh <-chan struct{}) (chan<- Event, *Snapshotter, error) {

	inCh := make(chan Event, 1024)

	fh, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0755)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open snapshot: %v", err)
	}

	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, nil, fmt.Errorf("failed to stat snapshot: %v", err)
	}
	offset := info.Size()

	snap := &Snapshotter{
		aliveNodes:  make(map[string]string),
		clock:       clock,
		eventClock:  eventClock,
		queryClock:  queryClock,
		coordClient: coordClient,
		fh:          fh,
		inCh:        inCh,
		leaveCh:     make(chan struct{}),
		logger:      logger,
		maxSize:     int64(maxSize),
		path:        path,
		offset:      offset,
		outCh:       outCh,
		shutdownCh:  shutdownCh,
		waitCh:      make(chan struct{}),
	}

	if err := snap.replay(); err != nil {
		fh.Close()
		return nil, nil, err
	}

	go snap.stream()
	return inCh, snap, nil
}

// LastClock returns the last known status clock time.
func (s *Snapshotter) LastClock() LamportTime {
	return s.lastClock
}

// LastEventClock returns the last known event clock time.
func (s *Snapshotter) LastEventClock() LamportTime {
	return s.lastEventClock
}

// LastQueryClock returns the last known query clock time.
func (s *Snapshotter) LastQueryClock() LamportTime {
	return s.lastQueryClock
}

// LastCoordinate returns this node's coordinate as of the last snapshot,
// or nil if none was recorded.
func (s *Snapshotter) LastCoordinate() *coordinate.Coordinate {
	return s.lastCoordinate
}

// AliveNodes returns the last known alive nodes, in randomized order to
// avoid every restarting node in a cluster hammering the same hot shard.
func (s *Snapshotter) AliveNodes() []*PreviousNode {
	previous := make([]*PreviousNode, 0, len(s.aliveNodes))
	for name, addr := range s.aliveNodes {
		previous = append(previous, &PreviousNode{name, addr})
	}

	for i := range previous {
		j := rand.Intn(i + 1)
		previous[i], previous[j] = previous[j], previous[i]
	}
	return previous
}

// Wait blocks until the snapshotter has finished shutting down.
func (s *Snapshotter) Wait() {
	<-s.waitCh
}

// Leave clears the known-alive set so a restart doesn't re-join, since
// this node is leaving intentionally.
func (s *Snapshotter) Leave() {
	select {
	case s.leaveCh <- struct{}{}:
	case <-s.shutdownCh:
	}
}

func (s *Snapshotter) stream() {
	clockTicker := time.NewTicker(clockUpdateInterval)
	defer clockTicker.Stop()

	for {
		select {
		case <-s.leaveCh:
			s.aliveNodes = make(map[string]string)
			s.leaving = true
			s.tryAppend("leave\n")
			if err := s.fh.Sync(); err != nil {
				s.logger.Printf("[ERR] serf: failed to sync leave to snapshot: %v", err)
			}

		case e := <-s.inCh:
			if s.outCh != nil {
				select {
				case s.outCh <- e:
				default:
				}
			}

			if s.leaving {
				continue
			}
			switch typed := e.(type) {
			case MemberEvent:
				s.processMemberEvent(typed)
			case UserEvent:
				s.processUserEvent(typed)
			case *Query:
				// Queries are not persisted; only the query clock is.
			default:
				s.logger.Printf("[ERR] serf: Unknown event to snapshot: %#v", e)
			}

		case <-clockTicker.C:
			s.updateClock()

		case <-s.shutdownCh:
			if err := s.fh.Sync(); err != nil {
				s.logger.Printf("[ERR] serf: failed to sync snapshot: %v", err)
			}
			s.fh.Close()
			close(s.waitCh)
			return
		}
	}
}

func (s *Snapshotter) processMemberEvent(e MemberEvent) {
	switch e.Type {
	case EventMemberJoin:
		for _, mem := range e.Members {
			addr := net.TCPAddr{IP: mem.Addr, Port: int(mem.Port)}
			s.aliveNodes[mem.Name] = addr.String()
			s.tryAppend(fmt.Sprintf("alive: %s %s\n", mem.Name, addr.String()))
		}

	case EventMemberLeave, EventMemberFailed:
		for _, mem := range e.Members {
			delete(s.aliveNodes, mem.Name)
			s.tryAppend(fmt.Sprintf("not-alive: %s\n", mem.Name))
		}
	}
	s.updateClock()
}

// updateClock is called periodically, and after member events, to record
// the latest status and query clocks and this node's coordinate (the event
// clock is recorded by processUserEvent as user events arrive). It is
// done periodically in addition to after events due to races with intent
// processing that don't go through processMemberEvent.
func (s *Snapshotter) updateClock() {
	if lastSeen := s.clock.Time() - 1; lastSeen > s.lastClock {
		s.lastClock = lastSeen
		s.tryAppend(fmt.Sprintf("clock: %d\n", s.lastClock))
	}
	if lastSeen := s.queryClock.Time() - 1; lastSeen > s.lastQueryClock {
		s.lastQueryClock = lastSeen
		s.tryAppend(fmt.Sprintf("query-clock: %d\n", s.lastQueryClock))
	}
	if s.coordClient != nil {
		coord := s.coordClient.GetCoordinate()
		if encoded, err := encodeCoordinate(coord); err == nil {
			s.tryAppend(fmt.Sprintf("coordinate: %s\n", encoded))
		}
	}
}

func (s *Snapshotter) processUserEvent(e UserEvent) {
	if e.LTime <= s.lastEventClock {
		return
	}
	s.lastEventClock = e.LTime
	s.tryAppend(fmt.Sprintf("event-clock: %d\n", e.LTime))
}

func (s *Snapshotter) tryAppend(l string) {
	if err := s.appendLine(l); err != nil {
		s.logger.Printf("[ERR] serf: Failed to update snapshot: %v", err)
	}
}

func (s *Snapshotter) appendLine(l string) error {
	n, err := s.fh.WriteString(l)
	if err != nil {
		return err
	}

	now := time.Now()
	if now.Sub(s.lastFsync) > fsyncInterval {
		s.lastFsync = now
		if err := s.fh.Sync(); err != nil {
			return err
		}
	}

	s.offset += int64(n)
	if s.offset > s.maxSize {
		return s.compact()
	}
	return nil
}

// compact rewrites the snapshot file to just the live alive-set plus the
// current clocks and coordinate, once the log has grown past maxSize.
func (s *Snapshotter) compact() error {
	newPath := s.path + tmpExt
	fh, err := os.OpenFile(newPath, os.O_RDWR|os.O_TRUNC|os.O_CREATE, 0755)
	if err != nil {
		return fmt.Errorf("failed to open new snapshot: %v", err)
	}

	lines := make([]string, 0, len(s.aliveNodes)+4)
	for name, addr := range s.aliveNodes {
		lines = append(lines, fmt.Sprintf("alive: %s %s\n", name, addr))
	}
	lines = append(lines,
		fmt.Sprintf("clock: %d\n", s.lastClock),
		fmt.Sprintf("event-clock: %d\n", s.lastEventClock),
		fmt.Sprintf("query-clock: %d\n", s.lastQueryClock),
	)
	if s.coordClient != nil {
		if encoded, err := encodeCoordinate(s.coordClient.GetCoordinate()); err == nil {
			lines = append(lines, fmt.Sprintf("coordinate: %s\n", encoded))
		}
	}

	var offset int64
	for _, line := range lines {
		n, err := fh.WriteString(line)
		offset += int64(n)
		if err != nil {
			fh.Close()
			return err
		}
	}

	if err := os.Rename(newPath, s.path); err != nil {
		fh.Close()
		return fmt.Errorf("failed to install new snapshot: %v", err)
	}

	s.fh.Close()
	s.fh = fh
	s.offset = offset
	s.lastFsync = time.Now()
	return nil
}

// snapshotRecord describes one line-oriented record tag persisted to the
// snapshot file and how to fold a decoded value for that tag back onto the
// Snapshotter during replay. "leave" and comment lines are handled outside
// this table since they carry no value to decode.
type snapshotRecord struct {
	prefix string
	apply  func(s *Snapshotter, value string)
}

var snapshotRecords = []snapshotRecord{
	{"alive: ", func(s *Snapshotter, value string) {
		addrIdx := strings.LastIndex(value, " ")
		if addrIdx == -1 {
			s.logger.Printf("[WARN] serf: Failed to parse address: %v", value)
			return
		}
		s.aliveNodes[value[:addrIdx]] = value[addrIdx+1:]
	}},
	{"not-alive: ", func(s *Snapshotter, value string) {
		delete(s.aliveNodes, value)
	}},
	{"clock: ", func(s *Snapshotter, value string) {
		s.lastClock = parseSnapshotClock(s, value)
	}},
	{"event-clock: ", func(s *Snapshotter, value string) {
		s.lastEventClock = parseSnapshotClock(s, value)
	}},
	{"query-clock: ", func(s *Snapshotter, value string) {
		s.lastQueryClock = parseSnapshotClock(s, value)
	}},
	{"coordinate: ", func(s *Snapshotter, value string) {
		coord, err := decodeCoordinate(value)
		if err != nil {
			s.logger.Printf("[WARN] serf: Failed to decode coordinate: %v", err)
			return
		}
		s.lastCoordinate = coord
	}},
}

func (s *Snapshotter) replay() error {
	if _, err := s.fh.Seek(0, os.SEEK_SET); err != nil {
		return err
	}

	reader := bufio.NewReader(s.fh)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		line = line[:len(line)-1]

		switch {
		case line == "leave":
			s.aliveNodes = make(map[string]string)
			s.lastClock = 0
			s.lastEventClock = 0
			s.lastQueryClock = 0

		case strings.HasPrefix(line, "#"):
			// comment

		default:
			s.applyRecord(line)
		}
	}

	if _, err := s.fh.Seek(0, os.SEEK_END); err != nil {
		return err
	}
	return nil
}

func (s *Snapshotter) applyRecord(line string) {
	for _, rec := range snapshotRecords {
		if strings.HasPrefix(line, rec.prefix) {
			rec.apply(s, strings.TrimPrefix(line, rec.prefix))
			return
		}
	}
	s.logger.Printf("[WARN] serf: Unrecognized snapshot line: %v", line)
}

func parseSnapshotClock(s *Snapshotter, value string) LamportTime {
	timeInt, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		s.logger.Printf("[WARN] serf: Failed to convert clock time: %v", err)
		return 0
	}
	return LamportTime(timeInt)
}

func encodeCoordinate(c *coordinate.Coordinate) (string, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(c); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func decodeCoordinate(encoded string) (*coordinate.Coordinate, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	var c coordinate.Coordinate
	dec := codec.NewDecoderBytes(raw, &codec.MsgpackHandle{})
	if err := dec.Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
