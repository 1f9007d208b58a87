// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package serf

import (
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"testing"
	"time"
)

// freePort asks the OS for an ephemeral port and immediately releases it.
// Racy against concurrent binders outside this test binary, same tradeoff
// every net/http-style test suite makes.
func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// testConfig builds a Config bound to 127.0.0.1 on a fresh ephemeral port,
// with probe/reap/reconnect intervals tightened so the background
// goroutines actually run within a test's lifetime.
func testConfig(t *testing.T) *Config {
	config := DefaultConfig()
	config.MemberlistConfig.BindAddr = "127.0.0.1"
	config.MemberlistConfig.BindPort = freePort(t)
	config.MemberlistConfig.GossipInterval = 5 * time.Millisecond
	config.MemberlistConfig.ProbeInterval = 50 * time.Millisecond
	config.MemberlistConfig.ProbeTimeout = 25 * time.Millisecond
	config.MemberlistConfig.TCPTimeout = 100 * time.Millisecond
	config.MemberlistConfig.SuspicionMult = 1

	config.NodeName = fmt.Sprintf("node-%s:%d", config.MemberlistConfig.BindAddr, config.MemberlistConfig.BindPort)
	config.Tags = map[string]string{}

	config.ReapInterval = 1 * time.Second
	config.ReconnectInterval = 100 * time.Millisecond
	config.ReconnectTimeout = 1 * time.Microsecond
	config.TombstoneTimeout = 1 * time.Microsecond

	config.Logger = log.New(ioutil.Discard, "", 0)
	config.MemberlistConfig.Logger = log.New(ioutil.Discard, "", 0)

	return config
}

func testJoinAddr(c *Config) string {
	return fmt.Sprintf("%s/%s:%d", c.NodeName, c.MemberlistConfig.BindAddr, c.MemberlistConfig.BindPort)
}

// testMember fails the test unless name is present in members with the
// given status (or is absent, for status == StatusNone).
func testMember(t *testing.T, members []Member, name string, status MemberStatus) {
	for _, m := range members {
		if m.Name == name {
			if status == StatusNone {
				t.Fatalf("expected %s to be absent, found with status %v", name, m.Status)
			}
			if m.Status != status {
				t.Fatalf("bad state for %s: %v", name, m.Status)
			}
			return
		}
	}
	if status != StatusNone {
		t.Fatalf("node not found: %s", name)
	}
}

func waitUntilNumNodes(t *testing.T, n int, members ...*Serf) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		allGood := true
		for _, m := range members {
			if m.NumNodes() != n {
				allGood = false
				break
			}
		}
		if allGood {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d nodes", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCreate_badProtocolVersion(t *testing.T) {
	cases := []struct {
		version uint8
		err     bool
	}{
		{ProtocolVersionMin, false},
		{ProtocolVersionMax, false},
		{ProtocolVersionMax + 1, true},
		{ProtocolVersionMax - 1, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(fmt.Sprintf("version-%d", tc.version), func(t *testing.T) {
			c := testConfig(t)
			c.ProtocolVersion = tc.version
			s, err := Create(c)
			if tc.err && err == nil {
				t.Fatalf("expected an error for protocol version %d", tc.version)
			}
			if !tc.err && err != nil {
				t.Fatalf("err: %v", err)
			}
			if s != nil {
				defer s.Shutdown()
			}
		})
	}
}

func TestSerf_JoinLeave(t *testing.T) {
	c1 := testConfig(t)
	s1, err := Create(c1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s1.Shutdown()

	c2 := testConfig(t)
	s2, err := Create(c2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s2.Shutdown()

	waitUntilNumNodes(t, 1, s1, s2)

	if _, err := s1.Join([]string{testJoinAddr(c2)}, false); err != nil {
		t.Fatalf("err: %v", err)
	}

	waitUntilNumNodes(t, 2, s1, s2)
	testMember(t, s1.Members(), c2.NodeName, StatusAlive)
	testMember(t, s2.Members(), c1.NodeName, StatusAlive)

	if err := s2.Leave(); err != nil {
		t.Fatalf("err: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		members := s1.Members()
		left := false
		for _, m := range members {
			if m.Name == c2.NodeName && (m.Status == StatusLeft || m.Status == StatusLeaving) {
				left = true
			}
		}
		if left {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("s1 never observed s2's departure")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSerf_RemoveFailedNode(t *testing.T) {
	c1 := testConfig(t)
	s1, err := Create(c1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s1.Shutdown()

	c2 := testConfig(t)
	s2, err := Create(c2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	waitUntilNumNodes(t, 1, s1, s2)
	if _, err := s1.Join([]string{testJoinAddr(c2)}, false); err != nil {
		t.Fatalf("err: %v", err)
	}
	waitUntilNumNodes(t, 2, s1, s2)

	if err := s2.Shutdown(); err != nil {
		t.Fatalf("err: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		members := s1.Members()
		failed := false
		for _, m := range members {
			if m.Name == c2.NodeName && m.Status == StatusFailed {
				failed = true
			}
		}
		if failed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("s1 never observed s2 as failed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := s1.RemoveFailedNode(c2.NodeName); err != nil {
		t.Fatalf("err: %v", err)
	}
	testMember(t, s1.Members(), c2.NodeName, StatusLeft)
}

func TestSerf_UserEvent(t *testing.T) {
	c1 := testConfig(t)
	eventCh := make(chan Event, 64)
	c1.EventCh = eventCh
	s1, err := Create(c1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s1.Shutdown()

	c2 := testConfig(t)
	s2, err := Create(c2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s2.Shutdown()

	waitUntilNumNodes(t, 1, s1, s2)
	if _, err := s1.Join([]string{testJoinAddr(c2)}, false); err != nil {
		t.Fatalf("err: %v", err)
	}
	waitUntilNumNodes(t, 2, s1, s2)

	if err := s2.UserEvent("deploy", []byte("v2"), false); err != nil {
		t.Fatalf("err: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-eventCh:
			ue, ok := e.(UserEvent)
			if ok && ue.Name == "deploy" && string(ue.Payload) == "v2" {
				return
			}
		case <-deadline:
			t.Fatalf("never observed the user event")
		}
	}
}

func TestSerf_Query(t *testing.T) {
	c1 := testConfig(t)
	s1, err := Create(c1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s1.Shutdown()

	c2 := testConfig(t)
	queryRespCh := make(chan Event, 64)
	c2.EventCh = queryRespCh
	s2, err := Create(c2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s2.Shutdown()

	waitUntilNumNodes(t, 1, s1, s2)
	if _, err := s1.Join([]string{testJoinAddr(c2)}, false); err != nil {
		t.Fatalf("err: %v", err)
	}
	waitUntilNumNodes(t, 2, s1, s2)

	shutdown := make(chan struct{})
	defer close(shutdown)
	go func() {
		for {
			select {
			case e := <-queryRespCh:
				if query, ok := e.(*Query); ok {
					query.Respond([]byte("pong"))
				}
			case <-shutdown:
				return
			}
		}
	}()

	resp, err := s1.Query("ping", nil, nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	select {
	case r := <-resp.respCh:
		if r.From != c2.NodeName {
			t.Fatalf("unexpected responder: %s", r.From)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("never got a query response")
	}
}

func TestSerf_Stats(t *testing.T) {
	s, err := Create(testConfig(t))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer s.Shutdown()

	stats := s.Stats()
	if stats["members"] != "1" {
		t.Fatalf("bad stats: %#v", stats)
	}
	if stats["encrypted"] != "false" {
		t.Fatalf("bad stats: %#v", stats)
	}
}

func TestSerf_Shutdown_DoubleIsNoop(t *testing.T) {
	s, err := Create(testConfig(t))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("second shutdown should be a no-op, got: %v", err)
	}
	if s.State() != SerfShutdown {
		t.Fatalf("expected shutdown state, got %v", s.State())
	}
}
