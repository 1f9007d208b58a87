package serf

import (
	"net"
	"testing"
	"time"
)

func TestSerf_ReapHandler_Shutdown(t *testing.T) {
	s := newTestSerf()
	s.config.ReapInterval = time.Millisecond
	close(s.shutdownCh)

	done := make(chan struct{})
	go func() {
		s.reapHandler()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("reapHandler did not return after shutdown")
	}
}

func TestSerf_Reap(t *testing.T) {
	s := newTestSerf()
	s.config.ReconnectTimeout = 5 * time.Millisecond
	s.config.TombstoneTimeout = 5 * time.Millisecond

	old := []*memberState{
		{
			Member:    Member{Name: "old", Addr: net.ParseIP("127.0.0.1")},
			leaveTime: time.Now().Add(-10 * time.Millisecond),
		},
		{
			Member:    Member{Name: "recent", Addr: net.ParseIP("127.0.0.1")},
			leaveTime: time.Now(),
		},
	}
	s.members["old"] = old[0]
	s.members["recent"] = old[1]

	out := s.reap(old, false)
	if len(out) != 1 || out[0].Name != "recent" {
		t.Fatalf("bad: %#v", out)
	}
	if _, ok := s.members["old"]; ok {
		t.Fatalf("expected old member to be removed")
	}
}

func TestSerf_Reap_PerMemberOverride(t *testing.T) {
	s := newTestSerf()
	s.config.ReconnectTimeout = time.Hour
	s.config.ReconnectTimeoutOverride = map[string]time.Duration{
		"impatient": time.Millisecond,
	}

	old := []*memberState{
		{
			Member:    Member{Name: "impatient", Addr: net.ParseIP("127.0.0.1")},
			leaveTime: time.Now().Add(-time.Second),
		},
	}
	s.members["impatient"] = old[0]

	out := s.reap(old, false)
	if len(out) != 0 {
		t.Fatalf("expected override timeout to reap immediately, got %#v", out)
	}
}

func TestRemoveOldMember(t *testing.T) {
	m1 := &memberState{Member: Member{Name: "a"}}
	m2 := &memberState{Member: Member{Name: "b"}}
	old := []*memberState{m1, m2}

	old = removeOldMember(old, "a")
	if len(old) != 1 {
		t.Fatalf("should be shorter")
	}
	if old[0] != m2 {
		t.Fatalf("should have removed the named member")
	}
}
