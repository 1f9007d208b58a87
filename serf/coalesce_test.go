package serf

import (
	"testing"
	"time"
)

func testCoalescer(cPeriod, qPeriod time.Duration, kinds ...coalescable) (chan<- Event, <-chan Event, chan<- struct{}) {
	if cPeriod == 0 {
		cPeriod = 10 * time.Millisecond
	}
	if qPeriod == 0 {
		qPeriod = 5 * time.Millisecond
	}

	out := make(chan Event, 64)
	shutdown := make(chan struct{})
	in := coalescedEventCh(out, shutdown, cPeriod, qPeriod, kinds...)
	return in, out, shutdown
}

func TestCoalescer_PassThrough(t *testing.T) {
	in, out, shutdown := testCoalescer(0, 0, memberCoalescer{})
	defer close(shutdown)

	in <- UserEvent{Name: "not-coalesced"}

	select {
	case e := <-out:
		if _, ok := e.(UserEvent); !ok {
			t.Fatalf("expected the unhandled event to pass through unchanged, got %#v", e)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatalf("timeout")
	}
}

func TestCoalescer_Basic(t *testing.T) {
	in, out, shutdown := testCoalescer(0, 0, memberCoalescer{})
	defer close(shutdown)

	send := []Event{
		MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "foo"}}},
		MemberEvent{Type: EventMemberLeave, Members: []Member{{Name: "foo"}}},
		MemberEvent{Type: EventMemberLeave, Members: []Member{{Name: "bar"}}},
	}
	for _, e := range send {
		in <- e
	}

	got := map[string]EventType{}
	timeout := time.After(50 * time.Millisecond)
	for len(got) < 2 {
		select {
		case raw := <-out:
			e := raw.(MemberEvent)
			got[e.Members[0].Name] = e.Type
		case <-timeout:
			t.Fatalf("timeout waiting for flush, got %#v", got)
		}
	}

	if got["foo"] != EventMemberLeave {
		t.Fatalf("expected foo's join to be superseded by its leave, got %v", got["foo"])
	}
	if got["bar"] != EventMemberLeave {
		t.Fatalf("bad: %#v", got)
	}
}

func TestCoalescer_Quiescent(t *testing.T) {
	// Long coalescence period, short quiescent period: exercise flushing
	// on quiescence rather than on the quantum boundary.
	in, out, shutdown := testCoalescer(10*time.Second, 10*time.Millisecond, memberCoalescer{})
	defer close(shutdown)

	in <- MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "foo"}}}
	in <- MemberEvent{Type: EventMemberLeave, Members: []Member{{Name: "foo"}}}

	select {
	case raw := <-out:
		e := raw.(MemberEvent)
		if e.Type != EventMemberLeave || e.Members[0].Name != "foo" {
			t.Fatalf("bad: %#v", e)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatalf("timeout")
	}
}

func TestCoalescer_MultipleKinds(t *testing.T) {
	in, out, shutdown := testCoalescer(0, 0, memberCoalescer{}, userCoalescer{})
	defer close(shutdown)

	in <- MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "foo"}}}
	in <- UserEvent{Name: "deploy", LTime: 1, Coalesce: true}

	seenMember, seenUser := false, false
	timeout := time.After(50 * time.Millisecond)
	for !seenMember || !seenUser {
		select {
		case e := <-out:
			switch e.(type) {
			case MemberEvent:
				seenMember = true
			case UserEvent:
				seenUser = true
			}
		case <-timeout:
			t.Fatalf("timeout, member=%v user=%v", seenMember, seenUser)
		}
	}
}
