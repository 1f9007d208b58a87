package serf

import "testing"

func TestUserCoalescer_Handle(t *testing.T) {
	cases := []struct {
		e      Event
		handle bool
	}{
		{MemberEvent{}, false},
		{UserEvent{Coalesce: false}, false},
		{UserEvent{Coalesce: true}, true},
	}

	var c userCoalescer
	for _, tc := range cases {
		if tc.handle != c.Handle(tc.e) {
			t.Fatalf("bad: %#v", tc.e)
		}
	}
}

func TestUserCoalescer_Key(t *testing.T) {
	var c userCoalescer
	e := UserEvent{Name: "deploy", Coalesce: true}
	if got := c.Key(e); got != "deploy" {
		t.Fatalf("bad key: %v", got)
	}
}

func TestUserCoalescer_CoalesceHigherLTimeWins(t *testing.T) {
	var c userCoalescer

	older := UserEvent{Name: "foo", LTime: 1, Coalesce: true}
	newer := UserEvent{Name: "foo", LTime: 2, Coalesce: true}

	got := c.Coalesce(nil, older)
	if u, ok := got.(UserEvent); !ok || u.LTime != 1 {
		t.Fatalf("expected the first event to pass through, got %#v", got)
	}

	got = c.Coalesce(got, newer)
	if u, ok := got.(UserEvent); !ok || u.LTime != 2 {
		t.Fatalf("expected the higher ltime to win, got %#v", got)
	}
}

func TestUserCoalescer_CoalesceIgnoresStale(t *testing.T) {
	var c userCoalescer

	newer := UserEvent{Name: "foo", LTime: 5, Coalesce: true}
	stale := UserEvent{Name: "foo", LTime: 1, Coalesce: true}

	got := c.Coalesce(nil, newer)
	got = c.Coalesce(got, stale)
	if u, ok := got.(UserEvent); !ok || u.LTime != 5 {
		t.Fatalf("expected the newer ltime to be retained, got %#v", got)
	}
}

func TestUserCoalescer_CoalesceTieBreak(t *testing.T) {
	var c userCoalescer

	first := UserEvent{Name: "foo", LTime: 2, Payload: []byte("first"), Coalesce: true}
	second := UserEvent{Name: "foo", LTime: 2, Payload: []byte("second"), Coalesce: true}

	got := c.Coalesce(nil, first)
	got = c.Coalesce(got, second)
	if u, ok := got.(UserEvent); !ok || string(u.Payload) != "second" {
		t.Fatalf("expected a tied ltime to resolve to the most recently observed payload, got %#v", got)
	}
}
