package serf

import "testing"

func TestMemberCoalescer_Handle(t *testing.T) {
	cases := []struct {
		e      Event
		handle bool
	}{
		{UserEvent{}, false},
		{MemberEvent{Type: EventMemberJoin}, true},
		{MemberEvent{Type: EventMemberLeave}, true},
		{MemberEvent{Type: EventMemberFailed}, true},
		{MemberEvent{Type: EventMemberUpdate}, true},
		{MemberEvent{Type: EventMemberReap}, true},
	}

	var c memberCoalescer
	for _, tc := range cases {
		if tc.handle != c.Handle(tc.e) {
			t.Fatalf("bad: %#v", tc.e)
		}
	}
}

func TestMemberCoalescer_Key(t *testing.T) {
	var c memberCoalescer

	e := MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "foo"}}}
	if got := c.Key(e); got != "foo" {
		t.Fatalf("bad key: %v", got)
	}

	empty := MemberEvent{Type: EventMemberJoin}
	if got := c.Key(empty); got != "" {
		t.Fatalf("expected empty key for an event with no members, got %v", got)
	}
}

func TestMemberCoalescer_Coalesce(t *testing.T) {
	var c memberCoalescer

	join := MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "foo"}}}
	leave := MemberEvent{Type: EventMemberLeave, Members: []Member{{Name: "foo"}}}

	got := c.Coalesce(nil, join)
	me, ok := got.(MemberEvent)
	if !ok || me.Type != EventMemberJoin {
		t.Fatalf("expected the first event to pass through, got %#v", got)
	}

	got = c.Coalesce(got, leave)
	me, ok = got.(MemberEvent)
	if !ok || me.Type != EventMemberLeave {
		t.Fatalf("expected the newer event to supersede the older one, got %#v", got)
	}
}
