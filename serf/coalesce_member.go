// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package serf

// memberCoalescer is the tagged coalescable kind for member lifecycle
// events: join, leave, failed, update and reap. Events are keyed by member
// name, so only the most recently observed event for a given node survives
// a quantum; a node that joins and immediately leaves within one quantum
// is reported only as having left.
type memberCoalescer struct{}

func (memberCoalescer) Handle(e Event) bool {
	switch e.EventType() {
	case EventMemberJoin, EventMemberLeave, EventMemberFailed, EventMemberUpdate, EventMemberReap:
		return true
	default:
		return false
	}
}

func (memberCoalescer) Key(e Event) string {
	me := e.(MemberEvent)
	if len(me.Members) == 0 {
		return ""
	}
	return me.Members[0].Name
}

// Coalesce keeps the most recently observed event for the member. Member
// events are always emitted with a single member (see member.go and
// reap.go), so no merging across Members slices is needed here.
func (memberCoalescer) Coalesce(prev, next Event) Event {
	return next
}
