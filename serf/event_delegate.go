package serf

import (
	"net"

	"github.com/hashicorp/memberlist"
)

// eventDelegate is the memberlist.EventDelegate implementation. These
// callbacks are authoritative: unlike the advisory join/leave intents
// gossiped between members, a notification here reflects memberlist's own
// failure detector or transport-level join/leave, and always wins over a
// stale advisory intent (spec.md component D).
type eventDelegate struct {
	serf *Serf
}

func (e *eventDelegate) NotifyJoin(n *memberlist.Node) {
	e.serf.handleNodeJoin(net.IP(n.Addr), n.Port, n.Name, e.serf.decodeTags(n.Meta),
		n.PMin, n.PMax, n.PCur, n.DMin, n.DMax, n.DCur)
}

func (e *eventDelegate) NotifyLeave(n *memberlist.Node) {
	e.serf.handleNodeLeave(n.Name, n.State == memberlist.StateDead)
}

func (e *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	e.serf.handleNodeUpdate(net.IP(n.Addr), n.Port, n.Name, e.serf.decodeTags(n.Meta))
}
