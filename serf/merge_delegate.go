package serf

import (
	"fmt"
	"net"
	"regexp"

	"github.com/hashicorp/memberlist"
)

// mergeDelegate answers memberlist's questions about a peer discovered via
// a cluster merge or an alive notification, translating its wire-level
// node info into a Member and forwarding the result to the user-supplied
// MergeDelegate.
type mergeDelegate struct {
	serf *Serf
}

func (m *mergeDelegate) NotifyMerge(nodes []*memberlist.Node) error {
	members := make([]*Member, len(nodes))
	for idx, n := range nodes {
		var err error
		members[idx], err = m.nodeToMember(n)
		if err != nil {
			return err
		}
	}
	return m.serf.config.Merge.NotifyMerge(members)
}

func (m *mergeDelegate) NotifyAlive(peer *memberlist.Node) error {
	member, err := m.nodeToMember(peer)
	if err != nil {
		return err
	}
	return m.serf.config.Merge.NotifyMerge([]*Member{member})
}

func (m *mergeDelegate) nodeToMember(n *memberlist.Node) (*Member, error) {
	if m.serf.config.ValidateNodeNames {
		if err := m.validiateMemberInfo(n); err != nil {
			return nil, err
		}
	}

	status := StatusNone
	if n.State == memberlist.StateLeft {
		status = StatusLeft
	}
	return &Member{
		Name:        n.Name,
		Addr:        net.IP(n.Addr),
		Port:        n.Port,
		Tags:        m.serf.decodeTags(n.Meta),
		Status:      status,
		ProtocolMin: n.PMin,
		ProtocolMax: n.PMax,
		ProtocolCur: n.PCur,
		DelegateMin: n.DMin,
		DelegateMax: n.DMax,
		DelegateCur: n.DCur,
	}, nil
}

var invalidNodeNameRe = regexp.MustCompile(`[^A-Za-z0-9\-]+`)

// nodeInfoCheck is one rule a peer's wire-level node info must satisfy
// before nodeToMember will trust it. Splitting validiateMemberInfo into a
// table of these, rather than one function of sequential ifs, mirrors the
// dispatch-table idiom used elsewhere in this package (the internal query
// router, the snapshot record table) for a set of independent rules none
// of which depend on the others having run.
type nodeInfoCheck func(n *memberlist.Node) error

var nodeInfoChecks = []nodeInfoCheck{
	checkNodeNameLength,
	checkNodeNameCharset,
	checkNodeAddr,
	checkNodeMetaSize,
}

func checkNodeNameLength(n *memberlist.Node) error {
	if len(n.Name) > 128 {
		return fmt.Errorf("NodeName length is %v characters. Valid length is between "+
			"1 and 128 characters.", len(n.Name))
	}
	return nil
}

func checkNodeNameCharset(n *memberlist.Node) error {
	if invalidNodeNameRe.MatchString(n.Name) {
		return fmt.Errorf("Nodename contains invalid characters %v , Valid characters include "+
			"all alpha-numerics and dashes", n.Name)
	}
	return nil
}

func checkNodeAddr(n *memberlist.Node) error {
	if net.IP(n.Addr).To16() == nil {
		return fmt.Errorf("Address is %v . Must be a valid representation of an IP address. ", n.Addr)
	}
	return nil
}

func checkNodeMetaSize(n *memberlist.Node) error {
	if len(n.Meta) > memberlist.MetaMaxSize {
		return fmt.Errorf("Encoded length of tags exceeds limit of %d bytes",
			memberlist.MetaMaxSize)
	}
	return nil
}

// validiateMemberInfo runs every nodeInfoCheck against a peer discovered
// through a memberlist merge or alive notification, failing on the first
// violation.
func (m *mergeDelegate) validiateMemberInfo(n *memberlist.Node) error {
	for _, check := range nodeInfoChecks {
		if err := check(n); err != nil {
			return err
		}
	}
	return nil
}
