package serf

import (
	"io/ioutil"
	"log"

	"github.com/armon/go-metrics"
)

// newTestSerf builds a Serf with just enough state wired up to exercise
// the member/query/reap/reconnect internals directly, without starting a
// real memberlist transport. Tests that need an actual cluster use
// testConfig and Create, as in serf_test.go.
func newTestSerf() *Serf {
	conf := DefaultConfig()
	conf.NodeName = "local"

	s := &Serf{
		memberStore:  newMemberStore(conf.RecentIntentTimeout),
		config:       conf,
		logger:       log.New(ioutil.Discard, "", 0),
		shutdownCh:   make(chan struct{}),
		state:        SerfAlive,
		eventBuffer:  newUserEventBuffer(conf.EventBuffer),
		queryDedup:   newQueryDedup(conf.QueryBuffer),
		queries:      newOutboundQueries(),
		metricLabels: []metrics.Label{{Name: "node", Value: conf.NodeName}},
	}
	s.clock.Increment()
	s.eventClock.Increment()
	s.queryClock.Increment()

	s.members[conf.NodeName] = &memberState{
		Member: Member{Name: conf.NodeName, Status: StatusAlive},
	}
	return s
}
