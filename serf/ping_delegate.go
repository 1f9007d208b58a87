// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package serf

import (
	"bytes"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/hashicorp/grove/coordinate"
	"github.com/hashicorp/memberlist"
)

// pingDelegate is notified when memberlist successfully completes a direct
// ping of a peer node. We use this to update our estimated network
// coordinate, as well as cache the coordinate of the peer.
type pingDelegate struct {
	serf *Serf
}

// PingVersion is an internal version for the ping message, above the
// normal versioning from ProtocolVersion. This enables small updates to
// the ping payload without a full protocol bump.
const PingVersion = 1

// AckPayload produces the payload piggybacked on this node's ack to a
// direct ping, carrying its current network coordinate.
func (p *pingDelegate) AckPayload() []byte {
	var buf bytes.Buffer
	buf.WriteByte(PingVersion)

	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(p.serf.coordClient.GetCoordinate()); err != nil {
		p.serf.logger.Printf("[ERR] serf: Failed to encode coordinate: %s", err)
	}
	return buf.Bytes()
}

// NotifyPingComplete is called when this node successfully completes a
// direct ping of a peer node, carrying that peer's coordinate in payload.
func (p *pingDelegate) NotifyPingComplete(other *memberlist.Node, rtt time.Duration, payload []byte) {
	if len(payload) == 0 {
		return
	}

	version := payload[0]
	if version != PingVersion {
		p.serf.logger.Printf("[ERR] serf: Unsupported ping version: %d", version)
		return
	}

	r := bytes.NewReader(payload[1:])
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})
	var coord coordinate.Coordinate
	if err := dec.Decode(&coord); err != nil {
		p.serf.logger.Printf("[ERR] serf: Failed to decode coordinate from ping: %s", err)
		return
	}

	before := p.serf.coordClient.GetCoordinate()
	after, err := p.serf.coordClient.Update(other.Name, &coord, rtt)
	if err != nil {
		metrics.IncrCounterWithLabels([]string{"serf", "coordinate", "rejected"}, 1, p.serf.metricLabels)
		p.serf.logger.Printf("[DEBUG] serf: Rejected coordinate from %s: %s", other.Name, err)
		return
	}

	d := float32(before.DistanceTo(after).Seconds() * 1.0e3)
	metrics.AddSampleWithLabels([]string{"serf", "coordinate", "adjustment-ms"}, d, p.serf.metricLabels)

	p.serf.coordCacheLock.Lock()
	p.serf.coordCache[other.Name] = &coord
	p.serf.coordCache[p.serf.config.NodeName] = p.serf.coordClient.GetCoordinate()
	p.serf.coordCacheLock.Unlock()
}
