package serf

import (
	"net"
	"reflect"
	"testing"
)

func TestQueryFlags(t *testing.T) {
	if queryFlagAck != 1 {
		t.Fatalf("Bad: %v", queryFlagAck)
	}
	if queryFlagNoBroadcast != 2 {
		t.Fatalf("Bad: %v", queryFlagNoBroadcast)
	}
}

func TestEncodeMessage(t *testing.T) {
	in := &messageLeave{Node: "foo"}
	raw, err := encodeMessage(messageLeaveType, in)
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	if raw[0] != byte(messageLeaveType) {
		t.Fatal("should have type header")
	}

	var out messageLeave
	if err := decodeMessage(raw[1:], &out); err != nil {
		t.Fatalf("err: %s", err)
	}

	if !reflect.DeepEqual(in, &out) {
		t.Fatalf("mis-match")
	}
}

func TestEncodeMessage_Query(t *testing.T) {
	in := &messageQuery{
		LTime:   5,
		ID:      42,
		Addr:    []byte(net.IPv4(127, 0, 0, 1)),
		Port:    7946,
		Flags:   queryFlagAck,
		Name:    "status",
		Payload: []byte("ping"),
	}
	raw, err := encodeMessage(messageQueryType, in)
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	var out messageQuery
	if err := decodeMessage(raw[1:], &out); err != nil {
		t.Fatalf("err: %s", err)
	}
	if !reflect.DeepEqual(in, &out) {
		t.Fatalf("mis-match: %#v vs %#v", in, out)
	}
	if !out.Ack() {
		t.Fatalf("expected ack flag to round-trip")
	}
}

func TestEncodeMessage_Relay(t *testing.T) {
	inner, err := encodeMessage(messageQueryResponseType, &messageQueryResponse{ID: 1, From: "foo"})
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	in := &messageRelay{
		DestAddr: net.IPv4(127, 0, 0, 1),
		DestPort: 7946,
		DestName: "origin",
		Msg:      inner,
	}
	raw, err := encodeMessage(messageRelayType, in)
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	var out messageRelay
	if err := decodeMessage(raw[1:], &out); err != nil {
		t.Fatalf("err: %s", err)
	}
	if out.DestName != "origin" || out.DestPort != 7946 {
		t.Fatalf("bad: %#v", out)
	}

	var resp messageQueryResponse
	if err := decodeMessage(out.Msg[1:], &resp); err != nil {
		t.Fatalf("err: %s", err)
	}
	if resp.From != "foo" {
		t.Fatalf("bad: %#v", resp)
	}
}

func TestEncodeFilter(t *testing.T) {
	nodes := filterNode{"foo", "bar"}

	raw, err := encodeFilter(filterNodeType, nodes)
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	if raw[0] != byte(filterNodeType) {
		t.Fatal("should have type header")
	}

	var out filterNode
	if err := decodeMessage(raw[1:], &out); err != nil {
		t.Fatalf("err: %s", err)
	}

	if !reflect.DeepEqual(nodes, out) {
		t.Fatalf("mis-match")
	}
}

func TestEncodeFilter_Tag(t *testing.T) {
	in := filterTag{Tag: "role", Expr: "^web"}

	raw, err := encodeFilter(filterTagType, in)
	if err != nil {
		t.Fatalf("err: %s", err)
	}

	var out filterTag
	if err := decodeMessage(raw[1:], &out); err != nil {
		t.Fatalf("err: %s", err)
	}
	if out != in {
		t.Fatalf("mis-match: %#v vs %#v", in, out)
	}
}
