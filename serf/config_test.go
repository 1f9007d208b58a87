// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package serf

import "testing"

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.ProtocolVersion != ProtocolVersionMax {
		t.Fatalf("bad: %#v", c)
	}
	if !c.EnableNameConflictResolution {
		t.Fatalf("expected conflict resolution enabled by default")
	}
	if c.MemberlistConfig == nil {
		t.Fatalf("expected a default memberlist config")
	}
}
