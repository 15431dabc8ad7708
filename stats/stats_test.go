// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import "testing"

func TestMapSnapshot(t *testing.T) {
	m := NewMap()
	joins := m.Int("join")
	_ = m.Int("destroy")
	joins.Add(2)
	m.Int("join").Add(1)
	snap := m.Snapshot()
	if got, want := len(snap), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := snap["join"], int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := snap.String(), "destroy:0 join:3"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestValuesAdd(t *testing.T) {
	total := make(Values)
	total.Add(Values{"join": 1, "destroy": 1})
	total.Add(Values{"join": 1, "join.error": 1})
	if got, want := total.String(), "destroy:1 join:2 join.error:1"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNilInt(t *testing.T) {
	var c *Int
	c.Add(1)
	if got, want := c.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
