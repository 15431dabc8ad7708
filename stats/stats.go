// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats keeps the named counters a procgroup worker reports
// about its own bootstrap activity: joins attempted, joins failed,
// groups destroyed, and so on. Counters live in a Map owned by the
// worker; snapshots (Values) travel over the wire and can be summed
// across a fleet.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Values is a point-in-time snapshot of a set of counters.
type Values map[string]int64

// Add sums the values in w into v.
func (v Values) Add(w Values) {
	for k, n := range w {
		v[k] += n
	}
}

// String renders the snapshot as space-separated key:value pairs,
// sorted by key.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name.
type Map struct {
	mu       sync.Mutex
	counters map[string]*Int
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{counters: make(map[string]*Int)}
}

// Int returns the counter with the provided name, creating it
// if needed.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters[name]
	if c == nil {
		c = new(Int)
		m.counters[name] = c
	}
	return c
}

// Snapshot returns the current value of every counter in the map.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	m.mu.Lock()
	for k, c := range m.counters {
		vals[k] = c.Get()
	}
	m.mu.Unlock()
	return vals
}

// An Int is an atomic integer counter. A nil *Int discards updates
// and reads as zero.
type Int struct {
	val int64
}

// Add increments the counter by delta.
func (c *Int) Add(delta int64) {
	if c == nil {
		return
	}
	atomic.AddInt64(&c.val, delta)
}

// Get returns the counter's current value.
func (c *Int) Get() int64 {
	if c == nil {
		return 0
	}
	return atomic.LoadInt64(&c.val)
}
