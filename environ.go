// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package procgroup

import (
	"os"
	"sort"
	"sync"

	"github.com/grailbio/procgroup/rendezvous"
)

// Environment variables written by Join.
const (
	EnvRank           = "RANK"
	EnvLocalRank      = "LOCAL_RANK"
	EnvWorldSize      = "WORLD_SIZE"
	EnvLocalWorldSize = "LOCAL_WORLD_SIZE"
	EnvMasterAddr     = rendezvous.EnvMasterAddr
	EnvMasterPort     = rendezvous.EnvMasterPort
)

// An Environ is the process environment a Service configures for its
// backend. Backends read their inputs from it.
type Environ interface {
	Getenv(key string) string
	Setenv(key, value string) error
}

// OS is the Environ of the current process.
var OS Environ = osEnviron{}

type osEnviron struct{}

func (osEnviron) Getenv(key string) string        { return os.Getenv(key) }
func (osEnviron) Setenv(key, value string) error { return os.Setenv(key, value) }

// A MapEnviron is an Environ kept in memory, so that several services
// can share a process without sharing an environment.
type MapEnviron struct {
	mu   sync.Mutex
	vars map[string]string
}

// NewMapEnviron returns an empty MapEnviron.
func NewMapEnviron() *MapEnviron {
	return &MapEnviron{vars: make(map[string]string)}
}

// Getenv implements Environ.
func (e *MapEnviron) Getenv(key string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vars[key]
}

// Setenv implements Environ.
func (e *MapEnviron) Setenv(key, value string) error {
	e.mu.Lock()
	e.vars[key] = value
	e.mu.Unlock()
	return nil
}

// Keys returns the keys that have been set, sorted.
func (e *MapEnviron) Keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GroupContext describes the group a worker process has joined.
// Application code running in the worker should take its rank
// information from here rather than from the environment.
type GroupContext struct {
	Joined         bool
	Backend        string
	Rank           int
	WorldSize      int
	LocalRank      int
	LocalWorldSize int
	AcceleratorIDs []int
	// Members lists the address of each rank as seen at rendezvous,
	// when the backend reports it.
	Members []string
}
