// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package procgroup

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Names of the backends registered by this package.
const (
	Gloo = "gloo"
	NCCL = "nccl"
	HCCL = "hccl"
)

// A Preparer readies a worker process for joining a group with a
// particular collective backend. Prepare runs after the rendezvous
// address has been exported and before the generic join.
type Preparer interface {
	Prepare(env Environ, config *Config) error
}

// PreparerFunc adapts a function to a Preparer.
type PreparerFunc func(env Environ, config *Config) error

// Prepare implements Preparer.
func (f PreparerFunc) Prepare(env Environ, config *Config) error {
	return f(env, config)
}

var (
	backendsMu sync.Mutex
	backends   = make(map[string]Preparer)
)

// RegisterBackend makes a backend's preparer available under name. It is meant
// to be called from init functions; registering a name twice panics.
func RegisterBackend(name string, b Preparer) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, ok := backends[name]; ok {
		panic(fmt.Sprintf("procgroup: backend %q registered twice", name))
	}
	backends[name] = b
}

// LookupBackend returns the preparer registered under name. Names
// that were never registered yield a preparer that does nothing, so
// that callers may name backends this package does not know about.
func LookupBackend(name string) (b Preparer, ok bool) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	b, ok = backends[name]
	if !ok {
		b = PreparerFunc(prepareNothing)
	}
	return
}

// Backends returns the names of the registered backends, sorted.
func Backends() []string {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterBackend(Gloo, PreparerFunc(prepareNothing))
	RegisterBackend(NCCL, PreparerFunc(prepareNCCL))
	RegisterBackend(HCCL, PreparerFunc(prepareHCCL))
}

func prepareNothing(Environ, *Config) error { return nil }

// PrepareNCCL surfaces collective errors asynchronously instead of
// hanging, and makes every accelerator on the node visible to each of
// its workers so that local ranks can address peers by device id.
func prepareNCCL(env Environ, config *Config) error {
	if err := env.Setenv("NCCL_ASYNC_ERROR_HANDLING", "1"); err != nil {
		return err
	}
	return env.Setenv(VisibleDevicesVar, FormatIDs(config.AcceleratorIDs))
}

// HabanaVisibleModulesVar selects the Gaudi modules a worker may use.
const HabanaVisibleModulesVar = "HABANA_VISIBLE_MODULES"

// PrepareHCCL performs the device-family initialization Gaudi
// runtimes expect before a process group is formed: the rank layout
// is published ahead of the join.
func prepareHCCL(env Environ, config *Config) error {
	vars := []struct{ key, value string }{
		{EnvWorldSize, strconv.Itoa(config.WorldSize)},
		{EnvRank, strconv.Itoa(config.Rank)},
		{EnvLocalRank, strconv.Itoa(config.LocalRank)},
	}
	if len(config.AcceleratorIDs) > 0 {
		vars = append(vars, struct{ key, value string }{HabanaVisibleModulesVar, FormatIDs(config.AcceleratorIDs)})
	}
	for _, v := range vars {
		if err := env.Setenv(v.key, v.value); err != nil {
			return err
		}
	}
	return nil
}
