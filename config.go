// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package procgroup

import (
	"context"
	"fmt"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
)

// A Fleet is a configured set of bigmachine workers together with the
// options of the group they bootstrap into.
type Fleet struct {
	// System is the bigmachine system on which workers run.
	System bigmachine.System
	// Workers is the number of workers, and thus the world size.
	Workers int
	// Service is installed on every worker.
	Service *Service
	// Options are passed to Init and Shutdown.
	Options []Option
}

// Start starts the fleet's machines and returns them as workers,
// ordered by global rank. The returned bigmachine.B owns the machines;
// the caller shuts it down when done with the group.
func (f *Fleet) Start(ctx context.Context) (*bigmachine.B, []Worker, error) {
	if f.Workers < 1 {
		return nil, nil, errors.E(errors.Invalid, fmt.Sprintf("procgroup: fleet of %d workers", f.Workers))
	}
	b := bigmachine.Start(f.System)
	workers, err := StartMachines(ctx, b, f.Workers, f.Service)
	if err != nil {
		b.Shutdown()
		return nil, nil, err
	}
	return b, workers, nil
}

func init() {
	config.Register("procgroup", func(constr *config.Constructor) {
		fleet := &Fleet{Service: new(Service)}
		var system bigmachine.System
		constr.InstanceVar(&system, "system", "", "the bigmachine system on which workers run")
		constr.IntVar(&fleet.Workers, "workers", 2, "number of workers in the group")
		var backend, initMethod, timeout string
		constr.StringVar(&backend, "backend", Gloo, "collective backend: gloo, nccl, hccl, or another registered name")
		constr.StringVar(&initMethod, "init-method", InitEnv, "how workers locate the master: env or tcp")
		constr.StringVar(&timeout, "timeout", DefaultTimeout.String(), "per-worker join timeout")
		constr.StringVar(&fleet.Service.Probe, "probe", "host", "node identity of workers: host or ec2")
		constr.Doc = "procgroup configures a fleet of workers bootstrapped into a process group"
		constr.New = func() (interface{}, error) {
			if system != nil {
				fleet.System = system
			} else {
				fleet.System = bigmachine.Local
				fleet.Service.Loopback = true
			}
			if _, err := parseTimeout(timeout); err != nil {
				return nil, err
			}
			fleet.Options = []Option{
				Backend(backend),
				InitMethod(initMethod),
				Param(OptionTimeout, timeout),
			}
			if err := makeOptions(fleet.Options).validate(); err != nil {
				return nil, err
			}
			return fleet, nil
		}
	})
}
