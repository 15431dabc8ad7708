// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package procgroup

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

type machineWorker struct {
	m *bigmachine.Machine
}

// Machine returns a Worker that runs procedures on the Service
// installed on bigmachine machine m. Calls are not retried: a
// procedure that fails on the machine, or a machine that fails, fails
// the returned future.
func Machine(m *bigmachine.Machine) Worker {
	return machineWorker{m}
}

func (w machineWorker) Execute(ctx context.Context, proc string, arg, reply interface{}) *Future {
	if arg == nil {
		arg = struct{}{}
	}
	return Go(func() error {
		return w.m.Call(ctx, proc, arg, reply)
	})
}

func (w machineWorker) String() string {
	return w.m.Addr
}

// StartMachines starts n machines on b with svc installed as their
// Procgroup service, and returns them as workers once all of them are
// running. Workers are ordered as bigmachine returned the machines;
// the order decides global ranks. If any machine fails to start, the
// remaining machines are canceled.
func StartMachines(ctx context.Context, b *bigmachine.B, n int, svc *Service, params ...bigmachine.Param) ([]Worker, error) {
	if svc == nil {
		svc = new(Service)
	}
	params = append([]bigmachine.Param{bigmachine.Services{ServiceName: svc}}, params...)
	machines, err := b.Start(ctx, n, params...)
	if err != nil {
		return nil, err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range machines {
		m := m
		g.Go(func() error {
			select {
			case <-m.Wait(bigmachine.Running):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := m.Err(); err != nil {
				return errors.E(errors.Unavailable, fmt.Sprintf("procgroup: machine %s", m.Addr), err)
			}
			log.Debug.Printf("procgroup: machine %s running", m.Addr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, m := range machines {
			m.Cancel()
		}
		return nil, err
	}
	workers := make([]Worker, len(machines))
	for i, m := range machines {
		workers[i] = Machine(m)
	}
	return workers, nil
}
