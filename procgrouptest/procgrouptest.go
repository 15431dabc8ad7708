// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package procgrouptest provides an in-process fleet of procgroup
// workers for testing. Each worker runs its own procgroup.Service with
// a private environment, a static topology, and a fake accelerator;
// rendezvous runs over loopback TCP. Workers count the procedures
// they are asked to run, and can be made to fail or stall.
package procgrouptest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/procgroup"
)

// A Fleet is a set of in-process workers.
type Fleet struct {
	Workers      []*Worker
	Services     []*procgroup.Service
	Environs     []*procgroup.MapEnviron
	Accelerators []*Accelerator
}

// NewFleet returns a fleet with one worker per probe, in order. The
// worker at index i reports probes[i] as its topology. Additional
// service options are applied to every worker's service.
func NewFleet(probes []procgroup.StaticProbe, opts ...procgroup.ServiceOption) *Fleet {
	f := new(Fleet)
	for i, probe := range probes {
		env := procgroup.NewMapEnviron()
		accel := &Accelerator{IDs: probe.AcceleratorIDs}
		svcOpts := append([]procgroup.ServiceOption{
			procgroup.WithEnviron(env),
			procgroup.WithProber(probe),
			procgroup.WithAccelerator(accel),
			procgroup.WithEndpoint(procgroup.LoopbackEndpoint),
		}, opts...)
		svc := procgroup.NewService(svcOpts...)
		f.Services = append(f.Services, svc)
		f.Environs = append(f.Environs, env)
		f.Accelerators = append(f.Accelerators, accel)
		f.Workers = append(f.Workers, NewWorker(fmt.Sprintf("worker%d", i), procgroup.Local(svc)))
	}
	return f
}

// Nodes returns probes that place n workers on nodes round-robin, as
// "node0", "node1", and so on. Each worker sees a single accelerator
// whose id is its index on the node.
func Nodes(n, nodes int) []procgroup.StaticProbe {
	probes := make([]procgroup.StaticProbe, n)
	for i := range probes {
		probes[i] = procgroup.StaticProbe{
			NodeID:         fmt.Sprintf("node%d", i%nodes),
			AcceleratorIDs: []int{i / nodes},
		}
	}
	return probes
}

// AsWorkers returns the fleet's workers as procgroup.Workers.
func (f *Fleet) AsWorkers() []procgroup.Worker {
	workers := make([]procgroup.Worker, len(f.Workers))
	for i, w := range f.Workers {
		workers[i] = w
	}
	return workers
}

// Calls returns the total number of calls of proc across the fleet.
func (f *Fleet) Calls(proc string) int {
	var n int
	for _, w := range f.Workers {
		n += w.Calls(proc)
	}
	return n
}

// A Worker wraps a procgroup.Worker, counting calls by procedure.
type Worker struct {
	name string
	w    procgroup.Worker

	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	delay map[string]time.Duration
}

// NewWorker returns a counting Worker that delegates to w.
func NewWorker(name string, w procgroup.Worker) *Worker {
	return &Worker{
		name:  name,
		w:     w,
		calls: make(map[string]int),
		fail:  make(map[string]error),
		delay: make(map[string]time.Duration),
	}
}

// Execute implements procgroup.Worker.
func (w *Worker) Execute(ctx context.Context, proc string, arg, reply interface{}) *procgroup.Future {
	w.mu.Lock()
	w.calls[proc]++
	err := w.fail[proc]
	delay := w.delay[proc]
	w.mu.Unlock()
	if err != nil {
		return procgroup.Failed(err)
	}
	if delay == 0 {
		return w.w.Execute(ctx, proc, arg, reply)
	}
	return procgroup.Go(func() error {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		return w.w.Execute(ctx, proc, arg, reply).Wait(ctx)
	})
}

// Calls returns the number of times proc was submitted to the worker.
func (w *Worker) Calls(proc string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[proc]
}

// Fail makes subsequent calls of proc fail with err without reaching
// the service. A nil err restores normal operation.
func (w *Worker) Fail(proc string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		delete(w.fail, proc)
	} else {
		w.fail[proc] = err
	}
}

// Delay makes subsequent calls of proc wait d before reaching the
// service.
func (w *Worker) Delay(proc string, d time.Duration) {
	w.mu.Lock()
	w.delay[proc] = d
	w.mu.Unlock()
}

func (w *Worker) String() string {
	return w.name
}

// An Accelerator is a fake accelerator that records cache releases.
type Accelerator struct {
	IDs []int

	mu      sync.Mutex
	emptied []int
}

// Devices implements procgroup.Accelerator.
func (a *Accelerator) Devices() []int {
	return a.IDs
}

// EmptyCache implements procgroup.Accelerator.
func (a *Accelerator) EmptyCache(device int) error {
	a.mu.Lock()
	a.emptied = append(a.emptied, device)
	a.mu.Unlock()
	return nil
}

// Emptied returns the devices whose caches were released, in order.
func (a *Accelerator) Emptied() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.emptied...)
}

// NopJoin is a procgroup.Joiner that joins at once, without waiting
// for the other ranks. It isolates tests from rendezvous.
func NopJoin(ctx context.Context, p procgroup.JoinParams) (procgroup.Group, error) {
	return nopGroup{}, nil
}

type nopGroup struct{}

func (nopGroup) Destroy() error { return nil }
