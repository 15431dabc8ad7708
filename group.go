// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package procgroup

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/procgroup/internal/trace"
	"github.com/spaolacci/murmur3"
)

// Option keys that Init sets itself and callers may not override.
var reservedOptions = map[string]bool{
	"backend":     true,
	"init_method": true,
	"rank":        true,
	"world_size":  true,
}

type options struct {
	backend    string
	initMethod string
	params     map[string]string
	rollback   bool
	status     *status.Status
	tracePath  string
}

// An Option configures Init and Shutdown.
type Option func(*options)

// Backend sets the collective backend of the group. The default is
// gloo. Names without a registered Preparer are passed through to the
// join unprepared.
func Backend(name string) Option {
	return func(o *options) { o.backend = name }
}

// InitMethod sets how workers locate the rendezvous master: "env"
// (the default) or "tcp".
func InitMethod(method string) Option {
	return func(o *options) { o.initMethod = method }
}

// Timeout bounds each worker's join.
func Timeout(d time.Duration) Option {
	return Param(OptionTimeout, d.String())
}

// Param sets a join option, overriding any default of the same name.
func Param(key, value string) Option {
	return func(o *options) { o.params[key] = value }
}

// Rollback makes Init destroy the group on the workers that joined
// when another worker fails to join. Without it, those workers stay
// joined and must be shut down by the caller.
var Rollback Option = func(o *options) { o.rollback = true }

// Status configures a status object to which bootstrap progress is
// reported.
func Status(s *status.Status) Option {
	return func(o *options) { o.status = s }
}

// TracePath configures the path to which a trace event file of the
// bootstrap stages is written when Init or Shutdown returns.
func TracePath(path string) Option {
	return func(o *options) { o.tracePath = path }
}

func makeOptions(opts []Option) *options {
	o := &options{
		backend:    Gloo,
		initMethod: InitEnv,
		params:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) validate() error {
	switch o.initMethod {
	case InitEnv, InitTCP:
	default:
		return unsupportedInitMethod(o.initMethod)
	}
	if o.backend == "" {
		return errors.E(errors.NotSupported, "procgroup: empty backend name")
	}
	keys := make([]string, 0, len(o.params))
	for k := range o.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if reservedOptions[k] {
			return errors.E(errors.NotSupported, fmt.Sprintf("procgroup: option %q is set by Init and cannot be overridden", k))
		}
	}
	if v, ok := o.params[OptionTimeout]; ok {
		if _, err := parseTimeout(v); err != nil {
			return err
		}
	}
	return nil
}

// Init forms a process group of workers and returns the local rank of
// each worker, in the order of workers. A worker's global rank is its
// index in workers, and worker 0 hosts the rendezvous.
//
// Init proceeds in stages, each a full barrier over the workers: it
// probes every worker's topology, resolves the master endpoint on
// worker 0, and joins every worker to the group. A failure in a stage
// stops Init before the next stage is dispatched. If a join fails,
// Init returns a *JoinError for the lowest failing rank; see Rollback
// for what happens to the workers that did join.
func Init(ctx context.Context, workers []Worker, opts ...Option) ([]int, error) {
	o := makeOptions(opts)
	if err := o.validate(); err != nil {
		return nil, err
	}
	if len(workers) == 0 {
		return nil, errors.E(errors.Invalid, "procgroup: no workers")
	}
	var group *status.Group
	if o.status != nil {
		group = o.status.Groupf("procgroup %s/%s: %d workers", o.backend, o.initMethod, len(workers))
	}
	tracer := trace.NewRecorder()
	for i, w := range workers {
		tracer.Name(i, fmt.Sprint(w))
	}
	if o.tracePath != "" {
		defer writeTraceFile(tracer, o.tracePath)
	}

	task := group.Start("topology")
	reports := make([]TopologyReport, len(workers))
	errs := fanout(ctx, tracer, "topology", workers, func(i int, w Worker) *Future {
		return w.Execute(ctx, ProcTopology, struct{}{}, &reports[i])
	})
	if i := firstError(errs); i >= 0 {
		task.Printf("worker %d: %v", i, errs[i])
		task.Done()
		return nil, errs[i]
	}
	topo := Aggregate(reports)
	placements := topo.Assign()
	task.Printf("%d workers on %d nodes", len(workers), len(topo.Nodes()))
	task.Done()
	log.Printf("procgroup: %d workers on %d nodes", len(workers), len(topo.Nodes()))
	for _, node := range topo.Nodes() {
		log.Debug.Printf("procgroup: node %s: ranks %v, accelerators %v", node.NodeID, node.Ranks, node.AcceleratorIDs)
	}

	task = group.Start("master")
	var master MasterEndpoint
	end := tracer.Span(0, "procgroup", "endpoint")
	err := workers[0].Execute(ctx, ProcEndpoint, struct{}{}, &master).Wait(ctx)
	end()
	if err != nil {
		task.Printf("unreachable: %v", err)
		task.Done()
		err = &MasterError{Err: err}
		log.Error.Printf("%v", err)
		return nil, err
	}
	task.Print(master.String())
	task.Done()
	log.Printf("procgroup: master at %s", master)

	key := murmur3.Sum32WithSeed([]byte(master.String()), topo.Fingerprint())
	task = group.Startf("join %s", o.backend)
	errs = fanout(ctx, tracer, "join", workers, func(i int, w Worker) *Future {
		p := placements[i]
		config := Config{
			Rank:           p.Rank,
			WorldSize:      p.WorldSize,
			LocalRank:      p.LocalRank,
			LocalWorldSize: p.LocalWorldSize,
			Backend:        o.backend,
			InitMethod:     o.initMethod,
			Master:         master,
			AcceleratorIDs: p.AcceleratorIDs,
			Options:        o.params,
			Key:            key,
		}
		return w.Execute(ctx, ProcJoin, config, nil)
	})
	if i := firstError(errs); i >= 0 {
		task.Printf("rank %d: %v", i, errs[i])
		task.Done()
		err := &JoinError{Rank: i, Err: errs[i]}
		log.Error.Printf("%v", err)
		if o.rollback {
			rollback(ctx, workers, errs)
		}
		return nil, err
	}
	task.Print("joined")
	task.Done()
	log.Printf("procgroup: %d ranks joined %s group", len(workers), o.backend)

	localRanks := make([]int, len(workers))
	for i, p := range placements {
		localRanks[i] = p.LocalRank
	}
	return localRanks, nil
}

// Rollback destroys the group on the workers whose join succeeded.
func rollback(ctx context.Context, workers []Worker, joinErrs []error) {
	var futures []*Future
	var ranks []int
	for i, w := range workers {
		if joinErrs[i] == nil {
			futures = append(futures, w.Execute(ctx, ProcDestroy, struct{}{}, nil))
			ranks = append(ranks, i)
		}
	}
	for i, err := range waitAll(ctx, futures) {
		if err != nil {
			log.Error.Printf("procgroup: rank %d: rollback: %v", ranks[i], err)
		}
	}
}

// Shutdown destroys the group on every worker and releases the
// workers' accelerator caches. It waits for every worker, and returns
// the error of the lowest failing rank. Workers that are not in a
// group fail; see IsUnbound.
func Shutdown(ctx context.Context, workers []Worker, opts ...Option) error {
	o := makeOptions(opts)
	var group *status.Group
	if o.status != nil {
		group = o.status.Groupf("procgroup shutdown: %d workers", len(workers))
	}
	tracer := trace.NewRecorder()
	for i, w := range workers {
		tracer.Name(i, fmt.Sprint(w))
	}
	if o.tracePath != "" {
		defer writeTraceFile(tracer, o.tracePath)
	}
	task := group.Start("destroy")
	defer task.Done()
	errs := fanout(ctx, tracer, "destroy", workers, func(i int, w Worker) *Future {
		return w.Execute(ctx, ProcDestroy, struct{}{}, nil)
	})
	if i := firstError(errs); i >= 0 {
		task.Printf("rank %d: %v", i, errs[i])
		log.Error.Printf("procgroup: rank %d: shutdown: %v", i, errs[i])
		return errs[i]
	}
	task.Print("done")
	log.Printf("procgroup: %d ranks shut down", len(workers))
	return nil
}

// Fanout submits a procedure to every worker through submit and waits
// for all of them, recording a trace span per worker.
func fanout(ctx context.Context, tracer *trace.Recorder, stage string, workers []Worker, submit func(i int, w Worker) *Future) []error {
	futures := make([]*Future, len(workers))
	ends := make([]func(), len(workers))
	for i, w := range workers {
		ends[i] = tracer.Span(i, "procgroup", stage)
		futures[i] = submit(i, w)
	}
	errs := make([]error, len(workers))
	for i, f := range futures {
		errs[i] = f.Wait(ctx)
		ends[i]()
	}
	return errs
}

func writeTraceFile(tracer *trace.Recorder, path string) {
	w, err := os.Create(path)
	if err != nil {
		log.Error.Printf("error creating trace file at %q: %v", path, err)
		return
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil {
			log.Error.Printf("error closing trace file at %q: %v", path, closeErr)
		}
	}()
	if err := tracer.Trace().Encode(w); err != nil {
		log.Error.Printf("error encoding trace file at %q: %v", path, err)
	}
}
