// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package procgroup

import (
	"context"
)

// ServiceName is the name under which Service is registered on
// workers. Procedures are addressed as ServiceName + "." + method.
const ServiceName = "Procgroup"

// Procedures implemented by Service.
const (
	ProcTopology = ServiceName + ".Topology"
	ProcEndpoint = ServiceName + ".Endpoint"
	ProcJoin     = ServiceName + ".Join"
	ProcDestroy  = ServiceName + ".Destroy"
	ProcContext  = ServiceName + ".Context"
	ProcStats    = ServiceName + ".Stats"
)

// A Worker is a remote process that can run procedures on behalf of
// the orchestrator. Execute submits proc with argument arg; once the
// returned future resolves successfully, reply (a pointer, or nil
// when the procedure has no reply) holds the result.
//
// Execute must not block on the procedure itself. Failures of the
// procedure, or of the transport, are reported by the future.
type Worker interface {
	Execute(ctx context.Context, proc string, arg, reply interface{}) *Future
}

// A Future is the eventual outcome of a procedure submitted to a
// worker.
type Future struct {
	done chan struct{}
	err  error
}

// Go runs fn in its own goroutine and returns a future for its
// error.
func Go(fn func() error) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		f.err = fn()
		close(f.done)
	}()
	return f
}

// Failed returns a future that has already failed with err.
func Failed(err error) *Future {
	f := &Future{done: make(chan struct{}), err: err}
	close(f.done)
	return f
}

// Done returns a channel that is closed when the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves and returns its error, or
// returns the context's error if the context finishes first.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll waits for every future and returns their errors, indexed
// like futures. It does not return early when a future fails.
func waitAll(ctx context.Context, futures []*Future) []error {
	errs := make([]error, len(futures))
	for i, f := range futures {
		errs[i] = f.Wait(ctx)
	}
	return errs
}

// FirstError returns the lowest index with a non-nil error, or -1.
func firstError(errs []error) int {
	for i, err := range errs {
		if err != nil {
			return i
		}
	}
	return -1
}
