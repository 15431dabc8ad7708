// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package procgroup_test

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/procgroup"
	"github.com/grailbio/procgroup/stats"
)

func TestMachines(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	b := bigmachine.Start(testsystem.New())
	defer b.Shutdown()

	workers, err := procgroup.StartMachines(ctx, b, 3, &procgroup.Service{Loopback: true})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(workers), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	ranks, err := procgroup.Init(ctx, workers, procgroup.InitMethod(procgroup.InitTCP))
	if err != nil {
		t.Fatal(err)
	}
	// Test machines share a host.
	if got, want := ranks, []int{0, 1, 2}; !equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	for i, w := range workers {
		var gctx procgroup.GroupContext
		if err := w.Execute(ctx, procgroup.ProcContext, nil, &gctx).Wait(ctx); err != nil {
			t.Fatal(err)
		}
		if got, want := gctx.Rank, i; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := gctx.WorldSize, 3; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if err := procgroup.Shutdown(ctx, workers); err != nil {
		t.Fatal(err)
	}
	// Errors cross the wire with their kinds intact.
	if err := procgroup.Shutdown(ctx, workers); !procgroup.IsUnbound(err) {
		t.Errorf("got %v, want unbound", err)
	}
	total := make(stats.Values)
	for _, w := range workers {
		var values stats.Values
		if err := w.Execute(ctx, procgroup.ProcStats, nil, &values).Wait(ctx); err != nil {
			t.Fatal(err)
		}
		total.Add(values)
	}
	if got, want := total.String(), "destroy:3 join:3"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func equal(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
