// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package procgroup_test

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/status"
	"github.com/grailbio/procgroup"
	"github.com/grailbio/procgroup/internal/trace"
	"github.com/grailbio/procgroup/procgrouptest"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

var allProcs = []string{
	procgroup.ProcTopology,
	procgroup.ProcEndpoint,
	procgroup.ProcJoin,
	procgroup.ProcDestroy,
}

func nodes(ids ...string) []procgroup.StaticProbe {
	probes := make([]procgroup.StaticProbe, len(ids))
	for i, id := range ids {
		probes[i] = procgroup.StaticProbe{NodeID: id, AcceleratorIDs: []int{i}}
	}
	return probes
}

func TestInit(t *testing.T) {
	fleet := procgrouptest.NewFleet(nodes("A", "B", "A", "B"))
	ctx := context.Background()
	ranks, err := procgroup.Init(ctx, fleet.AsWorkers(), procgroup.Timeout(30*time.Second))
	assert.NoError(t, err)
	assert.EQ(t, ranks, []int{0, 0, 1, 1})

	for i, env := range fleet.Environs {
		expect.EQ(t, env.Getenv(procgroup.EnvRank), strconv.Itoa(i))
		expect.EQ(t, env.Getenv(procgroup.EnvWorldSize), "4")
		expect.EQ(t, env.Getenv(procgroup.EnvLocalRank), strconv.Itoa(ranks[i]))
		expect.EQ(t, env.Getenv(procgroup.EnvLocalWorldSize), "2")
		expect.EQ(t, env.Getenv(procgroup.EnvMasterAddr), "127.0.0.1")
	}
	for i, w := range fleet.Workers {
		var gctx procgroup.GroupContext
		assert.NoError(t, w.Execute(ctx, procgroup.ProcContext, nil, &gctx).Wait(ctx))
		expect.True(t, gctx.Joined)
		expect.EQ(t, gctx.Rank, i)
		expect.EQ(t, len(gctx.Members), 4)
		// Co-located workers share the node's accelerators.
		expect.EQ(t, gctx.AcceleratorIDs, []int{i % 2, i%2 + 2})
		expect.EQ(t, w.Calls(procgroup.ProcTopology), 1)
		expect.EQ(t, w.Calls(procgroup.ProcJoin), 1)
	}
	expect.EQ(t, fleet.Workers[0].Calls(procgroup.ProcEndpoint), 1)
	expect.EQ(t, fleet.Calls(procgroup.ProcEndpoint), 1)

	assert.NoError(t, procgroup.Shutdown(ctx, fleet.AsWorkers()))
	for i, w := range fleet.Workers {
		expect.EQ(t, w.Calls(procgroup.ProcDestroy), 1)
		expect.EQ(t, fleet.Accelerators[i].Emptied(), []int{i})
	}
}

func TestInitTCP(t *testing.T) {
	fleet := procgrouptest.NewFleet(nodes("A", "A", "A"))
	ctx := context.Background()
	ranks, err := procgroup.Init(ctx, fleet.AsWorkers(),
		procgroup.InitMethod(procgroup.InitTCP),
		procgroup.Backend(procgroup.NCCL),
		procgroup.Timeout(30*time.Second))
	assert.NoError(t, err)
	assert.EQ(t, ranks, []int{0, 1, 2})
	for _, env := range fleet.Environs {
		expect.EQ(t, env.Getenv(procgroup.EnvMasterAddr), "")
		expect.EQ(t, env.Getenv(procgroup.VisibleDevicesVar), "0,1,2")
	}
	assert.NoError(t, procgroup.Shutdown(ctx, fleet.AsWorkers()))
}

func TestInitSingle(t *testing.T) {
	fleet := procgrouptest.NewFleet(nodes("solo"))
	ctx := context.Background()
	ranks, err := procgroup.Init(ctx, fleet.AsWorkers())
	assert.NoError(t, err)
	assert.EQ(t, ranks, []int{0})
	expect.EQ(t, fleet.Environs[0].Getenv(procgroup.EnvWorldSize), "1")
	expect.EQ(t, fleet.Environs[0].Getenv(procgroup.EnvLocalWorldSize), "1")
	assert.NoError(t, procgroup.Shutdown(ctx, fleet.AsWorkers()))
}

func TestInitUnsupported(t *testing.T) {
	for _, opt := range []procgroup.Option{
		procgroup.InitMethod("bogus"),
		procgroup.Param("rank", "3"),
		procgroup.Param("world_size", "8"),
		procgroup.Backend(""),
	} {
		fleet := procgrouptest.NewFleet(nodes("A", "B"))
		_, err := procgroup.Init(context.Background(), fleet.AsWorkers(), opt)
		if !procgroup.IsUnsupported(err) {
			t.Errorf("got %v, want unsupported", err)
		}
		for _, proc := range allProcs {
			expect.EQ(t, fleet.Calls(proc), 0, proc)
		}
	}
}

func TestInitInvalid(t *testing.T) {
	_, err := procgroup.Init(context.Background(), nil)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	fleet := procgrouptest.NewFleet(nodes("A"))
	_, err = procgroup.Init(context.Background(), fleet.AsWorkers(), procgroup.Param(procgroup.OptionTimeout, "eventually"))
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	expect.EQ(t, fleet.Calls(procgroup.ProcTopology), 0)
}

func TestInitTopologyFailure(t *testing.T) {
	fleet := procgrouptest.NewFleet(nodes("A", "B", "C"))
	fleet.Workers[2].Fail(procgroup.ProcTopology, errors.E(errors.Net, "machine lost"))
	_, err := procgroup.Init(context.Background(), fleet.AsWorkers())
	if !errors.Is(errors.Net, err) {
		t.Fatalf("got %v, want net", err)
	}
	expect.EQ(t, fleet.Calls(procgroup.ProcTopology), 3)
	expect.EQ(t, fleet.Calls(procgroup.ProcEndpoint), 0)
	expect.EQ(t, fleet.Calls(procgroup.ProcJoin), 0)
}

func TestInitUnreachableMaster(t *testing.T) {
	fleet := procgrouptest.NewFleet(nodes("A", "B"))
	fleet.Workers[0].Fail(procgroup.ProcEndpoint, errors.E("connection refused"))
	_, err := procgroup.Init(context.Background(), fleet.AsWorkers())
	if !procgroup.IsUnreachableMaster(err) {
		t.Fatalf("got %v, want unreachable master", err)
	}
	expect.False(t, procgroup.IsJoinFailure(err))
	expect.EQ(t, fleet.Calls(procgroup.ProcTopology), 2)
	expect.EQ(t, fleet.Calls(procgroup.ProcJoin), 0)
}

// TestLostWorker checks that a non-master worker stopping outside the
// endpoint stage is not reported as an unreachable master.
func TestLostWorker(t *testing.T) {
	lost := errors.E(errors.Fatal, errors.Unavailable, "machine stopped")
	ctx := context.Background()

	fleet := procgrouptest.NewFleet(nodes("A", "B", "C"))
	fleet.Workers[2].Fail(procgroup.ProcTopology, lost)
	_, err := procgroup.Init(ctx, fleet.AsWorkers())
	expect.True(t, errors.Is(errors.Unavailable, err))
	expect.False(t, procgroup.IsUnreachableMaster(err))
	expect.EQ(t, fleet.Calls(procgroup.ProcEndpoint), 0)

	fleet = procgrouptest.NewFleet(nodes("A", "B", "C"), procgroup.WithJoiner(procgrouptest.NopJoin))
	_, err = procgroup.Init(ctx, fleet.AsWorkers())
	assert.NoError(t, err)
	fleet.Workers[1].Fail(procgroup.ProcDestroy, lost)
	err = procgroup.Shutdown(ctx, fleet.AsWorkers())
	expect.True(t, errors.Is(errors.Unavailable, err))
	expect.False(t, procgroup.IsUnreachableMaster(err))
}

func TestInitJoinFailure(t *testing.T) {
	for _, rollback := range []bool{false, true} {
		fleet := procgrouptest.NewFleet(nodes("A", "A", "B", "B"), procgroup.WithJoiner(procgrouptest.NopJoin))
		fleet.Workers[3].Fail(procgroup.ProcJoin, errors.E(errors.Timeout, "rank 3 stalled"))
		fleet.Workers[1].Fail(procgroup.ProcJoin, errors.E(errors.Net, "rank 1 lost"))
		opts := []procgroup.Option{procgroup.Backend(procgroup.HCCL)}
		if rollback {
			opts = append(opts, procgroup.Rollback)
		}
		ctx := context.Background()
		_, err := procgroup.Init(ctx, fleet.AsWorkers(), opts...)
		if !procgroup.IsJoinFailure(err) {
			t.Fatalf("got %v, want join failure", err)
		}
		jerr := err.(*procgroup.JoinError)
		expect.EQ(t, jerr.Rank, 1)
		expect.True(t, errors.Is(errors.Net, jerr.Err))
		expect.EQ(t, fleet.Calls(procgroup.ProcJoin), 4)

		var destroyed []int
		for i, w := range fleet.Workers {
			if w.Calls(procgroup.ProcDestroy) > 0 {
				destroyed = append(destroyed, i)
			}
		}
		if rollback {
			expect.EQ(t, destroyed, []int{0, 2})
			err = procgroup.Shutdown(ctx, fleet.AsWorkers())
			expect.True(t, procgroup.IsUnbound(err))
		} else {
			expect.EQ(t, len(destroyed), 0)
			var gctx procgroup.GroupContext
			assert.NoError(t, fleet.Workers[2].Execute(ctx, procgroup.ProcContext, nil, &gctx).Wait(ctx))
			expect.True(t, gctx.Joined)
		}
	}
}

// TestInitDeterministic checks that assignment does not depend on the
// order in which workers answer.
func TestInitDeterministic(t *testing.T) {
	probes := nodes("C", "A", "B", "A", "C", "C")
	want := []int{0, 0, 0, 1, 1, 2}
	r := rand.New(rand.NewSource(0))
	for trial := 0; trial < 5; trial++ {
		fleet := procgrouptest.NewFleet(probes, procgroup.WithJoiner(procgrouptest.NopJoin))
		for _, w := range fleet.Workers {
			w.Delay(procgroup.ProcTopology, time.Duration(r.Intn(20))*time.Millisecond)
			w.Delay(procgroup.ProcJoin, time.Duration(r.Intn(20))*time.Millisecond)
		}
		ctx := context.Background()
		ranks, err := procgroup.Init(ctx, fleet.AsWorkers())
		assert.NoError(t, err)
		if got := ranks; !reflect.DeepEqual(got, want) {
			t.Fatalf("trial %d: got %v, want %v", trial, got, want)
		}
		for i, env := range fleet.Environs {
			expect.EQ(t, env.Getenv(procgroup.EnvRank), strconv.Itoa(i))
			expect.EQ(t, env.Getenv(procgroup.EnvLocalRank), strconv.Itoa(want[i]))
		}
	}
}

func TestShutdown(t *testing.T) {
	fleet := procgrouptest.NewFleet(procgrouptest.Nodes(4, 2), procgroup.WithJoiner(procgrouptest.NopJoin))
	ctx := context.Background()
	err := procgroup.Shutdown(ctx, fleet.AsWorkers())
	if !procgroup.IsUnbound(err) {
		t.Fatalf("got %v, want unbound", err)
	}
	// Shutdown waits for every worker even when some fail.
	expect.EQ(t, fleet.Calls(procgroup.ProcDestroy), 4)

	_, err = procgroup.Init(ctx, fleet.AsWorkers())
	assert.NoError(t, err)
	fleet.Workers[2].Fail(procgroup.ProcDestroy, errors.E(errors.Net, "lost"))
	err = procgroup.Shutdown(ctx, fleet.AsWorkers())
	expect.True(t, errors.Is(errors.Net, err))
	for _, w := range fleet.Workers {
		expect.EQ(t, w.Calls(procgroup.ProcDestroy), 2)
	}
	expect.EQ(t, fleet.Accelerators[3].Emptied(), []int{1})
}

func TestInitTraceAndStatus(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "trace.json")
	fleet := procgrouptest.NewFleet(procgrouptest.Nodes(3, 1), procgroup.WithJoiner(procgrouptest.NopJoin))
	var s status.Status
	_, err := procgroup.Init(context.Background(), fleet.AsWorkers(),
		procgroup.Status(&s), procgroup.TracePath(path))
	assert.NoError(t, err)

	f, err := os.Open(path)
	assert.NoError(t, err)
	defer f.Close()
	var tr trace.T
	assert.NoError(t, tr.Decode(f))
	spans := make(map[string]int)
	names := make(map[int]string)
	for _, e := range tr.Events {
		switch e.Ph {
		case "X":
			spans[e.Name]++
		case "M":
			names[e.Pid] = e.Args["name"].(string)
		}
	}
	expect.EQ(t, spans, map[string]int{"topology": 3, "endpoint": 1, "join": 3})
	expect.EQ(t, names, map[int]string{0: "worker0", 1: "worker1", 2: "worker2"})
	expect.EQ(t, len(s.Groups()), 1)
}
