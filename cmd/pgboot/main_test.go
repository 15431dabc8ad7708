// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/procgroup"
	"github.com/grailbio/procgroup/procgrouptest"
	"github.com/grailbio/testutil/expect"
)

func TestRelease(t *testing.T) {
	fleet := procgrouptest.NewFleet(procgrouptest.Nodes(3, 1), procgroup.WithJoiner(procgrouptest.NopJoin))
	fleet.Workers[1].Fail(procgroup.ProcJoin, errors.E(errors.Net, "lost"))
	ctx := context.Background()
	_, err := procgroup.Init(ctx, fleet.AsWorkers())
	if !procgroup.IsJoinFailure(err) {
		t.Fatalf("got %v, want join failure", err)
	}
	err = release(ctx, fleet.AsWorkers())
	if !procgroup.IsUnbound(err) {
		t.Errorf("got %v, want unbound", err)
	}
	for _, w := range fleet.Workers {
		expect.EQ(t, w.Calls(procgroup.ProcDestroy), 1)
	}
	for _, i := range []int{0, 2} {
		var gctx procgroup.GroupContext
		expect.NoError(t, fleet.Workers[i].Execute(ctx, procgroup.ProcContext, nil, &gctx).Wait(ctx))
		expect.False(t, gctx.Joined)
	}
}
