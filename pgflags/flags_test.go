// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pgflags_test

import (
	"flag"
	"testing"
	"time"

	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/procgroup/pgflags"
)

func TestProvider(t *testing.T) {
	local := &pgflags.Local{}
	if got, want := local.Name(), "local"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := local.System(), bigmachine.Local; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	internal := &pgflags.Internal{}
	if got, want := internal.Name(), "internal"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !internal.Loopback() {
		t.Error("internal machines share a host")
	}
	ec2 := &pgflags.EC2{}
	if got, want := ec2.Name(), "EC2"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := ec2.Set("x=y"); err == nil {
		t.Errorf("expected an error")
	}
	if err := ec2.Set("dataspace=122"); err == nil {
		t.Errorf("expected an error")
	}
	if err := ec2.Set("ondemand=maybe"); err == nil {
		t.Errorf("expected an error")
	}
	for _, opt := range []string{"instance=p3.8xlarge", "profile=worker", "ondemand"} {
		if err := ec2.Set(opt); err != nil {
			t.Errorf("%s: unexpected error: %v", opt, err)
		}
	}
	system, ok := ec2.System().(*ec2system.System)
	if !ok {
		t.Fatalf("got %T, want *ec2system.System", ec2.System())
	}
	if got, want := system.InstanceType, "p3.8xlarge"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := system.InstanceProfile, "worker"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !system.OnDemand {
		t.Error("expected on-demand instances")
	}
	if ec2.Loopback() {
		t.Error("ec2 machines do not share a host")
	}
}

func TestSystemFlag(t *testing.T) {
	tf := &pgflags.Flags{}
	if err := tf.System.Set("local"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := tf.System.Set("local:an=option"); err == nil {
		t.Errorf("expected an error")
	}
	tf = &pgflags.Flags{}
	if err := tf.System.Set("ec2:an=option"); err == nil {
		t.Errorf("expected an error")
	}
	if err := tf.System.Set("ec2:instance=p3.2xlarge,ondemand=false"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got, want := tf.System.String(), "EC2:instance=p3.2xlarge,ondemand=false"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestProfile(t *testing.T) {
	pgflags.RegisterSystemProfile("test-gpu", "ec2:instance=p3.8xlarge")
	tf := &pgflags.Flags{}
	if err := tf.System.Set("test-gpu:ondemand=true"); err != nil {
		t.Fatal(err)
	}
	if got, want := tf.System.String(), "EC2:instance=p3.8xlarge,ondemand=true"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFleet(t *testing.T) {
	var pf pgflags.Flags
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	pgflags.RegisterFlags(fs, &pf, "pg-")
	if err := fs.Parse([]string{"-pg-workers=4", "-pg-backend=nccl", "-pg-timeout=1m", "-pg-rollback"}); err != nil {
		t.Fatal(err)
	}
	if got, want := pf.Timeout, time.Minute; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	fleet, err := pf.Fleet(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := fleet.Workers, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(fleet.Options), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !fleet.Service.Loopback {
		t.Error("internal fleet should advertise loopback")
	}
	if got, want := fleet.Service.Probe, "host"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	pf.Workers = 0
	if _, err := pf.Fleet(nil); err == nil {
		t.Error("expected an error")
	}
}
