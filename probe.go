// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package procgroup

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
)

// VisibleDevicesVar is the variable through which a scheduler tells a
// worker which GPUs it may use. The nccl backend rewrites it so that
// all workers on a node see the same devices.
const VisibleDevicesVar = "CUDA_VISIBLE_DEVICES"

// A Prober reports the identity of the node a worker runs on and the
// accelerator ids visible to the worker. Probers must not depend on
// any group state.
type Prober interface {
	Probe(ctx context.Context) (nodeID string, acceleratorIDs []int, err error)
}

// HostProbe identifies nodes by hostname and reads accelerator ids
// from VisibleDevicesVar.
type HostProbe struct {
	Environ Environ
}

// Probe implements Prober.
func (p HostProbe) Probe(ctx context.Context) (string, []int, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", nil, errors.E("procgroup: hostname", err)
	}
	ids, err := visibleDevices(p.Environ)
	return host, ids, err
}

// EC2Probe identifies nodes by their EC2 instance id, which unlike
// hostnames is unique across a fleet. Accelerator ids are read as in
// HostProbe.
type EC2Probe struct {
	Client  *ec2metadata.EC2Metadata
	Environ Environ
}

// NewEC2Probe returns an EC2Probe that queries the instance metadata
// service of the current instance.
func NewEC2Probe(env Environ) (*EC2Probe, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, err
	}
	return &EC2Probe{Client: ec2metadata.New(sess), Environ: env}, nil
}

// Probe implements Prober.
func (p *EC2Probe) Probe(ctx context.Context) (string, []int, error) {
	id, err := p.Client.GetMetadataWithContext(ctx, "instance-id")
	if err != nil {
		return "", nil, errors.E("procgroup: ec2 instance-id", err)
	}
	ids, err := visibleDevices(p.Environ)
	return id, ids, err
}

// StaticProbe reports a fixed topology.
type StaticProbe struct {
	NodeID         string
	AcceleratorIDs []int
}

// Probe implements Prober.
func (p StaticProbe) Probe(ctx context.Context) (string, []int, error) {
	return p.NodeID, p.AcceleratorIDs, nil
}

func visibleDevices(env Environ) ([]int, error) {
	if env == nil {
		env = OS
	}
	return ParseIDs(env.Getenv(VisibleDevicesVar))
}

// ParseIDs parses a comma-separated list of accelerator ids, as used
// by VisibleDevicesVar. A single id is accepted, and the empty string
// yields no ids. The result is normalized as by NormalizeIDs.
func ParseIDs(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	ids := make([]int, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || id < 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("procgroup: bad accelerator id %q in %q", f, s))
		}
		ids = append(ids, id)
	}
	return NormalizeIDs(ids...), nil
}

// FormatIDs renders ids in the format read by ParseIDs.
func FormatIDs(ids []int) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.Itoa(id)
	}
	return strings.Join(strs, ",")
}
