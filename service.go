// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package procgroup

import (
	"context"
	"encoding/gob"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/procgroup/rendezvous"
	"github.com/grailbio/procgroup/stats"
)

func init() {
	gob.Register(&Service{})
}

// Supported init methods.
const (
	InitEnv = "env"
	InitTCP = "tcp"
)

// OptionTimeout is the join option that bounds the join. Its value is
// a Go duration ("90s") or a number of seconds.
const OptionTimeout = "timeout"

// DefaultTimeout is the join timeout used when none is given.
const DefaultTimeout = rendezvous.DefaultTimeout

// Config is the configuration of a single worker's join.
type Config struct {
	Rank           int
	WorldSize      int
	LocalRank      int
	LocalWorldSize int

	Backend    string
	InitMethod string
	Master     MasterEndpoint
	// AcceleratorIDs are the sorted accelerator ids of the worker's
	// node.
	AcceleratorIDs []int
	// Options are the caller's join options. They override the
	// defaults, but never the fields above.
	Options map[string]string
	// Key identifies the group at rendezvous.
	Key uint32
}

// JoinParams are the inputs to a Joiner.
type JoinParams struct {
	Backend   string
	URL       string
	Rank      int
	WorldSize int
	Timeout   time.Duration
	// Options are the effective join options, defaults included.
	Options map[string]string
	Key     uint32
	Getenv  func(string) string
}

// A Group is a joined process group.
type Group interface {
	Destroy() error
}

// A Joiner performs the generic collective join once backend
// preparation is done.
type Joiner func(ctx context.Context, p JoinParams) (Group, error)

// RendezvousJoin joins through package rendezvous.
func RendezvousJoin(ctx context.Context, p JoinParams) (Group, error) {
	g, err := rendezvous.Join(ctx, rendezvous.Params{
		Backend:   p.Backend,
		URL:       p.URL,
		Getenv:    p.Getenv,
		Rank:      p.Rank,
		WorldSize: p.WorldSize,
		Key:       p.Key,
		Timeout:   p.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// An Accelerator gives the Service access to the devices of the
// worker process, so that their caches can be released on shutdown.
type Accelerator interface {
	Devices() []int
	EmptyCache(device int) error
}

// Service is the bigmachine service through which the orchestrator
// bootstraps a worker into a group. It holds the worker's group
// membership; a worker is in at most one group at a time, and joins
// are serialized.
type Service struct {
	// Probe selects how the worker identifies its node: "host" (the
	// default) or "ec2".
	Probe string
	// Loopback makes Endpoint advertise the loopback address.
	Loopback bool

	env      Environ
	prober   Prober
	accel    Accelerator
	join     Joiner
	endpoint func() (MasterEndpoint, error)

	mu      sync.Mutex
	joining bool
	group   Group
	gctx    GroupContext
	stats   *stats.Map
}

// A ServiceOption configures a Service created by NewService.
type ServiceOption func(*Service)

// WithEnviron sets the environment the service configures.
func WithEnviron(env Environ) ServiceOption {
	return func(s *Service) { s.env = env }
}

// WithProber sets the service's topology prober.
func WithProber(p Prober) ServiceOption {
	return func(s *Service) { s.prober = p }
}

// WithAccelerator sets the devices released on Destroy.
func WithAccelerator(a Accelerator) ServiceOption {
	return func(s *Service) { s.accel = a }
}

// WithJoiner replaces the generic join.
func WithJoiner(j Joiner) ServiceOption {
	return func(s *Service) { s.join = j }
}

// WithEndpoint replaces master endpoint discovery.
func WithEndpoint(fn func() (MasterEndpoint, error)) ServiceOption {
	return func(s *Service) { s.endpoint = fn }
}

// NewService returns a Service for use in the calling process, as
// with Local.
func NewService(opts ...ServiceOption) *Service {
	s := new(Service)
	for _, opt := range opts {
		opt(s)
	}
	if err := s.init(); err != nil {
		log.Panicf("procgroup: %v", err)
	}
	return s
}

// Init implements bigmachine's service initialization.
func (s *Service) Init(b *bigmachine.B) error {
	return s.init()
}

func (s *Service) init() error {
	if s.env == nil {
		s.env = OS
	}
	if s.prober == nil {
		switch s.Probe {
		case "", "host":
			s.prober = HostProbe{Environ: s.env}
		case "ec2":
			p, err := NewEC2Probe(s.env)
			if err != nil {
				return err
			}
			s.prober = p
		default:
			return errors.E(errors.NotSupported, fmt.Sprintf("procgroup: unknown probe %q", s.Probe))
		}
	}
	if s.join == nil {
		s.join = RendezvousJoin
	}
	if s.endpoint == nil {
		if s.Loopback {
			s.endpoint = LoopbackEndpoint
		} else {
			s.endpoint = HostEndpoint
		}
	}
	s.stats = stats.NewMap()
	return nil
}

// Topology reports the worker's node and visible accelerators.
func (s *Service) Topology(ctx context.Context, _ struct{}, report *TopologyReport) error {
	node, ids, err := s.prober.Probe(ctx)
	if err != nil {
		return err
	}
	report.NodeID = node
	report.AcceleratorIDs = NormalizeIDs(ids...)
	return nil
}

// Endpoint returns an address and a free port at which this worker
// can serve rendezvous as the group's master.
func (s *Service) Endpoint(ctx context.Context, _ struct{}, endpoint *MasterEndpoint) error {
	e, err := s.endpoint()
	if err != nil {
		return err
	}
	*endpoint = e
	return nil
}

// Join joins the worker to the group described by config. The worker
// exports the rendezvous address as the init method requires,
// prepares the backend, joins, and finally records its rank in the
// environment and in its group context.
func (s *Service) Join(ctx context.Context, config Config, _ *struct{}) (err error) {
	s.mu.Lock()
	if s.group != nil || s.joining {
		s.mu.Unlock()
		return errors.E(errors.Exists, fmt.Sprintf("procgroup: rank %d: already in a group", config.Rank))
	}
	s.joining = true
	s.mu.Unlock()
	s.stats.Int("join").Add(1)
	var group Group
	defer func() {
		s.mu.Lock()
		s.joining = false
		if err == nil {
			s.group = group
			s.gctx = GroupContext{
				Joined:         true,
				Backend:        config.Backend,
				Rank:           config.Rank,
				WorldSize:      config.WorldSize,
				LocalRank:      config.LocalRank,
				LocalWorldSize: config.LocalWorldSize,
				AcceleratorIDs: config.AcceleratorIDs,
			}
			if rg, ok := group.(*rendezvous.Group); ok {
				s.gctx.Members = rg.Members
			}
		}
		s.mu.Unlock()
		if err != nil {
			s.stats.Int("join.error").Add(1)
			log.Error.Printf("procgroup: rank %d: join: %v", config.Rank, err)
		}
	}()
	url, err := s.exportMaster(config)
	if err != nil {
		return err
	}
	backend, known := LookupBackend(config.Backend)
	if !known {
		log.Debug.Printf("procgroup: rank %d: backend %s has no preparation", config.Rank, config.Backend)
	}
	if err = backend.Prepare(s.env, &config); err != nil {
		return errors.E(fmt.Sprintf("procgroup: rank %d: prepare %s", config.Rank, config.Backend), err)
	}
	options, timeout, err := joinOptions(config.Options)
	if err != nil {
		return err
	}
	group, err = s.join(ctx, JoinParams{
		Backend:   config.Backend,
		URL:       url,
		Rank:      config.Rank,
		WorldSize: config.WorldSize,
		Timeout:   timeout,
		Options:   options,
		Key:       config.Key,
		Getenv:    s.env.Getenv,
	})
	if err != nil {
		return err
	}
	for _, v := range []struct {
		key string
		val int
	}{
		{EnvRank, config.Rank},
		{EnvLocalRank, config.LocalRank},
		{EnvWorldSize, config.WorldSize},
		{EnvLocalWorldSize, config.LocalWorldSize},
	} {
		if err = s.env.Setenv(v.key, strconv.Itoa(v.val)); err != nil {
			if derr := group.Destroy(); derr != nil {
				log.Error.Printf("procgroup: rank %d: destroy after failed join: %v", config.Rank, derr)
			}
			return err
		}
	}
	return nil
}

// ExportMaster returns the rendezvous URL for the config's init
// method, exporting the master address to the environment for the
// env method.
func (s *Service) exportMaster(config Config) (string, error) {
	switch config.InitMethod {
	case InitEnv:
		if err := s.env.Setenv(EnvMasterAddr, config.Master.Address); err != nil {
			return "", err
		}
		if err := s.env.Setenv(EnvMasterPort, config.Master.Port); err != nil {
			return "", err
		}
		return "env://", nil
	case InitTCP:
		return "tcp://" + config.Master.String(), nil
	default:
		return "", unsupportedInitMethod(config.InitMethod)
	}
}

func unsupportedInitMethod(method string) error {
	return errors.E(errors.NotSupported,
		fmt.Sprintf("procgroup: init method %q is not supported; must be %q or %q", method, InitEnv, InitTCP))
}

// JoinOptions overlays options on the default join options and
// returns the result with the effective timeout.
func joinOptions(options map[string]string) (map[string]string, time.Duration, error) {
	merged := map[string]string{OptionTimeout: DefaultTimeout.String()}
	for k, v := range options {
		merged[k] = v
	}
	timeout, err := parseTimeout(merged[OptionTimeout])
	if err != nil {
		return nil, 0, err
	}
	return merged, timeout, nil
}

func parseTimeout(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("procgroup: bad timeout %q", s))
}

// Destroy leaves the worker's group and releases accelerator caches.
func (s *Service) Destroy(ctx context.Context, _ struct{}, _ *struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group == nil {
		return errors.E(errors.Precondition, "procgroup: destroy: worker is not in a group")
	}
	s.stats.Int("destroy").Add(1)
	err := s.group.Destroy()
	s.group = nil
	s.gctx = GroupContext{}
	if err != nil {
		return err
	}
	if s.accel == nil {
		return nil
	}
	for _, dev := range s.accel.Devices() {
		if err := s.accel.EmptyCache(dev); err != nil {
			return errors.E(fmt.Sprintf("procgroup: empty cache of device %d", dev), err)
		}
	}
	return nil
}

// Context returns the worker's group context.
func (s *Service) Context(ctx context.Context, _ struct{}, gctx *GroupContext) error {
	s.mu.Lock()
	*gctx = s.gctx
	s.mu.Unlock()
	return nil
}

// Stats returns a snapshot of the worker's counters.
func (s *Service) Stats(ctx context.Context, _ struct{}, values *stats.Values) error {
	*values = s.stats.Snapshot()
	return nil
}
