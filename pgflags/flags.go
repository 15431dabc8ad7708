// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pgflags provides flag support for command line tools that
// bootstrap procgroup fleets.
package pgflags

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/procgroup"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
	profiles  = map[string]string{}   // protected by mu
)

// Provider represents a system provider that can be configured by
// setting some set of options via Set.
type Provider interface {
	// Name returns the name of a provider instance.
	Name() string
	// Set sets one or more options for the systems to be provided. The
	// options may be specified as key=val.
	Set(string) error
	// System returns the bigmachine system as configured by the
	// currently set options.
	System() bigmachine.System
	// Loopback tells whether all of the system's machines share the
	// calling host.
	Loopback() bool
}

// RegisterSystemProvider registers a 'system' provider, ie. any
// service that can provide machines for procgroup workers.
func RegisterSystemProvider(name string, provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("system %s is already registered", name)
	}
	providers[name] = provider
}

// RegisterSystemProfile registers a system 'profile' which is a
// named shorthand for a system and any associated options. For
// example an application that registers a profile of:
//   pgflags.RegisterSystemProfile("gpu", "ec2:instance=p3.8xlarge")
// can accept
//   --system=gpu
// as a synonym for
//   --system=ec2:instance=p3.8xlarge
func RegisterSystemProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("profile %s is already used as a provider name", name)
	}
	if _, present := profiles[name]; present {
		log.Panicf("profile %s is already registered", name)
	}
	profiles[name] = profile
}

// ProvidersAndProfiles returns the supported providers and profiles.
func ProvidersAndProfiles() ([]string, map[string]string) {
	mu.Lock()
	defer mu.Unlock()
	prv := make([]string, 0, len(providers))
	for k := range providers {
		prv = append(prv, k)
	}
	prf := make(map[string]string, len(profiles))
	for k, v := range profiles {
		prf[k] = v
	}
	return prv, prf
}

// Internal provides in-process machines. Each machine runs its own
// service instance, but all of them share the process environment.
type Internal struct{}

// Name implements Provider.Name.
func (i *Internal) Name() string {
	return "internal"
}

// Set implements Provider.Set.
func (i *Internal) Set(_ string) error {
	return fmt.Errorf("the internal system provider does not support any configuration")
}

// System implements Provider.System.
func (i *Internal) System() bigmachine.System {
	return testsystem.New()
}

// Loopback implements Provider.Loopback.
func (i *Internal) Loopback() bool { return true }

// Local provides machines that are separate processes on the local
// host.
type Local struct{}

// Name implements Provider.Name.
func (l *Local) Name() string {
	return "local"
}

// Set implements Provider.Set.
func (l *Local) Set(_ string) error {
	return fmt.Errorf("the local system provider does not support any configuration")
}

// System implements Provider.System.
func (l *Local) System() bigmachine.System {
	return bigmachine.Local
}

// Loopback implements Provider.Loopback.
func (l *Local) Loopback() bool { return true }

// EC2 provides AWS EC2 machines, one worker per instance.
type EC2 struct {
	// Instance is the EC2 instance type; ec2system picks a default
	// when it is empty.
	Instance string
	// Profile is the IAM instance profile of the machines.
	Profile string
	// OnDemand selects on-demand rather than spot instances.
	OnDemand bool
}

// Name implements Provider.Name.
func (ec2 *EC2) Name() string {
	return "EC2"
}

// Set implements Provider.Set. A bare "ondemand" is taken as
// ondemand=true.
func (ec2 *EC2) Set(v string) error {
	key, val := v, ""
	if i := strings.Index(v, "="); i >= 0 {
		key, val = v[:i], v[i+1:]
	} else if key != "ondemand" {
		return fmt.Errorf("not in key=val format %q", v)
	}
	switch key {
	case "instance":
		ec2.Instance = val
	case "profile":
		ec2.Profile = val
	case "ondemand":
		if val == "" {
			ec2.OnDemand = true
			return nil
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("not a bool: %v", val)
		}
		ec2.OnDemand = b
	default:
		return fmt.Errorf("unsupported option: %v", key)
	}
	return nil
}

// Loopback implements Provider.Loopback.
func (ec2 *EC2) Loopback() bool { return false }

// System implements Provider.System.
func (ec2 *EC2) System() bigmachine.System {
	system := &ec2system.System{
		InstanceType:    ec2.Instance,
		InstanceProfile: ec2.Profile,
		OnDemand:        ec2.OnDemand,
		Username:        "unknown",
	}
	if u, err := user.Current(); err == nil {
		system.Username = u.Username
	} else {
		log.Printf("ec2: get current user: %v", err)
	}
	return system
}

func init() {
	RegisterSystemProvider("local", &Local{})
	RegisterSystemProvider("internal", &Internal{})
	RegisterSystemProvider("ec2", &EC2{})
}

// SystemHelpShort is a short explanation of the allowed SystemFlags values.
func SystemHelpShort(prefix string) string {
	const format = `a system is specified as follows: {local,internal,ec2:[key=val,],name}, use -%s for more information.`
	return fmt.Sprintf(format, prefix+"system-help")
}

// SystemHelpLong is a complete explanation of the allowed SystemFlags values.
const SystemHelpLong = `A system is specified as follows:

<system-type>:<options> where options is [key=value,]+

The currently supported system types and their options are as follows:

internal: in-process workers, the default.
local: same machine, separate process workers.
ec2: AWS EC2 workers, one per instance. The supported options are:
	instance=<AWS instance type> - the AWS instance type, e.g. p3.8xlarge
	ondemand[=<bool>] - use on-demand rather than spot instances
	profile=<name> - the AWS instance profile to use instead of a default

In addition, an application may register 'profiles' that are shorthand
for the above, eg. "gpu" can be configured as a synonym for
ec2:instance=p3.8xlarge,ondemand.
`

// SystemFlag represents a flag that can be used to specify a bigmachine
// system.
type SystemFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

// String implements flag.Value.String
func (sys *SystemFlag) String() string {
	if sys.Provider == nil {
		return ""
	}
	if len(sys.Options) == 0 {
		return sys.Provider.Name()
	}
	return fmt.Sprintf("%v:%v", sys.Provider.Name(), strings.Join(sys.Options, ","))
}

// Set implements flag.Value.Set
func (sys *SystemFlag) Set(v string) error {
	parse := func(s string) (name string, options []string) {
		parts := strings.SplitN(s, ":", 2)
		name = parts[0]
		if len(parts) > 1 {
			options = strings.Split(parts[1], ",")
		}
		return
	}

	name, options := parse(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var profileOptions []string
		name, profileOptions = parse(profile)
		options = append(profileOptions, options...)
	}
	provider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported system or profile type: %v", name)
	}
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Options = options
	sys.Provider = provider
	sys.Specified = true
	return nil
}

// Get implements flag.Value.Get
func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

// Flags represents all of the flags that can be used to configure
// a procgroup command.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	Workers       int
	Backend       string
	InitMethod    string
	Timeout       time.Duration
	Probe         string
	Rollback      bool
	TracePath     string
	fs            *flag.FlagSet
}

// Output returns an appropriate io.Writer for printing out help/usage
// messages as per the underlying flag.Flagset.
func (pf *Flags) Output() io.Writer {
	if pf.fs == nil {
		return os.Stderr
	}
	if wr := pf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	System        string
	HTTPAddress   string
	ConsoleStatus bool
	Workers       int
	Backend       string
	InitMethod    string
	Timeout       time.Duration
	Probe         string
}

// RegisterFlags registers the procgroup command line flags with the
// supplied flag set. The flag names will be prefixed with the supplied
// prefix.
func RegisterFlags(fs *flag.FlagSet, pf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, pf, prefix, Defaults{
		System:      "internal",
		HTTPAddress: ":3333",
		Workers:     2,
		Backend:     procgroup.Gloo,
		InitMethod:  procgroup.InitEnv,
		Timeout:     procgroup.DefaultTimeout,
		Probe:       "host",
	})
}

// RegisterFlagsWithDefaults registers the procgroup command line flags
// with the supplied flag set and defaults. The flag names will be
// prefixed with the supplied prefix.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, pf *Flags, prefix string, defaults Defaults) {
	fs.Var(&pf.System, prefix+"system", SystemHelpShort(prefix))
	pf.System.Set(defaults.System)
	pf.System.Specified = false
	fs.Var(&pf.HTTPAddress, prefix+"http", "address of http status server")
	pf.HTTPAddress.Set(defaults.HTTPAddress)
	pf.HTTPAddress.Specified = false
	fs.BoolVar(&pf.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	fs.IntVar(&pf.Workers, prefix+"workers", defaults.Workers, "number of workers in the group")
	fs.StringVar(&pf.Backend, prefix+"backend", defaults.Backend, "collective backend: gloo, nccl, hccl, or another registered name")
	fs.StringVar(&pf.InitMethod, prefix+"init-method", defaults.InitMethod, "how workers locate the master: env or tcp")
	fs.DurationVar(&pf.Timeout, prefix+"timeout", defaults.Timeout, "per-worker join timeout")
	fs.StringVar(&pf.Probe, prefix+"probe", defaults.Probe, "node identity of workers: host or ec2")
	fs.BoolVar(&pf.Rollback, prefix+"rollback", false, "destroy the group on joined workers if any worker fails to join")
	fs.StringVar(&pf.TracePath, prefix+"trace", "", "path of a trace file of the bootstrap stages")
	fs.BoolVar(&pf.SystemHelp, prefix+"system-help", false, "provide help on system providers and profiles")
	pf.fs = fs
}

// Fleet returns the fleet configured by the flags. Progress is
// reported to st, which may be nil.
func (pf *Flags) Fleet(st *status.Status) (*procgroup.Fleet, error) {
	if pf.System.Provider == nil {
		return nil, fmt.Errorf("no system configured")
	}
	if pf.Workers < 1 {
		return nil, fmt.Errorf("bad number of workers: %d", pf.Workers)
	}
	options := []procgroup.Option{
		procgroup.Backend(pf.Backend),
		procgroup.InitMethod(pf.InitMethod),
		procgroup.Timeout(pf.Timeout),
	}
	if pf.Rollback {
		options = append(options, procgroup.Rollback)
	}
	if st != nil {
		options = append(options, procgroup.Status(st))
	}
	if pf.TracePath != "" {
		options = append(options, procgroup.TracePath(pf.TracePath))
	}
	return &procgroup.Fleet{
		System:  pf.System.Provider.System(),
		Workers: pf.Workers,
		Service: &procgroup.Service{
			Probe:    pf.Probe,
			Loopback: pf.System.Provider.Loopback(),
		},
		Options: options,
	}, nil
}
