// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pgconfig provides a mechanism to create a procgroup fleet
// from a shared configuration. Pgconfig uses the configuration
// mechanism in package github.com/grailbio/base/config, and reads a
// default profile from $HOME/.procgroup/config. A profile that
// bootstraps four nccl workers on EC2 might read:
//
//	param procgroup (
//		system = bigmachine/ec2system
//		workers = 4
//		backend = "nccl"
//		probe = "ec2"
//	)
package pgconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/procgroup"
)

// Path determines the location of the procgroup profile read by
// Parse.
var Path = os.ExpandEnv("$HOME/.procgroup/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// procgroup configuration from Path defined in this package. Parse
// returns the fleet as configured by the configuration and any flags
// provided. Parse panics if the configuration is invalid.
func Parse() *procgroup.Fleet {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var fleet *procgroup.Fleet
	config.Must("procgroup", &fleet)
	return fleet
}
