// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rendezvous

import (
	"fmt"
	"net"
	"strings"

	"github.com/grailbio/base/errors"
)

const (
	// EnvMasterAddr and EnvMasterPort name the variables consulted
	// by env:// rendezvous.
	EnvMasterAddr = "MASTER_ADDR"
	EnvMasterPort = "MASTER_PORT"
)

// Resolve returns the host:port of the rendezvous store named by url.
// Two schemes are understood: tcp://host:port names the store
// directly; env:// reads it from MASTER_ADDR and MASTER_PORT through
// getenv.
func Resolve(url string, getenv func(string) string) (string, error) {
	switch {
	case url == "env://":
		if getenv == nil {
			return "", errors.E(errors.Invalid, "rendezvous: env:// requires an environment")
		}
		addr, port := getenv(EnvMasterAddr), getenv(EnvMasterPort)
		if addr == "" || port == "" {
			return "", errors.E(errors.Invalid,
				fmt.Sprintf("rendezvous: env://: %s=%q %s=%q", EnvMasterAddr, addr, EnvMasterPort, port))
		}
		return net.JoinHostPort(addr, port), nil
	case strings.HasPrefix(url, "tcp://"):
		hostport := strings.TrimPrefix(url, "tcp://")
		host, port, err := net.SplitHostPort(hostport)
		if err != nil {
			return "", errors.E(errors.Invalid, fmt.Sprintf("rendezvous: %s", url), err)
		}
		if host == "" || port == "" {
			return "", errors.E(errors.Invalid, fmt.Sprintf("rendezvous: %s: missing host or port", url))
		}
		return hostport, nil
	default:
		return "", errors.E(errors.NotSupported, fmt.Sprintf("rendezvous: unsupported url %q", url))
	}
}
