// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package procgroup

import (
	"net"
	"strconv"

	"github.com/grailbio/base/errors"
)

// A MasterEndpoint is the address at which the master worker serves
// rendezvous.
type MasterEndpoint struct {
	Address string
	Port    string
}

// String returns the endpoint as host:port.
func (e MasterEndpoint) String() string {
	return net.JoinHostPort(e.Address, e.Port)
}

// HostEndpoint returns the first non-loopback IPv4 address of the
// host and a port that is currently free. It falls back to the
// loopback address on hosts without an external interface.
func HostEndpoint() (MasterEndpoint, error) {
	port, err := freePort()
	if err != nil {
		return MasterEndpoint{}, err
	}
	return MasterEndpoint{Address: hostAddress(), Port: port}, nil
}

// LoopbackEndpoint returns the loopback address and a free port. It
// suits fleets whose workers all share one host.
func LoopbackEndpoint() (MasterEndpoint, error) {
	port, err := freePort()
	if err != nil {
		return MasterEndpoint{}, err
	}
	return MasterEndpoint{Address: "127.0.0.1", Port: port}, nil
}

func hostAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipnet.IP.To4(); ip != nil && !ip.IsLoopback() {
				return ip.String()
			}
		}
	}
	return "127.0.0.1"
}

// FreePort asks the kernel for an unused TCP port. The port is
// released before returning; the master binds it again at join time.
func freePort() (string, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return "", errors.E(errors.Unavailable, "procgroup: allocate port", err)
	}
	defer ln.Close()
	return strconv.Itoa(ln.Addr().(*net.TCPAddr).Port), nil
}
