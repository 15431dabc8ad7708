// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package procgroup bootstraps collective-communication groups over a
	fleet of independently scheduled worker processes, and tears them
	down again.

	A caller supplies an ordered list of workers. The position of a
	worker in the list is its global rank. Init then:

	1. asks every worker for its node identity and the accelerators it
	can see (Procgroup.Topology);

	2. groups workers by node, in list order, to derive each worker's
	local rank and local world size, and the sorted set of accelerator
	ids shared by each node;

	3. asks the rank-0 worker for a reachable address and a free port
	(Procgroup.Endpoint); rank 0 is always the master;

	4. dispatches Procgroup.Join to every worker with its computed
	Config, and waits for all of them.

	Every stage is a full barrier: Init does not move on until each
	worker has replied. Replies are matched to workers by index, never
	by arrival order, so the same topology always yields the same
	ranks. Shutdown dispatches Procgroup.Destroy to every worker and
	waits for all of them.

	Workers run the Service defined in this package. Service is a
	bigmachine service: StartMachines starts bigmachine machines with
	the service installed and returns them as Workers. Local wraps an
	in-process Service, which is how tests drive whole fleets in a
	single binary.

	The collective join itself is delegated to a backend. Backends are
	selected by name; "gloo", "nccl", and "hccl" are registered by this
	package, and unknown names are joined without preparation. The
	default join is implemented by package
	github.com/grailbio/procgroup/rendezvous.

	A failed Init leaves no usable group, but workers that joined before
	another worker failed stay joined, and Shutdown reports the others
	as unbound. The Rollback option makes Init destroy the group on the
	workers that did join before returning the error.
*/
package procgroup
