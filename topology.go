// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package procgroup

import (
	"encoding/binary"
	"sort"

	"github.com/spaolacci/murmur3"
)

// A TopologyReport is a worker's description of where it runs: the
// node it is on, and the accelerator ids visible to it.
type TopologyReport struct {
	NodeID         string
	AcceleratorIDs []int
}

// A NodeGroup is the set of workers that share a node.
type NodeGroup struct {
	NodeID string
	// Ranks holds the global ranks of the node's workers in
	// ascending order. A worker's local rank is its index here.
	Ranks []int
	// AcceleratorIDs is the sorted union of the accelerator ids
	// reported by the node's workers.
	AcceleratorIDs []int
}

// LocalRank returns the local rank of global rank rank, or -1 if the
// rank does not belong to the node.
func (n *NodeGroup) LocalRank(rank int) int {
	for i, r := range n.Ranks {
		if r == rank {
			return i
		}
	}
	return -1
}

// Topology is the aggregate of the reports of an ordered list of
// workers.
type Topology struct {
	nodes  []*NodeGroup
	byNode map[string]*NodeGroup
	// rankNode maps each global rank to its node.
	rankNode []*NodeGroup
}

// Aggregate builds the topology of the workers whose reports are
// given in worker-list order: reports[i] must be the report of the
// worker with global rank i. Nodes are ordered by first appearance.
func Aggregate(reports []TopologyReport) *Topology {
	t := &Topology{
		byNode:   make(map[string]*NodeGroup),
		rankNode: make([]*NodeGroup, len(reports)),
	}
	ids := make(map[*NodeGroup][]int)
	for rank, report := range reports {
		node := t.byNode[report.NodeID]
		if node == nil {
			node = &NodeGroup{NodeID: report.NodeID}
			t.byNode[report.NodeID] = node
			t.nodes = append(t.nodes, node)
		}
		node.Ranks = append(node.Ranks, rank)
		ids[node] = append(ids[node], report.AcceleratorIDs...)
		t.rankNode[rank] = node
	}
	for _, node := range t.nodes {
		node.AcceleratorIDs = NormalizeIDs(ids[node]...)
	}
	return t
}

// Nodes returns the topology's node groups in order of first
// appearance.
func (t *Topology) Nodes() []*NodeGroup {
	return t.nodes
}

// Node returns the node group with the given id, or nil.
func (t *Topology) Node(id string) *NodeGroup {
	return t.byNode[id]
}

// WorldSize returns the number of workers in the topology.
func (t *Topology) WorldSize() int {
	return len(t.rankNode)
}

// A Placement is the rank assignment of a single worker.
type Placement struct {
	Rank           int
	WorldSize      int
	LocalRank      int
	LocalWorldSize int
	NodeID         string
	// AcceleratorIDs are the accelerator ids of the worker's node.
	AcceleratorIDs []int
}

// Assign computes the placement of every worker, indexed by global
// rank. Co-located workers are ranked locally in global-rank order.
func (t *Topology) Assign() []Placement {
	placements := make([]Placement, len(t.rankNode))
	for rank, node := range t.rankNode {
		placements[rank] = Placement{
			Rank:           rank,
			WorldSize:      len(t.rankNode),
			LocalRank:      node.LocalRank(rank),
			LocalWorldSize: len(node.Ranks),
			NodeID:         node.NodeID,
			AcceleratorIDs: node.AcceleratorIDs,
		}
	}
	return placements
}

// Fingerprint hashes the rank-to-node layout of the topology. Equal
// layouts have equal fingerprints; node ids themselves are hashed
// through, so renaming a node changes the fingerprint.
func (t *Topology) Fingerprint() uint32 {
	h := murmur3.New32()
	var buf [binary.MaxVarintLen64]byte
	for rank, node := range t.rankNode {
		n := binary.PutUvarint(buf[:], uint64(rank))
		h.Write(buf[:n])
		n = binary.PutUvarint(buf[:], uint64(len(node.NodeID)))
		h.Write(buf[:n])
		h.Write([]byte(node.NodeID))
	}
	return h.Sum32()
}

// NormalizeIDs returns the accelerator ids as a sorted set: duplicates
// and negative ids are dropped. A single id is a one-element set; no
// ids yields nil.
func NormalizeIDs(ids ...int) []int {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int]bool, len(ids))
	var set []int
	for _, id := range ids {
		if id < 0 || seen[id] {
			continue
		}
		seen[id] = true
		set = append(set, id)
	}
	sort.Ints(set)
	return set
}
