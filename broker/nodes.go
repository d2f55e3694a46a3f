// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package broker implements the call broker that lives inside harmony: it
// tracks the cluster-wide set of live pulse nodes, owns the single
// cluster-wide ActiveCall view, mints CallTokens, and forwards
// session-level commands to nodes over the cluster bus (spec §4.3).
package broker

import (
	"sort"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// nodeStaleAfter is the liveness window from spec §3/§8-4: a node whose
// last ping is older than this is considered dead.
const nodeStaleAfter = 10 * time.Second

// Node is harmony's local view of a pulse node (spec §3).
type Node struct {
	ID         string
	Region     string
	LastPingMs int64
}

// NodeRegistry is the rolling set of live nodes harmony keeps from
// Description and Ping bus events (spec §4.3 "Node selection"). It is
// process-local: every harmony replica rebuilds its own view from the bus,
// there is no cross-process coordination on it.
type NodeRegistry struct {
	mut   sync.RWMutex
	nodes map[string]*Node
	calls map[string]int // nodeID -> live call count, maintained by the caller
	log   mlog.LoggerIFace
	now   func() time.Time
}

func NewNodeRegistry(log mlog.LoggerIFace) *NodeRegistry {
	return &NodeRegistry{
		nodes: map[string]*Node{},
		calls: map[string]int{},
		log:   log,
		now:   time.Now,
	}
}

// Upsert records (or refreshes) a node's presence, e.g. on Description or
// Ping. Re-delivering Description for a known node id is idempotent (spec
// §8-8): it only refreshes the region/timestamp, it never creates a second
// entry.
func (r *NodeRegistry) Upsert(id, region string) {
	r.mut.Lock()
	defer r.mut.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		n = &Node{ID: id}
		r.nodes[id] = n
		r.log.Info("node joined", mlog.String("nodeID", id), mlog.String("region", region))
	}
	if region != "" {
		n.Region = region
	}
	n.LastPingMs = r.now().UnixMilli()
}

// Remove drops a node immediately, e.g. on a Disconnect event.
func (r *NodeRegistry) Remove(id string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if _, ok := r.nodes[id]; ok {
		delete(r.nodes, id)
		delete(r.calls, id)
		r.log.Info("node left", mlog.String("nodeID", id))
	}
}

// EvictStale drops every node whose last ping is older than nodeStaleAfter
// (spec §3, §8-4) and returns their ids.
func (r *NodeRegistry) EvictStale() []string {
	r.mut.Lock()
	defer r.mut.Unlock()

	cutoff := r.now().Add(-nodeStaleAfter).UnixMilli()
	var evicted []string
	for id, n := range r.nodes {
		if n.LastPingMs < cutoff {
			evicted = append(evicted, id)
			delete(r.nodes, id)
			delete(r.calls, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// IncCallCount / DecCallCount let the call broker track how many live calls
// are currently placed on each node, used as a tie-breaker in Select.
func (r *NodeRegistry) IncCallCount(nodeID string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.calls[nodeID]++
}

func (r *NodeRegistry) DecCallCount(nodeID string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.calls[nodeID] > 0 {
		r.calls[nodeID]--
	}
}

// Select picks a live node preferring region, breaking ties by lowest
// current call count then lowest id (spec §4.3 "Node selection").
func (r *NodeRegistry) Select(region string) (Node, bool) {
	r.mut.RLock()
	defer r.mut.RUnlock()

	var candidates []*Node
	for _, n := range r.nodes {
		if n.Region == region {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		for _, n := range r.nodes {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return Node{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := r.calls[candidates[i].ID], r.calls[candidates[j].ID]
		if ci != cj {
			return ci < cj
		}
		return candidates[i].ID < candidates[j].ID
	})

	return *candidates[0], true
}

// Get returns a copy of a known node, if still live.
func (r *NodeRegistry) Get(id string) (Node, bool) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Len reports the number of currently-live nodes.
func (r *NodeRegistry) Len() int {
	r.mut.RLock()
	defer r.mut.RUnlock()
	return len(r.nodes)
}
