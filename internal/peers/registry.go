// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package peers implements the Peer Registry: the set of known peer
// nodes, their reachability, and the precedence rules by which entries
// are added (static config > multicast discovery > reverse-learning).
package peers

import (
	"context"
	"sync"
	"time"

	"github.com/pitchsync/coordinator/internal/log"
	"golang.org/x/sync/singleflight"
)

// Source records how a peer entry was learned, highest precedence first.
type Source string

const (
	SourceStatic    Source = "static"
	SourceDiscovery Source = "discovered"
	SourceLearned   Source = "learned"
)

// Status is a peer's last-known reachability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// Peer is one entry in the registry.
type Peer struct {
	NodeID   string    `json:"node_id"`
	Endpoint string    `json:"endpoint"`
	Source   Source    `json:"source"`
	LastSeen time.Time `json:"last_seen"`
	Status   Status    `json:"status"`
}

// Prober performs an on-demand reachability probe of a single peer, e.g.
// a lightweight GET /status RPC. The caller of Probe supplies it.
type Prober func(ctx context.Context, p Peer) error

// Registry holds the set of known peers. Reads dominate (spec.md §5), so
// it is protected by an RWMutex; concurrent Probe calls for the same
// peer are deduplicated with singleflight and share one probe. The
// coordinator's status fan-out does not go through Probe: it queries
// each peer directly and records the outcome with MarkSeen or
// MarkUnreachable.
type Registry struct {
	mu      sync.RWMutex
	peers   map[string]Peer
	timeout time.Duration

	sfg singleflight.Group
}

// NewRegistry constructs an empty Registry. peerTimeout is the duration
// after which a peer not heard from is considered offline (default 5s,
// spec.md §4.3).
func NewRegistry(peerTimeout time.Duration) *Registry {
	return &Registry{
		peers:   make(map[string]Peer),
		timeout: peerTimeout,
	}
}

// AddStatic registers an admin-entered, authoritative peer entry. Static
// entries are never overwritten by discovery or reverse-learning.
func (r *Registry) AddStatic(nodeID, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[nodeID] = Peer{
		NodeID:   nodeID,
		Endpoint: endpoint,
		Source:   SourceStatic,
		LastSeen: time.Now(),
		Status:   StatusUnknown,
	}
}

// RemoveStatic removes an admin-entered peer (the only mutation
// permitted from outside the node itself, spec.md §4.3).
func (r *Registry) RemoveStatic(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nodeID]
	if !ok || p.Source != SourceStatic {
		return false
	}
	delete(r.peers, nodeID)
	return true
}

// Discover records a peer learned from a multicast/broadcast discovery
// announcement. It never overrides a static entry for the same node_id.
func (r *Registry) Discover(nodeID, endpoint string) {
	r.upsertLowerPrecedence(nodeID, endpoint, SourceDiscovery)
}

// Learn records a peer's origin the first time it calls in (e.g. a
// time-sync query), lowest precedence of the three sources.
func (r *Registry) Learn(nodeID, endpoint string) {
	r.upsertLowerPrecedence(nodeID, endpoint, SourceLearned)
}

func (r *Registry) upsertLowerPrecedence(nodeID, endpoint string, source Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.peers[nodeID]; ok && existing.Source == SourceStatic {
		// Static config is authoritative; only refresh last-seen.
		existing.LastSeen = time.Now()
		r.peers[nodeID] = existing
		return
	}
	r.peers[nodeID] = Peer{
		NodeID:   nodeID,
		Endpoint: endpoint,
		Source:   source,
		LastSeen: time.Now(),
		Status:   StatusUnknown,
	}
}

// MarkSeen updates last_seen/status for a successful interaction with a
// peer, used by both periodic polling and RPC success paths.
func (r *Registry) MarkSeen(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[nodeID]; ok {
		p.LastSeen = time.Now()
		p.Status = StatusOnline
		r.peers[nodeID] = p
	}
}

// MarkUnreachable records a failed interaction without updating last_seen.
func (r *Registry) MarkUnreachable(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[nodeID]; ok {
		p.Status = StatusOffline
		r.peers[nodeID] = p
	}
}

// snapshotStatus recomputes a peer's Status from its LastSeen age against
// the registry's timeout, without mutating stored state.
func (r *Registry) snapshotStatus(p Peer) Peer {
	if time.Since(p.LastSeen) > r.timeout {
		p.Status = StatusOffline
	}
	return p
}

// List returns a snapshot of all known peers.
func (r *Registry) List() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, r.snapshotStatus(p))
	}
	return out
}

// Get returns a single peer by node_id.
func (r *Registry) Get(nodeID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return Peer{}, false
	}
	return r.snapshotStatus(p), true
}

// Probe triggers an on-demand reachability probe for nodeID via fn,
// deduplicating concurrent callers for the same peer with singleflight.
// It updates the registry and returns the resulting Peer snapshot.
func (r *Registry) Probe(ctx context.Context, nodeID string, fn Prober) (Peer, error) {
	p, ok := r.Get(nodeID)
	if !ok {
		return Peer{}, errPeerUnknown(nodeID)
	}

	v, err, _ := r.sfg.Do(nodeID, func() (any, error) {
		probeErr := fn(ctx, p)
		if probeErr != nil {
			r.MarkUnreachable(nodeID)
			return Peer{}, probeErr
		}
		r.MarkSeen(nodeID)
		updated, _ := r.Get(nodeID)
		return updated, nil
	})
	if err != nil {
		log.WithComponent("peers.registry").Debug().Err(err).Str("node_id", nodeID).Msg("peer probe failed")
		return Peer{}, err
	}
	return v.(Peer), nil
}

type peerUnknownError struct{ nodeID string }

func (e peerUnknownError) Error() string { return "peers: unknown node_id " + e.nodeID }

func errPeerUnknown(nodeID string) error { return peerUnknownError{nodeID: nodeID} }
