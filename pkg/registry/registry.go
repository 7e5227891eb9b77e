// Package registry implements the component registry: the
// name -> endpoint directory every other component registers with on
// startup and queries to find its peers, with heartbeat-based liveness.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/cobalt-rm/cobalt/pkg/rpc"
)

// Entry is one registered component.
type Entry struct {
	Name          string    `json:"name"`
	Endpoint      string    `json:"endpoint"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Registry is the in-memory directory, periodically snapshotted like
// every other component's owned state.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	deadline time.Duration
}

// New creates a Registry that considers an entry dead after deadline
// without a heartbeat.
func New(deadline time.Duration) *Registry {
	return &Registry{entries: make(map[string]*Entry), deadline: deadline}
}

// Register records or refreshes name's endpoint.
func (r *Registry) Register(name, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &Entry{Name: name, Endpoint: endpoint, LastHeartbeat: time.Now()}
}

// Heartbeat refreshes name's liveness timestamp without changing its
// endpoint. Returns false if name was never registered.
func (r *Registry) Heartbeat(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return false
	}
	e.LastHeartbeat = time.Now()
	return true
}

// Locate returns name's endpoint, or a not-found fault if name is unknown
// or has missed its heartbeat deadline.
func (r *Registry) Locate(name string) (string, *rpc.Fault) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return "", rpc.NewFault(rpc.FaultNotFound, "component %q not registered", name)
	}
	if r.deadline > 0 && time.Since(e.LastHeartbeat) > r.deadline {
		return "", rpc.NewFault(rpc.FaultNotFound, "component %q heartbeat expired", name)
	}
	return e.Endpoint, nil
}

// Snapshot returns every entry, for persistence or admin listing.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Restore replaces the directory with a previously persisted snapshot.
func (r *Registry) Restore(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Entry, len(entries))
	for i := range entries {
		e := entries[i]
		r.entries[e.Name] = &e
	}
}

// Sweep drops entries past the heartbeat deadline; registered as an
// AutoTask by cmd/regd.
func (r *Registry) Sweep(ctx context.Context) error {
	if r.deadline <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for name, e := range r.entries {
		if now.Sub(e.LastHeartbeat) > r.deadline {
			delete(r.entries, name)
		}
	}
	return nil
}
