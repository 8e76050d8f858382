// Package registry implements the agent registry (C3): the edge's in-memory
// index of currently connected agents, keyed by (host, pathPrefix), with
// longest-prefix-wins resolution for inbound public requests.
//
// Per spec.md's Non-goals, this index is never persisted — a restart starts
// empty and agents re-register as they reconnect.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/relaytun/tunnel/internal/channel"
	"github.com/relaytun/tunnel/internal/streamreg"
)

// Registration describes one agent-owned route.
type Registration struct {
	Host          string
	PathPrefix    string
	Channel       *channel.Channel
	Streams       *streamreg.Registry
	SupportsHTTP2 bool
	ConnectedAt   time.Time
}

// Registry is the edge's live agent table. Safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	// byHost[host][pathPrefix] = registration. A second level keyed by
	// pathPrefix (rather than a flat slice) makes duplicate-registration
	// detection an O(1) map lookup, the same shape as the teacher's
	// sync.Map of connected clients in broadcaster.go, generalized here to
	// two key components because routing needs host *and* prefix.
	byHost map[string]map[string]*Registration
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byHost: make(map[string]map[string]*Registration)}
}

// Register adds reg, refusing a duplicate (Host, PathPrefix) pair exactly as
// spec.md §4.3 requires. The caller (C7 handshake handler) is responsible
// for closing the underlying connection itself when Register returns an
// error (SPEC_FULL.md §13).
func (r *Registry) Register(reg *Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefixes, ok := r.byHost[reg.Host]
	if !ok {
		prefixes = make(map[string]*Registration)
		r.byHost[reg.Host] = prefixes
	}
	if _, exists := prefixes[reg.PathPrefix]; exists {
		return fmt.Errorf("%s has a existing connection", reg.Host)
	}

	reg.ConnectedAt = time.Now()
	prefixes[reg.PathPrefix] = reg
	return nil
}

// Exists reports whether a registration for (host, pathPrefix) already
// exists. Used by the handshake handler to reject a duplicate registration
// with a plain HTTP response before hijacking the connection for the
// WebSocket upgrade (SPEC_FULL.md §13's "close the socket" resolution is
// easiest to honor by never upgrading in the first place when the race is
// won here; Register itself still re-checks after the upgrade to close the
// rare race loser).
func (r *Registry) Exists(host, pathPrefix string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prefixes, ok := r.byHost[host]
	if !ok {
		return false
	}
	_, ok = prefixes[pathPrefix]
	return ok
}

// Deregister removes exactly one (host, pathPrefix) entry.
func (r *Registry) Deregister(host, pathPrefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefixes, ok := r.byHost[host]
	if !ok {
		return
	}
	delete(prefixes, pathPrefix)
	if len(prefixes) == 0 {
		delete(r.byHost, host)
	}
}

// DeregisterChannel removes every registration owned by ch — used when a
// channel is lost. The handshake handler registers one route per channel
// (a multi-route agent opens one channel per route, SPEC_FULL.md §11), so
// this normally removes a single entry.
func (r *Registry) DeregisterChannel(ch *channel.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for host, prefixes := range r.byHost {
		for prefix, reg := range prefixes {
			if reg.Channel == ch {
				delete(prefixes, prefix)
			}
		}
		if len(prefixes) == 0 {
			delete(r.byHost, host)
		}
	}
}

// Resolve finds the registration for host whose PathPrefix is the longest
// prefix of path. An empty PathPrefix registration is the lowest-priority
// fallback and only wins when no non-empty prefix matches (spec.md §4.3).
func (r *Registry) Resolve(host, path string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prefixes, ok := r.byHost[host]
	if !ok {
		return nil, false
	}

	var best *Registration
	bestLen := -1
	for prefix, reg := range prefixes {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(path, prefix) && len(prefix) > bestLen {
			best = reg
			bestLen = len(prefix)
		}
	}
	if best != nil {
		return best, true
	}
	if fallback, ok := prefixes[""]; ok {
		return fallback, true
	}
	return nil, false
}

// List returns a snapshot of every current registration. The admin API's
// GET /api/v1/tunnels does not use it; that route reads the stored
// connect/disconnect history instead.
func (r *Registry) List() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Registration, 0)
	for _, prefixes := range r.byHost {
		for _, reg := range prefixes {
			out = append(out, reg)
		}
	}
	return out
}
