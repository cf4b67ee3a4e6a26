// Copyright 2026 The Tunneld Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// A Registry maps hostnames to their live peer. Lookups are frequent and
// concurrent; binds are rare. At most one live peer exists per hostname: a
// new bind evicts and closes the prior peer, failing its in-flight
// dispatches.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

// Bind associates hostname with p. If a prior peer was bound it is closed
// first, then returned so the caller can observe the eviction.
func (r *Registry) Bind(hostname string, p *Peer) (evicted *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted = r.peers[hostname]
	if evicted != nil {
		evicted.Close()
	}
	r.peers[hostname] = p
	return evicted
}

// Lookup returns the peer bound to hostname, or nil.
func (r *Registry) Lookup(hostname string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[hostname]
}

// Unbind removes the entry for hostname only if it still holds p. A racing
// reconnect that rebound the hostname is left untouched.
func (r *Registry) Unbind(hostname string, p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[hostname] == p {
		delete(r.peers, hostname)
	}
}

// NormalizeHostname derives the routing hostname from a Host header: parsed
// as a URL authority, lowercased, port stripped.
func NormalizeHostname(hostHeader string) (string, error) {
	hostHeader = strings.TrimSpace(hostHeader)
	if hostHeader == "" {
		return "", fmt.Errorf("missing Host header")
	}
	u, err := url.Parse("//" + hostHeader)
	if err != nil {
		return "", fmt.Errorf("invalid Host header %q: %w", hostHeader, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("invalid Host header %q", hostHeader)
	}
	return strings.ToLower(host), nil
}
