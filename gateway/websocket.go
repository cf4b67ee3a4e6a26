// Copyright 2026 The Tunneld Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// HostnameHeader carries the peer's hostname on the control-channel upgrade
// request. The handshake that authenticates the peer and allocates the
// hostname sits in front of this handler; by the time the upgrade arrives
// the hostname is settled.
const HostnameHeader = "X-Tunnel-Hostname"

// ControlHandler accepts control-channel connections: it upgrades the
// request to a WebSocket, wraps it in a Peer, and binds it into the
// registry, evicting any prior peer for the hostname.
type ControlHandler struct {
	registry *Registry
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
}

// NewControlHandler returns the control-channel accept endpoint.
func NewControlHandler(registry *Registry, log logrus.FieldLogger) *ControlHandler {
	return &ControlHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"tunneld"},
			CheckOrigin: func(r *http.Request) bool {
				// Peers are standalone clients, not browsers.
				return true
			},
		},
		log: log,
	}
}

// ServeHTTP implements http.Handler.
func (h *ControlHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rawHostname := r.Header.Get(HostnameHeader)
	if rawHostname == "" {
		rawHostname = r.URL.Query().Get("hostname")
	}
	hostname, err := NormalizeHostname(rawHostname)
	if err != nil {
		http.Error(w, "missing or invalid tunnel hostname", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.WithError(err).WithField("hostname", hostname).Warn("control channel upgrade failed")
		return
	}

	peer := NewPeer(hostname, conn, remoteIP(r), h.log)
	if evicted := h.registry.Bind(hostname, peer); evicted != nil {
		h.log.WithField("hostname", hostname).Info("evicted prior peer on rebind")
	}
	h.log.WithFields(logrus.Fields{
		"hostname": hostname,
		"remoteIp": peer.RemoteIP(),
	}).Info("peer connected")

	go func() {
		peer.Run()
		h.registry.Unbind(hostname, peer)
		h.log.WithField("hostname", hostname).Info("peer disconnected")
	}()
}

// remoteIP resolves the peer's observed address, preferring the first
// forwarded hop when the gateway sits behind a proxy.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
