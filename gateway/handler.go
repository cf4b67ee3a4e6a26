// Copyright 2026 The Tunneld Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// PublicHandler is the inbound edge of the gateway: it resolves the target
// hostname from the Host header, looks up the bound peer, and hands the
// request to the dispatcher.
type PublicHandler struct {
	registry   *Registry
	dispatcher *Dispatcher
	log        logrus.FieldLogger
}

// NewPublicHandler returns the handler serving forwarded traffic.
func NewPublicHandler(registry *Registry, dispatcher *Dispatcher, log logrus.FieldLogger) *PublicHandler {
	return &PublicHandler{
		registry:   registry,
		dispatcher: dispatcher,
		log:        log,
	}
}

// ServeHTTP implements http.Handler.
func (h *PublicHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hostname, err := NormalizeHostname(r.Host)
	if err != nil {
		http.Error(w, "missing or invalid Host header", http.StatusBadRequest)
		return
	}

	peer := h.registry.Lookup(hostname)
	if peer == nil {
		http.Error(w, fmt.Sprintf("no tunnel connected for %s", hostname), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	out := h.dispatcher.Do(r.Context(), peer, &DispatchRequest{
		Hostname: hostname,
		Method:   r.Method,
		URL:      r.URL.RequestURI(),
		Headers:  CanonicalHeaders(r.Header),
		Body:     body,
		Mode:     ResponseModeFor(r),
	}, w)
	if out.Err != nil {
		h.log.WithFields(logrus.Fields{
			"hostname":  hostname,
			"requestId": out.RequestID,
			"method":    r.Method,
			"path":      r.URL.RequestURI(),
		}).WithError(out.Err).Info("dispatch ended early")
	}
}
