// Copyright 2026 The Tunneld Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"
)

// defaultReplayTimeout bounds a replayed exchange. Replay always forces
// buffered mode; streamed originals are not re-streamed.
const defaultReplayTimeout = 30 * time.Second

// A ReplaySummary reports the outcome of a replayed exchange.
type ReplaySummary struct {
	Method     string
	Path       string
	StatusCode int
}

// A Replayer re-issues a stored exchange through the dispatcher against the
// peer currently bound to the log's hostname.
type Replayer struct {
	registry   *Registry
	dispatcher *Dispatcher
	logs       LogStore
	timeout    time.Duration
}

// NewReplayer returns a Replayer using the given registry, dispatcher and
// log store.
func NewReplayer(registry *Registry, dispatcher *Dispatcher, logs LogStore) *Replayer {
	return &Replayer{
		registry:   registry,
		dispatcher: dispatcher,
		logs:       logs,
		timeout:    defaultReplayTimeout,
	}
}

// Replay loads the log with the given id and pushes it back through the
// tunnel. A missing log, or one belonging to a different hostname than the
// caller's, yields ErrNotFound; an unbound hostname yields ErrNoPeer.
func (rp *Replayer) Replay(ctx context.Context, logID int64, callerHostname string) (*ReplaySummary, error) {
	entry, err := rp.logs.FindByID(ctx, logID)
	if err != nil {
		return nil, err
	}
	if entry.Hostname != callerHostname {
		return nil, ErrNotFound
	}

	peer := rp.registry.Lookup(entry.Hostname)
	if peer == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPeer, entry.Hostname)
	}

	body, err := base64.StdEncoding.DecodeString(entry.RequestBody)
	if err != nil {
		return nil, fmt.Errorf("decode stored request body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, rp.timeout)
	defer cancel()

	w := newBufferResponder()
	out := rp.dispatcher.Do(ctx, peer, &DispatchRequest{
		Hostname: entry.Hostname,
		Method:   entry.Method,
		URL:      entry.Path,
		Headers:  entry.RequestHeaders,
		Body:     body,
		Mode:     ResponseModeBuffer,
		Timeout:  rp.timeout,
	}, w)
	if out.Err != nil {
		return nil, out.Err
	}
	return &ReplaySummary{
		Method:     entry.Method,
		Path:       entry.Path,
		StatusCode: out.StatusCode,
	}, nil
}

// bufferResponder is an in-memory http.ResponseWriter backing replayed
// dispatches, which have no downstream client.
type bufferResponder struct {
	header http.Header
	status int
	body   []byte
}

func newBufferResponder() *bufferResponder {
	return &bufferResponder{header: make(http.Header)}
}

func (b *bufferResponder) Header() http.Header { return b.header }

func (b *bufferResponder) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferResponder) Write(p []byte) (int, error) {
	b.WriteHeader(http.StatusOK)
	b.body = append(b.body, p...)
	return len(p), nil
}
