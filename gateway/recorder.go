// Copyright 2026 The Tunneld Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	defaultRecorderQueueSize = 256
	defaultLogRetention      = 14 * 24 * time.Hour
	defaultPruneInterval     = time.Hour
	insertRetryLimit         = 2
)

// A Recorder persists completed exchanges asynchronously. Record enqueues
// onto a bounded queue and never blocks the dispatch path; when the queue is
// full the oldest pending entry is dropped. Store failures are logged and
// otherwise swallowed.
type Recorder struct {
	store LogStore
	log   logrus.FieldLogger

	queue     chan *RequestLog
	retention time.Duration
	pruneTick time.Duration
}

// RecorderOptions tune a Recorder.
type RecorderOptions struct {
	// QueueSize bounds the pending-entry queue.
	QueueSize int
	// Retention is the age past which prune deletes entries.
	Retention time.Duration
	// PruneInterval is how often the prune pass runs.
	PruneInterval time.Duration
}

// NewRecorder returns a Recorder writing to store. Run must be called to
// drain the queue. opts may be nil.
func NewRecorder(store LogStore, log logrus.FieldLogger, opts *RecorderOptions) *Recorder {
	r := &Recorder{
		store:     store,
		log:       log,
		retention: defaultLogRetention,
		pruneTick: defaultPruneInterval,
	}
	size := defaultRecorderQueueSize
	if opts != nil {
		if opts.QueueSize > 0 {
			size = opts.QueueSize
		}
		if opts.Retention > 0 {
			r.retention = opts.Retention
		}
		if opts.PruneInterval > 0 {
			r.pruneTick = opts.PruneInterval
		}
	}
	r.queue = make(chan *RequestLog, size)
	return r
}

// Record implements ExchangeRecorder. It never blocks: on overflow the
// oldest pending entry is dropped with a warning.
func (r *Recorder) Record(entry *RequestLog) {
	for {
		select {
		case r.queue <- entry:
			return
		default:
		}
		select {
		case dropped := <-r.queue:
			r.log.WithField("hostname", dropped.Hostname).Warn("request log queue full, dropping oldest entry")
		default:
		}
	}
}

// Run drains the queue and prunes aged entries until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pruneTick)
	defer ticker.Stop()
	for {
		select {
		case entry := <-r.queue:
			r.insert(ctx, entry)
		case <-ticker.C:
			r.prune(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Recorder) insert(ctx context.Context, entry *RequestLog) {
	op := func() error {
		return r.store.Insert(ctx, entry)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), insertRetryLimit), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		r.log.WithError(err).WithField("hostname", entry.Hostname).Error("dropping request log after failed insert")
	}
}

func (r *Recorder) prune(ctx context.Context) {
	cutoff := time.Now().Add(-r.retention)
	deleted, err := r.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		r.log.WithError(err).Error("request log prune failed")
		return
	}
	if deleted > 0 {
		r.log.WithField("deleted", deleted).Info("pruned aged request logs")
	}
}
