// Copyright 2026 The Tunneld Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// A FrameHandler receives inbound frames from a peer's read loop. Handlers
// run on the read-loop goroutine and must not block; they are responsible
// for filtering by request id.
type FrameHandler func(Frame)

type subscription struct {
	id int64
	fn FrameHandler
}

// A Peer is one connected tunnel client: a duplex message channel bound to a
// hostname. Writes are serialized on the underlying transport; inbound
// frames fan out to every subscriber in arrival order. Closure is observable
// through Done.
type Peer struct {
	hostname  string
	remoteIP  string
	createdAt time.Time
	conn      *websocket.Conn
	log       logrus.FieldLogger

	writeMu sync.Mutex // serializes writes to conn

	mu        sync.Mutex
	subs      []subscription
	nextSubID int64

	done      chan struct{}
	closeOnce sync.Once
}

// NewPeer wraps an established websocket connection. The caller is expected
// to call Run to drive the read loop.
func NewPeer(hostname string, conn *websocket.Conn, remoteIP string, log logrus.FieldLogger) *Peer {
	return &Peer{
		hostname:  hostname,
		remoteIP:  remoteIP,
		createdAt: time.Now(),
		conn:      conn,
		log:       log.WithField("hostname", hostname),
		done:      make(chan struct{}),
	}
}

// Hostname returns the hostname the peer registered under.
func (p *Peer) Hostname() string { return p.hostname }

// RemoteIP returns the observed remote address of the peer.
func (p *Peer) RemoteIP() string { return p.remoteIP }

// CreatedAt returns the peer's creation time.
func (p *Peer) CreatedAt() time.Time { return p.createdAt }

// Done is closed when the control channel shuts down. It is the closed
// notification delivered to subscribers.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Send encodes f and writes it as one text message. It fails with
// ErrChannelClosed once the channel is shut. Send may be called from any
// number of goroutines.
func (p *Peer) Send(ctx context.Context, f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}

	select {
	case <-p.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		p.conn.SetWriteDeadline(deadline)
		defer p.conn.SetWriteDeadline(time.Time{})
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("control channel write: %w", err)
	}
	return nil
}

// Subscribe registers h for every subsequent inbound frame and returns a
// function that removes the registration.
func (p *Peer) Subscribe(h FrameHandler) (cancel func()) {
	p.mu.Lock()
	p.nextSubID++
	id := p.nextSubID
	p.subs = append(p.subs, subscription{id: id, fn: h})
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, sub := range p.subs {
			if sub.id == id {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				return
			}
		}
	}
}

// SubscriberCount reports the number of registered frame handlers.
func (p *Peer) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close shuts the control channel. Subsequent Sends fail with
// ErrChannelClosed and Done is closed. Close is idempotent.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
	})
	return err
}

// Run drives the read loop until the connection fails or is closed. Each
// text message is decoded and fanned out to subscribers; a malformed or
// unknown frame is dropped with a warning and never terminates the channel.
func (p *Peer) Run() {
	defer p.Close()
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			p.log.WithField("messageType", messageType).Warn("dropping non-text control message")
			continue
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			p.log.WithError(err).Warn("dropping malformed control frame")
			continue
		}

		p.mu.Lock()
		handlers := make([]FrameHandler, len(p.subs))
		for i, sub := range p.subs {
			handlers[i] = sub.fn
		}
		p.mu.Unlock()

		for _, h := range handlers {
			h(frame)
		}
	}
}
