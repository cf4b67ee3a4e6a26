// Copyright 2026 The Tunneld Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const testPeerIP = "203.0.113.7"

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newTestPeer establishes a real websocket pair: the returned Peer is the
// gateway side with its read loop running, the returned conn plays the
// tunnel client.
func newTestPeer(t *testing.T, hostname string) (*Peer, *websocket.Conn) {
	t.Helper()

	peerCh := make(chan *Peer, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{Subprotocols: []string{"tunneld"}}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		peer := NewPeer(hostname, conn, testPeerIP, testLogger())
		peerCh <- peer
		peer.Run()
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	dialer := websocket.Dialer{Subprotocols: []string{"tunneld"}}
	client, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	peer := <-peerCh
	t.Cleanup(func() { peer.Close() })
	return peer, client
}

func writeFrame(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	data, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

// captureRecorder is a synchronous ExchangeRecorder for tests.
type captureRecorder struct {
	mu      sync.Mutex
	entries []*RequestLog
}

func (c *captureRecorder) Record(entry *RequestLog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *captureRecorder) all() []*RequestLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*RequestLog(nil), c.entries...)
}

// syncResponder is a goroutine-safe ResponseWriter for dispatches driven
// from a second goroutine.
type syncResponder struct {
	mu     sync.Mutex
	header http.Header
	status int
	body   []byte
}

func newSyncResponder() *syncResponder {
	return &syncResponder{header: make(http.Header)}
}

func (s *syncResponder) Header() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

func (s *syncResponder) WriteHeader(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == 0 {
		s.status = status
	}
}

func (s *syncResponder) Write(p []byte) (int, error) {
	s.WriteHeader(http.StatusOK)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = append(s.body, p...)
	return len(p), nil
}

func (s *syncResponder) Flush() {}

func (s *syncResponder) snapshot() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, string(s.body)
}
