// Copyright 2026 The Tunneld Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryBindLookupUnbind(t *testing.T) {
	reg := NewRegistry()
	peer, _ := newTestPeer(t, "a.example")

	if evicted := reg.Bind("a.example", peer); evicted != nil {
		t.Errorf("evicted = %v, want nil", evicted)
	}
	if got := reg.Lookup("a.example"); got != peer {
		t.Errorf("lookup = %v, want bound peer", got)
	}
	if got := reg.Lookup("b.example"); got != nil {
		t.Errorf("lookup unbound = %v, want nil", got)
	}

	reg.Unbind("a.example", peer)
	if got := reg.Lookup("a.example"); got != nil {
		t.Errorf("lookup after unbind = %v, want nil", got)
	}
}

func TestRegistryBindEvictsPrior(t *testing.T) {
	reg := NewRegistry()
	first, _ := newTestPeer(t, "a.example")
	second, _ := newTestPeer(t, "a.example")

	reg.Bind("a.example", first)
	evicted := reg.Bind("a.example", second)
	if evicted != first {
		t.Fatalf("evicted = %v, want first peer", evicted)
	}

	// The evicted peer is closed: its channel is shut and in-flight sends
	// fail.
	select {
	case <-first.Done():
	default:
		t.Error("evicted peer not closed")
	}
	if err := first.Send(context.Background(), &CancelRequest{ID: "x"}); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("send on evicted peer = %v, want ErrChannelClosed", err)
	}
	if got := reg.Lookup("a.example"); got != second {
		t.Errorf("lookup = %v, want second peer", got)
	}
}

func TestRegistryUnbindGuardsAgainstRebind(t *testing.T) {
	reg := NewRegistry()
	first, _ := newTestPeer(t, "a.example")
	second, _ := newTestPeer(t, "a.example")

	reg.Bind("a.example", first)
	reg.Bind("a.example", second)

	// The stale peer's deferred unbind must not remove the new binding.
	reg.Unbind("a.example", first)
	if got := reg.Lookup("a.example"); got != second {
		t.Errorf("lookup = %v, want second peer", got)
	}
}

func TestNormalizeHostname(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "a.example", want: "a.example"},
		{in: "A.EXAMPLE", want: "a.example"},
		{in: "a.example:8080", want: "a.example"},
		{in: "A.Example.Com:443", want: "a.example.com"},
		{in: "[::1]:8080", want: "::1"},
		{in: "127.0.0.1:9000", want: "127.0.0.1"},
		{in: "", wantErr: true},
		{in: "   ", wantErr: true},
		{in: "bad host name", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeHostname(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizeHostname(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeHostname(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeHostname(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
