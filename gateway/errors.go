// Copyright 2026 The Tunneld Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import "errors"

// Sentinel errors for the gateway failure taxonomy. Callers match them with
// errors.Is; most are translated to HTTP status codes at the edge.
var (
	// ErrChannelClosed is returned by Peer.Send after the control channel
	// has shut down.
	ErrChannelClosed = errors.New("control channel closed")

	// ErrNoPeer indicates that no peer is currently bound for a hostname.
	ErrNoPeer = errors.New("no peer bound for hostname")

	// ErrPeerGone indicates that the peer disconnected while a dispatch
	// was in flight.
	ErrPeerGone = errors.New("peer disconnected mid-flight")

	// ErrTimeout indicates that a buffered dispatch hit its deadline
	// before the peer produced a response.
	ErrTimeout = errors.New("dispatch deadline exceeded")

	// ErrClientAbort indicates that the public client hung up before the
	// dispatch reached a terminal state.
	ErrClientAbort = errors.New("client closed the connection")

	// ErrNotFound indicates a replay target that does not exist or does
	// not belong to the calling hostname.
	ErrNotFound = errors.New("request log not found")

	// ErrNoCredential indicates that no inspector credential has been
	// provisioned for a hostname.
	ErrNoCredential = errors.New("no credential provisioned for hostname")

	// ErrUnknownFrame is returned by DecodeFrame for an unrecognized type
	// discriminator. The frame is dropped; the connection survives.
	ErrUnknownFrame = errors.New("unknown frame type")
)
