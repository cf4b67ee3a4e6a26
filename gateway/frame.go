// Copyright 2026 The Tunneld Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"fmt"
	"net/http"

	"github.com/segmentio/encoding/json"
)

// Control-channel frames are JSON text messages with a "type" discriminator.
// Request and response bodies are base64-encoded so they survive the text
// transport.

const (
	frameTypeForwardedRequest  = "forwardedRequest"
	frameTypeForwardedResponse = "forwardedResponse"
	frameTypeStreamStart       = "forwardedResponseStreamStart"
	frameTypeStreamChunk       = "forwardedResponseStreamChunk"
	frameTypeCancelRequest     = "cancelForwardedRequest"
)

// ResponseMode selects how a peer delivers its reply.
type ResponseMode string

const (
	// ResponseModeBuffer delivers the whole reply in one ForwardedResponse.
	ResponseModeBuffer ResponseMode = "buffer"
	// ResponseModeStream delivers the reply as a StreamStart followed by
	// one or more StreamChunks.
	ResponseModeStream ResponseMode = "stream"
)

// A HeaderMap is a header-name to values mapping with a tolerant wire form:
// a key may carry a bare string or a string list. Single values marshal as
// bare strings.
type HeaderMap map[string][]string

// MarshalJSON implements json.Marshaler.
func (h HeaderMap) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(h))
	for k, vs := range h {
		if len(vs) == 1 {
			obj[k] = vs[0]
		} else {
			obj[k] = vs
		}
	}
	return json.Marshal(obj)
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *HeaderMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m := make(HeaderMap, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			m[k] = []string{s}
			continue
		}
		var list []string
		if err := json.Unmarshal(v, &list); err != nil {
			return fmt.Errorf("header %q: value must be a string or string list", k)
		}
		m[k] = list
	}
	*h = m
	return nil
}

// Get returns the first value for key, matching case-insensitively by
// canonical header name.
func (h HeaderMap) Get(key string) string {
	canon := http.CanonicalHeaderKey(key)
	for k, vs := range h {
		if http.CanonicalHeaderKey(k) == canon && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// A Frame is one control-channel message. Concrete frame types are
// ForwardedRequest, ForwardedResponse, StreamStart, StreamChunk and
// CancelRequest.
type Frame interface {
	// RequestID correlates the frame with a dispatch.
	RequestID() string
}

// ForwardedRequest asks the peer to perform an HTTP exchange on the
// gateway's behalf.
type ForwardedRequest struct {
	Type         string       `json:"type"`
	ID           string       `json:"requestId"`
	URL          string       `json:"url"`
	Method       string       `json:"method"`
	Headers      HeaderMap    `json:"headers,omitempty"`
	Body         string       `json:"body,omitempty"` // base64
	ResponseMode ResponseMode `json:"responseMode"`
}

// ForwardedResponse is the peer's buffered reply to a ForwardedRequest.
type ForwardedResponse struct {
	Type       string    `json:"type"`
	ID         string    `json:"requestId"`
	StatusCode int       `json:"statusCode"`
	Headers    HeaderMap `json:"headers,omitempty"`
	Body       string    `json:"body,omitempty"` // base64
}

// StreamStart opens a streamed reply: status and headers, no body yet.
type StreamStart struct {
	Type       string    `json:"type"`
	ID         string    `json:"requestId"`
	StatusCode int       `json:"statusCode"`
	Headers    HeaderMap `json:"headers,omitempty"`
}

// StreamChunk carries one piece of a streamed reply. Final marks the last
// chunk of the stream.
type StreamChunk struct {
	Type  string `json:"type"`
	ID    string `json:"requestId"`
	Body  string `json:"body,omitempty"` // base64
	Final bool   `json:"isFinal,omitempty"`
}

// CancelRequest aborts an in-flight forwarded request on the peer side.
type CancelRequest struct {
	Type string `json:"type"`
	ID   string `json:"requestId"`
}

func (f *ForwardedRequest) RequestID() string  { return f.ID }
func (f *ForwardedResponse) RequestID() string { return f.ID }
func (f *StreamStart) RequestID() string       { return f.ID }
func (f *StreamChunk) RequestID() string       { return f.ID }
func (f *CancelRequest) RequestID() string     { return f.ID }

// EncodeFrame renders f as a single JSON text message, stamping the type
// discriminator.
func EncodeFrame(f Frame) ([]byte, error) {
	switch fr := f.(type) {
	case *ForwardedRequest:
		fr.Type = frameTypeForwardedRequest
	case *ForwardedResponse:
		fr.Type = frameTypeForwardedResponse
	case *StreamStart:
		fr.Type = frameTypeStreamStart
	case *StreamChunk:
		fr.Type = frameTypeStreamChunk
	case *CancelRequest:
		fr.Type = frameTypeCancelRequest
	default:
		return nil, fmt.Errorf("encode frame: unsupported type %T", f)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// DecodeFrame parses a single control-channel message. An unrecognized type
// discriminator yields ErrUnknownFrame; the caller drops the frame and the
// connection survives. A frame without a requestId is likewise rejected.
func DecodeFrame(data []byte) (Frame, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var f Frame
	switch probe.Type {
	case frameTypeForwardedRequest:
		f = new(ForwardedRequest)
	case frameTypeForwardedResponse:
		f = new(ForwardedResponse)
	case frameTypeStreamStart:
		f = new(StreamStart)
	case frameTypeStreamChunk:
		f = new(StreamChunk)
	case frameTypeCancelRequest:
		f = new(CancelRequest)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, probe.Type)
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", probe.Type, err)
	}
	if f.RequestID() == "" {
		return nil, fmt.Errorf("decode %s frame: missing requestId", probe.Type)
	}
	return f, nil
}
