// Copyright 2026 The Tunneld Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// defaultBufferTimeout bounds how long a buffered dispatch waits for
	// the peer's response. Streamed dispatches carry no total deadline;
	// they end on client close, the final chunk, or peer loss.
	defaultBufferTimeout = 10 * time.Minute

	// frameQueueSize bounds the per-dispatch inbound frame queue. A peer
	// that outruns the client by this much has its excess frames dropped.
	frameQueueSize = 32
)

// An ExchangeRecorder receives completed exchanges for persistence.
type ExchangeRecorder interface {
	Record(entry *RequestLog)
}

// A DispatchRequest describes one exchange to push through a peer.
type DispatchRequest struct {
	Hostname string
	Method   string
	URL      string // path plus query
	Headers  HeaderMap
	Body     []byte
	Mode     ResponseMode
	Timeout  time.Duration // buffered-mode deadline; 0 means the dispatcher default
}

// A DispatchOutcome reports how a dispatch terminated. StatusCode, Headers
// and Body reflect what the peer delivered; they are zero when the peer
// never produced a response (Err then carries the failure).
type DispatchOutcome struct {
	RequestID  string
	StatusCode int
	Headers    HeaderMap
	Body       []byte // buffered body; nil for streamed responses
	Streamed   bool
	Err        error
}

// DispatcherOptions tune a Dispatcher.
type DispatcherOptions struct {
	// BufferTimeout overrides the default buffered-dispatch deadline.
	BufferTimeout time.Duration
}

// A Dispatcher runs the per-request state machine: it issues a forwarded
// request on the peer's control channel, correlates response frames by
// request id, and drives the public HTTP reply in buffered or streamed mode.
type Dispatcher struct {
	recorder      ExchangeRecorder // may be nil
	log           logrus.FieldLogger
	bufferTimeout time.Duration
}

// NewDispatcher returns a Dispatcher recording completed exchanges to
// recorder (which may be nil). opts may be nil.
func NewDispatcher(recorder ExchangeRecorder, log logrus.FieldLogger, opts *DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		recorder:      recorder,
		log:           log,
		bufferTimeout: defaultBufferTimeout,
	}
	if opts != nil && opts.BufferTimeout > 0 {
		d.bufferTimeout = opts.BufferTimeout
	}
	return d
}

// ResponseModeFor selects the response mode for an inbound request: stream
// iff the Accept header asks for text/event-stream.
func ResponseModeFor(r *http.Request) ResponseMode {
	for _, accept := range r.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(accept), "text/event-stream") {
			return ResponseModeStream
		}
	}
	return ResponseModeBuffer
}

// Do forwards dreq through peer and writes the reply to w. It returns once
// the dispatch reaches a terminal state. Client cancellation is observed
// through ctx.
func (d *Dispatcher) Do(ctx context.Context, peer *Peer, dreq *DispatchRequest, w http.ResponseWriter) *DispatchOutcome {
	out := &DispatchOutcome{
		RequestID: randText(),
		Streamed:  dreq.Mode == ResponseModeStream,
	}
	log := d.log.WithFields(logrus.Fields{
		"hostname":  dreq.Hostname,
		"requestId": out.RequestID,
	})

	frames := make(chan Frame, frameQueueSize)
	unsubscribe := peer.Subscribe(func(f Frame) {
		if f.RequestID() != out.RequestID {
			return
		}
		select {
		case frames <- f:
		default:
			log.Warn("dispatch frame queue full, dropping frame")
		}
	})
	defer unsubscribe()

	forwarded := &ForwardedRequest{
		ID:           out.RequestID,
		URL:          dreq.URL,
		Method:       dreq.Method,
		Headers:      dreq.Headers,
		Body:         base64.StdEncoding.EncodeToString(dreq.Body),
		ResponseMode: dreq.Mode,
	}
	if err := peer.Send(ctx, forwarded); err != nil {
		http.Error(w, "tunnel transport rejected the request", http.StatusBadGateway)
		out.Err = fmt.Errorf("send forwarded request: %w", err)
		return out
	}

	var timerC <-chan time.Time
	if dreq.Mode == ResponseModeBuffer {
		timeout := dreq.Timeout
		if timeout <= 0 {
			timeout = d.bufferTimeout
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	flusher, _ := w.(http.Flusher)
	headersSent := false

	finish := func(err error) *DispatchOutcome {
		out.Err = err
		d.record(dreq, out)
		return out
	}

	for {
		select {
		case f := <-frames:
			switch fr := f.(type) {
			case *ForwardedResponse:
				if dreq.Mode != ResponseModeBuffer {
					log.Warn("dropping buffered response on a streamed dispatch")
					continue
				}
				body, err := base64.StdEncoding.DecodeString(fr.Body)
				if err != nil {
					log.WithError(err).Warn("undecodable response body")
					http.Error(w, "tunnel returned an undecodable response", http.StatusBadGateway)
					return finish(fmt.Errorf("decode response body: %w", err))
				}
				headers := sanitizeResponseHeaders(fr.Headers)
				headers["Content-Length"] = []string{strconv.Itoa(len(body))}
				headers["X-Forwarded-For"] = []string{peer.RemoteIP()}
				writeHeaders(w, headers)
				w.WriteHeader(fr.StatusCode)
				w.Write(body)
				out.StatusCode = fr.StatusCode
				out.Headers = headers
				out.Body = body
				return finish(nil)

			case *StreamStart:
				if dreq.Mode != ResponseModeStream {
					log.Warn("dropping stream start on a buffered dispatch")
					continue
				}
				if headersSent {
					log.Warn("dropping duplicate stream start")
					continue
				}
				headers := sanitizeResponseHeaders(fr.Headers)
				headers["X-Forwarded-For"] = []string{peer.RemoteIP()}
				writeHeaders(w, headers)
				w.WriteHeader(fr.StatusCode)
				if flusher != nil {
					flusher.Flush()
				}
				headersSent = true
				out.StatusCode = fr.StatusCode
				out.Headers = headers

			case *StreamChunk:
				if !headersSent {
					log.Warn("dropping stream chunk before stream start")
					continue
				}
				chunk, err := base64.StdEncoding.DecodeString(fr.Body)
				if err != nil {
					log.WithError(err).Warn("undecodable stream chunk, ending stream")
					return finish(fmt.Errorf("decode stream chunk: %w", err))
				}
				if len(chunk) > 0 {
					w.Write(chunk)
					if flusher != nil {
						flusher.Flush()
					}
				}
				if fr.Final {
					return finish(nil)
				}

			default:
				// Cancel frames travel gateway to peer only.
			}

		case <-ctx.Done():
			if dreq.Mode == ResponseModeStream {
				if err := peer.Send(context.Background(), &CancelRequest{ID: out.RequestID}); err != nil {
					log.WithError(err).Debug("cancel frame not delivered")
				}
			}
			return finish(ErrClientAbort)

		case <-timerC:
			if !headersSent {
				http.Error(w, "timed out waiting for tunnel response", http.StatusGatewayTimeout)
			}
			return finish(ErrTimeout)

		case <-peer.Done():
			if !headersSent {
				http.Error(w, "tunnel disconnected", http.StatusBadGateway)
			}
			return finish(ErrPeerGone)
		}
	}
}

// record hands a completed exchange to the recorder. Only dispatches that
// delivered peer data to the client are persisted; gateway-synthesized
// errors are not.
func (d *Dispatcher) record(dreq *DispatchRequest, out *DispatchOutcome) {
	if d.recorder == nil || out.StatusCode == 0 {
		return
	}
	responseBody := base64.StdEncoding.EncodeToString(out.Body)
	if out.Streamed {
		responseBody = StreamedBodySentinel
	}
	d.recorder.Record(&RequestLog{
		Hostname:        dreq.Hostname,
		Path:            dreq.URL,
		Method:          dreq.Method,
		RequestHeaders:  dreq.Headers,
		RequestBody:     base64.StdEncoding.EncodeToString(dreq.Body),
		ResponseStatus:  out.StatusCode,
		ResponseHeaders: out.Headers,
		ResponseBody:    responseBody,
		CreatedAt:       time.Now(),
	})
}

// sanitizeResponseHeaders strips hop-by-hop headers from a peer response and
// re-cases the rest to canonical form. Content length is recomputed by the
// caller for buffered responses and omitted for streamed ones.
func sanitizeResponseHeaders(h HeaderMap) HeaderMap {
	out := make(HeaderMap, len(h))
	for k, vs := range h {
		canon := http.CanonicalHeaderKey(k)
		if canon == "Transfer-Encoding" || canon == "Content-Length" {
			continue
		}
		out[canon] = append([]string(nil), vs...)
	}
	return out
}

// CanonicalHeaders converts an http.Header into a HeaderMap with canonical
// name casing.
func CanonicalHeaders(h http.Header) HeaderMap {
	out := make(HeaderMap, len(h))
	for k, vs := range h {
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	return out
}

func writeHeaders(w http.ResponseWriter, h HeaderMap) {
	for k, vs := range h {
		w.Header()[http.CanonicalHeaderKey(k)] = vs
	}
}
