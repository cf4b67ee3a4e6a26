// Copyright 2026 The Tunneld Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultLogsLimit = 50
	maxLogsLimit     = 200

	// Failed auth attempts per hostname refill at authFailureRate with a
	// burst of authFailureBurst; past that the inspector answers 429.
	authFailureRate  = rate.Limit(1)
	authFailureBurst = 10
)

// A LogsView is what the inspector renders after auth: the recent exchanges
// for one hostname plus an optional flash message from the last action.
type LogsView struct {
	Hostname string
	Flash    string
	Logs     []*RequestLog
}

// A Renderer draws the inspector view. The HTML dashboard lives outside
// this package; TextRenderer is the built-in fallback.
type Renderer interface {
	RenderLogs(w http.ResponseWriter, view *LogsView) error
}

// TextRenderer renders the inspector view as plain text.
type TextRenderer struct{}

// RenderLogs implements Renderer.
func (TextRenderer) RenderLogs(w http.ResponseWriter, view *LogsView) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if view.Flash != "" {
		fmt.Fprintf(w, "%s\n\n", view.Flash)
	}
	fmt.Fprintf(w, "request logs for %s (%d)\n", view.Hostname, len(view.Logs))
	for _, entry := range view.Logs {
		fmt.Fprintf(w, "%d\t%s\t%s %s\t%d\n",
			entry.ID, entry.CreatedAt.Format("2006-01-02 15:04:05"), entry.Method, entry.Path, entry.ResponseStatus)
	}
	return nil
}

// Inspector serves the per-hostname exchange log: list, prune and replay,
// gated by the hostname's provisioned password.
type Inspector struct {
	creds    CredentialStore
	logs     LogStore
	replayer *Replayer
	renderer Renderer
	log      logrus.FieldLogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewInspector returns the inspector endpoint. renderer may be nil, in
// which case TextRenderer is used.
func NewInspector(creds CredentialStore, logs LogStore, replayer *Replayer, renderer Renderer, log logrus.FieldLogger) *Inspector {
	if renderer == nil {
		renderer = TextRenderer{}
	}
	return &Inspector{
		creds:    creds,
		logs:     logs,
		replayer: replayer,
		renderer: renderer,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
}

// ServeHTTP implements http.Handler.
func (i *Inspector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPost:
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
		return
	}

	hostname, err := NormalizeHostname(r.Host)
	if err != nil {
		http.Error(w, "missing or invalid Host header", http.StatusBadRequest)
		return
	}

	password, err := i.creds.Get(r.Context(), hostname)
	if errors.Is(err, ErrNoCredential) {
		http.Error(w, fmt.Sprintf("no inspector credential provisioned for %s", hostname), http.StatusNotFound)
		return
	}
	if err != nil {
		i.log.WithError(err).WithField("hostname", hostname).Error("credential lookup failed")
		http.Error(w, "credential lookup failed", http.StatusInternalServerError)
		return
	}

	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "malformed form body", http.StatusBadRequest)
			return
		}
	}

	token := i.presentedToken(r)
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(password)) != 1 {
		if !i.failureLimiter(hostname).Allow() {
			http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var flash string
	if r.Method == http.MethodPost {
		flash = i.dispatchAction(r, hostname)
	}

	limit := defaultLogsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLogsLimit {
		limit = maxLogsLimit
	}

	entries, err := i.logs.FindRecentByHostname(r.Context(), hostname, limit)
	if err != nil {
		i.log.WithError(err).WithField("hostname", hostname).Error("request log listing failed")
		http.Error(w, "request log listing failed", http.StatusInternalServerError)
		return
	}

	view := &LogsView{Hostname: hostname, Flash: flash, Logs: entries}
	if err := i.renderer.RenderLogs(w, view); err != nil {
		i.log.WithError(err).WithField("hostname", hostname).Error("render failed")
	}
}

// presentedToken extracts the credential the caller presented, in
// precedence order: POST form field, query parameter, Bearer token, Basic
// password segment.
func (i *Inspector) presentedToken(r *http.Request) string {
	if r.Method == http.MethodPost {
		if token := r.PostForm.Get("token"); token != "" {
			return token
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	if rest, ok := strings.CutPrefix(auth, "Basic "); ok {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
		if err != nil {
			return ""
		}
		if _, password, ok := strings.Cut(string(decoded), ":"); ok {
			return password
		}
	}
	return ""
}

func (i *Inspector) failureLimiter(hostname string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()
	limiter, ok := i.limiters[hostname]
	if !ok {
		limiter = rate.NewLimiter(authFailureRate, authFailureBurst)
		i.limiters[hostname] = limiter
	}
	return limiter
}

// dispatchAction runs a POSTed inspector action and returns the flash
// message for the following view.
func (i *Inspector) dispatchAction(r *http.Request, hostname string) string {
	switch action := r.PostForm.Get("action"); action {
	case "prune":
		deleted, err := i.logs.DeleteByHostname(r.Context(), hostname)
		if err != nil {
			i.log.WithError(err).WithField("hostname", hostname).Error("prune failed")
			return "Prune failed"
		}
		return fmt.Sprintf("Deleted %d request logs", deleted)

	case "replay":
		logID, err := strconv.ParseInt(r.PostForm.Get("logId"), 10, 64)
		if err != nil {
			return "Replay needs a numeric logId"
		}
		summary, err := i.replayer.Replay(r.Context(), logID, hostname)
		switch {
		case errors.Is(err, ErrNotFound):
			return fmt.Sprintf("No request log with id %d", logID)
		case errors.Is(err, ErrNoPeer):
			return fmt.Sprintf("No tunnel connected for %s", hostname)
		case err != nil:
			i.log.WithError(err).WithField("hostname", hostname).Warn("replay failed")
			return "Replay failed"
		}
		return fmt.Sprintf("Replayed %s %s (status %d)", summary.Method, summary.Path, summary.StatusCode)

	default:
		return fmt.Sprintf("Unknown action %q", action)
	}
}
