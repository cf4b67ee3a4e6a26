// Copyright 2026 The Tunneld Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command tunneld runs the reverse-tunneling HTTP gateway.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tunneld/tunneld/gateway"
	"github.com/tunneld/tunneld/store/postgres"
)

type options struct {
	listen        string
	controlPath   string
	inspectorPath string
	databaseURL   string
	logLevel      string
}

func main() {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "tunneld",
		Short: "Reverse-tunneling HTTP gateway",
		Long: `tunneld accepts public HTTP requests on behalf of privately hosted
services and forwards them over a persistent control channel to the tunnel
client that registered the hostname.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.listen, "listen", ":8080", "address to serve public, control and inspector traffic on")
	flags.StringVar(&opts.controlPath, "control-path", "/_tunnel", "path peers connect their control channel to")
	flags.StringVar(&opts.inspectorPath, "inspector-path", "/_inspect", "path the request-log inspector is served on")
	flags.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL URL for request logs and credentials; empty keeps everything in memory")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	log := logrus.New()
	level, err := logrus.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	var (
		logs  gateway.LogStore
		creds gateway.CredentialStore
	)
	if opts.databaseURL != "" {
		store, err := postgres.Open(opts.databaseURL)
		if err != nil {
			return err
		}
		defer store.Close()
		logs, creds = store, store
	} else {
		log.Warn("no database configured, request logs and credentials are in-memory only")
		logs, creds = gateway.NewMemoryLogStore(), gateway.NewMemoryCredentialStore()
	}

	registry := gateway.NewRegistry()
	recorder := gateway.NewRecorder(logs, log, nil)
	dispatcher := gateway.NewDispatcher(recorder, log, nil)
	replayer := gateway.NewReplayer(registry, dispatcher, logs)
	inspector := gateway.NewInspector(creds, logs, replayer, nil, log)
	control := gateway.NewControlHandler(registry, log)
	public := gateway.NewPublicHandler(registry, dispatcher, log)

	mux := http.NewServeMux()
	mux.Handle(opts.controlPath, control)
	mux.Handle(opts.inspectorPath, inspector)
	mux.Handle(strings.TrimSuffix(opts.inspectorPath, "/")+"/", inspector)
	mux.Handle("/", public)

	srv := &http.Server{
		Addr:    opts.listen,
		Handler: mux,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return recorder.Run(ctx)
	})
	g.Go(func() error {
		log.WithField("addr", opts.listen).Info("gateway listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
