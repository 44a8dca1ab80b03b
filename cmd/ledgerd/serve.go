package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpapi "github.com/fyrsmithlabs/ledgerd/internal/http"
)

// withApp opens the services for one command and closes them afterwards.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		project string
		poll    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and poll for work",
		Long: `Serve the HTTP API and, unless --poll=false, drive claimable tasks until
interrupted.

Examples:
  # Serve and poll every project
  ledgerd serve

  # Poll one project only
  ledgerd serve --project web

  # API only
  ledgerd serve --poll=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return serve(ctx, a, project, poll)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "only claim tasks of this project")
	cmd.Flags().BoolVar(&poll, "poll", true, "drive claimable tasks in the background")
	return cmd
}

// serve blocks until ctx is cancelled or the HTTP server fails, then shuts
// down within the configured timeout.
func serve(ctx context.Context, a *app, project string, poll bool) error {
	zl := a.log.Underlying()
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	orch.OnProgress(progressLogger(zl))

	srv, err := httpapi.NewServer(httpapi.Deps{
		Orchestrator: orch,
		Store:        a.store,
		Audit:        a.audit,
		Gate:         a.gate,
		Retry:        a.retry,
		Detector:     a.detector,
		Scanner:      a.scanner,
		Telemetry:    a.tel,
	}, zl, &httpapi.Config{
		Host:    a.cfg.Server.Host,
		Port:    a.cfg.Server.Port,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if !poll {
			return
		}
		// Run only returns once ctx is done.
		_ = orch.Run(ctx, project)
	}()

	zl.Info("ledgerd serving",
		zap.String("version", version),
		zap.String("host", a.cfg.Server.Host),
		zap.Int("port", a.cfg.Server.Port),
		zap.Bool("poll", poll),
		zap.String("project", project),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		zl.Error("http server failed", zap.Error(serveErr))
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http shutdown incomplete", zap.Error(err))
	}
	select {
	case <-loopDone:
	case <-shutdownCtx.Done():
		zl.Warn("poll loop did not stop before the shutdown timeout")
	}
	return serveErr
}
