package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ledgerd/internal/audit"
	"github.com/fyrsmithlabs/ledgerd/internal/checkpoint"
	"github.com/fyrsmithlabs/ledgerd/internal/collaborator"
	"github.com/fyrsmithlabs/ledgerd/internal/compliance"
	"github.com/fyrsmithlabs/ledgerd/internal/config"
	"github.com/fyrsmithlabs/ledgerd/internal/events"
	"github.com/fyrsmithlabs/ledgerd/internal/logging"
	"github.com/fyrsmithlabs/ledgerd/internal/orchestrator"
	"github.com/fyrsmithlabs/ledgerd/internal/pentagon"
	"github.com/fyrsmithlabs/ledgerd/internal/retry"
	"github.com/fyrsmithlabs/ledgerd/internal/rollback"
	"github.com/fyrsmithlabs/ledgerd/internal/store"
	"github.com/fyrsmithlabs/ledgerd/internal/telemetry"
	"github.com/fyrsmithlabs/ledgerd/internal/uncertainty"
	"github.com/fyrsmithlabs/ledgerd/pkg/secrets"
)

// app holds the initialized services for one command invocation.
type app struct {
	cfg *config.Config
	log *logging.Logger
	tel *telemetry.Telemetry

	store     *store.Store
	ledger    checkpoint.Service
	audit     *audit.Log
	detector  *uncertainty.Detector
	scanner   *secrets.Scanner
	gate      *compliance.Gate
	validator *pentagon.Validator
	retry     *retry.Manager
	notifier  events.Notifier
	rollback  *rollback.Engine

	closers []func()
}

// openApp loads configuration and initializes every service. The schema is
// migrated on open, so every command works against a fresh database.
//
// Initialization order:
//  1. Configuration (file + environment)
//  2. Telemetry, then the logger bridged onto it
//  3. Store and schema
//  4. Ledger, audit log, detector, scanner, gate, validator, retry manager
//  5. Notifier and rollback engine
func openApp(ctx context.Context, opts *rootOptions) (a *app, err error) {
	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.tel, err = telemetry.New(ctx, telemetry.ConfigFrom(cfg.Observability, version))
	if err != nil {
		return a, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.ConfigFrom(cfg.Observability)
	if err != nil {
		return a, err
	}
	// Logs go to stderr; stdout carries the command's JSON.
	logCfg.Output.Stdout = false
	logCfg.Output.Stderr = true
	a.log, err = logging.NewLogger(logCfg, a.tel.LoggerProvider())
	if err != nil {
		return a, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zl := a.log.Underlying()

	if cfg.Store.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
			return a, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	a.store, err = store.Open(ctx, cfg.Store, zl)
	if err != nil {
		return a, err
	}
	if err := a.store.Migrate(ctx); err != nil {
		return a, err
	}

	if a.ledger, err = checkpoint.NewService(a.store, zl); err != nil {
		return a, err
	}
	if a.audit, err = audit.NewLog(a.store, zl); err != nil {
		return a, err
	}

	var classifier uncertainty.SemanticClassifier
	if cfg.Classifier.Enabled {
		c, err := uncertainty.NewOpenAIClassifier(cfg.Classifier)
		if err != nil {
			return a, fmt.Errorf("failed to initialize classifier: %w", err)
		}
		classifier = c
	}
	a.detector = uncertainty.NewDetector(uncertainty.ConfigFrom(cfg.Uncertainty), a.store, classifier, zl)

	if cfg.Compliance.SecretScan {
		if err := a.openScanner(ctx, zl); err != nil {
			return a, err
		}
	}
	if a.gate, err = compliance.NewGate(compliance.ConfigFrom(cfg.Compliance), a.store, a.audit, a.scanner, zl); err != nil {
		return a, err
	}
	if a.validator, err = pentagon.NewValidator(pentagon.ConfigFrom(cfg.Pentagon, cfg.Orchestrator), a.store, a.audit, zl); err != nil {
		return a, err
	}
	if a.retry, err = retry.NewManager(retry.ConfigFrom(cfg.Retry), a.store, a.audit, zl); err != nil {
		return a, err
	}

	notifier, closeEvents, err := events.Open(cfg.Events, zl)
	if err != nil {
		return a, err
	}
	a.notifier = notifier
	a.closers = append(a.closers, closeEvents)

	if a.rollback, err = rollback.NewEngine(a.ledger, a.store, a.audit, a.notifier, zl); err != nil {
		return a, err
	}
	return a, nil
}

// openScanner builds the secret scanner from the configured allowlist and,
// when asked, reloads it whenever the allowlist changes.
func (a *app) openScanner(ctx context.Context, zl *zap.Logger) error {
	path := a.cfg.Compliance.AllowlistPath
	allow, err := secrets.LoadAllowlist(path)
	if err != nil {
		return fmt.Errorf("failed to load allowlist: %w", err)
	}
	if a.scanner, err = secrets.NewScanner(allow); err != nil {
		return err
	}
	if !a.cfg.Compliance.WatchAllowlist || path == "" {
		return nil
	}
	w, err := secrets.NewWatcher(a.scanner, zl, path)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return err
	}
	a.closers = append(a.closers, w.Stop)
	return nil
}

// orchestrator wires the pipeline with the configured collaborators.
func (a *app) orchestrator() (*orchestrator.Orchestrator, error) {
	zl := a.log.Underlying()
	set, err := collaborator.FromConfig(a.cfg.Collaborators, zl)
	if err != nil {
		return nil, fmt.Errorf("collaborators: %w", err)
	}
	return orchestrator.New(orchestrator.ConfigFrom(a.cfg.Orchestrator), orchestrator.Deps{
		Store:     a.store,
		Ledger:    a.ledger,
		Audit:     a.audit,
		Detector:  a.detector,
		Gate:      a.gate,
		Validator: a.validator,
		Retry:     a.retry,
		Rollback:  a.rollback,
		Notifier:  a.notifier,
		Drafter:   set.Drafter,
		Verifier:  set.Verifier,
		Executor:  set.Executor,
		Logger:    zl,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.tel.Shutdown(ctx)
	}
	if a.log != nil {
		_ = a.log.Sync() // Best-effort sync on shutdown
	}
}
