// Package retry keeps the bounded retry bookkeeping for failed task
// executions: attempt counts, history and the exponential delay before a
// task becomes claimable again.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ledgerd/internal/audit"
	"github.com/fyrsmithlabs/ledgerd/internal/config"
	"github.com/fyrsmithlabs/ledgerd/internal/logging"
	"github.com/fyrsmithlabs/ledgerd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/ledgerd/internal/retry"

// Config bounds retries.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// ConfigFrom maps the application configuration.
func ConfigFrom(c config.RetryConfig) Config {
	return Config{MaxRetries: c.MaxRetries, BaseDelay: c.BaseDelay, MaxDelay: c.MaxDelay}
}

// DefaultConfig is three retries starting at 30s, capped at 5m.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: 30 * time.Second, MaxDelay: 300 * time.Second}
}

// Status is the retry view of one task.
type Status struct {
	TaskID       string             `json:"task_id"`
	RetryCount   int                `json:"retry_count"`
	MaxRetries   int                `json:"max_retries"`
	CanRetry     bool               `json:"can_retry"`
	RetryHistory []store.RetryEntry `json:"retry_history"`
	NextRetryAt  *time.Time         `json:"next_retry_at,omitempty"`
	Status       store.TaskStatus   `json:"status"`
}

// Manager records retries against the task table.
type Manager struct {
	cfg    Config
	store  *store.Store
	audit  *audit.Log
	logger *zap.Logger
	now    func() time.Time

	scheduled metric.Int64Counter
}

// NewManager returns a manager. log may be nil to skip audit entries.
func NewManager(cfg Config, st *store.Store, log *audit.Log, logger *zap.Logger) (*Manager, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{cfg: cfg, store: st, audit: log, logger: logger, now: time.Now}
	var err error
	m.scheduled, err = otel.Meter(instrumentationName).Int64Counter(
		"ledgerd.retry.recorded_total",
		metric.WithDescription("Total number of recorded retries, by resulting task status"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		logger.Warn("failed to create retry counter", zap.Error(err))
	}
	return m, nil
}

// MaxRetries returns the configured cap.
func (m *Manager) MaxRetries() int {
	return m.cfg.MaxRetries
}

// Delay returns the wait before retry attempt n (1-based):
// min(MaxDelay, BaseDelay*2^(n-1)). It is zero for n <= 0.
func (m *Manager) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = m.cfg.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// ShouldRetry reports whether the task has retries left. An unknown task
// cannot be retried.
func (m *Manager) ShouldRetry(ctx context.Context, taskID string) (bool, error) {
	t, err := m.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.RetryCount < m.cfg.MaxRetries, nil
}

// RecordRetry consumes one retry. At the cap it marks the task
// permanently_failed and returns false. Otherwise it appends to the
// history and schedules the task: queued with next_retry_at set, or
// permanently_failed when this was the last allowed attempt.
func (m *Manager) RecordRetry(ctx context.Context, taskID, reason string) (bool, error) {
	t, err := m.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if t.RetryCount >= m.cfg.MaxRetries {
		st := store.TaskPermanentlyFailed
		if err := m.store.UpdateTask(ctx, taskID, store.TaskUpdate{Status: &st, LastError: &reason}); err != nil {
			return false, err
		}
		m.count(ctx, st)
		logging.For(ctx, m.logger).Warn("retry cap reached",
			zap.String("task.id", taskID), zap.Int("retry_count", t.RetryCount))
		return false, nil
	}

	now := m.now().UTC()
	attempt := t.RetryCount + 1
	next := now.Add(m.Delay(attempt))
	status := store.TaskQueued
	if attempt >= m.cfg.MaxRetries {
		status = store.TaskPermanentlyFailed
	}

	history := append(t.RetryHistory, store.RetryEntry{Attempt: attempt, Timestamp: now, Reason: reason})
	if err := m.store.SetRetryState(ctx, taskID, store.RetryState{
		Count:       attempt,
		History:     history,
		NextRetryAt: &next,
		Status:      status,
		LastError:   reason,
	}); err != nil {
		return false, err
	}

	m.count(ctx, status)
	if m.audit != nil {
		if _, err := m.audit.Record(ctx, audit.Entry{
			Action:    audit.RetryScheduled,
			TaskID:    taskID,
			ProjectID: t.ProjectID,
			Details: map[string]any{
				"attempt":       attempt,
				"reason":        reason,
				"next_retry_at": next.Format(time.RFC3339),
				"status":        string(status),
			},
		}); err != nil {
			return false, err
		}
	}
	logging.For(ctx, m.logger).Info("retry recorded",
		zap.String("task.id", taskID),
		zap.Int("attempt", attempt),
		zap.Time("next_retry_at", next),
		zap.String("status", string(status)),
	)
	return true, nil
}

func (m *Manager) count(ctx context.Context, status store.TaskStatus) {
	if m.scheduled != nil {
		m.scheduled.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}

// ResetRetries clears the count, history and next_retry_at, leaving the
// status unchanged.
func (m *Manager) ResetRetries(ctx context.Context, taskID string) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return m.store.SetRetryState(ctx, taskID, store.RetryState{Status: t.Status})
}

// Status returns the retry view of a task.
func (m *Manager) Status(ctx context.Context, taskID string) (*Status, error) {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	history := t.RetryHistory
	if history == nil {
		history = []store.RetryEntry{}
	}
	return &Status{
		TaskID:       t.ID,
		RetryCount:   t.RetryCount,
		MaxRetries:   m.cfg.MaxRetries,
		CanRetry:     t.RetryCount < m.cfg.MaxRetries,
		RetryHistory: history,
		NextRetryAt:  t.NextRetryAt,
		Status:       t.Status,
	}, nil
}

// ReadyForRetry lists queued tasks whose retry delay has passed.
func (m *Manager) ReadyForRetry(ctx context.Context) ([]*store.Task, error) {
	return m.store.ReadyForRetry(ctx, m.now())
}
