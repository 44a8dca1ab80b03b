package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ledgerd/internal/audit"
	"github.com/fyrsmithlabs/ledgerd/internal/checkpoint"
	"github.com/fyrsmithlabs/ledgerd/internal/events"
	"github.com/fyrsmithlabs/ledgerd/internal/logging"
	"github.com/fyrsmithlabs/ledgerd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/ledgerd/internal/rollback"

// Engine rolls the ledger back to a target checkpoint.
type Engine struct {
	ledger   checkpoint.Service
	store    *store.Store
	audit    *audit.Log
	notifier events.Notifier
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	now      func() time.Time
}

// NewEngine returns an engine. audit and notifier may be nil.
func NewEngine(ledger checkpoint.Service, st *store.Store, log *audit.Log, notifier events.Notifier, logger *zap.Logger) (*Engine, error) {
	if ledger == nil {
		return nil, errors.New("checkpoint service is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = events.NewLogNotifier(logger)
	}
	return &Engine{
		ledger:   ledger,
		store:    st,
		audit:    log,
		notifier: notifier,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		metrics:  NewMetrics(),
		now:      time.Now,
	}, nil
}

// RollbackToCheckpoint undoes every complete checkpoint after targetID in
// the target's project and task, newest first. The walk is refused up
// front (blocked) when any step in the window has no rollback data, and
// stops at the first undo error or state mismatch (failed).
//
// Once started the rollback ignores caller cancellation.
func (e *Engine) RollbackToCheckpoint(ctx context.Context, targetID int64) *Result {
	ctx = context.WithoutCancel(ctx)
	ctx, span := e.tracer.Start(ctx, "rollback.to_checkpoint",
		trace.WithAttributes(attribute.Int64("checkpoint.target_id", targetID)))
	defer span.End()

	res, target := e.run(ctx, targetID)

	span.SetAttributes(
		attribute.String("rollback.status", string(res.Status)),
		attribute.Int("rollback.steps_executed", res.StepsExecuted),
	)
	if !res.OK() {
		span.SetStatus(codes.Error, res.Err().Error())
	}
	e.metrics.RollbacksTotal.WithLabelValues(string(res.Status)).Inc()
	e.finish(ctx, targetID, target, res)
	return res
}

func (e *Engine) run(ctx context.Context, targetID int64) (*Result, *checkpoint.Checkpoint) {
	target, window, err := e.ledger.RollbackWindow(ctx, targetID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return failure(StatusFailed, 0, ReasonTargetNotFound,
			fmt.Sprintf("Target checkpoint %d not found", targetID), nil), nil
	}
	if err != nil {
		return failure(StatusFailed, 0, ReasonChainRetrieval, err.Error(), nil), nil
	}

	ctx = logging.WithProjectID(ctx, target.ProjectID)
	if target.TaskID != nil {
		ctx = logging.WithTaskID(ctx, *target.TaskID)
	}
	e.record(ctx, audit.RollbackStarted, target, map[string]any{
		"target_checkpoint_id": targetID,
		"window_size":          len(window),
	})

	if len(window) == 0 {
		return &Result{Status: StatusSuccess, RolledBackTo: &targetID}, target
	}

	for _, cp := range window {
		if !cp.Reversible() {
			id := cp.ID
			return failure(StatusBlocked, 0, ReasonNoRollbackData,
				fmt.Sprintf("Checkpoint %d has no rollback data - step may be irreversible", cp.ID), &id), target
		}
	}

	logger := logging.For(ctx, e.logger)
	var (
		executed      int
		verifications []Verification
	)
	for _, cp := range window {
		id := cp.ID
		cpCtx := logging.WithCheckpointID(ctx, id)

		if err := e.ledger.MarkRollingBack(cpCtx, id); err != nil {
			res := failure(StatusFailed, executed, ReasonException, err.Error(), &id)
			res.VerificationResults = verifications
			return res, target
		}

		if err := e.undo(cpCtx, cp.RollbackData); err != nil {
			e.metrics.StepsTotal.WithLabelValues(string(cp.RollbackData.Kind), "failed").Inc()
			if mErr := e.ledger.MarkRollbackFailed(cpCtx, id, map[string]any{
				"error":          err.Error(),
				"operation_type": string(cp.RollbackData.Kind),
			}); mErr != nil {
				logger.Warn("failed to mark rollback failure", zap.Int64("checkpoint.id", id), zap.Error(mErr))
			}
			res := failure(StatusFailed, executed, ReasonExecutionFailed, err.Error(), &id)
			res.VerificationResults = verifications
			return res, target
		}
		e.metrics.StepsTotal.WithLabelValues(string(cp.RollbackData.Kind), "rolled_back").Inc()

		if err := e.ledger.MarkRolledBack(cpCtx, id); err != nil {
			res := failure(StatusFailed, executed, ReasonException, err.Error(), &id)
			res.VerificationResults = verifications
			return res, target
		}
		executed++

		verr := verifyState(cp)
		verifications = append(verifications, Verification{
			CheckpointID: id,
			Verified:     verr == nil,
			Timestamp:    e.now().UTC(),
		})
		if verr != nil {
			logger.Error("state verification failed after undo",
				zap.Int64("checkpoint.id", id), zap.Error(verr))
			res := failure(StatusFailed, executed, ReasonVerificationFailed,
				fmt.Sprintf("State verification failed after rolling back checkpoint %d", id), &id)
			res.VerificationResults = verifications
			return res, target
		}
		logger.Debug("checkpoint rolled back", zap.Int64("checkpoint.id", id))
	}

	return &Result{
		Status:              StatusSuccess,
		RolledBackTo:        &targetID,
		StepsExecuted:       executed,
		VerificationResults: verifications,
	}, target
}

// finish audits the outcome and raises a notification when the rollback
// did not reach its target: a page for failures, an escalation when
// blocked.
func (e *Engine) finish(ctx context.Context, targetID int64, target *checkpoint.Checkpoint, res *Result) {
	logger := logging.For(ctx, e.logger)
	details := map[string]any{
		"target_checkpoint_id": targetID,
		"status":               string(res.Status),
		"steps_executed":       res.StepsExecuted,
		"steps_failed":         res.StepsFailed,
	}
	if res.ErrorDetails != nil {
		details["reason"] = res.ErrorDetails.Reason
		details["message"] = res.ErrorDetails.Message
		if res.ErrorDetails.CheckpointID != nil {
			details["checkpoint_id"] = *res.ErrorDetails.CheckpointID
		}
	}

	if res.OK() {
		e.record(ctx, audit.RollbackCompleted, target, details)
		logger.Info("rollback completed",
			zap.Int64("checkpoint.target_id", targetID), zap.Int("steps_executed", res.StepsExecuted))
		return
	}

	e.record(ctx, audit.RollbackFailed, target, details)
	logger.Error("rollback did not complete",
		zap.Int64("checkpoint.target_id", targetID),
		zap.String("status", string(res.Status)),
		zap.Error(res.Err()),
	)

	n := events.Notification{
		Kind:      events.KindPage,
		Reason:    res.Err().Error(),
		Details:   details,
		Timestamp: e.now().UTC(),
	}
	if res.Status == StatusBlocked {
		n.Kind = events.KindEscalation
	}
	if target != nil {
		n.ProjectID = target.ProjectID
		n.TaskID = target.Task()
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		logger.Warn("failed to deliver rollback notification", zap.Error(err))
	}
}

func (e *Engine) record(ctx context.Context, action audit.Action, target *checkpoint.Checkpoint, details map[string]any) {
	if e.audit == nil {
		return
	}
	entry := audit.Entry{Action: action, Details: details}
	if target != nil {
		entry.ProjectID = target.ProjectID
		entry.TaskID = target.Task()
	}
	if _, err := e.audit.Record(ctx, entry); err != nil {
		logging.For(ctx, e.logger).Warn("failed to audit rollback", zap.String("action", string(action)), zap.Error(err))
	}
}
