package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ledgerd/internal/logging"
	"github.com/fyrsmithlabs/ledgerd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/ledgerd/internal/checkpoint"

// Service is the checkpoint ledger.
type Service interface {
	// Create opens a checkpoint and assigns the next global sequence.
	Create(ctx context.Context, req CreateRequest) (*Checkpoint, error)

	// Complete closes a created checkpoint successfully.
	Complete(ctx context.Context, id int64, req CompleteRequest) (*Checkpoint, error)

	// Fail closes a created checkpoint with structured error detail.
	Fail(ctx context.Context, id int64, details map[string]any) (*Checkpoint, error)

	// Get returns a checkpoint by id.
	Get(ctx context.Context, id int64) (*Checkpoint, error)

	// Latest returns the most recent checkpoint of a project, optionally
	// narrowed to a task.
	Latest(ctx context.Context, projectID, taskID string) (*Checkpoint, error)

	// LatestComplete returns the task's most recent complete checkpoint.
	LatestComplete(ctx context.Context, taskID string) (*Checkpoint, error)

	// Chain returns checkpoints with sequence between the two ids, inclusive,
	// in ascending order. toID of zero means up to the latest.
	Chain(ctx context.Context, fromID, toID int64) ([]*Checkpoint, error)

	// ListForTask returns a task's checkpoints in ascending sequence order.
	ListForTask(ctx context.Context, taskID string) ([]*Checkpoint, error)

	// RollbackWindow returns the complete checkpoints after targetID that a
	// rollback to targetID must undo, newest first.
	RollbackWindow(ctx context.Context, targetID int64) (*Checkpoint, []*Checkpoint, error)

	MarkRollingBack(ctx context.Context, id int64) error
	MarkRolledBack(ctx context.Context, id int64) error
	MarkRollbackFailed(ctx context.Context, id int64, details map[string]any) error

	// Failed lists recent failed checkpoints, optionally for one project.
	Failed(ctx context.Context, projectID string, limit int) ([]*Checkpoint, error)

	VerifyCheckpoint(ctx context.Context, id int64) (*CheckpointReport, error)
	VerifyChain(ctx context.Context, taskID string) (*ChainReport, error)
	VerifyAll(ctx context.Context) (*VerifyAllReport, error)
	Summary(ctx context.Context, taskID string) (*Summary, error)

	// Close stops accepting calls. The store is owned by the caller.
	Close() error
}

// service implements Service on top of the relational store.
type service struct {
	store  *store.Store
	logger *zap.Logger

	// seqMu serializes sequence assignment within the process; the write
	// transaction serializes it across processes.
	seqMu sync.Mutex

	tracer          trace.Tracer
	meter           metric.Meter
	createCounter   metric.Int64Counter
	completeCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewService creates the ledger over st.
func NewService(st *store.Store, logger *zap.Logger) (Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &service{
		store:  st,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.createCounter, err = s.meter.Int64Counter(
		"ledgerd.checkpoint.creates_total",
		metric.WithDescription("Total number of checkpoints opened"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		s.logger.Warn("failed to create checkpoint counter", zap.Error(err))
	}

	s.completeCounter, err = s.meter.Int64Counter(
		"ledgerd.checkpoint.closes_total",
		metric.WithDescription("Total number of checkpoints closed, by status"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		s.logger.Warn("failed to create close counter", zap.Error(err))
	}
}

func (s *service) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func spanFail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

const checkpointColumns = `id, checkpoint_uuid, global_sequence, project_id, task_id, phase, step_name,
	state_snapshot, inputs_hash, outputs_hash, status, error_details, previous_checkpoint_id,
	rollback_data, created_at, completed_at`

// Create opens a checkpoint.
func (s *service) Create(ctx context.Context, req CreateRequest) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("project_id", req.ProjectID),
		attribute.String("task_id", req.TaskID),
		attribute.String("phase", string(req.Phase)),
	)

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if req.ProjectID == "" {
		return nil, errors.New("project id is required")
	}
	if !req.Phase.Valid() {
		return nil, fmt.Errorf("unknown phase %q", req.Phase)
	}

	snapshot := req.StateSnapshot
	if snapshot == nil {
		snapshot = map[string]any{}
	}
	inputsHash := req.InputsHash
	if inputsHash == "" {
		h, err := Hash(snapshot)
		if err != nil {
			spanFail(span, err)
			return nil, err
		}
		inputsHash = h
	}
	snapJSON, err := json.Marshal(snapshot)
	if err != nil {
		spanFail(span, err)
		return nil, fmt.Errorf("failed to encode state snapshot: %w", err)
	}

	cp := &Checkpoint{
		UUID:                 uuid.NewString(),
		ProjectID:            req.ProjectID,
		Phase:                req.Phase,
		StepName:             req.StepName,
		StateSnapshot:        snapshot,
		InputsHash:           inputsHash,
		Status:               StatusCreated,
		PreviousCheckpointID: req.PreviousCheckpointID,
		CreatedAt:            time.Now().UTC(),
	}
	if req.TaskID != "" {
		tid := req.TaskID
		cp.TaskID = &tid
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var maxSeq sql.NullInt64
		q := `SELECT MAX(global_sequence) FROM checkpoints` + s.store.Dialect().ForUpdate()
		if err := tx.QueryRowContext(ctx, q).Scan(&maxSeq); err != nil {
			return fmt.Errorf("read max sequence: %w", err)
		}
		cp.GlobalSequence = maxSeq.Int64 + 1

		prev := req.PreviousCheckpointID
		if prev == nil && cp.TaskID != nil {
			var last sql.NullInt64
			err := tx.QueryRowContext(ctx, `SELECT id FROM checkpoints WHERE task_id = ?
				ORDER BY global_sequence DESC LIMIT 1`, *cp.TaskID).Scan(&last)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("read previous checkpoint: %w", err)
			}
			prev = store.Int64Ptr(last)
		}
		cp.PreviousCheckpointID = prev

		res, err := tx.ExecContext(ctx, `INSERT INTO checkpoints (checkpoint_uuid, global_sequence,
			project_id, task_id, phase, step_name, state_snapshot, inputs_hash, status,
			previous_checkpoint_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.UUID, cp.GlobalSequence, cp.ProjectID, nullTask(cp.TaskID), string(cp.Phase),
			store.NullString(cp.StepName), string(snapJSON), cp.InputsHash, string(cp.Status),
			store.NullInt64(prev), store.FormatTime(cp.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		cp.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		spanFail(span, err)
		return nil, fmt.Errorf("failed to create checkpoint: %w", err)
	}

	if s.createCounter != nil {
		s.createCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", string(cp.Phase))))
	}
	logging.For(logging.WithCheckpointID(ctx, cp.ID), s.logger).Debug("checkpoint created",
		zap.Int64("global_sequence", cp.GlobalSequence),
		zap.String("phase", string(cp.Phase)),
		zap.String("step", cp.StepName),
	)
	span.SetAttributes(attribute.Int64("checkpoint_id", cp.ID), attribute.Int64("global_sequence", cp.GlobalSequence))
	return cp, nil
}

func nullTask(t *string) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *t, Valid: true}
}

// Complete closes a created checkpoint.
func (s *service) Complete(ctx context.Context, id int64, req CompleteRequest) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.complete")
	defer span.End()
	span.SetAttributes(attribute.Int64("checkpoint_id", id))

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	outputsHash := req.OutputsHash
	if outputsHash == "" {
		h, err := Hash(req.Outputs)
		if err != nil {
			spanFail(span, err)
			return nil, err
		}
		outputsHash = h
	}
	var rollback sql.NullString
	if req.RollbackData != nil {
		b, err := json.Marshal(req.RollbackData)
		if err != nil {
			spanFail(span, err)
			return nil, fmt.Errorf("failed to encode rollback data: %w", err)
		}
		rollback = sql.NullString{String: string(b), Valid: true}
	}

	now := store.FormatTime(time.Now())
	if err := s.guardedUpdate(ctx, id, StatusCreated,
		`status = ?, outputs_hash = ?, rollback_data = ?, completed_at = ?`,
		string(StatusComplete), outputsHash, rollback, now); err != nil {
		spanFail(span, err)
		return nil, err
	}
	s.countClose(ctx, StatusComplete)
	return s.Get(ctx, id)
}

// Fail closes a created checkpoint as failed.
func (s *service) Fail(ctx context.Context, id int64, details map[string]any) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.fail")
	defer span.End()
	span.SetAttributes(attribute.Int64("checkpoint_id", id))

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	detail, err := encodeDetails(details)
	if err != nil {
		spanFail(span, err)
		return nil, err
	}
	now := store.FormatTime(time.Now())
	if err := s.guardedUpdate(ctx, id, StatusCreated,
		`status = ?, error_details = ?, completed_at = ?`,
		string(StatusFailed), detail, now); err != nil {
		spanFail(span, err)
		return nil, err
	}
	s.countClose(ctx, StatusFailed)
	logging.For(logging.WithCheckpointID(ctx, id), s.logger).Info("checkpoint failed", zap.Any("details", details))
	return s.Get(ctx, id)
}

func (s *service) countClose(ctx context.Context, st Status) {
	if s.completeCounter != nil {
		s.completeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(st))))
	}
}

func encodeDetails(details map[string]any) (sql.NullString, error) {
	if details == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode error details: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// guardedUpdate applies set only while the checkpoint is in status from.
// args must match the placeholders in set.
func (s *service) guardedUpdate(ctx context.Context, id int64, from Status, set string, args ...any) error {
	args = append(args, id, string(from))
	res, err := s.store.Exec(ctx, `UPDATE checkpoints SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update checkpoint %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("checkpoint %d is %s, want %s: %w", id, cur.Status, from, ErrInvalidTransition)
	}
	return nil
}

// MarkRollingBack moves a complete checkpoint to rolling_back.
func (s *service) MarkRollingBack(ctx context.Context, id int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.guardedUpdate(ctx, id, StatusComplete, `status = ?`, string(StatusRollingBack))
}

// MarkRolledBack finishes a rollback step.
func (s *service) MarkRolledBack(ctx context.Context, id int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.guardedUpdate(ctx, id, StatusRollingBack, `status = ?`, string(StatusRolledBack))
}

// MarkRollbackFailed records a failed rollback step.
func (s *service) MarkRollbackFailed(ctx context.Context, id int64, details map[string]any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	detail, err := encodeDetails(details)
	if err != nil {
		return err
	}
	return s.guardedUpdate(ctx, id, StatusRollingBack,
		`status = ?, error_details = COALESCE(?, error_details)`, string(StatusRollbackFailed), detail)
}

func scanCheckpoint(row interface{ Scan(...any) error }) (*Checkpoint, error) {
	var (
		cp                                  Checkpoint
		phase, status                       string
		taskID, step, snap, inHash, outHash sql.NullString
		errDetails, rollback                sql.NullString
		created, completed                  sql.NullString
		prev                                sql.NullInt64
	)
	if err := row.Scan(&cp.ID, &cp.UUID, &cp.GlobalSequence, &cp.ProjectID, &taskID, &phase, &step,
		&snap, &inHash, &outHash, &status, &errDetails, &prev, &rollback, &created, &completed); err != nil {
		return nil, err
	}
	cp.Phase = Phase(phase)
	cp.Status = Status(status)
	cp.StepName = step.String
	cp.InputsHash = inHash.String
	cp.OutputsHash = outHash.String
	cp.PreviousCheckpointID = store.Int64Ptr(prev)
	if taskID.Valid {
		t := taskID.String
		cp.TaskID = &t
	}
	if snap.Valid && snap.String != "" {
		if err := json.Unmarshal([]byte(snap.String), &cp.StateSnapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot of checkpoint %d: %w", cp.ID, err)
		}
	}
	if errDetails.Valid && errDetails.String != "" {
		if err := json.Unmarshal([]byte(errDetails.String), &cp.ErrorDetails); err != nil {
			return nil, fmt.Errorf("decode error details of checkpoint %d: %w", cp.ID, err)
		}
	}
	if rollback.Valid && rollback.String != "" {
		cp.RollbackData = &RollbackData{}
		if err := json.Unmarshal([]byte(rollback.String), cp.RollbackData); err != nil {
			return nil, fmt.Errorf("decode rollback data of checkpoint %d: %w", cp.ID, err)
		}
	}
	c, err := store.ScanTime(created)
	if err != nil {
		return nil, err
	}
	if c != nil {
		cp.CreatedAt = *c
	}
	if cp.CompletedAt, err = store.ScanTime(completed); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *service) queryOne(ctx context.Context, what, q string, args ...any) (*Checkpoint, error) {
	cp, err := scanCheckpoint(s.store.QueryRow(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", what, err)
	}
	return cp, nil
}

func (s *service) queryMany(ctx context.Context, q string, args ...any) ([]*Checkpoint, error) {
	rows, err := s.store.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Get returns a checkpoint by id.
func (s *service) Get(ctx context.Context, id int64) (*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.queryOne(ctx, fmt.Sprintf("checkpoint %d", id),
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
}

// Latest returns the newest checkpoint of a project or task.
func (s *service) Latest(ctx context.Context, projectID, taskID string) (*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	q := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE project_id = ?`
	args := []any{projectID}
	if taskID != "" {
		q += ` AND task_id = ?`
		args = append(args, taskID)
	}
	q += ` ORDER BY global_sequence DESC LIMIT 1`
	return s.queryOne(ctx, "latest checkpoint", q, args...)
}

// LatestComplete returns the task's newest complete checkpoint.
func (s *service) LatestComplete(ctx context.Context, taskID string) (*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.queryOne(ctx, "latest complete checkpoint",
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE task_id = ? AND status = ?
		ORDER BY global_sequence DESC LIMIT 1`, taskID, string(StatusComplete))
}

// Chain returns the inclusive sequence range between two checkpoints.
func (s *service) Chain(ctx context.Context, fromID, toID int64) ([]*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	from, err := s.Get(ctx, fromID)
	if err != nil {
		return nil, err
	}
	q := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE global_sequence >= ?`
	args := []any{from.GlobalSequence}
	if toID != 0 {
		to, err := s.Get(ctx, toID)
		if err != nil {
			return nil, err
		}
		q += ` AND global_sequence <= ?`
		args = append(args, to.GlobalSequence)
	}
	q += ` ORDER BY global_sequence ASC`
	return s.queryMany(ctx, q, args...)
}

// ListForTask returns a task's checkpoints in ledger order.
func (s *service) ListForTask(ctx context.Context, taskID string) ([]*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.queryMany(ctx, `SELECT `+checkpointColumns+` FROM checkpoints
		WHERE task_id = ? ORDER BY global_sequence ASC`, taskID)
}

// RollbackWindow returns the target and the complete checkpoints after it in
// the same project whose task is the target's task or null, newest first.
// A project-level target (null task) only reaches project-level checkpoints.
func (s *service) RollbackWindow(ctx context.Context, targetID int64) (*Checkpoint, []*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.rollback_window")
	defer span.End()

	target, err := s.Get(ctx, targetID)
	if err != nil {
		spanFail(span, err)
		return nil, nil, err
	}
	q := `SELECT ` + checkpointColumns + ` FROM checkpoints
		WHERE global_sequence > ? AND project_id = ? AND status = ?`
	args := []any{target.GlobalSequence, target.ProjectID, string(StatusComplete)}
	if target.TaskID != nil {
		q += ` AND (task_id = ? OR task_id IS NULL)`
		args = append(args, *target.TaskID)
	} else {
		q += ` AND task_id IS NULL`
	}
	q += ` ORDER BY global_sequence DESC`

	window, err := s.queryMany(ctx, q, args...)
	if err != nil {
		spanFail(span, err)
		return nil, nil, err
	}
	span.SetAttributes(attribute.Int("window_size", len(window)))
	return target, window, nil
}

// Failed lists recent failed checkpoints.
func (s *service) Failed(ctx context.Context, projectID string, limit int) ([]*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	q := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE status = ?`
	args := []any{string(StatusFailed)}
	if projectID != "" {
		q += ` AND project_id = ?`
		args = append(args, projectID)
	}
	q += fmt.Sprintf(` ORDER BY global_sequence DESC LIMIT %d`, limit)
	return s.queryMany(ctx, q, args...)
}

// Close stops the service.
func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
