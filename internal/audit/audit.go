// Package audit records the append-only action log and the trail of
// irreversible actions that passed pre-flight validation.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ledgerd/internal/logging"
	"github.com/fyrsmithlabs/ledgerd/internal/store"
)

// Action names an audited event.
type Action string

const (
	TaskClaimed       Action = "TASK_CLAIMED"
	PhaseStarted      Action = "PHASE_STARTED"
	PhaseCompleted    Action = "PHASE_COMPLETED"
	TaskHalted        Action = "TASK_HALTED"
	ComplianceStarted Action = "COMPLIANCE_STARTED"
	ComplianceCleared Action = "COMPLIANCE_CLEARED"
	ComplianceBlocked Action = "COMPLIANCE_BLOCKED"
	HaltTriggered     Action = "HALT_TRIGGERED"
	HoldReleased      Action = "HOLD_RELEASED"
	RollbackStarted   Action = "ROLLBACK_STARTED"
	RollbackCompleted Action = "ROLLBACK_COMPLETED"
	RollbackFailed    Action = "ROLLBACK_FAILED"
	RetryScheduled    Action = "RETRY_SCHEDULED"
)

// Entry is one audit_log row.
type Entry struct {
	ID            int64          `json:"id"`
	Action        Action         `json:"action"`
	TaskID        string         `json:"task_id,omitempty"`
	ProjectID     string         `json:"project_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// TrailEntry is one audit_trail row, written for an irreversible action
// that cleared validation.
type TrailEntry struct {
	ID         int64          `json:"id"`
	ProjectID  string         `json:"project_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	ActionType string         `json:"action_type"`
	StepName   string         `json:"step_name,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Log writes and reads both audit tables.
type Log struct {
	store  *store.Store
	logger *zap.Logger
}

// NewLog returns a Log over st.
func NewLog(st *store.Store, logger *zap.Logger) (*Log, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{store: st, logger: logger}, nil
}

// Record appends an action. The correlation id defaults to the run id on
// ctx, or a fresh UUID.
func (l *Log) Record(ctx context.Context, e Entry) (*Entry, error) {
	if e.Action == "" {
		return nil, errors.New("audit action is required")
	}
	if e.CorrelationID == "" {
		e.CorrelationID = logging.RunIDFromContext(ctx)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	details, err := encode(e.Details)
	if err != nil {
		return nil, err
	}

	res, err := l.store.Exec(ctx, `INSERT INTO audit_log (action, task_id, project_id, correlation_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(e.Action), store.NullString(e.TaskID), store.NullString(e.ProjectID), e.CorrelationID,
		details, store.FormatTime(e.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to record audit action %s: %w", e.Action, err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read audit id: %w", err)
	}

	logging.For(ctx, l.logger).Info("audit",
		zap.String("action", string(e.Action)),
		zap.String("correlation_id", e.CorrelationID),
	)
	return &e, nil
}

// ForTask returns a task's audit entries, oldest first.
func (l *Log) ForTask(ctx context.Context, taskID string) ([]*Entry, error) {
	rows, err := l.store.Query(ctx, `SELECT id, action, task_id, project_id, correlation_id, details, created_at
		FROM audit_log WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e                                 Entry
			action                            string
			task, project, corr, det, created sql.NullString
		)
		if err := rows.Scan(&e.ID, &action, &task, &project, &corr, &det, &created); err != nil {
			return nil, err
		}
		e.Action = Action(action)
		e.TaskID, e.ProjectID, e.CorrelationID = task.String, project.String, corr.String
		if e.Details, err = decode(det.String); err != nil {
			return nil, err
		}
		if ts, err := store.ScanTime(created); err == nil && ts != nil {
			e.CreatedAt = *ts
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Counts returns the number of entries per action since the given time.
func (l *Log) Counts(ctx context.Context, since time.Time) (map[Action]int, error) {
	rows, err := l.store.Query(ctx, `SELECT action, COUNT(*) FROM audit_log WHERE created_at >= ? GROUP BY action`,
		store.FormatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to count audit actions: %w", err)
	}
	defer rows.Close()

	out := map[Action]int{}
	for rows.Next() {
		var (
			action string
			n      int
		)
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		out[Action(action)] = n
	}
	return out, rows.Err()
}

// AppendTrail writes an audit_trail row and returns its id.
func (l *Log) AppendTrail(ctx context.Context, e TrailEntry) (int64, error) {
	if e.ActionType == "" {
		return 0, errors.New("trail action type is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	data, err := encode(e.Data)
	if err != nil {
		return 0, err
	}
	res, err := l.store.Exec(ctx, `INSERT INTO audit_trail (project_id, task_id, action_type, step_name, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		store.NullString(e.ProjectID), store.NullString(e.TaskID), e.ActionType, store.NullString(e.StepName),
		data, store.FormatTime(e.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to append audit trail: %w", err)
	}
	return res.LastInsertId()
}

// Trail returns a task's audit trail, oldest first.
func (l *Log) Trail(ctx context.Context, taskID string) ([]*TrailEntry, error) {
	rows, err := l.store.Query(ctx, `SELECT id, project_id, task_id, action_type, step_name, data, created_at
		FROM audit_trail WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	defer rows.Close()

	var out []*TrailEntry
	for rows.Next() {
		var (
			e                                  TrailEntry
			project, task, step, data, created sql.NullString
		)
		if err := rows.Scan(&e.ID, &project, &task, &e.ActionType, &step, &data, &created); err != nil {
			return nil, err
		}
		e.ProjectID, e.TaskID, e.StepName = project.String, task.String, step.String
		if e.Data, err = decode(data.String); err != nil {
			return nil, err
		}
		if ts, err := store.ScanTime(created); err == nil && ts != nil {
			e.CreatedAt = *ts
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func encode(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode audit details: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decode(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to decode audit details: %w", err)
	}
	return m, nil
}
