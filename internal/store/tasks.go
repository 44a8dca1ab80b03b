package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	TaskPending           TaskStatus = "pending"
	TaskQueued            TaskStatus = "queued"
	TaskRunning           TaskStatus = "running"
	TaskComplete          TaskStatus = "complete"
	TaskFailed            TaskStatus = "failed"
	TaskHalted            TaskStatus = "halted"
	TaskPermanentlyFailed TaskStatus = "permanently_failed"
	TaskHeld              TaskStatus = "held"
)

// Terminal reports whether no further phase work happens without an
// operator action.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskComplete, TaskPermanentlyFailed:
		return true
	}
	return false
}

// RetryEntry is one element of a task's retry history.
type RetryEntry struct {
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// Task is a unit of work driven through the pipeline. Tasks are never deleted.
type Task struct {
	ID           string       `json:"id"`
	ProjectID    string       `json:"project_id"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	TaskType     string       `json:"task_type,omitempty"`
	Status       TaskStatus   `json:"status"`
	Priority     int          `json:"priority"`
	CurrentPhase string       `json:"current_phase,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty"`
	RetryCount   int          `json:"retry_count"`
	RetryHistory []RetryEntry `json:"retry_history,omitempty"`
	NextRetryAt  *time.Time   `json:"next_retry_at,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

const taskColumns = `id, project_id, title, description, task_type, status, priority, current_phase,
	dependencies, retry_count, retry_history, next_retry_at, last_error, created_at, updated_at,
	started_at, completed_at`

const claimableStatuses = `('pending','queued')`

// CreateTask inserts a task. ID, status, priority and timestamps are filled
// when zero.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Priority == 0 {
		t.Priority = 100
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	deps, err := json.Marshal(nonNil(t.Dependencies))
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}
	history, err := json.Marshal(nonNilHistory(t.RetryHistory))
	if err != nil {
		return fmt.Errorf("failed to encode retry history: %w", err)
	}

	_, err = s.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, NullString(t.TaskType), string(t.Status), t.Priority,
		NullString(t.CurrentPhase), string(deps), t.RetryCount, string(history), NullTime(t.NextRetryAt),
		NullString(t.LastError), FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt),
		NullTime(t.StartedAt), NullTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilHistory(h []RetryEntry) []RetryEntry {
	if h == nil {
		return []RetryEntry{}
	}
	return h
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                                               Task
		status                                          string
		description, taskType, phase, deps, hist, lastE sql.NullString
		nextRetry, created, updated, started, completed sql.NullString
	)
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &description, &taskType, &status, &t.Priority,
		&phase, &deps, &t.RetryCount, &hist, &nextRetry, &lastE, &created, &updated, &started, &completed); err != nil {
		return nil, err
	}
	t.Description = description.String
	t.TaskType = taskType.String
	t.Status = TaskStatus(status)
	t.CurrentPhase = phase.String
	t.LastError = lastE.String

	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies of task %s: %w", t.ID, err)
		}
	}
	if hist.Valid && hist.String != "" {
		if err := json.Unmarshal([]byte(hist.String), &t.RetryHistory); err != nil {
			return nil, fmt.Errorf("decode retry history of task %s: %w", t.ID, err)
		}
	}

	var err error
	if t.NextRetryAt, err = ScanTime(nextRetry); err != nil {
		return nil, err
	}
	if t.StartedAt, err = ScanTime(started); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = ScanTime(completed); err != nil {
		return nil, err
	}
	if c, err := ScanTime(created); err != nil {
		return nil, err
	} else if c != nil {
		t.CreatedAt = *c
	}
	if u, err := ScanTime(updated); err != nil {
		return nil, err
	} else if u != nil {
		t.UpdatedAt = *u
	}
	return &t, nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	ProjectID string
	Statuses  []TaskStatus
	Limit     int
}

// ListTasks returns tasks ordered by priority then creation time.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	var (
		where []string
		args  []any
	)
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}

	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY priority ASC, created_at ASC, id ASC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTaskIDs returns every task id, oldest first.
func (s *Store) ListTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := s.Query(ctx, `SELECT id FROM tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list task ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// claimBatch bounds how many candidates ClaimNext tries per call.
const claimBatch = 8

// ClaimNext atomically claims the highest-priority claimable task, optionally
// restricted to projectID. Tasks whose next_retry_at lies in the future are
// skipped. It returns ErrNoTasks when nothing is claimable.
func (s *Store) ClaimNext(ctx context.Context, projectID string) (*Task, error) {
	now := FormatTime(time.Now())
	q := `SELECT id FROM tasks WHERE status IN ` + claimableStatuses + `
		AND (next_retry_at IS NULL OR next_retry_at <= ?)`
	args := []any{now}
	if projectID != "" {
		q += ` AND project_id = ?`
		args = append(args, projectID)
	}
	q += fmt.Sprintf(` ORDER BY priority ASC, created_at ASC, id ASC LIMIT %d`, claimBatch)

	rows, err := s.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable tasks: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range candidates {
		t, err := s.ClaimTask(ctx, id)
		if errors.Is(err, ErrAlreadyClaimed) {
			continue
		}
		return t, err
	}
	return nil, ErrNoTasks
}

// ClaimTask moves one task from pending/queued to running with a single
// conditional update. ErrAlreadyClaimed means it was not claimable.
func (s *Store) ClaimTask(ctx context.Context, id string) (*Task, error) {
	now := FormatTime(time.Now())
	res, err := s.Exec(ctx, `UPDATE tasks
		SET status = 'running', started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status IN `+claimableStatuses, now, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to claim task %s: %w", id, err)
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("task %s: %w", id, ErrAlreadyClaimed)
	}
	return s.GetTask(ctx, id)
}

// TransitionTask moves a task to status `to` only if it is currently in one
// of `from`. It returns ErrInvalidStatus otherwise.
func (s *Store) TransitionTask(ctx context.Context, id string, from []TaskStatus, to TaskStatus) error {
	ph := make([]string, len(from))
	args := []any{string(to), FormatTime(time.Now()), id}
	for i, st := range from {
		ph[i] = "?"
		args = append(args, string(st))
	}
	res, err := s.Exec(ctx, `UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to transition task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("task %s to %s: %w", id, to, ErrInvalidStatus)
	}
	return nil
}

// TaskUpdate holds optional column changes for UpdateTask. Nil fields are
// left unchanged.
type TaskUpdate struct {
	Status       *TaskStatus
	CurrentPhase *string
	LastError    *string
	Completed    bool
}

// UpdateTask applies u in a single primary-key update.
func (s *Store) UpdateTask(ctx context.Context, id string, u TaskUpdate) error {
	now := FormatTime(time.Now())
	sets := []string{"updated_at = ?"}
	args := []any{now}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.CurrentPhase != nil {
		sets = append(sets, "current_phase = ?")
		args = append(args, NullString(*u.CurrentPhase))
	}
	if u.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, NullString(*u.LastError))
	}
	if u.Completed {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	args = append(args, id)

	res, err := s.Exec(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// RetryState is the retry bookkeeping written by SetRetryState.
type RetryState struct {
	Count       int
	History     []RetryEntry
	NextRetryAt *time.Time
	Status      TaskStatus
	LastError   string
}

// SetRetryState overwrites the retry columns and status of a task.
func (s *Store) SetRetryState(ctx context.Context, id string, rs RetryState) error {
	history, err := json.Marshal(nonNilHistory(rs.History))
	if err != nil {
		return fmt.Errorf("failed to encode retry history: %w", err)
	}
	res, err := s.Exec(ctx, `UPDATE tasks
		SET retry_count = ?, retry_history = ?, next_retry_at = ?, status = ?,
			last_error = COALESCE(?, last_error), updated_at = ?
		WHERE id = ?`,
		rs.Count, string(history), NullTime(rs.NextRetryAt), string(rs.Status),
		NullString(rs.LastError), FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update retry state of task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReadyForRetry lists queued tasks with at least one retry whose
// next_retry_at has passed, soonest first.
func (s *Store) ReadyForRetry(ctx context.Context, now time.Time) ([]*Task, error) {
	rows, err := s.Query(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = 'queued' AND retry_count > 0 AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at ASC`, FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list retry-ready tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
