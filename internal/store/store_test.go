package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ledgerd/internal/config"
	"github.com/fyrsmithlabs/ledgerd/internal/logging"
)

func TestStore_Migrate_Idempotent(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))
	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)
}

func TestStore_TracesStatements(t *testing.T) {
	tl := logging.NewTestLogger()
	ctx := context.Background()
	s, err := Open(ctx, config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "trace.db")}, tl.Underlying())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Exec(ctx, `CREATE TABLE t (id INTEGER)`)
	require.NoError(t, err)
	rows, err := s.Query(ctx, `SELECT id FROM t WHERE id = ?`, 1)
	require.NoError(t, err)
	require.NoError(t, rows.Close())

	tl.AssertField(t, "sql exec", "sql", `CREATE TABLE t (id INTEGER)`)
	tl.AssertField(t, "sql query", "args", 1)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "postgres"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store driver")
}

func TestOpen_MySQLBadDSN(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "mysql", DSN: "not a dsn"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mysql dsn")
}

func TestStore_CreateAndGetTask(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, &Project{ID: "p1", Name: "demo", WorkDir: "/tmp/demo", BudgetLimit: 50}))

	task := &Task{ProjectID: "p1", Title: "add endpoint", Dependencies: []string{"t0"}}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, got.Status)
	assert.Equal(t, []string{"t0"}, got.Dependencies)
	assert.Equal(t, 100, got.Priority)
	assert.Nil(t, got.StartedAt)
	assert.WithinDuration(t, task.CreatedAt, got.CreatedAt, time.Millisecond)

	p, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/demo", p.WorkDir)

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ClaimTask_ExactlyOneWinner(t *testing.T) {
	s := NewTestStore(t)
	task := SeedTask(t, s, "p1", "contended")
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		lost    atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ClaimTask(ctx, task.ID)
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, ErrAlreadyClaimed):
				lost.Add(1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(7), lost.Load())

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestStore_ClaimNext_OrderAndRetryGate(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, &Project{ID: "p1", Name: "p1"}))

	base := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	mk := func(id string, prio int, offset time.Duration, next *time.Time, status TaskStatus) {
		require.NoError(t, s.CreateTask(ctx, &Task{
			ID: id, ProjectID: "p1", Title: id, Priority: prio, Status: status,
			CreatedAt: base.Add(offset), NextRetryAt: next,
		}))
	}
	mk("low", 200, 0, nil, TaskPending)
	mk("high-late", 10, 2*time.Minute, nil, TaskQueued)
	mk("high-early", 10, time.Minute, nil, TaskPending)
	mk("backing-off", 1, 0, &future, TaskQueued)
	mk("done", 1, 0, nil, TaskComplete)

	var order []string
	for {
		task, err := s.ClaimNext(ctx, "p1")
		if errors.Is(err, ErrNoTasks) {
			break
		}
		require.NoError(t, err)
		order = append(order, task.ID)
	}
	assert.Equal(t, []string{"high-early", "high-late", "low"}, order)
}

func TestStore_ClaimNext_ProjectScope(t *testing.T) {
	s := NewTestStore(t)
	SeedTask(t, s, "p1", "a")
	other := SeedTask(t, s, "p2", "b")

	task, err := s.ClaimNext(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, other.ID, task.ID)

	_, err = s.ClaimNext(context.Background(), "p2")
	assert.ErrorIs(t, err, ErrNoTasks)
}

func TestStore_TransitionTask(t *testing.T) {
	s := NewTestStore(t)
	task := SeedTask(t, s, "p1", "hold me")
	ctx := context.Background()

	err := s.TransitionTask(ctx, task.ID, []TaskStatus{TaskHeld}, TaskQueued)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	require.NoError(t, s.TransitionTask(ctx, task.ID, []TaskStatus{TaskPending}, TaskHeld))
	require.NoError(t, s.TransitionTask(ctx, task.ID, []TaskStatus{TaskHeld}, TaskQueued))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskQueued, got.Status)

	assert.ErrorIs(t, s.TransitionTask(ctx, "nope", []TaskStatus{TaskHeld}, TaskQueued), ErrNotFound)
}

func TestStore_UpdateTask(t *testing.T) {
	s := NewTestStore(t)
	task := SeedTask(t, s, "p1", "update")
	ctx := context.Background()

	status, phase, msg := TaskComplete, "confirmation", "none"
	require.NoError(t, s.UpdateTask(ctx, task.ID, TaskUpdate{Status: &status, CurrentPhase: &phase, LastError: &msg, Completed: true}))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskComplete, got.Status)
	assert.Equal(t, "confirmation", got.CurrentPhase)
	assert.Equal(t, "none", got.LastError)
	assert.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, s.UpdateTask(ctx, "missing", TaskUpdate{Status: &status}), ErrNotFound)
}

func TestStore_SetRetryState_AndReadyForRetry(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	ready := SeedTask(t, s, "p1", "ready")
	later := SeedTask(t, s, "p1", "later")

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	hist := []RetryEntry{{Attempt: 1, Timestamp: time.Now().UTC(), Reason: "timeout"}}

	require.NoError(t, s.SetRetryState(ctx, ready.ID, RetryState{Count: 1, History: hist, NextRetryAt: &past, Status: TaskQueued, LastError: "timeout"}))
	require.NoError(t, s.SetRetryState(ctx, later.ID, RetryState{Count: 1, History: hist, NextRetryAt: &future, Status: TaskQueued}))

	tasks, err := s.ReadyForRetry(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, ready.ID, tasks[0].ID)
	assert.Equal(t, "timeout", tasks[0].LastError)
	require.Len(t, tasks[0].RetryHistory, 1)
	assert.Equal(t, "timeout", tasks[0].RetryHistory[0].Reason)
}

func TestStore_Approvals(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	_, err := s.LatestApproval(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	cp := int64(3)
	now := time.Now()
	require.NoError(t, s.CreateApproval(ctx, &Approval{TaskID: "t1", Decision: "rejected", VerifierConfidence: 0.5}))
	require.NoError(t, s.CreateApproval(ctx, &Approval{TaskID: "t1", CheckpointID: &cp, Decision: "approved", VerifierConfidence: 0.95, CompletedAt: &now}))

	a, err := s.LatestApproval(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "approved", a.Decision)
	require.NotNil(t, a.CheckpointID)
	assert.Equal(t, int64(3), *a.CheckpointID)
	require.NotNil(t, a.CompletedAt)
	assert.WithinDuration(t, now, *a.CompletedAt, time.Millisecond)
}

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO projects (id, name, budget_limit, budget_used, created_at) VALUES ('px', 'x', 0, 0, ?)`, FormatTime(time.Now())); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetProject(ctx, "px")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ClosedRejects(t *testing.T) {
	s := NewTestStore(t)
	require.NoError(t, s.Close())
	_, err := s.Exec(context.Background(), `SELECT 1`)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestIsBusy(t *testing.T) {
	assert.False(t, IsBusy(nil))
	assert.True(t, IsBusy(errors.New("sqlite3: database is locked")))
	assert.True(t, IsBusy(&mysql.MySQLError{Number: 1213, Message: "Deadlock found"}))
	assert.False(t, IsBusy(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.False(t, IsBusy(errors.New("syntax error")))
	assert.True(t, IsUniqueViolation(&mysql.MySQLError{Number: 1062}))
}

func TestTimeFormat_SortsChronologically(t *testing.T) {
	a := time.Date(2024, 1, 2, 3, 4, 5, 600000, time.UTC)
	b := a.Add(time.Microsecond)
	assert.Less(t, FormatTime(a), FormatTime(b))

	parsed, err := ParseTime(FormatTime(a))
	require.NoError(t, err)
	assert.True(t, a.Equal(parsed))
}
