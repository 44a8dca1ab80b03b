package checkpoint

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/ledgerd/internal/store"
	"github.com/fyrsmithlabs/ledgerd/internal/telemetry"
)

func newTestService(t *testing.T) (Service, *store.Store, *telemetry.TestTelemetry) {
	t.Helper()
	tt := telemetry.NewTestTelemetry()
	tt.Install(t)
	st := store.NewTestStore(t)
	svc, err := NewService(st, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, st, tt
}

func create(t *testing.T, svc Service, project, task string, phase Phase) *Checkpoint {
	t.Helper()
	cp, err := svc.Create(context.Background(), CreateRequest{
		ProjectID:     project,
		TaskID:        task,
		Phase:         phase,
		StepName:      string(phase),
		StateSnapshot: map[string]any{"phase": string(phase)},
	})
	require.NoError(t, err)
	return cp
}

func complete(t *testing.T, svc Service, id int64, rb *RollbackData) {
	t.Helper()
	_, err := svc.Complete(context.Background(), id, CompleteRequest{Outputs: map[string]any{"ok": true}, RollbackData: rb})
	require.NoError(t, err)
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := NewService(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store is required")
}

func TestService_Create_Defaults(t *testing.T) {
	svc, _, tt := newTestService(t)
	ctx := context.Background()

	snap := map[string]any{"b": 2, "a": map[string]any{"y": "1", "x": "0"}}
	cp, err := svc.Create(ctx, CreateRequest{ProjectID: "p1", TaskID: "t1", Phase: PhaseDrafting, StateSnapshot: snap})
	require.NoError(t, err)

	want, err := Hash(snap)
	require.NoError(t, err)
	assert.Equal(t, want, cp.InputsHash)
	assert.Equal(t, StatusCreated, cp.Status)
	assert.Equal(t, int64(1), cp.GlobalSequence)
	assert.NotEmpty(t, cp.UUID)
	assert.Nil(t, cp.PreviousCheckpointID)

	second := create(t, svc, "p1", "t1", PhaseDrafting)
	require.NotNil(t, second.PreviousCheckpointID)
	assert.Equal(t, cp.ID, *second.PreviousCheckpointID)
	assert.Equal(t, int64(2), second.GlobalSequence)

	got, err := svc.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.Task())
	assert.EqualValues(t, 2, got.StateSnapshot["b"])

	tt.AssertSpanExists(t, "checkpoint.create")
	assert.Equal(t, int64(2), tt.CounterValue(t, "ledgerd.checkpoint.creates_total", attribute.String("phase", "drafting")))
}

func TestService_Create_RejectsUnknownPhase(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Create(context.Background(), CreateRequest{ProjectID: "p1", Phase: "committing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown phase")

	_, err = svc.Create(context.Background(), CreateRequest{Phase: PhaseDrafting})
	require.Error(t, err)
}

func TestService_Create_ConcurrentSequencesAreUnique(t *testing.T) {
	svc, st, _ := newTestService(t)
	other, err := NewService(st, nil)
	require.NoError(t, err)

	const n = 24
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs []int64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ledger := svc
			if i%2 == 1 {
				ledger = other
			}
			cp, err := ledger.Create(context.Background(), CreateRequest{ProjectID: "p1", Phase: PhaseDrafting})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seqs = append(seqs, cp.GlobalSequence)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, seqs, n)
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, s := range seqs {
		assert.Equal(t, int64(i+1), s)
	}
}

func TestService_CompleteAndFail_OnlyFromCreated(t *testing.T) {
	svc, _, tt := newTestService(t)
	ctx := context.Background()

	cp := create(t, svc, "p1", "t1", PhaseDrafting)
	done, err := svc.Complete(ctx, cp.ID, CompleteRequest{OutputsHash: "abc"})
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, done.Status)
	assert.Equal(t, "abc", done.OutputsHash)
	assert.NotNil(t, done.CompletedAt)

	_, err = svc.Complete(ctx, cp.ID, CompleteRequest{OutputsHash: "again"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.Fail(ctx, cp.ID, map[string]any{"error": "late"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	failing := create(t, svc, "p1", "t1", PhaseVerification)
	failed, err := svc.Fail(ctx, failing.ID, map[string]any{"error": "timeout", "code": "E_TIMEOUT"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "E_TIMEOUT", failed.ErrorDetails["code"])

	_, err = svc.Complete(ctx, 9999, CompleteRequest{})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, int64(1), tt.CounterValue(t, "ledgerd.checkpoint.closes_total", attribute.String("status", "failed")))
}

func TestService_Complete_HashesOutputs(t *testing.T) {
	svc, _, _ := newTestService(t)
	cp := create(t, svc, "p1", "t1", PhaseDrafting)

	outputs := map[string]any{"draft": "x", "confidence": 0.9}
	done, err := svc.Complete(context.Background(), cp.ID, CompleteRequest{Outputs: outputs})
	require.NoError(t, err)
	want, _ := Hash(outputs)
	assert.Equal(t, want, done.OutputsHash)
}

func TestService_RollbackStatuses(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	cp := create(t, svc, "p1", "t1", PhaseExecution)

	assert.ErrorIs(t, svc.MarkRollingBack(ctx, cp.ID), ErrInvalidTransition)

	complete(t, svc, cp.ID, &RollbackData{Kind: KindFileOperations})
	assert.ErrorIs(t, svc.MarkRolledBack(ctx, cp.ID), ErrInvalidTransition)
	require.NoError(t, svc.MarkRollingBack(ctx, cp.ID))
	require.NoError(t, svc.MarkRollbackFailed(ctx, cp.ID, map[string]any{"error": "disk"}))

	got, err := svc.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRollbackFailed, got.Status)
	assert.Equal(t, "disk", got.ErrorDetails["error"])
	require.NotNil(t, got.RollbackData)
	assert.Equal(t, KindFileOperations, got.RollbackData.Kind)

	assert.ErrorIs(t, svc.MarkRollingBack(ctx, cp.ID), ErrInvalidTransition)
}

func TestService_RollbackWindow(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	rb := &RollbackData{Kind: KindFileOperations}

	target := create(t, svc, "p1", "t1", PhaseDrafting)
	complete(t, svc, target.ID, rb)

	mine := create(t, svc, "p1", "t1", PhaseVerification)
	complete(t, svc, mine.ID, rb)
	shared := create(t, svc, "p1", "", PhaseExecution)
	complete(t, svc, shared.ID, rb)
	otherTask := create(t, svc, "p1", "t2", PhaseDrafting)
	complete(t, svc, otherTask.ID, rb)
	otherProject := create(t, svc, "p2", "t1", PhaseDrafting)
	complete(t, svc, otherProject.ID, rb)
	create(t, svc, "p1", "t1", PhaseExecution) // still created
	last := create(t, svc, "p1", "t1", PhaseExecution)
	complete(t, svc, last.ID, rb)

	got, window, err := svc.RollbackWindow(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, target.ID, got.ID)

	var ids []int64
	for _, cp := range window {
		ids = append(ids, cp.ID)
	}
	assert.Equal(t, []int64{last.ID, shared.ID, mine.ID}, ids)

	_, _, err = svc.RollbackWindow(ctx, 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_LatestChainAndFailed(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a := create(t, svc, "p1", "t1", PhaseDrafting)
	complete(t, svc, a.ID, nil)
	b := create(t, svc, "p1", "t1", PhaseVerification)
	_, err := svc.Fail(ctx, b.ID, map[string]any{"error": "rejected"})
	require.NoError(t, err)
	c := create(t, svc, "p1", "t2", PhaseDrafting)

	latest, err := svc.Latest(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, c.ID, latest.ID)

	latest, err = svc.Latest(ctx, "p1", "t1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, latest.ID)

	lc, err := svc.LatestComplete(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, lc.ID)

	_, err = svc.LatestComplete(ctx, "t2")
	assert.ErrorIs(t, err, ErrNotFound)

	chain, err := svc.Chain(ctx, a.ID, b.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, a.ID, chain[0].ID)

	chain, err = svc.Chain(ctx, b.ID, 0)
	require.NoError(t, err)
	assert.Len(t, chain, 2)

	failed, err := svc.Failed(ctx, "p1", 5)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, b.ID, failed[0].ID)
}

func TestService_VerifyChain(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	t.Run("valid chain with back-edge", func(t *testing.T) {
		for _, p := range []Phase{PhaseDrafting, PhaseVerification, PhaseDrafting, PhaseVerification, PhaseExecution} {
			cp := create(t, svc, "p1", "good", p)
			complete(t, svc, cp.ID, nil)
		}
		r, err := svc.VerifyChain(ctx, "good")
		require.NoError(t, err)
		assert.True(t, r.Valid, "%+v", r.Issues)
		assert.Equal(t, 5, r.ValidCheckpoints)
	})

	t.Run("illegal transition and missing hash", func(t *testing.T) {
		d := create(t, svc, "p1", "bad", PhaseDrafting)
		complete(t, svc, d.ID, nil)
		e := create(t, svc, "p1", "bad", PhaseExecution)
		complete(t, svc, e.ID, nil)
		_, err := st.Exec(ctx, `UPDATE checkpoints SET outputs_hash = NULL WHERE id = ?`, e.ID)
		require.NoError(t, err)

		r, err := svc.VerifyChain(ctx, "bad")
		require.NoError(t, err)
		assert.False(t, r.Valid)
		require.Len(t, r.Issues, 1)
		assert.Contains(t, r.Issues[0].Issue, "Invalid phase transition: drafting -> execution")
		assert.Contains(t, r.Issues[0].Issue, "Completed checkpoint missing outputs_hash")
		assert.Equal(t, 1, r.ValidCheckpoints)
	})

	t.Run("empty", func(t *testing.T) {
		r, err := svc.VerifyChain(ctx, "none")
		require.NoError(t, err)
		assert.False(t, r.Valid)
		assert.Equal(t, "No checkpoints found for task", r.Issues[0].Issue)
	})

	t.Run("verify all", func(t *testing.T) {
		r, err := svc.VerifyAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, r.TotalTasks)
		assert.Equal(t, 1, r.ValidTasks)
		require.Len(t, r.Invalid, 1)
		assert.Equal(t, "bad", r.Invalid[0].TaskID)
	})
}

func TestService_VerifyCheckpoint(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	cp := create(t, svc, "p1", "t1", PhaseDrafting)
	r, err := svc.VerifyCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.True(t, r.Valid)

	_, err = st.Exec(ctx, `UPDATE checkpoints SET phase = 'committing', inputs_hash = NULL WHERE id = ?`, cp.ID)
	require.NoError(t, err)
	r, err = svc.VerifyCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.False(t, r.Valid)
	assert.Len(t, r.Issues, 2)

	r, err = svc.VerifyCheckpoint(ctx, 777)
	require.NoError(t, err)
	assert.False(t, r.Valid)
	assert.Equal(t, "Checkpoint not found", r.Issues[0].Issue)
}

func TestService_Summary(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a := create(t, svc, "p1", "t1", PhaseDrafting)
	complete(t, svc, a.ID, nil)
	b := create(t, svc, "p1", "t1", PhaseVerification)
	complete(t, svc, b.ID, nil)
	c := create(t, svc, "p1", "t1", PhaseExecution)

	sum, err := svc.Summary(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TotalCheckpoints)
	assert.Equal(t, 2, sum.ByStatus[StatusComplete])
	assert.Equal(t, 1, sum.ByStatus[StatusCreated])
	assert.Equal(t, 1, sum.ByPhase[PhaseExecution])
	assert.Equal(t, a.ID, sum.First.ID)
	assert.Equal(t, c.ID, sum.Latest.ID)
}

func TestService_Closed(t *testing.T) {
	svc, _, _ := newTestService(t)
	require.NoError(t, svc.Close())
	_, err := svc.Create(context.Background(), CreateRequest{ProjectID: "p", Phase: PhaseDrafting})
	assert.ErrorIs(t, err, ErrClosed)
}
