package collaborator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ledgerd/internal/config"
	"github.com/fyrsmithlabs/ledgerd/internal/orchestrator"
	"github.com/fyrsmithlabs/ledgerd/internal/store"
)

// script returns a sh command that saves stdin to request.json in the
// working directory and then runs body.
func script(body string) []string {
	return []string{"sh", "-c", "cat > request.json; " + body}
}

func testTask() *store.Task {
	return &store.Task{ID: "task-1", ProjectID: "proj", Title: "Add health endpoint", Status: store.TaskRunning}
}

func readRequest(t *testing.T, dir string) map[string]any {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, "request.json"))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestNewProcess_RequiresCommand(t *testing.T) {
	_, err := NewProcess(RoleDrafter, nil, nil)
	assert.Error(t, err)
	_, err = NewProcess(RoleDrafter, []string{""}, nil)
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	_, err := FromConfig(config.CollaboratorsConfig{Drafter: []string{"drafter"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verifier: command is required")
	assert.Contains(t, err.Error(), "executor: command is required")

	set, err := FromConfig(config.CollaboratorsConfig{
		Drafter:  []string{"d"},
		Verifier: []string{"v"},
		Executor: []string{"e"},
	}, nil)
	require.NoError(t, err)
	assert.NotNil(t, set.Drafter)
	assert.NotNil(t, set.Verifier)
	assert.NotNil(t, set.Executor)
}

func TestDrafter_GenerateDraft(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDrafter(script(`echo '{"success":true,"draft":{"content":"add handler","confidence":0.9},"cost":1.25}'`), nil)
	require.NoError(t, err)

	res, err := d.GenerateDraft(context.Background(), testTask(), orchestrator.ProjectContext{ProjectID: "proj", WorkDir: dir})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Draft)
	assert.Equal(t, "add handler", res.Draft.Content)
	assert.InDelta(t, 0.9, res.Draft.Confidence, 1e-9)
	assert.InDelta(t, 1.25, res.Cost, 1e-9)

	req := readRequest(t, dir)
	assert.Equal(t, RoleDrafter, req["role"])
	payload := req["payload"].(map[string]any)
	assert.Equal(t, "task-1", payload["task"].(map[string]any)["id"])
	assert.Equal(t, dir, payload["project_context"].(map[string]any)["work_dir"])
}

func TestVerifier_VerifyDraft(t *testing.T) {
	dir := t.TempDir()
	v, err := NewVerifier(script(`echo '{"decision":"approved","confidence":0.95,"risk_flags":[{"risk_type":"security"}]}'`), nil)
	require.NoError(t, err)

	res, err := v.VerifyDraft(context.Background(), &orchestrator.Draft{Content: "x"}, testTask(), orchestrator.ProjectContext{WorkDir: dir})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.DecisionApproved, res.Decision)
	require.Len(t, res.RiskFlags, 1)
	assert.Equal(t, "security", res.RiskFlags[0].RiskType)

	payload := readRequest(t, dir)["payload"].(map[string]any)
	assert.Equal(t, "x", payload["draft"].(map[string]any)["content"])
}

func TestVerifier_MissingDecision(t *testing.T) {
	v, err := NewVerifier(script(`echo '{"confidence":0.95}'`), nil)
	require.NoError(t, err)
	_, err = v.VerifyDraft(context.Background(), &orchestrator.Draft{}, testTask(), orchestrator.ProjectContext{WorkDir: t.TempDir()})
	assert.ErrorIs(t, err, errNoResponse)
}

func TestExecutor_Execute(t *testing.T) {
	dir := t.TempDir()
	e, err := NewExecutor(script(`echo '{"success":true,"committed":true,"rollback_data":{"type":"file_operations","file_operations":[{"type":"create_file","path":"a.go"}]}}'`), nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	approval := &store.Approval{ID: 7, TaskID: "task-1", Decision: "approved", VerifierConfidence: 0.95, CompletedAt: &now}
	res, err := e.Execute(context.Background(), approval, &orchestrator.Draft{Content: "x"}, testTask(), orchestrator.ProjectContext{WorkDir: dir})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Committed)
	require.NotNil(t, res.RollbackData)
	require.Len(t, res.RollbackData.FileOps, 1)
	assert.Equal(t, "a.go", res.RollbackData.FileOps[0].Path)

	payload := readRequest(t, dir)["payload"].(map[string]any)
	assert.EqualValues(t, 7, payload["approval"].(map[string]any)["id"])
}

func TestProcess_Failures(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"non-zero exit quotes stderr", `echo "model unavailable" >&2; exit 3`, "model unavailable"},
		{"invalid json", `echo 'not json'`, "failed to decode drafter response"},
		{"no output", `true`, "wrote no response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDrafter(script(tt.body), nil)
			require.NoError(t, err)
			_, err = d.GenerateDraft(context.Background(), testTask(), orchestrator.ProjectContext{WorkDir: t.TempDir()})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestProcess_Deadline(t *testing.T) {
	d, err := NewDrafter([]string{"sh", "-c", "exec sleep 5"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = d.GenerateDraft(ctx, testTask(), orchestrator.ProjectContext{WorkDir: t.TempDir()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestProcess_Environment(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDrafter(script(`printf '{"success":false,"error":"%s %s"}' "$LEDGERD_ROLE" "$LEDGERD_TASK_ID"`), nil)
	require.NoError(t, err)
	res, err := d.GenerateDraft(context.Background(), testTask(), orchestrator.ProjectContext{WorkDir: dir})
	require.NoError(t, err)
	assert.Equal(t, "drafter task-1", res.Error)
}
