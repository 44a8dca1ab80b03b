package uncertainty

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ledgerd/internal/logging"
	"github.com/fyrsmithlabs/ledgerd/internal/store"
)

type fakeClassifier struct {
	res   *Classification
	err   error
	calls int
}

func (f *fakeClassifier) Classify(_ context.Context, _, _, _ string) (*Classification, error) {
	f.calls++
	return f.res, f.err
}

func testConfig() Config {
	return Config{
		ConfidenceThreshold: 0.70,
		RoleThresholds:      map[string]float64{"drafter": 0.85, "verifier": 0.90},
		DeepAnalysis:        true,
		StaleDataAge:        time.Hour,
	}
}

func TestDetection_CheckLanguage_Pass1(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		types    []string
		wantHalt bool
	}{
		{"explicit", "I'm not sure this handles nil.", []string{"uncertainty_language_explicit_uncertainty"}, true},
		{"guessing", "I would guess the port is 80", []string{"uncertainty_language_guessing"}, true},
		{"clarification", "If I understand correctly, we need X", []string{"uncertainty_language_clarification_needed"}, true},
		{"hedging only", "This probably works and MAYBE scales", []string{"uncertainty_language_hedging", "uncertainty_language_hedging"}, false},
		{"warn kinds", "I assume it compiles. I believe it should work.", []string{
			"uncertainty_language_assumption", "uncertainty_language_belief", "uncertainty_language_uncertainty",
		}, false},
		{"word bounded", "A mighty refactor of the unsurely named module", nil, false},
		{"clean", "Added the handler and its tests.", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(Config{ConfidenceThreshold: 0.7}, nil, nil, nil)
			x := d.NewDetection("drafter")
			got := x.CheckLanguage(context.Background(), tt.text)

			var types []string
			for _, s := range got {
				types = append(types, s.SignalType)
				assert.Equal(t, CategoryConfidence, s.Category)
				assert.Equal(t, "drafter", s.Source)
			}
			assert.Equal(t, tt.types, types)
			assert.Equal(t, tt.wantHalt, x.HasHaltSignals())
		})
	}
}

func TestDetection_CheckLanguage_TracesMatches(t *testing.T) {
	tl := logging.NewTestLogger()
	x := NewDetector(testConfig(), nil, nil, tl.Underlying()).NewDetection("drafter")

	got := x.CheckLanguage(context.Background(), "I would guess the port is 80")
	require.Len(t, got, 1)

	tl.AssertLogged(t, logging.TraceLevel, "uncertainty pattern matched")
	tl.AssertField(t, "uncertainty pattern matched", "kind", "guessing")
	tl.AssertField(t, "uncertainty pattern matched", "severity", "halt")
}

func TestDetection_CheckLanguage_Description(t *testing.T) {
	x := NewDetector(testConfig(), nil, nil, nil).NewDetection("drafter")
	got := x.CheckLanguage(context.Background(), "honestly i'm NOT SURE")
	require.Len(t, got, 1)
	assert.Equal(t, "Uncertainty language detected: 'i'm NOT SURE'", got[0].Description)
	assert.Equal(t, SeverityHalt, got[0].Severity)
}

func TestDetection_CheckLanguage_Pass2(t *testing.T) {
	ctx := context.Background()

	t.Run("skipped when pass 1 hits", func(t *testing.T) {
		fc := &fakeClassifier{res: &Classification{HasUncertainty: true, ShouldHalt: true}}
		x := NewDetector(testConfig(), nil, fc, nil).NewDetection("drafter")
		x.CheckLanguage(ctx, "this might work")
		assert.Equal(t, 0, fc.calls)
	})

	t.Run("halting verdict", func(t *testing.T) {
		fc := &fakeClassifier{res: &Classification{
			HasUncertainty: true,
			ShouldHalt:     true,
			Summary:        "guesses the schema",
			Signals:        []ClassifiedSignal{{Type: "unstated_assumption"}, {Type: "guess", Description: "port chosen arbitrarily"}},
		}}
		x := NewDetector(testConfig(), nil, fc, nil).NewDetection("drafter")
		got := x.CheckLanguage(ctx, "Uses port 8080 for the schema service.")
		require.Len(t, got, 2)
		assert.Equal(t, 1, fc.calls)
		assert.Equal(t, "semantic_unstated_assumption", got[0].SignalType)
		assert.Equal(t, "guesses the schema", got[0].Description)
		assert.Equal(t, "port chosen arbitrarily", got[1].Description)
		assert.Equal(t, "drafter (semantic)", got[1].Source)
		assert.True(t, x.HasHaltSignals())
	})

	t.Run("warning verdict", func(t *testing.T) {
		fc := &fakeClassifier{res: &Classification{HasUncertainty: true, Signals: []ClassifiedSignal{{Type: "vague"}}}}
		x := NewDetector(testConfig(), nil, fc, nil).NewDetection("verifier")
		got := x.CheckLanguage(ctx, "Looks complete.")
		require.Len(t, got, 1)
		assert.Equal(t, SeverityWarn, got[0].Severity)
		assert.False(t, x.HasHaltSignals())
	})

	t.Run("errors are logged and ignored", func(t *testing.T) {
		tl := logging.NewTestLogger()
		fc := &fakeClassifier{err: errors.New("rate limited")}
		x := NewDetector(testConfig(), nil, fc, tl.Underlying()).NewDetection("drafter")
		assert.Empty(t, x.CheckLanguage(ctx, "Looks complete."))
		assert.Len(t, tl.FilterMessage("semantic classifier failed").All(), 1)
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.DeepAnalysis = false
		fc := &fakeClassifier{res: &Classification{HasUncertainty: true}}
		x := NewDetector(cfg, nil, fc, nil).NewDetection("drafter")
		x.CheckLanguage(ctx, "Looks complete.")
		assert.Equal(t, 0, fc.calls)
	})
}

func TestDetection_CheckConfidence(t *testing.T) {
	d := NewDetector(testConfig(), nil, nil, nil)
	ctx := context.Background()

	s := d.NewDetection("drafter").CheckConfidence(ctx, 0.80)
	require.NotNil(t, s)
	assert.Equal(t, "low_confidence", s.SignalType)
	assert.Equal(t, SeverityHalt, s.Severity)
	assert.Equal(t, "Confidence score 0.80 below threshold 0.85", s.Description)

	assert.Nil(t, d.NewDetection("verifier").CheckConfidence(ctx, 0.90))
	assert.Nil(t, d.NewDetection("executor").CheckConfidence(ctx, 0.75))

	s = d.NewDetection("executor").CheckConfidence(ctx, 0.5)
	require.NotNil(t, s)
	assert.Equal(t, "Confidence score 0.50 below threshold 0.7", s.Description)
}

func TestDetection_SupplementalChecks(t *testing.T) {
	ctx := context.Background()
	d := NewDetector(testConfig(), nil, nil, nil)

	t.Run("missing input", func(t *testing.T) {
		x := d.NewDetection("drafter")
		got := x.CheckMissingInput(ctx, []string{"repo", "branch", "title"}, map[string]any{"repo": "r", "branch": nil})
		require.Len(t, got, 2)
		assert.Equal(t, "Required input missing: branch", got[0].Description)
		assert.Equal(t, CategoryData, got[1].Category)
		assert.True(t, x.HasHaltSignals())
	})

	t.Run("conflicting data", func(t *testing.T) {
		x := d.NewDetection("drafter")
		s := x.CheckConflictingData(ctx, map[string]any{
			"api":   map[string]any{"version": "2"},
			"cache": map[string]any{"version": 1},
			"noise": "not an object",
		}, "version")
		require.NotNil(t, s)
		assert.Equal(t, "Conflicting values for 'version': api=2, cache=1", s.Description)

		assert.Nil(t, x.CheckConflictingData(ctx, map[string]any{
			"a": map[string]any{"v": 1}, "b": map[string]any{"v": 1}, "c": map[string]any{},
		}, "v"))
	})

	t.Run("stale data", func(t *testing.T) {
		x := d.NewDetection("drafter")
		now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
		x.now = func() time.Time { return now }

		s := x.CheckStaleData(ctx, now.Add(-2*time.Hour), 0)
		require.NotNil(t, s)
		assert.Equal(t, "Data is 7200 seconds old (max: 3600)", s.Description)
		assert.Nil(t, x.CheckStaleData(ctx, now.Add(-30*time.Minute), 0))
		assert.NotNil(t, x.CheckStaleData(ctx, now.Add(-30*time.Minute), time.Minute))
	})
}

func TestDetection_CheckAmbiguousSpec(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"Improve the login page", []string{"ambiguous_spec_vague_improvement"}},
		{"Improve by 20% the p99 latency", nil},
		{"Optimize for memory", nil},
		{"optimize the query", []string{"ambiguous_spec_vague_optimization"}},
		{"Make it better than v1", nil},
		{"Make it better", []string{"ambiguous_spec_vague_comparison"}},
		{"Fix some tests, docs etc.", []string{"ambiguous_spec_vague_quantity", "ambiguous_spec_incomplete_list"}},
		{"better than v1 but also better", []string{"ambiguous_spec_vague_comparison"}},
		{"Add retries, timeouts and so on", []string{"ambiguous_spec_incomplete_list"}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			x := NewDetector(testConfig(), nil, nil, nil).NewDetection("requirements")
			var got []string
			for _, s := range x.CheckAmbiguousSpec(context.Background(), tt.text) {
				got = append(got, s.SignalType)
				assert.Equal(t, SeverityWarn, s.Severity)
				assert.Equal(t, CategoryLogic, s.Category)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetector_PersistAndResolve(t *testing.T) {
	st := store.NewTestStore(t)
	d := NewDetector(testConfig(), st, nil, nil)
	ctx := context.Background()

	x := d.NewDetection("drafter")
	x.CheckLanguage(ctx, "I'm not sure; it probably works")
	require.Len(t, x.Signals(), 2)
	require.Len(t, x.HaltSignals(), 1)

	cp := int64(7)
	require.NoError(t, x.Persist(ctx, "t1", &cp))

	open, err := d.Unresolved(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "uncertainty_language_explicit_uncertainty", open[0].SignalType)
	require.NotNil(t, open[0].CheckpointID)
	assert.Equal(t, int64(7), *open[0].CheckpointID)
	assert.False(t, open[0].CreatedAt.IsZero())

	require.NoError(t, d.Resolve(ctx, open[0].ID))
	open, err = d.Unresolved(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	assert.ErrorIs(t, d.Resolve(ctx, 999), ErrNotFound)
	require.NoError(t, d.NewDetection("x").Persist(ctx, "t1", nil))
}

func TestDetector_DeepCheck(t *testing.T) {
	ctx := context.Background()

	res := NewDetector(testConfig(), nil, nil, nil).DeepCheck(ctx, "text", "", "general", "cli")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not configured")

	fc := &fakeClassifier{res: &Classification{HasUncertainty: true, ShouldHalt: true, Signals: []ClassifiedSignal{{Type: "guess"}}}}
	res = NewDetector(testConfig(), nil, fc, nil).DeepCheck(ctx, "I'm not sure", "", "general", "cli")
	require.True(t, res.Success)
	require.Len(t, res.Signals, 1)
	assert.Equal(t, "semantic_guess", res.Signals[0].SignalType)
	assert.Equal(t, "cli (semantic-deep)", res.Signals[0].Source)

	fc = &fakeClassifier{err: errors.New("down")}
	res = NewDetector(testConfig(), nil, fc, nil).DeepCheck(ctx, "x", "", "general", "cli")
	assert.False(t, res.Success)
	assert.Equal(t, "down", res.Error)
}
