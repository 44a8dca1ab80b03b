package uncertainty

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ledgerd/internal/config"
	"github.com/fyrsmithlabs/ledgerd/internal/logging"
	"github.com/fyrsmithlabs/ledgerd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/ledgerd/internal/uncertainty"

// ErrNotFound is returned by Resolve for an unknown signal.
var ErrNotFound = errors.New("uncertainty signal not found")

// Config tunes the detector.
type Config struct {
	// ConfidenceThreshold applies to sources without a role override.
	ConfidenceThreshold float64
	// RoleThresholds overrides the threshold per source role.
	RoleThresholds map[string]float64
	// DeepAnalysis enables Pass 2.
	DeepAnalysis bool
	// StaleDataAge is the default age limit for CheckStaleData.
	StaleDataAge time.Duration
}

// ConfigFrom maps the application configuration.
func ConfigFrom(c config.UncertaintyConfig) Config {
	return Config{
		ConfidenceThreshold: c.ConfidenceThreshold,
		RoleThresholds:      c.RoleThresholds,
		DeepAnalysis:        c.DeepAnalysis,
		StaleDataAge:        c.StaleDataAge,
	}
}

// Detector creates detections and persists their signals.
type Detector struct {
	cfg        Config
	store      *store.Store
	classifier SemanticClassifier
	logger     *zap.Logger

	tracer        trace.Tracer
	signalCounter metric.Int64Counter
}

// NewDetector returns a detector. classifier may be nil, which disables
// Pass 2 regardless of DeepAnalysis. st may be nil for detection-only use.
func NewDetector(cfg Config, st *store.Store, classifier SemanticClassifier, logger *zap.Logger) *Detector {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.70
	}
	if cfg.StaleDataAge <= 0 {
		cfg.StaleDataAge = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{
		cfg:        cfg,
		store:      st,
		classifier: classifier,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
	}
	var err error
	d.signalCounter, err = otel.Meter(instrumentationName).Int64Counter(
		"ledgerd.uncertainty.signals_total",
		metric.WithDescription("Total number of uncertainty signals detected"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		logger.Warn("failed to create signal counter", zap.Error(err))
	}
	return d
}

// Threshold returns the confidence threshold for source.
func (d *Detector) Threshold(source string) float64 {
	if t, ok := d.cfg.RoleThresholds[source]; ok && t > 0 {
		return t
	}
	return d.cfg.ConfidenceThreshold
}

// Detection accumulates the signals of one pass over one role's output.
// It is not safe for concurrent use.
type Detection struct {
	d       *Detector
	source  string
	signals []Signal
	now     func() time.Time
}

// NewDetection starts a pass for source (drafter, verifier, ...).
func (d *Detector) NewDetection(source string) *Detection {
	return &Detection{d: d, source: source, now: time.Now}
}

func (x *Detection) add(ctx context.Context, s Signal) Signal {
	if s.Source == "" {
		s.Source = x.source
	}
	s.Timestamp = x.now().UTC()
	x.signals = append(x.signals, s)
	if x.d.signalCounter != nil {
		x.d.signalCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("category", string(s.Category)),
			attribute.String("severity", string(s.Severity)),
		))
	}
	return s
}

// CheckLanguage runs Pass 1 and, if it found nothing, Pass 2.
func (x *Detection) CheckLanguage(ctx context.Context, text string) []Signal {
	ctx, span := x.d.tracer.Start(ctx, "uncertainty.check_language")
	defer span.End()

	zl := logging.For(ctx, x.d.logger)
	var found []Signal
	for _, p := range languagePatterns {
		m := p.re.FindString(text)
		if m == "" {
			continue
		}
		sev := SeverityWarn
		if haltKinds[p.kind] {
			sev = SeverityHalt
		}
		zl.Log(logging.TraceLevel, "uncertainty pattern matched",
			zap.String("source", x.source),
			zap.String("kind", p.kind),
			zap.String("match", m),
			zap.String("severity", string(sev)),
		)
		found = append(found, x.add(ctx, Signal{
			SignalType:  "uncertainty_language_" + p.kind,
			Category:    CategoryConfidence,
			Severity:    sev,
			Description: fmt.Sprintf("Uncertainty language detected: '%s'", m),
		}))
	}

	if len(found) == 0 && x.d.cfg.DeepAnalysis && x.d.classifier != nil {
		found = x.semantic(ctx, text)
	}
	span.SetAttributes(attribute.Int("signals", len(found)))
	return found
}

// semantic runs Pass 2. Classifier errors are logged and ignored.
func (x *Detection) semantic(ctx context.Context, text string) []Signal {
	res, err := x.d.classifier.Classify(ctx, text, "Source: "+x.source, "verification")
	if err != nil {
		logging.For(ctx, x.d.logger).Warn("semantic classifier failed", zap.Error(err))
		return nil
	}
	return x.fromClassification(ctx, res, x.source+" (semantic)")
}

// fromClassification records one signal per classifier finding. Severity
// follows the classifier's halt verdict.
func (x *Detection) fromClassification(ctx context.Context, res *Classification, source string) []Signal {
	if !res.HasUncertainty {
		return nil
	}
	sev := SeverityWarn
	if res.ShouldHalt {
		sev = SeverityHalt
	}
	var found []Signal
	for _, cs := range res.Signals {
		kind := cs.Type
		if kind == "" {
			kind = "unknown"
		}
		desc := cs.Description
		if desc == "" {
			desc = res.Summary
		}
		found = append(found, x.add(ctx, Signal{
			SignalType:  "semantic_" + kind,
			Category:    CategoryConfidence,
			Severity:    sev,
			Description: desc,
			Source:      source,
		}))
	}
	return found
}

// CheckConfidence emits low_confidence when score is below the source's
// threshold.
func (x *Detection) CheckConfidence(ctx context.Context, score float64) *Signal {
	threshold := x.d.Threshold(x.source)
	if score >= threshold {
		return nil
	}
	s := x.add(ctx, Signal{
		SignalType:  "low_confidence",
		Category:    CategoryConfidence,
		Severity:    SeverityHalt,
		Description: fmt.Sprintf("Confidence score %.2f below threshold %v", score, threshold),
	})
	return &s
}

// CheckMissingInput emits one signal per required key that is absent or nil.
func (x *Detection) CheckMissingInput(ctx context.Context, required []string, provided map[string]any) []Signal {
	var found []Signal
	for _, key := range required {
		if v, ok := provided[key]; ok && v != nil {
			continue
		}
		found = append(found, x.add(ctx, Signal{
			SignalType:  "missing_input",
			Category:    CategoryData,
			Severity:    SeverityHalt,
			Description: "Required input missing: " + key,
		}))
	}
	return found
}

// CheckConflictingData emits conflicting_data when sources disagree on key.
// Sources that are not objects or lack key are ignored.
func (x *Detection) CheckConflictingData(ctx context.Context, sources map[string]any, key string) *Signal {
	values := map[string]string{}
	unique := map[string]bool{}
	for name, data := range sources {
		m, ok := data.(map[string]any)
		if !ok {
			continue
		}
		v, ok := m[key]
		if !ok {
			continue
		}
		sv := fmt.Sprint(v)
		values[name] = sv
		unique[sv] = true
	}
	if len(unique) <= 1 {
		return nil
	}

	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + "=" + values[n]
	}
	s := x.add(ctx, Signal{
		SignalType:  "conflicting_data",
		Category:    CategoryData,
		Severity:    SeverityHalt,
		Description: fmt.Sprintf("Conflicting values for '%s': %s", key, strings.Join(parts, ", ")),
	})
	return &s
}

// CheckStaleData emits stale_data when fetchedAt is older than maxAge, or
// the configured default when maxAge is zero.
func (x *Detection) CheckStaleData(ctx context.Context, fetchedAt time.Time, maxAge time.Duration) *Signal {
	if maxAge <= 0 {
		maxAge = x.d.cfg.StaleDataAge
	}
	age := x.now().Sub(fetchedAt)
	if age <= maxAge {
		return nil
	}
	s := x.add(ctx, Signal{
		SignalType:  "stale_data",
		Category:    CategoryData,
		Severity:    SeverityHalt,
		Description: fmt.Sprintf("Data is %.0f seconds old (max: %.0f)", age.Seconds(), maxAge.Seconds()),
	})
	return &s
}

// CheckAmbiguousSpec warns about vague wording in a task description.
func (x *Detection) CheckAmbiguousSpec(ctx context.Context, text string) []Signal {
	var found []Signal
	for _, p := range vaguePatterns {
		if !p.matches(text) {
			continue
		}
		found = append(found, x.add(ctx, Signal{
			SignalType:  "ambiguous_spec_" + p.kind,
			Category:    CategoryLogic,
			Severity:    SeverityWarn,
			Description: fmt.Sprintf("Potentially ambiguous requirements: pattern '%s' found", p.source),
		}))
	}
	return found
}

// Signals returns a copy of every signal in the detection.
func (x *Detection) Signals() []Signal {
	out := make([]Signal, len(x.signals))
	copy(out, x.signals)
	return out
}

// HasHaltSignals reports whether any signal halts.
func (x *Detection) HasHaltSignals() bool {
	for _, s := range x.signals {
		if s.Halts() {
			return true
		}
	}
	return false
}

// HaltSignals returns the halting signals.
func (x *Detection) HaltSignals() []Signal {
	var out []Signal
	for _, s := range x.signals {
		if s.Halts() {
			out = append(out, s)
		}
	}
	return out
}

// Persist appends the detection's signals for taskID. It is append-only;
// calling it twice stores the signals twice.
func (x *Detection) Persist(ctx context.Context, taskID string, checkpointID *int64) error {
	return x.d.Persist(ctx, taskID, checkpointID, x.signals)
}

// Persist appends signals to uncertainty_signals.
func (d *Detector) Persist(ctx context.Context, taskID string, checkpointID *int64, signals []Signal) error {
	if len(signals) == 0 {
		return nil
	}
	if d.store == nil {
		return errors.New("detector has no store")
	}
	return d.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, s := range signals {
			if _, err := tx.ExecContext(ctx, `INSERT INTO uncertainty_signals
				(task_id, checkpoint_id, signal_type, category, severity, description, resolved, created_at)
				VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
				taskID, store.NullInt64(checkpointID), s.SignalType, string(s.Category), string(s.Severity),
				s.Description, store.FormatTime(s.Timestamp)); err != nil {
				return fmt.Errorf("failed to persist signal %s: %w", s.SignalType, err)
			}
		}
		return nil
	})
}

// Unresolved lists a task's open signals, oldest first.
func (d *Detector) Unresolved(ctx context.Context, taskID string) ([]*StoredSignal, error) {
	if d.store == nil {
		return nil, errors.New("detector has no store")
	}
	rows, err := d.store.Query(ctx, `SELECT id, task_id, checkpoint_id, signal_type, category, severity,
		description, resolved, created_at
		FROM uncertainty_signals WHERE task_id = ? AND resolved = 0 ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()

	var out []*StoredSignal
	for rows.Next() {
		var (
			s             StoredSignal
			cat, sev      string
			cp            sql.NullInt64
			desc, created sql.NullString
			resolved      int
		)
		if err := rows.Scan(&s.ID, &s.TaskID, &cp, &s.SignalType, &cat, &sev, &desc, &resolved, &created); err != nil {
			return nil, err
		}
		s.Category, s.Severity = Category(cat), Severity(sev)
		s.CheckpointID = store.Int64Ptr(cp)
		s.Description = desc.String
		s.Resolved = resolved != 0
		if ts, err := store.ScanTime(created); err == nil && ts != nil {
			s.CreatedAt = *ts
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// Resolve marks a signal resolved. It is the operator's acknowledgement.
func (d *Detector) Resolve(ctx context.Context, signalID int64) error {
	if d.store == nil {
		return errors.New("detector has no store")
	}
	res, err := d.store.Exec(ctx, `UPDATE uncertainty_signals SET resolved = 1 WHERE id = ?`, signalID)
	if err != nil {
		return fmt.Errorf("failed to resolve signal %d: %w", signalID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("signal %d: %w", signalID, ErrNotFound)
	}
	return nil
}

// DeepResult is the outcome of DeepCheck.
type DeepResult struct {
	Success        bool            `json:"success"`
	Error          string          `json:"error,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
	Signals        []Signal        `json:"signals,omitempty"`
}

// DeepCheck runs only the semantic classifier, bypassing Pass 1. Failures
// are reported in the result rather than returned.
func (d *Detector) DeepCheck(ctx context.Context, text, hint, taskType, source string) *DeepResult {
	if d.classifier == nil {
		return &DeepResult{Error: "semantic classifier not configured"}
	}
	res, err := d.classifier.Classify(ctx, text, hint, taskType)
	if err != nil {
		return &DeepResult{Error: err.Error()}
	}
	x := d.NewDetection(source)
	x.fromClassification(ctx, res, source+" (semantic-deep)")
	return &DeepResult{Success: true, Classification: res, Signals: x.Signals()}
}
