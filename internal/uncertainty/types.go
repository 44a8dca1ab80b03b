package uncertainty

import "time"

// Category groups signals by what is uncertain.
type Category string

const (
	CategoryData       Category = "data"
	CategoryLogic      Category = "logic"
	CategoryConfidence Category = "confidence"
	CategoryConflict   Category = "conflict"
)

// Severity decides whether a signal stops the task.
type Severity string

const (
	SeverityHalt Severity = "halt"
	SeverityWarn Severity = "warn"
)

// Signal is one detected uncertainty.
type Signal struct {
	SignalType  string    `json:"signal_type"`
	Category    Category  `json:"category"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	Source      string    `json:"source,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Halts reports whether the signal has halt severity.
func (s Signal) Halts() bool {
	return s.Severity == SeverityHalt
}

// StoredSignal is a persisted signal.
type StoredSignal struct {
	ID           int64     `json:"id"`
	TaskID       string    `json:"task_id"`
	CheckpointID *int64    `json:"checkpoint_id,omitempty"`
	SignalType   string    `json:"signal_type"`
	Category     Category  `json:"category"`
	Severity     Severity  `json:"severity"`
	Description  string    `json:"description"`
	Resolved     bool      `json:"resolved"`
	CreatedAt    time.Time `json:"created_at"`
}
