// Package rollback undoes the side effects recorded in complete checkpoints,
// walking back to a target checkpoint one step at a time and verifying the
// recorded state after every step. Any failure stops the walk.
package rollback

import (
	"fmt"
	"time"
)

// Status is the overall rollback outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"
	StatusBlocked Status = "blocked"
)

// Reason codes carried in ErrorDetail.
const (
	ReasonTargetNotFound     = "target_not_found"
	ReasonChainRetrieval     = "chain_retrieval_failed"
	ReasonNoRollbackData     = "no_rollback_data"
	ReasonExecutionFailed    = "rollback_execution_failed"
	ReasonVerificationFailed = "state_verification_failed"
	ReasonException          = "rollback_exception"
)

// ErrorDetail explains a non-successful rollback.
type ErrorDetail struct {
	Reason       string `json:"reason"`
	Message      string `json:"message"`
	CheckpointID *int64 `json:"checkpoint_id,omitempty"`
}

// Verification records the post-undo state check of one checkpoint.
type Verification struct {
	CheckpointID int64     `json:"checkpoint_id"`
	Verified     bool      `json:"verified"`
	Timestamp    time.Time `json:"timestamp"`
}

// Result is returned by Engine.RollbackToCheckpoint.
type Result struct {
	Status              Status         `json:"status"`
	RolledBackTo        *int64         `json:"rolled_back_to"`
	StepsExecuted       int            `json:"steps_executed"`
	StepsFailed         int            `json:"steps_failed"`
	ErrorDetails        *ErrorDetail   `json:"error_details,omitempty"`
	VerificationResults []Verification `json:"verification_results,omitempty"`
}

// OK reports whether the rollback reached its target.
func (r *Result) OK() bool {
	return r.Status == StatusSuccess
}

// Err returns nil on success and a descriptive error otherwise.
func (r *Result) Err() error {
	if r.OK() {
		return nil
	}
	if r.ErrorDetails == nil {
		return fmt.Errorf("rollback %s", r.Status)
	}
	return fmt.Errorf("rollback %s: %s: %s", r.Status, r.ErrorDetails.Reason, r.ErrorDetails.Message)
}

func failure(status Status, executed int, reason, msg string, cpID *int64) *Result {
	return &Result{
		Status:        status,
		StepsExecuted: executed,
		StepsFailed:   1,
		ErrorDetails:  &ErrorDetail{Reason: reason, Message: msg, CheckpointID: cpID},
	}
}
