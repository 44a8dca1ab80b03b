package http

import (
	"github.com/fyrsmithlabs/ledgerd/internal/compliance"
	"github.com/fyrsmithlabs/ledgerd/internal/telemetry"
	"github.com/fyrsmithlabs/ledgerd/internal/uncertainty"
	"github.com/fyrsmithlabs/ledgerd/pkg/secrets"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status      string         `json:"status"`
	Version     string         `json:"version,omitempty"`
	ActiveHolds int            `json:"active_holds"`
	Actions     map[string]int `json:"actions_24h"`
}

// RunRequest is the request body for POST /api/v1/run. An empty project
// claims from any project.
type RunRequest struct {
	ProjectID string `json:"project_id"`
}

// ReleaseRequest is the request body for POST /api/v1/tasks/:id/holds/release.
// An empty HoldType releases every active hold of the task.
type ReleaseRequest struct {
	HoldType string `json:"hold_type"`
	Approver string `json:"approver"`
}

// ReleaseResponse is the response body for a hold release.
type ReleaseResponse struct {
	TaskID   string `json:"task_id"`
	HoldType string `json:"hold_type,omitempty"`
	Approver string `json:"approver"`
	Released bool   `json:"released"`
}

// HoldsResponse is the response body for GET /api/v1/holds.
type HoldsResponse struct {
	Holds []compliance.Hold `json:"holds"`
}

// SignalsResponse is the response body for GET /api/v1/tasks/:id/signals.
type SignalsResponse struct {
	TaskID  string                      `json:"task_id"`
	Signals []*uncertainty.StoredSignal `json:"signals"`
}

// ScrubRequest is the request body for POST /api/v1/scrub.
type ScrubRequest struct {
	Content string `json:"content"`
}

// ScrubResponse is the response body for POST /api/v1/scrub.
type ScrubResponse struct {
	Content string         `json:"content"`
	Report  secrets.Report `json:"report"`
}
