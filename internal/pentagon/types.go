package pentagon

import "time"

// Status is the outcome of a single check.
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusWarning Status = "warning"
)

// ValidationResult is the outcome of one of the five checks.
type ValidationResult struct {
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Passed reports whether the check passed.
func (v ValidationResult) Passed() bool {
	return v.Status == StatusPass
}

// Result is the complete pentagon outcome for one action.
type Result struct {
	Valid  bool             `json:"valid"`
	Inputs ValidationResult `json:"inputs"`
	Method ValidationResult `json:"method"`
	Rules  ValidationResult `json:"rules"`
	Review ValidationResult `json:"review"`
	Record ValidationResult `json:"record"`
}

// Failures lists the names of the checks that did not pass, in check
// order. Warnings count as failures.
func (r *Result) Failures() []string {
	var out []string
	for _, c := range r.checks() {
		if !c.result.Passed() {
			out = append(out, c.name)
		}
	}
	return out
}

// Details flattens the non-pass checks for checkpoint error details.
func (r *Result) Details() map[string]any {
	out := map[string]any{}
	for _, c := range r.checks() {
		if !c.result.Passed() {
			out[c.name] = map[string]any{
				"status":  string(c.result.Status),
				"message": c.result.Message,
			}
		}
	}
	return out
}

type namedResult struct {
	name   string
	result ValidationResult
}

func (r *Result) checks() []namedResult {
	return []namedResult{
		{"inputs", r.Inputs},
		{"method", r.Method},
		{"rules", r.Rules},
		{"review", r.Review},
		{"record", r.Record},
	}
}

// Action types that are irreversible once performed.
const (
	ActionGitPush          = "git_push"
	ActionCreatePR         = "create_pr"
	ActionSendNotification = "send_notification"
	ActionDeleteFile       = "delete_file"
	ActionExternalAPICall  = "external_api_call"
	ActionDatabaseWrite    = "database_write"
)

var requiredInputs = map[string][]string{
	ActionGitPush:          {"repository", "branch", "commit_message", "files_changed"},
	ActionCreatePR:         {"repository", "source_branch", "target_branch", "title", "description"},
	ActionSendNotification: {"recipient", "message", "channel"},
	ActionDeleteFile:       {"file_path", "backup_location"},
	ActionExternalAPICall:  {"endpoint", "method", "payload"},
	ActionDatabaseWrite:    {"table", "operation", "data"},
}

// RequiredInputs returns the input fields an action type needs.
func RequiredInputs(actionType string) ([]string, bool) {
	f, ok := requiredInputs[actionType]
	return f, ok
}

// IsIrreversible reports whether actionType is a known irreversible action.
func IsIrreversible(actionType string) bool {
	_, ok := requiredInputs[actionType]
	return ok
}

// Approval is the review record the Review check evaluates.
type Approval struct {
	ID                 int64
	Decision           string
	VerifierConfidence float64
	CompletedAt        *time.Time
}

// ActionRequest describes one planned irreversible action.
type ActionRequest struct {
	ActionType string
	TaskID     string
	ProjectID  string
	// Inputs carries the action's own parameters.
	Inputs map[string]any
	// Context carries execution state such as work_dir,
	// uncommitted_changes, source_branch and target_branch.
	Context map[string]any
	// Approval is looked up from the store when nil.
	Approval *Approval
}
