// Package stores persists enforcement run history in a local SQLite
// database so past runs and their per-rule outcomes can be inspected after
// the fact.
package stores

import "time"

// RunStatus is the terminal status of a recorded run.
type RunStatus string

const (
	// RunStatusConverged means every operation succeeded.
	RunStatusConverged RunStatus = "converged"

	// RunStatusPartial means some rules failed while others were applied.
	RunStatusPartial RunStatus = "partial"

	// RunStatusError means the run aborted before or during enforcement.
	RunStatusError RunStatus = "error"

	// RunStatusDryRun means no mutation was attempted.
	RunStatusDryRun RunStatus = "dry-run"
)

// Run is one recorded enforcement run.
type Run struct {
	ID           string    `json:"id"`
	Project      string    `json:"project"`
	PolicySource string    `json:"policy_source"`
	Status       RunStatus `json:"status"`
	DryRun       bool      `json:"dry_run"`

	// Diff sizes observed by the run.
	Creates int `json:"creates"`
	Updates int `json:"updates"`
	Deletes int `json:"deletes"`
	InSync  int `json:"in_sync"`

	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RuleResult is one recorded per-rule outcome of a run.
type RuleResult struct {
	ID        int64   `json:"id"`
	RunID     string  `json:"run_id"`
	RuleName  string  `json:"rule_name"`
	Network   string  `json:"network"`
	Operation string  `json:"operation"`
	Status    string  `json:"status"`
	Attempts  int     `json:"attempts"`
	Error     *string `json:"error,omitempty"`

	DurationMS int64 `json:"duration_ms"`
}
