package engine

import (
	"time"

	"github.com/cloudfw/enforcer/pkg/fwpolicy"
)

// Operation is the convergence action for one rule key.
type Operation string

const (
	// OperationCreate means the rule exists in desired state only.
	OperationCreate Operation = "create"

	// OperationUpdate means the rule exists on both sides with differing
	// content.
	OperationUpdate Operation = "update"

	// OperationDelete means the rule exists in live state only.
	OperationDelete Operation = "delete"
)

// RuleChange is one entry of a diff: the key, the action, and the rule
// content on each side. Desired is nil for deletes, Live is nil for creates.
type RuleChange struct {
	Key       fwpolicy.Key   `json:"key"`
	Operation Operation      `json:"operation"`
	Desired   *fwpolicy.Rule `json:"desired,omitempty"`
	Live      *fwpolicy.Rule `json:"live,omitempty"`
}

// Diff is the computed difference between normalized policy and live state.
// The three slices are disjoint by key and, together with InSync, partition
// every key present on either side.
type Diff struct {
	Creates []RuleChange `json:"creates"`
	Updates []RuleChange `json:"updates"`
	Deletes []RuleChange `json:"deletes"`

	// InSync counts keys present on both sides with equivalent content.
	InSync int `json:"in_sync"`

	ComputedAt time.Time `json:"computed_at"`
}

// Empty reports whether the live state already matches desired state.
func (d *Diff) Empty() bool {
	return len(d.Creates) == 0 && len(d.Updates) == 0 && len(d.Deletes) == 0
}

// Changes returns the total number of pending operations.
func (d *Diff) Changes() int {
	return len(d.Creates) + len(d.Updates) + len(d.Deletes)
}

// ResultStatus is the terminal state of one enforcement operation.
type ResultStatus string

const (
	// StatusSucceeded means the provider accepted the operation.
	StatusSucceeded ResultStatus = "succeeded"

	// StatusFailed means the operation failed after exhausting retries.
	StatusFailed ResultStatus = "failed"

	// StatusSkipped means the operation was not attempted (dry run, or
	// run cancelled before the operation started).
	StatusSkipped ResultStatus = "skipped"
)

// RuleResult records the outcome of one enforcement operation.
type RuleResult struct {
	Key       fwpolicy.Key `json:"key"`
	Operation Operation    `json:"operation"`
	Status    ResultStatus `json:"status"`

	// Attempts is how many provider calls were made, including retries.
	Attempts int `json:"attempts"`

	// Error holds the final error message for failed operations.
	Error string `json:"error,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Report aggregates the per-rule outcomes of an enforcement run. A report
// with failures is not an error: the run continues past individual failed
// rules and the caller decides how to surface partial convergence.
type Report struct {
	RunID   string `json:"run_id"`
	Project string `json:"project"`
	DryRun  bool   `json:"dry_run"`

	Results []RuleResult `json:"results"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Succeeded counts successful operations.
func (r *Report) Succeeded() int { return r.countStatus(StatusSucceeded) }

// Failed counts failed operations.
func (r *Report) Failed() int { return r.countStatus(StatusFailed) }

// Skipped counts skipped operations.
func (r *Report) Skipped() int { return r.countStatus(StatusSkipped) }

// Converged reports whether every operation succeeded.
func (r *Report) Converged() bool {
	return r.Failed() == 0 && r.Skipped() == 0
}

func (r *Report) countStatus(status ResultStatus) int {
	n := 0
	for i := range r.Results {
		if r.Results[i].Status == status {
			n++
		}
	}
	return n
}
