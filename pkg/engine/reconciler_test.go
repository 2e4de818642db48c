package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/cloudfw/enforcer/pkg/fwpolicy"
	"github.com/cloudfw/enforcer/pkg/provider"
	"github.com/cloudfw/enforcer/pkg/telemetry"
)

func testReconciler(t *testing.T, api FirewallAPI) *Reconciler {
	t.Helper()

	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{}, "test", "dev")
	if err != nil {
		t.Fatalf("failed to create tracer: %v", err)
	}
	metrics := telemetry.NewMetrics(telemetry.MetricsConfig{})
	loader := fwpolicy.NewLoader(zerolog.Nop())

	return NewReconciler(loader, api, tracer, metrics, zerolog.Nop())
}

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}
	return path
}

const reconcilerPolicy = `[
  {
    "name": "allow-ssh",
    "sourceRanges": ["10.0.0.0/8"],
    "allowed": [{"IPProtocol": "tcp", "ports": ["22"]}]
  }
]`

// TestReconcilerRunConverges tests a full run against a drifted project
func TestReconcilerRunConverges(t *testing.T) {
	stale := fwpolicy.Rule{
		Name:         "allow-legacy",
		Network:      "prod",
		SourceRanges: []string{"0.0.0.0/0"},
		Allowed:      []fwpolicy.Allowed{{IPProtocol: "tcp", Ports: []string{"8080"}}},
	}
	api := provider.NewStatic([]string{"prod", "test"}, []fwpolicy.Rule{stale})
	r := testReconciler(t, api)

	result, err := r.Run(context.Background(), "proj", writePolicy(t, reconcilerPolicy), RunOptions{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	// One networkless rule expands onto both networks; the stale rule goes.
	if len(result.Desired) != 2 {
		t.Errorf("desired rules = %d, want 2", len(result.Desired))
	}
	if len(result.Diff.Creates) != 2 || len(result.Diff.Deletes) != 1 {
		t.Errorf("diff = %d creates, %d deletes, want 2/1",
			len(result.Diff.Creates), len(result.Diff.Deletes))
	}
	if !result.Report.Converged() {
		t.Errorf("report not converged: %+v", result.Report.Results)
	}

	if _, ok := api.Rule("prod-allow-ssh"); !ok {
		t.Errorf("expanded rule prod-allow-ssh not created")
	}
	if _, ok := api.Rule("test-allow-ssh"); !ok {
		t.Errorf("expanded rule test-allow-ssh not created")
	}
	if _, ok := api.Rule("allow-legacy"); ok {
		t.Errorf("stale rule not deleted")
	}
}

// TestReconcilerRunIdempotent tests that a second run computes an empty diff
func TestReconcilerRunIdempotent(t *testing.T) {
	api := provider.NewStatic([]string{"prod"}, nil)
	r := testReconciler(t, api)
	path := writePolicy(t, reconcilerPolicy)
	ctx := context.Background()

	if _, err := r.Run(ctx, "proj", path, RunOptions{}); err != nil {
		t.Fatalf("first Run() failed: %v", err)
	}

	result, err := r.Run(ctx, "proj", path, RunOptions{})
	if err != nil {
		t.Fatalf("second Run() failed: %v", err)
	}

	if !result.Diff.Empty() {
		t.Errorf("second run diff not empty: %d changes", result.Diff.Changes())
	}
	if result.Diff.InSync != 1 {
		t.Errorf("InSync = %d, want 1", result.Diff.InSync)
	}
	if len(result.Report.Results) != 0 {
		t.Errorf("second run performed operations: %+v", result.Report.Results)
	}
}

// TestReconcilerDiffOnly tests that diff-only runs skip enforcement
func TestReconcilerDiffOnly(t *testing.T) {
	api := provider.NewStatic([]string{"prod"}, nil)
	r := testReconciler(t, api)

	result, err := r.Run(context.Background(), "proj", writePolicy(t, reconcilerPolicy),
		RunOptions{DiffOnly: true})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if result.Report != nil {
		t.Errorf("diff-only run produced a report")
	}
	if len(result.Diff.Creates) != 1 {
		t.Errorf("diff missing pending create")
	}
	if _, ok := api.Rule("prod-allow-ssh"); ok {
		t.Errorf("diff-only run mutated the project")
	}
}

// TestReconcilerDryRun tests that dry runs mutate nothing
func TestReconcilerDryRun(t *testing.T) {
	api := provider.NewStatic([]string{"prod"}, nil)
	r := testReconciler(t, api)

	result, err := r.Run(context.Background(), "proj", writePolicy(t, reconcilerPolicy),
		RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if result.Report.Skipped() != 1 {
		t.Errorf("skipped = %d, want 1", result.Report.Skipped())
	}
	if _, ok := api.Rule("prod-allow-ssh"); ok {
		t.Errorf("dry run mutated the project")
	}
}

// TestReconcilerLoadFailureAborts tests that a bad policy stops the run
// before any provider call
func TestReconcilerLoadFailureAborts(t *testing.T) {
	api := provider.NewStatic([]string{"prod"}, nil)
	r := testReconciler(t, api)

	_, err := r.Run(context.Background(), "proj",
		filepath.Join(t.TempDir(), "missing.json"), RunOptions{})
	if err == nil {
		t.Fatalf("expected error for missing policy")
	}
}
