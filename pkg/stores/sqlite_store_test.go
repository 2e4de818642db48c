package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func testRun(id string) *Run {
	completed := time.Now().Truncate(time.Second)
	return &Run{
		ID:           id,
		Project:      "proj",
		PolicySource: "gs://bucket/policy.json",
		Status:       RunStatusConverged,
		Creates:      2,
		Updates:      1,
		Deletes:      1,
		InSync:       10,
		StartedAt:    completed.Add(-time.Minute),
		CompletedAt:  &completed,
	}
}

// TestRunRoundTrip tests inserting and reading back a run
func TestRunRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := testRun("run-1")
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}

	if got.Project != run.Project || got.PolicySource != run.PolicySource {
		t.Errorf("run fields lost: %+v", got)
	}
	if got.Status != RunStatusConverged {
		t.Errorf("status = %q, want %q", got.Status, RunStatusConverged)
	}
	if got.Creates != 2 || got.Updates != 1 || got.Deletes != 1 || got.InSync != 10 {
		t.Errorf("diff counts lost: %+v", got)
	}
	if got.CompletedAt == nil {
		t.Errorf("completed_at lost")
	}
}

// TestGetRunNotFound tests lookup of a missing run
func TestGetRunNotFound(t *testing.T) {
	store := setupTestStore(t)

	if _, err := store.GetRun(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for missing run")
	}
}

// TestFinishRun tests updating a run's terminal state
func TestFinishRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := testRun("run-1")
	run.Status = RunStatusPartial
	run.CompletedAt = nil
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	errMsg := "2 rules failed"
	run.Status = RunStatusError
	run.Error = &errMsg
	if err := store.FinishRun(ctx, run); err != nil {
		t.Fatalf("FinishRun() failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if got.Status != RunStatusError {
		t.Errorf("status = %q, want %q", got.Status, RunStatusError)
	}
	if got.Error == nil || *got.Error != errMsg {
		t.Errorf("error not recorded: %v", got.Error)
	}
	if got.CompletedAt == nil {
		t.Errorf("completed_at not set by FinishRun")
	}

	if err := store.FinishRun(ctx, testRun("missing")); err == nil {
		t.Errorf("finishing a missing run should fail")
	}
}

// TestListRuns tests pagination and newest-first ordering
func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		run := testRun(id)
		run.StartedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun(%s) failed: %v", id, err)
		}
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Errorf("unexpected order: %s, %s", runs[0].ID, runs[1].ID)
	}

	rest, err := store.ListRuns(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListRuns() with offset failed: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "run-a" {
		t.Errorf("unexpected page: %+v", rest)
	}
}

// TestRuleResults tests recording and listing per-rule outcomes
func TestRuleResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, testRun("run-1")); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}

	errMsg := "provider returned status 409"
	results := []RuleResult{
		{
			RunID:      "run-1",
			RuleName:   "prod-allow-ssh",
			Network:    "prod",
			Operation:  "create",
			Status:     "succeeded",
			Attempts:   1,
			DurationMS: 120,
		},
		{
			RunID:      "run-1",
			RuleName:   "allow-legacy",
			Network:    "prod",
			Operation:  "delete",
			Status:     "failed",
			Attempts:   4,
			Error:      &errMsg,
			DurationMS: 900,
		},
	}
	if err := store.InsertRuleResults(ctx, results); err != nil {
		t.Fatalf("InsertRuleResults() failed: %v", err)
	}

	got, err := store.ListRuleResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListRuleResults() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}

	// Ordered by network then rule name.
	if got[0].RuleName != "allow-legacy" {
		t.Errorf("result 0 = %q, want allow-legacy first", got[0].RuleName)
	}
	if got[0].Error == nil || *got[0].Error != errMsg {
		t.Errorf("error not recorded: %v", got[0].Error)
	}
	if got[1].Attempts != 1 || got[1].Status != "succeeded" {
		t.Errorf("result 1 fields lost: %+v", got[1])
	}
}

// TestInsertRuleResultsEmpty tests that an empty batch is a no-op
func TestInsertRuleResultsEmpty(t *testing.T) {
	store := setupTestStore(t)

	if err := store.InsertRuleResults(context.Background(), nil); err != nil {
		t.Fatalf("InsertRuleResults(nil) failed: %v", err)
	}
}
