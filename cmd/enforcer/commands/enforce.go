package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudfw/enforcer/pkg/engine"
	"github.com/cloudfw/enforcer/pkg/lint"
	"github.com/cloudfw/enforcer/pkg/stores"
)

func newEnforceCommand() *cobra.Command {
	var (
		project    string
		policyFile string
		dryRun     bool
		skipLint   bool
	)

	cmd := &cobra.Command{
		Use:   "enforce",
		Short: "Reconcile live firewall state against the policy",
		Long: `Reconcile the project's live firewall configuration against the policy.

The run loads and normalizes the policy, fetches live state, computes the
difference, and applies it: creates and updates first, then deletes. A
failed rule does not abort the run; the report lists every rule that
succeeded and every rule that failed.`,
		Example: `  # Enforce a local policy file
  enforcer enforce --enforce_project my-project --policy_file policy.json

  # Enforce a policy stored in Cloud Storage
  enforcer enforce --enforce_project my-project --policy_file gs://bucket/policy.json

  # Show what would change without touching the project
  enforcer enforce --enforce_project my-project --policy_file policy.json --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			return runEnforce(cmd.Context(), rt, project, policyFile, dryRun, skipLint)
		},
	}

	cmd.Flags().StringVar(&project, "enforce_project", "", "project to enforce")
	cmd.Flags().StringVar(&policyFile, "policy_file", "", "policy file path or gs://bucket/object")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute and show changes without applying them")
	cmd.Flags().BoolVar(&skipLint, "skip-lint", false, "skip the policy lint gate")
	cmd.Flags().IntVar(&flagParallelism, "parallelism", 0, "max parallel operations (overrides config)")
	cmd.Flags().DurationVar(&flagCallTimeout, "timeout", 0, "per-call provider deadline (overrides config)")
	cmd.MarkFlagRequired("enforce_project")
	cmd.MarkFlagRequired("policy_file")

	return cmd
}

// Flag values that override config when set.
var (
	flagParallelism int
	flagCallTimeout time.Duration
)

func runEnforce(ctx context.Context, rt *runtime, project, policyFile string, dryRun, skipLint bool) error {
	if flagParallelism > 0 {
		rt.cfg.Parallelism = flagParallelism
	}
	if flagCallTimeout > 0 {
		rt.cfg.CallTimeout = flagCallTimeout
	}

	history, err := rt.openHistory(ctx)
	if err != nil {
		return err
	}
	if history != nil {
		defer history.Close()
	}

	if !skipLint {
		// Gate on lint before any mutation. The diff-only run stops after
		// computing the difference, so a blocked policy never touches the
		// project.
		gate, err := rt.reconciler.Run(ctx, project, policyFile, rt.runOptions(dryRun, true))
		if err != nil {
			return err
		}
		lintResult, err := rt.linter.Check(ctx, gate.Desired)
		if err != nil {
			return err
		}
		printViolations(lintResult)
		if lintResult.Blocking() {
			return fmt.Errorf("policy lint found blocking violations, nothing enforced")
		}
	}

	result, err := rt.reconciler.Run(ctx, project, policyFile, rt.runOptions(dryRun, false))
	if err != nil {
		return err
	}

	if history != nil {
		if err := recordRun(ctx, history, project, policyFile, result); err != nil {
			rt.logger.Warn().Err(err).Msg("Failed to record run history")
		}
	}

	printReport(result)

	if result.Report != nil && result.Report.Failed() > 0 {
		return &ExitError{Code: 2, Err: fmt.Errorf("%d rules failed to converge", result.Report.Failed())}
	}
	return nil
}

// recordRun persists the run and its per-rule outcomes.
func recordRun(ctx context.Context, store *stores.SQLiteStore, project, policyFile string, result *engine.RunResult) error {
	report := result.Report
	status := stores.RunStatusConverged
	switch {
	case report.DryRun:
		status = stores.RunStatusDryRun
	case report.Failed() > 0:
		status = stores.RunStatusPartial
	}

	run := &stores.Run{
		ID:           report.RunID,
		Project:      project,
		PolicySource: policyFile,
		Status:       status,
		DryRun:       report.DryRun,
		Creates:      len(result.Diff.Creates),
		Updates:      len(result.Diff.Updates),
		Deletes:      len(result.Diff.Deletes),
		InSync:       result.Diff.InSync,
		StartedAt:    report.StartedAt,
		CompletedAt:  &report.CompletedAt,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		return err
	}

	results := make([]stores.RuleResult, 0, len(report.Results))
	for _, res := range report.Results {
		rr := stores.RuleResult{
			RunID:      report.RunID,
			RuleName:   res.Key.Name,
			Network:    res.Key.Network,
			Operation:  string(res.Operation),
			Status:     string(res.Status),
			Attempts:   res.Attempts,
			DurationMS: res.Duration.Milliseconds(),
		}
		if res.Error != "" {
			errMsg := res.Error
			rr.Error = &errMsg
		}
		results = append(results, rr)
	}
	return store.InsertRuleResults(ctx, results)
}

// printReport renders the enforcement outcome.
func printReport(result *engine.RunResult) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result.Report)
		return
	}

	report := result.Report
	fmt.Printf("Run %s on project %s\n", report.RunID, report.Project)
	if report.DryRun {
		fmt.Println("Dry run: no changes were applied.")
	}
	fmt.Printf("  in sync: %d  creates: %d  updates: %d  deletes: %d\n",
		result.Diff.InSync,
		len(result.Diff.Creates),
		len(result.Diff.Updates),
		len(result.Diff.Deletes))

	for _, res := range report.Results {
		line := fmt.Sprintf("  %-7s %-9s %s", res.Operation, res.Status, res.Key)
		if res.Error != "" {
			line += " (" + res.Error + ")"
		}
		fmt.Println(line)
	}

	fmt.Printf("Result: %d succeeded, %d failed, %d skipped\n",
		report.Succeeded(), report.Failed(), report.Skipped())
}

// printViolations renders lint findings.
func printViolations(result *lint.Result) {
	if len(result.Violations) == 0 {
		return
	}
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}
	for _, v := range result.Violations {
		fmt.Printf("lint %-8s %-20s %s: %s\n", v.Severity, v.Check, v.Rule, v.Message)
	}
}
