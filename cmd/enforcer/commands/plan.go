package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"github.com/cloudfw/enforcer/pkg/engine"
	"github.com/cloudfw/enforcer/pkg/fwpolicy"
)

func newPlanCommand() *cobra.Command {
	var (
		project    string
		policyFile string
		detail     bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the changes a run would apply, without applying them",
		Long: `Compute and display the difference between the policy and the project's
live firewall state. Nothing is mutated; the exit code is zero whether or
not changes are pending, so pipelines can inspect the output instead.`,
		Example: `  # Summarize pending changes
  enforcer plan --enforce_project my-project --policy_file policy.json

  # Show a field-level diff for each changed rule
  enforcer plan --enforce_project my-project --policy_file policy.json --detail`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			result, err := rt.reconciler.Run(cmd.Context(), project, policyFile, rt.runOptions(false, true))
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result.Diff)
			}

			printDiff(result.Diff, detail)
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "enforce_project", "", "project to plan against")
	cmd.Flags().StringVar(&policyFile, "policy_file", "", "policy file path or gs://bucket/object")
	cmd.Flags().BoolVar(&detail, "detail", false, "show a unified diff of each changed rule")
	cmd.MarkFlagRequired("enforce_project")
	cmd.MarkFlagRequired("policy_file")

	return cmd
}

// printDiff renders the pending changes, optionally with per-rule detail.
func printDiff(diff *engine.Diff, detail bool) {
	if diff.Empty() {
		fmt.Printf("No changes. %d rules in sync.\n", diff.InSync)
		return
	}

	fmt.Printf("Plan: %d to create, %d to update, %d to delete (%d in sync)\n\n",
		len(diff.Creates), len(diff.Updates), len(diff.Deletes), diff.InSync)

	for _, change := range diff.Creates {
		fmt.Printf("  + create %s\n", change.Key)
		if detail {
			printRuleDiff(change)
		}
	}
	for _, change := range diff.Updates {
		fmt.Printf("  ~ update %s\n", change.Key)
		if detail {
			printRuleDiff(change)
		}
	}
	for _, change := range diff.Deletes {
		fmt.Printf("  - delete %s\n", change.Key)
		if detail {
			printRuleDiff(change)
		}
	}
}

// printRuleDiff shows a unified diff of the live and desired rule bodies.
func printRuleDiff(change engine.RuleChange) {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(renderRule(change.Live)),
		B:        difflib.SplitLines(renderRule(change.Desired)),
		FromFile: "live/" + change.Key.String(),
		ToFile:   "desired/" + change.Key.String(),
		Context:  3,
	})
	if err != nil {
		fmt.Printf("    (diff unavailable: %v)\n", err)
		return
	}
	fmt.Println(indent(text, "    "))
}

// renderRule serializes a rule for line-oriented diffing. A nil rule
// (one side of a create or delete) renders as nothing.
func renderRule(rule *fwpolicy.Rule) string {
	if rule == nil {
		return ""
	}
	data, err := json.MarshalIndent(rule, "", "  ")
	if err != nil {
		return fmt.Sprintf("(unrenderable rule: %v)", err)
	}
	return string(data) + "\n"
}

func indent(text, prefix string) string {
	out := ""
	for _, line := range difflib.SplitLines(text) {
		out += prefix + line
	}
	return out
}
