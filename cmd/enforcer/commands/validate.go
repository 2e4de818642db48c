package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudfw/enforcer/pkg/fwpolicy"
)

func newValidateCommand() *cobra.Command {
	var (
		project    string
		policyFile string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a policy file without touching any project",
		Long: `Load a policy file, check its schema, and lint the rules. With
--enforce_project the rules are also expanded across the project's
networks, catching duplicate keys that only surface after expansion.

Exits nonzero when the schema is invalid or a lint check of error
severity fires.`,
		Example: `  # Schema and lint checks only
  enforcer validate --policy_file policy.json

  # Also expand against a project's networks
  enforcer validate --policy_file policy.json --enforce_project my-project`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			ctx := cmd.Context()
			policy, err := rt.loader.Load(ctx, policyFile)
			if err != nil {
				return err
			}

			rules := policy.Rules
			if project != "" {
				networks, err := rt.api.ListNetworks(ctx, project)
				if err != nil {
					return err
				}
				rules, err = fwpolicy.Normalize(policy, networks)
				if err != nil {
					return err
				}
			}

			lintResult, err := rt.linter.Check(ctx, rules)
			if err != nil {
				return err
			}
			printViolations(lintResult)
			if lintResult.Blocking() {
				return fmt.Errorf("policy has blocking lint violations")
			}

			if !jsonOutput {
				fmt.Printf("Policy %s is valid: %d rules, %d lint findings\n",
					policyFile, len(rules), len(lintResult.Violations))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&policyFile, "policy_file", "", "policy file path or gs://bucket/object")
	cmd.Flags().StringVar(&project, "enforce_project", "", "expand rules across this project's networks")
	cmd.MarkFlagRequired("policy_file")

	return cmd
}
