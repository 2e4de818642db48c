package engine

import (
	"context"

	"github.com/cloudfw/enforcer/pkg/fwpolicy"
)

// FirewallAPI is the provider surface the reconciler needs: enumerate the
// networks of a project, read its firewall rules, and mutate individual
// rules. Implementations live in pkg/provider.
type FirewallAPI interface {
	// ListNetworks returns the short names of the networks configured on
	// the project.
	ListNetworks(ctx context.Context, project string) ([]string, error)

	// ListFirewalls returns the current firewall rules of the project in
	// the same shape as normalized policy rules.
	ListFirewalls(ctx context.Context, project string) ([]fwpolicy.Rule, error)

	// InsertFirewall creates a new firewall rule.
	InsertFirewall(ctx context.Context, project string, rule fwpolicy.Rule) error

	// PatchFirewall updates an existing rule in place, keyed by name.
	PatchFirewall(ctx context.Context, project string, rule fwpolicy.Rule) error

	// DeleteFirewall removes the rule with the given name.
	DeleteFirewall(ctx context.Context, project string, name string) error
}
