package fwpolicy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cloudfw/enforcer/pkg/errdefs"
)

// Normalize expands a policy against the networks configured on the project.
//
// Rules without a network are replicated once per network, with the network
// name prefixed onto the rule name (`<network>-<name>`). Rules with an
// explicit network pass through unchanged. Protocol names are lowercased so
// that desired state compares cleanly against provider responses.
//
// The expanded rule set must be unique by (name, network); duplicates are a
// schema error since the key is what enforcement converges on.
func Normalize(policy *Policy, networks []string) ([]Rule, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	sorted := append([]string(nil), networks...)
	sort.Strings(sorted)

	expanded := make([]Rule, 0, len(policy.Rules))
	for i := range policy.Rules {
		rule := policy.Rules[i]

		if rule.Network != "" {
			expanded = append(expanded, canonicalize(rule))
			continue
		}

		if len(sorted) == 0 {
			return nil, errdefs.NewSchemaError(
				"rule has no network and the project has no networks to expand onto", nil).
				WithRule(rule.Name)
		}

		for _, network := range sorted {
			clone := cloneRule(rule)
			clone.Network = network
			clone.Name = network + "-" + rule.Name
			expanded = append(expanded, canonicalize(clone))
		}
	}

	seen := make(map[Key]struct{}, len(expanded))
	for i := range expanded {
		key := expanded[i].Key()
		if _, dup := seen[key]; dup {
			return nil, errdefs.NewSchemaError(
				fmt.Sprintf("duplicate rule key %s after normalization", key), nil).
				WithRule(key.Name)
		}
		seen[key] = struct{}{}
	}

	return expanded, nil
}

// canonicalize lowercases protocol names in place on a copied rule.
func canonicalize(rule Rule) Rule {
	rule = cloneRule(rule)
	for i := range rule.Allowed {
		rule.Allowed[i].IPProtocol = strings.ToLower(rule.Allowed[i].IPProtocol)
	}
	return rule
}

// cloneRule deep-copies a rule so expansion never aliases slices between
// the per-network copies.
func cloneRule(rule Rule) Rule {
	clone := rule
	clone.SourceRanges = append([]string(nil), rule.SourceRanges...)
	clone.SourceTags = append([]string(nil), rule.SourceTags...)
	clone.Allowed = make([]Allowed, len(rule.Allowed))
	for i, a := range rule.Allowed {
		clone.Allowed[i] = Allowed{
			IPProtocol: a.IPProtocol,
			Ports:      append([]string(nil), a.Ports...),
		}
	}
	return clone
}
