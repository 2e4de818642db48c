package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/cloudfw/enforcer/pkg/errdefs"
	"github.com/cloudfw/enforcer/pkg/fwpolicy"
)

// ComputeDiff compares normalized desired rules against live project rules,
// keyed by (name, network).
//
// Keys only in desired become creates, keys only in live become deletes,
// keys on both sides with differing content become updates. Equivalent
// pairs count as in sync. The three sets are pairwise disjoint and, with
// the in-sync count, cover every key on either side. Output order is
// deterministic (sorted by key) so plans and reports are stable.
func ComputeDiff(desired, live []fwpolicy.Rule) (*Diff, error) {
	desiredByKey := make(map[fwpolicy.Key]*fwpolicy.Rule, len(desired))
	for i := range desired {
		key := desired[i].Key()
		if _, dup := desiredByKey[key]; dup {
			return nil, errdefs.NewSchemaError(
				fmt.Sprintf("duplicate key %s in desired state", key), nil).WithRule(key.Name)
		}
		desiredByKey[key] = &desired[i]
	}

	liveByKey := make(map[fwpolicy.Key]*fwpolicy.Rule, len(live))
	for i := range live {
		// Live state is authoritative as observed; a provider should never
		// return duplicate names, so last-wins is sufficient here.
		liveByKey[live[i].Key()] = &live[i]
	}

	diff := &Diff{ComputedAt: time.Now()}

	for key, rule := range desiredByKey {
		current, exists := liveByKey[key]
		switch {
		case !exists:
			diff.Creates = append(diff.Creates, RuleChange{
				Key:       key,
				Operation: OperationCreate,
				Desired:   rule,
			})
		case rule.Equivalent(current):
			diff.InSync++
		default:
			diff.Updates = append(diff.Updates, RuleChange{
				Key:       key,
				Operation: OperationUpdate,
				Desired:   rule,
				Live:      current,
			})
		}
	}

	for key, rule := range liveByKey {
		if _, exists := desiredByKey[key]; !exists {
			diff.Deletes = append(diff.Deletes, RuleChange{
				Key:       key,
				Operation: OperationDelete,
				Live:      rule,
			})
		}
	}

	sortChanges(diff.Creates)
	sortChanges(diff.Updates)
	sortChanges(diff.Deletes)

	return diff, nil
}

func sortChanges(changes []RuleChange) {
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Key.Network != changes[j].Key.Network {
			return changes[i].Key.Network < changes[j].Key.Network
		}
		return changes[i].Key.Name < changes[j].Key.Name
	})
}
