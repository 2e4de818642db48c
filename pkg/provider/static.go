package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudfw/enforcer/pkg/errdefs"
	"github.com/cloudfw/enforcer/pkg/fwpolicy"
)

// Static is an in-memory API implementation. It backs unit tests and dry
// runs against a recorded state snapshot, and mirrors the provider's
// key-by-name semantics: inserts conflict on existing names, patches and
// deletes require the name to exist.
type Static struct {
	mu       sync.RWMutex
	networks []string
	rules    map[string]fwpolicy.Rule

	// FailOn, when set, fails any mutation of the named rule with the
	// given error. Used to exercise partial-failure handling.
	FailOn map[string]error
}

// NewStatic creates a static provider with the given networks and rules.
func NewStatic(networks []string, rules []fwpolicy.Rule) *Static {
	s := &Static{
		networks: append([]string(nil), networks...),
		rules:    make(map[string]fwpolicy.Rule, len(rules)),
	}
	for _, r := range rules {
		s.rules[r.Name] = r
	}
	return s
}

// ListNetworks returns the configured network names.
func (s *Static) ListNetworks(_ context.Context, _ string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.networks...), nil
}

// ListFirewalls returns the current rule set.
func (s *Static) ListFirewalls(_ context.Context, _ string) ([]fwpolicy.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fwpolicy.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	return out, nil
}

// InsertFirewall creates a rule, failing on name collision.
func (s *Static) InsertFirewall(_ context.Context, _ string, rule fwpolicy.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure(rule.Name); err != nil {
		return err
	}
	if _, exists := s.rules[rule.Name]; exists {
		return errdefs.NewEnforcementError(errdefs.ClassConflict,
			fmt.Sprintf("rule %s already exists", rule.Name), nil).
			WithRule(rule.Name).WithOperation("insert")
	}
	s.rules[rule.Name] = rule
	return nil
}

// PatchFirewall replaces an existing rule.
func (s *Static) PatchFirewall(_ context.Context, _ string, rule fwpolicy.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure(rule.Name); err != nil {
		return err
	}
	if _, exists := s.rules[rule.Name]; !exists {
		return errdefs.NewEnforcementError(errdefs.ClassPermanent,
			fmt.Sprintf("rule %s not found", rule.Name), nil).
			WithRule(rule.Name).WithOperation("patch")
	}
	s.rules[rule.Name] = rule
	return nil
}

// DeleteFirewall removes an existing rule.
func (s *Static) DeleteFirewall(_ context.Context, _ string, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure(name); err != nil {
		return err
	}
	if _, exists := s.rules[name]; !exists {
		return errdefs.NewEnforcementError(errdefs.ClassPermanent,
			fmt.Sprintf("rule %s not found", name), nil).
			WithRule(name).WithOperation("delete")
	}
	delete(s.rules, name)
	return nil
}

// Rule returns the stored rule by name, for test assertions.
func (s *Static) Rule(name string) (fwpolicy.Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[name]
	return r, ok
}

func (s *Static) injectedFailure(name string) error {
	if s.FailOn == nil {
		return nil
	}
	return s.FailOn[name]
}
