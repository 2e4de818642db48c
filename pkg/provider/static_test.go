package provider

import (
	"context"
	"testing"

	"github.com/cloudfw/enforcer/pkg/errdefs"
	"github.com/cloudfw/enforcer/pkg/fwpolicy"
)

// TestStaticLifecycle tests the in-memory provider's mutation semantics
func TestStaticLifecycle(t *testing.T) {
	ctx := context.Background()
	rule := fwpolicy.Rule{
		Name:         "allow-ssh",
		Network:      "prod",
		SourceRanges: []string{"10.0.0.0/8"},
		Allowed:      []fwpolicy.Allowed{{IPProtocol: "tcp", Ports: []string{"22"}}},
	}

	s := NewStatic([]string{"prod", "test"}, nil)

	networks, err := s.ListNetworks(ctx, "proj")
	if err != nil {
		t.Fatalf("ListNetworks() failed: %v", err)
	}
	if len(networks) != 2 {
		t.Errorf("got %d networks, want 2", len(networks))
	}

	if err := s.InsertFirewall(ctx, "proj", rule); err != nil {
		t.Fatalf("InsertFirewall() failed: %v", err)
	}
	if err := s.InsertFirewall(ctx, "proj", rule); !errdefs.IsConflict(err) {
		t.Errorf("duplicate insert error = %v, want conflict", err)
	}

	updated := rule
	updated.Description = "updated"
	if err := s.PatchFirewall(ctx, "proj", updated); err != nil {
		t.Fatalf("PatchFirewall() failed: %v", err)
	}
	if got, ok := s.Rule("allow-ssh"); !ok || got.Description != "updated" {
		t.Errorf("patch not applied: %+v", got)
	}

	if err := s.DeleteFirewall(ctx, "proj", "allow-ssh"); err != nil {
		t.Fatalf("DeleteFirewall() failed: %v", err)
	}
	if err := s.DeleteFirewall(ctx, "proj", "allow-ssh"); err == nil {
		t.Errorf("deleting a missing rule should fail")
	}
	if err := s.PatchFirewall(ctx, "proj", rule); err == nil {
		t.Errorf("patching a missing rule should fail")
	}
}

// TestStaticFailureInjection tests the scripted failure hook
func TestStaticFailureInjection(t *testing.T) {
	ctx := context.Background()
	s := NewStatic(nil, nil)
	s.FailOn = map[string]error{
		"cursed": errdefs.NewAPIError(errdefs.ClassTransient, "injected", nil),
	}

	rule := fwpolicy.Rule{Name: "cursed"}
	if err := s.InsertFirewall(ctx, "proj", rule); !errdefs.IsTransient(err) {
		t.Errorf("injected failure not returned: %v", err)
	}
	if _, ok := s.Rule("cursed"); ok {
		t.Errorf("failed insert should not store the rule")
	}
}
