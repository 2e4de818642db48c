package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/cloudfw/enforcer/pkg/errdefs"
	"github.com/cloudfw/enforcer/pkg/fwpolicy"
)

func testClient(t *testing.T, handler http.HandlerFunc) *ComputeClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewComputeClient(zerolog.Nop(),
		WithComputeEndpoint(server.URL),
		WithComputeToken("secret"),
	)
}

// TestListNetworks tests network listing with pagination
func TestListNetworks(t *testing.T) {
	calls := 0
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization header = %q", got)
		}
		calls++
		if r.URL.Query().Get("pageToken") == "" {
			fmt.Fprint(w, `{"items": [{"name": "default"}, {"name": "prod"}], "nextPageToken": "p2"}`)
			return
		}
		fmt.Fprint(w, `{"items": [{"name": "test"}]}`)
	})

	networks, err := client.ListNetworks(context.Background(), "proj")
	if err != nil {
		t.Fatalf("ListNetworks() failed: %v", err)
	}

	want := []string{"default", "prod", "test"}
	if len(networks) != len(want) {
		t.Fatalf("got %d networks, want %d", len(networks), len(want))
	}
	for i := range want {
		if networks[i] != want[i] {
			t.Errorf("network %d = %q, want %q", i, networks[i], want[i])
		}
	}
	if calls != 2 {
		t.Errorf("made %d requests, want 2", calls)
	}
}

// TestListFirewalls tests firewall listing and network URL translation
func TestListFirewalls(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items": [{
			"name": "allow-ssh",
			"network": "https://compute.googleapis.com/compute/v1/projects/proj/global/networks/prod",
			"sourceRanges": ["10.0.0.0/8"],
			"allowed": [{"IPProtocol": "tcp", "ports": ["22"]}]
		}]}`)
	})

	rules, err := client.ListFirewalls(context.Background(), "proj")
	if err != nil {
		t.Fatalf("ListFirewalls() failed: %v", err)
	}

	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(rules))
	}
	if rules[0].Network != "prod" {
		t.Errorf("network = %q, want short name %q", rules[0].Network, "prod")
	}
	if rules[0].Allowed[0].IPProtocol != "tcp" {
		t.Errorf("protocol = %q", rules[0].Allowed[0].IPProtocol)
	}
}

// TestInsertFirewall tests the insert request shape
func TestInsertFirewall(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody computeFirewall
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		fmt.Fprint(w, `{}`)
	})

	rule := fwpolicy.Rule{
		Name:         "allow-ssh",
		Network:      "prod",
		SourceRanges: []string{"10.0.0.0/8"},
		Allowed:      []fwpolicy.Allowed{{IPProtocol: "tcp", Ports: []string{"22"}}},
	}
	if err := client.InsertFirewall(context.Background(), "proj", rule); err != nil {
		t.Fatalf("InsertFirewall() failed: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotPath != "/projects/proj/global/firewalls" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.Network != "projects/proj/global/networks/prod" {
		t.Errorf("network not qualified: %q", gotBody.Network)
	}
}

// TestPatchAndDeleteFirewall tests the per-rule mutation endpoints
func TestPatchAndDeleteFirewall(t *testing.T) {
	var gotMethod, gotPath string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		fmt.Fprint(w, `{}`)
	})

	rule := fwpolicy.Rule{Name: "allow-ssh", Network: "prod"}
	if err := client.PatchFirewall(context.Background(), "proj", rule); err != nil {
		t.Fatalf("PatchFirewall() failed: %v", err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/projects/proj/global/firewalls/allow-ssh" {
		t.Errorf("patch request = %s %s", gotMethod, gotPath)
	}

	if err := client.DeleteFirewall(context.Background(), "proj", "allow-ssh"); err != nil {
		t.Fatalf("DeleteFirewall() failed: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/projects/proj/global/firewalls/allow-ssh" {
		t.Errorf("delete request = %s %s", gotMethod, gotPath)
	}
}

// TestStatusClassification tests mapping of HTTP statuses onto retry classes
func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		class  errdefs.ErrorClass
	}{
		{http.StatusTooManyRequests, errdefs.ClassThrottled},
		{http.StatusConflict, errdefs.ClassConflict},
		{http.StatusInternalServerError, errdefs.ClassTransient},
		{http.StatusServiceUnavailable, errdefs.ClassTransient},
		{http.StatusForbidden, errdefs.ClassPermanent},
		{http.StatusNotFound, errdefs.ClassPermanent},
		{http.StatusBadRequest, errdefs.ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})

			err := client.DeleteFirewall(context.Background(), "proj", "x")
			if err == nil {
				t.Fatalf("expected error for status %d", tt.status)
			}

			var classified *errdefs.Error
			if !errors.As(err, &classified) {
				t.Fatalf("error not classified: %v", err)
			}
			if classified.Class != tt.class {
				t.Errorf("class = %q, want %q", classified.Class, tt.class)
			}
			if classified.StatusCode != tt.status {
				t.Errorf("status code = %d, want %d", classified.StatusCode, tt.status)
			}
		})
	}
}
