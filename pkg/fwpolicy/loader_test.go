package fwpolicy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/cloudfw/enforcer/pkg/errdefs"
)

const testPolicy = `[
  {
    "name": "allow-ssh",
    "sourceRanges": ["10.0.0.0/8"],
    "allowed": [{"IPProtocol": "tcp", "ports": ["22"]}]
  },
  {
    "name": "allow-internal",
    "network": "prod",
    "sourceTags": ["internal"],
    "allowed": [{"IPProtocol": "tcp"}, {"IPProtocol": "udp"}]
  }
]`

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}
	return path
}

// TestLoadFromFile tests loading a policy from the local filesystem
func TestLoadFromFile(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policy, err := loader.Load(context.Background(), writePolicyFile(t, testPolicy))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if len(policy.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(policy.Rules))
	}
	if policy.Rules[0].Name != "allow-ssh" {
		t.Errorf("rule 0 name = %q, want %q", policy.Rules[0].Name, "allow-ssh")
	}
	if policy.Rules[1].Network != "prod" {
		t.Errorf("rule 1 network = %q, want %q", policy.Rules[1].Network, "prod")
	}
}

// TestLoadFileErrors tests load failure classification for local files
func TestLoadFileErrors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	ctx := context.Background()

	t.Run("missing file", func(t *testing.T) {
		_, err := loader.Load(ctx, filepath.Join(t.TempDir(), "nope.json"))
		if kind := errdefs.KindOf(err); kind != errdefs.KindLoad {
			t.Errorf("error kind = %q, want %q", kind, errdefs.KindLoad)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := loader.Load(ctx, writePolicyFile(t, "{not json"))
		if kind := errdefs.KindOf(err); kind != errdefs.KindLoad {
			t.Errorf("error kind = %q, want %q", kind, errdefs.KindLoad)
		}
	})

	t.Run("schema violation", func(t *testing.T) {
		_, err := loader.Load(ctx, writePolicyFile(t, `[{"name": "bad"}]`))
		if kind := errdefs.KindOf(err); kind != errdefs.KindSchema {
			t.Errorf("error kind = %q, want %q", kind, errdefs.KindSchema)
		}
	})
}

// TestLoadFromCloudStorage tests loading a policy object over the storage API
func TestLoadFromCloudStorage(t *testing.T) {
	var gotAuth, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.EscapedPath()
		w.Write([]byte(testPolicy))
	}))
	defer server.Close()

	orig := gcsEndpoint
	gcsEndpoint = server.URL
	defer func() { gcsEndpoint = orig }()

	loader := NewLoader(zerolog.Nop(), WithToken("secret"))

	policy, err := loader.Load(context.Background(), "gs://my-bucket/policies/fw.json")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if len(policy.Rules) != 2 {
		t.Errorf("expected 2 rules, got %d", len(policy.Rules))
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization header = %q, want bearer token", gotAuth)
	}
	if gotPath != "/b/my-bucket/o/policies%2Ffw.json" {
		t.Errorf("request path = %q", gotPath)
	}
}

// TestLoadCloudStorageErrors tests storage failure classification
func TestLoadCloudStorageErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"not found", http.StatusNotFound},
		{"forbidden", http.StatusForbidden},
		{"server error", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			orig := gcsEndpoint
			gcsEndpoint = server.URL
			defer func() { gcsEndpoint = orig }()

			loader := NewLoader(zerolog.Nop())
			_, err := loader.Load(context.Background(), "gs://bucket/object")
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if kind := errdefs.KindOf(err); kind != errdefs.KindLoad {
				t.Errorf("error kind = %q, want %q", kind, errdefs.KindLoad)
			}
		})
	}
}

// TestLoadInvalidLocator tests malformed gs:// locators
func TestLoadInvalidLocator(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	for _, locator := range []string{"gs://", "gs://bucket", "gs://bucket/"} {
		if _, err := loader.Load(context.Background(), locator); err == nil {
			t.Errorf("Load(%q) succeeded, want error", locator)
		}
	}
}
