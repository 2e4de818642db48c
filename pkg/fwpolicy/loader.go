package fwpolicy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudfw/enforcer/pkg/errdefs"
)

// Source fetches the raw bytes of a policy document.
type Source interface {
	// Fetch reads the policy document.
	Fetch(ctx context.Context) ([]byte, error)

	// Locator returns the locator string the source was built from.
	Locator() string
}

// Loader loads and validates policies from local or Cloud Storage sources.
type Loader struct {
	logger zerolog.Logger

	// httpClient is used for gs:// sources.
	httpClient *http.Client

	// token is an optional bearer token for non-public buckets.
	// Credential acquisition is the caller's concern.
	token string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHTTPClient overrides the HTTP client used for Cloud Storage sources.
func WithHTTPClient(c *http.Client) LoaderOption {
	return func(l *Loader) { l.httpClient = c }
}

// WithToken sets the bearer token sent to Cloud Storage.
func WithToken(token string) LoaderOption {
	return func(l *Loader) { l.token = token }
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{
		logger:     logger.With().Str("component", "policy-loader").Logger(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load fetches and parses the policy at the given locator. The locator is
// either a local filesystem path or a gs://bucket/object URI.
func (l *Loader) Load(ctx context.Context, locator string) (*Policy, error) {
	source, err := l.resolveSource(locator)
	if err != nil {
		return nil, err
	}

	data, err := source.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, errdefs.NewLoadError(
			fmt.Sprintf("malformed policy document %s", locator), err)
	}

	policy := &Policy{Rules: rules, Source: locator}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	l.logger.Info().
		Str("source", locator).
		Int("rules", len(rules)).
		Msg("Policy loaded")

	return policy, nil
}

// resolveSource picks the source implementation for a locator.
func (l *Loader) resolveSource(locator string) (Source, error) {
	if strings.HasPrefix(locator, "gs://") {
		return newGCSSource(locator, l.httpClient, l.token)
	}
	return &fileSource{path: locator}, nil
}

// fileSource reads a policy from the local filesystem.
type fileSource struct {
	path string
}

func (s *fileSource) Locator() string { return s.path }

func (s *fileSource) Fetch(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return nil, errdefs.NewLoadError(
				fmt.Sprintf("policy file %s not found", s.path), err)
		case os.IsPermission(err):
			return nil, errdefs.NewLoadError(
				fmt.Sprintf("policy file %s not readable", s.path), err)
		default:
			return nil, errdefs.NewLoadError(
				fmt.Sprintf("failed to read policy file %s", s.path), err)
		}
	}
	return data, nil
}

// gcsSource reads a policy object through the Cloud Storage JSON API.
type gcsSource struct {
	bucket string
	object string
	client *http.Client
	token  string
}

// gcsEndpoint is overridable in tests.
var gcsEndpoint = "https://storage.googleapis.com/storage/v1"

func newGCSSource(locator string, client *http.Client, token string) (*gcsSource, error) {
	rest := strings.TrimPrefix(locator, "gs://")
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return nil, errdefs.NewLoadError(
			fmt.Sprintf("invalid Cloud Storage locator %s, want gs://bucket/object", locator), nil)
	}
	return &gcsSource{bucket: bucket, object: object, client: client, token: token}, nil
}

func (s *gcsSource) Locator() string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}

func (s *gcsSource) Fetch(ctx context.Context) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/b/%s/o/%s?alt=media",
		gcsEndpoint, url.PathEscape(s.bucket), url.PathEscape(s.object))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errdefs.NewLoadError("failed to build Cloud Storage request", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errdefs.NewLoadError(
			fmt.Sprintf("failed to fetch %s", s.Locator()), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, errdefs.NewLoadError(
			fmt.Sprintf("object %s not found", s.Locator()), nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errdefs.NewLoadError(
			fmt.Sprintf("permission denied reading %s", s.Locator()), nil)
	default:
		return nil, errdefs.NewLoadError(
			fmt.Sprintf("unexpected status %d fetching %s", resp.StatusCode, s.Locator()), nil)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.NewLoadError(
			fmt.Sprintf("failed to read %s", s.Locator()), err)
	}
	return data, nil
}
