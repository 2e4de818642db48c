package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudfw/enforcer/pkg/errdefs"
	"github.com/cloudfw/enforcer/pkg/fwpolicy"
)

// computeEndpoint is overridable in tests.
var computeEndpoint = "https://compute.googleapis.com/compute/v1"

// ComputeClient implements API against the compute REST endpoints.
// It carries no credential logic of its own; the caller supplies a bearer
// token (or an http.Client whose transport injects one).
type ComputeClient struct {
	client  *http.Client
	token   string
	baseURL string
	logger  zerolog.Logger
}

// ComputeOption configures a ComputeClient.
type ComputeOption func(*ComputeClient)

// WithComputeHTTPClient overrides the HTTP client.
func WithComputeHTTPClient(c *http.Client) ComputeOption {
	return func(cc *ComputeClient) { cc.client = c }
}

// WithComputeToken sets the bearer token sent on every request.
func WithComputeToken(token string) ComputeOption {
	return func(cc *ComputeClient) { cc.token = token }
}

// WithComputeEndpoint overrides the API base URL.
func WithComputeEndpoint(base string) ComputeOption {
	return func(cc *ComputeClient) { cc.baseURL = strings.TrimRight(base, "/") }
}

// NewComputeClient creates a compute API client.
func NewComputeClient(logger zerolog.Logger, opts ...ComputeOption) *ComputeClient {
	cc := &ComputeClient{
		client:  &http.Client{Timeout: 60 * time.Second},
		baseURL: computeEndpoint,
		logger:  logger.With().Str("component", "compute-client").Logger(),
	}
	for _, opt := range opts {
		opt(cc)
	}
	return cc
}

// computeFirewall is the wire shape of a firewall resource. Network is a
// resource URL on the wire; the client translates to and from short names.
type computeFirewall struct {
	Name         string            `json:"name"`
	Network      string            `json:"network,omitempty"`
	Description  string            `json:"description,omitempty"`
	SourceRanges []string          `json:"sourceRanges,omitempty"`
	SourceTags   []string          `json:"sourceTags,omitempty"`
	Allowed      []fwpolicy.Allowed `json:"allowed,omitempty"`
}

type firewallList struct {
	Items         []computeFirewall `json:"items"`
	NextPageToken string            `json:"nextPageToken"`
}

type networkList struct {
	Items []struct {
		Name string `json:"name"`
	} `json:"items"`
	NextPageToken string `json:"nextPageToken"`
}

// ListNetworks returns the short names of the project's networks.
func (c *ComputeClient) ListNetworks(ctx context.Context, project string) ([]string, error) {
	var names []string
	pageToken := ""
	for {
		url := fmt.Sprintf("%s/projects/%s/global/networks", c.baseURL, project)
		if pageToken != "" {
			url += "?pageToken=" + pageToken
		}

		body, err := c.do(ctx, http.MethodGet, url, nil, "list-networks")
		if err != nil {
			return nil, err
		}

		var page networkList
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, errdefs.NewAPIError(errdefs.ClassPermanent,
				"malformed network list response", err).WithOperation("list-networks")
		}
		for _, n := range page.Items {
			names = append(names, n.Name)
		}
		if page.NextPageToken == "" {
			return names, nil
		}
		pageToken = page.NextPageToken
	}
}

// ListFirewalls returns the project's current firewall rules.
func (c *ComputeClient) ListFirewalls(ctx context.Context, project string) ([]fwpolicy.Rule, error) {
	var rules []fwpolicy.Rule
	pageToken := ""
	for {
		url := fmt.Sprintf("%s/projects/%s/global/firewalls", c.baseURL, project)
		if pageToken != "" {
			url += "?pageToken=" + pageToken
		}

		body, err := c.do(ctx, http.MethodGet, url, nil, "list-firewalls")
		if err != nil {
			return nil, err
		}

		var page firewallList
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, errdefs.NewAPIError(errdefs.ClassPermanent,
				"malformed firewall list response", err).WithOperation("list-firewalls")
		}
		for _, fw := range page.Items {
			rules = append(rules, fwpolicy.Rule{
				Name:         fw.Name,
				Network:      networkShortName(fw.Network),
				Description:  fw.Description,
				SourceRanges: fw.SourceRanges,
				SourceTags:   fw.SourceTags,
				Allowed:      fw.Allowed,
			})
		}
		if page.NextPageToken == "" {
			return rules, nil
		}
		pageToken = page.NextPageToken
	}
}

// InsertFirewall creates a firewall rule.
func (c *ComputeClient) InsertFirewall(ctx context.Context, project string, rule fwpolicy.Rule) error {
	url := fmt.Sprintf("%s/projects/%s/global/firewalls", c.baseURL, project)
	_, err := c.do(ctx, http.MethodPost, url, toWire(project, rule), "insert")
	return err
}

// PatchFirewall updates an existing firewall rule in place.
func (c *ComputeClient) PatchFirewall(ctx context.Context, project string, rule fwpolicy.Rule) error {
	url := fmt.Sprintf("%s/projects/%s/global/firewalls/%s", c.baseURL, project, rule.Name)
	_, err := c.do(ctx, http.MethodPatch, url, toWire(project, rule), "patch")
	return err
}

// DeleteFirewall removes a firewall rule by name.
func (c *ComputeClient) DeleteFirewall(ctx context.Context, project string, name string) error {
	url := fmt.Sprintf("%s/projects/%s/global/firewalls/%s", c.baseURL, project, name)
	_, err := c.do(ctx, http.MethodDelete, url, nil, "delete")
	return err
}

// do issues one request and classifies any failure.
func (c *ComputeClient) do(ctx context.Context, method, url string, payload interface{}, op string) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errdefs.NewAPIError(errdefs.ClassPermanent,
				"failed to encode request", err).WithOperation(op)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, errdefs.NewAPIError(errdefs.ClassPermanent,
			"failed to build request", err).WithOperation(op)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errdefs.NewAPIError(errdefs.ClassTransient,
			"provider request failed", err).WithOperation(op)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.NewAPIError(errdefs.ClassTransient,
			"failed to read provider response", err).WithOperation(op)
	}

	c.logger.Debug().
		Str("method", method).
		Str("operation", op).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Provider call")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classifyStatus(resp.StatusCode, op, body)
}

// classifyStatus maps a provider HTTP status onto the error taxonomy.
func classifyStatus(status int, op string, body []byte) *errdefs.Error {
	msg := fmt.Sprintf("provider returned status %d", status)
	if len(body) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, truncate(string(body), 256))
	}

	var class errdefs.ErrorClass
	switch {
	case status == http.StatusTooManyRequests:
		class = errdefs.ClassThrottled
	case status == http.StatusConflict:
		class = errdefs.ClassConflict
	case status >= 500:
		class = errdefs.ClassTransient
	default:
		// 400/401/403/404 and other client errors do not heal on retry.
		class = errdefs.ClassPermanent
	}

	return errdefs.NewAPIError(class, msg, nil).
		WithOperation(op).
		WithStatusCode(status)
}

// toWire converts a rule to the request shape, qualifying the network as a
// resource URL.
func toWire(project string, rule fwpolicy.Rule) computeFirewall {
	fw := computeFirewall{
		Name:         rule.Name,
		Description:  rule.Description,
		SourceRanges: rule.SourceRanges,
		SourceTags:   rule.SourceTags,
		Allowed:      rule.Allowed,
	}
	if rule.Network != "" {
		fw.Network = fmt.Sprintf("projects/%s/global/networks/%s", project, rule.Network)
	}
	return fw
}

// networkShortName strips the resource path from a network URL.
func networkShortName(network string) string {
	if idx := strings.LastIndex(network, "/"); idx >= 0 {
		return network[idx+1:]
	}
	return network
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
