// Package meshclient is the HTTP client for the MeshyMcMapface collector API.
// Agents use it to register and deliver batches; operator tooling uses it
// for topology queries and the live notification stream.
package meshclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/heymex/MeshyMcMapface/internal/codec"
	"github.com/heymex/MeshyMcMapface/pkg/api"
)

// ErrMalformedResponse is wrapped when a successful response body cannot be decoded
var ErrMalformedResponse = errors.New("malformed response")

// Config holds client configuration
type Config struct {
	ServerURL string
	// Token is the bearer credential: an agent token for ingestion, an
	// operator token for queries.
	Token   string
	Timeout time.Duration
	// Compression "zstd" compresses request bodies.
	Compression string
	// HTTPClient overrides the default client; Timeout is ignored then.
	HTTPClient *http.Client
}

// SetDefaults sets default values for unset fields
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// APIError is a non-2xx response from the collector.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s - %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// IsUnauthorized reports whether the collector rejected the credential.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Client talks to one collector
type Client struct {
	config     Config
	httpClient *http.Client
	baseURL    *url.URL
}

// NewClient creates a new collector client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}
	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}
	if config.Compression != "" && config.Compression != codec.ZstdEncoding {
		return nil, fmt.Errorf("unsupported compression %q", config.Compression)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		baseURL:    baseURL,
	}, nil
}

// ServerURL returns the configured base URL
func (c *Client) ServerURL() string {
	return c.baseURL.String()
}

// SetToken replaces the bearer credential
func (c *Client) SetToken(token string) {
	c.config.Token = token
}

// Register announces the agent to the collector
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (*api.RegisterResponse, error) {
	var resp api.RegisterResponse
	if err := c.do(ctx, http.MethodPost, api.PathRegister, nil, req, &resp, nil); err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}
	return &resp, nil
}

// SubmitEvents delivers an event batch. idempotencyKey lets the collector
// recognise a replayed batch.
func (c *Client) SubmitEvents(ctx context.Context, batch api.EventBatch, idempotencyKey string) (*api.IngestResponse, error) {
	var resp api.IngestResponse
	if err := c.do(ctx, http.MethodPost, api.PathAgentEvents, nil, batch, &resp, idempotencyHeader(idempotencyKey)); err != nil {
		return nil, fmt.Errorf("failed to submit events: %w", err)
	}
	return &resp, nil
}

// SubmitRoutes delivers a route batch
func (c *Client) SubmitRoutes(ctx context.Context, batch api.RouteBatch, idempotencyKey string) (*api.IngestResponse, error) {
	var resp api.IngestResponse
	if err := c.do(ctx, http.MethodPost, api.PathAgentRoutes, nil, batch, &resp, idempotencyHeader(idempotencyKey)); err != nil {
		return nil, fmt.Errorf("failed to submit routes: %w", err)
	}
	return &resp, nil
}

func idempotencyHeader(key string) http.Header {
	if key == "" {
		return nil
	}
	h := http.Header{}
	h.Set(api.HeaderIdempotencyKey, key)
	return h
}

// GetHealth returns the collector's health
func (c *Client) GetHealth(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.do(ctx, http.MethodGet, api.PathHealth, nil, nil, &resp, nil); err != nil {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

// Agents lists registered agents
func (c *Client) Agents(ctx context.Context) (*api.AgentsResponse, error) {
	var resp api.AgentsResponse
	if err := c.do(ctx, http.MethodGet, api.PathAgents, nil, nil, &resp, nil); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return &resp, nil
}

// Topology lists current observations, optionally for one agent
func (c *Client) Topology(ctx context.Context, agentID string) (*api.TopologyResponse, error) {
	q := url.Values{}
	if agentID != "" {
		q.Set("agent", agentID)
	}
	var resp api.TopologyResponse
	if err := c.do(ctx, http.MethodGet, api.PathTopology, q, nil, &resp, nil); err != nil {
		return nil, fmt.Errorf("failed to get topology: %w", err)
	}
	return &resp, nil
}

// Connections lists direct connections seen within windowHours
func (c *Client) Connections(ctx context.Context, windowHours float64) (*api.ConnectionsResponse, error) {
	q := url.Values{}
	if windowHours > 0 {
		q.Set("window_hours", strconv.FormatFloat(windowHours, 'f', -1, 64))
	}
	var resp api.ConnectionsResponse
	if err := c.do(ctx, http.MethodGet, api.PathConnections, q, nil, &resp, nil); err != nil {
		return nil, fmt.Errorf("failed to get connections: %w", err)
	}
	return &resp, nil
}

// RouteFilter narrows a routes query. Zero values are omitted.
type RouteFilter struct {
	Source         string
	Target         string
	AgentID        string
	Since          time.Time
	SuccessfulOnly bool
	Limit          int
}

// Routes lists resolved routes
func (c *Client) Routes(ctx context.Context, f RouteFilter) (*api.RoutesResponse, error) {
	q := url.Values{}
	if f.Source != "" {
		q.Set("source", f.Source)
	}
	if f.Target != "" {
		q.Set("target", f.Target)
	}
	if f.AgentID != "" {
		q.Set("agent", f.AgentID)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if f.SuccessfulOnly {
		q.Set("successful", "true")
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var resp api.RoutesResponse
	if err := c.do(ctx, http.MethodGet, api.PathRoutes, q, nil, &resp, nil); err != nil {
		return nil, fmt.Errorf("failed to get routes: %w", err)
	}
	return &resp, nil
}

// Reachability summarises how a node is heard
func (c *Client) Reachability(ctx context.Context, nodeID string) (*api.ReachabilityResponse, error) {
	var resp api.ReachabilityResponse
	path := api.PathNodes + url.PathEscape(nodeID) + "/reachability"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp, nil); err != nil {
		return nil, fmt.Errorf("failed to get reachability: %w", err)
	}
	return &resp, nil
}

// ShortestPath asks for the fewest-hop path between two nodes
func (c *Client) ShortestPath(ctx context.Context, source, target string, maxHops int) (*api.PathResponse, error) {
	q := url.Values{}
	q.Set("source", source)
	q.Set("target", target)
	if maxHops > 0 {
		q.Set("max_hops", strconv.Itoa(maxHops))
	}
	var resp api.PathResponse
	if err := c.do(ctx, http.MethodGet, api.PathPath, q, nil, &resp, nil); err != nil {
		return nil, fmt.Errorf("failed to get path: %w", err)
	}
	return &resp, nil
}

// Events lists recent events retained by the collector
func (c *Client) Events(ctx context.Context, agentID, eventType string, limit int) (*api.EventsResponse, error) {
	q := url.Values{}
	if agentID != "" {
		q.Set("agent", agentID)
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp api.EventsResponse
	if err := c.do(ctx, http.MethodGet, api.PathEvents, q, nil, &resp, nil); err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return &resp, nil
}

// Stats returns collector statistics
func (c *Client) Stats(ctx context.Context) (*api.StatsResponse, error) {
	var resp api.StatsResponse
	if err := c.do(ctx, http.MethodGet, api.PathStats, nil, nil, &resp, nil); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &resp, nil
}

// do performs a request and decodes the JSON response into respBody
func (c *Client) do(ctx context.Context, method, path string, query url.Values, reqBody, respBody any, header http.Header) error {
	u := &url.URL{Path: path}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	fullURL := c.baseURL.ResolveReference(u)

	var bodyReader io.Reader
	compressed := false
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		if c.config.Compression == codec.ZstdEncoding {
			jsonBody = codec.CompressZstd(jsonBody)
			compressed = true
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if compressed {
		req.Header.Set("Content-Encoding", codec.ZstdEncoding)
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
		var errResp api.ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err == nil && errResp.Message != "" {
			apiErr.Message = errResp.Message
		} else {
			apiErr.Message = string(bytes.TrimSpace(bodyBytes))
		}
		return apiErr
	}

	if respBody != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	return nil
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
