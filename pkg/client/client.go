package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MyAirVault/BruhMCP-sub018/internal/orchestrator"
	"github.com/MyAirVault/BruhMCP-sub018/internal/session"
	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
)

// Client talks to a bruhmcpd control API.
type Client struct {
	base string
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the default 30s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// APIError is a non-2xx control API response.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	Kind       string `json:"kind,omitempty"`
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if derr := json.NewDecoder(resp.Body).Decode(apiErr); derr != nil {
			apiErr.Message = resp.Status
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Activate brings up a worker for the instance.
func (c *Client) Activate(ctx context.Context, req orchestrator.ActivateRequest) (orchestrator.ProcessRecord, error) {
	var rec orchestrator.ProcessRecord
	err := c.do(ctx, http.MethodPost, "/api/v1/instances/activate", req, &rec)
	return rec, err
}

// Deactivate stops the instance's worker. Returns whether one was running.
func (c *Client) Deactivate(ctx context.Context, instanceID string) (bool, error) {
	var out struct {
		Stopped bool `json:"stopped"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/instances/"+instanceID+"/deactivate", nil, &out)
	return out.Stopped, err
}

// Refresh forces a token refresh for the instance.
func (c *Client) Refresh(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/instances/"+instanceID+"/refresh", nil, nil)
}

// InstanceInfo pairs the durable record with the live process view.
type InstanceInfo struct {
	Instance store.InstanceMeta           `json:"instance"`
	Process  *orchestrator.ProcessRecord  `json:"process,omitempty"`
}

// GetInstance fetches one instance's durable and live state.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (InstanceInfo, error) {
	var out InstanceInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/instances/"+instanceID, nil, &out)
	return out, err
}

// ListInstances fetches every known instance.
func (c *Client) ListInstances(ctx context.Context) ([]store.InstanceMeta, error) {
	var out struct {
		Instances []store.InstanceMeta `json:"instances"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/instances", nil, &out)
	return out.Instances, err
}

// HealthReport is the daemon-wide health view.
type HealthReport struct {
	Workers      []orchestrator.InstanceHealth `json:"workers"`
	BreakerState string                        `json:"breaker_state"`
}

// Health probes every running worker.
func (c *Client) Health(ctx context.Context) (HealthReport, error) {
	var out HealthReport
	err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &out)
	return out, err
}

// SessionStats fetches the session registry statistics.
func (c *Client) SessionStats(ctx context.Context) (session.Statistics, error) {
	var out session.Statistics
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions/stats", nil, &out)
	return out, err
}

// Request routes one method call through the instance's handler session.
func (c *Client) Request(ctx context.Context, instanceID, method string, params json.RawMessage) (json.RawMessage, error) {
	var out struct {
		Result json.RawMessage `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/instances/"+instanceID+"/request",
		map[string]any{"method": method, "params": params}, &out)
	return out.Result, err
}
