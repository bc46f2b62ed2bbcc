// Package client talks to the togglemetrics API: Reporter sends client
// telemetry the way an SDK would, Client reads the aggregated views.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the read side of the API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	normalized, err := normalizeBaseURL(base)
	if err != nil {
		return nil, err
	}
	cli := &Client{
		baseURL:    normalized,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

func normalizeBaseURL(base string) (string, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4242"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return "", fmt.Errorf("invalid api base url: %w", err)
	}
	return strings.TrimRight(trimmed, "/"), nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
	Fields  []FieldError
}

// FieldError names a payload field the API rejected.
type FieldError struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) APIError {
	apiErr := APIError{Status: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Message string       `json:"message"`
		Errors  []FieldError `json:"errors"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Message)
	apiErr.Fields = payload.Errors
	return apiErr
}

// ToggleCount holds yes/no evaluation totals.
type ToggleCount struct {
	Yes uint64 `json:"yes"`
	No  uint64 `json:"no"`
}

// AppToggles lists the toggles one application has reported.
type AppToggles struct {
	AppName     string   `json:"appName"`
	SeenToggles []string `json:"seenToggles"`
}

// Application is an entry of the application listing.
type Application struct {
	AppName string `json:"appName"`
	Links   struct {
		AppDetails string `json:"appDetails"`
	} `json:"links"`
}

// Instance is a reporting client instance.
type Instance struct {
	AppName    string    `json:"appName"`
	InstanceID string    `json:"instanceId"`
	ClientIP   string    `json:"clientIp"`
	LastSeen   time.Time `json:"lastSeen"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ApplicationDetail joins everything known about one application.
type ApplicationDetail struct {
	AppName     string     `json:"appName"`
	Instances   []Instance `json:"instances"`
	Strategies  []string   `json:"strategies"`
	SeenToggles []string   `json:"seenToggles"`
}

// SeenToggles returns the toggles reported by every application.
func (c *Client) SeenToggles(ctx context.Context) ([]AppToggles, error) {
	var out []AppToggles
	if err := c.do(ctx, http.MethodGet, "/api/client/seen-toggles", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SeenTogglesByApp returns the toggles reported by one application.
func (c *Client) SeenTogglesByApp(ctx context.Context, appName string) (AppToggles, error) {
	var out AppToggles
	if err := c.do(ctx, http.MethodGet, "/api/client/seen-toggles/"+url.PathEscape(appName), nil, &out); err != nil {
		return AppToggles{}, err
	}
	return out, nil
}

// ToggleCounts returns global yes/no totals per toggle.
func (c *Client) ToggleCounts(ctx context.Context) (map[string]ToggleCount, error) {
	var out map[string]ToggleCount
	if err := c.do(ctx, http.MethodGet, "/api/metrics/feature-toggles", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Strategies returns the strategy set of one application.
func (c *Client) Strategies(ctx context.Context, appName string) ([]string, error) {
	var out []string
	path := "/api/client/strategies?appName=" + url.QueryEscape(appName)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AllStrategies returns the strategy set of every application.
func (c *Client) AllStrategies(ctx context.Context) (map[string][]string, error) {
	var out map[string][]string
	if err := c.do(ctx, http.MethodGet, "/api/client/strategies", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Applications lists known applications.
func (c *Client) Applications(ctx context.Context) ([]Application, error) {
	var out struct {
		Applications []Application `json:"applications"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/client/applications", nil, &out); err != nil {
		return nil, err
	}
	return out.Applications, nil
}

// ApplicationDetail returns the instances, strategies and toggles of one application.
func (c *Client) ApplicationDetail(ctx context.Context, appName string) (ApplicationDetail, error) {
	var out ApplicationDetail
	if err := c.do(ctx, http.MethodGet, "/api/client/applications/"+url.PathEscape(appName), nil, &out); err != nil {
		return ApplicationDetail{}, err
	}
	return out, nil
}
