package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrInvalidArgument indicates the API rejected the payload with validation errors.
var ErrInvalidArgument = errors.New("client telemetry invalid argument")

// ErrRateLimited indicates the API throttled the reporting instance.
var ErrRateLimited = errors.New("client telemetry rate limited")

// ErrPayloadTooLarge indicates the report exceeded the API body limit.
var ErrPayloadTooLarge = errors.New("client telemetry payload too large")

// Reporter accumulates toggle evaluations for one client instance and sends
// them to the metrics ingestion endpoint.
type Reporter struct {
	baseURL    string
	appName    string
	instanceID string
	client     *http.Client
	now        func() time.Time

	mu      sync.Mutex
	start   time.Time
	toggles map[string]ToggleCount
}

// Registration announces an instance and the strategies it implements.
type Registration struct {
	Strategies []string
	Started    time.Time
	Interval   time.Duration
	SDKVersion string
}

// NewReporter creates a reporter for one (appName, instanceID) pair.
func NewReporter(baseURL, appName, instanceID string, client *http.Client) (*Reporter, error) {
	normalized, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	appName = strings.TrimSpace(appName)
	instanceID = strings.TrimSpace(instanceID)
	if appName == "" || instanceID == "" {
		return nil, errors.New("client telemetry requires appName and instanceId")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	r := &Reporter{
		baseURL:    normalized,
		appName:    appName,
		instanceID: instanceID,
		client:     client,
		now:        time.Now,
		toggles:    make(map[string]ToggleCount),
	}
	r.start = r.now().UTC()
	return r, nil
}

// Count records one evaluation of a toggle.
func (r *Reporter) Count(toggle string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := r.toggles[toggle]
	if enabled {
		count.Yes++
	} else {
		count.No++
	}
	r.toggles[toggle] = count
}

// Flush sends the counts gathered since the previous flush as one bucket. The
// bucket is discarded when the API rejects it as invalid; any other failure
// folds the counts back so the next flush retries them.
func (r *Reporter) Flush(ctx context.Context) error {
	r.mu.Lock()
	toggles := r.toggles
	start := r.start
	stop := r.now().UTC()
	r.toggles = make(map[string]ToggleCount)
	r.start = stop
	r.mu.Unlock()

	payload := map[string]any{
		"appName":    r.appName,
		"instanceId": r.instanceID,
		"bucket": map[string]time.Time{
			"start": start,
			"stop":  stop,
		},
		"toggles": toggles,
	}
	err := r.post(ctx, "/api/client/metrics", payload)
	if err == nil || errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrPayloadTooLarge) {
		return err
	}
	r.mu.Lock()
	for name, count := range toggles {
		current := r.toggles[name]
		r.toggles[name] = ToggleCount{Yes: current.Yes + count.Yes, No: current.No + count.No}
	}
	r.start = start
	r.mu.Unlock()
	return err
}

// Register announces the instance to the API.
func (r *Reporter) Register(ctx context.Context, reg Registration) error {
	strategies := reg.Strategies
	if strategies == nil {
		strategies = []string{}
	}
	started := reg.Started
	if started.IsZero() {
		started = r.now()
	}
	payload := map[string]any{
		"appName":    r.appName,
		"instanceId": r.instanceID,
		"strategies": strategies,
		"started":    started.UTC(),
		"interval":   reg.Interval.Milliseconds(),
	}
	if v := strings.TrimSpace(reg.SDKVersion); v != "" {
		payload["sdkVersion"] = v
	}
	return r.post(ctx, "/api/client/register", payload)
}

func (r *Reporter) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal client telemetry: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build client telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send client telemetry: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	apiErr := decodeAPIError(resp)
	summary := apiErr.Message
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %w", ErrInvalidArgument, apiErr)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrPayloadTooLarge, summary)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, summary)
	default:
		return fmt.Errorf("client telemetry request failed: %s", summary)
	}
}
