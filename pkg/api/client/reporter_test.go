package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type capturedRequest struct {
	path    string
	payload map[string]any
}

func newCaptureServer(t *testing.T, status int, body string) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		mu.Lock()
		captured = append(captured, capturedRequest{path: r.URL.Path, payload: payload})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), captured...)
	}
}

func TestReporterFlushSendsBucket(t *testing.T) {
	srv, requests := newCaptureServer(t, http.StatusAccepted, `{"status":"accepted"}`)
	reporter, err := NewReporter(srv.URL+"/", " web ", "i1", nil)
	if err != nil {
		t.Fatalf("new reporter: %v", err)
	}
	base := time.Date(2025, time.January, 2, 10, 0, 0, 0, time.UTC)
	reporter.start = base
	reporter.now = func() time.Time { return base.Add(time.Minute) }

	reporter.Count("new-ui", true)
	reporter.Count("new-ui", true)
	reporter.Count("new-ui", false)
	if err := reporter.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got := requests()
	if len(got) != 1 || got[0].path != "/api/client/metrics" {
		t.Fatalf("unexpected requests %+v", got)
	}
	payload := got[0].payload
	if payload["appName"] != "web" || payload["instanceId"] != "i1" {
		t.Fatalf("unexpected identity %v", payload)
	}
	bucket, _ := payload["bucket"].(map[string]any)
	if bucket["start"] != "2025-01-02T10:00:00Z" || bucket["stop"] != "2025-01-02T10:01:00Z" {
		t.Fatalf("unexpected bucket %v", bucket)
	}
	toggles, _ := payload["toggles"].(map[string]any)
	counts, _ := toggles["new-ui"].(map[string]any)
	if counts["yes"] != float64(2) || counts["no"] != float64(1) {
		t.Fatalf("unexpected counts %v", toggles)
	}
	if len(reporter.toggles) != 0 || !reporter.start.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected a fresh bucket after flush")
	}
}

func TestReporterFlushRetainsCountsOnServerError(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusInternalServerError, `{"message":"internal error"}`)
	reporter, err := NewReporter(srv.URL, "web", "i1", &http.Client{Timeout: time.Second})
	if err != nil {
		t.Fatalf("new reporter: %v", err)
	}
	reporter.Count("a", true)
	if err := reporter.Flush(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	reporter.Count("a", false)
	if got := reporter.toggles["a"]; got.Yes != 1 || got.No != 1 {
		t.Fatalf("expected counts folded back, got %+v", got)
	}
}

func TestReporterFlushInvalidArgumentDropsBucket(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusBadRequest, `{"message":"validation failed","errors":[{"field":"toggles","detail":"bad"}]}`)
	reporter, _ := NewReporter(srv.URL, "web", "i1", nil)
	reporter.Count("a", true)
	err := reporter.Flush(context.Background())
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) || len(apiErr.Fields) != 1 || apiErr.Fields[0].Field != "toggles" {
		t.Fatalf("expected field errors, got %+v", apiErr)
	}
	if len(reporter.toggles) != 0 {
		t.Fatalf("expected rejected bucket to be dropped")
	}
}

func TestReporterRateLimited(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusTooManyRequests, `{"message":"rate limit exceeded"}`)
	reporter, _ := NewReporter(srv.URL, "web", "i1", nil)
	if err := reporter.Register(context.Background(), Registration{}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestReporterRegister(t *testing.T) {
	srv, requests := newCaptureServer(t, http.StatusAccepted, `{}`)
	reporter, _ := NewReporter(srv.URL, "web", "i1", nil)
	started := time.Date(2025, time.January, 2, 9, 0, 0, 0, time.UTC)
	err := reporter.Register(context.Background(), Registration{
		Strategies: []string{"default"},
		Started:    started,
		Interval:   10 * time.Second,
		SDKVersion: "togglemetrics-go:1.0.0",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	got := requests()
	if len(got) != 1 || got[0].path != "/api/client/register" {
		t.Fatalf("unexpected requests %+v", got)
	}
	payload := got[0].payload
	if payload["interval"] != float64(10000) || payload["started"] != "2025-01-02T09:00:00Z" || payload["sdkVersion"] != "togglemetrics-go:1.0.0" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestNewReporterRequiresIdentity(t *testing.T) {
	if _, err := NewReporter("http://localhost", "", "i1", nil); err == nil {
		t.Fatal("expected error for missing app name")
	}
	if _, err := NewReporter("http://localhost", "web", " ", nil); err == nil {
		t.Fatal("expected error for missing instance id")
	}
}
