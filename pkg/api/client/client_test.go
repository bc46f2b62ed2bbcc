package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientDecodesReadEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.EscapedPath() {
		case "/api/client/seen-toggles":
			_, _ = w.Write([]byte(`[{"appName":"web","seenToggles":["new-ui"]}]`))
		case "/api/client/seen-toggles/my%20app":
			_, _ = w.Write([]byte(`{"appName":"my app","seenToggles":["a"]}`))
		case "/api/metrics/feature-toggles":
			_, _ = w.Write([]byte(`{"new-ui":{"yes":5,"no":1}}`))
		case "/api/client/strategies":
			if r.URL.Query().Get("appName") == "web" {
				_, _ = w.Write([]byte(`["default"]`))
				return
			}
			_, _ = w.Write([]byte(`{"web":["default"]}`))
		case "/api/client/applications":
			_, _ = w.Write([]byte(`{"applications":[{"appName":"web","links":{"appDetails":"/api/client/applications/web"}}]}`))
		case "/api/client/applications/web":
			_, _ = w.Write([]byte(`{"appName":"web","instances":[{"appName":"web","instanceId":"i1","clientIp":"10.0.0.1"}],"strategies":["default"],"seenToggles":["new-ui"]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"not found"}`))
		}
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	seen, err := cli.SeenToggles(ctx)
	if err != nil || len(seen) != 1 || seen[0].AppName != "web" {
		t.Fatalf("seen toggles: %v %+v", err, seen)
	}
	one, err := cli.SeenTogglesByApp(ctx, "my app")
	if err != nil || one.AppName != "my app" {
		t.Fatalf("seen toggles by app: %v %+v", err, one)
	}
	counts, err := cli.ToggleCounts(ctx)
	if err != nil || counts["new-ui"].Yes != 5 {
		t.Fatalf("toggle counts: %v %+v", err, counts)
	}
	strategies, err := cli.Strategies(ctx, "web")
	if err != nil || len(strategies) != 1 {
		t.Fatalf("strategies: %v %v", err, strategies)
	}
	all, err := cli.AllStrategies(ctx)
	if err != nil || len(all["web"]) != 1 {
		t.Fatalf("all strategies: %v %v", err, all)
	}
	apps, err := cli.Applications(ctx)
	if err != nil || len(apps) != 1 || apps[0].Links.AppDetails != "/api/client/applications/web" {
		t.Fatalf("applications: %v %+v", err, apps)
	}
	detail, err := cli.ApplicationDetail(ctx, "web")
	if err != nil || len(detail.Instances) != 1 || detail.Instances[0].ClientIP != "10.0.0.1" {
		t.Fatalf("detail: %v %+v", err, detail)
	}

	_, err = cli.ApplicationDetail(ctx, "missing/app")
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Message != "not found" {
		t.Fatalf("expected APIError 404, got %v", err)
	}
}

func TestNewNormalizesBaseURL(t *testing.T) {
	cli, err := New(" localhost:4242/ ")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.baseURL != "http://localhost:4242" {
		t.Fatalf("unexpected base url %q", cli.baseURL)
	}
}
