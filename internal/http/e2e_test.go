package httpx

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/togglemetrics/internal/domain"
	"github.com/splax/togglemetrics/internal/events"
	"github.com/splax/togglemetrics/internal/repository/memory"
	"github.com/splax/togglemetrics/internal/service/metrics"
	"github.com/splax/togglemetrics/internal/validate"
	"github.com/splax/togglemetrics/internal/ws"
	"github.com/splax/togglemetrics/pkg/api/client"
)

type e2eStack struct {
	server  *httptest.Server
	service *metrics.Service
	hub     *ws.Hub
}

func newE2EStack(t *testing.T) *e2eStack {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	repo := memory.New()
	hub := ws.NewHub()
	bus := events.NewBus(hub, nil, logger)
	svc := metrics.NewService(repo, repo, repo, validate.New(), bus, logger, metrics.Options{
		Workers:    2,
		Registerer: prometheus.NewRegistry(),
	})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start service: %v", err)
	}
	router := NewRouter(logger, svc, Options{Hub: hub, Limiter: newRateLimiterStub()})
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		router.Close()
		svc.Close()
		bus.Close()
		hub.Close()
	})
	return &e2eStack{server: server, service: svc, hub: hub}
}

func TestEndToEndReportAndQuery(t *testing.T) {
	stack := newE2EStack(t)
	ctx := context.Background()

	reporter, err := client.NewReporter(stack.server.URL, "web", "i1", nil)
	if err != nil {
		t.Fatalf("new reporter: %v", err)
	}
	if err := reporter.Register(ctx, client.Registration{Strategies: []string{"default", "userWithId"}, Interval: 10 * time.Second}); err != nil {
		t.Fatalf("register: %v", err)
	}
	for i := 0; i < 5; i++ {
		reporter.Count("new-ui", true)
	}
	reporter.Count("new-ui", false)
	if err := reporter.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reader, err := client.New(stack.server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		detail, err := reader.ApplicationDetail(ctx, "web")
		return err == nil && len(detail.Instances) == 1 && len(detail.SeenToggles) == 1 && len(detail.Strategies) == 2
	})

	counts, err := reader.ToggleCounts(ctx)
	if err != nil {
		t.Fatalf("toggle counts: %v", err)
	}
	if got := counts["new-ui"]; got.Yes != 5 || got.No != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}
	seen, err := reader.SeenTogglesByApp(ctx, "web")
	if err != nil || !reflect.DeepEqual(seen.SeenToggles, []string{"new-ui"}) {
		t.Fatalf("unexpected seen toggles %+v (%v)", seen, err)
	}
	apps, err := reader.Applications(ctx)
	if err != nil || len(apps) != 1 || apps[0].Links.AppDetails != "/api/client/applications/web" {
		t.Fatalf("unexpected applications %+v (%v)", apps, err)
	}
	detail, _ := reader.ApplicationDetail(ctx, "web")
	if detail.Instances[0].ClientIP != "127.0.0.1" {
		t.Fatalf("expected loopback client ip, got %q", detail.Instances[0].ClientIP)
	}
}

func TestEndToEndRejectsMalformedReport(t *testing.T) {
	stack := newE2EStack(t)
	resp, err := http.Post(stack.server.URL+"/api/client/metrics", "application/json", strings.NewReader(`{"appName":"web","instanceId":"i1","toggles":{}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body struct {
		Message string `json:"message"`
		Errors  []struct {
			Field string `json:"field"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Errors) == 0 || body.Errors[0].Field != "bucket" {
		t.Fatalf("unexpected error body %+v", body)
	}
	apps, _ := stack.service.Applications(context.Background())
	if len(apps) != 0 {
		t.Fatalf("expected no stored instances, got %+v", apps)
	}
}

func TestEndToEndWebsocketReceivesClientEvents(t *testing.T) {
	stack := newE2EStack(t)
	wsURL := "ws" + strings.TrimPrefix(stack.server.URL, "http") + "/api/client/events/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	waitFor(t, 2*time.Second, func() bool { return stack.hub.Subscribers(events.Topic) == 1 })

	reporter, _ := client.NewReporter(stack.server.URL, "web", "i1", nil)
	if err := reporter.Register(context.Background(), client.Registration{Strategies: []string{"default"}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var event domain.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Kind != domain.EventClientRegister || event.AppName != "web" || event.ID == "" {
		t.Fatalf("unexpected event %+v", event)
	}
}
