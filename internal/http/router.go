package httpx

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/togglemetrics/internal/domain"
	"github.com/splax/togglemetrics/internal/ws"
)

// MetricsService is the client telemetry surface the router exposes.
type MetricsService interface {
	ReportMetrics(ctx context.Context, body io.Reader, clientIP string) error
	RegisterClient(ctx context.Context, body io.Reader, clientIP string) error
	GlobalToggleCounts(ctx context.Context) (map[string]domain.ToggleCount, error)
	SeenAppsWithToggles(ctx context.Context) (map[string][]string, error)
	SeenTogglesByApp(ctx context.Context, appName string) ([]string, error)
	Strategies(ctx context.Context, appName string) ([]string, error)
	AllStrategies(ctx context.Context) (map[string][]string, error)
	Applications(ctx context.Context) ([]domain.Application, error)
	ApplicationDetail(ctx context.Context, appName string) (domain.ApplicationDetail, error)
}

// Options carries the optional router dependencies.
type Options struct {
	Limiter          RateLimiter
	ClientWriteLimit int
	MaxBodyBytes     int64
	Hub              *ws.Hub
	DBHealth         func(context.Context) error
	// Registerer and Gatherer default to the prometheus globals.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	metrics      MetricsService
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	writeLimit   int
	maxBodyBytes int64
	heartbeat    time.Duration
	dbHealth     func(context.Context) error
	gatherer     prometheus.Gatherer
	stats        *httpMetrics
}

const (
	rateWindowDefault       = time.Minute
	rateWindowRealtime      = 30 * time.Second
	rateLimitClientWrite    = 600
	rateLimitStream         = 30
	defaultMaxBodyBytes     = 1 << 20
	defaultStreamHeartbeat  = 15 * time.Second
	healthCheckTimeout      = 2 * time.Second
	clientPrefix            = "/api/client/"
	seenTogglesPath         = "/api/client/seen-toggles"
	applicationsPath        = "/api/client/applications"
	featureToggleCountsPath = "/api/metrics/feature-toggles"
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, metricsSvc MetricsService, opts Options) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		metrics: metricsSvc,
		hub:     opts.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      opts.Limiter,
		writeLimit:   opts.ClientWriteLimit,
		maxBodyBytes: opts.MaxBodyBytes,
		heartbeat:    defaultStreamHeartbeat,
		dbHealth:     opts.DBHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.writeLimit == 0 {
		r.writeLimit = rateLimitClientWrite
	}
	if r.maxBodyBytes <= 0 {
		r.maxBodyBytes = defaultMaxBodyBytes
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r.gatherer = opts.Gatherer
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.stats = newHTTPMetrics(reg, r.logger)
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))

	r.mux.HandleFunc(clientPrefix+"metrics", r.audit(clientPrefix+"metrics", r.limited(r.clientWriteRule(clientPrefix+"metrics"), r.handleClientMetrics)))
	r.mux.HandleFunc(clientPrefix+"register", r.audit(clientPrefix+"register", r.limited(r.clientWriteRule(clientPrefix+"register"), r.handleClientRegister)))
	r.mux.HandleFunc(seenTogglesPath, r.audit(seenTogglesPath, r.handleSeenToggles))
	r.mux.HandleFunc(seenTogglesPath+"/", r.audit(seenTogglesPath+"/{app}", r.handleSeenTogglesByApp))
	r.mux.HandleFunc(featureToggleCountsPath, r.audit(featureToggleCountsPath, r.handleFeatureToggleCounts))
	r.mux.HandleFunc(clientPrefix+"strategies", r.audit(clientPrefix+"strategies", r.handleStrategies))
	r.mux.HandleFunc(applicationsPath, r.audit(applicationsPath, r.handleApplications))
	r.mux.HandleFunc(applicationsPath+"/", r.audit(applicationsPath+"/{app}", r.handleApplicationDetail))
	r.mux.HandleFunc(clientPrefix+"events/ws", r.audit(clientPrefix+"events/ws", r.limited(streamRule(clientPrefix+"events/ws"), r.handleEventsWS)))
	r.mux.HandleFunc(clientPrefix+"events/stream", r.audit(clientPrefix+"events/stream", r.limited(streamRule(clientPrefix+"events/stream"), r.handleEventsStream)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.stats.observeRequest(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if ua := strings.TrimSpace(req.Header.Get("User-Agent")); ua != "" {
			fields = append(fields, "user_agent", ua)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the connection for write deadlines.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		// A hijacked connection answers the upgrade itself.
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

// pathParam returns the unescaped path segment after prefix. Escaped slashes
// inside the segment are kept.
func pathParam(req *http.Request, prefix string) (string, bool) {
	raw := strings.TrimPrefix(req.URL.EscapedPath(), prefix)
	if raw == "" || strings.Contains(raw, "/") {
		return "", false
	}
	value, err := url.PathUnescape(raw)
	if err != nil || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
