// Package metrics ingests client telemetry and answers aggregate queries.
//
// Ingestion is best-effort. ReportMetrics and RegisterClient validate the
// payload synchronously and return as soon as the report is queued. The store
// writes run afterwards on a sharded worker pool; a failed write is logged
// with the full report and counted, but is never reported back to the client
// and never retried.
package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/splax/togglemetrics/internal/domain"
	"github.com/splax/togglemetrics/internal/events"
	"github.com/splax/togglemetrics/internal/repository"
)

const (
	defaultWorkers      = 4
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second

	// ApplicationsPath prefixes the appDetails link of every application.
	ApplicationsPath = "/api/client/applications/"
)

const (
	kindMetrics  = "metrics"
	kindRegister = "register"
)

// Validator parses raw payloads into reports.
type Validator interface {
	MetricsReport(body io.Reader) (domain.MetricsReport, error)
	RegistrationReport(body io.Reader) (domain.RegistrationReport, error)
}

// Options tunes the ingestion worker pool.
type Options struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
	// Registerer receives the ingest collectors. Nil uses the default registry.
	Registerer prometheus.Registerer
}

// Service coordinates report ingestion and owns the aggregate views.
type Service struct {
	metrics    repository.MetricsRepository
	strategies repository.StrategyRepository
	instances  repository.InstanceRepository
	validator  Validator
	emitter    events.Emitter
	aggregator *toggleAggregator
	queue      *shardedQueue
	instr      *instrumentation
	logger     *slog.Logger

	writeTimeout time.Duration
	now          func() time.Time
	lastStamp    atomic.Int64

	startOnce sync.Once
	startErr  error
	closeOnce sync.Once
}

// NewService wires the coordinator. Workers do not run until Start.
func NewService(metricsRepo repository.MetricsRepository, strategyRepo repository.StrategyRepository, instanceRepo repository.InstanceRepository, validator Validator, emitter events.Emitter, logger *slog.Logger, opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "client_metrics")
	queue := newShardedQueue(opts.Workers, opts.QueueSize)
	return &Service{
		metrics:      metricsRepo,
		strategies:   strategyRepo,
		instances:    instanceRepo,
		validator:    validator,
		emitter:      emitter,
		aggregator:   newToggleAggregator(),
		queue:        queue,
		instr:        newInstrumentation(opts.Registerer, queue.depth, logger),
		logger:       logger,
		writeTimeout: opts.WriteTimeout,
		now:          time.Now,
	}
}

// Start replays the metrics log into the aggregator and then starts the
// workers. Later calls return the first call's result.
func (s *Service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		started := s.now()
		var replayed int
		err := s.metrics.ScanMetrics(ctx, func(report domain.MetricsReport) error {
			s.aggregator.add(report)
			replayed++
			return nil
		})
		if err != nil {
			s.startErr = err
			return
		}
		s.queue.start()
		s.logger.Info("client metrics service started", "replayed_reports", replayed, "replay_duration", s.now().Sub(started))
	})
	return s.startErr
}

// Close stops accepting reports and waits for queued writes to finish.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.queue.close()
		s.logger.Info("client metrics service stopped")
	})
}

// ReportMetrics validates a metrics payload and queues it for storage. Only
// validation failures are returned.
func (s *Service) ReportMetrics(ctx context.Context, body io.Reader, clientIP string) error {
	report, err := s.validator.MetricsReport(body)
	if err != nil {
		s.instr.report(kindMetrics, "rejected")
		return err
	}
	report.ReceivedAt = s.stamp()
	s.instr.report(kindMetrics, "accepted")

	key := shardKey(report.AppName, report.InstanceID)
	if err := s.queue.enqueue(ctx, key, func() { s.storeMetrics(report, clientIP) }); err != nil {
		s.instr.drop(kindMetrics)
		s.logger.Error("client metrics dropped before storage", append(metricsAttrs(report, clientIP), "error", err)...)
	}
	return nil
}

// RegisterClient validates a registration payload and queues it for storage.
func (s *Service) RegisterClient(ctx context.Context, body io.Reader, clientIP string) error {
	report, err := s.validator.RegistrationReport(body)
	if err != nil {
		s.instr.report(kindRegister, "rejected")
		return err
	}
	report.ReceivedAt = s.stamp()
	s.instr.report(kindRegister, "accepted")

	key := shardKey(report.AppName, report.InstanceID)
	if err := s.queue.enqueue(ctx, key, func() { s.storeRegistration(report, clientIP) }); err != nil {
		s.instr.drop(kindRegister)
		s.logger.Error("client registration dropped before storage", append(registrationAttrs(report, clientIP), "error", err)...)
	}
	return nil
}

func (s *Service) storeMetrics(report domain.MetricsReport, clientIP string) {
	err := s.withTimeout(func(ctx context.Context) error {
		return s.metrics.InsertMetrics(ctx, &report)
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		// The row may have committed after the deadline; warm start folds it in.
		s.instr.storeError("metrics", "insert")
		s.logger.Error("client metrics insert outcome unknown, aggregates catch up on next start", append(metricsAttrs(report, clientIP), "error", err)...)
	case err != nil:
		s.instr.storeError("metrics", "insert")
		s.logger.Error("failed to store client metrics", append(metricsAttrs(report, clientIP), "error", err)...)
	default:
		s.aggregator.add(report)
	}

	if err := s.upsertInstance(report.AppName, report.InstanceID, clientIP, report.ReceivedAt); err != nil {
		s.instr.storeError("instances", "upsert")
		s.logger.Error("failed to store client instance", append(metricsAttrs(report, clientIP), "error", err)...)
	}

	s.emit(domain.EventClientMetrics, report.AppName, report.InstanceID)
}

func (s *Service) storeRegistration(report domain.RegistrationReport, clientIP string) {
	ok := true
	err := s.withTimeout(func(ctx context.Context) error {
		return s.strategies.UpsertStrategies(ctx, report.AppName, report.Strategies)
	})
	if err != nil {
		ok = false
		s.instr.storeError("strategies", "upsert")
		s.logger.Error("failed to store client strategies", append(registrationAttrs(report, clientIP), "error", err)...)
	}

	if err := s.upsertInstance(report.AppName, report.InstanceID, clientIP, report.ReceivedAt); err != nil {
		ok = false
		s.instr.storeError("instances", "upsert")
		s.logger.Error("failed to store client instance", append(registrationAttrs(report, clientIP), "error", err)...)
	}

	s.emit(domain.EventClientRegister, report.AppName, report.InstanceID)
	if ok {
		s.logger.Info("new client registered", "app_name", report.AppName, "instance_id", report.InstanceID, "client_ip", clientIP)
	}
}

func (s *Service) upsertInstance(appName, instanceID, clientIP string, seen time.Time) error {
	return s.withTimeout(func(ctx context.Context) error {
		return s.instances.UpsertInstance(ctx, domain.ClientInstance{
			AppName:    appName,
			InstanceID: instanceID,
			ClientIP:   clientIP,
			LastSeen:   seen,
		})
	})
}

func (s *Service) emit(kind domain.EventKind, appName, instanceID string) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(context.Background(), domain.Event{
		Kind:       kind,
		AppName:    appName,
		InstanceID: instanceID,
	})
}

// Workers are detached from any request, so every write gets its own deadline.
func (s *Service) withTimeout(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	return fn(ctx)
}

// stamp returns a strictly increasing UTC arrival time.
func (s *Service) stamp() time.Time {
	for {
		next := s.now().UTC().UnixNano()
		last := s.lastStamp.Load()
		if next <= last {
			next = last + 1
		}
		if s.lastStamp.CompareAndSwap(last, next) {
			return time.Unix(0, next).UTC()
		}
	}
}

// GlobalToggleCounts returns yes/no totals per toggle across every report.
func (s *Service) GlobalToggleCounts(ctx context.Context) (map[string]domain.ToggleCount, error) {
	return s.aggregator.globalCounts(ctx)
}

// SeenAppsWithToggles returns, per application, the sorted toggles it reported.
func (s *Service) SeenAppsWithToggles(ctx context.Context) (map[string][]string, error) {
	return s.aggregator.seenByApp(ctx)
}

// SeenTogglesByApp returns the toggles one application reported. An unknown
// application yields an empty slice.
func (s *Service) SeenTogglesByApp(ctx context.Context, appName string) ([]string, error) {
	return s.aggregator.seenForApp(ctx, appName)
}

// Strategies returns the latest strategy set of an application.
func (s *Service) Strategies(ctx context.Context, appName string) ([]string, error) {
	return s.strategies.GetStrategies(ctx, appName)
}

// AllStrategies returns the latest strategy set of every application.
func (s *Service) AllStrategies(ctx context.Context) (map[string][]string, error) {
	return s.strategies.ListStrategies(ctx)
}

// Applications lists known applications with their detail links.
func (s *Service) Applications(ctx context.Context) ([]domain.Application, error) {
	names, err := s.instances.ListApplications(ctx)
	if err != nil {
		return nil, err
	}
	apps := make([]domain.Application, 0, len(names))
	for _, name := range names {
		apps = append(apps, domain.Application{
			AppName: name,
			Links:   domain.ApplicationLinks{AppDetails: ApplicationsPath + url.PathEscape(name)},
		})
	}
	return apps, nil
}

// ApplicationDetail joins instances, strategies and seen toggles of one application.
func (s *Service) ApplicationDetail(ctx context.Context, appName string) (domain.ApplicationDetail, error) {
	detail := domain.ApplicationDetail{AppName: appName}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		instances, err := s.instances.ListInstancesByApp(gctx, appName)
		if err != nil {
			return err
		}
		detail.Instances = instances
		return nil
	})
	g.Go(func() error {
		strategies, err := s.strategies.GetStrategies(gctx, appName)
		if err != nil {
			return err
		}
		detail.Strategies = strategies
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.ApplicationDetail{}, err
	}
	toggles, err := s.aggregator.seenForApp(ctx, appName)
	if err != nil {
		return domain.ApplicationDetail{}, err
	}
	detail.SeenToggles = toggles
	if detail.Instances == nil {
		detail.Instances = []domain.ClientInstance{}
	}
	if detail.Strategies == nil {
		detail.Strategies = []string{}
	}
	return detail, nil
}

func shardKey(appName, instanceID string) string {
	return appName + "\x00" + instanceID
}

func metricsAttrs(report domain.MetricsReport, clientIP string) []any {
	return []any{
		"app_name", report.AppName,
		"instance_id", report.InstanceID,
		"client_ip", clientIP,
		"bucket_start", report.Bucket.Start,
		"bucket_stop", report.Bucket.Stop,
		"toggles", report.Toggles,
		"received_at", report.ReceivedAt,
	}
}

func registrationAttrs(report domain.RegistrationReport, clientIP string) []any {
	return []any{
		"app_name", report.AppName,
		"instance_id", report.InstanceID,
		"client_ip", clientIP,
		"strategies", report.Strategies,
		"started", report.Started,
		"interval_ms", report.IntervalMS,
		"sdk_version", report.SDKVersion,
		"received_at", report.ReceivedAt,
	}
}
