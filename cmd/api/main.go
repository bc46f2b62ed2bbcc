package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/togglemetrics/internal/app/migrate"
	"github.com/splax/togglemetrics/internal/events"
	httpx "github.com/splax/togglemetrics/internal/http"
	"github.com/splax/togglemetrics/internal/repository"
	"github.com/splax/togglemetrics/internal/repository/memory"
	"github.com/splax/togglemetrics/internal/repository/postgres"
	"github.com/splax/togglemetrics/internal/service/metrics"
	"github.com/splax/togglemetrics/internal/validate"
	"github.com/splax/togglemetrics/internal/ws"
	"github.com/splax/togglemetrics/pkg/config"
	"github.com/splax/togglemetrics/pkg/logger"
)

type stores struct {
	metrics    repository.MetricsRepository
	strategies repository.StrategyRepository
	instances  repository.InstanceRepository
	health     func(context.Context) error
	close      func()
}

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer st.close()

	hub := ws.NewHub()
	defer hub.Close()

	var publisher events.Publisher
	if addr := strings.TrimSpace(cfg.EventsRedisAddr); addr != "" {
		redisPublisher, err := events.NewRedisPublisher(addr, cfg.EventsRedisPass, cfg.EventsRedisDB, cfg.EventsRedisChannel)
		if err != nil {
			log.Warn("redis event publisher unavailable", "error", err)
		} else {
			defer redisPublisher.Close()
			publisher = redisPublisher
		}
	}
	bus := events.NewBus(hub, publisher, log)
	defer bus.Close()

	svc := metrics.NewService(st.metrics, st.strategies, st.instances, validate.New(), bus, log, metrics.Options{
		Workers:      cfg.IngestWorkers,
		QueueSize:    cfg.IngestQueueSize,
		WriteTimeout: cfg.IngestWriteTimeout,
	})
	if err := svc.Start(ctx); err != nil {
		log.Error("failed to replay metrics log", "error", err)
		os.Exit(1)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, svc, httpx.Options{
		Limiter:          limiter,
		ClientWriteLimit: cfg.ClientWriteLimit,
		MaxBodyBytes:     cfg.MaxBodyBytes,
		Hub:              hub,
		DBHealth:         st.health,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		svc.Close()
		log.Info("api server stopped")
	case err := <-errorCh:
		svc.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func openStores(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (stores, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Warn("DATABASE_URL not set, using in-memory stores")
		repo := memory.New()
		return stores{metrics: repo, strategies: repo, instances: repo, close: func() {}}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return stores{}, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return stores{}, err
	}

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return stores{}, err
	}
	if err := runner.Ensure(ctx); err != nil {
		pool.Close()
		return stores{}, err
	}

	repo := postgres.New(pool)
	return stores{
		metrics:    repo,
		strategies: repo,
		instances:  repo,
		health:     pool.Ping,
		close:      pool.Close,
	}, nil
}
