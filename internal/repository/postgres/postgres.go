package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/togglemetrics/internal/domain"
	"github.com/splax/togglemetrics/internal/repository"
)

const scanPageSize = 1000

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.MetricsRepository  = (*Repository)(nil)
	_ repository.StrategyRepository = (*Repository)(nil)
	_ repository.InstanceRepository = (*Repository)(nil)
)

// InsertMetrics appends a metrics report to the log.
func (r *Repository) InsertMetrics(ctx context.Context, report *domain.MetricsReport) error {
	if report == nil {
		return fmt.Errorf("metrics report required")
	}
	toggles, err := encodeToggles(report.Toggles)
	if err != nil {
		return err
	}
	received := report.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	const query = `INSERT INTO client_metrics (
		app_name,
		instance_id,
		bucket_start,
		bucket_stop,
		toggles,
		received_at
	) VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING id`
	var id int64
	err = r.pool.QueryRow(ctx, query,
		report.AppName,
		report.InstanceID,
		report.Bucket.Start,
		report.Bucket.Stop,
		toggles,
		received,
	).Scan(&id)
	if err != nil {
		return mapError(err)
	}
	report.ID = id
	report.ReceivedAt = received
	return nil
}

// ScanMetrics walks the metrics log in id order, one page at a time so no
// cursor is held open while fn runs.
func (r *Repository) ScanMetrics(ctx context.Context, fn func(domain.MetricsReport) error) error {
	const query = `SELECT id, app_name, instance_id, bucket_start, bucket_stop, toggles, received_at
		FROM client_metrics WHERE id > $1 ORDER BY id LIMIT $2`
	var after int64
	for {
		page, err := r.metricsPage(ctx, query, after)
		if err != nil {
			return err
		}
		for _, report := range page {
			if err := fn(report); err != nil {
				return err
			}
			after = report.ID
		}
		if len(page) < scanPageSize {
			return nil
		}
	}
}

func (r *Repository) metricsPage(ctx context.Context, query string, after int64) ([]domain.MetricsReport, error) {
	rows, err := r.pool.Query(ctx, query, after, scanPageSize)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	page := make([]domain.MetricsReport, 0, scanPageSize)
	for rows.Next() {
		var (
			report  domain.MetricsReport
			toggles []byte
		)
		if err := rows.Scan(&report.ID, &report.AppName, &report.InstanceID, &report.Bucket.Start, &report.Bucket.Stop, &toggles, &report.ReceivedAt); err != nil {
			return nil, err
		}
		decoded, err := decodeToggles(toggles)
		if err != nil {
			return nil, fmt.Errorf("decode toggles for metrics %d: %w", report.ID, err)
		}
		report.Toggles = decoded
		report.Bucket.Start = report.Bucket.Start.UTC()
		report.Bucket.Stop = report.Bucket.Stop.UTC()
		report.ReceivedAt = report.ReceivedAt.UTC()
		page = append(page, report)
	}
	return page, rows.Err()
}

// UpsertStrategies replaces the strategy set reported for an application.
func (r *Repository) UpsertStrategies(ctx context.Context, appName string, strategies []string) error {
	if strategies == nil {
		strategies = []string{}
	}
	const query = `INSERT INTO client_strategies (app_name, strategies, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (app_name) DO UPDATE SET strategies = EXCLUDED.strategies, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, appName, strategies)
	return mapError(err)
}

// GetStrategies returns the strategy set of an application, empty when unknown.
func (r *Repository) GetStrategies(ctx context.Context, appName string) ([]string, error) {
	const query = `SELECT strategies FROM client_strategies WHERE app_name = $1`
	var strategies []string
	if err := r.pool.QueryRow(ctx, query, appName).Scan(&strategies); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return []string{}, nil
		}
		return nil, err
	}
	if strategies == nil {
		strategies = []string{}
	}
	return strategies, nil
}

// ListStrategies returns the strategy sets of all applications.
func (r *Repository) ListStrategies(ctx context.Context) (map[string][]string, error) {
	const query = `SELECT app_name, strategies FROM client_strategies ORDER BY app_name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var (
			app        string
			strategies []string
		)
		if err := rows.Scan(&app, &strategies); err != nil {
			return nil, err
		}
		if strategies == nil {
			strategies = []string{}
		}
		out[app] = strategies
	}
	return out, rows.Err()
}

// UpsertInstance records a client instance. The update only applies when the
// incoming last_seen is not older than the stored one.
func (r *Repository) UpsertInstance(ctx context.Context, instance domain.ClientInstance) error {
	lastSeen := instance.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}
	const query = `INSERT INTO client_instances (app_name, instance_id, client_ip, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (app_name, instance_id) DO UPDATE SET
			client_ip = EXCLUDED.client_ip,
			last_seen = EXCLUDED.last_seen
		WHERE client_instances.last_seen <= EXCLUDED.last_seen`
	_, err := r.pool.Exec(ctx, query, instance.AppName, instance.InstanceID, emptyToNil(instance.ClientIP), lastSeen)
	return mapError(err)
}

// ListInstancesByApp returns an application's instances, most recently seen first.
func (r *Repository) ListInstancesByApp(ctx context.Context, appName string) ([]domain.ClientInstance, error) {
	const query = `SELECT app_name, instance_id, COALESCE(client_ip, ''), last_seen, created_at
		FROM client_instances WHERE app_name = $1 ORDER BY last_seen DESC, instance_id`
	rows, err := r.pool.Query(ctx, query, appName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	instances := make([]domain.ClientInstance, 0)
	for rows.Next() {
		var i domain.ClientInstance
		if err := rows.Scan(&i.AppName, &i.InstanceID, &i.ClientIP, &i.LastSeen, &i.CreatedAt); err != nil {
			return nil, err
		}
		i.LastSeen = i.LastSeen.UTC()
		i.CreatedAt = i.CreatedAt.UTC()
		instances = append(instances, i)
	}
	return instances, rows.Err()
}

// ListApplications returns the distinct application names known from instances.
func (r *Repository) ListApplications(ctx context.Context) ([]string, error) {
	const query = `SELECT DISTINCT app_name FROM client_instances ORDER BY app_name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apps := make([]string, 0)
	for rows.Next() {
		var app string
		if err := rows.Scan(&app); err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func encodeToggles(toggles map[string]domain.ToggleCount) ([]byte, error) {
	if toggles == nil {
		toggles = map[string]domain.ToggleCount{}
	}
	data, err := json.Marshal(toggles)
	if err != nil {
		return nil, fmt.Errorf("encode toggles: %w", err)
	}
	return data, nil
}

func decodeToggles(data []byte) (map[string]domain.ToggleCount, error) {
	toggles := make(map[string]domain.ToggleCount)
	if len(data) == 0 {
		return toggles, nil
	}
	if err := json.Unmarshal(data, &toggles); err != nil {
		return nil, err
	}
	return toggles, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return fmt.Errorf("%w: %s", repository.ErrNotFound, pgErr.Message)
		case "23502", "23514", "22P02", "22001":
			return fmt.Errorf("%w: %s", repository.ErrInvalidArgument, pgErr.Message)
		}
	}
	return err
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}
