// Package memory implements the repository interfaces in process memory. It
// backs the API when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/splax/togglemetrics/internal/domain"
	"github.com/splax/togglemetrics/internal/repository"
)

type instanceKey struct {
	appName    string
	instanceID string
}

// Repository keeps metrics, strategies and instances in maps guarded by a
// single RWMutex.
type Repository struct {
	mu         sync.RWMutex
	metrics    []domain.MetricsReport
	nextID     int64
	strategies map[string][]string
	instances  map[instanceKey]domain.ClientInstance
}

var (
	_ repository.MetricsRepository  = (*Repository)(nil)
	_ repository.StrategyRepository = (*Repository)(nil)
	_ repository.InstanceRepository = (*Repository)(nil)
)

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		strategies: make(map[string][]string),
		instances:  make(map[instanceKey]domain.ClientInstance),
	}
}

// InsertMetrics appends a report to the log.
func (r *Repository) InsertMetrics(ctx context.Context, report *domain.MetricsReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	report.ID = r.nextID
	r.metrics = append(r.metrics, cloneReport(*report))
	return nil
}

// ScanMetrics replays the log in insertion order.
func (r *Repository) ScanMetrics(ctx context.Context, fn func(domain.MetricsReport) error) error {
	r.mu.RLock()
	snapshot := make([]domain.MetricsReport, len(r.metrics))
	copy(snapshot, r.metrics)
	r.mu.RUnlock()

	for _, report := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(cloneReport(report)); err != nil {
			return err
		}
	}
	return nil
}

// UpsertStrategies replaces the strategy set of an application.
func (r *Repository) UpsertStrategies(ctx context.Context, appName string, strategies []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[appName] = append([]string{}, strategies...)
	return nil
}

// GetStrategies returns the strategy set of an application, empty when unknown.
func (r *Repository) GetStrategies(ctx context.Context, appName string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.strategies[appName]...), nil
}

// ListStrategies returns every application's strategy set.
func (r *Repository) ListStrategies(ctx context.Context) (map[string][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.strategies))
	for app, strategies := range r.strategies {
		out[app] = append([]string{}, strategies...)
	}
	return out, nil
}

// UpsertInstance stores the instance unless a newer record already exists.
func (r *Repository) UpsertInstance(ctx context.Context, instance domain.ClientInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := instanceKey{appName: instance.AppName, instanceID: instance.InstanceID}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.instances[key]
	if ok {
		if instance.LastSeen.Before(existing.LastSeen) {
			return nil
		}
		instance.CreatedAt = existing.CreatedAt
	} else if instance.CreatedAt.IsZero() {
		instance.CreatedAt = instance.LastSeen
	}
	r.instances[key] = instance
	return nil
}

// ListInstancesByApp returns the instances of an application, most recently seen first.
func (r *Repository) ListInstancesByApp(ctx context.Context, appName string) ([]domain.ClientInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]domain.ClientInstance, 0)
	for key, instance := range r.instances {
		if key.appName == appName {
			out = append(out, instance)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out, nil
}

// ListApplications returns the distinct application names, sorted.
func (r *Repository) ListApplications(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	seen := make(map[string]struct{})
	for key := range r.instances {
		seen[key.appName] = struct{}{}
	}
	r.mu.RUnlock()
	apps := make([]string, 0, len(seen))
	for app := range seen {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps, nil
}

func cloneReport(report domain.MetricsReport) domain.MetricsReport {
	toggles := make(map[string]domain.ToggleCount, len(report.Toggles))
	for name, count := range report.Toggles {
		toggles[name] = count
	}
	report.Toggles = toggles
	return report
}
