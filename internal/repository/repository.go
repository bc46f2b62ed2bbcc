package repository

import (
	"context"

	"github.com/splax/togglemetrics/internal/domain"
)

// MetricsRepository is the append-only log of accepted metrics reports.
type MetricsRepository interface {
	InsertMetrics(ctx context.Context, report *domain.MetricsReport) error
	// ScanMetrics calls fn for every stored report in insertion order. It stops
	// at the first error returned by fn.
	ScanMetrics(ctx context.Context, fn func(domain.MetricsReport) error) error
}

// StrategyRepository stores the latest reported strategy set per application.
type StrategyRepository interface {
	UpsertStrategies(ctx context.Context, appName string, strategies []string) error
	GetStrategies(ctx context.Context, appName string) ([]string, error)
	ListStrategies(ctx context.Context) (map[string][]string, error)
}

// InstanceRepository tracks the last known identity of each client instance.
type InstanceRepository interface {
	// UpsertInstance stores the instance unless the stored record has a newer
	// LastSeen, in which case the call is a no-op.
	UpsertInstance(ctx context.Context, instance domain.ClientInstance) error
	ListInstancesByApp(ctx context.Context, appName string) ([]domain.ClientInstance, error)
	ListApplications(ctx context.Context) ([]string, error)
}
