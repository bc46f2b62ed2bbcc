package metrics

import (
	"context"
	"sort"
	"sync"

	"github.com/splax/togglemetrics/internal/domain"
)

// ctxCheckEvery bounds how many map entries are copied between cancellation checks.
const ctxCheckEvery = 256

// toggleAggregator holds the incrementally folded views of the metrics log.
// A report is applied under the write lock in one step, so readers never
// observe a partially applied report.
type toggleAggregator struct {
	mu      sync.RWMutex
	counts  map[string]domain.ToggleCount
	seen    map[string]map[string]struct{}
	reports int64
}

func newToggleAggregator() *toggleAggregator {
	return &toggleAggregator{
		counts: make(map[string]domain.ToggleCount),
		seen:   make(map[string]map[string]struct{}),
	}
}

func (a *toggleAggregator) add(report domain.MetricsReport) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	toggles := a.seen[report.AppName]
	if toggles == nil {
		toggles = make(map[string]struct{}, len(report.Toggles))
		a.seen[report.AppName] = toggles
	}
	for name, count := range report.Toggles {
		a.counts[name] = a.counts[name].Add(count)
		toggles[name] = struct{}{}
	}
	a.reports++
}

func (a *toggleAggregator) globalCounts(ctx context.Context) (map[string]domain.ToggleCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]domain.ToggleCount, len(a.counts))
	i := 0
	for name, count := range a.counts {
		if i++; i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		out[name] = count
	}
	return out, nil
}

func (a *toggleAggregator) seenByApp(ctx context.Context) (map[string][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string][]string, len(a.seen))
	i := 0
	for app, toggles := range a.seen {
		if i++; i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		out[app] = sortedKeys(toggles)
	}
	return out, nil
}

func (a *toggleAggregator) seenForApp(ctx context.Context, appName string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return sortedKeys(a.seen[appName]), nil
}

func (a *toggleAggregator) reportCount() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reports
}

// Fold computes both aggregate views from scratch over a sequence of reports.
// The incrementally maintained views always equal Fold over the metrics log.
func Fold(reports []domain.MetricsReport) (map[string]domain.ToggleCount, map[string][]string) {
	counts := make(map[string]domain.ToggleCount)
	seen := make(map[string]map[string]struct{})
	for _, report := range reports {
		if seen[report.AppName] == nil {
			seen[report.AppName] = make(map[string]struct{})
		}
		for name, count := range report.Toggles {
			counts[name] = counts[name].Add(count)
			seen[report.AppName][name] = struct{}{}
		}
	}
	byApp := make(map[string][]string, len(seen))
	for app, toggles := range seen {
		byApp[app] = sortedKeys(toggles)
	}
	return counts, byApp
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
