package metrics

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

type instrumentation struct {
	reports     *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	queueDepth  prometheus.GaugeFunc
}

func newInstrumentation(reg prometheus.Registerer, depth func() int, logger *slog.Logger) *instrumentation {
	in := &instrumentation{
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "togglemetrics",
			Subsystem: "ingest",
			Name:      "reports_total",
			Help:      "Client reports received, by kind and outcome",
		}, []string{"kind", "outcome"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "togglemetrics",
			Subsystem: "ingest",
			Name:      "store_errors_total",
			Help:      "Background store writes that failed",
		}, []string{"store", "operation"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "togglemetrics",
			Subsystem: "ingest",
			Name:      "dropped_total",
			Help:      "Accepted reports that could not be queued",
		}, []string{"kind"}),
	}
	in.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "togglemetrics",
		Subsystem: "ingest",
		Name:      "queue_depth",
		Help:      "Reports waiting for a background worker",
	}, func() float64 { return float64(depth()) })

	if reg == nil {
		return in
	}
	in.reports = register(reg, in.reports, logger)
	in.storeErrors = register(reg, in.storeErrors, logger)
	in.dropped = register(reg, in.dropped, logger)
	// A second service on the same registry keeps the first depth gauge.
	register(reg, in.queueDepth, logger)
	return in
}

// register returns the collector already registered under the same
// descriptor, or c. Any other registration failure is logged and c stays
// usable but unexported.
func register[C prometheus.Collector](reg prometheus.Registerer, c C, logger *slog.Logger) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	logger.Warn("metrics collector not registered", "error", err)
	return c
}

func (in *instrumentation) report(kind, outcome string) {
	in.reports.WithLabelValues(kind, outcome).Inc()
}

func (in *instrumentation) storeError(store, operation string) {
	in.storeErrors.WithLabelValues(store, operation).Inc()
}

func (in *instrumentation) drop(kind string) {
	in.dropped.WithLabelValues(kind).Inc()
}
