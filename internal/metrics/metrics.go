// Package metrics defines the Prometheus instruments exported by the SDK.
// They are registered on the default registry; applications that already
// expose that registry get SDK metrics for free, everyone else can ignore
// them at zero cost.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace is the global prefix for all metrics (bifrost_...).
const namespace = "bifrost"

var (
	// EvaluationsTotal counts flag evaluations by outcome.
	// Metric: bifrost_evaluations_total{outcome="ok|error|default"}
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evaluations_total",
		Help:      "Total flag evaluations by outcome",
	}, []string{"outcome"})

	// DataSourceState reports the current data source state as a numeric
	// enum: 0 initializing, 1 valid, 2 interrupted, 3 off.
	DataSourceState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "data_source",
		Name:      "state",
		Help:      "Data source state (0=initializing, 1=valid, 2=interrupted, 3=off)",
	})

	// DataSourceUpdatesTotal counts items applied to the store from the
	// data source, by update kind.
	// Metric: bifrost_data_source_updates_total{kind="put|patch|delete"}
	DataSourceUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "data_source",
		Name:      "updates_total",
		Help:      "Total data updates applied to the store",
	}, []string{"kind"})

	// EventsDroppedTotal counts analytics events discarded because the
	// inbox was full. A nonzero rate means Events.Capacity is too small.
	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Total analytics events dropped due to a full buffer",
	})

	// EventFlushesTotal counts delivery attempts by result.
	// Metric: bifrost_events_flushes_total{status="success|fail"}
	EventFlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "flushes_total",
		Help:      "Total event payload deliveries by result",
	}, []string{"status"})

	// StoreCacheHits and StoreCacheMisses track the read cache in front of
	// a persistent data store.
	StoreCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "cache_hits_total",
		Help:      "Total persistent store reads served from cache",
	})

	StoreCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "cache_misses_total",
		Help:      "Total persistent store reads that missed the cache",
	})
)
