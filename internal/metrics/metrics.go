package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for replica metrics.
const (
	Fail       = "fail"
	Ok         = "ok"
	Superseded = "superseded"

	Applied  = "applied"
	Skipped  = "skipped"
	Replayed = "replayed"
	Invalid  = "invalid"

	ModeLive     = "live"
	ModeDegraded = "degraded"
)

// Collectors for the replica store and shape sync engine.
var (
	ChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_changes_total",
		Help: "Cumulative number of change records processed, by table and outcome.",
	}, []string{"table", "outcome"})
	BatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_batches_total",
		Help: "Cumulative number of change batches applied, by table and status.",
	}, []string{"table", "status"})
	BatchApplySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "replica_batch_apply_seconds",
		Help:    "Duration of batch application transactions.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	})
	ShapeResetsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_shape_resets_total",
		Help: "Cumulative number of shape resets requested by the server.",
	}, []string{"table"})
	ShapesUpToDate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replica_shapes_up_to_date",
		Help: "Number of open shapes whose initial snapshot has been applied.",
	})
	ShapesOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replica_shapes_open",
		Help: "Number of open shape subscriptions.",
	})
	TransportRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_transport_retries_total",
		Help: "Cumulative number of retried sync transport requests, by reason.",
	}, []string{"reason"})
)

// Collectors for live queries.
var (
	LiveQueriesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replica_live_queries_active",
		Help: "Number of live queries currently subscribed.",
	})
	LiveQueryFiresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replica_live_query_fires_total",
		Help: "Cumulative number of live query result deliveries.",
	})
	LiveQueryRerunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_live_query_reruns_total",
		Help: "Cumulative number of live query re-executions, by status.",
	}, []string{"status"})
	AdaptersAttached = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "replica_live_adapters_attached",
		Help: "Number of attached live query adapters, by mode.",
	}, []string{"mode"})
)

// Collectors for the lifecycle manager.
var (
	LifecycleTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_lifecycle_transitions_total",
		Help: "Cumulative number of lifecycle state transitions, by target state.",
	}, []string{"state"})
	InitializationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_initializations_total",
		Help: "Cumulative number of replica initializations, by status.",
	}, []string{"status"})
)

// ReplicaCollectors returns all replica metrics.
func ReplicaCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		ChangesTotal,
		BatchesTotal,
		BatchApplySeconds,
		ShapeResetsTotal,
		ShapesUpToDate,
		ShapesOpen,
		TransportRetriesTotal,
		LiveQueriesActive,
		LiveQueryFiresTotal,
		LiveQueryRerunsTotal,
		AdaptersAttached,
		LifecycleTransitionsTotal,
		InitializationsTotal,
	}
}
