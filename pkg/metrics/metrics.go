package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Storage metrics
	DocumentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "solidb_documents_total",
			Help: "Total number of live documents by collection",
		},
		[]string{"database", "collection"},
	)

	DocumentWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solidb_document_writes_total",
			Help: "Total number of document mutations by collection and operation",
		},
		[]string{"database", "collection", "operation"},
	)

	IndexEntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "solidb_index_entries_total",
			Help: "Total number of entries maintained by an index",
		},
		[]string{"database", "collection", "index"},
	)

	BatchWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "solidb_batch_write_duration_seconds",
			Help:    "Time taken to commit a document+index KV batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Query metrics
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solidb_query_duration_seconds",
			Help:    "Query execution duration in seconds by access path",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"access_path"},
	)

	QueryDocumentsScanned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "solidb_query_documents_scanned",
			Help:    "Number of documents scanned per query",
			Buckets: []float64{1, 10, 100, 1000, 10000, 100000},
		},
	)

	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solidb_queries_total",
			Help: "Total number of executed queries by result",
		},
		[]string{"result"},
	)

	// Replication metrics
	ReplicationSequence = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "solidb_replication_current_sequence",
			Help: "Current local replication log sequence",
		},
	)

	ReplicationLagEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "solidb_replication_lag_entries",
			Help: "Number of entries a peer is behind the local sequence",
		},
		[]string{"peer"},
	)

	ReplicationApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "solidb_replication_apply_duration_seconds",
			Help:    "Time taken to apply a replicated batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReplicationEntriesAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solidb_replication_entries_applied_total",
			Help: "Total number of replication entries applied by origin",
		},
		[]string{"origin"},
	)

	PeersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "solidb_peers_connected",
			Help: "Number of peers currently connected",
		},
	)

	// Shard coordinator metrics
	ShardsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "solidb_shards_total",
			Help: "Total number of shards by health state",
		},
		[]string{"state"},
	)

	RebalanceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "solidb_rebalance_duration_seconds",
			Help:    "Time taken for a shard rebalance cycle in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	HealCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solidb_heal_cycles_total",
			Help: "Total number of shard healing cycles by outcome",
		},
		[]string{"outcome"},
	)

	// Offline sync store metrics
	PendingQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "solidb_pending_queue_depth",
			Help: "Number of pending changes in the offline sync queue",
		},
	)

	PendingQueueBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "solidb_pending_queue_bytes",
			Help: "Total bytes of pending changes in the offline sync queue",
		},
	)

	PendingQueueRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solidb_pending_queue_rejected_total",
			Help: "Total number of pending changes rejected by the bounded queue",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(DocumentsTotal)
	prometheus.MustRegister(DocumentWritesTotal)
	prometheus.MustRegister(IndexEntriesTotal)
	prometheus.MustRegister(BatchWriteDuration)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryDocumentsScanned)
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(ReplicationSequence)
	prometheus.MustRegister(ReplicationLagEntries)
	prometheus.MustRegister(ReplicationApplyDuration)
	prometheus.MustRegister(ReplicationEntriesAppliedTotal)
	prometheus.MustRegister(PeersConnected)
	prometheus.MustRegister(ShardsTotal)
	prometheus.MustRegister(RebalanceDuration)
	prometheus.MustRegister(HealCyclesTotal)
	prometheus.MustRegister(PendingQueueDepth)
	prometheus.MustRegister(PendingQueueBytes)
	prometheus.MustRegister(PendingQueueRejectedTotal)
}

// Handler returns the Prometheus HTTP handler for an embedding process to mount.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
