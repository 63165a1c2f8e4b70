// Package observability provides Prometheus metrics, structured logging and
// the ops HTTP endpoint.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Stream metrics
	RecordsRead      *prometheus.CounterVec
	RecordsAcked     *prometheus.CounterVec
	RecordsClaimed   *prometheus.CounterVec
	RecordsPublished *prometheus.CounterVec
	ReaderErrors     *prometheus.CounterVec

	// Batch metrics
	BatchFlushes      *prometheus.CounterVec
	BatchFlushSize    prometheus.Histogram
	BatchFlushLatency prometheus.Histogram

	// Materializer metrics
	EventsMaterialized *prometheus.CounterVec
	DeadLettered       *prometheus.CounterVec
	WriteConflicts     *prometheus.CounterVec
	PoolResolveRetries prometheus.Counter
	PoolCacheLookups   *prometheus.CounterVec

	// Ingestion metrics
	BlocksIngested   *prometheus.CounterVec
	HighestHeight    prometheus.Gauge
	RPCCallLatency   *prometheus.HistogramVec
	WSReconnects     prometheus.Counter
	EventsPublished  *prometheus.CounterVec
	ParseFailures    prometheus.Counter

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulFlush prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered with the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith creates a Metrics instance registered with reg.
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "dex_indexer"
	}
	f := promauto.With(reg)

	return &Metrics{
		RecordsRead: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "records_read_total",
			Help:      "Total number of stream records delivered to handlers",
		}, []string{"stream"}),
		RecordsAcked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "records_acked_total",
			Help:      "Total number of stream records acknowledged",
		}, []string{"stream"}),
		RecordsClaimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "records_claimed_total",
			Help:      "Total number of stale pending records claimed",
		}, []string{"stream"}),
		RecordsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "records_published_total",
			Help:      "Total number of records appended to streams",
		}, []string{"stream"}),
		ReaderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reader_errors_total",
			Help:      "Total number of reader errors by kind",
		}, []string{"stream", "kind"}),

		BatchFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "flushes_total",
			Help:      "Total number of batch flushes by status",
		}, []string{"status"}),
		BatchFlushSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "flush_size",
			Help:      "Number of items per batch flush",
			Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000, 2500},
		}),
		BatchFlushLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "flush_latency_seconds",
			Help:      "Batch flush latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		EventsMaterialized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "materializer",
			Name:      "events_total",
			Help:      "Total number of events handled by kind and outcome",
		}, []string{"kind", "outcome"}),
		DeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "materializer",
			Name:      "dead_lettered_total",
			Help:      "Total number of records routed to dead-letter storage",
		}, []string{"reason"}),
		WriteConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "materializer",
			Name:      "write_conflicts_total",
			Help:      "Total number of rows skipped on conflict",
		}, []string{"table"}),
		PoolResolveRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "materializer",
			Name:      "pool_resolve_retries_total",
			Help:      "Total number of pool resolution retries",
		}),
		PoolCacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poolcache",
			Name:      "lookups_total",
			Help:      "Total number of pool cache lookups by result",
		}, []string{"result"}),

		BlocksIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "blocks_total",
			Help:      "Total number of blocks ingested by source",
		}, []string{"source"}),
		HighestHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "highest_height",
			Help:      "Highest block height seen",
		}),
		RPCCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "rpc_call_latency_seconds",
			Help:      "Chain RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		WSReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "ws_reconnects_total",
			Help:      "Total number of websocket reconnects",
		}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "events_published_total",
			Help:      "Total number of parsed events published by kind",
		}, []string{"kind"}),
		ParseFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "parse_failures_total",
			Help:      "Total number of raw blocks that failed to parse",
		}),

		DBQueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		LastSuccessfulFlush: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_flush_timestamp",
			Help:      "Unix timestamp of last successful batch flush",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordRead counts records delivered from stream.
func (m *Metrics) RecordRead(stream string, n int) {
	if m == nil {
		return
	}
	m.RecordsRead.WithLabelValues(stream).Add(float64(n))
}

// RecordAcked counts acknowledged records.
func (m *Metrics) RecordAcked(stream string, n int) {
	if m == nil {
		return
	}
	m.RecordsAcked.WithLabelValues(stream).Add(float64(n))
}

// RecordClaimed counts claimed records.
func (m *Metrics) RecordClaimed(stream string, n int) {
	if m == nil {
		return
	}
	m.RecordsClaimed.WithLabelValues(stream).Add(float64(n))
}

// RecordPublished counts one appended record.
func (m *Metrics) RecordPublished(stream string) {
	if m == nil {
		return
	}
	m.RecordsPublished.WithLabelValues(stream).Inc()
}

// RecordReaderError counts a reader error of the given kind.
func (m *Metrics) RecordReaderError(stream, kind string) {
	if m == nil {
		return
	}
	m.ReaderErrors.WithLabelValues(stream, kind).Inc()
}

// RecordFlush records one batch flush.
func (m *Metrics) RecordFlush(size int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.BatchFlushSize.Observe(float64(size))
	m.BatchFlushLatency.Observe(elapsed.Seconds())
	if err != nil {
		m.BatchFlushes.WithLabelValues("error").Inc()
		return
	}
	m.BatchFlushes.WithLabelValues("ok").Inc()
	m.LastSuccessfulFlush.SetToCurrentTime()
}

// RecordEvent counts one handled event.
func (m *Metrics) RecordEvent(kind, outcome string) {
	if m == nil {
		return
	}
	m.EventsMaterialized.WithLabelValues(kind, outcome).Inc()
}

// RecordDeadLetter counts one dead-lettered record.
func (m *Metrics) RecordDeadLetter(reason string) {
	if m == nil {
		return
	}
	m.DeadLettered.WithLabelValues(reason).Inc()
}

// RecordConflicts counts rows skipped on conflict in table.
func (m *Metrics) RecordConflicts(table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.WriteConflicts.WithLabelValues(table).Add(float64(n))
}

// RecordResolveRetry counts one pool resolution retry.
func (m *Metrics) RecordResolveRetry() {
	if m == nil {
		return
	}
	m.PoolResolveRetries.Inc()
}

// RecordCacheLookup counts one pool cache lookup.
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.PoolCacheLookups.WithLabelValues(result).Inc()
}

// RecordBlock counts an ingested block and tracks the highest height.
func (m *Metrics) RecordBlock(source string, height int64) {
	if m == nil {
		return
	}
	m.BlocksIngested.WithLabelValues(source).Inc()
	m.HighestHeight.Set(float64(height))
}

// RecordRPCLatency records RPC call latency.
func (m *Metrics) RecordRPCLatency(method string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RPCCallLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordReconnect counts a websocket reconnect.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.WSReconnects.Inc()
}

// RecordEventPublished counts a parsed event published by the processor.
func (m *Metrics) RecordEventPublished(kind string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(kind).Inc()
}

// RecordParseFailure counts a raw block that failed to parse.
func (m *Metrics) RecordParseFailure() {
	if m == nil {
		return
	}
	m.ParseFailures.Inc()
}

// RecordDBQuery records database query metrics.
func (m *Metrics) RecordDBQuery(database, operation string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(database, operation).Observe(elapsed.Seconds())
	if err != nil {
		m.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
