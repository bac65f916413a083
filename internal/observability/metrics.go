// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Feed metrics
	TicksReceived       prometheus.Counter
	FanoutDropped       *prometheus.CounterVec
	FeedStatusChanges   *prometheus.CounterVec
	Reconnects          *prometheus.CounterVec
	HistoryFetchLatency prometheus.Histogram
	HistoryFetchErrors  *prometheus.CounterVec
	LastTickTimestamp   prometheus.Gauge

	// Aggregation metrics
	CandlesClosed         *prometheus.CounterVec
	LateTicksDropped      prometheus.Counter
	StaleCandlesDiscarded prometheus.Counter

	// Recovery metrics
	RecoveryRuns      *prometheus.CounterVec
	RecoveryDuration  prometheus.Histogram
	CandlesBackfilled prometheus.Counter
	DegradedSymbols   *prometheus.GaugeVec

	// Signal metrics
	SignalsCreated    *prometheus.CounterVec
	SignalsSuppressed *prometheus.CounterVec
	SignalsExpired    prometheus.Counter
	IntentsCreated    prometheus.Counter
	IntentsExited     *prometheus.CounterVec

	// Event log metrics
	EventsAppended      *prometheus.CounterVec
	SequenceCorruptions prometheus.Counter
	RelayObservers      prometheus.Gauge
	RelayDropped        prometheus.Counter

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mtf_feed"
	}

	return &Metrics{
		// Feed metrics
		TicksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "ticks_received_total",
			Help:      "Total number of ticks received from broker transports",
		}),
		FanoutDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "fanout_dropped_total",
			Help:      "Ticks dropped because a consumer queue was full",
		}, []string{"consumer"}),
		FeedStatusChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "status_changes_total",
			Help:      "Feed status transitions by resulting status",
		}, []string{"status"}),
		Reconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Transport reconnect attempts by outcome",
		}, []string{"outcome"}),
		HistoryFetchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "history_fetch_latency_seconds",
			Help:      "Historical candle fetch latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		HistoryFetchErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "history_fetch_errors_total",
			Help:      "Historical candle fetch errors by category",
		}, []string{"category"}),
		LastTickTimestamp: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "last_tick_timestamp",
			Help:      "Unix timestamp of the last tick received",
		}),

		// Aggregation metrics
		CandlesClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "candles",
			Name:      "closed_total",
			Help:      "Total number of candles closed by timeframe",
		}, []string{"timeframe"}),
		LateTicksDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "candles",
			Name:      "late_ticks_dropped_total",
			Help:      "Ticks older than the open bucket, dropped from aggregation",
		}),
		StaleCandlesDiscarded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "candles",
			Name:      "stale_discarded_total",
			Help:      "In-flight candles discarded after a gap",
		}),

		// Recovery metrics
		RecoveryRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "runs_total",
			Help:      "Total number of recovery runs by trigger and status",
		}, []string{"trigger", "status"}),
		RecoveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "duration_seconds",
			Help:      "Recovery run duration in seconds",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		CandlesBackfilled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "candles_backfilled_total",
			Help:      "Total number of candles written by recovery and backfill",
		}),
		DegradedSymbols: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "degraded_symbols",
			Help:      "Number of degraded symbols per link",
		}, []string{"link"}),

		// Signal metrics
		SignalsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signals",
			Name:      "created_total",
			Help:      "Total number of signals created by direction and tier",
		}, []string{"direction", "tier"}),
		SignalsSuppressed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signals",
			Name:      "suppressed_total",
			Help:      "Total number of signals suppressed by the risk gate, by reason",
		}, []string{"reason"}),
		SignalsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signals",
			Name:      "expired_total",
			Help:      "Total number of signals expired",
		}),
		IntentsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signals",
			Name:      "intents_created_total",
			Help:      "Total number of intents created",
		}),
		IntentsExited: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signals",
			Name:      "intents_exited_total",
			Help:      "Total number of intents exited by reason",
		}, []string{"reason"}),

		// Event log metrics
		EventsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventlog",
			Name:      "appended_total",
			Help:      "Total number of events appended by type",
		}, []string{"type"}),
		SequenceCorruptions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventlog",
			Name:      "sequence_corruptions_total",
			Help:      "Detected violations of the event sequence invariant",
		}),
		RelayObservers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "observers",
			Help:      "Currently connected tick relay observers",
		}),
		RelayDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "observers_dropped_total",
			Help:      "Observers dropped after a send failure",
		}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordTick increments the tick counter and stamps the last tick time.
func RecordTick(unixSeconds float64) {
	DefaultMetrics.TicksReceived.Inc()
	DefaultMetrics.LastTickTimestamp.Set(unixSeconds)
}

// RecordFanoutDrop records a tick dropped for a slow consumer.
func RecordFanoutDrop(consumer string) {
	DefaultMetrics.FanoutDropped.WithLabelValues(consumer).Inc()
}

// RecordFeedStatus records a feed status transition.
func RecordFeedStatus(status string) {
	DefaultMetrics.FeedStatusChanges.WithLabelValues(status).Inc()
}

// RecordReconnect records a reconnect attempt outcome ("success", "failed", "canceled").
func RecordReconnect(outcome string) {
	DefaultMetrics.Reconnects.WithLabelValues(outcome).Inc()
}

// RecordHistoryFetch records history fetch latency and, on failure, its category.
func RecordHistoryFetch(seconds float64, category string) {
	DefaultMetrics.HistoryFetchLatency.Observe(seconds)
	if category != "" {
		DefaultMetrics.HistoryFetchErrors.WithLabelValues(category).Inc()
	}
}

// RecordCandleClosed increments the closed candle counter.
func RecordCandleClosed(timeframe string) {
	DefaultMetrics.CandlesClosed.WithLabelValues(timeframe).Inc()
}

// RecordLateTick increments the late tick counter.
func RecordLateTick() {
	DefaultMetrics.LateTicksDropped.Inc()
}

// RecordStaleDiscard increments the stale candle counter.
func RecordStaleDiscard() {
	DefaultMetrics.StaleCandlesDiscarded.Inc()
}

// RecordRecoveryRun records a recovery run.
func RecordRecoveryRun(trigger, status string, durationSeconds float64, backfilled int) {
	DefaultMetrics.RecoveryRuns.WithLabelValues(trigger, status).Inc()
	DefaultMetrics.RecoveryDuration.Observe(durationSeconds)
	DefaultMetrics.CandlesBackfilled.Add(float64(backfilled))
}

// SetDegradedSymbols updates the degraded symbol gauge for a link.
func SetDegradedSymbols(link string, n int) {
	DefaultMetrics.DegradedSymbols.WithLabelValues(link).Set(float64(n))
}

// RecordSignalCreated increments the created signal counter.
func RecordSignalCreated(direction, tier string) {
	DefaultMetrics.SignalsCreated.WithLabelValues(direction, tier).Inc()
}

// RecordSignalSuppressed increments the suppressed signal counter.
func RecordSignalSuppressed(reason string) {
	DefaultMetrics.SignalsSuppressed.WithLabelValues(reason).Inc()
}

// RecordSignalsExpired adds n expired signals.
func RecordSignalsExpired(n int) {
	DefaultMetrics.SignalsExpired.Add(float64(n))
}

// RecordIntentCreated increments the intent counter.
func RecordIntentCreated() {
	DefaultMetrics.IntentsCreated.Inc()
}

// RecordIntentExited increments the exited intent counter.
func RecordIntentExited(reason string) {
	DefaultMetrics.IntentsExited.WithLabelValues(reason).Inc()
}

// RecordEventAppended increments the appended event counter.
func RecordEventAppended(eventType string) {
	DefaultMetrics.EventsAppended.WithLabelValues(eventType).Inc()
}

// RecordSequenceCorruption increments the sequence corruption counter.
func RecordSequenceCorruption() {
	DefaultMetrics.SequenceCorruptions.Inc()
}

// SetRelayObservers sets the relay observer gauge.
func SetRelayObservers(n int) {
	DefaultMetrics.RelayObservers.Set(float64(n))
}

// RecordRelayDrop increments the dropped observer counter.
func RecordRelayDrop() {
	DefaultMetrics.RelayDropped.Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
