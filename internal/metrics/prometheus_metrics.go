// Package metrics exposes the Prometheus metrics this service emits:
// gap/backfill/repair counters, live-batch and snapshot-publish activity,
// and adapter health (market-source connection status, reconnects, Redis
// bridge operations).
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PrometheusMetrics holds every metric this service registers.
type PrometheusMetrics struct {
	// Repository / gap metrics
	GapsDetected       *prometheus.CounterVec
	GapSizes           *prometheus.HistogramVec
	TargetedRepairs    *prometheus.CounterVec
	CandlesAppended    *prometheus.CounterVec
	BackfillDuration   *prometheus.HistogramVec
	SnapshotsPublished *prometheus.CounterVec

	// Adapter health
	MarketSourceStatus  *prometheus.GaugeVec
	WebSocketReconnects *prometheus.CounterVec
	RedisOperations     *prometheus.CounterVec

	// Service health
	ServiceUptime *prometheus.GaugeVec

	server *http.Server
	logger *zap.Logger
}

// New creates and registers all metrics against the default registry.
func New(logger *zap.Logger) *PrometheusMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &PrometheusMetrics{
		logger: logger.Named("metrics"),

		GapsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsync_gaps_detected_total",
				Help: "Total number of sequence gaps detected in the candle stream",
			},
			[]string{"symbol", "interval", "source"},
		),
		GapSizes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chartsync_gap_size_candles",
				Help:    "Distribution of gap sizes, in candles",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 300, 1000},
			},
			[]string{"symbol", "interval"},
		),
		TargetedRepairs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsync_targeted_repairs_total",
				Help: "Total number of targeted gap-repair fetches issued",
			},
			[]string{"symbol", "interval", "outcome"},
		),
		CandlesAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsync_candles_appended_total",
				Help: "Total number of candles appended or replaced in the repository",
			},
			[]string{"symbol", "interval", "state"},
		),
		BackfillDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chartsync_backfill_duration_seconds",
				Help:    "Wall-clock duration of the reverse-backfill pass",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"symbol", "interval"},
		),
		SnapshotsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsync_snapshots_published_total",
				Help: "Total number of coalesced series snapshots published",
			},
			[]string{"symbol", "interval", "state"},
		),
		MarketSourceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chartsync_market_source_status",
				Help: "Market source connection status (1=connected, 0=disconnected)",
			},
			[]string{"exchange"},
		),
		WebSocketReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsync_websocket_reconnects_total",
				Help: "Total number of WebSocket reconnections",
			},
			[]string{"exchange", "reason"},
		),
		RedisOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsync_redis_operations_total",
				Help: "Total number of Redis bridge operations",
			},
			[]string{"operation", "status"},
		),
		ServiceUptime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chartsync_service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
			[]string{"service"},
		),
	}

	prometheus.MustRegister(
		m.GapsDetected,
		m.GapSizes,
		m.TargetedRepairs,
		m.CandlesAppended,
		m.BackfillDuration,
		m.SnapshotsPublished,
		m.MarketSourceStatus,
		m.WebSocketReconnects,
		m.RedisOperations,
		m.ServiceUptime,
	)

	return m
}

// Start starts the Prometheus metrics HTTP server on the given port.
func (m *PrometheusMetrics) Start(port string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{Addr: ":" + port, Handler: mux}

	m.logger.Info("starting metrics server", zap.String("port", port))

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the metrics server.
func (m *PrometheusMetrics) Stop() error {
	if m.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.logger.Info("stopping metrics server")
	return m.server.Shutdown(ctx)
}

// RecordGapDetected records a gap detection and its size, in candles.
func (m *PrometheusMetrics) RecordGapDetected(symbol, interval, source string, sizeInCandles int64) {
	m.GapsDetected.WithLabelValues(symbol, interval, source).Inc()
	m.GapSizes.WithLabelValues(symbol, interval).Observe(float64(sizeInCandles))
}

// RecordTargetedRepair records a targeted gap-repair attempt's outcome.
func (m *PrometheusMetrics) RecordTargetedRepair(symbol, interval, outcome string) {
	m.TargetedRepairs.WithLabelValues(symbol, interval, outcome).Inc()
}

// RecordCandlesAppended records candles merged into the repository by
// AppendResult state.
func (m *PrometheusMetrics) RecordCandlesAppended(symbol, interval, state string, count int) {
	m.CandlesAppended.WithLabelValues(symbol, interval, state).Add(float64(count))
}

// RecordBackfillDuration records the wall-clock time a reverse-backfill pass took.
func (m *PrometheusMetrics) RecordBackfillDuration(symbol, interval string, d time.Duration) {
	m.BackfillDuration.WithLabelValues(symbol, interval).Observe(d.Seconds())
}

// RecordSnapshotPublished records a coalesced snapshot publish.
func (m *PrometheusMetrics) RecordSnapshotPublished(symbol, interval, state string) {
	m.SnapshotsPublished.WithLabelValues(symbol, interval, state).Inc()
}

// SetMarketSourceStatus sets the market source connection status.
func (m *PrometheusMetrics) SetMarketSourceStatus(exchange string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	m.MarketSourceStatus.WithLabelValues(exchange).Set(status)
}

// RecordWebSocketReconnect records a WebSocket reconnection.
func (m *PrometheusMetrics) RecordWebSocketReconnect(exchange, reason string) {
	m.WebSocketReconnects.WithLabelValues(exchange, reason).Inc()
}

// RecordRedisOperation records a Redis bridge operation.
func (m *PrometheusMetrics) RecordRedisOperation(operation, status string) {
	m.RedisOperations.WithLabelValues(operation, status).Inc()
}

// SetServiceUptime sets the service uptime gauge.
func (m *PrometheusMetrics) SetServiceUptime(service string, uptime time.Duration) {
	m.ServiceUptime.WithLabelValues(service).Set(uptime.Seconds())
}
