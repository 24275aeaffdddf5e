// Package observability — metrics.go
//
// Prometheus metrics for both Fustor binaries.
//
// Endpoint: GET /metrics (configurable bind address).
// Format: Prometheus text exposition format (OpenMetrics compatible).
//
// Metric naming convention: fustor_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus descriptors shared by both the Fusion
// server and the Agent daemon. Not every field is populated by every
// process; a metric with no writer simply stays at its zero value.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Fusion: ingestion ────────────────────────────────────────────────

	// EventsIngestedTotal counts accepted events, by pipe and message
	// source (realtime, audit, snapshot).
	EventsIngestedTotal *prometheus.CounterVec

	// EventsDroppedTotal counts rejected/dropped events, by pipe and
	// arbitration reason (tombstoned, stale_audit, not_leader, ...).
	EventsDroppedTotal *prometheus.CounterVec

	// IngestQueueDepth is the current per-pipe ingest queue depth.
	IngestQueueDepth *prometheus.GaugeVec

	// ─── Fusion: tree & arbitration state ─────────────────────────────────

	TombstoneCount *prometheus.GaugeVec
	SuspectCount   *prometheus.GaugeVec
	BlindSpotCount *prometheus.GaugeVec
	TreeNodeCount  *prometheus.GaugeVec

	// ReadinessState is 1 when the pipe's view is ready, 0 otherwise.
	ReadinessState *prometheus.GaugeVec

	// ─── Fusion: session & leadership ─────────────────────────────────────

	LeaderElectionsTotal *prometheus.CounterVec

	// ─── Shared: logical clock ─────────────────────────────────────────────

	LogicalClockSkewSeconds prometheus.Gauge

	// ─── Agent: pipe/sender ────────────────────────────────────────────────

	BatchSize             prometheus.Histogram
	SendLatencySeconds     prometheus.Histogram
	ReconnectAttemptsTotal prometheus.Counter
	BackoffStateSeconds    prometheus.Gauge
	WatchCount             prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers the Fustor Prometheus metrics on a
// fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		EventsIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fustor",
			Subsystem: "ingest",
			Name:      "events_ingested_total",
			Help:      "Total events accepted into the tree, by pipe and message source.",
		}, []string{"pipe", "message_source"}),

		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fustor",
			Subsystem: "ingest",
			Name:      "events_dropped_total",
			Help:      "Total events rejected by the arbitrator, by pipe and reason.",
		}, []string{"pipe", "reason"}),

		IngestQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fustor",
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Current ingest admission queue depth, by pipe.",
		}, []string{"pipe"}),

		TombstoneCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fustor",
			Subsystem: "arbitration",
			Name:      "tombstones",
			Help:      "Current tombstone set size, by pipe.",
		}, []string{"pipe"}),

		SuspectCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fustor",
			Subsystem: "arbitration",
			Name:      "suspects",
			Help:      "Current suspect set size, by pipe.",
		}, []string{"pipe"}),

		BlindSpotCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fustor",
			Subsystem: "arbitration",
			Name:      "blind_spots",
			Help:      "Current blind-spot set size, by pipe.",
		}, []string{"pipe"}),

		TreeNodeCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fustor",
			Subsystem: "tree",
			Name:      "nodes",
			Help:      "Current tree node count, by pipe.",
		}, []string{"pipe"}),

		ReadinessState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fustor",
			Subsystem: "tree",
			Name:      "readiness",
			Help:      "1 if the pipe's view is ready to serve queries, 0 otherwise.",
		}, []string{"pipe"}),

		LeaderElectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fustor",
			Subsystem: "session",
			Name:      "leader_elections_total",
			Help:      "Total leader elections/reassignments, by pipe.",
		}, []string{"pipe"}),

		LogicalClockSkewSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fustor",
			Subsystem: "clock",
			Name:      "global_skew_seconds",
			Help:      "Current mode-estimated global clock skew in seconds.",
		}),

		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fustor",
			Subsystem: "agent",
			Name:      "batch_size",
			Help:      "Distribution of ingest batch sizes sent by the Agent.",
			Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000},
		}),

		SendLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fustor",
			Subsystem: "agent",
			Name:      "send_latency_seconds",
			Help:      "Latency of a single ingest HTTP call.",
			Buckets:   prometheus.DefBuckets,
		}),

		ReconnectAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fustor",
			Subsystem: "agent",
			Name:      "reconnect_attempts_total",
			Help:      "Total reconnect attempts made by the Sender's backoff loop.",
		}),

		BackoffStateSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fustor",
			Subsystem: "agent",
			Name:      "backoff_seconds",
			Help:      "Current reconnect backoff delay, 0 when not reconnecting.",
		}),

		WatchCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fustor",
			Subsystem: "agent",
			Name:      "watch_count",
			Help:      "Current number of directories under active inotify watch.",
		}),
	}

	reg.MustRegister(
		m.EventsIngestedTotal,
		m.EventsDroppedTotal,
		m.IngestQueueDepth,
		m.TombstoneCount,
		m.SuspectCount,
		m.BlindSpotCount,
		m.TreeNodeCount,
		m.ReadinessState,
		m.LeaderElectionsTotal,
		m.LogicalClockSkewSeconds,
		m.BatchSize,
		m.SendLatencySeconds,
		m.ReconnectAttemptsTotal,
		m.BackoffStateSeconds,
		m.WatchCount,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}
