// Package observability — metrics.go
//
// Prometheus metrics for the drivesentry kit firmware.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: drivesentry_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - State labels use the string state name (8 values max).
//   - Endpoint labels use the closed endpoint tag set (7 values max).
//   - trip_id is NOT used as a label (unbounded cardinality, carried only
//     in the outbox payload bodies).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for drivesentry.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Outbox ────────────────────────────────────────────────────────────

	// OutboxQueueSize is the current total number of queued items.
	OutboxQueueSize prometheus.Gauge

	// OutboxPurgedTotal counts telemetry rows dropped by FIFO purge.
	OutboxPurgedTotal prometheus.Counter

	// OutboxEnqueuedTotal counts items enqueued, by endpoint.
	OutboxEnqueuedTotal *prometheus.CounterVec

	// ─── Sync Worker ───────────────────────────────────────────────────────

	// SyncAttemptsTotal counts delivery attempts, by endpoint and result
	// (ok, fail).
	SyncAttemptsTotal *prometheus.CounterVec

	// SyncConsecutiveFails is the Sync Worker's current consecutive-failure
	// streak.
	SyncConsecutiveFails prometheus.Gauge

	// SyncLastOKTimestamp is the unix timestamp of the last fully
	// successful sync tick.
	SyncLastOKTimestamp prometheus.Gauge

	// ─── Trip state machine ───────────────────────────────────────────────

	// TripStateTransitionsTotal counts state transitions, by from/to state.
	TripStateTransitionsTotal *prometheus.CounterVec

	// TripActive reports 1 while a trip is open, 0 otherwise.
	TripActive prometheus.Gauge

	// ─── Fatigue worker ────────────────────────────────────────────────────

	// FatigueLevel is the most recently published fatigue level (0/1/2).
	FatigueLevel prometheus.Gauge

	// FatigueNodCount is the most recently published sliding-window nod
	// count.
	FatigueNodCount prometheus.Gauge

	// FatigueFPS is the camera pipeline's most recently observed frame rate.
	FatigueFPS prometheus.Gauge

	// ─── GPS / cellular ────────────────────────────────────────────────────

	// GPSFixQuality is the most recent GGA fix-quality code (0 = no fix).
	GPSFixQuality prometheus.Gauge

	// GPSSatellites is the most recent satellite count.
	GPSSatellites prometheus.Gauge

	// CellularRSSI is the most recent signal strength in dBm.
	CellularRSSI prometheus.Gauge

	// ─── Storage ──────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// ─── Agent ────────────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since the agent started.
	AgentUptimeSeconds prometheus.Gauge

	// startTime records when the agent started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all drivesentry Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		OutboxQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivesentry",
			Subsystem: "outbox",
			Name:      "queue_size",
			Help:      "Current total number of items queued in the outbox.",
		}),

		OutboxPurgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivesentry",
			Subsystem: "outbox",
			Name:      "purged_total",
			Help:      "Total telemetry rows dropped by oldest-first purge.",
		}),

		OutboxEnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drivesentry",
			Subsystem: "outbox",
			Name:      "enqueued_total",
			Help:      "Total items enqueued, by endpoint.",
		}, []string{"endpoint"}),

		SyncAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drivesentry",
			Subsystem: "sync",
			Name:      "attempts_total",
			Help:      "Total delivery attempts, by endpoint and result.",
		}, []string{"endpoint", "result"}),

		SyncConsecutiveFails: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivesentry",
			Subsystem: "sync",
			Name:      "consecutive_fails",
			Help:      "Current consecutive sync-tick failure streak.",
		}),

		SyncLastOKTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivesentry",
			Subsystem: "sync",
			Name:      "last_ok_timestamp_seconds",
			Help:      "Unix timestamp of the last fully successful sync tick.",
		}),

		TripStateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drivesentry",
			Subsystem: "trip",
			Name:      "state_transitions_total",
			Help:      "Total trip state machine transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		TripActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivesentry",
			Subsystem: "trip",
			Name:      "active",
			Help:      "1 while a trip is open, 0 otherwise.",
		}),

		FatigueLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivesentry",
			Subsystem: "fatigue",
			Name:      "level",
			Help:      "Most recently published fatigue level (0=normal, 1=warning, 2=alert).",
		}),

		FatigueNodCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivesentry",
			Subsystem: "fatigue",
			Name:      "nod_count",
			Help:      "Most recently published sliding-window nod count.",
		}),

		FatigueFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivesentry",
			Subsystem: "fatigue",
			Name:      "fps",
			Help:      "Most recently observed camera pipeline frame rate.",
		}),

		GPSFixQuality: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivesentry",
			Subsystem: "gps",
			Name:      "fix_quality",
			Help:      "Most recent GGA fix-quality code (0 = no fix).",
		}),

		GPSSatellites: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivesentry",
			Subsystem: "gps",
			Name:      "satellites",
			Help:      "Most recent satellite count.",
		}),

		CellularRSSI: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivesentry",
			Subsystem: "gps",
			Name:      "cellular_rssi_dbm",
			Help:      "Most recent cellular signal strength in dBm.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "drivesentry",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivesentry",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	reg.MustRegister(
		m.OutboxQueueSize,
		m.OutboxPurgedTotal,
		m.OutboxEnqueuedTotal,
		m.SyncAttemptsTotal,
		m.SyncConsecutiveFails,
		m.SyncLastOKTimestamp,
		m.TripStateTransitionsTotal,
		m.TripActive,
		m.FatigueLevel,
		m.FatigueNodCount,
		m.FatigueFPS,
		m.GPSFixQuality,
		m.GPSSatellites,
		m.CellularRSSI,
		m.StorageWriteLatency,
		m.AgentUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails. The server
// binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics and
// GET /healthz.
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

	go m.updateUptime(ctx)

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

// updateUptime periodically updates the AgentUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
