// Package metrics provides Prometheus metrics for the capture and sync pipeline.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sync row results.
const (
	ResultSynced  = "synced"
	ResultMissing = "missing"
	ResultFailed  = "failed"
)

// Metrics holds all pipeline metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Cycles           *prometheus.CounterVec
	PlaceholderFrame *prometheus.CounterVec
	Detections       *prometheus.CounterVec
	DetectorDegraded prometheus.Counter
	SyncRows         *prometheus.CounterVec
	Heartbeats       *prometheus.CounterVec
	SyncBackoff      prometheus.Gauge
	OutboxPending    prometheus.Gauge
	registry         *prometheus.Registry
}

// New creates the metrics and registers them with a fresh registry.
func New() (*Metrics, error) {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates the metrics and registers them with registry.
func NewWithRegistry(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.Cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecam_cycles_total",
		Help: "Total number of capture cycles per camera",
	}, []string{"camera"})

	m.PlaceholderFrame = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecam_placeholder_frames_total",
		Help: "Total number of cycles that fell back to a placeholder frame",
	}, []string{"camera"})

	m.Detections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecam_detections_total",
		Help: "Total number of detections recorded per camera",
	}, []string{"camera"})

	m.DetectorDegraded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgecam_detector_degraded_total",
		Help: "Total number of detector calls that failed",
	})

	m.SyncRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecam_sync_rows_total",
		Help: "Total number of outbox rows processed by result",
	}, []string{"result"})

	m.Heartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecam_heartbeat_total",
		Help: "Total number of heartbeats sent by result",
	}, []string{"result"})

	m.SyncBackoff = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edgecam_sync_backoff_seconds",
		Help: "Current sync backoff window in seconds, 0 when not backing off",
	})

	m.OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edgecam_outbox_pending",
		Help: "Number of outbox rows waiting for upload",
	})
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.Cycles.Describe(ch)
	m.PlaceholderFrame.Describe(ch)
	m.Detections.Describe(ch)
	m.DetectorDegraded.Describe(ch)
	m.SyncRows.Describe(ch)
	m.Heartbeats.Describe(ch)
	m.SyncBackoff.Describe(ch)
	m.OutboxPending.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.Cycles.Collect(ch)
	m.PlaceholderFrame.Collect(ch)
	m.Detections.Collect(ch)
	m.DetectorDegraded.Collect(ch)
	m.SyncRows.Collect(ch)
	m.Heartbeats.Collect(ch)
	m.SyncBackoff.Collect(ch)
	m.OutboxPending.Collect(ch)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCycle counts one finished capture cycle.
func (m *Metrics) RecordCycle(camera string, placeholder bool, detections int, degraded bool) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(camera).Inc()
	if placeholder {
		m.PlaceholderFrame.WithLabelValues(camera).Inc()
	}
	m.Detections.WithLabelValues(camera).Add(float64(detections))
	if degraded {
		m.DetectorDegraded.Inc()
	}
}

// RecordSyncRow counts one processed outbox row.
func (m *Metrics) RecordSyncRow(result string) {
	if m == nil {
		return
	}
	m.SyncRows.WithLabelValues(result).Inc()
}

// SetBackoff publishes the active backoff window; zero means none.
func (m *Metrics) SetBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.SyncBackoff.Set(d.Seconds())
}

// SetPending publishes the outbox depth.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// RecordHeartbeat counts one heartbeat attempt.
func (m *Metrics) RecordHeartbeat(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Heartbeats.WithLabelValues(result).Inc()
}
