package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Build metrics
	BuildsTotal   *prometheus.CounterVec
	BuildDuration *prometheus.HistogramVec
	RetryAttempts *prometheus.CounterVec

	// Recovery metrics
	RecoveryActions     *prometheus.CounterVec
	DegradationsApplied *prometheus.CounterVec

	// Cache metrics
	CacheOperations *prometheus.CounterVec
	CacheEvictions  *prometheus.CounterVec
	CacheBytes      prometheus.Gauge
	CacheEntries    prometheus.Gauge

	// Ledger metrics
	LedgerRecords prometheus.Counter

	// Process metrics
	ProcessesKilled *prometheus.CounterVec

	// Workspace metrics
	LockAcquisitions *prometheus.CounterVec

	// Resource metrics
	ResourceGateWaits prometheus.Counter

	registry *prometheus.Registry
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "forgebuild",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		BuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "builds_total",
				Help:      "Total number of build operations executed",
			},
			[]string{"product", "build_type", "status"},
		),
		BuildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "build_duration_seconds",
				Help:      "Build operation duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"product", "build_type", "status"},
		),
		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"outcome"},
		),
		RecoveryActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "recovery_actions_total",
				Help:      "Total number of recovery actions attempted",
			},
			[]string{"action", "outcome"},
		),
		DegradationsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "degradations_applied_total",
				Help:      "Total number of degradation strategies applied",
			},
			[]string{"strategy"},
		),
		CacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "cache_operations_total",
				Help:      "Total number of cache operations",
			},
			[]string{"operation", "kind", "outcome"},
		),
		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "cache_evictions_total",
				Help:      "Total number of cache entries evicted",
			},
			[]string{"kind"},
		),
		CacheBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "cache_bytes",
				Help:      "Current total bytes held by the artifact cache",
			},
		),
		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "cache_entries",
				Help:      "Current number of live cache entries",
			},
		),
		LedgerRecords: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "ledger_records_total",
				Help:      "Total number of build outcome records written",
			},
		),
		ProcessesKilled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "processes_killed_total",
				Help:      "Total number of supervised processes killed",
			},
			[]string{"mode"},
		),
		LockAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "lock_acquisitions_total",
				Help:      "Total number of workspace lock acquisition attempts",
			},
			[]string{"outcome"},
		),
		ResourceGateWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "resource_gate_waits_total",
				Help:      "Total number of resource gate wait cycles",
			},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.BuildsTotal,
		m.BuildDuration,
		m.RetryAttempts,
		m.RecoveryActions,
		m.DegradationsApplied,
		m.CacheOperations,
		m.CacheEvictions,
		m.CacheBytes,
		m.CacheEntries,
		m.LedgerRecords,
		m.ProcessesKilled,
		m.LockAcquisitions,
		m.ResourceGateWaits,
	)

	return m
}

// RecordBuild records build outcome metrics
func (m *Metrics) RecordBuild(product, buildType, status string, duration time.Duration) {
	if m == nil || m.BuildsTotal == nil {
		return
	}

	m.BuildsTotal.WithLabelValues(product, buildType, status).Inc()
	m.BuildDuration.WithLabelValues(product, buildType, status).Observe(duration.Seconds())
}

// RecordRetryAttempt records a retry attempt outcome
func (m *Metrics) RecordRetryAttempt(outcome string) {
	if m == nil || m.RetryAttempts == nil {
		return
	}

	m.RetryAttempts.WithLabelValues(outcome).Inc()
}

// RecordRecoveryAction records a recovery action attempt
func (m *Metrics) RecordRecoveryAction(action, outcome string) {
	if m == nil || m.RecoveryActions == nil {
		return
	}

	m.RecoveryActions.WithLabelValues(action, outcome).Inc()
}

// RecordDegradation records an applied degradation strategy
func (m *Metrics) RecordDegradation(strategy string) {
	if m == nil || m.DegradationsApplied == nil {
		return
	}

	m.DegradationsApplied.WithLabelValues(strategy).Inc()
}

// RecordCacheOperation records a cache operation
func (m *Metrics) RecordCacheOperation(operation, kind, outcome string) {
	if m == nil || m.CacheOperations == nil {
		return
	}

	m.CacheOperations.WithLabelValues(operation, kind, outcome).Inc()
}

// RecordCacheEviction records an evicted cache entry
func (m *Metrics) RecordCacheEviction(kind string) {
	if m == nil || m.CacheEvictions == nil {
		return
	}

	m.CacheEvictions.WithLabelValues(kind).Inc()
}

// UpdateCacheSize updates cache size gauges
func (m *Metrics) UpdateCacheSize(entries int, totalBytes int64) {
	if m == nil || m.CacheBytes == nil {
		return
	}

	m.CacheEntries.Set(float64(entries))
	m.CacheBytes.Set(float64(totalBytes))
}

// RecordLedgerWrite records a ledger record write
func (m *Metrics) RecordLedgerWrite() {
	if m == nil || m.LedgerRecords == nil {
		return
	}

	m.LedgerRecords.Inc()
}

// RecordProcessKilled records a killed process
func (m *Metrics) RecordProcessKilled(mode string) {
	if m == nil || m.ProcessesKilled == nil {
		return
	}

	m.ProcessesKilled.WithLabelValues(mode).Inc()
}

// RecordLockAcquisition records a lock acquisition attempt
func (m *Metrics) RecordLockAcquisition(outcome string) {
	if m == nil || m.LockAcquisitions == nil {
		return
	}

	m.LockAcquisitions.WithLabelValues(outcome).Inc()
}

// RecordResourceGateWait records one resource gate wait cycle
func (m *Metrics) RecordResourceGateWait() {
	if m == nil || m.ResourceGateWaits == nil {
		return
	}

	m.ResourceGateWaits.Inc()
}

// Handler returns an HTTP handler exposing the registered metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
