package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the manager. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Placement metrics
	PlacementDecisions *prometheus.CounterVec
	CapacityFailures   *prometheus.CounterVec
	ActiveReservations prometheus.Gauge

	// Index metrics
	RangesTotal  prometheus.Gauge
	LevelsTotal  prometheus.Gauge
	RangeCreates prometheus.Counter

	// Cache metrics
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	CacheBytes     *prometheus.GaugeVec

	// Checker metrics
	CheckerSweeps    prometheus.Counter
	CheckerRanges    prometheus.Counter
	CheckerRepairs   *prometheus.CounterVec
	CheckerAnomalies *prometheus.CounterVec
	RepairDuration   *prometheus.HistogramVec

	// Storage node metrics
	StorageNodesActive prometheus.Gauge
	HealthProbes       *prometheus.CounterVec

	// Front-end metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers Prometheus metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PlacementDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metis_manager_placement_decisions_total",
				Help: "Total number of placement decisions",
			},
			[]string{"kind", "status"},
		),

		CapacityFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metis_manager_capacity_failures_total",
				Help: "Total number of placements rejected for lack of capacity",
			},
			[]string{"kind"},
		),

		ActiveReservations: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "metis_manager_active_reservations",
				Help: "Reservations holding connection slots",
			},
		),

		RangesTotal: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "metis_manager_ranges",
				Help: "Number of ranges in the index",
			},
		),

		LevelsTotal: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "metis_manager_levels",
				Help: "Number of levels in the index",
			},
		),

		RangeCreates: f.NewCounter(
			prometheus.CounterOpts{
				Name: "metis_manager_range_creates_total",
				Help: "Total number of ranges created",
			},
		),

		CacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metis_manager_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"pool"},
		),

		CacheMisses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metis_manager_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"pool"},
		),

		CacheEvictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metis_manager_cache_evictions_total",
				Help: "Total number of cache evictions",
			},
			[]string{"pool"},
		),

		CacheBytes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "metis_manager_cache_bytes",
				Help: "Bytes resident per cache pool",
			},
			[]string{"pool"},
		),

		CheckerSweeps: f.NewCounter(
			prometheus.CounterOpts{
				Name: "metis_manager_checker_sweeps_total",
				Help: "Total number of completed consistency sweeps",
			},
		),

		CheckerRanges: f.NewCounter(
			prometheus.CounterOpts{
				Name: "metis_manager_checker_ranges_total",
				Help: "Total number of ranges verified",
			},
		),

		CheckerRepairs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metis_manager_checker_repairs_total",
				Help: "Total number of repair actions",
			},
			[]string{"action", "status"},
		),

		CheckerAnomalies: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metis_manager_checker_anomalies_total",
				Help: "Total number of consistency anomalies detected",
			},
			[]string{"kind"},
		),

		RepairDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metis_manager_repair_duration_seconds",
				Help:    "Duration of repair operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),

		StorageNodesActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "metis_manager_storage_nodes_active",
				Help: "Number of storage nodes in status up",
			},
		),

		HealthProbes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metis_manager_health_probes_total",
				Help: "Total number of storage node health probes",
			},
			[]string{"result"},
		),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metis_manager_requests_total",
				Help: "Total number of front-end requests",
			},
			[]string{"frontend", "operation", "status"},
		),

		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metis_manager_request_duration_seconds",
				Help:    "Duration of front-end requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"frontend", "operation"},
		),
	}
}

// RecordPlacement records a placement decision
func (m *Metrics) RecordPlacement(kind string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.PlacementDecisions.WithLabelValues(kind, status).Inc()
}

// RecordCapacityFailure records a rejected placement
func (m *Metrics) RecordCapacityFailure(kind string) {
	if m == nil {
		return
	}
	m.CapacityFailures.WithLabelValues(kind).Inc()
}

// SetActiveReservations updates the reservation gauge
func (m *Metrics) SetActiveReservations(n int) {
	if m == nil {
		return
	}
	m.ActiveReservations.Set(float64(n))
}

// SetIndexSize updates the index gauges
func (m *Metrics) SetIndexSize(levels, ranges int) {
	if m == nil {
		return
	}
	m.LevelsTotal.Set(float64(levels))
	m.RangesTotal.Set(float64(ranges))
}

// RecordRangeCreate records a range creation
func (m *Metrics) RecordRangeCreate() {
	if m == nil {
		return
	}
	m.RangeCreates.Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(pool string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(pool).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(pool string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(pool).Inc()
}

// RecordCacheEviction records an eviction
func (m *Metrics) RecordCacheEviction(pool string) {
	if m == nil {
		return
	}
	m.CacheEvictions.WithLabelValues(pool).Inc()
}

// SetCacheBytes updates resident bytes of a pool
func (m *Metrics) SetCacheBytes(pool string, bytes uint64) {
	if m == nil {
		return
	}
	m.CacheBytes.WithLabelValues(pool).Set(float64(bytes))
}

// RecordSweep records a completed checker sweep
func (m *Metrics) RecordSweep() {
	if m == nil {
		return
	}
	m.CheckerSweeps.Inc()
}

// RecordRangeChecked records a verified range
func (m *Metrics) RecordRangeChecked() {
	if m == nil {
		return
	}
	m.CheckerRanges.Inc()
}

// RecordRepair records a repair action with its duration
func (m *Metrics) RecordRepair(action string, seconds float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CheckerRepairs.WithLabelValues(action, status).Inc()
	m.RepairDuration.WithLabelValues(action).Observe(seconds)
}

// RecordAnomaly records a consistency anomaly
func (m *Metrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.CheckerAnomalies.WithLabelValues(kind).Inc()
}

// SetStorageNodesActive sets the number of up storage nodes
func (m *Metrics) SetStorageNodesActive(count int) {
	if m == nil {
		return
	}
	m.StorageNodesActive.Set(float64(count))
}

// RecordHealthProbe records a storage node probe result
func (m *Metrics) RecordHealthProbe(result string) {
	if m == nil {
		return
	}
	m.HealthProbes.WithLabelValues(result).Inc()
}

// RecordRequest records a front-end request
func (m *Metrics) RecordRequest(frontend, operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(frontend, operation, status).Inc()
	m.RequestDuration.WithLabelValues(frontend, operation).Observe(seconds)
}
