package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	BatchesTotal     *prometheus.CounterVec
	BatchDuration    *prometheus.HistogramVec
	BatchRecords     prometheus.Histogram
	RecordsByTier    *prometheus.CounterVec
	RecordsByBand    *prometheus.CounterVec
	RecordsByPart    *prometheus.CounterVec
	ResolutionsTotal *prometheus.CounterVec
	ClassifyTotal    *prometheus.CounterVec
	CatalogRejected  prometheus.Counter
	SubmitsTotal     *prometheus.CounterVec
	RefreshesTotal   *prometheus.CounterVec
	RefreshedBatches prometheus.Counter
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icss_batches_total",
			Help: "Total batch runs by final status.",
		}, []string{"status"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "icss_batch_duration_seconds",
			Help:    "Duration of batch pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"status", "strategy"}),
		BatchRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "icss_batch_records",
			Help:    "Records per completed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1 .. ~16k
		}),
		RecordsByTier: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icss_records_tier_total",
			Help: "Triaged records by priority tier.",
		}, []string{"tier"}),
		RecordsByBand: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icss_records_band_total",
			Help: "Triaged records by escalation band.",
		}, []string{"band"}),
		RecordsByPart: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icss_records_partition_total",
			Help: "Triaged records by partition.",
		}, []string{"partition"}),
		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icss_component_resolutions_total",
			Help: "Component resolutions by method.",
		}, []string{"method"}),
		ClassifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icss_classifications_total",
			Help: "Tier classifications by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		CatalogRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "icss_catalog_entries_rejected_total",
			Help: "Catalog rows rejected at load time.",
		}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icss_submits_total",
			Help: "Total batch submissions by result.",
		}, []string{"result"}),
		RefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icss_escalation_refreshes_total",
			Help: "Scheduled escalation refresh runs by outcome.",
		}, []string{"outcome"}),
		RefreshedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "icss_escalation_refreshed_batches_total",
			Help: "Stored batches re-banded by scheduled refresh.",
		}),
	}

	reg.MustRegister(
		m.BatchesTotal,
		m.BatchDuration,
		m.BatchRecords,
		m.RecordsByTier,
		m.RecordsByBand,
		m.RecordsByPart,
		m.ResolutionsTotal,
		m.ClassifyTotal,
		m.CatalogRejected,
		m.SubmitsTotal,
		m.RefreshesTotal,
		m.RefreshedBatches,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnResolve: func(method string) {
			m.ResolutionsTotal.WithLabelValues(method).Inc()
		},
		OnClassify: func(strategy string, degraded bool) {
			outcome := "ok"
			if degraded {
				outcome = "fallback"
			}
			m.ClassifyTotal.WithLabelValues(strategy, outcome).Inc()
		},
		OnComplete: func(e *CompleteEvent) {
			m.BatchesTotal.WithLabelValues(string(e.Status)).Inc()
			m.BatchDuration.WithLabelValues(string(e.Status), e.Strategy).Observe(e.Duration)
			if e.Status != StatusComplete {
				return
			}
			m.BatchRecords.Observe(float64(e.Summary.Total))
			for tier, n := range e.Summary.ByTier {
				m.RecordsByTier.WithLabelValues(string(tier)).Add(float64(n))
			}
			for band, n := range e.Summary.ByBand {
				m.RecordsByBand.WithLabelValues(string(band)).Add(float64(n))
			}
			m.RecordsByPart.WithLabelValues("structural").Add(float64(e.Summary.Structural))
			m.RecordsByPart.WithLabelValues("non_structural").Add(float64(e.Summary.NonStructural))
		},
	}
}
