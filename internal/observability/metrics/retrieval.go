package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

const namespace = "hybrid"

// RetrievalMetrics records routing, branch and synthesis outcomes plus cross-reference writes.
type RetrievalMetrics struct {
	service string

	routeDecisions *prometheus.CounterVec
	queriesTotal   *prometheus.CounterVec
	queryDuration  *prometheus.HistogramVec
	branchTotal    *prometheus.CounterVec
	branchDuration *prometheus.HistogramVec
	contextItems   *prometheus.HistogramVec
	crossRefWrites *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	registerer     prometheus.Registerer
}

func NewRetrievalMetrics(registerer prometheus.Registerer, service string) *RetrievalMetrics {
	m := &RetrievalMetrics{
		service:    service,
		registerer: registerer,
		routeDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "decisions_total",
			Help:      "Routing decisions by strategy and decision source.",
		}, []string{"service", "strategy", "source"}),
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "total",
			Help:      "Completed queries by strategy and degradation.",
		}, []string{"service", "strategy", "degraded"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "End-to-end query duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "strategy"}),
		branchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "branch",
			Name:      "outcomes_total",
			Help:      "Retrieval branch outcomes by source and status.",
		}, []string{"service", "source", "status"}),
		branchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "branch",
			Name:      "duration_seconds",
			Help:      "Retrieval branch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "source"}),
		contextItems: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "synthesis",
			Name:      "items",
			Help:      "Items per synthesized context, by provenance.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34, 50},
		}, []string{"service", "provenance"}),
		crossRefWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crossref",
			Name:      "writes_total",
			Help:      "Cross-reference writes by result.",
		}, []string{"service", "result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per operation (0 closed, 1 half-open, 2 open).",
		}, []string{"service", "operation"}),
	}
	registerer.MustRegister(
		m.routeDecisions,
		m.queriesTotal,
		m.queryDuration,
		m.branchTotal,
		m.branchDuration,
		m.contextItems,
		m.crossRefWrites,
		m.breakerState,
	)
	return m
}

func (m *RetrievalMetrics) ObserveRoute(decision domain.StrategyDecision) {
	m.routeDecisions.WithLabelValues(m.service, string(decision.Strategy), string(decision.Source)).Inc()
}

func (m *RetrievalMetrics) ObserveBranch(source string, status domain.SourceStatus, elapsed time.Duration) {
	m.branchTotal.WithLabelValues(m.service, source, string(status)).Inc()
	if status != domain.SourceStatusSkipped {
		m.branchDuration.WithLabelValues(m.service, source).Observe(elapsed.Seconds())
	}
}

func (m *RetrievalMetrics) ObserveQuery(synthesized domain.SynthesizedContext, elapsed time.Duration) {
	degraded := "false"
	if synthesized.Degraded {
		degraded = "true"
	}
	strategy := string(synthesized.Strategy)
	m.queriesTotal.WithLabelValues(m.service, strategy, degraded).Inc()
	m.queryDuration.WithLabelValues(m.service, strategy).Observe(elapsed.Seconds())

	counts := map[domain.Provenance]int{
		domain.ProvenanceCrossReferenced: 0,
		domain.ProvenanceVector:          0,
		domain.ProvenanceGraph:           0,
		domain.ProvenanceOntology:        0,
	}
	for _, item := range synthesized.Items {
		counts[item.Provenance]++
	}
	for provenance, n := range counts {
		m.contextItems.WithLabelValues(m.service, string(provenance)).Observe(float64(n))
	}
}

func (m *RetrievalMetrics) ObserveCrossReference(result string) {
	m.crossRefWrites.WithLabelValues(m.service, result).Inc()
}

// ObserveBreaker matches resilience.StateObserver.
func (m *RetrievalMetrics) ObserveBreaker(operation string, _, to gobreaker.State) {
	m.breakerState.WithLabelValues(m.service, operation).Set(float64(to))
}

// RegisterCacheStats exports ontology cache counters read from stats on every scrape.
func (m *RetrievalMetrics) RegisterCacheStats(stats func() domain.CacheStats) {
	labels := prometheus.Labels{"service": m.service}
	counter := func(name, help string, read func(domain.CacheStats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ontology_cache", Name: name, Help: help, ConstLabels: labels,
		}, func() float64 { return float64(read(stats())) })
	}
	m.registerer.MustRegister(
		counter("hits_total", "Ontology cache hits.", func(s domain.CacheStats) uint64 { return s.Hits }),
		counter("misses_total", "Ontology cache misses.", func(s domain.CacheStats) uint64 { return s.Misses }),
		counter("evictions_total", "Ontology cache evictions.", func(s domain.CacheStats) uint64 { return s.Evictions }),
		counter("invalidations_total", "Ontology cache invalidations.", func(s domain.CacheStats) uint64 { return s.Invalidations }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ontology_cache", Name: "entries", Help: "Ontology cache entries.", ConstLabels: labels,
		}, func() float64 { return float64(stats().Size) }),
	)
}
