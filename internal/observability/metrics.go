// Package observability holds the service's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stage0"

// Metrics holds the Prometheus counters and histograms for the context engine.
type Metrics struct {
	Builds           *prometheus.CounterVec   // labels: outcome={ok,insufficient_sources,timeout,invalid,error}
	ConnectorFetches *prometheus.CounterVec   // labels: connector, outcome={ok,partial,error,timeout}
	FetchDuration    *prometheus.HistogramVec // labels: connector
	ResolutionRules  *prometheus.CounterVec   // labels: rule
	Commits          *prometheus.CounterVec   // labels: kind
	VersionConflicts prometheus.Counter
	CacheLookups     *prometheus.CounterVec // labels: connector, result={hit,miss}
	PolicyChecks     *prometheus.CounterVec // labels: status
	BreakerState     *prometheus.GaugeVec   // labels: connector; 0 closed, 1 open, 2 half-open
}

func newMetrics(help bool) *Metrics {
	h := func(s string) string {
		if help {
			return s
		}
		return ""
	}
	return &Metrics{
		Builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      h("Context builds by outcome."),
		}, []string{"outcome"}),
		ConnectorFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connector_fetches_total",
			Help:      h("Connector fetches by connector and outcome."),
		}, []string{"connector", "outcome"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connector_fetch_duration_seconds",
			Help:      h("Connector fetch duration in seconds."),
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"connector"}),
		ResolutionRules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolution_rules_total",
			Help:      h("Resolved fields by deciding rule."),
		}, []string{"rule"}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      h("Committed context versions by kind."),
		}, []string{"kind"}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      h("Commits rejected because the parent was no longer the head."),
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connector_cache_total",
			Help:      h("Connector cache lookups by connector and result."),
		}, []string{"connector", "result"}),
		PolicyChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_checks_total",
			Help:      h("Policy document checks by resulting status."),
		}, []string{"status"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connector_breaker_state",
			Help:      h("Circuit breaker state per connector: 0 closed, 1 open, 2 half-open."),
		}, []string{"connector"}),
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics(true)
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsOn creates all metrics and registers them with reg.
func NewMetricsOn(reg prometheus.Registerer) (*Metrics, error) {
	m := newMetrics(true)
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics(false)
}

// Register adds every metric to reg. Used when serving a private registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Builds,
		m.ConnectorFetches,
		m.FetchDuration,
		m.ResolutionRules,
		m.Commits,
		m.VersionConflicts,
		m.CacheLookups,
		m.PolicyChecks,
		m.BreakerState,
	}
}
