package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tributary-ai/query-router/internal/types"
)

const namespace = "query_router"

// Exporter publishes router activity as Prometheus metrics
type Exporter struct {
	registry *prometheus.Registry

	executions    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	slaViolations *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
	decisionCache *prometheus.CounterVec
	resultCache   *prometheus.CounterVec
	workload      *prometheus.GaugeVec
	inFlight      prometheus.Gauge
	state         *prometheus.GaugeVec
}

// NewExporter registers the router metrics on registry.
// A nil registry gets a private one so tests never touch the global default.
func NewExporter(registry *prometheus.Registry) *Exporter {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Exporter{
		registry: registry,
		executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "strategy",
				Name:      "executions_total",
				Help:      "Total number of executions per strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "strategy",
				Name:      "execution_duration_seconds",
				Help:      "Execution duration in seconds as measured by the router",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"strategy"},
		),
		slaViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "strategy",
				Name:      "sla_violations_total",
				Help:      "Executions that exceeded the strategy's max query time",
			},
			[]string{"strategy"},
		),
		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "fallbacks_total",
				Help:      "Executions retried on the default strategy",
			},
			[]string{"from"},
		),
		decisionCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "decision_cache",
				Name:      "lookups_total",
				Help:      "Routing decision cache lookups",
			},
			[]string{"result"},
		),
		resultCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "result_cache",
				Name:      "lookups_total",
				Help:      "Result cache lookups",
			},
			[]string{"result"},
		),
		workload: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "workload",
				Name:      "ratio",
				Help:      "Smoothed workload ratios",
			},
			[]string{"kind"},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "workload",
				Name:      "concurrent_callers",
				Help:      "Callers currently inside the router",
			},
		),
		state: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "state",
				Help:      "1 for the router's current state, 0 otherwise",
			},
			[]string{"state"},
		),
	}
}

// Registry exposes the underlying registry
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus text format
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ObserveExecution records one routed execution
func (e *Exporter) ObserveExecution(strategy string, elapsedMs float64, success, metSLA bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	e.executions.WithLabelValues(strategy, outcome).Inc()
	e.duration.WithLabelValues(strategy).Observe(elapsedMs / 1000.0)
	if !metSLA {
		e.slaViolations.WithLabelValues(strategy).Inc()
	}
}

// ObserveFallback counts a retry away from strategy
func (e *Exporter) ObserveFallback(from string) {
	e.fallbacks.WithLabelValues(from).Inc()
}

// ObserveDecisionCache counts a decision cache lookup
func (e *Exporter) ObserveDecisionCache(hit bool) {
	e.decisionCache.WithLabelValues(hitLabel(hit)).Inc()
}

// ObserveResultCache counts a result cache lookup
func (e *Exporter) ObserveResultCache(hit bool) {
	e.resultCache.WithLabelValues(hitLabel(hit)).Inc()
}

// SetWorkload mirrors a workload snapshot into gauges
func (e *Exporter) SetWorkload(m types.WorkloadMetrics) {
	e.workload.WithLabelValues("read").Set(m.ReadRatio)
	e.workload.WithLabelValues("write").Set(m.WriteRatio)
	e.workload.WithLabelValues("aggregation").Set(m.AggregationFrequency)
	e.inFlight.Set(float64(m.ConcurrentCallers))
}

// SetState marks current as the active state out of all
func (e *Exporter) SetState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		e.state.WithLabelValues(s).Set(v)
	}
}

func hitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
