package recipebox

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry
	fetches  *prometheus.CounterVec
	loads    *prometheus.CounterVec
	installs *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recipebox_worker_fetches_total",
		Help: "Intercepted requests by outcome",
	}, []string{"outcome"})

	loads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recipebox_recipe_loads_total",
		Help: "Recipe loads by source",
	}, []string{"source"})

	installs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recipebox_worker_installs_total",
		Help: "Worker install attempts by result",
	}, []string{"result"})

	registry.MustRegister(fetches, loads, installs)

	return &Metrics{
		registry: registry,
		fetches:  fetches,
		loads:    loads,
		installs: installs,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) fetched(outcome fetchOutcome) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) loaded(source string) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(source).Inc()
}

func (m *Metrics) installed(result string) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(result).Inc()
}
