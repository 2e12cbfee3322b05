// Package metrics exposes population gauges and event counters in the
// Prometheus format.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talgya/kinfolk/internal/engine"
)

const namespace = "kinfolk"

// Collector owns a private registry so tests and multiple simulations never
// collide on the global one.
type Collector struct {
	registry *prometheus.Registry

	population   prometheus.Gauge
	adults       prometheus.Gauge
	elders       prometheus.Gauge
	seekers      prometheus.Gauge
	partnerships prometheus.Gauge
	gestating    prometheus.Gauge
	years        prometheus.Gauge

	ticks  prometheus.Counter
	events *prometheus.CounterVec
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

// New creates a collector with every metric registered.
func New() *Collector {
	c := &Collector{
		registry:     prometheus.NewRegistry(),
		population:   gauge("population", "Living individuals."),
		adults:       gauge("adults", "Individuals past the minimum partner-seeking age."),
		elders:       gauge("elders", "Individuals past the maximum partner-seeking age."),
		seekers:      gauge("seekers", "Individuals queued in the partner market."),
		partnerships: gauge("partnerships", "Active partnerships."),
		gestating:    gauge("gestating", "Females with an in-flight gestation."),
		years:        gauge("simulated_years", "Simulated years elapsed."),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Engine steps delivered.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events by kind.",
		}, []string{"kind"}),
	}
	c.registry.MustRegister(
		c.population, c.adults, c.elders, c.seekers, c.partnerships, c.gestating, c.years,
		c.ticks, c.events,
	)
	// Pre-create every label so rates start at zero instead of appearing late.
	for _, k := range engine.EventKinds {
		c.events.WithLabelValues(string(k))
	}
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WriteBatch counts the batch's events.
func (c *Collector) WriteBatch(_ context.Context, b engine.Batch) error {
	c.ticks.Inc()
	for _, e := range b.Events {
		c.events.WithLabelValues(string(e.Kind)).Inc()
	}
	return nil
}

// Observe copies the latest statistics into the gauges.
func (c *Collector) Observe(s engine.SimStats) {
	c.population.Set(float64(s.Population))
	c.adults.Set(float64(s.Adults))
	c.elders.Set(float64(s.Elders))
	c.seekers.Set(float64(s.Seekers))
	c.partnerships.Set(float64(s.Partnerships))
	c.gestating.Set(float64(s.Gestating))
	c.years.Set(s.Years)
}
