// Package metrics exposes prometheus metrics for the broker core:
// module counts by lifecycle status, service registrations, and
// lifecycle event totals. The collector feeds off the broker's
// event bus so the reactor never blocks on instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuemby/burrow/pkg/events"
)

var (
	// Module metrics
	ModulesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_modules_total",
			Help: "Number of loaded modules by lifecycle status",
		},
		[]string{"status"},
	)

	ModuleExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_module_exits_total",
			Help: "Total module exits by outcome",
		},
		[]string{"outcome"},
	)

	// Service metrics
	ServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_services_total",
			Help: "Number of registered dynamic services",
		},
	)

	// Lifecycle event metrics
	LifecycleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_lifecycle_events_total",
			Help: "Total lifecycle events by type",
		},
		[]string{"type"},
	)
)

// Register registers all metrics with the given registry, or the
// default registry when reg is nil.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		ModulesTotal,
		ModuleExitsTotal,
		ServicesTotal,
		LifecycleEventsTotal,
	)
}

// Handler returns an HTTP handler serving the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// Collector keeps the gauges current from the broker's event bus
type Collector struct {
	bus    *events.Broker
	sub    events.Subscriber
	stopCh chan struct{}
}

// NewCollector creates a collector subscribed to bus
func NewCollector(bus *events.Broker) *Collector {
	return &Collector{
		bus:    bus,
		stopCh: make(chan struct{}),
	}
}

// Start begins consuming lifecycle events
func (c *Collector) Start() {
	c.sub = c.bus.Subscribe()
	go c.run()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.bus.Unsubscribe(c.sub)
}

func (c *Collector) run() {
	for {
		select {
		case event, ok := <-c.sub:
			if !ok {
				return
			}
			c.observe(event)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) observe(event *events.Event) {
	LifecycleEventsTotal.WithLabelValues(string(event.Type)).Inc()
	switch event.Type {
	case events.EventModuleLoaded:
		ModulesTotal.WithLabelValues("init").Inc()
	case events.EventModuleRunning:
		ModulesTotal.WithLabelValues("init").Dec()
		ModulesTotal.WithLabelValues("running").Inc()
	case events.EventModuleExited:
		ModulesTotal.WithLabelValues("running").Dec()
		ModuleExitsTotal.WithLabelValues("exited").Inc()
	case events.EventServiceAdded:
		ServicesTotal.Inc()
	case events.EventServiceRemoved:
		ServicesTotal.Dec()
	}
}
