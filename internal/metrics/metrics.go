package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-bus/internal/messaging"
)

const (
	namespace = "graybus"
	subsystem = "bus"
)

// Source is the live state the gauges read at scrape time.
// *messaging.System satisfies it.
type Source interface {
	Pending() int
	SubscriptionCount() int
}

// Collector turns bus events into Prometheus metrics. It implements
// messaging.Observer.
type Collector struct {
	registry *prometheus.Registry

	events         *prometheus.CounterVec // By kind
	handlerInvokes prometheus.Counter
	connected      prometheus.Gauge
	epoch          prometheus.Gauge
}

// New creates a Collector with its own registry, including Go runtime and
// process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Total number of bus events by kind",
		}, []string{"kind"}),

		handlerInvokes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handler_invocations_total",
			Help:      "Total number of subscription handler invocations",
		}),

		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connected",
			Help:      "1 while a broker connection is established, 0 otherwise",
		}),

		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_epoch",
			Help:      "Sequence number of the current or last broker connection",
		}),
	}

	c.registry.MustRegister(
		c.events,
		c.handlerInvokes,
		c.connected,
		c.epoch,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Track registers gauges that read src at scrape time.
func (c *Collector) Track(src Source) error {
	pending := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "outbox_pending",
		Help:      "Messages buffered for sending",
	}, func() float64 { return float64(src.Pending()) })

	subs := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "subscriptions",
		Help:      "Registered subscriptions",
	}, func() float64 { return float64(src.SubscriptionCount()) })

	if err := c.registry.Register(pending); err != nil {
		return fmt.Errorf("registering outbox gauge: %w", err)
	}
	if err := c.registry.Register(subs); err != nil {
		return fmt.Errorf("registering subscription gauge: %w", err)
	}
	return nil
}

// Observe implements messaging.Observer.
func (c *Collector) Observe(e messaging.Event) {
	c.events.WithLabelValues(string(e.Kind)).Inc()

	switch e.Kind {
	case messaging.EventConnected:
		c.connected.Set(1)
		c.epoch.Set(float64(e.Epoch))
	case messaging.EventDisconnected:
		c.connected.Set(0)
	case messaging.EventReceived:
		c.handlerInvokes.Add(float64(e.Handlers))
	}
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the Prometheus exposition handler for this collector.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
