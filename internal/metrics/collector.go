// Package metrics exposes Prometheus instrumentation for the chat core.
//
// A nil *Collector is valid and records nothing, so components can be built
// without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the chat metrics and the registry they are registered with.
type Collector struct {
	registry *prometheus.Registry

	connections      prometheus.Gauge
	rooms            prometheus.Gauge
	broadcasts       *prometheus.CounterVec
	deliveries       prometheus.Counter
	deliveryFailures prometheus.Counter
	messages         *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	persistFailures  prometheus.Counter
	rosterUpdates    prometheus.Counter
}

// NewCollector creates a collector whose metrics live under namespace. If
// registry is nil a private registry is created.
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "chat"
	}

	c := &Collector{
		registry: registry,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of registered connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of rooms with at least one subscriber.",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcasts performed, by event.",
		}, []string{"event"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Frames queued to subscribers.",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Frames that could not be queued; the subscriber was dropped.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages accepted by the gateway, by kind.",
		}, []string{"kind"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Client requests rejected, by reason.",
		}, []string{"reason"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Messages that were delivered but not persisted.",
		}),
		rosterUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "roster_updates_total",
			Help:      "online-users broadcasts.",
		}),
	}

	registry.MustRegister(
		c.connections,
		c.rooms,
		c.broadcasts,
		c.deliveries,
		c.deliveryFailures,
		c.messages,
		c.rejections,
		c.persistFailures,
		c.rosterUpdates,
	)
	return c
}

// SetConnections records the current number of registered connections.
func (c *Collector) SetConnections(n int) {
	if c == nil {
		return
	}
	c.connections.Set(float64(n))
}

// SetRooms records the current number of subscribed rooms.
func (c *Collector) SetRooms(n int) {
	if c == nil {
		return
	}
	c.rooms.Set(float64(n))
}

// RecordBroadcast records one broadcast of event with its outcome.
func (c *Collector) RecordBroadcast(event string, delivered, failed int) {
	if c == nil {
		return
	}
	c.broadcasts.WithLabelValues(event).Inc()
	c.deliveries.Add(float64(delivered))
	c.deliveryFailures.Add(float64(failed))
}

// RecordMessage counts an accepted message of the given kind.
func (c *Collector) RecordMessage(kind string) {
	if c == nil {
		return
	}
	c.messages.WithLabelValues(kind).Inc()
}

// RecordRejection counts a rejected client request.
func (c *Collector) RecordRejection(reason string) {
	if c == nil {
		return
	}
	c.rejections.WithLabelValues(reason).Inc()
}

// RecordPersistFailure counts a message that was not persisted.
func (c *Collector) RecordPersistFailure() {
	if c == nil {
		return
	}
	c.persistFailures.Inc()
}

// RecordRosterUpdate counts an online-users broadcast.
func (c *Collector) RecordRosterUpdate() {
	if c == nil {
		return
	}
	c.rosterUpdates.Inc()
}

// Registry returns the registry the collector's metrics are registered with.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
