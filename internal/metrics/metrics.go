// Package metrics holds the Prometheus collectors of the collab daemon. Each
// Collector owns a private registry so tests can build as many as they need.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	// signaling relay
	Connections prometheus.Gauge
	Topics      prometheus.Gauge
	Published   prometheus.Counter
	Delivered   prometheus.Counter
	Dropped     prometheus.Counter

	// archivist
	ArchivedRooms  prometheus.Gauge
	SnapshotsSaved *prometheus.CounterVec

	// HTTP API
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

func New(namespace string) *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "connections",
			Help:      "Open signaling websocket connections",
		}),
		Topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "topics",
			Help:      "Topics with at least one local subscriber",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "published_total",
			Help:      "Publish messages received from clients",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "delivered_total",
			Help:      "Messages queued to subscribers",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "dropped_total",
			Help:      "Messages dropped because a subscriber was too slow",
		}),
		ArchivedRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "open_rooms",
			Help:      "Rooms the archivist currently replicates",
		}),
		SnapshotsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "snapshots_total",
			Help:      "Room snapshots written, by destination and status",
		}, []string{"destination", "status"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	registry.MustRegister(
		c.Connections,
		c.Topics,
		c.Published,
		c.Delivered,
		c.Dropped,
		c.ArchivedRooms,
		c.SnapshotsSaved,
		c.HTTPRequests,
		c.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
