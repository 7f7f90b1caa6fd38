package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector tracks signaling activity for the /metrics endpoint.
type Collector struct {
	registry *prometheus.Registry

	activeSessions    prometheus.Gauge
	activeConnections prometheus.Gauge
	messagesReceived  *prometheus.CounterVec
	messagesBroadcast *prometheus.CounterVec
	backendRequests   *prometheus.CounterVec
	duplicateOffers   prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_active_sessions",
			Help: "Number of sessions with at least one open connection",
		}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_active_connections",
			Help: "Number of open WebSocket connections",
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_messages_received_total",
			Help: "Inbound signaling messages by declared type",
		}, []string{"type"}),
		messagesBroadcast: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_messages_broadcast_total",
			Help: "Frames fanned out to session participants by type",
		}, []string{"type"}),
		backendRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_backend_requests_total",
			Help: "Backend API calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		duplicateOffers: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_duplicate_offers_total",
			Help: "Offers suppressed by the duplicate-offer buffer",
		}),
	}
}

func (c *Collector) SetCounts(sessions, connections int) {
	c.activeSessions.Set(float64(sessions))
	c.activeConnections.Set(float64(connections))
}

func (c *Collector) MessageReceived(messageType string) {
	c.messagesReceived.WithLabelValues(messageType).Inc()
}

func (c *Collector) MessageBroadcast(messageType string, count int) {
	c.messagesBroadcast.WithLabelValues(messageType).Add(float64(count))
}

func (c *Collector) BackendRequest(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.backendRequests.WithLabelValues(operation, outcome).Inc()
}

func (c *Collector) DuplicateOffer() {
	c.duplicateOffers.Inc()
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
