package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	connectionsActive prometheus.Gauge
	roomsActive       prometheus.Gauge

	// Counters
	connectionsTotal    prometheus.Counter
	messagesTotal       *prometheus.CounterVec
	broadcastsDelivered prometheus.Counter
	rateLimitRejections prometheus.Counter
	permissionChecks    *prometheus.CounterVec
	rollbacksTotal      prometheus.Counter

	// Histograms
	mutationDuration prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tripsync_connections_active",
			Help: "Number of currently open realtime connections",
		}),

		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tripsync_rooms_active",
			Help: "Number of rooms with at least one member",
		}),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tripsync_connections_total",
			Help: "Total number of realtime connections accepted",
		}),

		messagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tripsync_messages_total",
			Help: "Total number of inbound realtime messages by type",
		}, []string{"type"}),

		broadcastsDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tripsync_broadcast_deliveries_total",
			Help: "Total number of messages delivered through room broadcasts",
		}),

		rateLimitRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tripsync_rate_limit_rejections_total",
			Help: "Total number of realtime messages rejected by the rate limit",
		}),

		permissionChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tripsync_permission_checks_total",
			Help: "Total number of permission checks by outcome",
		}, []string{"outcome"}),

		rollbacksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tripsync_permission_rollbacks_total",
			Help: "Total number of permission changes rolled back",
		}),

		mutationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tripsync_permission_mutation_duration_seconds",
			Help:    "Duration of permission mutations including conflict retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) SetRooms(count int) {
	p.roomsActive.Set(float64(count))
}

func (p *PrometheusCollector) MessageReceived(messageType string) {
	p.messagesTotal.WithLabelValues(messageType).Inc()
}

func (p *PrometheusCollector) BroadcastSent(deliveries int) {
	p.broadcastsDelivered.Add(float64(deliveries))
}

func (p *PrometheusCollector) RateLimited() {
	p.rateLimitRejections.Inc()
}

func (p *PrometheusCollector) PermissionCheck(allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	p.permissionChecks.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) RollbackApplied() {
	p.rollbacksTotal.Inc()
}

func (p *PrometheusCollector) ObserveMutation(duration time.Duration) {
	p.mutationDuration.Observe(duration.Seconds())
}
