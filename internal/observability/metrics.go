package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the engine.
type Metrics struct {
	LiveConnections  prometheus.Gauge
	LiveViewers      prometheus.Gauge
	EventsAppended   *prometheus.CounterVec
	FramesDelivered  prometheus.Counter
	SlowConsumers    prometheus.Counter
	HeartbeatExpired prometheus.Counter
	AppendFailures   prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		LiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Number of open realtime connections across all sessions.",
		}),
		LiveViewers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_viewers",
			Help:      "Number of distinct viewers across all sessions.",
		}),
		EventsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_events_appended_total",
			Help:      "Chat events durably appended, by kind.",
		}, []string{"kind"}),
		FramesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "Frames queued to connection outboxes.",
		}),
		SlowConsumers: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumers_dropped_total",
			Help:      "Connections dropped because their outbound queue overflowed.",
		}),
		HeartbeatExpired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_expired_total",
			Help:      "Connections removed by the heartbeat sweep.",
		}),
		AppendFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_append_failures_total",
			Help:      "Chat appends that exhausted their local retries.",
		}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
