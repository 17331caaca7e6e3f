// Package monitoring implements the metrics port on Prometheus.
package monitoring

import (
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	viewerCount       *prometheus.GaugeVec
	linksByState      *prometheus.GaugeVec
	linkTransitions   *prometheus.CounterVec
	negotiationTime   prometheus.Histogram
	chatMessagesTotal prometheus.Counter
	heartsTotal       prometheus.Counter
	signalingErrors   prometheus.Counter
}

var _ ports.Metrics = (*PrometheusCollector)(nil)

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		viewerCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecast_session_viewer_count",
			Help: "Number of viewers attached to each session",
		}, []string{"session_id"}),

		linksByState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecast_peer_links",
			Help: "Number of peer links per negotiation state",
		}, []string{"state"}),

		linkTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_peer_link_transitions_total",
			Help: "Peer link state transitions",
		}, []string{"from", "to"}),

		negotiationTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "livecast_negotiation_duration_seconds",
			Help:    "Time from offer creation to connected",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		chatMessagesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "livecast_chat_messages_total",
			Help: "Chat messages published",
		}),

		heartsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "livecast_hearts_total",
			Help: "Heart reactions published",
		}),

		signalingErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "livecast_signaling_errors_total",
			Help: "Signaling operations that failed",
		}),
	}
}

func (c *PrometheusCollector) SetViewerCount(sessionID domain.SessionID, n int) {
	c.viewerCount.WithLabelValues(string(sessionID)).Set(float64(n))
}

func (c *PrometheusCollector) LinkStateChanged(from, to domain.LinkState) {
	c.linkTransitions.WithLabelValues(string(from), string(to)).Inc()
	if from != "" {
		c.linksByState.WithLabelValues(string(from)).Dec()
	}
	c.linksByState.WithLabelValues(string(to)).Inc()
}

func (c *PrometheusCollector) ObserveNegotiation(d time.Duration) {
	c.negotiationTime.Observe(d.Seconds())
}

func (c *PrometheusCollector) ChatMessageSent() {
	c.chatMessagesTotal.Inc()
}

func (c *PrometheusCollector) HeartSent() {
	c.heartsTotal.Inc()
}

func (c *PrometheusCollector) SignalingError() {
	c.signalingErrors.Inc()
}
