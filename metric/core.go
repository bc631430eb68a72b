package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Upstream connection states as exported by the upstream_state gauge.
const (
	UpstreamDisconnected = 0
	UpstreamConnecting   = 1
	UpstreamOpen         = 2
	UpstreamClosing      = 3
)

// Metrics contains relay-wide metrics shared by several components
type Metrics struct {
	EnvelopesReceived  *prometheus.CounterVec
	AcksSent           prometheus.Counter
	Reconnects         *prometheus.CounterVec
	UpstreamState      prometheus.Gauge
	MessagesProcessed  *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	ErrorsTotal        *prometheus.CounterVec
	Subscribers        prometheus.Gauge
	Broadcasts         prometheus.Counter
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		EnvelopesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatrelay",
				Subsystem: "upstream",
				Name:      "envelopes_received_total",
				Help:      "Envelopes received from the upstream socket by type",
			},
			[]string{"type"},
		),
		AcksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "upstream",
			Name:      "acks_sent_total",
			Help:      "Envelope acknowledgements written to the upstream socket",
		}),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatrelay",
				Subsystem: "upstream",
				Name:      "reconnects_total",
				Help:      "Upstream reconnections by cause",
			},
			[]string{"cause"},
		),
		UpstreamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Subsystem: "upstream",
			Name:      "state",
			Help:      "Upstream state (0=disconnected, 1=connecting, 2=open, 3=closing)",
		}),
		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatrelay",
				Subsystem: "processor",
				Name:      "messages_total",
				Help:      "Events handled by the processor by outcome",
			},
			[]string{"outcome"},
		),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatrelay",
			Subsystem: "processor",
			Name:      "duration_seconds",
			Help:      "Time to turn one envelope into a broadcast",
			Buckets:   prometheus.DefBuckets,
		}),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatrelay",
				Name:      "errors_total",
				Help:      "Errors by component and class",
			},
			[]string{"component", "class"},
		),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Currently registered stream subscribers",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Events fanned out to subscribers",
		}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.EnvelopesReceived,
		c.AcksSent,
		c.Reconnects,
		c.UpstreamState,
		c.MessagesProcessed,
		c.ProcessingDuration,
		c.ErrorsTotal,
		c.Subscribers,
		c.Broadcasts,
	}
}

// RecordEnvelope counts one inbound envelope.
func (c *Metrics) RecordEnvelope(envelopeType string) {
	c.EnvelopesReceived.WithLabelValues(envelopeType).Inc()
}

// RecordAck counts one acknowledgement.
func (c *Metrics) RecordAck() {
	c.AcksSent.Inc()
}

// RecordReconnect counts a reconnection and why it happened.
func (c *Metrics) RecordReconnect(cause string) {
	c.Reconnects.WithLabelValues(cause).Inc()
}

// RecordUpstreamState sets the upstream state gauge.
func (c *Metrics) RecordUpstreamState(state int) {
	c.UpstreamState.Set(float64(state))
}

// RecordProcessed counts a processed event and its latency.
func (c *Metrics) RecordProcessed(outcome string, duration time.Duration) {
	c.MessagesProcessed.WithLabelValues(outcome).Inc()
	c.ProcessingDuration.Observe(duration.Seconds())
}

// RecordError counts an error for component with the given class.
func (c *Metrics) RecordError(component, class string) {
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordSubscribers sets the live subscriber gauge.
func (c *Metrics) RecordSubscribers(n int) {
	c.Subscribers.Set(float64(n))
}

// RecordBroadcast counts one fan-out.
func (c *Metrics) RecordBroadcast() {
	c.Broadcasts.Inc()
}
