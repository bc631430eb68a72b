package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/chatrelay/metric"
)

// bufferMetrics holds Prometheus metrics for queue operations.
type bufferMetrics struct {
	pushes    prometheus.Counter
	pops      prometheus.Counter
	discarded prometheus.Counter
	depth     prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &bufferMetrics{
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "chatrelay",
			Subsystem:   "queue",
			Name:        "pushes_total",
			ConstLabels: labels,
			Help:        "Items pushed onto the queue",
		}),
		pops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "chatrelay",
			Subsystem:   "queue",
			Name:        "pops_total",
			ConstLabels: labels,
			Help:        "Items removed from the queue",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "chatrelay",
			Subsystem:   "queue",
			Name:        "discarded_total",
			ConstLabels: labels,
			Help:        "Items dropped when the queue was closed",
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "chatrelay",
			Subsystem:   "queue",
			Name:        "depth",
			ConstLabels: labels,
			Help:        "Current number of queued items",
		}),
	}

	if err := registry.RegisterCounter(prefix, "queue_pushes", m.pushes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "queue_pops", m.pops); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "queue_discarded", m.discarded); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "queue_depth", m.depth); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *bufferMetrics) recordPush(size int) {
	m.pushes.Inc()
	m.depth.Set(float64(size))
}

func (m *bufferMetrics) recordPop(size int) {
	m.pops.Inc()
	m.depth.Set(float64(size))
}

func (m *bufferMetrics) recordDiscard(n int) {
	m.discarded.Add(float64(n))
	m.depth.Set(0)
}
