package profile

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/chatrelay/metric"
)

// cacheMetrics exports how lookups are answered and how the memory tier
// churns.
type cacheMetrics struct {
	lookups   *prometheus.CounterVec
	evictions prometheus.Counter
	entries   prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry) (*cacheMetrics, error) {
	m := &cacheMetrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "profile",
			Name:      "lookups_total",
			Help:      "Profile lookups by the tier that answered",
		}, []string{"source"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "profile",
			Name:      "memory_evictions_total",
			Help:      "Profiles dropped from the memory tier for capacity or age",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Subsystem: "profile",
			Name:      "memory_entries",
			Help:      "Profiles held in the memory tier",
		}),
	}

	if err := registry.RegisterCounterVec("profile", "lookups_total", m.lookups); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("profile", "memory_evictions_total", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("profile", "memory_entries", m.entries); err != nil {
		return nil, err
	}
	return m, nil
}
