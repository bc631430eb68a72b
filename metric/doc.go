// Package metric provides the Prometheus metrics registry for chatrelay.
//
// A MetricsRegistry owns a private prometheus.Registry with Go runtime and
// process collectors plus the relay-wide Metrics (upstream envelopes, acks,
// reconnects, processor outcomes, hub subscribers). Components that keep
// their own collectors, such as the profile cache and the ingestion queue,
// register them through the MetricsRegistrar methods under a component
// name; registering the same component and name twice is an invalid-class
// error.
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordReconnect("disconnect")
//	mux.Handle("/metrics", metric.Handler(registry))
//
// Components accept a nil *MetricsRegistry and then run without metrics.
package metric
