/*
Package metrics provides Prometheus instrumentation for the backup agent
and server, plus a small HTTP health-check surface.

Counters and histograms are package-level variables registered at init
and updated inline by the packages that own each operation (a cycle
completing, a file uploading, a keepalive round-trip). Collector
exists for the handful of gauges that reflect store state rather than
an in-flight operation — restore queue depth, device count — and are
cheaper to poll on a ticker than to keep in sync on every write.

	timer := metrics.NewTimer()
	err := uploadFile(path)
	metrics.CyclesTotal.WithLabelValues("scheduled", outcome(err)).Inc()
	timer.ObserveDurationVec(metrics.CycleDuration, "scheduled")

Handler exposes the registry at /metrics. HealthHandler, ReadyHandler,
and LivenessHandler back /health, /ready, and /live; RegisterComponent
lets storage and transport report in.
*/
package metrics
