// Package metrics provides Prometheus metrics for the reclaim service.
//
// The following are exported:
//   - Active tracked blocks and bytes (gauges)
//   - Blocks recorded by the allocation path (counter)
//   - Blocks reclaimed, broken down by trigger (scheduled, manual, drain, release)
//   - Release failures, broken down by trigger
//   - Sweep pass count and latency, broken down by trigger
//
// Metrics are exposed via a dedicated HTTP server on /metrics in Prometheus format.
//
// Usage:
//
//	m := metrics.NewReclaimMetrics()
//	svc, err := reclaim.New(cfg, reclaim.WithMetrics(m))
//
//	metricsServer := metrics.NewServer(":9090")
//	metricsServer.Start()
package metrics
