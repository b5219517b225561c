// Package health tracks component health for the reefstreams process.
//
// Components report into a Monitor by name. The aggregate is unhealthy when
// any component is unhealthy and degraded when any is degraded:
//
//	monitor := health.NewMonitor("reefstreams")
//	monitor.UpdateHealthy("nats", "connected")
//	monitor.UpdateDegraded("nats", "reconnecting")
//	monitor.UpdateError("scene", err)
//
// Monitor.Healthy backs the liveness probe, and Monitor is itself an
// http.Handler serving the aggregate as JSON.
//
// Error text passed through FromError or UpdateError is sanitized: URLs,
// file paths, IP addresses, ports and credential assignments are replaced
// with placeholders before they reach the endpoint.
package health
