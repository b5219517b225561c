// Package metric provides the Prometheus registry and HTTP exposure for the
// reef pipeline.
//
// A MetricsRegistry owns a private prometheus.Registry with the core pipeline
// metrics (updates received and dropped, commands published, NATS health) and
// lets components register their own collectors under a service name:
//
//	registry := metric.NewMetricsRegistry()
//	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "reef_buffer_flushes_total"})
//	if err := registry.RegisterCounter("buffer", "flushes_total", counter); err != nil {
//	    return err
//	}
//
// Registering the same service/metric pair twice returns an invalid
// classified error instead of panicking.
//
// Components accept a nil *MetricsRegistry and run without metrics in that case.
//
// Server serves the registry on a configurable path next to /health and any
// extra handlers mounted with Handle:
//
//	server := metric.NewServer(":9090", "/metrics", registry)
//	server.Handle("/ws", hub)
//	go server.Start(ctx)
package metric
