// Package middleware provides the observability layer of the collaboration
// hub.
//
// This package includes:
//   - A Prometheus collector that records session, connection and message
//     events (it implements realtime.Metrics) and wraps HTTP handlers
//   - OpenTelemetry tracing middleware for HTTP handlers
//
// # Prometheus Metrics
//
//	m := middleware.NewMetrics(middleware.WithNamespace("collab"))
//	dir := realtime.NewDirectory(cfg, realtime.WithMetrics(m))
//
//	r := chi.NewRouter()
//	r.Use(m.Handler)
//	r.Handle("/metrics", promhttp.Handler())
//
// # OpenTelemetry Middleware
//
// The tracing middleware opens a server span per request. It uses the global
// tracer provider; configure one in main() to export spans.
//
//	r.Use(middleware.OpenTelemetry(
//	    middleware.WithFilter(func(r *http.Request) bool {
//	        return r.URL.Path != "/healthz"
//	    }),
//	))
package middleware
