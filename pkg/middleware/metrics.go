package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vango-dev/collab/pkg/realtime"
)

// MetricsConfig configures the Prometheus collector.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "collab").
	Namespace string

	// Buckets are the histogram buckets for request and load durations.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus collector.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithBuckets sets the histogram buckets of the request and load
// duration histograms.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// defaultMetricsConfig returns the default metrics configuration.
func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "collab",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the Prometheus metrics of the hub.
//
// Metrics collected (with the default namespace):
//   - collab_http_requests_total: Counter of HTTP requests by route and status code
//   - collab_http_request_duration_seconds: Histogram of HTTP request duration by route
//   - collab_active_sessions: Gauge of live document sessions
//   - collab_sessions_created_total: Counter of sessions created
//   - collab_active_connections: Gauge of attached connections
//   - collab_connections_closed_total: Counter of closed connections by reason
//   - collab_messages_total: Counter of inbound frames by message type
//   - collab_protocol_errors_total: Counter of rejected frames by operation
//   - collab_broadcast_frames_total: Counter of frames fanned out by message type
//   - collab_document_load_duration_seconds: Histogram of initial content loads
//   - collab_document_load_errors_total: Counter of failed content loads
//   - collab_document_saves_total: Counter of content saves by result
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeSessions    prometheus.Gauge
	sessionsCreated   prometheus.Counter
	activeConnections prometheus.Gauge
	connectionsClosed *prometheus.CounterVec
	messagesTotal     *prometheus.CounterVec
	protocolErrors    *prometheus.CounterVec
	broadcastFrames   *prometheus.CounterVec
	loadDuration      prometheus.Histogram
	loadErrors        prometheus.Counter
	savesTotal        *prometheus.CounterVec
}

var _ realtime.Metrics = (*Metrics)(nil)

// NewMetrics creates and registers the hub metrics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"route", "code"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   config.Buckets,
		}, []string{"route"}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "active_sessions",
			Help:      "Number of live document sessions",
		}),

		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of document sessions created",
		}),

		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "active_connections",
			Help:      "Number of attached WebSocket connections",
		}),

		connectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "connections_closed_total",
			Help:      "Total closed connections by reason",
		}, []string{"reason"}),

		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "messages_total",
			Help:      "Total inbound frames by message type",
		}, []string{"type"}),

		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "protocol_errors_total",
			Help:      "Total rejected frames by operation",
		}, []string{"op"}),

		broadcastFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "broadcast_frames_total",
			Help:      "Total frames queued for delivery by message type",
		}, []string{"type"}),

		loadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "document_load_duration_seconds",
			Help:      "Initial content load duration in seconds",
			Buckets:   config.Buckets,
		}),

		loadErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "document_load_errors_total",
			Help:      "Total failed initial content loads",
		}),

		savesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "document_saves_total",
			Help:      "Total content saves by result",
		}, []string{"result"}),
	}
}

// Handler records request count and duration, labelled by chi route pattern
// so document ids do not become label values.
func (m *Metrics) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

// SessionCreated records a new session.
func (m *Metrics) SessionCreated() {
	m.activeSessions.Inc()
	m.sessionsCreated.Inc()
}

// SessionDestroyed records a session teardown.
func (m *Metrics) SessionDestroyed() {
	m.activeSessions.Dec()
}

// ConnectionOpened records a join.
func (m *Metrics) ConnectionOpened() {
	m.activeConnections.Inc()
}

// ConnectionClosed records a closed connection.
func (m *Metrics) ConnectionClosed(reason realtime.CloseReason) {
	m.activeConnections.Dec()
	m.connectionsClosed.WithLabelValues(string(reason)).Inc()
}

// MessageReceived records an inbound frame.
func (m *Metrics) MessageReceived(messageType string) {
	m.messagesTotal.WithLabelValues(messageType).Inc()
}

// ProtocolViolation records a rejected frame.
func (m *Metrics) ProtocolViolation(op string) {
	m.protocolErrors.WithLabelValues(op).Inc()
}

// FrameBroadcast records a frame fanned out to recipients connections.
func (m *Metrics) FrameBroadcast(messageType string, recipients int) {
	m.broadcastFrames.WithLabelValues(messageType).Add(float64(recipients))
}

// ContentLoaded records an initial content load.
func (m *Metrics) ContentLoaded(elapsed time.Duration, err error) {
	m.loadDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.loadErrors.Inc()
	}
}

// ContentSaved records a content save.
func (m *Metrics) ContentSaved(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.savesTotal.WithLabelValues(result).Inc()
}
