package realtime

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Option configures sessions and the Directory.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	metrics     Metrics
	tracer      trace.Tracer
	newDoc      DocFactory
	newPresence PresenceFactory
	finalizer   Finalizer
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink. Default: NopMetrics.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer sets the tracer used around content loads.
// Default: the global otel tracer named "github.com/vango-dev/collab/pkg/realtime".
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithDocFactory sets the document engine. Default: NewTextDoc.
func WithDocFactory(f DocFactory) Option {
	return func(o *options) {
		if f != nil {
			o.newDoc = f
		}
	}
}

// WithPresenceFactory sets the presence engine. Default: NewAwareness.
func WithPresenceFactory(f PresenceFactory) Option {
	return func(o *options) {
		if f != nil {
			o.newPresence = f
		}
	}
}

// WithFinalizer sets the function Directory.Serve runs when a departure
// destroys a session. Until it returns, a new session for the same document
// is not loaded. Directory option only.
func WithFinalizer(f Finalizer) Option {
	return func(o *options) {
		o.finalizer = f
	}
}

func buildOptions(opts []Option) *options {
	o := &options{
		logger:      slog.Default(),
		metrics:     NopMetrics{},
		newDoc:      NewTextDoc,
		newPresence: NewAwareness,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/vango-dev/collab/pkg/realtime")
	}
	return o
}
