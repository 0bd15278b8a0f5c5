package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DocumentAttribute is set on request spans whose route names a document.
const DocumentAttribute = attribute.Key("collab.document_id")

type otelOptions struct {
	tracerName string
	filter     func(*http.Request) bool
	extract    func(*http.Request) []attribute.KeyValue
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*otelOptions)

// WithTracerName sets the tracer name (default "collab").
func WithTracerName(name string) OTelOption {
	return func(o *otelOptions) {
		o.tracerName = name
	}
}

// WithFilter skips tracing for requests where filter returns false.
func WithFilter(filter func(*http.Request) bool) OTelOption {
	return func(o *otelOptions) {
		o.filter = filter
	}
}

// WithAttributeExtractor adds request attributes to the span at start.
func WithAttributeExtractor(extract func(*http.Request) []attribute.KeyValue) OTelOption {
	return func(o *otelOptions) {
		o.extract = extract
	}
}

// OpenTelemetry opens a server span per request using the global tracer
// provider. The span is renamed after the chi route pattern once routing
// is done, and carries the document id when the route has a docID
// parameter. Responses with a 5xx status mark the span as failed.
func OpenTelemetry(opts ...OTelOption) func(http.Handler) http.Handler {
	o := otelOptions{tracerName: "collab"}
	for _, opt := range opts {
		opt(&o)
	}
	tracer := otel.Tracer(o.tracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if o.filter != nil && !o.filter(r) {
				next.ServeHTTP(w, r)
				return
			}

			attrs := []attribute.KeyValue{
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			}
			if o.extract != nil {
				attrs = append(attrs, o.extract(r)...)
			}
			ctx, span := tracer.Start(r.Context(), "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			if rctx := chi.RouteContext(ctx); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					span.SetName("HTTP " + r.Method + " " + pattern)
					span.SetAttributes(attribute.String("http.route", pattern))
				}
				if id := rctx.URLParam("docID"); id != "" {
					span.SetAttributes(DocumentAttribute.String(id))
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
		})
	}
}
