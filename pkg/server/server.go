package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vango-dev/collab/pkg/auth"
	"github.com/vango-dev/collab/pkg/middleware"
	"github.com/vango-dev/collab/pkg/realtime"
	"github.com/vango-dev/collab/pkg/storage"
)

// Server is the HTTP/WebSocket front of the collaboration hub.
type Server struct {
	config *Config

	dir     *realtime.Directory
	store   storage.Store
	load    realtime.Loader
	flusher *flusher

	// Authentication; nil admits everyone with an anonymous principal.
	auth *auth.Authenticator

	metrics  *middleware.Metrics
	gatherer prometheus.Gatherer

	upgrader       websocket.Upgrader
	trustedProxies proxySet
	handler        http.Handler

	// ctx bounds every realtime connection; cancel closes them all.
	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup

	mu         sync.Mutex
	httpServer *http.Server
	closed     bool

	logger *slog.Logger
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	logger       *slog.Logger
	auth         *auth.Authenticator
	registry     *prometheus.Registry
	realtimeOpts []realtime.Option
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *serverOptions) { o.logger = logger }
}

// WithAuthenticator requires every realtime and API request to authenticate.
func WithAuthenticator(a *auth.Authenticator) Option {
	return func(o *serverOptions) { o.auth = a }
}

// WithRegistry registers metrics on reg and serves it at /metrics.
// Default: a fresh registry per server.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *serverOptions) { o.registry = reg }
}

// WithRealtimeOptions passes extra options to the session directory.
func WithRealtimeOptions(opts ...realtime.Option) Option {
	return func(o *serverOptions) { o.realtimeOpts = append(o.realtimeOpts, opts...) }
}

// New creates a Server backed by store. A nil store keeps content in memory.
func New(config *Config, store storage.Store, opts ...Option) (*Server, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := &serverOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	logger := o.logger.With("component", "server")
	proxies, err := parseProxySet(config.TrustedProxies)
	if err != nil {
		return nil, err
	}
	metrics := middleware.NewMetrics(middleware.WithRegistry(o.registry))

	var fl *flusher
	dirOpts := append([]realtime.Option{
		realtime.WithLogger(o.logger),
		realtime.WithMetrics(metrics),
		realtime.WithFinalizer(func(ctx context.Context, dep realtime.Departure) error {
			return fl.finalize(ctx, dep)
		}),
	}, o.realtimeOpts...)
	dir := realtime.NewDirectory(config.Realtime, dirOpts...)
	fl = newFlusher(store, dir, metrics, o.logger.With("component", "flusher"), config.FlushConcurrency)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   config,
		dir:      dir,
		store:    store,
		load:     storage.Loader(store),
		flusher:  fl,
		auth:     o.auth,
		metrics:  metrics,
		gatherer: o.registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		trustedProxies: proxies,
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger,
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.OpenTelemetry(
		middleware.WithTracerName("github.com/vango-dev/collab/pkg/server"),
		middleware.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
		middleware.WithAttributeExtractor(func(r *http.Request) []attribute.KeyValue {
			return []attribute.KeyValue{
				attribute.String("http.request_id", chimw.GetReqID(r.Context())),
				attribute.String("client.address", s.clientIP(r)),
			}
		}),
	))

	r.Group(func(r chi.Router) {
		if s.auth != nil {
			r.Use(auth.Middleware(s.auth, s.logger))
		}
		// Realtime connections stay out of the request histogram; they
		// live for as long as the client keeps the document open.
		r.Get("/realtime/{docID}", s.handleRealtime)

		r.Group(func(r chi.Router) {
			r.Use(s.metrics.Handler)
			r.Get("/api/documents", s.handleListDocuments)
			r.Get("/api/documents/{docID}/content", s.handleContent)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.metrics.Handler)
		r.Get("/healthz", s.handleHealth)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Directory returns the session directory.
func (s *Server) Directory() *realtime.Directory {
	return s.dir
}

// Flush saves every live document modified since its last save.
func (s *Server) Flush(ctx context.Context) error {
	return s.flusher.Flush(ctx)
}

// Run listens on the configured address and serves until ctx is done, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	if s.config.FlushInterval > 0 {
		go s.flusher.run(s.ctx, s.config.FlushInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops accepting requests, closes every realtime connection, waits
// for their final content to be saved and flushes what is left.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	s.closed = true
	srv := s.httpServer
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	s.dir.CloseAll()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}

	if err := s.flusher.Flush(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}
	s.logger.Info("server shutdown complete")
	return nil
}
