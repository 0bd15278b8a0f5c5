package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Loader fetches the initial content of a document.
type Loader func(ctx context.Context, id string) (string, error)

// Departure describes how a connection served by Directory.Serve ended.
type Departure struct {
	DocumentID   string
	ConnectionID string
	Reason       CloseReason

	// Remaining is the number of connections left in the session.
	Remaining int

	// Destroyed is set when this departure emptied the session. Content and
	// Revision then hold the final state, ready to be persisted.
	Destroyed bool
	Content   string
	Revision  uint64
}

// Finalizer receives the departure that destroyed a session, typically to
// persist its final content.
type Finalizer func(ctx context.Context, dep Departure) error

// Directory maps document ids to live sessions.
type Directory struct {
	config *Config
	opts   []Option
	o      *options
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	group    singleflight.Group
}

// NewDirectory creates an empty Directory. The options also apply to every
// session it creates.
func NewDirectory(config *Config, opts ...Option) *Directory {
	if config == nil {
		config = DefaultConfig()
	}
	o := buildOptions(opts)
	return &Directory{
		config:   config,
		opts:     opts,
		o:        o,
		logger:   o.logger.With("component", "directory"),
		sessions: make(map[string]*Session),
	}
}

// Get returns the active session for id.
func (d *Directory) Get(id string) (*Session, bool) {
	d.mu.RLock()
	s, ok := d.sessions[id]
	d.mu.RUnlock()
	if !ok || s.State() != StateActive {
		return nil, false
	}
	return s, true
}

// GetOrCreate returns the active session for id, creating it when absent.
// Concurrent callers for the same id share one creation, so load runs at
// most once per session. A load failure is returned to every waiting caller
// and leaves no entry behind. The creation outlives the caller that started
// it, so cancelling ctx does not fail the other callers.
func (d *Directory) GetOrCreate(ctx context.Context, id string, load Loader) (*Session, error) {
	if s, ok := d.Get(id); ok {
		return s, nil
	}

	v, err, _ := d.group.Do(id, func() (any, error) {
		if s, ok := d.Get(id); ok {
			return s, nil
		}
		return d.create(context.WithoutCancel(ctx), id, load)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (d *Directory) create(ctx context.Context, id string, load Loader) (*Session, error) {
	ctx, span := d.o.tracer.Start(ctx, "realtime.LoadDocument",
		trace.WithAttributes(attribute.String("document.id", id)))
	defer span.End()

	d.awaitSettled(id)

	start := time.Now()
	content, err := load(ctx, id)
	d.o.metrics.ContentLoaded(time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Error("document load failed", "document_id", id, "error", err)
		return nil, &SessionError{DocumentID: id, Op: "load", Err: err}
	}
	span.SetAttributes(attribute.Int("document.length", len(content)))

	s, err := NewSession(id, content, d.config, d.opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	d.mu.Lock()
	d.sessions[id] = s
	d.mu.Unlock()

	d.o.metrics.SessionCreated()
	d.logger.Info("session created", "document_id", id)
	return s, nil
}

// awaitSettled blocks while the previous session of id is destroyed but its
// finalizer has not returned yet.
func (d *Directory) awaitSettled(id string) {
	if d.o.finalizer == nil {
		return
	}
	d.mu.RLock()
	prev, ok := d.sessions[id]
	d.mu.RUnlock()
	if !ok || prev.State() != StateDestroyed {
		return
	}
	<-prev.settled
}

// Delete removes the entry for id if it still refers to s.
func (d *Directory) Delete(id string, s *Session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.sessions[id]; ok && cur == s {
		delete(d.sessions, id)
		return true
	}
	return false
}

// Sessions returns the active sessions sorted by document id.
func (d *Directory) Sessions() []*Session {
	d.mu.RLock()
	all := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		all = append(all, s)
	}
	d.mu.RUnlock()

	active := all[:0]
	for _, s := range all {
		if s.State() == StateActive {
			active = append(active, s)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID() < active[j].ID() })
	return active
}

// Len returns the number of active sessions.
func (d *Directory) Len() int {
	d.mu.RLock()
	all := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		all = append(all, s)
	}
	d.mu.RUnlock()

	n := 0
	for _, s := range all {
		if s.State() == StateActive {
			n++
		}
	}
	return n
}

// Serve attaches socket to the session for id and blocks until the
// connection ends. It returns an error only when no session could be
// joined; protocol errors on individual frames are logged and dropped.
// Cancelling ctx closes the connection.
func (d *Directory) Serve(ctx context.Context, id string, load Loader, socket Socket, principal any) (Departure, error) {
	var (
		s    *Session
		conn *Connection
	)
	for attempt := 1; ; attempt++ {
		var err error
		s, err = d.GetOrCreate(ctx, id, load)
		if err != nil {
			return Departure{}, err
		}
		conn, err = s.Join(socket, principal)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrSessionDestroyed) {
			return Departure{}, err
		}
		// Lost a race with the last connection leaving. The stale entry
		// stays until its departure is finalized; the next create replaces it.
		if attempt >= d.config.MaxJoinAttempts {
			return Departure{}, &SessionError{DocumentID: id, Op: "join", Err: ErrTooManyAttempts}
		}
	}

	stop := context.AfterFunc(ctx, func() {
		conn.close(ReasonShutdown)
	})
	defer stop()

	conn.readLoop(s)

	remaining, destroyed := s.Leave(conn.id)
	dep := Departure{
		DocumentID:   id,
		ConnectionID: conn.id,
		Reason:       conn.Reason(),
		Remaining:    remaining,
		Destroyed:    destroyed,
	}
	if destroyed {
		dep.Content, dep.Revision = s.Snapshot()
		d.finalize(ctx, s, dep)
	}
	return dep, nil
}

// finalize runs the finalizer for a destroyed session and then releases
// creations of the same id waiting in awaitSettled.
func (d *Directory) finalize(ctx context.Context, s *Session, dep Departure) {
	defer close(s.settled)
	if d.o.finalizer != nil {
		if err := d.o.finalizer(context.WithoutCancel(ctx), dep); err != nil {
			d.logger.Error("finalize failed", "document_id", dep.DocumentID,
				"revision", dep.Revision, "error", err)
		}
	}
	d.Delete(dep.DocumentID, s)
	d.o.metrics.SessionDestroyed()
}

// CloseAll closes every connection of every session. Each Serve call then
// returns as usual, so destroyed sessions are reported to their callers.
func (d *Directory) CloseAll() {
	for _, s := range d.Sessions() {
		for _, c := range s.Connections() {
			c.close(ReasonShutdown)
		}
	}
}
