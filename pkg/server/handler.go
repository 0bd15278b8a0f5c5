package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/collab/pkg/auth"
	"github.com/vango-dev/collab/pkg/storage"
)

func (s *Server) principal(r *http.Request) auth.Principal {
	if p, ok := auth.FromContext(r.Context()); ok {
		return p
	}
	return auth.Principal{ID: "anon-" + uuid.NewString(), Anonymous: true}
}

// handleRealtime upgrades the request and serves the document session until
// the client goes away.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "docID")
	if err := validateDocumentID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	principal := s.principal(r)
	logger := s.logger.With(
		"document_id", id,
		"principal", principal.ID,
		"remote_ip", s.clientIP(r),
	)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}
	s.conns.Add(1)
	s.mu.Unlock()
	defer s.conns.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.config.MaxMessageSize)
	sock := newSocket(conn, s.config.WriteTimeout)

	// Keep the request span as parent of the document load while tying
	// the connection's lifetime to the server rather than the request.
	ctx := trace.ContextWithSpan(s.ctx, trace.SpanFromContext(r.Context()))

	logger.Info("client connected")
	dep, err := s.dir.Serve(ctx, id, s.load, sock, principal)
	if err != nil {
		logger.Error("document unavailable", "error", err)
		_ = sock.closeWithReason(websocket.CloseInternalServerErr, "document unavailable")
		return
	}
	logger.Info("client disconnected",
		"conn_id", dep.ConnectionID,
		"reason", dep.Reason,
		"remaining", dep.Remaining,
	)

}

type sessionInfo struct {
	ID          string    `json:"id"`
	Connections int       `json:"connections"`
	Revision    uint64    `json:"revision"`
	CreatedAt   time.Time `json:"created_at"`
}

type documentsResponse struct {
	Sessions []sessionInfo      `json:"sessions"`
	Stored   []storage.Document `json:"stored,omitempty"`
}

// handleListDocuments lists live sessions, plus stored documents when
// ?stored=true.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	resp := documentsResponse{Sessions: []sessionInfo{}}
	for _, sess := range s.dir.Sessions() {
		resp.Sessions = append(resp.Sessions, sessionInfo{
			ID:          sess.ID(),
			Connections: sess.ConnectionCount(),
			Revision:    sess.Revision(),
			CreatedAt:   sess.CreatedAt(),
		})
	}

	if stored, _ := strconv.ParseBool(r.URL.Query().Get("stored")); stored {
		docs, err := s.store.List(r.Context())
		if err != nil {
			s.logger.Error("listing stored documents", "error", err)
			writeError(w, http.StatusInternalServerError, "listing stored documents failed")
			return
		}
		resp.Stored = docs
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleContent returns the current text of a document: live content for an
// active session, stored content otherwise.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "docID")
	if err := validateDocumentID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		content string
		source  = "live"
	)
	if sess, ok := s.dir.Get(id); ok {
		var rev uint64
		content, rev = sess.Snapshot()
		w.Header().Set("X-Document-Revision", strconv.FormatUint(rev, 10))
	} else {
		source = "stored"
		var err error
		content, err = s.store.Load(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		if err != nil {
			s.logger.Error("loading document", "document_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "loading document failed")
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Document-Source", source)
	_, _ = w.Write([]byte(content))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.dir.Len(),
	})
}
