package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/collab/pkg/auth"
	"github.com/vango-dev/collab/pkg/crdt"
	"github.com/vango-dev/collab/pkg/protocol"
	"github.com/vango-dev/collab/pkg/storage"
)

// countingStore records saves on top of a MemoryStore.
type countingStore struct {
	*storage.MemoryStore
	saves atomic.Int32
	fail  atomic.Bool
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: storage.NewMemoryStore()}
}

func (c *countingStore) Save(ctx context.Context, id, content string) error {
	c.saves.Add(1)
	if c.fail.Load() {
		return errors.New("store unavailable")
	}
	return c.MemoryStore.Save(ctx, id, content)
}

func newTestServer(t *testing.T, store storage.Store, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FlushInterval = 0
	cfg.ShutdownTimeout = 5 * time.Second
	s, err := New(cfg, store, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		ts.Close()
	})
	return s, ts
}

// client is a websocket peer holding its own replica of the document.
type client struct {
	t       *testing.T
	conn    *websocket.Conn
	doc     *crdt.Doc
	mu      sync.Mutex
	pending [][]byte
}

func dial(t *testing.T, ts *httptest.Server, path string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	return websocket.DefaultDialer.Dial(url, header)
}

func connect(t *testing.T, ts *httptest.Server, docID string, clientID uint64) *client {
	t.Helper()
	conn, _, err := dial(t, ts, "/realtime/"+docID, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &client{t: t, conn: conn, doc: crdt.New(crdt.WithClientID(clientID))}
	c.doc.OnUpdate(func(update []byte, origin any) {
		if origin == nil {
			c.mu.Lock()
			c.pending = append(c.pending, update)
			c.mu.Unlock()
		}
	})
	t.Cleanup(func() { _ = conn.Close() })

	// The hub always opens with the full document state.
	c.applyNext()
	return c
}

func (c *client) readFrame() []byte {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	if mt != websocket.BinaryMessage {
		c.t.Fatalf("message type = %d, want binary", mt)
	}
	return data
}

// applyNext reads frames until a sync frame arrives and merges it.
func (c *client) applyNext() {
	c.t.Helper()
	for {
		d := protocol.NewDecoder(c.readFrame())
		mt, err := protocol.ReadMessageType(d)
		if err != nil {
			c.t.Fatalf("ReadMessageType: %v", err)
		}
		if mt != protocol.MessageSync {
			continue
		}
		msg, err := protocol.ReadSyncMessage(d)
		if err != nil {
			c.t.Fatalf("ReadSyncMessage: %v", err)
		}
		if err := c.doc.ApplyUpdate(msg.Payload, "hub"); err != nil {
			c.t.Fatalf("ApplyUpdate: %v", err)
		}
		return
	}
}

func (c *client) insert(pos int, text string) {
	c.t.Helper()
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
	if err := c.doc.Insert(pos, text); err != nil {
		c.t.Fatalf("Insert: %v", err)
	}
	c.mu.Lock()
	update := c.pending[0]
	c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeSyncUpdate(update)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func storedContent(store storage.Store, id string) string {
	content, _ := store.Load(context.Background(), id)
	return content
}

func TestRealtimeEditsRelayAndPersist(t *testing.T) {
	store := storage.NewMemoryStore()
	_ = store.Save(context.Background(), "notes", "hello")
	s, ts := newTestServer(t, store)

	a := connect(t, ts, "notes", 1)
	b := connect(t, ts, "notes", 2)
	if a.doc.Text() != "hello" || b.doc.Text() != "hello" {
		t.Fatalf("initial text a=%q b=%q", a.doc.Text(), b.doc.Text())
	}

	a.insert(5, " world")
	b.applyNext()
	if got := b.doc.Text(); got != "hello world" {
		t.Fatalf("b text = %q, want %q", got, "hello world")
	}

	sess, ok := s.Directory().Get("notes")
	if !ok {
		t.Fatal("session not found")
	}
	if sess.ConnectionCount() != 2 {
		t.Fatalf("connections = %d, want 2", sess.ConnectionCount())
	}

	_ = a.conn.Close()
	_ = b.conn.Close()

	eventually(t, func() bool { return s.Directory().Len() == 0 }, "session destroyed")
	eventually(t, func() bool { return storedContent(store, "notes") == "hello world" }, "final content saved")
}

func TestRealtimeInvalidDocumentID(t *testing.T) {
	_, ts := newTestServer(t, nil)

	_, resp, err := dial(t, ts, "/realtime/bad%20id", nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("response = %+v, want 400", resp)
	}
}

func TestRealtimeRejectsForeignOrigin(t *testing.T) {
	_, ts := newTestServer(t, nil)

	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	_, resp, err := dial(t, ts, "/realtime/doc", header)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %+v, want 403", resp)
	}
}

func TestRealtimeRequiresToken(t *testing.T) {
	a, err := auth.NewAuthenticator(auth.Config{Secret: []byte("secret-for-tests")})
	if err != nil {
		t.Fatal(err)
	}
	s, ts := newTestServer(t, nil, WithAuthenticator(a))

	_, resp, err := dial(t, ts, "/realtime/doc", nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v, want 401", resp)
	}

	token, err := a.Issue(auth.Principal{ID: "ada"})
	if err != nil {
		t.Fatal(err)
	}
	conn, _, err := dial(t, ts, "/realtime/doc?token="+token, nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	defer conn.Close()

	eventually(t, func() bool {
		sess, ok := s.Directory().Get("doc")
		if !ok || sess.ConnectionCount() != 1 {
			return false
		}
		p, _ := sess.Connections()[0].Principal().(auth.Principal)
		return p.ID == "ada"
	}, "principal attached to connection")
}

func TestContentEndpoint(t *testing.T) {
	store := storage.NewMemoryStore()
	_ = store.Save(context.Background(), "stored", "from disk")
	_, ts := newTestServer(t, store)

	get := func(path string) (*http.Response, string) {
		t.Helper()
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp, string(body)
	}

	resp, body := get("/api/documents/stored/content")
	if resp.StatusCode != http.StatusOK || body != "from disk" {
		t.Fatalf("stored: %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Document-Source") != "stored" {
		t.Errorf("source = %q", resp.Header.Get("X-Document-Source"))
	}

	resp, _ = get("/api/documents/missing/content")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing: status %d, want 404", resp.StatusCode)
	}

	c := connect(t, ts, "live", 7)
	c.insert(0, "typing")
	eventually(t, func() bool {
		_, body := get("/api/documents/live/content")
		return body == "typing"
	}, "live content visible")

	resp, _ = get("/api/documents/live/content")
	if resp.Header.Get("X-Document-Source") != "live" {
		t.Errorf("source = %q, want live", resp.Header.Get("X-Document-Source"))
	}
	if resp.Header.Get("X-Document-Revision") != "1" {
		t.Errorf("revision = %q, want 1", resp.Header.Get("X-Document-Revision"))
	}
}

func TestListDocuments(t *testing.T) {
	store := storage.NewMemoryStore()
	_ = store.Save(context.Background(), "archived", "old")
	_, ts := newTestServer(t, store)

	connect(t, ts, "alpha", 1)
	connect(t, ts, "alpha", 2)

	var resp documentsResponse
	eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/api/documents?stored=true")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		resp = documentsResponse{}
		if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
			return false
		}
		return len(resp.Sessions) == 1 && resp.Sessions[0].Connections == 2
	}, "alpha listed with two connections")

	if resp.Sessions[0].ID != "alpha" {
		t.Errorf("session id = %q", resp.Sessions[0].ID)
	}
	if len(resp.Stored) != 1 || resp.Stored[0].ID != "archived" {
		t.Errorf("stored = %+v", resp.Stored)
	}
}

func TestFlushSavesOnlyModifiedSessions(t *testing.T) {
	store := newCountingStore()
	s, ts := newTestServer(t, store)

	connect(t, ts, "idle", 1)
	busy := connect(t, ts, "busy", 2)
	busy.insert(0, "x")

	eventually(t, func() bool {
		sess, ok := s.Directory().Get("busy")
		return ok && sess.Revision() == 1
	}, "edit applied")

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := store.saves.Load(); got != 1 {
		t.Fatalf("saves = %d, want 1", got)
	}
	if storedContent(store, "busy") != "x" {
		t.Fatalf("busy content = %q", storedContent(store, "busy"))
	}

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if got := store.saves.Load(); got != 1 {
		t.Fatalf("saves after unchanged flush = %d, want 1", got)
	}
}

func TestFlushReportsStoreErrors(t *testing.T) {
	store := newCountingStore()
	store.fail.Store(true)
	s, ts := newTestServer(t, store)

	c := connect(t, ts, "doc", 1)
	c.insert(0, "y")
	eventually(t, func() bool {
		sess, ok := s.Directory().Get("doc")
		return ok && sess.Revision() == 1
	}, "edit applied")

	if err := s.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
}

func TestShutdownClosesConnectionsAndSaves(t *testing.T) {
	store := storage.NewMemoryStore()
	s, ts := newTestServer(t, store)

	c := connect(t, ts, "doc", 1)
	c.insert(0, "bye")
	eventually(t, func() bool {
		sess, ok := s.Directory().Get("doc")
		return ok && sess.Revision() == 1
	}, "edit applied")

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := storedContent(store, "doc"); got != "bye" {
		t.Fatalf("stored = %q, want %q", got, "bye")
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed")
	}

	_, resp, err := dial(t, ts, "/realtime/doc", nil)
	if err == nil {
		t.Fatal("expected dial after shutdown to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("response = %+v, want 503", resp)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, nil)
	connect(t, ts, "doc", 1)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" {
		t.Fatalf("health = %v", health)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, name := range []string{
		"collab_active_sessions 1",
		"collab_active_connections 1",
		`collab_http_requests_total{code="200",route="/healthz"} 1`,
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics missing %q", name)
		}
	}
}

func TestValidateDocumentID(t *testing.T) {
	valid := []string{"a", "doc-1", "team.notes_2024", strings.Repeat("x", maxDocumentIDLength)}
	invalid := []string{"", "has space", "slash/inside", "ünicode", strings.Repeat("x", maxDocumentIDLength+1)}
	for _, id := range valid {
		if err := validateDocumentID(id); err != nil {
			t.Errorf("validateDocumentID(%q) = %v", id, err)
		}
	}
	for _, id := range invalid {
		if err := validateDocumentID(id); !errors.Is(err, ErrInvalidDocumentID) {
			t.Errorf("validateDocumentID(%q) = %v, want ErrInvalidDocumentID", id, err)
		}
	}
}

// slowStore delays saves and reports when one starts.
type slowStore struct {
	*storage.MemoryStore
	delay   time.Duration
	started chan string
}

func (s *slowStore) Save(ctx context.Context, id, content string) error {
	select {
	case s.started <- id:
	default:
	}
	time.Sleep(s.delay)
	return s.MemoryStore.Save(ctx, id, content)
}

func TestReconnectWaitsForFinalSave(t *testing.T) {
	store := &slowStore{
		MemoryStore: storage.NewMemoryStore(),
		delay:       300 * time.Millisecond,
		started:     make(chan string, 1),
	}
	_ = store.MemoryStore.Save(context.Background(), "notes", "hello")
	_, ts := newTestServer(t, store)

	a := connect(t, ts, "notes", 1)
	a.insert(5, " world")
	_ = a.conn.Close()

	select {
	case <-store.started:
	case <-time.After(2 * time.Second):
		t.Fatal("final save never started")
	}

	b := connect(t, ts, "notes", 2)
	if got := b.doc.Text(); got != "hello world" {
		t.Fatalf("reconnected text = %q, want %q", got, "hello world")
	}
	b.insert(0, "X")
	_ = b.conn.Close()

	eventually(t, func() bool {
		return storedContent(store, "notes") == "Xhello world"
	}, "second final save")
}

// selectiveStore fails saves of one document.
type selectiveStore struct {
	*storage.MemoryStore
	failID string
}

func (s *selectiveStore) Save(ctx context.Context, id, content string) error {
	if id == s.failID {
		return errors.New("disk full")
	}
	// Give the failure time to land before the healthy saves finish.
	time.Sleep(20 * time.Millisecond)
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Save(ctx, id, content)
}

func TestFlushContinuesPastFailures(t *testing.T) {
	store := &selectiveStore{MemoryStore: storage.NewMemoryStore(), failID: "bad"}
	s, ts := newTestServer(t, store)

	ids := []string{"bad", "good1", "good2", "good3"}
	for i, id := range ids {
		c := connect(t, ts, id, uint64(i+1))
		c.insert(0, id)
	}
	eventually(t, func() bool {
		for _, id := range ids {
			sess, ok := s.Directory().Get(id)
			if !ok || sess.Revision() != 1 {
				return false
			}
		}
		return true
	}, "edits applied")

	err := s.Flush(context.Background())
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("Flush() = %v, want disk full", err)
	}
	for _, id := range ids[1:] {
		if got := storedContent(store, id); got != id {
			t.Errorf("stored %s = %q, want %q", id, got, id)
		}
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFlusherLogsOwnComponent(t *testing.T) {
	var out syncBuffer
	logger := slog.New(slog.NewJSONHandler(&out, nil))
	_, ts := newTestServer(t, storage.NewMemoryStore(), WithLogger(logger))

	c := connect(t, ts, "doc", 1)
	c.insert(0, "hi")
	_ = c.conn.Close()

	var line string
	eventually(t, func() bool {
		for _, l := range strings.Split(out.String(), "\n") {
			if strings.Contains(l, `"msg":"document saved"`) {
				line = l
				return true
			}
		}
		return false
	}, "final save logged")

	if n := strings.Count(line, `"component"`); n != 1 {
		t.Errorf("component keys = %d in %s", n, line)
	}
	if !strings.Contains(line, `"component":"flusher"`) {
		t.Errorf("log line = %s", line)
	}
}
