package realtime

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-dev/collab/pkg/protocol"
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateActive sessions accept joins and frames.
	StateActive State = iota
	// StateDestroyed sessions have released their document. Terminal.
	StateDestroyed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is the collaboration context of one document.
type Session struct {
	id        string
	config    *Config
	logger    *slog.Logger
	metrics   Metrics
	newTicker tickerFunc
	createdAt time.Time

	mu       sync.Mutex
	state    State
	conns    map[string]*Connection
	doc      Doc
	presence Presence
	docs     *docSync
	aware    *presenceSync
	revision uint64
	final    string // content captured at destruction

	settled chan struct{} // closed once the directory has finalized it
}

// NewSession creates an active session seeded with content.
func NewSession(id, content string, config *Config, opts ...Option) (*Session, error) {
	o := buildOptions(opts)
	if config == nil {
		config = DefaultConfig()
	}

	doc, err := o.newDoc(content)
	if err != nil {
		return nil, &SessionError{DocumentID: id, Op: "create document", Err: err}
	}

	s := &Session{
		id:        id,
		config:    config,
		logger:    o.logger.With("document_id", id),
		metrics:   o.metrics,
		newTicker: newTimeTicker,
		createdAt: time.Now(),
		state:     StateActive,
		conns:     make(map[string]*Connection),
		doc:       doc,
		presence:  o.newPresence(doc),
		settled:   make(chan struct{}),
	}
	s.docs = newDocSync(s, s.doc)
	s.aware = newPresenceSync(s, s.presence)
	return s, nil
}

// ID returns the document id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Join registers a connection on socket and queues the initial sync: the
// whole document state followed by the presence states, which may be an
// empty set.
func (s *Session) Join(socket Socket, principal any) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDestroyed {
		return nil, &SessionError{DocumentID: s.id, Op: "join", Err: ErrSessionDestroyed}
	}

	update, err := s.doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return nil, &SessionError{DocumentID: s.id, Op: "join", Err: err}
	}

	conn := newConnection(uuid.NewString(), s.id, socket, principal, s.config, s.logger, s.metrics)
	s.conns[conn.id] = conn
	conn.Send(protocol.EncodeSyncStep2(update))
	conn.Send(s.aware.snapshot())
	conn.start(s.config.HeartbeatInterval, s.newTicker)

	s.metrics.ConnectionOpened()
	s.logger.Debug("connection joined", "conn_id", conn.id, "connections", len(s.conns))
	return conn, nil
}

// Dispatch routes one inbound frame from the connection connID. A returned
// error is a *ProtocolError; the frame was dropped and the session is intact.
func (s *Session) Dispatch(connID string, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, err := s.dispatchLocked(connID, frame)
	if err != nil {
		s.metrics.ProtocolViolation(op)
		return &ProtocolError{DocumentID: s.id, ConnectionID: connID, Op: op, Err: err}
	}
	return nil
}

func (s *Session) dispatchLocked(connID string, frame []byte) (string, error) {
	conn, ok := s.conns[connID]
	if !ok {
		return "dispatch", ErrUnknownConnection
	}

	d := protocol.NewDecoder(frame)
	mt, err := protocol.ReadMessageType(d)
	if err != nil {
		return "read message type", err
	}
	if !mt.Known() {
		s.metrics.MessageReceived("unknown")
		return "dispatch", fmt.Errorf("%w: %d", ErrUnknownMessageType, uint64(mt))
	}
	s.metrics.MessageReceived(mt.String())

	switch mt {
	case protocol.MessageSync:
		if err := s.docs.handle(conn, d); err != nil {
			return "sync", err
		}
	case protocol.MessageAwareness:
		if err := s.aware.handle(conn, d); err != nil {
			return "awareness", err
		}
	}
	return "", nil
}

// Leave unregisters the connection connID, closing it, and removes the
// presence entries it published. When it was the last connection the
// session captures its final content, releases its document and becomes
// destroyed; destroyed is true only for that call.
func (s *Session) Leave(connID string) (remaining int, destroyed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[connID]
	if !ok {
		return len(s.conns), false
	}
	delete(s.conns, connID)
	conn.Close()
	s.aware.forget(conn)

	s.logger.Debug("connection left", "conn_id", connID, "reason", string(conn.Reason()), "connections", len(s.conns))
	if len(s.conns) > 0 {
		return len(s.conns), false
	}

	s.final = s.doc.Text()
	s.doc.Destroy()
	s.presence.Destroy()
	s.state = StateDestroyed
	s.logger.Info("session destroyed", "revision", s.revision)
	return 0, true
}

// Broadcast sends frame to every connection except exclude (which may be nil).
func (s *Session) Broadcast(frame []byte, exclude *Connection) {
	mt, _ := protocol.ReadMessageType(protocol.NewDecoder(frame))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastLocked(mt, frame, exclude)
}

func (s *Session) broadcastLocked(mt protocol.MessageType, frame []byte, exclude *Connection) {
	n := 0
	for _, c := range s.conns {
		if c == exclude {
			continue
		}
		c.Send(frame)
		n++
	}
	s.metrics.FrameBroadcast(mt.String(), n)
}

// Content returns the current document text, or the final text once the
// session is destroyed.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return s.final
	}
	return s.doc.Text()
}

// Revision returns the number of document changes applied so far.
func (s *Session) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Snapshot returns the content and the revision it corresponds to.
func (s *Session) Snapshot() (content string, revision uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return s.final, s.revision
	}
	return s.doc.Text(), s.revision
}

// Connections returns the registered connections in no particular order.
func (s *Session) Connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// ConnectionCount returns the number of registered connections.
func (s *Session) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
