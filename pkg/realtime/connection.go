package realtime

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// CloseReason records why a connection was closed.
type CloseReason string

// Close reasons.
const (
	ReasonClosed           CloseReason = "closed"
	ReasonReadError        CloseReason = "read_error"
	ReasonWriteError       CloseReason = "write_error"
	ReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	ReasonQueueOverflow    CloseReason = "queue_overflow"
	ReasonShutdown         CloseReason = "shutdown"
)

// tickerFunc returns a tick channel and its stop function.
type tickerFunc func(d time.Duration) (<-chan time.Time, func())

func newTimeTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Connection is one client attached to a Session.
type Connection struct {
	id          string
	documentID  string
	socket      Socket
	principal   any
	connectedAt time.Time
	logger      *slog.Logger
	metrics     Metrics

	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	closed       atomic.Bool
	pongReceived atomic.Bool
	reason       CloseReason // written once before done is closed
}

func newConnection(id, documentID string, socket Socket, principal any, cfg *Config, logger *slog.Logger, metrics Metrics) *Connection {
	c := &Connection{
		id:          id,
		documentID:  documentID,
		socket:      socket,
		principal:   principal,
		connectedAt: time.Now(),
		logger:      logger.With("conn_id", id),
		metrics:     metrics,
		send:        make(chan []byte, cfg.SendQueueSize),
		done:        make(chan struct{}),
	}
	c.pongReceived.Store(true)
	socket.SetPongHandler(func() {
		c.pongReceived.Store(true)
	})
	return c
}

// start launches the write pump and the heartbeat.
func (c *Connection) start(interval time.Duration, ticker tickerFunc) {
	go c.writePump()
	ticks, stop := ticker(interval)
	go c.heartbeat(ticks, stop)
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// DocumentID returns the id of the document the connection is editing.
func (c *Connection) DocumentID() string { return c.documentID }

// Principal returns the identity attached at upgrade time.
func (c *Connection) Principal() any { return c.principal }

// ConnectedAt returns when the connection joined.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Closed reports whether the connection is closed.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Reason returns why the connection closed, or "" while it is open.
func (c *Connection) Reason() CloseReason {
	select {
	case <-c.done:
		return c.reason
	default:
		return ""
	}
}

// Send queues a frame for delivery. It never blocks: a closed connection
// drops the frame and a full queue closes the connection.
func (c *Connection) Send(frame []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("send queue full, closing connection", "queued", len(c.send))
		c.close(ReasonQueueOverflow)
	}
}

// Close closes the connection and its socket.
func (c *Connection) Close() {
	c.close(ReasonClosed)
}

func (c *Connection) close(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.reason = reason
		c.closed.Store(true)
		close(c.done)
		if err := c.socket.Close(); err != nil {
			c.logger.Debug("socket close error", "error", err)
		}
		c.metrics.ConnectionClosed(reason)
		c.logger.Debug("connection closed", "reason", string(reason))
	})
}

// writePump is the only writer of data frames.
func (c *Connection) writePump() {
	for {
		select {
		case frame := <-c.send:
			if err := c.socket.WriteMessage(frame); err != nil {
				c.logger.Debug("write error", "error", err)
				c.close(ReasonWriteError)
				return
			}
		case <-c.done:
			return
		}
	}
}

// heartbeat probes the peer on every tick and closes the connection when
// the previous probe went unanswered.
func (c *Connection) heartbeat(ticks <-chan time.Time, stop func()) {
	defer stop()
	for {
		select {
		case <-ticks:
			if !c.pongReceived.Swap(false) {
				c.logger.Info("heartbeat timeout")
				c.close(ReasonHeartbeatTimeout)
				return
			}
			if err := c.socket.WritePing(); err != nil {
				c.logger.Debug("ping error", "error", err)
				c.close(ReasonWriteError)
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop feeds inbound frames to the session until the socket fails.
// Rejected frames are logged and dropped.
func (c *Connection) readLoop(s *Session) {
	for {
		msg, err := c.socket.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Debug("read error", "error", err)
			}
			c.close(ReasonReadError)
			return
		}
		if err := s.Dispatch(c.id, msg); err != nil {
			c.logger.Warn("frame dropped", "error", err)
		}
	}
}
