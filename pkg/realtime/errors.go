package realtime

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrSessionDestroyed is returned when joining a session whose last
	// connection already left.
	ErrSessionDestroyed = errors.New("realtime: session destroyed")

	// ErrUnknownConnection is returned when a frame arrives for a connection
	// that is not registered with the session.
	ErrUnknownConnection = errors.New("realtime: unknown connection")

	// ErrUnknownMessageType is returned for frames with an unassigned tag.
	ErrUnknownMessageType = errors.New("realtime: unknown message type")

	// ErrTooManyAttempts is returned when a join keeps racing with session
	// teardown.
	ErrTooManyAttempts = errors.New("realtime: too many join attempts")
)

// SessionError wraps an error with session context.
type SessionError struct {
	DocumentID string
	Op         string
	Err        error
}

// Error returns the error message with session context.
func (e *SessionError) Error() string {
	return fmt.Sprintf("realtime: document %s: %s: %v", e.DocumentID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a frame that could not be handled. It is never
// fatal to the session: the frame is dropped and the connection stays open.
type ProtocolError struct {
	DocumentID   string
	ConnectionID string
	Op           string
	Err          error
}

// Error returns the error message.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("realtime: protocol error in document %s, connection %s: %s: %v",
		e.DocumentID, e.ConnectionID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}
