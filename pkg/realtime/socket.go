package realtime

// Socket is the transport under a Connection. WritePing may be called
// concurrently with WriteMessage; other methods are not called concurrently
// with themselves. Close must unblock a pending ReadMessage.
type Socket interface {
	// ReadMessage blocks until the next binary frame arrives.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one binary frame.
	WriteMessage(data []byte) error

	// WritePing sends a liveness probe.
	WritePing() error

	// SetPongHandler registers the callback for probe acknowledgements.
	SetPongHandler(h func())

	Close() error
}
