package realtime

import "time"

// Metrics receives session and connection events. Implementations must be
// safe for concurrent use and must not block.
type Metrics interface {
	SessionCreated()
	SessionDestroyed()
	ConnectionOpened()
	ConnectionClosed(reason CloseReason)
	MessageReceived(messageType string)
	ProtocolViolation(op string)
	FrameBroadcast(messageType string, recipients int)
	ContentLoaded(elapsed time.Duration, err error)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) SessionCreated()                    {}
func (NopMetrics) SessionDestroyed()                  {}
func (NopMetrics) ConnectionOpened()                  {}
func (NopMetrics) ConnectionClosed(CloseReason)       {}
func (NopMetrics) MessageReceived(string)             {}
func (NopMetrics) ProtocolViolation(string)           {}
func (NopMetrics) FrameBroadcast(string, int)         {}
func (NopMetrics) ContentLoaded(time.Duration, error) {}
