package realtime

import (
	"errors"
	"time"
)

// Config holds the tunables of sessions and their connections.
type Config struct {
	// HeartbeatInterval is the time between liveness probes. A connection
	// that has not answered the previous probe when the next one is due is
	// closed.
	// Default: 30 seconds.
	HeartbeatInterval time.Duration

	// SendQueueSize is the number of outbound frames buffered per connection.
	// A connection whose queue is full is closed.
	// Default: 256.
	SendQueueSize int

	// MaxJoinAttempts bounds how often Serve retries when the session it
	// resolved is torn down before the join lands.
	// Default: 3.
	MaxJoinAttempts int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval: 30 * time.Second,
		SendQueueSize:     256,
		MaxJoinAttempts:   3,
	}
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.HeartbeatInterval <= 0:
		return errors.New("realtime: heartbeat interval must be positive")
	case c.SendQueueSize <= 0:
		return errors.New("realtime: send queue size must be positive")
	case c.MaxJoinAttempts <= 0:
		return errors.New("realtime: max join attempts must be positive")
	}
	return nil
}
