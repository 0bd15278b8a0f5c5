package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vango-dev/collab/pkg/realtime"
)

// Config holds configuration for the HTTP/WebSocket server.
type Config struct {
	// Address is the address to listen on (e.g., ":8080" or "localhost:3000").
	// Default: ":8080".
	Address string

	// WebSocket buffer sizes

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin is called to validate the request origin.
	// Default: SameOriginCheck, or AllowedOriginsCheck when AllowedOrigins
	// is set.
	CheckOrigin func(r *http.Request) bool

	// AllowedOrigins lists origins permitted to open realtime connections in
	// addition to the server's own.
	AllowedOrigins []string

	// Limits

	// MaxMessageSize is the maximum size of an incoming WebSocket message.
	// Default: 1MB.
	MaxMessageSize int64

	// WriteTimeout bounds a single frame write to a client.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// ReadHeaderTimeout is the HTTP server's header read timeout.
	// Default: 10 seconds.
	ReadHeaderTimeout time.Duration

	// Server lifecycle

	// ShutdownTimeout is the maximum time to wait for graceful shutdown,
	// including the final content flush.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// FlushInterval is how often modified documents are written to the
	// store while their sessions are live. Zero disables periodic flushing;
	// content is still saved when a session ends.
	// Default: 30 seconds.
	FlushInterval time.Duration

	// FlushConcurrency bounds parallel saves during a flush.
	// Default: 8.
	FlushConcurrency int

	// TrustedProxies lists trusted reverse proxy IPs or CIDRs for
	// X-Forwarded-For and Forwarded headers.
	TrustedProxies []string

	// Realtime configures sessions and connections.
	// Default: realtime.DefaultConfig().
	Realtime *realtime.Config
}

// DefaultConfig returns a Config with sensible defaults.
// SECURITY: CheckOrigin enforces same-origin by default to prevent CSWSH.
func DefaultConfig() *Config {
	return &Config{
		Address:           ":8080",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		CheckOrigin:       SameOriginCheck,
		MaxMessageSize:    1 << 20,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		FlushInterval:     30 * time.Second,
		FlushConcurrency:  8,
		Realtime:          realtime.DefaultConfig(),
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	out := c.Clone()
	d := DefaultConfig()
	if out.Address == "" {
		out.Address = d.Address
	}
	if out.ReadBufferSize == 0 {
		out.ReadBufferSize = d.ReadBufferSize
	}
	if out.WriteBufferSize == 0 {
		out.WriteBufferSize = d.WriteBufferSize
	}
	if out.CheckOrigin == nil {
		if len(out.AllowedOrigins) > 0 {
			out.CheckOrigin = AllowedOriginsCheck(out.AllowedOrigins)
		} else {
			out.CheckOrigin = d.CheckOrigin
		}
	}
	if out.MaxMessageSize == 0 {
		out.MaxMessageSize = d.MaxMessageSize
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = d.WriteTimeout
	}
	if out.ReadHeaderTimeout == 0 {
		out.ReadHeaderTimeout = d.ReadHeaderTimeout
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = d.ShutdownTimeout
	}
	if out.FlushConcurrency == 0 {
		out.FlushConcurrency = d.FlushConcurrency
	}
	if out.Realtime == nil {
		out.Realtime = d.Realtime
	}
	return out
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.MaxMessageSize < 0:
		return errors.New("server: max message size must not be negative")
	case c.FlushInterval < 0:
		return errors.New("server: flush interval must not be negative")
	case c.FlushConcurrency < 0:
		return errors.New("server: flush concurrency must not be negative")
	}
	if _, err := parseProxySet(c.TrustedProxies); err != nil {
		return err
	}
	if c.Realtime != nil {
		return c.Realtime.Validate()
	}
	return nil
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Realtime = c.Realtime.Clone()
	clone.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	clone.TrustedProxies = append([]string(nil), c.TrustedProxies...)
	return &clone
}

// SameOriginCheck validates that the WebSocket request origin matches the host.
// SECURITY: Uses proper URL parsing to avoid edge cases with string manipulation.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No Origin header (e.g., same-origin request or curl)
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := r.Host
	if host == "" {
		return false
	}
	return originURL.Host == host
}

// AllowedOriginsCheck accepts same-origin requests and requests whose Origin
// matches one of allowed, compared case-insensitively on scheme and host.
// A single "*" allows every origin.
func AllowedOriginsCheck(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[strings.ToLower(strings.TrimRight(a, "/"))] = struct{}{}
	}
	_, wildcard := set["*"]
	return func(r *http.Request) bool {
		if wildcard || SameOriginCheck(r) {
			return true
		}
		origin := strings.ToLower(r.Header.Get("Origin"))
		_, ok := set[origin]
		return ok
	}
}
