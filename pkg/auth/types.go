package auth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnauthorized is returned when authentication is required but not present.
	ErrUnauthorized = errors.New("unauthorized: authentication required")

	// ErrInvalidToken is returned when a token fails signature or claim checks.
	ErrInvalidToken = errors.New("unauthorized: invalid token")
)

// Principal represents the authenticated identity.
// Intentionally minimal; unknown claims are dropped.
type Principal struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	Anonymous bool      `json:"anonymous,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// HasRole reports whether the principal carries role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
