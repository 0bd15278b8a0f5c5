package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Config configures an Authenticator.
type Config struct {
	// Secret signs and verifies tokens. Required.
	Secret []byte

	// Issuer is written to issued tokens and, when set, required on
	// verified ones.
	Issuer string

	// TokenTTL is the lifetime of issued tokens.
	// Default: 24 hours.
	TokenTTL time.Duration

	// AllowAnonymous admits requests without a token.
	AllowAnonymous bool
}

// Claims is the JWT payload.
type Claims struct {
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies tokens.
type Authenticator struct {
	cfg Config
	now func() time.Time
}

// NewAuthenticator validates cfg and returns an Authenticator.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: secret is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return &Authenticator{cfg: cfg, now: time.Now}, nil
}

// Issue signs a token for p.
func (a *Authenticator) Issue(p Principal) (string, error) {
	if p.ID == "" {
		return "", errors.New("auth: principal id is required")
	}
	now := a.now()
	claims := Claims{
		Name:  p.Name,
		Roles: p.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TokenTTL)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(a.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token.
func (a *Authenticator) Verify(token string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	p := Principal{ID: claims.Subject, Name: claims.Name, Roles: claims.Roles}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// Authenticate extracts and verifies the token carried by r.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	token := tokenFromRequest(r)
	if token == "" {
		if a.cfg.AllowAnonymous {
			return Principal{ID: "anon-" + uuid.NewString(), Anonymous: true}, nil
		}
		return Principal{}, ErrUnauthorized
	}
	return a.Verify(token)
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, rest, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(rest)
		}
	}
	return r.URL.Query().Get("token")
}
