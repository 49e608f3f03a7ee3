// Package session turns verified identities into authenticated sessions.
package session

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nholloway/keygate/internal/identity"
	apperrors "github.com/nholloway/keygate/internal/platform/errors"
)

// CookieName is the HTTP cookie carrying the session token.
const CookieName = "keygate_session"

const issuer = "keygate"

// ErrInvalidSession indicates a missing, malformed, or expired session token.
var ErrInvalidSession = apperrors.New(apperrors.CodeUnauthenticated, "authentication required")

// Config controls session token issuance.
type Config struct {
	Secret string        `env:"KEYGATE_SESSION_SECRET"`
	TTL    time.Duration `env:"KEYGATE_SESSION_TTL" envDefault:"24h"`
}

// LoadConfigFromEnv returns session configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{TTL: 24 * time.Hour}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return cfg
}

// Manager signs and verifies HS256 session tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option customises manager construction.
type Option func(*Manager)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager. When no secret is configured an
// ephemeral one is generated, which invalidates sessions across restarts;
// production deployments should set KEYGATE_SESSION_SECRET.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	m := &Manager{secret: secret, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// TTL reports the configured session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Bind issues a signed session token for the identity.
func (m *Manager) Bind(id identity.Identity) (string, error) {
	if id.ID == "" {
		return "", fmt.Errorf("identity id is required")
	}
	now := m.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   id.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

// Verify parses a session token and returns the bound identity id.
func (m *Manager) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidSession
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidSession
	}
	return claims.Subject, nil
}
