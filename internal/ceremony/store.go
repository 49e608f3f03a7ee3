// Package ceremony holds the transient state of in-flight WebAuthn
// ceremonies between their start and complete calls.
package ceremony

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultTTL bounds how long a started ceremony may wait for completion.
const DefaultTTL = 5 * time.Minute

// challengeSize is the number of random bytes backing a challenge.
const challengeSize = 32

// issueAttempts bounds retries when a generated challenge collides with a
// live entry. Collisions are statistically unreachable at 32 bytes of
// entropy, but the store never silently overwrites.
const issueAttempts = 4

// Kind discriminates the two ceremony variants.
type Kind string

const (
	KindRegistration Kind = "registration"
	KindLogin        Kind = "login"
)

// Pending is the state a start call binds to its challenge.
type Pending interface {
	Kind() Kind
}

// PendingRegistration carries candidate account data awaiting attestation.
type PendingRegistration struct {
	Username   string
	Email      string
	UserHandle []byte
}

// Kind implements Pending.
func (PendingRegistration) Kind() Kind { return KindRegistration }

// PendingAuthentication carries the resolved account awaiting an assertion.
type PendingAuthentication struct {
	IdentityID string
	Username   string
}

// Kind implements Pending.
func (PendingAuthentication) Kind() Kind { return KindLogin }

type entry struct {
	pending   Pending
	expiresAt time.Time
}

// Store is an in-memory, expiring, single-use challenge map.
//
// Consume is the only read path; there is deliberately no non-consuming
// lookup, so two completions racing on one challenge cannot both observe it.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
	rand    io.Reader
}

// Option customises store construction.
type Option func(*Store)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRand injects the entropy source.
func WithRand(r io.Reader) Option {
	return func(s *Store) { s.rand = r }
}

// NewStore creates a challenge store. A non-positive ttl falls back to
// DefaultTTL.
func NewStore(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
		rand:    rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue generates a fresh challenge, binds pending state to it, and returns
// the challenge as unpadded base64url. The returned challenge is never one
// that is already live.
func (s *Store) Issue(pending Pending) (string, error) {
	if pending == nil {
		return "", fmt.Errorf("pending ceremony state is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	for attempt := 0; attempt < issueAttempts; attempt++ {
		raw := make([]byte, challengeSize)
		if _, err := io.ReadFull(s.rand, raw); err != nil {
			return "", fmt.Errorf("generate challenge: %w", err)
		}
		challenge := base64.RawURLEncoding.EncodeToString(raw)
		if _, live := s.entries[challenge]; live {
			continue
		}
		s.entries[challenge] = entry{pending: pending, expiresAt: now.Add(s.ttl)}
		return challenge, nil
	}
	return "", fmt.Errorf("challenge collision persisted after %d attempts", issueAttempts)
}

// Consume atomically removes and returns the pending state bound to the
// challenge. Expired entries report absent, identically to unknown or
// already-consumed challenges.
func (s *Store) Consume(challenge string) (Pending, bool) {
	if challenge == "" {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[challenge]
	if !ok {
		return nil, false
	}
	delete(s.entries, challenge)
	if !s.now().Before(e.expiresAt) {
		return nil, false
	}
	return e.pending, true
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// sweepLocked reclaims expired entries to bound memory growth. Expiry
// correctness does not depend on the sweep; Consume checks deadlines itself.
func (s *Store) sweepLocked(now time.Time) {
	for challenge, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, challenge)
		}
	}
}
