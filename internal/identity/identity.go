// Package identity provides the account and credential domain types.
package identity

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/nholloway/keygate/internal/platform/errors"
)

var (
	// ErrEmptyUsername indicates a missing username.
	ErrEmptyUsername = apperrors.New(apperrors.CodeInvalidInput, "username is required")
	// ErrInvalidUsername indicates a username that does not match the required format.
	ErrInvalidUsername = apperrors.New(apperrors.CodeInvalidInput, "username must be 3-32 lowercase alphanumeric, dot, dash, or underscore characters")
	// ErrEmptyEmail indicates a missing email address.
	ErrEmptyEmail = apperrors.New(apperrors.CodeInvalidInput, "email is required")
	// ErrInvalidEmail indicates an email address without a plausible shape.
	ErrInvalidEmail = apperrors.New(apperrors.CodeInvalidInput, "email address is not valid")

	usernamePattern = regexp.MustCompile(`^[a-z0-9_.\-]{3,32}$`)
	emailPattern    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// Identity represents a registered account.
//
// An Identity is created only as the terminal step of a successful
// registration ceremony and is immutable afterwards.
// UserHandle is the opaque byte string the authenticator was given at
// registration; assertions may echo it back, so it is kept for life.
type Identity struct {
	ID         string
	Username   string
	Email      string
	UserHandle []byte
	CreatedAt  time.Time
}

// Credential is a WebAuthn public-key credential owned by one Identity.
//
// ID is the authenticator-assigned credential identifier, stored base64url
// encoded without padding. SignCount is the authenticator usage counter and
// only ever moves forward; authenticators without a counter report zero
// permanently.
type Credential struct {
	ID         string
	IdentityID string
	PublicKey  []byte
	SignCount  uint32
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// RegistrationInput is the normalized identity data a registration ceremony
// carries between start and complete.
type RegistrationInput struct {
	Username string
	Email    string
}

// NormalizeRegistration trims and normalizes registration input before
// validation. Usernames are lowercased so uniqueness is case-insensitive.
func NormalizeRegistration(username, email string) (RegistrationInput, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	email = strings.ToLower(strings.TrimSpace(email))

	if username == "" {
		return RegistrationInput{}, ErrEmptyUsername
	}
	if !usernamePattern.MatchString(username) {
		return RegistrationInput{}, ErrInvalidUsername
	}
	if email == "" {
		return RegistrationInput{}, ErrEmptyEmail
	}
	if !emailPattern.MatchString(email) {
		return RegistrationInput{}, ErrInvalidEmail
	}
	return RegistrationInput{Username: username, Email: email}, nil
}

// New creates a durable identity from normalized registration input and the
// user handle generated when the ceremony started.
func New(input RegistrationInput, userHandle []byte, now time.Time) Identity {
	return Identity{
		ID:         uuid.NewString(),
		Username:   input.Username,
		Email:      input.Email,
		UserHandle: userHandle,
		CreatedAt:  now.UTC(),
	}
}
