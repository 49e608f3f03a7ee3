// Package storage defines the durable repository contract for identities
// and their credentials.
package storage

import (
	"context"
	"time"

	"github.com/nholloway/keygate/internal/identity"
	apperrors "github.com/nholloway/keygate/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrConflict indicates a uniqueness constraint rejected a write. The
// repository is the final arbiter of identity and credential creation races;
// callers treat this as an expected, recoverable condition.
var ErrConflict = apperrors.New(apperrors.CodeConflict, "record already exists")

// Repository persists identities and credentials.
type Repository interface {
	// CreateIdentity inserts the identity and its first credential in one
	// transaction. A username, email, or credential-id collision returns
	// ErrConflict and writes nothing.
	CreateIdentity(ctx context.Context, id identity.Identity, credential identity.Credential) error

	GetIdentity(ctx context.Context, identityID string) (identity.Identity, error)
	FindByUsername(ctx context.Context, username string) (identity.Identity, error)
	FindByEmail(ctx context.Context, email string) (identity.Identity, error)

	ListCredentials(ctx context.Context, identityID string) ([]identity.Credential, error)
	FindCredential(ctx context.Context, identityID, credentialID string) (identity.Credential, error)

	// UpdateSignCount advances the credential's signature counter from
	// expectedOld to newCount and records the use. The update is a
	// compare-and-swap: if the stored counter no longer equals expectedOld
	// the call returns ErrConflict, so two completions verified against the
	// same stale baseline cannot both commit.
	UpdateSignCount(ctx context.Context, credentialID string, newCount, expectedOld uint32, usedAt time.Time) error
}
