package flow

import (
	"context"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/nholloway/keygate/internal/identity"
	"github.com/nholloway/keygate/internal/passkey"
	"github.com/nholloway/keygate/internal/storage"
)

// fakeRepository is an in-memory storage.Repository with injectable errors.
type fakeRepository struct {
	mu          sync.Mutex
	identities  map[string]identity.Identity
	credentials map[string]identity.Credential

	createErr error
	findErr   error
	updateErr error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		identities:  make(map[string]identity.Identity),
		credentials: make(map[string]identity.Credential),
	}
}

func (r *fakeRepository) CreateIdentity(_ context.Context, id identity.Identity, credential identity.Credential) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.identities {
		if existing.Username == id.Username || existing.Email == id.Email {
			return storage.ErrConflict
		}
	}
	if _, ok := r.credentials[credential.ID]; ok {
		return storage.ErrConflict
	}
	r.identities[id.ID] = id
	r.credentials[credential.ID] = credential
	return nil
}

func (r *fakeRepository) GetIdentity(_ context.Context, identityID string) (identity.Identity, error) {
	if r.findErr != nil {
		return identity.Identity{}, r.findErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.identities[identityID]
	if !ok {
		return identity.Identity{}, storage.ErrNotFound
	}
	return id, nil
}

func (r *fakeRepository) FindByUsername(_ context.Context, username string) (identity.Identity, error) {
	if r.findErr != nil {
		return identity.Identity{}, r.findErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.identities {
		if id.Username == username {
			return id, nil
		}
	}
	return identity.Identity{}, storage.ErrNotFound
}

func (r *fakeRepository) FindByEmail(_ context.Context, email string) (identity.Identity, error) {
	if r.findErr != nil {
		return identity.Identity{}, r.findErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.identities {
		if id.Email == email {
			return id, nil
		}
	}
	return identity.Identity{}, storage.ErrNotFound
}

func (r *fakeRepository) ListCredentials(_ context.Context, identityID string) ([]identity.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	credentials := make([]identity.Credential, 0)
	for _, credential := range r.credentials {
		if credential.IdentityID == identityID {
			credentials = append(credentials, credential)
		}
	}
	return credentials, nil
}

func (r *fakeRepository) FindCredential(_ context.Context, identityID, credentialID string) (identity.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	credential, ok := r.credentials[credentialID]
	if !ok || credential.IdentityID != identityID {
		return identity.Credential{}, storage.ErrNotFound
	}
	return credential, nil
}

func (r *fakeRepository) UpdateSignCount(_ context.Context, credentialID string, newCount, expectedOld uint32, usedAt time.Time) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	credential, ok := r.credentials[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	if credential.SignCount != expectedOld {
		return storage.ErrConflict
	}
	credential.SignCount = newCount
	used := usedAt
	credential.LastUsedAt = &used
	r.credentials[credentialID] = credential
	return nil
}

// fakeVerifier returns canned verification results.
type fakeVerifier struct {
	registrationCredential *webauthn.Credential
	registrationErr        error
	loginCredential        *webauthn.Credential
	loginErr               error

	lastSession webauthn.SessionData
}

func (v *fakeVerifier) VerifyRegistration(_ webauthn.User, session webauthn.SessionData, _ []byte) (*webauthn.Credential, error) {
	v.lastSession = session
	if v.registrationErr != nil {
		return nil, v.registrationErr
	}
	return v.registrationCredential, nil
}

func (v *fakeVerifier) VerifyLogin(_ webauthn.User, session webauthn.SessionData, _ []byte) (*webauthn.Credential, error) {
	v.lastSession = session
	if v.loginErr != nil {
		return nil, v.loginErr
	}
	return v.loginCredential, nil
}

// fakeBinder records the identities it bound.
type fakeBinder struct {
	bindErr error
	bound   []identity.Identity
}

func (b *fakeBinder) Bind(id identity.Identity) (string, error) {
	if b.bindErr != nil {
		return "", b.bindErr
	}
	b.bound = append(b.bound, id)
	return "session-token", nil
}

func testPasskeyConfig() passkey.Config {
	return passkey.Config{
		RPDisplayName: "keygate",
		RPID:          "localhost",
		RPOrigin:      "http://localhost:3000",
		ChallengeTTL:  5 * time.Minute,
		Timeout:       60 * time.Second,
	}
}
