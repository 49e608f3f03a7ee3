package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/nholloway/keygate/internal/ceremony"
	"github.com/nholloway/keygate/internal/identity"
	"github.com/nholloway/keygate/internal/passkey"
	apperrors "github.com/nholloway/keygate/internal/platform/errors"
	"github.com/nholloway/keygate/internal/storage"
)

var (
	errUsernameTaken       = apperrors.New(apperrors.CodeConflict, "username already exists")
	errEmailTaken          = apperrors.New(apperrors.CodeConflict, "email already exists")
	errRegistrationRace    = apperrors.New(apperrors.CodeConflict, "username or email already exists")
	errMissingCompletion   = apperrors.New(apperrors.CodeInvalidInput, "credential and challenge are required")
	errChallengeInvalid    = apperrors.New(apperrors.CodeChallengeInvalid, "invalid or expired challenge")
	errMissingRegistration = apperrors.New(apperrors.CodeInvalidInput, "username and email are required")
)

// Registration orchestrates the enrollment ceremony for a new account.
type Registration struct {
	challenges *ceremony.Store
	repo       storage.Repository
	verifier   passkey.Verifier
	sessions   SessionBinder
	cfg        passkey.Config
	logger     zerolog.Logger

	now           func() time.Time
	newUserHandle func() ([]byte, error)
}

// NewRegistration builds the registration flow.
func NewRegistration(challenges *ceremony.Store, repo storage.Repository, verifier passkey.Verifier, sessions SessionBinder, cfg passkey.Config, logger zerolog.Logger) *Registration {
	return &Registration{
		challenges:    challenges,
		repo:          repo,
		verifier:      verifier,
		sessions:      sessions,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
		newUserHandle: passkey.NewUserHandle,
	}
}

// Start validates the candidate account, issues a challenge bound to it, and
// returns ceremony options for the client. No identity is created yet; the
// only side effect is one live challenge entry.
//
// The uniqueness checks here are an advisory pre-filter. Two ceremonies for
// the same username can both pass Start; the repository's constraints settle
// the race at Complete.
func (r *Registration) Start(ctx context.Context, username, email string) (passkey.CreationOptions, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "registration.start")
	defer span.End()

	if username == "" && email == "" {
		return passkey.CreationOptions{}, errMissingRegistration
	}
	input, err := identity.NormalizeRegistration(username, email)
	if err != nil {
		return passkey.CreationOptions{}, err
	}

	if _, err := r.repo.FindByUsername(ctx, input.Username); err == nil {
		return passkey.CreationOptions{}, errUsernameTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return passkey.CreationOptions{}, fmt.Errorf("check username: %w", err)
	}
	if _, err := r.repo.FindByEmail(ctx, input.Email); err == nil {
		return passkey.CreationOptions{}, errEmailTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return passkey.CreationOptions{}, fmt.Errorf("check email: %w", err)
	}

	handle, err := r.newUserHandle()
	if err != nil {
		return passkey.CreationOptions{}, fmt.Errorf("new user handle: %w", err)
	}

	challenge, err := r.challenges.Issue(ceremony.PendingRegistration{
		Username:   input.Username,
		Email:      input.Email,
		UserHandle: handle,
	})
	if err != nil {
		return passkey.CreationOptions{}, fmt.Errorf("issue challenge: %w", err)
	}

	return passkey.NewCreationOptions(r.cfg, challenge, handle, input.Username), nil
}

// Complete consumes the challenge, verifies the attestation, and atomically
// creates the identity with its first credential. On success the identity is
// bound to a session before it is returned.
func (r *Registration) Complete(ctx context.Context, challenge string, credentialJSON []byte) (Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "registration.complete")
	defer span.End()

	if challenge == "" || len(credentialJSON) == 0 {
		return Result{}, errMissingCompletion
	}

	pending, ok := r.challenges.Consume(challenge)
	if !ok {
		return Result{}, errChallengeInvalid
	}
	reg, ok := pending.(ceremony.PendingRegistration)
	if !ok {
		// A login challenge presented to the registration endpoint is as
		// unusable as an unknown one.
		return Result{}, errChallengeInvalid
	}

	user := passkey.NewRegistrationUser(reg.UserHandle, reg.Username)
	session := passkey.NewRegistrationSession(challenge, reg.UserHandle, time.Time{})
	credential, err := r.verifier.VerifyRegistration(user, session, credentialJSON)
	if err != nil {
		return Result{}, err
	}

	now := r.now().UTC()
	id := identity.New(identity.RegistrationInput{Username: reg.Username, Email: reg.Email}, reg.UserHandle, now)
	record := identity.Credential{
		ID:         passkey.EncodeCredentialID(credential.ID),
		IdentityID: id.ID,
		PublicKey:  credential.PublicKey,
		SignCount:  credential.Authenticator.SignCount,
		CreatedAt:  now,
	}

	if err := r.repo.CreateIdentity(ctx, id, record); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Lost a commit race with a concurrent registration.
			return Result{}, errRegistrationRace
		}
		return Result{}, fmt.Errorf("create identity: %w", err)
	}

	token, err := r.sessions.Bind(id)
	if err != nil {
		return Result{}, fmt.Errorf("bind session: %w", err)
	}

	r.logger.Info().
		Str("identity_id", id.ID).
		Str("username", id.Username).
		Msg("registration completed")
	return Result{Identity: id, Session: token}, nil
}
