package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/nholloway/keygate/internal/ceremony"
	"github.com/nholloway/keygate/internal/identity"
	"github.com/nholloway/keygate/internal/passkey"
	apperrors "github.com/nholloway/keygate/internal/platform/errors"
	"github.com/nholloway/keygate/internal/storage"
)

var (
	errMissingUsername    = apperrors.New(apperrors.CodeInvalidInput, "username is required")
	errUserNotFound       = apperrors.New(apperrors.CodeNotFound, "user not found")
	errNoCredentials      = apperrors.New(apperrors.CodeNoCredentials, "no passkeys registered for this user")
	errCredentialNotFound = apperrors.New(apperrors.CodeCredentialNotFound, "credential not found for this user")
	errReplayDetected     = apperrors.New(apperrors.CodeReplayDetected, "credential replay detected")
)

// ReplaySink receives replay/clone signals for out-of-band review. The flow
// rejects the attempt either way; the sink only decides what happens next
// (alerting, lockout). A nil sink means reject-and-log only.
type ReplaySink func(ctx context.Context, identityID, credentialID string, stored, presented uint32)

// Authentication orchestrates the login ceremony for an existing account.
type Authentication struct {
	challenges *ceremony.Store
	repo       storage.Repository
	verifier   passkey.Verifier
	sessions   SessionBinder
	cfg        passkey.Config
	logger     zerolog.Logger

	replaySink ReplaySink
	now        func() time.Time
}

// NewAuthentication builds the authentication flow.
func NewAuthentication(challenges *ceremony.Store, repo storage.Repository, verifier passkey.Verifier, sessions SessionBinder, cfg passkey.Config, logger zerolog.Logger) *Authentication {
	return &Authentication{
		challenges: challenges,
		repo:       repo,
		verifier:   verifier,
		sessions:   sessions,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// SetReplaySink installs the replay signal hook.
func (a *Authentication) SetReplaySink(sink ReplaySink) {
	a.replaySink = sink
}

// Start resolves the account, builds the allowed-credentials list, and
// issues a challenge bound to the resolved identity.
func (a *Authentication) Start(ctx context.Context, username string) (passkey.RequestOptions, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "authentication.start")
	defer span.End()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return passkey.RequestOptions{}, errMissingUsername
	}

	id, err := a.repo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return passkey.RequestOptions{}, errUserNotFound
		}
		return passkey.RequestOptions{}, fmt.Errorf("find user: %w", err)
	}

	credentials, err := a.repo.ListCredentials(ctx, id.ID)
	if err != nil {
		return passkey.RequestOptions{}, fmt.Errorf("list credentials: %w", err)
	}
	if len(credentials) == 0 {
		return passkey.RequestOptions{}, errNoCredentials
	}

	challenge, err := a.challenges.Issue(ceremony.PendingAuthentication{
		IdentityID: id.ID,
		Username:   id.Username,
	})
	if err != nil {
		return passkey.RequestOptions{}, fmt.Errorf("issue challenge: %w", err)
	}

	return passkey.NewRequestOptions(a.cfg, challenge, credentials), nil
}

// Complete consumes the challenge, verifies the assertion against the stored
// public key, enforces counter monotonicity, and commits the counter advance
// before binding a session.
func (a *Authentication) Complete(ctx context.Context, challenge string, credentialJSON []byte) (Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "authentication.complete")
	defer span.End()

	if challenge == "" || len(credentialJSON) == 0 {
		return Result{}, errMissingCompletion
	}

	pending, ok := a.challenges.Consume(challenge)
	if !ok {
		return Result{}, errChallengeInvalid
	}
	auth, ok := pending.(ceremony.PendingAuthentication)
	if !ok {
		return Result{}, errChallengeInvalid
	}

	id, err := a.repo.GetIdentity(ctx, auth.IdentityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, errUserNotFound
		}
		return Result{}, fmt.Errorf("get identity: %w", err)
	}

	stored, err := a.resolveCredential(ctx, id.ID, credentialJSON)
	if err != nil {
		return Result{}, err
	}

	credentials, err := a.repo.ListCredentials(ctx, id.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list credentials: %w", err)
	}
	waCredentials := make([]webauthn.Credential, 0, len(credentials))
	for _, record := range credentials {
		converted, err := passkey.ToWebAuthnCredential(record)
		if err != nil {
			return Result{}, fmt.Errorf("decode stored credential: %w", err)
		}
		waCredentials = append(waCredentials, converted)
	}

	user := passkey.NewLoginUser(id, waCredentials)
	session := passkey.NewLoginSession(challenge, id.UserHandle, waCredentials, time.Time{})
	validated, err := a.verifier.VerifyLogin(user, session, credentialJSON)
	if err != nil {
		return Result{}, err
	}

	// The verifier matches by the assertion's raw identifier; fall back to
	// the resolution result if the encodings diverge.
	baseline := stored
	if encoded := passkey.EncodeCredentialID(validated.ID); encoded != stored.ID {
		for _, record := range credentials {
			if record.ID == encoded {
				baseline = record
				break
			}
		}
	}

	presented := validated.Authenticator.SignCount
	if validated.Authenticator.CloneWarning || !counterAdvanced(baseline.SignCount, presented) {
		a.flagReplay(ctx, id.ID, baseline.ID, baseline.SignCount, presented)
		return Result{}, errReplayDetected
	}

	if err := a.repo.UpdateSignCount(ctx, baseline.ID, presented, baseline.SignCount, a.now().UTC()); err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			// A concurrent completion already advanced the counter from the
			// same baseline; this assertion is stale.
			a.flagReplay(ctx, id.ID, baseline.ID, baseline.SignCount, presented)
			return Result{}, errReplayDetected
		case errors.Is(err, storage.ErrNotFound):
			return Result{}, errCredentialNotFound
		default:
			return Result{}, fmt.Errorf("update sign count: %w", err)
		}
	}

	token, err := a.sessions.Bind(id)
	if err != nil {
		return Result{}, fmt.Errorf("bind session: %w", err)
	}

	a.logger.Info().
		Str("identity_id", id.ID).
		Str("username", id.Username).
		Msg("login completed")
	return Result{Identity: id, Session: token}, nil
}

// resolveCredential locates the asserted credential scoped to the identity,
// trying both identifier encodings the request may carry.
func (a *Authentication) resolveCredential(ctx context.Context, identityID string, credentialJSON []byte) (identity.Credential, error) {
	candidates, err := passkey.CredentialIDCandidates(credentialJSON)
	if err != nil {
		return identity.Credential{}, err
	}

	for _, candidate := range candidates {
		credential, err := a.repo.FindCredential(ctx, identityID, candidate)
		if err == nil {
			return credential, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return identity.Credential{}, fmt.Errorf("find credential: %w", err)
		}
	}
	return identity.Credential{}, errCredentialNotFound
}

func (a *Authentication) flagReplay(ctx context.Context, identityID, credentialID string, stored, presented uint32) {
	a.logger.Warn().
		Str("identity_id", identityID).
		Str("credential_id", credentialID).
		Uint32("stored_count", stored).
		Uint32("presented_count", presented).
		Msg("signature counter did not advance; possible cloned credential")
	if a.replaySink != nil {
		a.replaySink(ctx, identityID, credentialID, stored, presented)
	}
}
