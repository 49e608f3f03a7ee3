package passkey

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/nholloway/keygate/internal/identity"
	apperrors "github.com/nholloway/keygate/internal/platform/errors"
)

// Verifier validates client-produced WebAuthn material against the ceremony
// session it was issued for. Implementations must treat every failure as
// terminal; there is no partial success.
type Verifier interface {
	VerifyRegistration(user webauthn.User, session webauthn.SessionData, credentialJSON []byte) (*webauthn.Credential, error)
	VerifyLogin(user webauthn.User, session webauthn.SessionData, credentialJSON []byte) (*webauthn.Credential, error)
}

type verifier struct {
	wa *webauthn.WebAuthn
}

// NewVerifier builds the production verifier over go-webauthn.
func NewVerifier(cfg Config) (Verifier, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     []string{cfg.RPOrigin},
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return &verifier{wa: wa}, nil
}

// VerifyRegistration checks an attestation response against the registration
// session and returns the new credential. Any parse or cryptographic failure
// maps to a verification error so the client-visible contract stays stable.
func (v *verifier) VerifyRegistration(user webauthn.User, session webauthn.SessionData, credentialJSON []byte) (*webauthn.Credential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBytes(credentialJSON)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeVerificationFailed, "could not parse registration credential", err)
	}
	credential, err := v.wa.CreateCredential(user, session, parsed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeVerificationFailed, "registration verification failed", err)
	}
	return credential, nil
}

// VerifyLogin checks an assertion response against the login session and the
// identity's stored credentials. The returned credential carries the
// authenticator's reported signature counter and clone warning; monotonicity
// enforcement belongs to the caller.
func (v *verifier) VerifyLogin(user webauthn.User, session webauthn.SessionData, credentialJSON []byte) (*webauthn.Credential, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBytes(credentialJSON)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeVerificationFailed, "could not parse login credential", err)
	}
	credential, err := v.wa.ValidateLogin(user, session, parsed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeVerificationFailed, "login verification failed", err)
	}
	return credential, nil
}

// User adapts ceremony state to the webauthn.User contract.
type User struct {
	handle      []byte
	name        string
	displayName string
	credentials []webauthn.Credential
}

// NewRegistrationUser wraps the candidate account for attestation
// verification; no credentials exist yet.
func NewRegistrationUser(userHandle []byte, username string) *User {
	return &User{handle: userHandle, name: username, displayName: username}
}

// NewLoginUser wraps a registered identity and its stored credentials for
// assertion verification.
func NewLoginUser(id identity.Identity, credentials []webauthn.Credential) *User {
	return &User{
		handle:      id.UserHandle,
		name:        id.Username,
		displayName: id.Username,
		credentials: credentials,
	}
}

func (u *User) WebAuthnID() []byte { return u.handle }

func (u *User) WebAuthnName() string { return u.name }

func (u *User) WebAuthnDisplayName() string { return u.displayName }

func (u *User) WebAuthnIcon() string { return "" }

func (u *User) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// NewRegistrationSession binds an issued challenge to the user handle for
// later attestation verification.
func NewRegistrationSession(challenge string, userHandle []byte, expires time.Time) webauthn.SessionData {
	return webauthn.SessionData{
		Challenge:        challenge,
		UserID:           userHandle,
		Expires:          expires,
		UserVerification: protocol.VerificationPreferred,
	}
}

// NewLoginSession binds an issued challenge to the identity's user handle and
// allowed credentials for later assertion verification.
func NewLoginSession(challenge string, userHandle []byte, credentials []webauthn.Credential, expires time.Time) webauthn.SessionData {
	allowed := make([][]byte, 0, len(credentials))
	for _, credential := range credentials {
		allowed = append(allowed, credential.ID)
	}
	return webauthn.SessionData{
		Challenge:            challenge,
		UserID:               userHandle,
		AllowedCredentialIDs: allowed,
		Expires:              expires,
		UserVerification:     protocol.VerificationPreferred,
	}
}

// EncodeCredentialID renders a raw credential identifier in the stored and
// transmitted base64url form.
func EncodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// ToWebAuthnCredential converts a stored credential into the library type
// used during assertion verification.
func ToWebAuthnCredential(c identity.Credential) (webauthn.Credential, error) {
	rawID, err := base64.RawURLEncoding.DecodeString(c.ID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("decode credential id %q: %w", c.ID, err)
	}
	return webauthn.Credential{
		ID:        rawID,
		PublicKey: c.PublicKey,
		Authenticator: webauthn.Authenticator{
			SignCount: c.SignCount,
		},
	}, nil
}

type credentialEnvelope struct {
	ID    string `json:"id"`
	RawID string `json:"rawId"`
}

// CredentialIDCandidates extracts the credential identifier from an
// assertion envelope. Authenticator stacks round-trip the identifier through
// either of two equivalent encodings, so both fields are candidates: rawId
// takes precedence, id is the fallback.
func CredentialIDCandidates(credentialJSON []byte) ([]string, error) {
	var envelope credentialEnvelope
	if err := json.Unmarshal(credentialJSON, &envelope); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidInput, "credential payload is not valid JSON", err)
	}

	candidates := make([]string, 0, 2)
	if envelope.RawID != "" {
		candidates = append(candidates, envelope.RawID)
	}
	if envelope.ID != "" && envelope.ID != envelope.RawID {
		candidates = append(candidates, envelope.ID)
	}
	if len(candidates) == 0 {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "credential id is missing")
	}
	return candidates, nil
}
