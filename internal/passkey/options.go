package passkey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/nholloway/keygate/internal/identity"
)

// userHandleSize is the number of random bytes in a generated user handle.
const userHandleSize = 16

// COSE algorithm identifiers offered to authenticators, in preference order.
const (
	algES256 = -7
	algEdDSA = -8
	algRS256 = -257
)

// RelyingParty identifies the service a ceremony is scoped to.
type RelyingParty struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserEntity describes the account the authenticator should bind the new
// credential to. ID is the base64url-encoded user handle.
type UserEntity struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// CredentialParam advertises one supported public-key algorithm.
type CredentialParam struct {
	Alg  int    `json:"alg"`
	Type string `json:"type"`
}

// AuthenticatorSelection states the authenticator policy for registration.
type AuthenticatorSelection struct {
	AuthenticatorAttachment *string `json:"authenticatorAttachment"`
	UserVerification        string  `json:"userVerification"`
	RequireResidentKey      bool    `json:"requireResidentKey"`
}

// CreationOptions is the JSON body returned by registration start.
type CreationOptions struct {
	Challenge              string                 `json:"challenge"`
	RP                     RelyingParty           `json:"rp"`
	User                   UserEntity             `json:"user"`
	PubKeyCredParams       []CredentialParam      `json:"pubKeyCredParams"`
	AuthenticatorSelection AuthenticatorSelection `json:"authenticatorSelection"`
	Timeout                int                    `json:"timeout"`
	Attestation            string                 `json:"attestation"`
}

// AllowedCredential names one credential the client may assert with.
type AllowedCredential struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// RequestOptions is the JSON body returned by login start.
type RequestOptions struct {
	Challenge        string              `json:"challenge"`
	AllowCredentials []AllowedCredential `json:"allowCredentials"`
	Timeout          int                 `json:"timeout"`
	UserVerification string              `json:"userVerification"`
	RPID             string              `json:"rpId"`
}

// NewUserHandle generates the opaque byte string registered with the
// authenticator. It is distinct from the identity identifier assigned at
// account creation.
func NewUserHandle() ([]byte, error) {
	handle := make([]byte, userHandleSize)
	if _, err := io.ReadFull(rand.Reader, handle); err != nil {
		return nil, fmt.Errorf("generate user handle: %w", err)
	}
	return handle, nil
}

// NewCreationOptions builds registration ceremony options for the client.
func NewCreationOptions(cfg Config, challenge string, userHandle []byte, username string) CreationOptions {
	return CreationOptions{
		Challenge: challenge,
		RP: RelyingParty{
			ID:   cfg.RPID,
			Name: cfg.RPDisplayName,
		},
		User: UserEntity{
			ID:          base64.RawURLEncoding.EncodeToString(userHandle),
			Name:        username,
			DisplayName: username,
		},
		PubKeyCredParams: []CredentialParam{
			{Alg: algES256, Type: "public-key"},
			{Alg: algEdDSA, Type: "public-key"},
			{Alg: algRS256, Type: "public-key"},
		},
		AuthenticatorSelection: AuthenticatorSelection{
			UserVerification:   "preferred",
			RequireResidentKey: false,
		},
		Timeout:     cfg.TimeoutMillis(),
		Attestation: "none",
	}
}

// NewRequestOptions builds login ceremony options scoped to the identity's
// registered credentials.
func NewRequestOptions(cfg Config, challenge string, credentials []identity.Credential) RequestOptions {
	allowed := make([]AllowedCredential, 0, len(credentials))
	for _, credential := range credentials {
		allowed = append(allowed, AllowedCredential{ID: credential.ID, Type: "public-key"})
	}
	return RequestOptions{
		Challenge:        challenge,
		AllowCredentials: allowed,
		Timeout:          cfg.TimeoutMillis(),
		UserVerification: "preferred",
		RPID:             cfg.RPID,
	}
}
