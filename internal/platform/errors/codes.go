// Package errors provides structured error handling for keygate.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeInvalidInput Code = "INVALID_INPUT"

	// Identity errors
	CodeConflict Code = "CONFLICT"
	CodeNotFound Code = "NOT_FOUND"

	// Credential errors
	CodeCredentialNotFound Code = "CREDENTIAL_NOT_FOUND"
	CodeNoCredentials      Code = "NO_CREDENTIALS"

	// Ceremony errors
	CodeChallengeInvalid   Code = "CHALLENGE_INVALID"
	CodeVerificationFailed Code = "VERIFICATION_FAILED"
	CodeReplayDetected     Code = "REPLAY_DETECTED"

	// Session errors
	CodeUnauthenticated Code = "UNAUTHENTICATED"
)

// HTTPStatus maps domain codes to HTTP status codes.
//
// Conflict maps to 400 rather than 409: duplicate username/email is reported
// the same way as any other rejected registration input, so the endpoint
// contract stays a flat 400/404/401 split.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidInput,
		CodeConflict,
		CodeNoCredentials,
		CodeChallengeInvalid,
		CodeVerificationFailed,
		CodeReplayDetected:
		return http.StatusBadRequest

	case CodeNotFound,
		CodeCredentialNotFound:
		return http.StatusNotFound

	case CodeUnauthenticated:
		return http.StatusUnauthorized

	default:
		return http.StatusInternalServerError
	}
}
