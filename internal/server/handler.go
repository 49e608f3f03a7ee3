package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholloway/keygate/internal/flow"
	"github.com/nholloway/keygate/internal/identity"
	"github.com/nholloway/keygate/internal/passkey"
	apperrors "github.com/nholloway/keygate/internal/platform/errors"
	"github.com/nholloway/keygate/internal/session"
	"github.com/nholloway/keygate/internal/storage"
)

// csrfCookieName is the double-submit cookie paired with X-CSRF-Token.
const csrfCookieName = "keygate_csrf"

// csrfHeaderName carries the client's copy of the csrf token on writes.
const csrfHeaderName = "X-CSRF-Token"

const csrfTokenSize = 32

// maxBodyBytes bounds request bodies; credential envelopes are small.
const maxBodyBytes = 1 << 20

const (
	msgRegistrationSuccessful = "Registration successful"
	msgLoginSuccessful        = "Login successful"
	msgLoggedOut              = "Logged out successfully"
)

// RegistrationFlow defines the registration ceremony consumed by the handler.
type RegistrationFlow interface {
	Start(ctx context.Context, username, email string) (passkey.CreationOptions, error)
	Complete(ctx context.Context, challenge string, credentialJSON []byte) (flow.Result, error)
}

// AuthenticationFlow defines the login ceremony consumed by the handler.
type AuthenticationFlow interface {
	Start(ctx context.Context, username string) (passkey.RequestOptions, error)
	Complete(ctx context.Context, challenge string, credentialJSON []byte) (flow.Result, error)
}

// Sessions defines the session operations consumed by the handler.
type Sessions interface {
	Verify(token string) (string, error)
	TTL() time.Duration
}

// Handler serves the ceremony endpoints.
type Handler struct {
	registration   RegistrationFlow
	authentication AuthenticationFlow
	sessions       Sessions
	repo           storage.Repository
	logger         zerolog.Logger
}

// NewHandler builds the HTTP handler over the ceremony flows.
func NewHandler(registration RegistrationFlow, authentication AuthenticationFlow, sessions Sessions, repo storage.Repository, logger zerolog.Logger) *Handler {
	return &Handler{
		registration:   registration,
		authentication: authentication,
		sessions:       sessions,
		repo:           repo,
		logger:         logger,
	}
}

// Routes wires the endpoint table into a mux wrapped with request logging.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/register/start/", guard(http.MethodPost, h.withCSRF(h.handleRegisterStart)))
	mux.HandleFunc("/auth/register/complete/", guard(http.MethodPost, h.withCSRF(h.handleRegisterComplete)))
	mux.HandleFunc("/auth/login/start/", guard(http.MethodPost, h.withCSRF(h.handleLoginStart)))
	mux.HandleFunc("/auth/login/complete/", guard(http.MethodPost, h.withCSRF(h.handleLoginComplete)))
	mux.HandleFunc("/auth/user/", guard(http.MethodGet, h.handleUser))
	mux.HandleFunc("/auth/logout/", guard(http.MethodPost, h.withCSRF(h.handleLogout)))
	mux.HandleFunc("/auth/csrf-token/", guard(http.MethodGet, h.handleCSRFToken))
	mux.HandleFunc("/healthz", guard(http.MethodGet, h.handleHealthz))
	return requestLogger(h.logger, mux)
}

type registerStartRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type loginStartRequest struct {
	Username string `json:"username"`
}

type completeRequest struct {
	Challenge  string          `json:"challenge"`
	Credential json.RawMessage `json:"credential"`
}

// credentialJSON returns the raw credential envelope, treating a JSON null
// the same as an absent field.
func (r completeRequest) credentialJSON() []byte {
	if bytes.Equal(bytes.TrimSpace(r.Credential), []byte("null")) {
		return nil
	}
	return r.Credential
}

type userPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type ceremonyResponse struct {
	Message string      `json:"message"`
	User    userPayload `json:"user"`
}

func toUserPayload(id identity.Identity) userPayload {
	return userPayload{ID: id.ID, Username: id.Username, Email: id.Email}
}

func (h *Handler) handleRegisterStart(w http.ResponseWriter, r *http.Request) {
	var req registerStartRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	options, err := h.registration.Start(r.Context(), req.Username, req.Email)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func (h *Handler) handleRegisterComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.registration.Complete(r.Context(), req.Challenge, req.credentialJSON())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.setSessionCookie(w, result.Session)
	writeJSON(w, http.StatusOK, ceremonyResponse{
		Message: msgRegistrationSuccessful,
		User:    toUserPayload(result.Identity),
	})
}

func (h *Handler) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	var req loginStartRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	options, err := h.authentication.Start(r.Context(), req.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func (h *Handler) handleLoginComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.authentication.Complete(r.Context(), req.Challenge, req.credentialJSON())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.setSessionCookie(w, result.Session)
	writeJSON(w, http.StatusOK, ceremonyResponse{
		Message: msgLoginSuccessful,
		User:    toUserPayload(result.Identity),
	})
}

func (h *Handler) handleUser(w http.ResponseWriter, r *http.Request) {
	id, err := h.currentIdentity(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserPayload(id))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if _, err := h.currentIdentity(r); err != nil {
		h.writeError(w, r, err)
		return
	}
	clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": msgLoggedOut})
}

func (h *Handler) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	raw := make([]byte, csrfTokenSize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		h.writeError(w, r, fmt.Errorf("generate csrf token: %w", err))
		return
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": token})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// currentIdentity resolves the session cookie to a stored identity. A valid
// token for a since-removed account reads as unauthenticated.
func (h *Handler) currentIdentity(r *http.Request) (identity.Identity, error) {
	cookie, err := r.Cookie(session.CookieName)
	if err != nil {
		return identity.Identity{}, session.ErrInvalidSession
	}
	identityID, err := h.sessions.Verify(cookie.Value)
	if err != nil {
		return identity.Identity{}, err
	}
	id, err := h.repo.GetIdentity(r.Context(), identityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return identity.Identity{}, session.ErrInvalidSession
		}
		return identity.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	return id, nil
}

// withCSRF enforces the double-submit check on state-changing requests. The
// check only applies once a csrf cookie has been issued; clients that never
// fetched a token are not locked out of the JSON API.
func (h *Handler) withCSRF(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(csrfCookieName)
		if err == nil && cookie.Value != r.Header.Get(csrfHeaderName) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "csrf token mismatch"})
			return
		}
		next(w, r)
	}
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.sessions.TTL() / time.Second),
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// writeError maps the error taxonomy onto the JSON error contract. Unknown
// errors stay opaque to the client and get logged server-side.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.CodeOf(err).HTTPStatus()
	message := "internal server error"
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && status < http.StatusInternalServerError {
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		next(w, r)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidInput, "could not read request body", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return apperrors.New(apperrors.CodeInvalidInput, "request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidInput, "request body is not valid JSON", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
