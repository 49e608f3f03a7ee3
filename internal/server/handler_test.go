package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholloway/keygate/internal/flow"
	"github.com/nholloway/keygate/internal/identity"
	"github.com/nholloway/keygate/internal/passkey"
	apperrors "github.com/nholloway/keygate/internal/platform/errors"
	"github.com/nholloway/keygate/internal/session"
	"github.com/nholloway/keygate/internal/storage"
)

type fakeRegistrationFlow struct {
	startOptions passkey.CreationOptions
	startErr     error
	result       flow.Result
	completeErr  error

	gotUsername  string
	gotEmail     string
	gotChallenge string
	gotPayload   []byte
}

func (f *fakeRegistrationFlow) Start(_ context.Context, username, email string) (passkey.CreationOptions, error) {
	f.gotUsername, f.gotEmail = username, email
	return f.startOptions, f.startErr
}

func (f *fakeRegistrationFlow) Complete(_ context.Context, challenge string, credentialJSON []byte) (flow.Result, error) {
	f.gotChallenge, f.gotPayload = challenge, credentialJSON
	return f.result, f.completeErr
}

type fakeAuthenticationFlow struct {
	startOptions passkey.RequestOptions
	startErr     error
	result       flow.Result
	completeErr  error
}

func (f *fakeAuthenticationFlow) Start(_ context.Context, _ string) (passkey.RequestOptions, error) {
	return f.startOptions, f.startErr
}

func (f *fakeAuthenticationFlow) Complete(_ context.Context, _ string, _ []byte) (flow.Result, error) {
	return f.result, f.completeErr
}

type fakeSessions struct {
	identityID string
	verifyErr  error
}

func (f *fakeSessions) Verify(string) (string, error) {
	if f.verifyErr != nil {
		return "", f.verifyErr
	}
	return f.identityID, nil
}

func (f *fakeSessions) TTL() time.Duration { return 24 * time.Hour }

type fakeIdentityStore struct {
	identities map[string]identity.Identity
}

func (f *fakeIdentityStore) CreateIdentity(context.Context, identity.Identity, identity.Credential) error {
	return nil
}

func (f *fakeIdentityStore) GetIdentity(_ context.Context, identityID string) (identity.Identity, error) {
	id, ok := f.identities[identityID]
	if !ok {
		return identity.Identity{}, storage.ErrNotFound
	}
	return id, nil
}

func (f *fakeIdentityStore) FindByUsername(context.Context, string) (identity.Identity, error) {
	return identity.Identity{}, storage.ErrNotFound
}

func (f *fakeIdentityStore) FindByEmail(context.Context, string) (identity.Identity, error) {
	return identity.Identity{}, storage.ErrNotFound
}

func (f *fakeIdentityStore) ListCredentials(context.Context, string) ([]identity.Credential, error) {
	return nil, nil
}

func (f *fakeIdentityStore) FindCredential(context.Context, string, string) (identity.Credential, error) {
	return identity.Credential{}, storage.ErrNotFound
}

func (f *fakeIdentityStore) UpdateSignCount(context.Context, string, uint32, uint32, time.Time) error {
	return nil
}

type handlerFixture struct {
	registration   *fakeRegistrationFlow
	authentication *fakeAuthenticationFlow
	sessions       *fakeSessions
	repo           *fakeIdentityStore
	routes         http.Handler
}

func newHandlerFixture() *handlerFixture {
	f := &handlerFixture{
		registration:   &fakeRegistrationFlow{},
		authentication: &fakeAuthenticationFlow{},
		sessions:       &fakeSessions{},
		repo:           &fakeIdentityStore{identities: make(map[string]identity.Identity)},
	}
	handler := NewHandler(f.registration, f.authentication, f.sessions, f.repo, zerolog.Nop())
	f.routes = handler.Routes()
	return f
}

func (f *handlerFixture) do(t *testing.T, method, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for _, m := range mutate {
		m(req)
	}
	recorder := httptest.NewRecorder()
	f.routes.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("response body is not JSON: %v", err)
	}
	return body
}

func sessionCookie(recorder *httptest.ResponseRecorder) *http.Cookie {
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == session.CookieName {
			return cookie
		}
	}
	return nil
}

func TestRegisterStartRoute(t *testing.T) {
	t.Run("returns ceremony options", func(t *testing.T) {
		f := newHandlerFixture()
		f.registration.startOptions = passkey.CreationOptions{Challenge: "abc"}

		recorder := f.do(t, http.MethodPost, "/auth/register/start/", `{"username":"alice","email":"alice@example.com"}`)
		if recorder.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", recorder.Code)
		}
		if got := decodeBody(t, recorder)["challenge"]; got != "abc" {
			t.Errorf("challenge = %v, want %q", got, "abc")
		}
		if f.registration.gotUsername != "alice" || f.registration.gotEmail != "alice@example.com" {
			t.Errorf("flow received (%q, %q)", f.registration.gotUsername, f.registration.gotEmail)
		}
	})

	t.Run("maps conflict to 400", func(t *testing.T) {
		f := newHandlerFixture()
		f.registration.startErr = apperrors.New(apperrors.CodeConflict, "username already exists")

		recorder := f.do(t, http.MethodPost, "/auth/register/start/", `{"username":"alice","email":"a@x.com"}`)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", recorder.Code)
		}
		if got := decodeBody(t, recorder)["error"]; got != "username already exists" {
			t.Errorf("error = %v, want %q", got, "username already exists")
		}
	})

	t.Run("rejects empty body", func(t *testing.T) {
		f := newHandlerFixture()

		recorder := f.do(t, http.MethodPost, "/auth/register/start/", "")
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", recorder.Code)
		}
	})

	t.Run("rejects wrong method", func(t *testing.T) {
		f := newHandlerFixture()

		recorder := f.do(t, http.MethodGet, "/auth/register/start/", "")
		if recorder.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d, want 405", recorder.Code)
		}
		if got := recorder.Header().Get("Allow"); got != http.MethodPost {
			t.Errorf("Allow = %q, want %q", got, http.MethodPost)
		}
	})
}

func TestRegisterCompleteRoute(t *testing.T) {
	t.Run("sets session cookie on success", func(t *testing.T) {
		f := newHandlerFixture()
		f.registration.result = flow.Result{
			Identity: identity.Identity{ID: "id-1", Username: "alice", Email: "alice@example.com"},
			Session:  "token-1",
		}

		recorder := f.do(t, http.MethodPost, "/auth/register/complete/", `{"challenge":"abc","credential":{"id":"xyz"}}`)
		if recorder.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", recorder.Code)
		}
		body := decodeBody(t, recorder)
		if body["message"] != "Registration successful" {
			t.Errorf("message = %v, want %q", body["message"], "Registration successful")
		}
		user, _ := body["user"].(map[string]any)
		if user["username"] != "alice" {
			t.Errorf("user.username = %v, want %q", user["username"], "alice")
		}

		cookie := sessionCookie(recorder)
		if cookie == nil {
			t.Fatal("expected a session cookie")
		}
		if cookie.Value != "token-1" || !cookie.HttpOnly {
			t.Errorf("cookie = %+v, want HttpOnly token-1", cookie)
		}
		if f.registration.gotChallenge != "abc" {
			t.Errorf("flow challenge = %q, want %q", f.registration.gotChallenge, "abc")
		}
		if string(f.registration.gotPayload) != `{"id":"xyz"}` {
			t.Errorf("flow payload = %s", f.registration.gotPayload)
		}
	})

	t.Run("null credential reaches the flow as absent", func(t *testing.T) {
		f := newHandlerFixture()
		f.registration.completeErr = apperrors.New(apperrors.CodeInvalidInput, "credential and challenge are required")

		recorder := f.do(t, http.MethodPost, "/auth/register/complete/", `{"challenge":"abc","credential":null}`)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", recorder.Code)
		}
		if len(f.registration.gotPayload) != 0 {
			t.Errorf("flow payload = %q, want empty", f.registration.gotPayload)
		}
	})

	t.Run("maps invalid challenge to 400", func(t *testing.T) {
		f := newHandlerFixture()
		f.registration.completeErr = apperrors.New(apperrors.CodeChallengeInvalid, "invalid or expired challenge")

		recorder := f.do(t, http.MethodPost, "/auth/register/complete/", `{"challenge":"stale","credential":{}}`)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", recorder.Code)
		}
		if got := decodeBody(t, recorder)["error"]; got != "invalid or expired challenge" {
			t.Errorf("error = %v", got)
		}
		if sessionCookie(recorder) != nil {
			t.Error("no session cookie expected on failure")
		}
	})
}

func TestLoginRoutes(t *testing.T) {
	t.Run("start returns request options", func(t *testing.T) {
		f := newHandlerFixture()
		f.authentication.startOptions = passkey.RequestOptions{Challenge: "abc", RPID: "localhost"}

		recorder := f.do(t, http.MethodPost, "/auth/login/start/", `{"username":"alice"}`)
		if recorder.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", recorder.Code)
		}
		if got := decodeBody(t, recorder)["rpId"]; got != "localhost" {
			t.Errorf("rpId = %v, want %q", got, "localhost")
		}
	})

	t.Run("start maps unknown user to 404", func(t *testing.T) {
		f := newHandlerFixture()
		f.authentication.startErr = apperrors.New(apperrors.CodeNotFound, "user not found")

		recorder := f.do(t, http.MethodPost, "/auth/login/start/", `{"username":"nobody"}`)
		if recorder.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", recorder.Code)
		}
	})

	t.Run("complete maps replay to 400", func(t *testing.T) {
		f := newHandlerFixture()
		f.authentication.completeErr = apperrors.New(apperrors.CodeReplayDetected, "credential replay detected")

		recorder := f.do(t, http.MethodPost, "/auth/login/complete/", `{"challenge":"abc","credential":{}}`)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", recorder.Code)
		}
		if got := decodeBody(t, recorder)["error"]; got != "credential replay detected" {
			t.Errorf("error = %v", got)
		}
	})

	t.Run("complete sets session cookie on success", func(t *testing.T) {
		f := newHandlerFixture()
		f.authentication.result = flow.Result{
			Identity: identity.Identity{ID: "id-1", Username: "alice", Email: "alice@example.com"},
			Session:  "token-2",
		}

		recorder := f.do(t, http.MethodPost, "/auth/login/complete/", `{"challenge":"abc","credential":{}}`)
		if recorder.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", recorder.Code)
		}
		if got := decodeBody(t, recorder)["message"]; got != "Login successful" {
			t.Errorf("message = %v, want %q", got, "Login successful")
		}
		cookie := sessionCookie(recorder)
		if cookie == nil || cookie.Value != "token-2" {
			t.Fatalf("cookie = %+v, want token-2", cookie)
		}
	})
}

func TestUserRoute(t *testing.T) {
	t.Run("requires a session", func(t *testing.T) {
		f := newHandlerFixture()

		recorder := f.do(t, http.MethodGet, "/auth/user/", "")
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", recorder.Code)
		}
	})

	t.Run("rejects invalid token", func(t *testing.T) {
		f := newHandlerFixture()
		f.sessions.verifyErr = session.ErrInvalidSession

		recorder := f.do(t, http.MethodGet, "/auth/user/", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: session.CookieName, Value: "garbage"})
		})
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", recorder.Code)
		}
	})

	t.Run("rejects session for removed account", func(t *testing.T) {
		f := newHandlerFixture()
		f.sessions.identityID = "gone"

		recorder := f.do(t, http.MethodGet, "/auth/user/", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: session.CookieName, Value: "token"})
		})
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", recorder.Code)
		}
	})

	t.Run("returns the bound identity", func(t *testing.T) {
		f := newHandlerFixture()
		f.sessions.identityID = "id-1"
		f.repo.identities["id-1"] = identity.Identity{ID: "id-1", Username: "alice", Email: "alice@example.com"}

		recorder := f.do(t, http.MethodGet, "/auth/user/", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: session.CookieName, Value: "token"})
		})
		if recorder.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", recorder.Code)
		}
		body := decodeBody(t, recorder)
		if body["id"] != "id-1" || body["username"] != "alice" || body["email"] != "alice@example.com" {
			t.Errorf("body = %v", body)
		}
	})
}

func TestLogoutRoute(t *testing.T) {
	t.Run("requires a session", func(t *testing.T) {
		f := newHandlerFixture()

		recorder := f.do(t, http.MethodPost, "/auth/logout/", "")
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", recorder.Code)
		}
	})

	t.Run("clears the session cookie", func(t *testing.T) {
		f := newHandlerFixture()
		f.sessions.identityID = "id-1"
		f.repo.identities["id-1"] = identity.Identity{ID: "id-1", Username: "alice"}

		recorder := f.do(t, http.MethodPost, "/auth/logout/", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: session.CookieName, Value: "token"})
		})
		if recorder.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", recorder.Code)
		}
		if got := decodeBody(t, recorder)["message"]; got != "Logged out successfully" {
			t.Errorf("message = %v", got)
		}
		cookie := sessionCookie(recorder)
		if cookie == nil || cookie.MaxAge >= 0 {
			t.Fatalf("cookie = %+v, want expired", cookie)
		}
	})
}

func TestCSRFToken(t *testing.T) {
	t.Run("issues matching cookie and body token", func(t *testing.T) {
		f := newHandlerFixture()

		recorder := f.do(t, http.MethodGet, "/auth/csrf-token/", "")
		if recorder.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", recorder.Code)
		}
		token, _ := decodeBody(t, recorder)["csrfToken"].(string)
		if token == "" {
			t.Fatal("expected a csrf token")
		}
		var cookieValue string
		for _, cookie := range recorder.Result().Cookies() {
			if cookie.Name == csrfCookieName {
				cookieValue = cookie.Value
			}
		}
		if cookieValue != token {
			t.Errorf("cookie = %q, body token = %q", cookieValue, token)
		}
	})

	t.Run("mismatched token is rejected on writes", func(t *testing.T) {
		f := newHandlerFixture()

		recorder := f.do(t, http.MethodPost, "/auth/login/start/", `{"username":"alice"}`, func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "issued"})
			r.Header.Set(csrfHeaderName, "forged")
		})
		if recorder.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", recorder.Code)
		}
	})

	t.Run("matching token passes", func(t *testing.T) {
		f := newHandlerFixture()

		recorder := f.do(t, http.MethodPost, "/auth/login/start/", `{"username":"alice"}`, func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "issued"})
			r.Header.Set(csrfHeaderName, "issued")
		})
		if recorder.Code == http.StatusForbidden {
			t.Fatalf("status = %d, want csrf pass", recorder.Code)
		}
	})
}

func TestHealthz(t *testing.T) {
	f := newHandlerFixture()

	recorder := f.do(t, http.MethodGet, "/healthz", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	if got := decodeBody(t, recorder)["status"]; got != "ok" {
		t.Errorf("status body = %v, want ok", got)
	}
}
