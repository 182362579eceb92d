package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	authsvc "catalog-editor/auth"
	"catalog-editor/stores/memory"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	t.Setenv("OIDC_ISSUER_URL", "")
	t.Setenv("GITHUB_CLIENT_ID", "")
	return New(authsvc.NewService(memory.NewDocumentStore(), []byte("secret")))
}

func post(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestHandleSignUp_ThenSignIn(t *testing.T) {
	h := newTestHandler(t)

	rec := post(h.HandleSignUp, `{"email":"ada@example.com","password":"secret1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("sign up status = %d: %s", rec.Code, rec.Body.String())
	}
	var out tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Token == "" || out.User == nil || out.User.Email != "ada@example.com" {
		t.Errorf("sign up response = %s", rec.Body.String())
	}

	if rec := post(h.HandleSignUp, `{"email":"ada@example.com","password":"secret1"}`); rec.Code != http.StatusConflict {
		t.Errorf("duplicate sign up status = %d, want 409", rec.Code)
	}
	if rec := post(h.HandleSignIn, `{"email":"ada@example.com","password":"secret1"}`); rec.Code != http.StatusOK {
		t.Errorf("sign in status = %d, want 200", rec.Code)
	}
	if rec := post(h.HandleSignIn, `{"email":"ada@example.com","password":"wrong12"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d, want 401", rec.Code)
	}
}

func TestHandleSignUp_BadInput(t *testing.T) {
	h := newTestHandler(t)

	if rec := post(h.HandleSignUp, `{`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want 400", rec.Code)
	}
	if rec := post(h.HandleSignUp, `{"email":"x","password":"secret1"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad email status = %d, want 400", rec.Code)
	}
}

func TestHandleLogin_NotConfigured(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.HandleLogin(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGitHubCallback_StateMismatch(t *testing.T) {
	t.Setenv("OIDC_ISSUER_URL", "")
	t.Setenv("GITHUB_CLIENT_ID", "id")
	t.Setenv("GITHUB_CLIENT_SECRET", "secret")
	h := New(authsvc.NewService(memory.NewDocumentStore(), []byte("secret")))

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?state=forged&code=x", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "expected"})
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, req)
	if rec.Code != http.StatusTemporaryRedirect || rec.Header().Get("Location") != "/" {
		t.Errorf("callback = %d %q, want redirect to /", rec.Code, rec.Header().Get("Location"))
	}
}
