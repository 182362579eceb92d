package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	authsvc "catalog-editor/auth"
	"catalog-editor/core"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const stateCookie = "oauthstate"

// OIDCClaims represents the claims from OIDC token
type OIDCClaims struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Picture           string `json:"picture"`
	Sub               string `json:"sub"`
}

// Handler serves password sign-up/sign-in and the optional OAuth login.
type Handler struct {
	svc *authsvc.Service

	loginHandler    http.HandlerFunc
	callbackHandler http.HandlerFunc

	githubOauthConfig *oauth2.Config
	oidcOauthConfig   *oauth2.Config
	verifier          *oidc.IDTokenVerifier
}

// New configures OAuth from the environment. OIDC wins over GitHub when both
// are set; without either only password auth is available.
func New(svc *authsvc.Service) *Handler {
	h := &Handler{svc: svc}

	oidcConfigured := os.Getenv("OIDC_ISSUER_URL") != "" && os.Getenv("OIDC_CLIENT_ID") != ""
	githubConfigured := os.Getenv("GITHUB_CLIENT_ID") != "" && os.Getenv("GITHUB_CLIENT_SECRET") != ""

	switch {
	case oidcConfigured && h.initOIDC():
		logrus.Info("Initializing OIDC authentication provider.")
		h.loginHandler = h.handleOIDCLogin
		h.callbackHandler = h.handleOIDCCallback
	case githubConfigured:
		logrus.Info("Initializing GitHub authentication provider.")
		h.initGitHub()
		h.loginHandler = h.handleGitHubLogin
		h.callbackHandler = h.handleGitHubCallback
	default:
		logrus.Info("No OAuth provider configured, password sign-in only.")
	}
	return h
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if h.loginHandler == nil {
		http.Error(w, "OAuth login not configured", http.StatusNotFound)
		return
	}
	h.loginHandler(w, r)
}

func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if h.callbackHandler == nil {
		http.Error(w, "OAuth login not configured", http.StatusNotFound)
		return
	}
	h.callbackHandler(w, r)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string     `json:"token"`
	User  *core.User `json:"user"`
}

func (h *Handler) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	h.handlePassword(w, r, h.svc.SignUp)
}

func (h *Handler) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	h.handlePassword(w, r, h.svc.SignIn)
}

func (h *Handler) handlePassword(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string) (*core.User, string, error)) {
	var in credentials
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "Invalid request body"})
		return
	}

	user, token, err := fn(r.Context(), in.Email, in.Password)
	if err != nil {
		var ve *core.ValidationError
		var re *core.RemoteUnavailableError
		switch {
		case errors.As(err, &ve):
			render.Status(r, http.StatusBadRequest)
		case errors.Is(err, authsvc.ErrEmailTaken):
			render.Status(r, http.StatusConflict)
		case errors.Is(err, authsvc.ErrInvalidCredentials):
			render.Status(r, http.StatusUnauthorized)
		case errors.As(err, &re):
			render.Status(r, http.StatusServiceUnavailable)
		default:
			logrus.WithError(err).Error("Password authentication failed")
			render.Status(r, http.StatusInternalServerError)
		}
		render.JSON(w, r, map[string]string{"error": err.Error()})
		return
	}
	render.JSON(w, r, tokenResponse{Token: token, User: user})
}

func (h *Handler) initGitHub() {
	h.githubOauthConfig = &oauth2.Config{
		ClientID:     os.Getenv("GITHUB_CLIENT_ID"),
		ClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
		RedirectURL:  os.Getenv("GITHUB_REDIRECT_URL"),
		Scopes:       []string{"read:user", "user:email"},
		Endpoint:     github.Endpoint,
	}
}

func (h *Handler) initOIDC() bool {
	providerURL := os.Getenv("OIDC_ISSUER_URL")
	clientID := os.Getenv("OIDC_CLIENT_ID")
	clientSecret := os.Getenv("OIDC_CLIENT_SECRET")

	if clientSecret == "" {
		logrus.Warn("OIDC credentials are not set. OIDC authentication routes will not work.")
		return false
	}

	provider, err := oidc.NewProvider(context.Background(), providerURL)
	if err != nil {
		logrus.Errorf("Failed to create OIDC provider: %s", err.Error())
		return false
	}

	h.oidcOauthConfig = &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  os.Getenv("OIDC_REDIRECT_URL"),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		Endpoint:     provider.Endpoint(),
	}
	h.verifier = provider.Verifier(&oidc.Config{ClientID: clientID})
	logrus.Info("OIDC provider initialized")
	return true
}

func setStateCookie(w http.ResponseWriter, r *http.Request) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := hex.EncodeToString(b)
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		Expires:  time.Now().Add(10 * time.Minute),
		HttpOnly: true,
		Secure:   r.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
	})
	return state, nil
}

func checkState(r *http.Request) bool {
	cookie, err := r.Cookie(stateCookie)
	return err == nil && cookie.Value != "" && cookie.Value == r.FormValue("state")
}

func (h *Handler) handleGitHubLogin(w http.ResponseWriter, r *http.Request) {
	state, err := setStateCookie(w, r)
	if err != nil {
		http.Error(w, "Failed to generate state for login", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, h.githubOauthConfig.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

func (h *Handler) handleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	if !checkState(r) {
		logrus.Warn("OAuth state mismatch")
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	token, err := h.githubOauthConfig.Exchange(r.Context(), r.FormValue("code"))
	if err != nil {
		logrus.Errorf("failed to exchange token: %s", err.Error())
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	client := h.githubOauthConfig.Client(r.Context(), token)
	resp, err := client.Get("https://api.github.com/user")
	if err != nil {
		logrus.Errorf("failed to get user from github: %s", err.Error())
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logrus.Errorf("failed to read github response body: %s", err.Error())
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	var githubUser struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
		Name      string `json:"name"`
	}
	if err := json.Unmarshal(body, &githubUser); err != nil {
		logrus.Errorf("failed to unmarshal github user: %s", err.Error())
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	h.finish(w, r, &core.User{
		Subject:   fmt.Sprintf("github:%d", githubUser.ID),
		Login:     githubUser.Login,
		Email:     githubUser.Email,
		AvatarURL: githubUser.AvatarURL,
		Name:      githubUser.Name,
	})
}

func (h *Handler) handleOIDCLogin(w http.ResponseWriter, r *http.Request) {
	state, err := setStateCookie(w, r)
	if err != nil {
		http.Error(w, "Failed to generate state for OIDC login", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, h.oidcOauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline), http.StatusTemporaryRedirect)
}

func (h *Handler) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	if !checkState(r) {
		logrus.Warn("OIDC state mismatch")
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}
	code := r.FormValue("code")
	if code == "" {
		logrus.Error("no code in callback")
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	token, err := h.oidcOauthConfig.Exchange(r.Context(), code)
	if err != nil {
		logrus.Errorf("failed to exchange token: %s", err.Error())
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		logrus.Error("no id_token in token response")
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	idToken, err := h.verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		logrus.Errorf("failed to verify ID token: %s", err.Error())
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	var claims OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		logrus.Errorf("failed to extract claims from ID token: %s", err.Error())
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	user := &core.User{
		Subject:   "oidc:" + claims.Sub,
		Login:     claims.PreferredUsername,
		Email:     claims.Email,
		AvatarURL: claims.Picture,
		Name:      claims.Name,
	}
	if user.Login == "" {
		user.Login = user.Email
	}
	h.finish(w, r, user)
}

// finish stores the external user and hands the token to the shell.
func (h *Handler) finish(w http.ResponseWriter, r *http.Request, external *core.User) {
	user, err := h.svc.Upsert(r.Context(), external)
	if err != nil {
		logrus.WithError(err).Error("Failed to store OAuth user")
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}
	token, err := h.svc.Issue(user)
	if err != nil {
		logrus.Errorf("failed to create JWT: %s", err.Error())
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}
	http.Redirect(w, r, fmt.Sprintf("/?token=%s", token), http.StatusTemporaryRedirect)
}
