// Package channels connects bots to chat platforms: the popup OAuth
// handshake and credential validation against each provider.
package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/wopr/platform/internal/gateway"
	"github.com/wopr/platform/internal/oauthstate"
)

// tokenExchangeTimeout bounds the code-for-token call.
const tokenExchangeTimeout = 10 * time.Second

// OAuthFlow drives the popup handshake: initiate opens the provider's
// consent page, the callback exchanges the code, and the dashboard polls
// the token out.
type OAuthFlow struct {
	states  oauthstate.Store
	baseURL string
	client  *http.Client
	logger  *log.Logger

	// Exchange endpoints, overridable in tests.
	slackTokenURL   string
	discordTokenURL string
}

func NewOAuthFlow(states oauthstate.Store, publicBaseURL string) *OAuthFlow {
	return &OAuthFlow{
		states:          states,
		baseURL:         publicBaseURL,
		client:          &http.Client{Timeout: tokenExchangeTimeout},
		logger:          log.New(log.Writer(), "[CHANNEL-OAUTH] ", log.LstdFlags),
		slackTokenURL:   "https://slack.com/api/oauth.v2.access",
		discordTokenURL: "https://discord.com/api/oauth2/token",
	}
}

// RegisterRoutes mounts the OAuth surface. The callback is browser-facing
// and unauthenticated; initiate and poll require a bearer token.
func (f *OAuthFlow) RegisterRoutes(r *mux.Router, auth *gateway.Authenticator) {
	authed := r.PathPrefix("/api/channel-oauth").Subrouter()
	authed.Use(auth.Middleware)
	authed.HandleFunc("/initiate", f.handleInitiate).Methods(http.MethodPost)
	authed.HandleFunc("/poll", f.handlePoll).Methods(http.MethodGet)

	r.HandleFunc("/api/channel-oauth/callback", f.handleCallback).Methods(http.MethodGet)
}

func (f *OAuthFlow) redirectURI() string {
	return f.baseURL + "/api/channel-oauth/callback"
}

func (f *OAuthFlow) authorizeURL(provider, state string) (string, error) {
	switch provider {
	case "slack":
		q := url.Values{}
		q.Set("client_id", os.Getenv("SLACK_CLIENT_ID"))
		q.Set("scope", "chat:write,channels:history,channels:read")
		q.Set("state", state)
		q.Set("redirect_uri", f.redirectURI())
		return "https://slack.com/oauth/v2/authorize?" + q.Encode(), nil
	case "discord":
		q := url.Values{}
		q.Set("client_id", os.Getenv("DISCORD_CLIENT_ID"))
		q.Set("response_type", "code")
		q.Set("scope", "bot identify")
		q.Set("state", state)
		q.Set("redirect_uri", f.redirectURI())
		return "https://discord.com/api/oauth2/authorize?" + q.Encode(), nil
	default:
		return "", fmt.Errorf("provider %q does not use the oauth flow", provider)
	}
}

type initiateRequest struct {
	Provider string `json:"provider"`
	UserID   string `json:"userId,omitempty"`
}

func (f *OAuthFlow) handleInitiate(w http.ResponseWriter, r *http.Request) {
	identity, _ := gateway.IdentityFrom(r.Context())

	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Provider == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "provider is required"})
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = identity.TenantID
	}

	state := oauthstate.NewState()
	authorizeURL, err := f.authorizeURL(req.Provider, state)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}

	if err := f.states.CreatePending(r.Context(), &oauthstate.PendingState{
		State:       state,
		Provider:    req.Provider,
		UserID:      userID,
		RedirectURI: f.redirectURI(),
	}); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "could not persist state"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"state": state, "authorizeUrl": authorizeURL})
}

// callbackPage posts a well-known tag to the opener and closes the popup.
// The state value is JSON-encoded with </script> broken up so a crafted
// state can never terminate the script block.
const callbackPage = `<!DOCTYPE html>
<html><body><script>
if (window.opener) {
  window.opener.postMessage({ source: "wopr-channel-oauth", state: %s }, "*");
}
window.close();
</script><p>You can close this window.</p></body></html>`

func escapeStateForHTML(state string) string {
	raw, _ := json.Marshal(state)
	return strings.ReplaceAll(string(raw), "</script>", `<\/script>`)
}

func (f *OAuthFlow) handleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")

	pending, err := f.states.ConsumePending(r.Context(), state)
	if err != nil || pending == nil {
		http.Error(w, "unknown or expired state", http.StatusBadRequest)
		return
	}

	token, err := f.exchangeCode(r.Context(), pending.Provider, code, pending.RedirectURI)
	if err != nil {
		f.logger.Printf("⚠️  Token exchange failed for %s: %v", pending.Provider, err)
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}

	if err := f.states.CompleteWithToken(r.Context(), state, token, pending.UserID); err != nil {
		http.Error(w, "could not persist token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, callbackPage, escapeStateForHTML(state))
}

func (f *OAuthFlow) handlePoll(w http.ResponseWriter, r *http.Request) {
	identity, _ := gateway.IdentityFrom(r.Context())
	state := r.URL.Query().Get("state")
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = identity.TenantID
	}

	token, err := f.states.ConsumeCompleted(r.Context(), state, userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "state lookup failed"})
		return
	}
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "pending"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "completed", "token": token})
}

func (f *OAuthFlow) exchangeCode(ctx context.Context, provider, code, redirectURI string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, tokenExchangeTimeout)
	defer cancel()

	var tokenURL string
	form := url.Values{}
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)

	switch provider {
	case "slack":
		tokenURL = f.slackTokenURL
		form.Set("client_id", os.Getenv("SLACK_CLIENT_ID"))
		form.Set("client_secret", os.Getenv("SLACK_CLIENT_SECRET"))
	case "discord":
		tokenURL = f.discordTokenURL
		form.Set("client_id", os.Getenv("DISCORD_CLIENT_ID"))
		form.Set("client_secret", os.Getenv("DISCORD_CLIENT_SECRET"))
		form.Set("grant_type", "authorization_code")
	default:
		return "", fmt.Errorf("provider %q does not use the oauth flow", provider)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var parsed struct {
		OK          *bool  `json:"ok"`
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	if parsed.OK != nil && !*parsed.OK {
		return "", fmt.Errorf("token endpoint error: %s", parsed.Error)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access_token")
	}
	return parsed.AccessToken, nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
