package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/platform/internal/gateway"
	"github.com/wopr/platform/internal/oauthstate"
)

func newAuth() *gateway.Authenticator {
	a := gateway.NewAuthenticatorFromEnv()
	a.AddToken("acme", gateway.ScopeWrite, "secret-token")
	return a
}

func TestInitiateCreatesPendingState(t *testing.T) {
	t.Setenv("SLACK_CLIENT_ID", "slack-client")
	states := oauthstate.NewMemoryStore()
	flow := NewOAuthFlow(states, "https://platform.example.com")

	r := mux.NewRouter()
	flow.RegisterRoutes(r, newAuth())
	srv := httptest.NewServer(r)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/channel-oauth/initiate",
		strings.NewReader(`{"provider":"slack","userId":"u1"}`))
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		State        string `json:"state"`
		AuthorizeURL string `json:"authorizeUrl"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out.State, 32)
	assert.Contains(t, out.AuthorizeURL, "slack.com/oauth/v2/authorize")
	assert.Contains(t, out.AuthorizeURL, out.State)

	pending, err := states.ConsumePending(context.Background(), out.State)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "u1", pending.UserID)
}

func TestOAuthRoundTripWithPollOwnership(t *testing.T) {
	t.Setenv("SLACK_CLIENT_ID", "slack-client")
	t.Setenv("SLACK_CLIENT_SECRET", "slack-secret")

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "code-123", r.PostForm.Get("code"))
		w.Write([]byte(`{"ok":true,"access_token":"xoxb-new-token"}`))
	}))
	defer tokenSrv.Close()

	states := oauthstate.NewMemoryStore()
	flow := NewOAuthFlow(states, "https://platform.example.com")
	flow.slackTokenURL = tokenSrv.URL

	r := mux.NewRouter()
	flow.RegisterRoutes(r, newAuth())
	srv := httptest.NewServer(r)
	defer srv.Close()

	// Initiate as acme (userId defaults to tenant).
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/channel-oauth/initiate",
		strings.NewReader(`{"provider":"slack"}`))
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var initiated struct {
		State string `json:"state"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&initiated))
	resp.Body.Close()

	// Browser callback.
	resp, err = http.Get(srv.URL + "/api/channel-oauth/callback?code=code-123&state=" + initiated.State)
	require.NoError(t, err)
	page := make([]byte, 4096)
	n, _ := resp.Body.Read(page)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(page[:n]), "postMessage")

	// Poll as the initiating user.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/channel-oauth/poll?state="+initiated.State, nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var polled struct {
		Status string `json:"status"`
		Token  string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&polled))
	resp.Body.Close()
	assert.Equal(t, "completed", polled.Status)
	assert.Equal(t, "xoxb-new-token", polled.Token)

	// Second poll: one-shot, back to pending.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/channel-oauth/poll?state="+initiated.State, nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&polled))
	resp.Body.Close()
	assert.Equal(t, "pending", polled.Status)
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	flow := NewOAuthFlow(oauthstate.NewMemoryStore(), "https://platform.example.com")
	r := mux.NewRouter()
	flow.RegisterRoutes(r, newAuth())
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/channel-oauth/callback?code=c&state=unknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEscapeStateDefeatsScriptInjection(t *testing.T) {
	escaped := escapeStateForHTML(`abc"</script><script>alert(1)`)
	assert.NotContains(t, escaped, "</script>")
	assert.Contains(t, escaped, `\"`)
}

func TestValidateSlackAndTelegram(t *testing.T) {
	slackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth.test", r.URL.Path)
		if r.Header.Get("Authorization") == "Bearer good" {
			w.Write([]byte(`{"ok":true,"team":"woprcorp","user":"botuser"}`))
			return
		}
		w.Write([]byte(`{"ok":false,"error":"invalid_auth"}`))
	}))
	defer slackSrv.Close()

	telegramSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "bot123:good") {
			w.Write([]byte(`{"ok":true,"result":{"username":"wopr_bot"}}`))
			return
		}
		w.Write([]byte(`{"ok":false}`))
	}))
	defer telegramSrv.Close()

	v := NewValidator()
	v.slackBase = slackSrv.URL
	v.telegramBase = telegramSrv.URL

	r := mux.NewRouter()
	v.RegisterRoutes(r, newAuth())
	srv := httptest.NewServer(r)
	defer srv.Close()

	check := func(plugin, token string) map[string]interface{} {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/channel-test/"+plugin+"/test",
			strings.NewReader(`{"token":"`+token+`"}`))
		req.Header.Set("Authorization", "Bearer secret-token")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	out := check("slack", "good")
	assert.Equal(t, true, out["valid"])
	assert.Equal(t, "woprcorp/botuser", out["identity"])

	out = check("slack", "bad")
	assert.Equal(t, false, out["valid"])

	out = check("telegram", "123:good")
	assert.Equal(t, true, out["valid"])

	out = check("unknown-channel", "x")
	assert.Equal(t, "unknown channel plugin", out["error"])
}
