package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wopr/platform/internal/gateway"
)

// validationTimeout bounds each provider credential check.
const validationTimeout = 5 * time.Second

// Validator checks channel credentials against the provider before a plugin
// install is accepted.
type Validator struct {
	client *http.Client

	// Provider API bases, overridable in tests.
	slackBase    string
	discordBase  string
	telegramBase string
}

func NewValidator() *Validator {
	return &Validator{
		client:       &http.Client{Timeout: validationTimeout},
		slackBase:    "https://slack.com/api",
		discordBase:  "https://discord.com/api/v10",
		telegramBase: "https://api.telegram.org",
	}
}

// RegisterRoutes mounts the validation surface.
func (v *Validator) RegisterRoutes(r *mux.Router, auth *gateway.Authenticator) {
	authed := r.PathPrefix("/channel-test").Subrouter()
	authed.Use(auth.Middleware)
	authed.HandleFunc("/{pluginId}/test", v.handleTest).Methods(http.MethodPost)
}

type testRequest struct {
	Token string `json:"token"`
}

func (v *Validator) handleTest(w http.ResponseWriter, r *http.Request) {
	pluginID := mux.Vars(r)["pluginId"]

	var req testRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "token is required"})
		return
	}

	var (
		identity string
		err      error
	)
	switch pluginID {
	case "slack":
		identity, err = v.validateSlack(r.Context(), req.Token)
	case "discord":
		identity, err = v.validateDiscord(r.Context(), req.Token)
	case "telegram":
		identity, err = v.validateTelegram(r.Context(), req.Token)
	default:
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "unknown channel plugin"})
		return
	}

	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "identity": identity})
}

// validateSlack calls auth.test with the bot token.
func (v *Validator) validateSlack(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.slackBase+"/auth.test", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var parsed struct {
		OK    bool   `json:"ok"`
		Team  string `json:"team"`
		User  string `json:"user"`
		Error string `json:"error"`
	}
	if err := v.doJSON(req, &parsed); err != nil {
		return "", err
	}
	if !parsed.OK {
		return "", fmt.Errorf("slack rejected the token: %s", parsed.Error)
	}
	return parsed.Team + "/" + parsed.User, nil
}

// validateDiscord calls /users/@me with the bot token.
func (v *Validator) validateDiscord(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.discordBase+"/users/@me", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bot "+token)

	var parsed struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := v.doJSON(req, &parsed); err != nil {
		return "", err
	}
	if parsed.ID == "" {
		return "", fmt.Errorf("discord rejected the token")
	}
	return parsed.Username, nil
}

// validateTelegram calls getMe with the bot token.
func (v *Validator) validateTelegram(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/bot%s/getMe", v.telegramBase, token), nil)
	if err != nil {
		return "", err
	}

	var parsed struct {
		OK     bool `json:"ok"`
		Result struct {
			Username string `json:"username"`
		} `json:"result"`
	}
	if err := v.doJSON(req, &parsed); err != nil {
		return "", err
	}
	if !parsed.OK {
		return "", fmt.Errorf("telegram rejected the token")
	}
	return parsed.Result.Username, nil
}

func (v *Validator) doJSON(req *http.Request, out interface{}) error {
	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("provider returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
