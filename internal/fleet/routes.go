package fleet

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wopr/platform/internal/gateway"
	"github.com/wopr/platform/internal/plugins"
)

// channelPlugins is the channel-category subset exposed at /channels.
var channelPlugins = map[string]bool{
	"slack":    true,
	"discord":  true,
	"telegram": true,
	"whatsapp": true,
}

// API is the fleet HTTP surface: bot CRUD plus plugin and channel
// composition on a bot's profile.
type API struct {
	manager  *Manager
	composer *plugins.Composer
}

func NewAPI(manager *Manager, composer *plugins.Composer) *API {
	return &API{manager: manager, composer: composer}
}

// RegisterRoutes mounts the fleet surface under /fleet.
func (a *API) RegisterRoutes(r *mux.Router, auth *gateway.Authenticator) {
	fleet := r.PathPrefix("/fleet").Subrouter()
	fleet.Use(auth.Middleware)

	fleet.HandleFunc("/bots", gateway.RequireScope(gateway.ScopeWrite, a.handleCreateBot)).Methods(http.MethodPost)
	fleet.HandleFunc("/bots", a.handleListBots).Methods(http.MethodGet)
	fleet.HandleFunc("/bots/{botId}", a.handleGetBot).Methods(http.MethodGet)
	fleet.HandleFunc("/bots/{botId}", gateway.RequireScope(gateway.ScopeWrite, a.handleDeleteBot)).Methods(http.MethodDelete)
	fleet.HandleFunc("/bots/{botId}/move", gateway.RequireScope(gateway.ScopeAdmin, a.handleMoveBot)).Methods(http.MethodPost)

	fleet.HandleFunc("/bots/{botId}/plugins", a.handleListPlugins).Methods(http.MethodGet)
	fleet.HandleFunc("/bots/{botId}/plugins/{pluginId}", gateway.RequireScope(gateway.ScopeWrite, a.handleInstallPlugin)).Methods(http.MethodPost)
	fleet.HandleFunc("/bots/{botId}/plugins/{pluginId}", gateway.RequireScope(gateway.ScopeWrite, a.handleTogglePlugin)).Methods(http.MethodPatch, http.MethodPut)
	fleet.HandleFunc("/bots/{botId}/plugins/{pluginId}", gateway.RequireScope(gateway.ScopeWrite, a.handleUninstallPlugin)).Methods(http.MethodDelete)

	fleet.HandleFunc("/bots/{botId}/channels", a.handleListChannels).Methods(http.MethodGet)
	fleet.HandleFunc("/bots/{botId}/channels/{pluginId}", gateway.RequireScope(gateway.ScopeWrite, a.requireChannel(a.handleInstallPlugin))).Methods(http.MethodPost)
	fleet.HandleFunc("/bots/{botId}/channels/{pluginId}", gateway.RequireScope(gateway.ScopeWrite, a.requireChannel(a.handleUninstallPlugin))).Methods(http.MethodDelete)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBotNotFound), errors.Is(err, plugins.ErrNotInstalled):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, plugins.ErrAlreadyInstalled):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, plugins.ErrInvalidPluginID):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// authorize loads the bot and checks the caller may act on it. Admin
// tokens may act on any tenant's bots.
func (a *API) authorize(w http.ResponseWriter, r *http.Request) (*BotProfile, bool) {
	profile, err := a.manager.Get(mux.Vars(r)["botId"])
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	identity, _ := gateway.IdentityFrom(r.Context())
	if identity.Scope != gateway.ScopeAdmin && identity.TenantID != profile.TenantID {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "bot belongs to another tenant"})
		return nil, false
	}
	return profile, true
}

func (a *API) requireChannel(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !channelPlugins[mux.Vars(r)["pluginId"]] {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "not a channel plugin"})
			return
		}
		next(w, r)
	}
}

type createBotRequest struct {
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	ReleaseChannel string            `json:"releaseChannel"`
	Env            map[string]string `json:"env"`
	RestartPolicy  string            `json:"restartPolicy"`
	UpdatePolicy   string            `json:"updatePolicy"`
}

func (a *API) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	identity, _ := gateway.IdentityFrom(r.Context())

	var req createBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	profile, err := a.manager.Create(&BotProfile{
		TenantID:       identity.TenantID,
		Name:           req.Name,
		Image:          req.Image,
		ReleaseChannel: req.ReleaseChannel,
		Env:            req.Env,
		RestartPolicy:  req.RestartPolicy,
		UpdatePolicy:   req.UpdatePolicy,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (a *API) handleListBots(w http.ResponseWriter, r *http.Request) {
	identity, _ := gateway.IdentityFrom(r.Context())
	tenantID := identity.TenantID
	if identity.Scope == gateway.ScopeAdmin {
		if override := r.URL.Query().Get("tenant"); override != "" {
			tenantID = override
		}
	}
	bots, err := a.manager.ListByTenant(tenantID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if bots == nil {
		bots = []*BotProfile{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bots": bots})
}

func (a *API) handleGetBot(w http.ResponseWriter, r *http.Request) {
	profile, ok := a.authorize(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profile": profile,
		"node":    a.manager.Instances().NodeFor(profile.ID),
	})
}

func (a *API) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	profile, ok := a.authorize(w, r)
	if !ok {
		return
	}
	if _, err := a.manager.Delete(r.Context(), profile.ID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMoveBot(w http.ResponseWriter, r *http.Request) {
	profile, ok := a.authorize(w, r)
	if !ok {
		return
	}
	var req struct {
		TargetNode string `json:"targetNode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetNode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "targetNode is required"})
		return
	}
	result, err := a.manager.Move(r.Context(), profile.ID, req.TargetNode)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	profile, ok := a.authorize(w, r)
	if !ok {
		return
	}
	disabled := make(map[string]bool)
	for _, id := range plugins.Disabled(profile.Env) {
		disabled[id] = true
	}
	type pluginView struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	out := []pluginView{}
	for _, id := range plugins.Installed(profile.Env) {
		out = append(out, pluginView{ID: id, Enabled: !disabled[id]})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plugins": out})
}

func (a *API) handleListChannels(w http.ResponseWriter, r *http.Request) {
	profile, ok := a.authorize(w, r)
	if !ok {
		return
	}
	channels := []string{}
	for _, id := range plugins.Installed(profile.Env) {
		if channelPlugins[id] {
			channels = append(channels, id)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": channels})
}

type installRequest struct {
	Config          map[string]interface{} `json:"config"`
	ProviderChoices map[string]string      `json:"providerChoices"`
}

func (a *API) handleInstallPlugin(w http.ResponseWriter, r *http.Request) {
	profile, ok := a.authorize(w, r)
	if !ok {
		return
	}
	pluginID := mux.Vars(r)["pluginId"]

	var req installRequest
	if r.Body != nil {
		// An empty body installs with defaults.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	updated, result, err := a.manager.Update(r.Context(), profile.ID, func(p *BotProfile) error {
		next, err := a.composer.Install(p.Env, pluginID, plugins.PluginConfig{
			Config:          req.Config,
			ProviderChoices: req.ProviderChoices,
		})
		if err != nil {
			return err
		}
		p.Env = next
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plugins":  plugins.Installed(updated.Env),
		"dispatch": result,
	})
}

func (a *API) handleTogglePlugin(w http.ResponseWriter, r *http.Request) {
	profile, ok := a.authorize(w, r)
	if !ok {
		return
	}
	pluginID := mux.Vars(r)["pluginId"]

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "enabled is required"})
		return
	}

	updated, result, err := a.manager.Update(r.Context(), profile.ID, func(p *BotProfile) error {
		next, err := a.composer.Toggle(p.Env, pluginID, *req.Enabled)
		if err != nil {
			return err
		}
		p.Env = next
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"disabled": plugins.Disabled(updated.Env),
		"dispatch": result,
	})
}

func (a *API) handleUninstallPlugin(w http.ResponseWriter, r *http.Request) {
	profile, ok := a.authorize(w, r)
	if !ok {
		return
	}
	pluginID := mux.Vars(r)["pluginId"]

	updated, result, err := a.manager.Update(r.Context(), profile.ID, func(p *BotProfile) error {
		next, err := a.composer.Uninstall(p.Env, pluginID)
		if err != nil {
			return err
		}
		p.Env = next
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plugins":  plugins.Installed(updated.Env),
		"dispatch": result,
	})
}
