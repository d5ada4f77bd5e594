package setup

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wopr/platform/internal/gateway"
)

// API exposes the session state machine to bots and the dashboard.
type API struct {
	manager *Manager
}

func NewAPI(manager *Manager) *API {
	return &API{manager: manager}
}

// RegisterRoutes mounts the setup surface under /api/setup-sessions.
func (a *API) RegisterRoutes(r *mux.Router, auth *gateway.Authenticator) {
	sub := r.PathPrefix("/api/setup-sessions").Subrouter()
	sub.Use(auth.Middleware)
	sub.HandleFunc("", gateway.RequireScope(gateway.ScopeWrite, a.handleStart)).Methods(http.MethodPost)
	sub.HandleFunc("/resumable", a.handleResumable).Methods(http.MethodGet)
	sub.HandleFunc("/{id}", a.handleGet).Methods(http.MethodGet)
	sub.HandleFunc("/{id}/complete", gateway.RequireScope(gateway.ScopeWrite, a.handleComplete)).Methods(http.MethodPost)
	sub.HandleFunc("/{id}/rollback", gateway.RequireScope(gateway.ScopeWrite, a.handleRollback)).Methods(http.MethodPost)
	sub.HandleFunc("/{id}/error", gateway.RequireScope(gateway.ScopeWrite, a.handleError)).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSetupInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BotSessionID string `json:"botSessionId"`
		PluginID     string `json:"pluginId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BotSessionID == "" || req.PluginID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "botSessionId and pluginId are required"})
		return
	}
	session, err := a.manager.Start(r.Context(), req.BotSessionID, req.PluginID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (a *API) handleResumable(w http.ResponseWriter, r *http.Request) {
	botSessionID := r.URL.Query().Get("botSessionId")
	if botSessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "botSessionId is required"})
		return
	}
	session, err := a.manager.CheckForResumable(r.Context(), botSessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": session})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	session, err := a.manager.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.Complete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(StatusCompleted)})
}

func (a *API) handleRollback(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.Rollback(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(StatusRolledBack)})
}

func (a *API) handleError(w http.ResponseWriter, r *http.Request) {
	rolledBack, err := a.manager.RecordError(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rolledBack": rolledBack})
}
