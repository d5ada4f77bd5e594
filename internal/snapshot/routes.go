package snapshot

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wopr/platform/internal/gateway"
)

// maxArchiveBytes bounds an uploaded snapshot archive.
const maxArchiveBytes = 1 << 30 // 1GB

// BotOwnerLookup resolves a bot id to its owning tenant. Errors map
// to 404.
type BotOwnerLookup func(botID string) (string, error)

// API is the snapshot HTTP surface, mounted on the fleet bot tree.
type API struct {
	manager *Manager
	owner   BotOwnerLookup
}

func NewAPI(manager *Manager, owner BotOwnerLookup) *API {
	return &API{manager: manager, owner: owner}
}

// RegisterRoutes mounts snapshot routes under /fleet/bots/{botId}/snapshots.
func (a *API) RegisterRoutes(r *mux.Router, auth *gateway.Authenticator) {
	sub := r.PathPrefix("/fleet/bots/{botId}/snapshots").Subrouter()
	sub.Use(auth.Middleware)
	sub.HandleFunc("", a.handleList).Methods(http.MethodGet)
	sub.HandleFunc("", gateway.RequireScope(gateway.ScopeWrite, a.handleCreate)).Methods(http.MethodPost)
	sub.HandleFunc("/{snapId}", a.handleGet).Methods(http.MethodGet)
	sub.HandleFunc("/{snapId}", gateway.RequireScope(gateway.ScopeWrite, a.handleDelete)).Methods(http.MethodDelete)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, err error) {
	var quota *QuotaError
	switch {
	case errors.As(err, &quota):
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":   map[string]string{"type": "quota_error", "code": "snapshot_quota_exceeded"},
			"current": quota.Current,
			"max":     quota.Max,
			"tier":    quota.Tier,
		})
	case errors.Is(err, ErrNotDeletable):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrSnapshotNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// authorize resolves the bot and checks the caller owns it.
func (a *API) authorize(w http.ResponseWriter, r *http.Request) (tenantID, botID string, ok bool) {
	botID = mux.Vars(r)["botId"]
	owner, err := a.owner(botID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "bot not found"})
		return "", "", false
	}
	identity, _ := gateway.IdentityFrom(r.Context())
	if identity.Scope != gateway.ScopeAdmin && identity.TenantID != owner {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "bot belongs to another tenant"})
		return "", "", false
	}
	return owner, botID, true
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	tenantID, botID, ok := a.authorize(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": a.manager.ListByBot(tenantID, botID)})
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	tenantID, botID, ok := a.authorize(w, r)
	if !ok {
		return
	}
	kind := KindOnDemand
	if r.URL.Query().Get("kind") == string(KindNightly) {
		kind = KindNightly
	}
	body := http.MaxBytesReader(w, r.Body, maxArchiveBytes)
	defer body.Close()

	snap, err := a.manager.Create(r.Context(), tenantID, botID, kind, body, r.ContentLength)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := a.authorize(w, r)
	if !ok {
		return
	}
	snapID := mux.Vars(r)["snapId"]

	if r.URL.Query().Get("download") == "true" {
		rc, err := a.manager.Open(r.Context(), tenantID, snapID)
		if err != nil {
			writeErr(w, err)
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "application/gzip")
		io.Copy(w, rc)
		return
	}

	snap, err := a.manager.Get(tenantID, snapID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := a.authorize(w, r)
	if !ok {
		return
	}
	if err := a.manager.Delete(r.Context(), tenantID, mux.Vars(r)["snapId"]); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
