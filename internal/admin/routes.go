package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wopr/platform/internal/gateway"
)

// API is the role-management HTTP surface. The acting user is carried in
// X-Acting-User; a legacy shared admin token acts as a platform admin for
// bootstrap.
type API struct {
	roles *RoleStore
}

func NewAPI(roles *RoleStore) *API {
	return &API{roles: roles}
}

// RegisterRoutes mounts the admin surface under /api/admin. Every route
// requires an admin-scoped token on top of the per-operation policy.
func (a *API) RegisterRoutes(r *mux.Router, auth *gateway.Authenticator) {
	sub := r.PathPrefix("/api/admin").Subrouter()
	sub.Use(auth.Middleware)

	sub.HandleFunc("/roles/{tenantId}", gateway.RequireScope(gateway.ScopeAdmin, a.handleListRoles)).Methods(http.MethodGet)
	sub.HandleFunc("/roles/{tenantId}/{userId}", gateway.RequireScope(gateway.ScopeAdmin, a.handleSetRole)).Methods(http.MethodPut)
	sub.HandleFunc("/roles/{tenantId}/{userId}", gateway.RequireScope(gateway.ScopeAdmin, a.handleRemoveRole)).Methods(http.MethodDelete)

	sub.HandleFunc("/platform-admins", gateway.RequireScope(gateway.ScopeAdmin, a.handleListPlatformAdmins)).Methods(http.MethodGet)
	sub.HandleFunc("/platform-admins", gateway.RequireScope(gateway.ScopeAdmin, a.handleGrantPlatformAdmin)).Methods(http.MethodPost)
	sub.HandleFunc("/platform-admins/{userId}", gateway.RequireScope(gateway.ScopeAdmin, a.handleRevokePlatformAdmin)).Methods(http.MethodDelete)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// actingIsPlatformAdmin resolves the caller's platform-admin standing. The
// legacy shared token has no user behind it and bootstraps the first
// grants.
func (a *API) actingIsPlatformAdmin(r *http.Request) bool {
	identity, _ := gateway.IdentityFrom(r.Context())
	if identity.Legacy {
		return true
	}
	actor := r.Header.Get("X-Acting-User")
	return actor != "" && a.roles.IsPlatformAdmin(actor)
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	writeJSON(w, http.StatusOK, map[string]interface{}{"roles": a.roles.List(tenantID)})
}

func (a *API) handleSetRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID, userID := vars["tenantId"], vars["userId"]

	var req struct {
		Role Role `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad body"})
		return
	}
	switch req.Role {
	case RoleMember, RoleAdmin:
	case RolePlatformAdmin:
		// Only an existing platform admin may mint another, and platform
		// grants live under the reserved tenant.
		if !a.actingIsPlatformAdmin(r) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "only a platform admin may grant platform_admin"})
			return
		}
		if tenantID != PlatformTenant {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "platform_admin is granted under the platform tenant"})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ErrInvalidRole.Error()})
		return
	}

	a.roles.Set(tenantID, userID, req.Role)
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenantId": tenantID, "userId": userID, "role": req.Role})
}

func (a *API) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.roles.Remove(vars["tenantId"], vars["userId"]); err != nil {
		status := http.StatusNotFound
		if errors.Is(err, ErrLastPlatformAdmin) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListPlatformAdmins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"platformAdmins": a.roles.PlatformAdmins()})
}

func (a *API) handleGrantPlatformAdmin(w http.ResponseWriter, r *http.Request) {
	if !a.actingIsPlatformAdmin(r) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "only a platform admin may grant platform_admin"})
		return
	}
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "userId is required"})
		return
	}
	a.roles.Set(PlatformTenant, req.UserID, RolePlatformAdmin)
	writeJSON(w, http.StatusCreated, map[string]string{"userId": req.UserID, "role": string(RolePlatformAdmin)})
}

func (a *API) handleRevokePlatformAdmin(w http.ResponseWriter, r *http.Request) {
	if !a.actingIsPlatformAdmin(r) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "only a platform admin may revoke platform_admin"})
		return
	}
	userID := mux.Vars(r)["userId"]
	if err := a.roles.Remove(PlatformTenant, userID); err != nil {
		status := http.StatusNotFound
		if errors.Is(err, ErrLastPlatformAdmin) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
