package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/platform/internal/gateway"
)

func TestLastPlatformAdminCannotBeRemoved(t *testing.T) {
	store := NewRoleStore()
	store.Set(PlatformTenant, "root", RolePlatformAdmin)

	assert.ErrorIs(t, store.Remove(PlatformTenant, "root"), ErrLastPlatformAdmin)

	store.Set(PlatformTenant, "second", RolePlatformAdmin)
	require.NoError(t, store.Remove(PlatformTenant, "root"))
	assert.ErrorIs(t, store.Remove(PlatformTenant, "second"), ErrLastPlatformAdmin)
}

func TestLesserPlatformGrantsAlwaysRemovable(t *testing.T) {
	store := NewRoleStore()
	store.Set(PlatformTenant, "root", RolePlatformAdmin)
	store.Set(PlatformTenant, "helper", RoleMember)
	store.Set(PlatformTenant, "operator", RoleAdmin)

	// The guard applies to the platform_admin grant, not to everything
	// stored under the platform tenant.
	require.NoError(t, store.Remove(PlatformTenant, "helper"))
	require.NoError(t, store.Remove(PlatformTenant, "operator"))
	assert.ErrorIs(t, store.Remove(PlatformTenant, "root"), ErrLastPlatformAdmin)
}

func TestTenantRolesIndependentOfPlatform(t *testing.T) {
	store := NewRoleStore()
	store.Set("acme", "alice", RoleAdmin)
	store.Set("acme", "bob", RoleMember)

	assert.False(t, store.IsPlatformAdmin("alice"))
	require.NoError(t, store.Remove("acme", "alice"))
	assert.ErrorIs(t, store.Remove("acme", "alice"), ErrRoleNotFound)
}

func newTestServer(t *testing.T, store *RoleStore) *httptest.Server {
	t.Helper()
	auth := gateway.NewAuthenticatorFromEnv()
	auth.AddToken("ops", gateway.ScopeAdmin, "admin-token")

	r := mux.NewRouter()
	NewAPI(store).RegisterRoutes(r, auth)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func adminReq(t *testing.T, method, url, actor, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer admin-token")
	if actor != "" {
		req.Header.Set("X-Acting-User", actor)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestOnlyPlatformAdminGrantsPlatformAdmin(t *testing.T) {
	store := NewRoleStore()
	store.Set(PlatformTenant, "root", RolePlatformAdmin)
	srv := newTestServer(t, store)

	// A tenant admin cannot mint a platform admin.
	resp := adminReq(t, http.MethodPost, srv.URL+"/api/admin/platform-admins", "mallory", `{"userId":"mallory"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// An existing platform admin can.
	resp = adminReq(t, http.MethodPost, srv.URL+"/api/admin/platform-admins", "root", `{"userId":"newbie"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	assert.True(t, store.IsPlatformAdmin("newbie"))

	// Granting via the roles endpoint is held to the same policy.
	resp = adminReq(t, http.MethodPut, srv.URL+"/api/admin/roles/platform/sneaky", "mallory", `{"role":"platform_admin"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestRevokeLastPlatformAdminIs409(t *testing.T) {
	store := NewRoleStore()
	store.Set(PlatformTenant, "root", RolePlatformAdmin)
	srv := newTestServer(t, store)

	resp := adminReq(t, http.MethodDelete, srv.URL+"/api/admin/platform-admins/root", "root", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestTenantRoleCRUDOverHTTP(t *testing.T) {
	store := NewRoleStore()
	srv := newTestServer(t, store)

	resp := adminReq(t, http.MethodPut, srv.URL+"/api/admin/roles/acme/alice", "", `{"role":"admin"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = adminReq(t, http.MethodPut, srv.URL+"/api/admin/roles/acme/carol", "", `{"role":"sudoer"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = adminReq(t, http.MethodGet, srv.URL+"/api/admin/roles/acme", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Roles map[string]string `json:"roles"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	assert.Equal(t, map[string]string{"alice": "admin"}, listed.Roles)

	resp = adminReq(t, http.MethodDelete, srv.URL+"/api/admin/roles/acme/alice", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = adminReq(t, http.MethodDelete, srv.URL+"/api/admin/roles/acme/alice", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestLegacyTokenBootstrapsFirstPlatformAdmin(t *testing.T) {
	t.Setenv("FLEET_API_TOKEN", "legacy-shared")
	store := NewRoleStore()
	auth := gateway.NewAuthenticatorFromEnv()

	r := mux.NewRouter()
	NewAPI(store).RegisterRoutes(r, auth)
	srv := httptest.NewServer(r)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/admin/platform-admins",
		strings.NewReader(`{"userId":"root"}`))
	req.Header.Set("Authorization", "Bearer legacy-shared")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, store.IsPlatformAdmin("root"))
}
