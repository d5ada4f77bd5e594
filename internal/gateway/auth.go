package gateway

import (
	"context"
	"net/http"
	"os"
	"strings"
)

// Scope is a token's permission level.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
	ScopeAdmin Scope = "admin"
)

// Identity is the resolved caller of an authenticated request.
type Identity struct {
	TenantID string
	Scope    Scope
	// Legacy marks the shared FLEET_API_TOKEN, which carries no tenant.
	Legacy bool
}

type ctxKey int

const identityKey ctxKey = 0

// IdentityFrom returns the authenticated identity, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Authenticator resolves bearer tokens loaded at startup from
// FLEET_TOKEN_<tenant>=<scope>:<secret> variables plus the legacy shared
// FLEET_API_TOKEN.
type Authenticator struct {
	bySecret map[string]Identity
	legacy   string
}

const fleetTokenPrefix = "FLEET_TOKEN_"

// NewAuthenticatorFromEnv scans the process environment for token variables.
func NewAuthenticatorFromEnv() *Authenticator {
	a := &Authenticator{
		bySecret: make(map[string]Identity),
		legacy:   os.Getenv("FLEET_API_TOKEN"),
	}
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, fleetTokenPrefix) {
			continue
		}
		tenant := strings.ToLower(strings.TrimPrefix(key, fleetTokenPrefix))
		scope, secret, ok := strings.Cut(val, ":")
		if !ok || tenant == "" || secret == "" {
			continue
		}
		a.bySecret[secret] = Identity{TenantID: tenant, Scope: Scope(scope)}
	}
	return a
}

// AddToken registers a token programmatically. Tests use this.
func (a *Authenticator) AddToken(tenantID string, scope Scope, secret string) {
	a.bySecret[secret] = Identity{TenantID: tenantID, Scope: scope}
}

// Resolve maps a bearer secret to an identity.
func (a *Authenticator) Resolve(secret string) (Identity, bool) {
	if secret == "" {
		return Identity{}, false
	}
	if id, ok := a.bySecret[secret]; ok {
		return id, true
	}
	if a.legacy != "" && secret == a.legacy {
		return Identity{Scope: ScopeAdmin, Legacy: true}, true
	}
	return Identity{}, false
}

// Middleware enforces bearer auth and stores the identity in the request
// context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "auth_error", "missing_bearer_token", "authorization required")
			return
		}
		id, ok := a.Resolve(strings.TrimSpace(token))
		if !ok {
			writeError(w, http.StatusUnauthorized, "auth_error", "invalid_token", "authorization required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

// RequireScope wraps a handler with a minimum scope check. Scope ordering is
// read < write < admin.
func RequireScope(min Scope, next http.HandlerFunc) http.HandlerFunc {
	rank := map[Scope]int{ScopeRead: 0, ScopeWrite: 1, ScopeAdmin: 2}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "auth_error", "missing_identity", "authorization required")
			return
		}
		if rank[id.Scope] < rank[min] {
			writeError(w, http.StatusForbidden, "auth_error", "insufficient_scope", "token scope does not permit this operation")
			return
		}
		next(w, r)
	}
}
