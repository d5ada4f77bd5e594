// Package admin manages tenant role grants and the platform admin set.
package admin

import (
	"errors"
	"sync"
)

// PlatformTenant is the reserved tenant id under which platform-wide
// grants are stored. No real tenant may claim it.
const PlatformTenant = "platform"

// Role is a user's grant within a tenant.
type Role string

const (
	RoleMember        Role = "member"
	RoleAdmin         Role = "admin"
	RolePlatformAdmin Role = "platform_admin"
)

var (
	// ErrLastPlatformAdmin maps to 409: the platform must always have at
	// least one admin.
	ErrLastPlatformAdmin = errors.New("cannot remove the last platform admin")
	// ErrRoleNotFound maps to 404.
	ErrRoleNotFound = errors.New("role grant not found")
	// ErrInvalidRole maps to 400.
	ErrInvalidRole = errors.New("invalid role")
)

// RoleStore holds role grants keyed by (tenant, user). Platform admins are
// plain grants under PlatformTenant, so one store serves both surfaces.
type RoleStore struct {
	mu     sync.RWMutex
	grants map[string]map[string]Role
}

func NewRoleStore() *RoleStore {
	return &RoleStore{grants: make(map[string]map[string]Role)}
}

// Get returns a user's role in a tenant.
func (s *RoleStore) Get(tenantID, userID string) (Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.grants[tenantID][userID]
	return role, ok
}

// List returns all grants in a tenant.
func (s *RoleStore) List(tenantID string) map[string]Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Role, len(s.grants[tenantID]))
	for userID, role := range s.grants[tenantID] {
		out[userID] = role
	}
	return out
}

// Set writes a grant.
func (s *RoleStore) Set(tenantID, userID string, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grants[tenantID] == nil {
		s.grants[tenantID] = make(map[string]Role)
	}
	s.grants[tenantID][userID] = role
}

// Remove deletes a grant. Removing the last platform admin fails.
func (s *RoleStore) Remove(tenantID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.grants[tenantID][userID]
	if !ok {
		return ErrRoleNotFound
	}
	// Only a platform_admin grant can be the last one; lesser grants under
	// the platform tenant are always removable.
	if tenantID == PlatformTenant && role == RolePlatformAdmin && s.platformAdminCountLocked() == 1 {
		return ErrLastPlatformAdmin
	}
	delete(s.grants[tenantID], userID)
	if len(s.grants[tenantID]) == 0 {
		delete(s.grants, tenantID)
	}
	return nil
}

// IsPlatformAdmin reports whether the user holds a platform-wide admin
// grant.
func (s *RoleStore) IsPlatformAdmin(userID string) bool {
	role, ok := s.Get(PlatformTenant, userID)
	return ok && role == RolePlatformAdmin
}

// PlatformAdmins lists the platform admin user ids.
func (s *RoleStore) PlatformAdmins() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []string{}
	for userID, role := range s.grants[PlatformTenant] {
		if role == RolePlatformAdmin {
			out = append(out, userID)
		}
	}
	return out
}

func (s *RoleStore) platformAdminCountLocked() int {
	n := 0
	for _, role := range s.grants[PlatformTenant] {
		if role == RolePlatformAdmin {
			n++
		}
	}
	return n
}
