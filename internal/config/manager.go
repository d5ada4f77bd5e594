package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/wopr/platform/internal/budget"
)

// TenantOverride is the subset of settings a single tenant may vary.
type TenantOverride struct {
	Limits  *LimitsConfig `yaml:"limits"`
	Billing *BillingConfig `yaml:"billing"`
	Gateway *GatewayConfig `yaml:"gateway"`
}

// TenantsConfig is the tenants file: a map of tenant id to overrides.
type TenantsConfig struct {
	Tenants map[string]TenantOverride `yaml:"tenants"`
}

// Manager resolves the effective settings for a tenant: the global config
// with that tenant's overrides layered on top.
type Manager struct {
	mu        sync.RWMutex
	global    *Config
	overrides map[string]TenantOverride
}

// NewManager loads the master config and the tenants file. A missing
// tenants file means no overrides.
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		master = Default()
	}

	m := &Manager{global: master, overrides: make(map[string]TenantOverride)}

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}
	if tc.Tenants != nil {
		m.overrides = tc.Tenants
	}
	return m, nil
}

// NewManagerFromConfig wraps an already-loaded config with no overrides.
func NewManagerFromConfig(cfg *Config) *Manager {
	return &Manager{global: cfg, overrides: make(map[string]TenantOverride)}
}

// Global returns the master config.
func (m *Manager) Global() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// SetOverride installs or replaces one tenant's overrides.
func (m *Manager) SetOverride(tenantID string, override TenantOverride) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[tenantID] = override
}

// LimitsFor resolves a tenant's spend limits.
func (m *Manager) LimitsFor(tenantID string) budget.SpendLimits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.overrides[tenantID]; ok && o.Limits != nil {
		return o.Limits.SpendLimits()
	}
	return m.global.Limits.SpendLimits()
}

// TierFor resolves a tenant's billing tier.
func (m *Manager) TierFor(tenantID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.overrides[tenantID]; ok && o.Billing != nil && o.Billing.Tier != "" {
		return o.Billing.Tier
	}
	if m.global.Billing.Tier != "" {
		return m.global.Billing.Tier
	}
	return "free"
}

// MarginFor resolves a tenant's gateway margin. Zero means use the
// catalog default.
func (m *Manager) MarginFor(tenantID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.overrides[tenantID]; ok && o.Gateway != nil && o.Gateway.Margin > 0 {
		return o.Gateway.Margin
	}
	return m.global.Gateway.Margin
}
