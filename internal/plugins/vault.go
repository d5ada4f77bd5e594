package plugins

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// EnvVault resolves hosted credentials from the process environment using
// HOSTED_<PROVIDER>_API_KEY.
type EnvVault struct{}

func (EnvVault) ActiveCredential(provider string) (string, error) {
	key := "HOSTED_" + strings.ToUpper(provider) + "_API_KEY"
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("no hosted credential configured for %s (%s unset)", provider, key)
	}
	return value, nil
}

// StaticVault serves a fixed credential map. Used in tests and for
// single-tenant deployments that pin credentials in config.
type StaticVault struct {
	mu    sync.RWMutex
	creds map[string]string
}

func NewStaticVault(creds map[string]string) *StaticVault {
	copied := make(map[string]string, len(creds))
	for k, v := range creds {
		copied[k] = v
	}
	return &StaticVault{creds: copied}
}

func (v *StaticVault) ActiveCredential(provider string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	cred, ok := v.creds[provider]
	if !ok {
		return "", fmt.Errorf("no hosted credential configured for %s", provider)
	}
	return cred, nil
}

// Rotate swaps the active credential for a provider. Bots pick up the new
// value on their next recreate.
func (v *StaticVault) Rotate(provider, credential string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.creds[provider] = credential
}
