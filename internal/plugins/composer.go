// Package plugins composes a bot's plugin state into its environment map.
// The environment is the single source of truth: installed plugins, their
// config, and injected hosted credentials all live in well-known keys.
package plugins

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Aggregate env keys.
const (
	KeyPlugins    = "WOPR_PLUGINS"
	KeyDisabled   = "WOPR_PLUGINS_DISABLED"
	KeyHostedKeys = "WOPR_HOSTED_KEYS"
)

var (
	// ErrAlreadyInstalled maps to 409.
	ErrAlreadyInstalled = errors.New("plugin already installed")
	// ErrNotInstalled maps to 404.
	ErrNotInstalled = errors.New("plugin not installed")
	// ErrInvalidPluginID maps to 400.
	ErrInvalidPluginID = errors.New("invalid plugin id")
)

var pluginIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,63}$`)

// Vault hands out active hosted credentials by provider name.
type Vault interface {
	ActiveCredential(provider string) (string, error)
}

// HostedBinding names the env key and vault provider for one capability.
type HostedBinding struct {
	EnvKey        string
	VaultProvider string
}

// DefaultHostedBindings is the capability to env-key table used when a
// plugin chooses the hosted provider for a capability.
func DefaultHostedBindings() map[string]HostedBinding {
	return map[string]HostedBinding{
		"llm":       {EnvKey: "OPENROUTER_API_KEY", VaultProvider: "openrouter"},
		"stt":       {EnvKey: "DEEPGRAM_API_KEY", VaultProvider: "deepgram"},
		"tts":       {EnvKey: "ELEVENLABS_API_KEY", VaultProvider: "elevenlabs"},
		"image":     {EnvKey: "REPLICATE_API_TOKEN", VaultProvider: "replicate"},
		"telephony": {EnvKey: "TWILIO_AUTH_TOKEN", VaultProvider: "twilio"},
	}
}

// PluginConfig is the stored per-plugin record.
type PluginConfig struct {
	Config          map[string]interface{} `json:"config"`
	ProviderChoices map[string]string      `json:"providerChoices"`
}

// Composer turns plugin operations into env mutations. All operations are
// pure: they copy the input map and never mutate it.
type Composer struct {
	vault    Vault
	bindings map[string]HostedBinding
}

func NewComposer(vault Vault) *Composer {
	return &Composer{vault: vault, bindings: DefaultHostedBindings()}
}

// ConfigKey returns the per-plugin config env key:
// lowercase-hyphen id to upper-underscore, wrapped in WOPR_PLUGIN_.._CONFIG.
func ConfigKey(pluginID string) string {
	return "WOPR_PLUGIN_" + UpperSnake(pluginID) + "_CONFIG"
}

// UpperSnake converts a plugin id to its env-name form.
func UpperSnake(id string) string {
	return strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

func contains(items []string, want string) bool {
	for _, it := range items {
		if it == want {
			return true
		}
	}
	return false
}

func remove(items []string, drop string) []string {
	out := items[:0]
	for _, it := range items {
		if it != drop {
			out = append(out, it)
		}
	}
	return out
}

func copyEnv(env map[string]string) map[string]string {
	next := make(map[string]string, len(env))
	for k, v := range env {
		next[k] = v
	}
	return next
}

// Installed lists the installed plugin ids in order.
func Installed(env map[string]string) []string {
	return splitList(env[KeyPlugins])
}

// Disabled lists the disabled subset.
func Disabled(env map[string]string) []string {
	return splitList(env[KeyDisabled])
}

// Install appends the plugin, stores its config, and injects hosted
// credentials for every capability whose provider choice is "hosted".
func (c *Composer) Install(env map[string]string, pluginID string, cfg PluginConfig) (map[string]string, error) {
	if !pluginIDPattern.MatchString(pluginID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPluginID, pluginID)
	}
	installed := Installed(env)
	if contains(installed, pluginID) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInstalled, pluginID)
	}

	next := copyEnv(env)
	next[KeyPlugins] = joinList(append(installed, pluginID))

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	next[ConfigKey(pluginID)] = string(raw)

	hostedKeys := splitList(next[KeyHostedKeys])
	for capability, choice := range cfg.ProviderChoices {
		if choice != "hosted" {
			continue
		}
		binding, ok := c.bindings[capability]
		if !ok {
			return nil, fmt.Errorf("no hosted binding for capability %q", capability)
		}
		credential, err := c.vault.ActiveCredential(binding.VaultProvider)
		if err != nil {
			return nil, fmt.Errorf("fetch hosted credential for %s: %w", capability, err)
		}
		next[binding.EnvKey] = credential
		if !contains(hostedKeys, binding.EnvKey) {
			hostedKeys = append(hostedKeys, binding.EnvKey)
		}
	}
	if len(hostedKeys) > 0 {
		next[KeyHostedKeys] = joinList(hostedKeys)
	}
	return next, nil
}

// Toggle flips a plugin's enabled state. Only the disabled set changes;
// the installed list never does.
func (c *Composer) Toggle(env map[string]string, pluginID string, enabled bool) (map[string]string, error) {
	if !contains(Installed(env), pluginID) {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, pluginID)
	}

	next := copyEnv(env)
	disabled := Disabled(next)
	if enabled {
		disabled = remove(disabled, pluginID)
	} else if !contains(disabled, pluginID) {
		disabled = append(disabled, pluginID)
	}
	if len(disabled) == 0 {
		delete(next, KeyDisabled)
	} else {
		next[KeyDisabled] = joinList(disabled)
	}
	return next, nil
}

// Uninstall removes the plugin, its config, and the hosted credentials it
// contributed, keeping any credential another installed plugin also
// declared.
func (c *Composer) Uninstall(env map[string]string, pluginID string) (map[string]string, error) {
	installed := Installed(env)
	if !contains(installed, pluginID) {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, pluginID)
	}

	next := copyEnv(env)

	removedHosted := c.hostedEnvKeys(next[ConfigKey(pluginID)])
	delete(next, ConfigKey(pluginID))

	remaining := remove(installed, pluginID)
	if len(remaining) == 0 {
		delete(next, KeyPlugins)
	} else {
		next[KeyPlugins] = joinList(remaining)
	}

	disabled := remove(Disabled(next), pluginID)
	if len(disabled) == 0 {
		delete(next, KeyDisabled)
	} else {
		next[KeyDisabled] = joinList(disabled)
	}

	// A hosted key survives if any remaining plugin still declares it.
	stillNeeded := make(map[string]bool)
	for _, other := range remaining {
		for _, key := range c.hostedEnvKeys(next[ConfigKey(other)]) {
			stillNeeded[key] = true
		}
	}
	hostedKeys := splitList(next[KeyHostedKeys])
	for _, key := range removedHosted {
		if stillNeeded[key] {
			continue
		}
		delete(next, key)
		hostedKeys = remove(hostedKeys, key)
	}
	if len(hostedKeys) == 0 {
		delete(next, KeyHostedKeys)
	} else {
		next[KeyHostedKeys] = joinList(hostedKeys)
	}
	return next, nil
}

// hostedEnvKeys parses a stored config and returns the env keys its hosted
// provider choices bind.
func (c *Composer) hostedEnvKeys(rawConfig string) []string {
	if rawConfig == "" {
		return nil
	}
	var cfg PluginConfig
	if err := json.Unmarshal([]byte(rawConfig), &cfg); err != nil {
		return nil
	}
	var keys []string
	for capability, choice := range cfg.ProviderChoices {
		if choice != "hosted" {
			continue
		}
		if binding, ok := c.bindings[capability]; ok {
			keys = append(keys, binding.EnvKey)
		}
	}
	return keys
}
