// Package catalog holds the per-capability table of upstream providers,
// their wholesale rates, and the margin applied when billing tenants.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/wopr/platform/internal/money"
)

// Capability names a kind of upstream call.
type Capability string

const (
	CapChatCompletions Capability = "chat-completions"
	CapCompletions     Capability = "completions"
	CapEmbeddings      Capability = "embeddings"
	CapSTT             Capability = "stt"
	CapTTS             Capability = "tts"
	CapImageGen        Capability = "image-generation"
	CapVideoGen        Capability = "video-generation"
	CapPhoneOutbound   Capability = "phone-outbound"
	CapPhoneInbound    Capability = "phone-inbound"
	CapSMSOutbound     Capability = "sms-outbound"
	CapSMSInbound      Capability = "sms-inbound"
	CapMMSOutbound     Capability = "mms-outbound"
	CapMMSInbound      Capability = "mms-inbound"
	CapPhoneNumber     Capability = "phone-number"
)

// RateUnit describes what a rate is quoted against.
type RateUnit string

const (
	UnitPer1KTokens  RateUnit = "per_1k_tokens"
	UnitPerCharacter RateUnit = "per_character"
	UnitPerMinute    RateUnit = "per_minute"
	UnitPerMessage   RateUnit = "per_message"
	UnitPerImage     RateUnit = "per_image"
	UnitPerSecond    RateUnit = "per_second"
	UnitPerMonth     RateUnit = "per_month"
)

// DefaultMargin is applied when a rate does not override it:
// charge = round(cost * margin).
const DefaultMargin = 1.3

// ProviderRate is one provider's offering for a capability. Token rates are
// split input/output per 1K tokens; everything else uses PerUnit.
type ProviderRate struct {
	Provider    string     `yaml:"provider"`
	Capability  Capability `yaml:"capability"`
	Unit        RateUnit   `yaml:"unit"`
	InputPer1K  money.Cost `yaml:"input_per_1k_cents"`
	OutputPer1K money.Cost `yaml:"output_per_1k_cents"`
	PerUnit     money.Cost `yaml:"per_unit_cents"`
	Margin      float64    `yaml:"margin"`
	Priority    int        `yaml:"priority"`
	// Models restricts eligibility to model-hint prefixes; empty means any.
	Models []string `yaml:"models"`
	// CredentialEnv names the env var that must be set for the provider to
	// be eligible (the platform's hosted credential).
	CredentialEnv string `yaml:"credential_env"`
}

// EffectiveMargin returns the rate's margin, or the catalog default.
func (r *ProviderRate) EffectiveMargin() float64 {
	if r.Margin > 0 {
		return r.Margin
	}
	return DefaultMargin
}

// AcceptsModel reports whether the rate serves the given model hint.
func (r *ProviderRate) AcceptsModel(model string) bool {
	if len(r.Models) == 0 || model == "" {
		return true
	}
	for _, m := range r.Models {
		if strings.HasPrefix(model, m) {
			return true
		}
	}
	return false
}

// TokenCost prices a token-rated call.
func (r *ProviderRate) TokenCost(inputTokens, outputTokens int) money.Cost {
	return r.InputPer1K*money.Cost(inputTokens)/1000 + r.OutputPer1K*money.Cost(outputTokens)/1000
}

// UnitCost prices a unit-rated call (characters, minutes, messages, ...).
func (r *ProviderRate) UnitCost(units float64) money.Cost {
	return r.PerUnit * money.Cost(units)
}

// Catalog is the registry of provider rates, indexed by capability.
type Catalog struct {
	mu    sync.RWMutex
	rates map[Capability][]*ProviderRate
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{rates: make(map[Capability][]*ProviderRate)}
}

// Register adds a rate, keeping the capability's list sorted by priority
// (lower first).
func (c *Catalog) Register(rate *ProviderRate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := append(c.rates[rate.Capability], rate)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority < list[j].Priority })
	c.rates[rate.Capability] = list
}

// Providers returns all rates for a capability in priority order.
func (c *Catalog) Providers(capability Capability) []*ProviderRate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*ProviderRate(nil), c.rates[capability]...)
}

// Eligible filters a capability's rates by model hint and credential
// availability.
func (c *Catalog) Eligible(capability Capability, modelHint string) []*ProviderRate {
	var out []*ProviderRate
	for _, r := range c.Providers(capability) {
		if !r.AcceptsModel(modelHint) {
			continue
		}
		if r.CredentialEnv != "" && os.Getenv(r.CredentialEnv) == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Rate returns the rate for a specific (capability, provider) pair.
func (c *Catalog) Rate(capability Capability, provider string) (*ProviderRate, error) {
	for _, r := range c.Providers(capability) {
		if r.Provider == provider {
			return r, nil
		}
	}
	return nil, fmt.Errorf("no rate for %s/%s", capability, provider)
}

// MarginFor returns the margin used to bill a (capability, provider) pair,
// falling back to the default when the pair is unknown.
func (c *Catalog) MarginFor(capability Capability, provider string) float64 {
	if r, err := c.Rate(capability, provider); err == nil {
		return r.EffectiveMargin()
	}
	return DefaultMargin
}

// catalogFile is the YAML layout for rate overrides.
type catalogFile struct {
	Rates []*ProviderRate `yaml:"rates"`
}

// LoadYAML merges rates from a YAML file into the catalog.
func (c *Catalog) LoadYAML(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var file catalogFile
	if err := yaml.NewDecoder(f).Decode(&file); err != nil {
		return fmt.Errorf("decode catalog: %w", err)
	}
	for _, r := range file.Rates {
		if r.Capability == "" || r.Provider == "" {
			return fmt.Errorf("catalog rate missing capability or provider")
		}
		c.Register(r)
	}
	return nil
}

// Default returns the built-in catalog: the wholesale rates the platform
// ships with, overridable via LoadYAML.
func Default() *Catalog {
	c := New()
	for _, r := range []*ProviderRate{
		{Provider: "openrouter", Capability: CapChatCompletions, Unit: UnitPer1KTokens, InputPer1K: 0.25, OutputPer1K: 0.25, Priority: 1, CredentialEnv: "OPENROUTER_API_KEY"},
		{Provider: "openrouter", Capability: CapCompletions, Unit: UnitPer1KTokens, InputPer1K: 0.25, OutputPer1K: 0.25, Priority: 1, CredentialEnv: "OPENROUTER_API_KEY"},
		{Provider: "openrouter", Capability: CapEmbeddings, Unit: UnitPer1KTokens, InputPer1K: 0.01, Priority: 1, CredentialEnv: "OPENROUTER_API_KEY"},
		{Provider: "deepgram", Capability: CapSTT, Unit: UnitPerMinute, PerUnit: 0.43, Priority: 1, CredentialEnv: "DEEPGRAM_API_KEY"},
		{Provider: "elevenlabs", Capability: CapTTS, Unit: UnitPerCharacter, PerUnit: 0.003, Priority: 1, CredentialEnv: "ELEVENLABS_API_KEY"},
		{Provider: "replicate", Capability: CapImageGen, Unit: UnitPerImage, PerUnit: 0.8, Priority: 1, CredentialEnv: "REPLICATE_API_TOKEN"},
		{Provider: "replicate", Capability: CapVideoGen, Unit: UnitPerSecond, PerUnit: 5.0, Priority: 1, CredentialEnv: "REPLICATE_API_TOKEN"},
		{Provider: "twilio", Capability: CapPhoneOutbound, Unit: UnitPerMinute, PerUnit: 1.4, Priority: 1, CredentialEnv: "TWILIO_ACCOUNT_SID"},
		{Provider: "twilio", Capability: CapPhoneInbound, Unit: UnitPerMinute, PerUnit: 0.85, Priority: 1, CredentialEnv: "TWILIO_ACCOUNT_SID"},
		{Provider: "twilio", Capability: CapSMSOutbound, Unit: UnitPerMessage, PerUnit: 0.79, Priority: 1, CredentialEnv: "TWILIO_ACCOUNT_SID"},
		{Provider: "twilio", Capability: CapSMSInbound, Unit: UnitPerMessage, PerUnit: 0.75, Priority: 1, CredentialEnv: "TWILIO_ACCOUNT_SID"},
		{Provider: "twilio", Capability: CapMMSOutbound, Unit: UnitPerMessage, PerUnit: 2.0, Margin: 1.4, Priority: 1, CredentialEnv: "TWILIO_ACCOUNT_SID"},
		{Provider: "twilio", Capability: CapMMSInbound, Unit: UnitPerMessage, PerUnit: 1.0, Margin: 1.4, Priority: 1, CredentialEnv: "TWILIO_ACCOUNT_SID"},
		{Provider: "twilio", Capability: CapPhoneNumber, Unit: UnitPerMonth, PerUnit: 115, Priority: 1, CredentialEnv: "TWILIO_ACCOUNT_SID"},
	} {
		c.Register(r)
	}
	return c
}
