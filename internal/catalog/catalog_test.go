package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/platform/internal/money"
)

func TestChargeApplies30PercentMargin(t *testing.T) {
	// 0.5c wholesale at the default margin rounds to 0.65c -> 1c when
	// forced to whole cents, but charges are computed on the fractional
	// cost before rounding.
	cost := money.Cost(0.5)
	assert.Equal(t, money.Cents(1), cost.Charge(DefaultMargin))

	cost = money.Cost(10)
	assert.Equal(t, money.Cents(13), cost.Charge(DefaultMargin))
}

func TestTokenCostSplitsInputOutput(t *testing.T) {
	r := &ProviderRate{InputPer1K: 0.25, OutputPer1K: 0.5}
	cost := r.TokenCost(1000, 2000)
	assert.InDelta(t, 1.25, float64(cost), 1e-9)
}

func TestPriorityOrdering(t *testing.T) {
	c := New()
	c.Register(&ProviderRate{Provider: "b", Capability: CapTTS, Priority: 2})
	c.Register(&ProviderRate{Provider: "a", Capability: CapTTS, Priority: 1})
	c.Register(&ProviderRate{Provider: "c", Capability: CapTTS, Priority: 3})

	providers := c.Providers(CapTTS)
	require.Len(t, providers, 3)
	assert.Equal(t, "a", providers[0].Provider)
	assert.Equal(t, "c", providers[2].Provider)
}

func TestEligibilityByModelAndCredential(t *testing.T) {
	t.Setenv("TEST_FAKE_KEY", "set")

	c := New()
	c.Register(&ProviderRate{Provider: "any-model", Capability: CapChatCompletions, CredentialEnv: "TEST_FAKE_KEY"})
	c.Register(&ProviderRate{Provider: "gpt-only", Capability: CapChatCompletions, Models: []string{"gpt-"}, CredentialEnv: "TEST_FAKE_KEY"})
	c.Register(&ProviderRate{Provider: "no-cred", Capability: CapChatCompletions, CredentialEnv: "TEST_UNSET_KEY_XYZ"})

	eligible := c.Eligible(CapChatCompletions, "claude-sonnet")
	require.Len(t, eligible, 1)
	assert.Equal(t, "any-model", eligible[0].Provider)

	eligible = c.Eligible(CapChatCompletions, "gpt-4o")
	assert.Len(t, eligible, 2)
}

func TestMarginFallback(t *testing.T) {
	c := New()
	c.Register(&ProviderRate{Provider: "p", Capability: CapMMSOutbound, Margin: 1.4})

	assert.Equal(t, 1.4, c.MarginFor(CapMMSOutbound, "p"))
	assert.Equal(t, DefaultMargin, c.MarginFor(CapMMSOutbound, "unknown"))
	assert.Equal(t, DefaultMargin, c.MarginFor(CapTTS, "p"))
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rates.yaml")
	content := `rates:
  - provider: custom
    capability: tts
    unit: per_character
    per_unit_cents: 0.002
    margin: 1.25
    priority: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c := Default()
	require.NoError(t, c.LoadYAML(path))

	providers := c.Providers(CapTTS)
	require.NotEmpty(t, providers)
	// priority 0 sorts ahead of the built-in elevenlabs rate
	assert.Equal(t, "custom", providers[0].Provider)
	assert.Equal(t, 1.25, providers[0].EffectiveMargin())
}
