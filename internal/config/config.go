// Package config loads server settings from YAML with per-tenant
// overrides layered on top. Secrets stay in the environment; the file
// holds tunables.
package config

import (
	"os"

	"gopkg.in/yaml.v2"

	"github.com/wopr/platform/internal/budget"
	"github.com/wopr/platform/internal/money"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Limits   LimitsConfig   `yaml:"limits"`
	Billing  BillingConfig  `yaml:"billing"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

type ServerConfig struct {
	Port          string `yaml:"port"`
	Env           string `yaml:"env"`
	PublicBaseURL string `yaml:"public_base_url"`
}

type DatabaseConfig struct {
	// URL may name an env var indirection like $DATABASE_URL; empty runs
	// on in-memory stores.
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type GatewayConfig struct {
	// Margin multiplies wholesale cost into the tenant charge.
	Margin float64 `yaml:"margin"`
	// WebhookBaseURL enables duration-accurate telephony billing.
	WebhookBaseURL string `yaml:"webhook_base_url"`
}

type LimitsConfig struct {
	DailyCents   int64 `yaml:"daily_cents"`
	MonthlyCents int64 `yaml:"monthly_cents"`
}

func (l LimitsConfig) SpendLimits() budget.SpendLimits {
	return budget.SpendLimits{
		DailyCents:   money.Cents(l.DailyCents),
		MonthlyCents: money.Cents(l.MonthlyCents),
	}
}

type BillingConfig struct {
	Tier string `yaml:"tier"`
}

type SnapshotConfig struct {
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
}

// Default is the configuration used when no file is present.
func Default() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	return &Config{
		Server: ServerConfig{
			Port:          port,
			Env:           os.Getenv("WOPR_ENV"),
			PublicBaseURL: os.Getenv("PUBLIC_BASE_URL"),
		},
		Database: DatabaseConfig{URL: os.Getenv("DATABASE_URL")},
		Redis:    RedisConfig{Addr: os.Getenv("REDIS_ADDR"), Password: os.Getenv("REDIS_PASSWORD")},
		Gateway: GatewayConfig{
			Margin:         0, // 0 falls back to the catalog default
			WebhookBaseURL: os.Getenv("WEBHOOK_BASE_URL"),
		},
		Billing:  BillingConfig{Tier: "free"},
		Snapshot: SnapshotConfig{SweepIntervalMinutes: 60},
	}
}

// LoadConfig reads a YAML config file, filling gaps from Default.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = Default().Server.Port
	}
	return cfg, nil
}
