// Package config provides YAML-based configuration loading for the voice
// kiosk session core.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration, loaded from config.yaml.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	DB         DBConfig        `yaml:"db"`
	Provider   ProviderConfig  `yaml:"provider"`
	Rates      RatesConfig     `yaml:"rates"`
	Gateway    GatewayConfig   `yaml:"gateway"`
	Reaper     ReaperConfig    `yaml:"reaper"`
	Reconcile  ReconcileConfig `yaml:"reconcile"`
	Retention  RetentionConfig `yaml:"retention"`
	AdminToken string          `yaml:"admin_token"`
}

// ServerConfig holds the HTTP/websocket listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DBConfig holds connection settings for the MySQL server.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// ProviderConfig identifies the hosted realtime speech provider and its
// usage-report endpoint.
type ProviderConfig struct {
	Model       string `yaml:"model"`
	Voice       string `yaml:"voice"`
	UsageURL    string `yaml:"usage_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	BucketHours int    `yaml:"bucket_hours"`
}

// RatesConfig is the per-category token rate table, expressed as micro-USD
// per one million tokens. Rates are configuration, never hard-coded at call
// sites.
type RatesConfig struct {
	InputTextPerMTok   int64 `yaml:"input_text_per_mtok"`
	OutputTextPerMTok  int64 `yaml:"output_text_per_mtok"`
	InputAudioPerMTok  int64 `yaml:"input_audio_per_mtok"`
	OutputAudioPerMTok int64 `yaml:"output_audio_per_mtok"`
}

// GatewayConfig bounds outbound tool-call dispatch.
type GatewayConfig struct {
	TimeoutSec    int `yaml:"timeout_sec"`
	MaxTimeoutSec int `yaml:"max_timeout_sec"`
}

// ReaperConfig controls orphan-session reaping.
type ReaperConfig struct {
	MaxAgeSec int    `yaml:"max_age_sec"`
	Cron      string `yaml:"cron"`
}

// ReconcileConfig controls cost reconciliation cadence.
type ReconcileConfig struct {
	GraceHours int    `yaml:"grace_hours"`
	Cron       string `yaml:"cron"`
}

// RetentionConfig controls data-minimization sweeps.
type RetentionConfig struct {
	EventDays      int    `yaml:"event_days"`
	DeidentifyDays int    `yaml:"deidentify_days"`
	PurgeDays      int    `yaml:"purge_days"`
	Cron           string `yaml:"cron"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.User == "" {
		c.DB.User = "root"
	}
	if c.DB.Database == "" {
		c.DB.Database = "voicekiosk"
	}
	if c.Provider.BucketHours == 0 {
		c.Provider.BucketHours = 1
	}
	if c.Provider.APIKeyEnv == "" {
		c.Provider.APIKeyEnv = "PROVIDER_API_KEY"
	}
	if c.Gateway.TimeoutSec == 0 {
		c.Gateway.TimeoutSec = 8
	}
	if c.Gateway.MaxTimeoutSec == 0 {
		c.Gateway.MaxTimeoutSec = 10
	}
	if c.Reaper.MaxAgeSec == 0 {
		c.Reaper.MaxAgeSec = 1800
	}
	if c.Reaper.Cron == "" {
		c.Reaper.Cron = "*/5 * * * *"
	}
	if c.Reconcile.GraceHours == 0 {
		c.Reconcile.GraceHours = 24
	}
	if c.Reconcile.Cron == "" {
		c.Reconcile.Cron = "15 3 * * *"
	}
	if c.Retention.EventDays == 0 {
		c.Retention.EventDays = 90
	}
	if c.Retention.DeidentifyDays == 0 {
		c.Retention.DeidentifyDays = 180
	}
	if c.Retention.PurgeDays == 0 {
		c.Retention.PurgeDays = 730
	}
	if c.Retention.Cron == "" {
		c.Retention.Cron = "45 4 * * *"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Rates.InputTextPerMTok < 0 || c.Rates.OutputTextPerMTok < 0 ||
		c.Rates.InputAudioPerMTok < 0 || c.Rates.OutputAudioPerMTok < 0 {
		errs = append(errs, "rates must be non-negative")
	}
	if c.Gateway.TimeoutSec > c.Gateway.MaxTimeoutSec {
		errs = append(errs, fmt.Sprintf("gateway.timeout_sec %d exceeds max_timeout_sec %d",
			c.Gateway.TimeoutSec, c.Gateway.MaxTimeoutSec))
	}
	if c.Reaper.MaxAgeSec < 60 {
		errs = append(errs, "reaper.max_age_sec must be at least 60")
	}
	if c.Retention.EventDays > c.Retention.DeidentifyDays {
		errs = append(errs, "retention.event_days must not exceed deidentify_days")
	}
	if c.Retention.DeidentifyDays > c.Retention.PurgeDays {
		errs = append(errs, "retention.deidentify_days must not exceed purge_days")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
