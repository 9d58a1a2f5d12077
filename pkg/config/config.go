package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pario-ai/arena/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all Arena configuration.
type Config struct {
	Listen      string           `yaml:"listen"`
	DBPath      string           `yaml:"db_path"`
	AdminKey    string           `yaml:"admin_key"`
	Providers   []ProviderConfig `yaml:"providers"`
	Tiers       []TierConfig     `yaml:"tiers"`
	Costs       map[string]int64 `yaml:"costs"`
	Billing     BillingConfig    `yaml:"billing"`
	Guard       GuardConfig      `yaml:"guard"`
	Multiplexer MuxConfig        `yaml:"multiplexer"`
	Ledger      LedgerConfig     `yaml:"ledger"`
	Limits      LimitsConfig     `yaml:"limits"`
	Alerts      AlertConfig      `yaml:"alerts"`
	Log         LogConfig        `yaml:"log"`
}

// ProviderConfig defines an upstream LLM provider.
// Type is "openai" (default), "anthropic" or "scripted".
type ProviderConfig struct {
	Name         string `yaml:"name"`
	Type         string `yaml:"type"`
	URL          string `yaml:"url"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	MaxTokens    int    `yaml:"max_tokens"`
	ContextLimit int    `yaml:"context_limit"`
	SafetyMargin int    `yaml:"safety_margin"`
	// Counter names the token counter: "chars" (default) or "words".
	Counter string `yaml:"counter"`
}

// TierConfig maps a tier to the providers compared under it and its deadlines.
type TierConfig struct {
	Name         models.Tier   `yaml:"name"`
	Providers    []string      `yaml:"providers"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	TurnDeadline time.Duration `yaml:"turn_deadline"`
}

// Partial-success billing policies.
const (
	PartialFull     = "full"
	PartialProrated = "prorated"
)

// Reconsider charging policies.
const (
	ReconsiderAttempted = "attempted"
	ReconsiderFull      = "full"
)

// BillingConfig holds the billing policy switches left open upstream.
type BillingConfig struct {
	// PartialSuccess is "full" (confirm the whole reservation when at least
	// one provider succeeded) or "prorated" (confirm and credit back the
	// failed providers' share).
	PartialSuccess string `yaml:"partial_success"`
	// ReconsiderCharge is "attempted" (charge the per-provider share for
	// providers that were not skipped) or "full".
	ReconsiderCharge string `yaml:"reconsider_charge"`
}

// GuardConfig controls the token budget guard.
type GuardConfig struct {
	// PeerFloor is the minimum peer-context tokens a truncation must keep.
	PeerFloor int `yaml:"peer_floor"`
}

// MuxConfig controls the stream multiplexer.
type MuxConfig struct {
	IdleInterval time.Duration `yaml:"idle_interval"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	BufferSize   int           `yaml:"buffer_size"`
}

// LedgerConfig controls ledger finalization.
type LedgerConfig struct {
	FinalizeAttempts int           `yaml:"finalize_attempts"`
	FinalizeTimeout  time.Duration `yaml:"finalize_timeout"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
}

// LimitsConfig bounds accepted requests.
type LimitsConfig struct {
	MaxPromptBytes int `yaml:"max_prompt_bytes"`
	HistoryTurns   int `yaml:"history_turns"`
}

// AlertConfig controls the reconciliation fault log.
type AlertConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "arena.db",
		Costs: map[string]int64{
			"standard-initial":    10,
			"expert-initial":      20,
			"standard-reconsider": 5,
			"expert-reconsider":   10,
			"standard-followup":   5,
			"expert-followup":     10,
		},
		Billing: BillingConfig{
			PartialSuccess:   PartialFull,
			ReconsiderCharge: ReconsiderAttempted,
		},
		Guard: GuardConfig{
			PeerFloor: 200,
		},
		Multiplexer: MuxConfig{
			IdleInterval: 15 * time.Second,
			GracePeriod:  2 * time.Second,
			BufferSize:   64,
		},
		Ledger: LedgerConfig{
			FinalizeAttempts: 3,
			FinalizeTimeout:  10 * time.Second,
			RetryBackoff:     100 * time.Millisecond,
		},
		Limits: LimitsConfig{
			MaxPromptBytes: 32 * 1024,
			HistoryTurns:   5,
		},
		Alerts: AlertConfig{
			RetentionDays: 90,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross references between providers, tiers and costs.
func (c *Config) Validate() error {
	names := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider without name")
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		names[p.Name] = true
	}

	tiers := make(map[models.Tier]bool, len(c.Tiers))
	for _, t := range c.Tiers {
		if tiers[t.Name] {
			return fmt.Errorf("duplicate tier %q", t.Name)
		}
		tiers[t.Name] = true
		if len(t.Providers) == 0 {
			return fmt.Errorf("tier %q: no providers", t.Name)
		}
		seen := make(map[string]bool, len(t.Providers))
		for _, p := range t.Providers {
			if !names[p] {
				return fmt.Errorf("tier %q: unknown provider %q", t.Name, p)
			}
			if seen[p] {
				return fmt.Errorf("tier %q: provider %q listed twice", t.Name, p)
			}
			seen[p] = true
		}
		for _, m := range []models.Mode{models.ModeInitial, models.ModeFollowup, models.ModeReconsider} {
			if _, ok := c.Costs[models.CostKey(t.Name, m)]; !ok {
				return fmt.Errorf("tier %q: missing cost for %s", t.Name, m)
			}
		}
	}

	switch c.Billing.PartialSuccess {
	case PartialFull, PartialProrated:
	default:
		return fmt.Errorf("billing.partial_success: unknown policy %q", c.Billing.PartialSuccess)
	}
	switch c.Billing.ReconsiderCharge {
	case ReconsiderAttempted, ReconsiderFull:
	default:
		return fmt.Errorf("billing.reconsider_charge: unknown policy %q", c.Billing.ReconsiderCharge)
	}
	return nil
}

// Tier returns the named tier configuration.
func (c *Config) Tier(name models.Tier) (TierConfig, bool) {
	for _, t := range c.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return TierConfig{}, false
}

// Provider returns the named provider configuration.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Cost returns the credit cost for a tier and mode.
func (c *Config) Cost(tier models.Tier, mode models.Mode) (int64, bool) {
	v, ok := c.Costs[models.CostKey(tier, mode)]
	return v, ok
}
