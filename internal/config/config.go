package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models agentex.yml.
type Config struct {
	Agent struct {
		ID           string        `yaml:"id"`
		Name         string        `yaml:"name"`
		Description  string        `yaml:"description"`
		URL          string        `yaml:"url"`
		Version      string        `yaml:"version"`
		Organization string        `yaml:"organization"`
		Capabilities []string      `yaml:"capabilities"`
		Skills       []SkillConfig `yaml:"skills"`
	} `yaml:"agent"`
	Server struct {
		RequireAuth bool    `yaml:"require_auth"`
		RateLimit   float64 `yaml:"rate_limit"`
		RateBurst   int     `yaml:"rate_burst"`
	} `yaml:"server"`
	Auction struct {
		Strategy         string           `yaml:"strategy"`
		TimeoutMS        int              `yaml:"timeout_ms"`
		ReferenceMinutes float64          `yaml:"reference_minutes"`
		Capability       string           `yaml:"capability"`
		Providers        []ProviderConfig `yaml:"providers"`
	} `yaml:"auction"`
	Pricing struct {
		ServicePrice     float64 `yaml:"service_price"`
		Currency         string  `yaml:"currency"`
		BaseRate         float64 `yaml:"base_rate"`
		PerPageRate      float64 `yaml:"per_page_rate"`
		Confidence       float64 `yaml:"confidence"`
		EstimatedMinutes int     `yaml:"estimated_minutes"`
		TrustScore       float64 `yaml:"trust_score"`
		TrustTier        string  `yaml:"trust_tier"`
	} `yaml:"pricing"`
	Payments struct {
		Enabled          bool               `yaml:"enabled"`
		BaseFeePercent   float64            `yaml:"base_fee_percent"`
		CategoryRewards  map[string]float64 `yaml:"category_rewards"`
		SupportedMethods []string           `yaml:"supported_methods"`
		IntentTTL        string             `yaml:"intent_ttl"`
		CartTTL          string             `yaml:"cart_ttl"`
		HistoryWindow    int                `yaml:"history_window"`
		WalletID         string             `yaml:"wallet_id"`
	} `yaml:"payments"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type SkillConfig struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
}

type ProviderConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

var strategies = map[string]bool{"lowest_price": true, "best_quality": true, "balanced": true}

var tiers = map[string]bool{"UNVERIFIED": true, "VERIFIED": true, "TRUSTED": true, "PREFERRED": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ax config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
			return Default("local-agent"), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("config.agent.id is required")
	}
	if c.Agent.Name == "" {
		return fmt.Errorf("config.agent.name is required")
	}
	if c.Auction.Strategy != "" && !strategies[c.Auction.Strategy] {
		return fmt.Errorf("config.auction.strategy must be one of lowest_price, best_quality, balanced")
	}
	if c.Auction.TimeoutMS < 0 {
		return fmt.Errorf("config.auction.timeout_ms must not be negative")
	}
	seen := map[string]bool{}
	for _, p := range c.Auction.Providers {
		if p.ID == "" || p.URL == "" {
			return fmt.Errorf("auction provider requires id and url")
		}
		if seen[p.ID] {
			return fmt.Errorf("auction provider %s listed twice", p.ID)
		}
		seen[p.ID] = true
	}
	if c.Pricing.ServicePrice < 0 {
		return fmt.Errorf("config.pricing.service_price must not be negative")
	}
	if c.Pricing.Confidence < 0 || c.Pricing.Confidence > 1 {
		return fmt.Errorf("config.pricing.confidence must be within 0..1")
	}
	if c.Pricing.TrustScore < 0 || c.Pricing.TrustScore > 1 {
		return fmt.Errorf("config.pricing.trust_score must be within 0..1")
	}
	if c.Pricing.TrustTier != "" && !tiers[c.Pricing.TrustTier] {
		return fmt.Errorf("config.pricing.trust_tier %s unknown", c.Pricing.TrustTier)
	}
	if c.Payments.BaseFeePercent < 0 || c.Payments.BaseFeePercent > 100 {
		return fmt.Errorf("config.payments.base_fee_percent must be within 0..100")
	}
	for cat, pct := range c.Payments.CategoryRewards {
		if cat == "" {
			return fmt.Errorf("config.payments.category_rewards has empty category")
		}
		if pct < 0 || pct > 100 {
			return fmt.Errorf("reward for category %s must be within 0..100", cat)
		}
	}
	for _, ttl := range []struct{ name, v string }{{"intent_ttl", c.Payments.IntentTTL}, {"cart_ttl", c.Payments.CartTTL}} {
		if ttl.v == "" {
			continue
		}
		if _, err := time.ParseDuration(ttl.v); err != nil {
			return fmt.Errorf("config.payments.%s: %w", ttl.name, err)
		}
	}
	for _, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook url is required")
		}
	}
	return nil
}

// AuctionTimeout returns the per-call bid timeout.
func (c *Config) AuctionTimeout() time.Duration {
	if c.Auction.TimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Auction.TimeoutMS) * time.Millisecond
}

// IntentTTL returns the configured intent lifetime.
func (c *Config) IntentTTL() time.Duration {
	return parseDurationOr(c.Payments.IntentTTL, 24*time.Hour)
}

// CartTTL returns the configured cart lifetime.
func (c *Config) CartTTL() time.Duration {
	return parseDurationOr(c.Payments.CartTTL, 15*time.Minute)
}

func parseDurationOr(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agentex.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(agentID string) string {
	return fmt.Sprintf(defaultTemplate, agentID)
}

// Default returns the default Config struct for an agent.
func Default(agentID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(agentID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `agent:
  id: %s
  name: Local Agent
  description: "Marketplace agent speaking A2A with AP2 payment mandates"
  url: http://127.0.0.1:8100
  version: 1.0.0
  organization: agentex
  capabilities: [service]
  skills:
    - id: service
      name: Paid service
      description: "Performs paid work after payment verification"
      tags: [service]

server:
  require_auth: false
  rate_limit: 50
  rate_burst: 100

auction:
  strategy: balanced
  timeout_ms: 5000
  reference_minutes: 30
  capability: service
  providers: []

pricing:
  service_price: 10.00
  currency: USD
  base_rate: 5.00
  per_page_rate: 2.00
  confidence: 0.85
  estimated_minutes: 10
  trust_score: 0.85
  trust_tier: VERIFIED

payments:
  enabled: true
  base_fee_percent: 2.0
  category_rewards:
    default: 1.0
  supported_methods: [card, token]
  intent_ttl: 24h
  cart_ttl: 15m
  history_window: 10
`
