// Package config provides YAML-based configuration loading for the broker.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ikanisa/easymo/internal/offer"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration, loaded from easymo.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Telegraph TelegraphConfig `yaml:"telegraph"`
	Sourcing  SourcingConfig  `yaml:"sourcing"`
	Agents    []AgentConfig   `yaml:"agents"`
}

// DatabaseConfig selects and addresses the backing store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"` // sqlite file path
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// TelegraphConfig configures the chat bridge.
type TelegraphConfig struct {
	Platform         string        `yaml:"platform"` // "slack", "discord" or "" (disabled)
	Channel          string        `yaml:"channel"`
	PromptTimeoutSec int           `yaml:"prompt_timeout_sec"`
	SweepIntervalSec int           `yaml:"sweep_interval_sec"`
	Slack            SlackConfig   `yaml:"slack"`
	Discord          DiscordConfig `yaml:"discord"`
	Digest           DigestConfig  `yaml:"digest"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// DigestConfig controls the scheduled activity summary.
type DigestConfig struct {
	Daily DigestSchedule `yaml:"daily"`
}

// DigestSchedule is a cron-scheduled report.
type DigestSchedule struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// SourcingConfig tunes fan-out, ranking and negotiation.
type SourcingConfig struct {
	CandidateTimeoutMs int                `yaml:"candidate_timeout_ms"`
	TopN               int                `yaml:"top_n"`
	SearchRadiusKM     float64            `yaml:"search_radius_km"`
	StockCeiling       float64            `yaml:"stock_ceiling"`
	PriceScale         map[string]float64 `yaml:"price_scale"` // per agent type
	ConfigCacheTTLSec  int                `yaml:"config_cache_ttl_sec"`
	DeadlineSweepSec   int                `yaml:"deadline_sweep_sec"`
	Negotiation        NegotiationConfig  `yaml:"negotiation"`
}

// NegotiationConfig selects the counter-offer strategy.
type NegotiationConfig struct {
	Strategy       string  `yaml:"strategy"` // "half-delta" or "bounded-random"
	MinDiscountPct float64 `yaml:"min_discount_pct"`
	Seed           int64   `yaml:"seed"`
}

// AgentConfig seeds the SLA policy row for one agent type.
type AgentConfig struct {
	AgentType            string   `yaml:"agent_type"`
	Enabled              bool     `yaml:"enabled"`
	SLAMinutes           int      `yaml:"sla_minutes"`
	MaxExtensions        *int     `yaml:"max_extensions"`
	FanOutLimit          int      `yaml:"fan_out_limit"`
	CounterOfferDeltaPct *float64 `yaml:"counter_offer_delta_pct"`
	AutoNegotiation      bool     `yaml:"auto_negotiation"`
	FeatureFlagScope     string   `yaml:"feature_flag_scope"`
}

// Default values applied when fields are unset.
const (
	DefaultSLAMinutes           = 5
	DefaultMaxExtensions        = 2
	DefaultFanOutLimit          = 10
	DefaultCounterOfferDeltaPct = 15
	DefaultPriceScale           = 5000
	DefaultStockCeiling         = 100
	DefaultTopN                 = 3
)

// Load reads a YAML config file from path and returns a validated Config.
// ${VAR} references are expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
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

// PriceScaleFor returns the price normaliser for agentType.
func (s SourcingConfig) PriceScaleFor(agentType string) float64 {
	if v, ok := s.PriceScale[agentType]; ok && v > 0 {
		return v
	}
	return DefaultPriceScale
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.Name == "" {
			c.Database.Name = "easymo"
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "easymo.db"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Telegraph.PromptTimeoutSec == 0 {
		c.Telegraph.PromptTimeoutSec = 600
	}
	if c.Telegraph.SweepIntervalSec == 0 {
		c.Telegraph.SweepIntervalSec = 30
	}
	if c.Telegraph.Digest.Daily.Enabled && c.Telegraph.Digest.Daily.Cron == "" {
		c.Telegraph.Digest.Daily.Cron = "0 18 * * *"
	}

	s := &c.Sourcing
	if s.CandidateTimeoutMs == 0 {
		s.CandidateTimeoutMs = 20000
	}
	if s.TopN == 0 {
		s.TopN = DefaultTopN
	}
	if s.SearchRadiusKM == 0 {
		s.SearchRadiusKM = 10
	}
	if s.StockCeiling == 0 {
		s.StockCeiling = DefaultStockCeiling
	}
	if s.ConfigCacheTTLSec == 0 {
		s.ConfigCacheTTLSec = 60
	}
	if s.DeadlineSweepSec == 0 {
		s.DeadlineSweepSec = 15
	}
	if s.Negotiation.Strategy == "" {
		s.Negotiation.Strategy = "half-delta"
	}
	if s.Negotiation.MinDiscountPct == 0 {
		s.Negotiation.MinDiscountPct = 5
	}

	for i := range c.Agents {
		a := &c.Agents[i]
		if a.SLAMinutes == 0 {
			a.SLAMinutes = DefaultSLAMinutes
		}
		if a.MaxExtensions == nil {
			v := DefaultMaxExtensions
			a.MaxExtensions = &v
		}
		if a.FanOutLimit == 0 {
			a.FanOutLimit = DefaultFanOutLimit
		}
		if a.CounterOfferDeltaPct == nil {
			v := float64(DefaultCounterOfferDeltaPct)
			a.CounterOfferDeltaPct = &v
		}
		if a.FeatureFlagScope == "" {
			if a.Enabled {
				a.FeatureFlagScope = "all"
			} else {
				a.FeatureFlagScope = "disabled"
			}
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}
	switch c.Telegraph.Platform {
	case "":
	case "slack":
		if c.Telegraph.Slack.AppToken == "" || c.Telegraph.Slack.BotToken == "" {
			errs = append(errs, "telegraph.slack.app_token and bot_token are required for slack")
		}
	case "discord":
		if c.Telegraph.Discord.BotToken == "" {
			errs = append(errs, "telegraph.discord.bot_token is required for discord")
		}
	default:
		errs = append(errs, fmt.Sprintf("telegraph.platform %q must be slack or discord", c.Telegraph.Platform))
	}
	if c.Sourcing.TopN < 1 {
		errs = append(errs, "sourcing.top_n must be at least 1")
	}
	if c.Sourcing.CandidateTimeoutMs < 0 {
		errs = append(errs, "sourcing.candidate_timeout_ms must not be negative")
	}
	switch c.Sourcing.Negotiation.Strategy {
	case "half-delta", "bounded-random":
	default:
		errs = append(errs, fmt.Sprintf("sourcing.negotiation.strategy %q must be half-delta or bounded-random", c.Sourcing.Negotiation.Strategy))
	}

	seen := make(map[string]bool)
	for i, a := range c.Agents {
		if a.AgentType == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].agent_type is required", i))
			continue
		}
		if _, ok := offer.KindFor(a.AgentType); !ok {
			errs = append(errs, fmt.Sprintf("agents[%d].agent_type %q is not supported", i, a.AgentType))
		}
		if seen[a.AgentType] {
			errs = append(errs, fmt.Sprintf("agents[%d].agent_type %q is duplicated", i, a.AgentType))
		}
		seen[a.AgentType] = true
		if a.SLAMinutes < 1 || a.SLAMinutes > 60 {
			errs = append(errs, fmt.Sprintf("agents[%d].sla_minutes must be in 1..60", i))
		}
		if *a.MaxExtensions < 0 || *a.MaxExtensions > 5 {
			errs = append(errs, fmt.Sprintf("agents[%d].max_extensions must be in 0..5", i))
		}
		if a.FanOutLimit < 1 || a.FanOutLimit > 50 {
			errs = append(errs, fmt.Sprintf("agents[%d].fan_out_limit must be in 1..50", i))
		}
		if *a.CounterOfferDeltaPct < 0 || *a.CounterOfferDeltaPct > 100 {
			errs = append(errs, fmt.Sprintf("agents[%d].counter_offer_delta_pct must be in 0..100", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
