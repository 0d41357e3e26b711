// Package config loads and hot-reloads the Aegis firewall configuration.
package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"aegis/internal/waf"
)

// ServerConfig describes the listener the proxy accepts connections on.
type ServerConfig struct {
	Address  string `yaml:"address"`
	Port     uint16 `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// RedisConfig describes the counter-store connection.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// MetricsConfig describes the OTLP metrics sink.
type MetricsConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Exporter              string `yaml:"exporter"` // "otlp", "stdout", or "none"
	ExportEndpoint        string `yaml:"export_endpoint"`
	ExportIntervalSeconds int    `yaml:"export_interval_seconds"`
	Insecure              bool   `yaml:"insecure"`
}

// ControlConfig describes the read-only introspection listener.
type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// AegisConfig is the full, hot-reloadable firewall configuration document.
type AegisConfig struct {
	Server        ServerConfig    `yaml:"server"`
	Upstream      string          `yaml:"upstream"`
	Redis         RedisConfig     `yaml:"redis"`
	Metrics       MetricsConfig   `yaml:"metrics"`
	Control       ControlConfig   `yaml:"control"`
	DefaultAction waf.Action      `yaml:"default_action"`
	Rules         []waf.AegisRule `yaml:"rules"`

	// Fingerprint is the 64-bit hash of the raw file bytes this document was
	// parsed from. It is never serialized; it exists only to let the watcher
	// detect a changed file without re-parsing and deep-comparing rules.
	Fingerprint uint64 `yaml:"-"`
}

// DefaultConfigPath is used when --config-file is not given.
const DefaultConfigPath = "aegis.yaml"

func defaults() *AegisConfig {
	return &AegisConfig{
		Server: ServerConfig{
			Address:  "0.0.0.0",
			Port:     4000,
			LogLevel: "info",
		},
		Upstream: "http://localhost:8080",
		Redis: RedisConfig{
			Enabled: false,
			URL:     "redis://localhost:6379",
		},
		Metrics: MetricsConfig{
			Enabled:               false,
			Exporter:              "none",
			ExportEndpoint:        "localhost:4317",
			ExportIntervalSeconds: 15,
			Insecure:              true,
		},
		Control: ControlConfig{
			Enabled: true,
			Listen:  "0.0.0.0:4001",
		},
		DefaultAction: waf.ActionBlock,
		Rules:         nil,
	}
}

// Load reads a config document from path, hashing the raw bytes for the
// fingerprint before parsing, applies environment overrides, and validates
// the result. A missing file yields the default configuration.
func Load(path string) (*AegisConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return defaults(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return parse(data)
}

// parse is the shared path between Load and the watcher's reload check: it
// hashes the raw bytes, unmarshals, applies overrides, and validates.
func parse(data []byte) (*AegisConfig, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Fingerprint = xxhash.Sum64(data)

	// PORT only fills in a port the document leaves out; an explicit
	// server.port wins over the environment.
	var explicit struct {
		Server struct {
			Port *uint16 `yaml:"port"`
		} `yaml:"server"`
	}
	_ = yaml.Unmarshal(data, &explicit)

	cfg.applyEnvOverrides()
	if explicit.Server.Port != nil {
		cfg.Server.Port = *explicit.Server.Port
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides lets a handful of operational knobs be set without
// touching the file, matching the override pattern the rest of the stack
// uses for its own config.
func (c *AegisConfig) applyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		var port uint16
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("AEGIS_UPSTREAM"); v != "" {
		c.Upstream = v
	}
	if v := os.Getenv("AEGIS_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if os.Getenv("AEGIS_REDIS_ENABLED") == "true" {
		c.Redis.Enabled = true
	}
	if v := os.Getenv("AEGIS_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		c.Metrics.Enabled = true
		c.Metrics.Exporter = "otlp"
		c.Metrics.ExportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Metrics.Insecure = true
	}
}

// Validate checks the invariants the rest of the system relies on.
func (c *AegisConfig) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Upstream == "" {
		return fmt.Errorf("upstream address is required")
	}
	if _, err := url.Parse(c.Upstream); err != nil {
		return fmt.Errorf("invalid upstream address: %w", err)
	}
	switch c.DefaultAction {
	case waf.ActionAllow, waf.ActionBlock:
	default:
		return fmt.Errorf("default_action must be Allow or Block, got %q", c.DefaultAction)
	}
	for i, rule := range c.Rules {
		// AegisRule.UnmarshalYAML already rejects a document whose "type"
		// isn't Regular or RateBased; these checks guard rules built
		// programmatically (tests, future callers) rather than parsed.
		if rule.Regular == nil && rule.RateBased == nil {
			return fmt.Errorf("rule %d: must be either regular or rate_based", i)
		}
		if rule.Regular != nil && rule.RateBased != nil {
			return fmt.Errorf("rule %d: cannot be both regular and rate_based", i)
		}
		if rule.Regular != nil {
			switch rule.Regular.Action {
			case waf.ActionAllow, waf.ActionBlock, waf.ActionCount:
			default:
				return fmt.Errorf("rule %d: invalid action %q", i, rule.Regular.Action)
			}
		}
		if rule.RateBased != nil {
			if rule.RateBased.Limit < 1 {
				return fmt.Errorf("rule %d: limit must be >= 1, got %d", i, rule.RateBased.Limit)
			}
			if rule.RateBased.WindowSeconds < 1 {
				return fmt.Errorf("rule %d: window_seconds must be >= 1, got %d", i, rule.RateBased.WindowSeconds)
			}
			switch rule.RateBased.Key {
			case waf.RateBasedRuleKeySourceIP:
			default:
				return fmt.Errorf("rule %d: invalid key %q", i, rule.RateBased.Key)
			}
		}
	}
	return nil
}
