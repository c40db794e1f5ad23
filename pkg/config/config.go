// Package config loads the server configuration from a YAML file, with
// environment fallbacks for secrets.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	// Server configuration
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	AuthToken   string `yaml:"auth_token"`

	// Rate limiting (requests per second per client; 0 disables)
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// Provider configuration
	Provider ProviderConfig `yaml:"provider"`

	// Store configuration
	Store StoreConfig `yaml:"store"`

	// Deliberation defaults
	Deliberation DeliberationConfig `yaml:"deliberation"`
}

// ProviderConfig selects and configures the model backend.
type ProviderConfig struct {
	// Name is a registered provider: openai or gemini.
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Type is memory, file, or redis.
	Type string `yaml:"type"`
	// Path is the base directory for the file backend.
	Path string `yaml:"path"`

	// Redis backend settings.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// DeliberationConfig carries the engine defaults.
type DeliberationConfig struct {
	// ConvergenceThreshold ends a session early when a round's agreement
	// score reaches it.
	ConvergenceThreshold float64 `yaml:"convergence_threshold"`
	Temperature          float64 `yaml:"temperature"`
	MaxTokens            int     `yaml:"max_tokens"`
}

// Load reads configuration from a YAML file and applies defaults. An empty
// path yields the defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyDefaults()

	// Secrets prefer the environment over the file.
	if cfg.Provider.APIKey == "" {
		switch cfg.Provider.Name {
		case "gemini":
			cfg.Provider.APIKey = os.Getenv("GEMINI_API_KEY")
		default:
			cfg.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("CONCLAVE_AUTH_TOKEN")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "openai"
	}
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Store.RedisAddr == "" {
		c.Store.RedisAddr = "localhost:6379"
	}
	if c.Deliberation.ConvergenceThreshold == 0 {
		c.Deliberation.ConvergenceThreshold = 0.85
	}
	if c.Deliberation.Temperature == 0 {
		c.Deliberation.Temperature = 0.7
	}
	if c.Deliberation.MaxTokens == 0 {
		c.Deliberation.MaxTokens = 1024
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}
	switch c.Store.Type {
	case "memory", "file", "redis":
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	if c.Store.Type == "file" && c.Store.Path == "" {
		return fmt.Errorf("file store requires a path")
	}
	if c.Deliberation.ConvergenceThreshold < 0 || c.Deliberation.ConvergenceThreshold > 1 {
		return fmt.Errorf("convergence threshold must be in [0, 1]")
	}
	return nil
}
