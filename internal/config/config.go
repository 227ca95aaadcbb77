// Package config handles opsagent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/opsagent/config.yaml, /etc/opsagent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "opsagent", "config.yaml"))
	}

	paths = append(paths, "/etc/opsagent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all opsagent configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Models    ModelsConfig    `yaml:"models"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Email     EmailConfig     `yaml:"email"`
	Auth      AuthConfig      `yaml:"auth"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// ModelsConfig defines model selection and pricing.
type ModelsConfig struct {
	// Default is the model used when a task config or chat request
	// doesn't name one. It is also the pricing fallback for models
	// missing from the pricing table.
	Default string `yaml:"default"`

	// Pricing maps model name to USD-per-million-token rates.
	Pricing map[string]PricingEntry `yaml:"pricing"`

	// MaxRounds bounds the tool-use loop. Zero means the built-in
	// default of 10.
	MaxRounds int `yaml:"max_rounds"`
}

// PricingEntry holds per-model token pricing in USD per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// SchedulerConfig defines task scheduler settings.
type SchedulerConfig struct {
	// ReloadInterval is how often task configs are re-read from the
	// store to pick up external changes. Zero means 5 minutes.
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// EmailConfig defines outbound notification email settings.
type EmailConfig struct {
	From string     `yaml:"from"` // Sender ("Name <addr@host>" or bare address)
	To   []string   `yaml:"to"`   // Operator recipients
	SMTP SMTPConfig `yaml:"smtp"`
}

// SMTPConfig defines the SMTP relay connection.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// StartTLS selects plain-connect-then-upgrade (port 587 style).
	// When false the connection is implicit TLS (port 465 style).
	StartTLS bool `yaml:"starttls"`
}

// Configured reports whether email delivery has the minimum required
// settings (relay host and at least one recipient).
func (c EmailConfig) Configured() bool {
	return c.SMTP.Host != "" && len(c.To) > 0
}

// AuthConfig defines API access control.
type AuthConfig struct {
	// Tokens is the bearer-token allowlist. Empty disables auth
	// (local/dev use).
	Tokens []string `yaml:"tokens"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8080},
		DataDir: "data",
		Models: ModelsConfig{
			Default: "claude-sonnet-4-5-20250929",
			Pricing: map[string]PricingEntry{
				"claude-sonnet-4-5-20250929": {InputPerMillion: 3, OutputPerMillion: 15},
				"claude-opus-4-6":            {InputPerMillion: 5, OutputPerMillion: 25},
			},
		},
		Scheduler: SchedulerConfig{ReloadInterval: 5 * time.Minute},
		Email: EmailConfig{
			SMTP: SMTPConfig{Port: 587, StartTLS: true},
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Models.Default == "" {
		c.Models.Default = "claude-sonnet-4-5-20250929"
	}
	if len(c.Models.Pricing) == 0 {
		c.Models.Pricing = Default().Models.Pricing
	}
	if c.Scheduler.ReloadInterval == 0 {
		c.Scheduler.ReloadInterval = 5 * time.Minute
	}
	if c.Email.SMTP.Host != "" {
		if c.Email.SMTP.Port == 0 {
			c.Email.SMTP.Port = 587
		}
		if !c.Email.SMTP.StartTLS && c.Email.SMTP.Port != 465 {
			c.Email.SMTP.StartTLS = true
		}
	}
}
