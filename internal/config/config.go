// Package config handles Foreman configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/foreman/config.yaml, /etc/foreman/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "foreman", "config.yaml"))
	}

	paths = append(paths, "/etc/foreman/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all Foreman configuration.
type Config struct {
	Listen         ListenConfig     `yaml:"listen"`
	Anthropic      AnthropicConfig  `yaml:"anthropic"`
	Agent          AgentConfig      `yaml:"agent"`
	Database       DatabaseConfig   `yaml:"database"`
	Admin          AdminConfig      `yaml:"admin"`
	RateLimits     RateLimitsConfig `yaml:"rate_limits"`
	MQTT           MQTTConfig       `yaml:"mqtt"`
	NATS           NATSConfig       `yaml:"nats"`
	LogLevel       string           `yaml:"log_level"`
	LogFormat      string           `yaml:"log_format"` // text (default) or json
	MaxConnections int              `yaml:"max_connections"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"` // Messages endpoint override, e.g. for a proxy
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// AgentConfig tunes the conversation loop.
type AgentConfig struct {
	// MaxIterations caps model calls per chat request.
	MaxIterations int `yaml:"max_iterations"`
	// ToolConcurrency bounds how many sibling tool calls from one model
	// turn run at once. 1 runs them sequentially.
	ToolConcurrency int `yaml:"tool_concurrency"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AdminConfig guards the admin API.
type AdminConfig struct {
	// SessionToken is compared against the admin_session cookie. When
	// empty, any non-empty cookie is accepted.
	SessionToken string `yaml:"session_token"`
}

// RateLimitsConfig defines the fixed-window limits per endpoint class.
type RateLimitsConfig struct {
	Chat          WindowConfig  `yaml:"chat"`
	API           WindowConfig  `yaml:"api"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// WindowConfig is one fixed-window limit.
type WindowConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

// MQTTConfig defines the optional MQTT changelog sink.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883 or mqtts://...
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// NATSConfig defines the optional NATS changelog sink.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Configured reports whether a NATS URL is set.
func (c NATSConfig) Configured() bool {
	return c.URL != ""
}

// Load reads configuration from a YAML file, expands ${ENV} references,
// applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 4096
	}
	if c.Anthropic.Timeout == 0 {
		c.Anthropic.Timeout = 120 * time.Second
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.ToolConcurrency == 0 {
		c.Agent.ToolConcurrency = 4
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/foreman.db"
	}
	if c.RateLimits.Chat.Window == 0 {
		c.RateLimits.Chat.Window = time.Minute
	}
	if c.RateLimits.Chat.MaxRequests == 0 {
		c.RateLimits.Chat.MaxRequests = 20
	}
	if c.RateLimits.API.Window == 0 {
		c.RateLimits.API.Window = time.Minute
	}
	if c.RateLimits.API.MaxRequests == 0 {
		c.RateLimits.API.MaxRequests = 100
	}
	if c.RateLimits.SweepInterval == 0 {
		c.RateLimits.SweepInterval = time.Minute
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "foreman"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "foreman"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "foreman"
	}
}

// ChatTimeout is the longest a chat request may take to answer: every
// allowed model call at its full timeout, plus a minute for tool work.
func (c *Config) ChatTimeout() time.Duration {
	return time.Duration(c.Agent.MaxIterations)*c.Anthropic.Timeout + time.Minute
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.ToolConcurrency < 1 {
		return fmt.Errorf("agent.tool_concurrency must be at least 1, got %d", c.Agent.ToolConcurrency)
	}
	if c.RateLimits.Chat.MaxRequests < 1 || c.RateLimits.API.MaxRequests < 1 {
		return fmt.Errorf("rate_limits max_requests must be at least 1")
	}
	if c.RateLimits.Chat.Window <= 0 || c.RateLimits.API.Window <= 0 {
		return fmt.Errorf("rate_limits window must be positive")
	}
	if c.RateLimits.SweepInterval <= 0 {
		return fmt.Errorf("rate_limits.sweep_interval must be positive, got %s", c.RateLimits.SweepInterval)
	}
	if c.Anthropic.Timeout <= 0 {
		return fmt.Errorf("anthropic.timeout must be positive, got %s", c.Anthropic.Timeout)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	return nil
}
