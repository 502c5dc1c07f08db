package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models projectflow.yml, the runtime configuration of one workspace.
// Domain settings such as district id or folder ids live in the config table instead.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Lock struct {
		Wait time.Duration `yaml:"wait"`
	} `yaml:"lock"`
	Retry struct {
		MaxRetries      uint64        `yaml:"max_retries"`
		InitialInterval time.Duration `yaml:"initial_interval"`
		MaxInterval     time.Duration `yaml:"max_interval"`
	} `yaml:"retry"`
	Schedule struct {
		BatchInterval time.Duration `yaml:"batch_interval"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"schedule"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		Roles map[string][]string `yaml:"roles"`
	} `yaml:"auth"`
	Backup struct {
		Dir  string `yaml:"dir"`
		Keep int    `yaml:"keep"`
	} `yaml:"backup"`
	Templates struct {
		CacheSize int           `yaml:"cache_size"`
		CacheTTL  time.Duration `yaml:"cache_ttl"`
	} `yaml:"templates"`
	Providers struct {
		// Owner is the automation account that owns every created resource.
		Owner string `yaml:"owner"`
	} `yaml:"providers"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig posts audit events to an external URL.
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Events  []string      `yaml:"events"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
	Enabled *bool         `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.log.format %q must be json or text", c.Log.Format)
	}
	if c.Lock.Wait <= 0 {
		return fmt.Errorf("config.lock.wait must be positive")
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("config.retry intervals must be positive and max_interval >= initial_interval")
	}
	if c.Schedule.BatchInterval <= 0 || c.Schedule.SweepInterval <= 0 {
		return fmt.Errorf("config.schedule intervals must be positive")
	}
	if c.Backup.Keep < 0 {
		return fmt.Errorf("config.backup.keep must not be negative")
	}
	if c.Templates.CacheSize <= 0 {
		return fmt.Errorf("config.templates.cache_size must be positive")
	}
	if strings.TrimSpace(c.Providers.Owner) == "" {
		return fmt.Errorf("config.providers.owner is required")
	}
	for role, perms := range c.Auth.Roles {
		if role == "" {
			return fmt.Errorf("config.auth.roles contains empty role id")
		}
		for _, p := range perms {
			if p == "" {
				return fmt.Errorf("role %s has empty permission id", role)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "projectflow.yml")
}

// Load reads projectflow.yml from the workspace, falling back to defaults when absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string { return defaultTemplate }

// FromYAML parses YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `log:
  level: info
  format: text

lock:
  wait: 30s

retry:
  max_retries: 5
  initial_interval: 500ms
  max_interval: 30s

schedule:
  batch_interval: 5m
  sweep_interval: 24h

server:
  addr: 127.0.0.1:8080
  base_path: /v1

auth:
  roles:
    admin: [records.read, records.write, records.status.write, intake.submit, batch.run]
    coordinator: [records.read, records.write, records.status.write]
    viewer: [records.read]
    intake: [intake.submit]

backup:
  keep: 14

templates:
  cache_size: 64
  cache_ttl: 10m

providers:
  owner: automation@projectflow.local
`
