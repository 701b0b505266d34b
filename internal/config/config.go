package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models tasktrack.yml.
type Config struct {
	Database struct {
		Path string `yaml:"path" json:"path"`
	} `yaml:"database" json:"database"`
	Server struct {
		Addr     string `yaml:"addr" json:"addr"`
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"server" json:"server"`
	Paging struct {
		DefaultLimit int `yaml:"default_limit" json:"default_limit"`
		MaxLimit     int `yaml:"max_limit" json:"max_limit"`
	} `yaml:"paging" json:"paging"`
	Cache    CacheConfig     `yaml:"cache" json:"cache"`
	Log      LogConfig       `yaml:"log" json:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type CacheConfig struct {
	RedisAddr string        `yaml:"redis_addr" json:"redis_addr"`
	Prefix    string        `yaml:"prefix" json:"prefix"`
	TTL       time.Duration `yaml:"ttl" json:"ttl"`
}

// Enabled reports whether a Redis address is configured.
func (c CacheConfig) Enabled() bool { return strings.TrimSpace(c.RedisAddr) != "" }

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// WebhookConfig forwards task events to an HTTP endpoint. An empty Events
// list subscribes to every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	return strings.TrimSpace(w.URL) != "" && (w.Enabled == nil || *w.Enabled)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Server.BasePath = "/v1"
	cfg.Paging.DefaultLimit = 10
	cfg.Paging.MaxLimit = 200
	cfg.Cache.Prefix = "tasktrack:"
	cfg.Cache.TTL = 5 * time.Minute
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// Validate ensures the config values are usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with '/'")
	}
	if c.Paging.DefaultLimit < 1 {
		return fmt.Errorf("config.paging.default_limit must be >= 1")
	}
	if c.Paging.MaxLimit < c.Paging.DefaultLimit {
		return fmt.Errorf("config.paging.max_limit must be >= default_limit")
	}
	if c.Cache.Enabled() && c.Cache.TTL <= 0 {
		return fmt.Errorf("config.cache.ttl must be positive when redis_addr is set")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tasktrack.yml")
}

// Load reads the workspace config, falling back to defaults when the file is absent.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses raw YAML over the defaults and validates the result.
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
