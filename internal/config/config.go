package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "bountyline.yml"

// Config models bountyline.yml.
type Config struct {
	Server struct {
		Addr        string   `yaml:"addr"`
		BasePath    string   `yaml:"base_path"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Facilitator struct {
		URL          string        `yaml:"url"`
		ProbeTimeout time.Duration `yaml:"probe_timeout"`
		Network      string        `yaml:"network"`
	} `yaml:"facilitator"`
	Events struct {
		Path string `yaml:"path"`
	} `yaml:"events"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks         []WebhookConfig `yaml:"webhooks"`
	WebhooksInterval time.Duration   `yaml:"webhooks_interval"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	if w.Enabled != nil && !*w.Enabled {
		return false
	}
	return strings.TrimSpace(w.URL) != ""
}

// Default returns the config used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = "127.0.0.1:3003"
	cfg.Server.BasePath = "/v1"
	cfg.Server.CORSOrigins = []string{"*"}
	cfg.Facilitator.URL = "http://localhost:4000"
	cfg.Facilitator.ProbeTimeout = 2 * time.Second
	cfg.Facilitator.Network = "testnet"
	cfg.Log.Level = "info"
	cfg.Log.Format = "console"
	cfg.WebhooksInterval = 2 * time.Second
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if u, err := url.Parse(c.Facilitator.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.facilitator.url must be an absolute url, got %q", c.Facilitator.URL)
	}
	if c.Facilitator.ProbeTimeout < 0 {
		return fmt.Errorf("config.facilitator.probe_timeout must not be negative")
	}
	switch c.Facilitator.Network {
	case "testnet", "mainnet":
	default:
		return fmt.Errorf("config.facilitator.network must be testnet or mainnet")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config.log.format must be console or json")
	}
	if c.WebhooksInterval < 0 {
		return fmt.Errorf("config.webhooks_interval must not be negative")
	}
	for i, hook := range c.Webhooks {
		if !hook.Active() {
			continue
		}
		if u, err := url.Parse(hook.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webhook %d has invalid url %q", i, hook.URL)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	if hasActiveWebhook(c.Webhooks) && c.Events.Path == "" {
		return fmt.Errorf("webhooks require config.events.path")
	}
	return nil
}

func hasActiveWebhook(hooks []WebhookConfig) bool {
	for _, h := range hooks {
		if h.Active() {
			return true
		}
	}
	return false
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
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

// LoadOptional reads path if it exists and falls back to Default otherwise.
func LoadOptional(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Sample returns an annotated config file.
func Sample() string {
	return sampleTemplate
}

const sampleTemplate = `server:
  addr: 127.0.0.1:3003
  base_path: /v1
  cors_origins: ["*"]

facilitator:
  url: http://localhost:4000
  probe_timeout: 2s
  network: testnet

# journal of lifecycle events; leave empty to disable
events:
  path: ""

auth:
  # when set, mutating routes need a bearer token (bl token)
  jwt_secret: ""

log:
  level: info
  format: console

webhooks_interval: 2s
webhooks: []
#  - url: https://example.com/hooks/bountyline
#    events: [task.completed]
#    secret: change-me
#    timeout_seconds: 5
`
