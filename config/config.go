// Package config loads the service configuration from a YAML file, then
// applies environment overrides and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/snaplinked/browser"
	"github.com/hazyhaar/snaplinked/executor"
	"github.com/hazyhaar/snaplinked/horosafe"
	"github.com/hazyhaar/snaplinked/quota"
	"github.com/hazyhaar/snaplinked/scheduler"
	"github.com/hazyhaar/snaplinked/shield"
)

// Config is the top-level configuration.
type Config struct {
	DB        DBConfig           `yaml:"db"`
	HTTP      HTTPConfig         `yaml:"http"`
	Auth      AuthConfig         `yaml:"auth"`
	Vault     VaultConfig        `yaml:"vault"`
	Browser   browser.Config     `yaml:"browser"`
	Timing    executor.Timing    `yaml:"timing"`
	Selectors executor.Selectors `yaml:"selectors"`
	Quota     quota.Limits       `yaml:"quota"`
	Scheduler scheduler.Config   `yaml:"scheduler"`
	TextGen   TextGenConfig      `yaml:"textgen"`
	Events    EventsConfig       `yaml:"events"`
	Retention RetentionConfig    `yaml:"retention"`
	Logging   LoggingConfig      `yaml:"logging"`
	MCP       MCPConfig          `yaml:"mcp"`
}

type DBConfig struct {
	Path string `yaml:"path"`
}

type HTTPConfig struct {
	Addr        string           `yaml:"addr"`
	CORSOrigins []string         `yaml:"cors_origins"`
	RateLimit   shield.RateLimit `yaml:"rate_limit"`
	// ShutdownTimeout bounds the graceful drain of the HTTP server and the
	// browser manager.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type VaultConfig struct {
	// Key is the master key sealing credentials and browser storage.
	Key string `yaml:"key"`
}

// TextGenConfig selects the comment generators. Providers are tried in
// order; the template pool is always the last resort.
type TextGenConfig struct {
	Providers []string `yaml:"providers"` // "gemini", "openai"
	Gemini    struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"gemini"`
	OpenAI struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
	} `yaml:"openai"`
	Templates []string `yaml:"templates"`
}

type WebhookConfig struct {
	URL          string        `yaml:"url"`
	Retries      int           `yaml:"retries"`
	Backoff      time.Duration `yaml:"backoff"`
	AllowPrivate bool          `yaml:"allow_private"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// EventsConfig enables the event sinks. Each sink is off unless configured.
type EventsConfig struct {
	Stdout   bool            `yaml:"stdout"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Redis    RedisConfig     `yaml:"redis"`
	AMQP     AMQPConfig      `yaml:"amqp"`
}

type RetentionConfig struct {
	ActionLogs   time.Duration `yaml:"action_logs"`
	FinishedJobs time.Duration `yaml:"finished_jobs"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads path (when non-empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.DB.Path = env("SNAPLINKED_DB", c.DB.Path)
	c.HTTP.Addr = env("HTTP_ADDR", c.HTTP.Addr)
	if port := os.Getenv("PORT"); port != "" && c.HTTP.Addr == "" {
		c.HTTP.Addr = ":" + port
	}
	c.Auth.JWTSecret = env("JWT_SECRET", c.Auth.JWTSecret)
	c.Vault.Key = env("VAULT_KEY", c.Vault.Key)
	c.Browser.Launch.RemoteURL = env("CHROME_REMOTE_URL", c.Browser.Launch.RemoteURL)
	c.TextGen.Gemini.APIKey = env("GEMINI_API_KEY", c.TextGen.Gemini.APIKey)
	c.TextGen.OpenAI.APIKey = env("OPENAI_API_KEY", c.TextGen.OpenAI.APIKey)
	c.TextGen.OpenAI.BaseURL = env("OPENAI_BASE_URL", c.TextGen.OpenAI.BaseURL)
	c.Events.Redis.Addr = env("REDIS_ADDR", c.Events.Redis.Addr)
	c.Events.Redis.Password = env("REDIS_PASSWORD", c.Events.Redis.Password)
	c.Events.AMQP.URL = env("AMQP_URL", c.Events.AMQP.URL)
	c.Logging.Level = env("LOG_LEVEL", c.Logging.Level)
	if v := os.Getenv("WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.Workers = n
		}
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		c.Events.Webhooks = append(c.Events.Webhooks, WebhookConfig{URL: v})
	}
}

func (c *Config) applyDefaults() {
	if c.DB.Path == "" {
		c.DB.Path = "data/snaplinked.db"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.RateLimit.PerSecond == 0 {
		c.HTTP.RateLimit.PerSecond = 5
		c.HTTP.RateLimit.Burst = 20
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 30 * time.Second
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if len(c.TextGen.Providers) == 0 {
		if c.TextGen.Gemini.APIKey != "" {
			c.TextGen.Providers = append(c.TextGen.Providers, "gemini")
		}
		if c.TextGen.OpenAI.APIKey != "" {
			c.TextGen.Providers = append(c.TextGen.Providers, "openai")
		}
	}
	if c.Retention.ActionLogs <= 0 {
		c.Retention.ActionLogs = 30 * 24 * time.Hour
	}
	if c.Retention.FinishedJobs <= 0 {
		c.Retention.FinishedJobs = 24 * time.Hour
	}
	c.Scheduler.LogRetention = c.Retention.ActionLogs
	c.Scheduler.JobRetention = c.Retention.FinishedJobs
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.MCP.Path == "" {
		c.MCP.Path = "/mcp"
	}
	c.Timing = c.Timing.Merge(executor.DefaultTiming())
	c.Selectors = c.Selectors.Merge(executor.DefaultSelectors())
}

// Validate checks secrets and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if err := horosafe.ValidateSecret([]byte(c.Auth.JWTSecret)); err != nil {
		errs = append(errs, fmt.Errorf("auth.jwt_secret: %w", err))
	}
	if err := horosafe.ValidateSecret([]byte(c.Vault.Key)); err != nil {
		errs = append(errs, fmt.Errorf("vault.key: %w", err))
	}
	if c.Auth.JWTSecret != "" && c.Auth.JWTSecret == c.Vault.Key {
		errs = append(errs, errors.New("auth.jwt_secret and vault.key must differ"))
	}
	for _, p := range c.TextGen.Providers {
		switch p {
		case "gemini":
			if c.TextGen.Gemini.APIKey == "" {
				errs = append(errs, errors.New("textgen: gemini selected without api_key"))
			}
		case "openai":
			if c.TextGen.OpenAI.APIKey == "" {
				errs = append(errs, errors.New("textgen: openai selected without api_key"))
			}
		default:
			errs = append(errs, fmt.Errorf("textgen: unknown provider %q", p))
		}
	}
	for i, wh := range c.Events.Webhooks {
		if wh.URL == "" {
			errs = append(errs, fmt.Errorf("events.webhooks[%d]: url is required", i))
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
