// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bcem/autoresponder/internal/pricing"
	"github.com/bcem/autoresponder/internal/ratelimit"
)

// ServiceConfig locates one upstream service.
type ServiceConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// OAuthConfig holds the client used to refresh mailbox credentials.
type OAuthConfig struct {
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	TokenURL      string        `yaml:"token_url"`
	Scopes        []string      `yaml:"scopes"`
	RefreshMargin time.Duration `yaml:"refresh_margin"`
}

// MailboxConfig is one polled support mailbox.
type MailboxConfig struct {
	Principal string `yaml:"principal"`
	Address   string `yaml:"address"`
	BatchSize int    `yaml:"batch_size"`
}

// PricingConfig prices token usage.
type PricingConfig struct {
	Model           string        `yaml:"model"`
	Models          pricing.Table `yaml:"models"`
	ExchangeRateURL string        `yaml:"exchange_rate_url"`
	FallbackRate    float64       `yaml:"fallback_rate"`
	RateTTL         time.Duration `yaml:"rate_ttl"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	BatchConcurrency       int    `yaml:"batch_concurrency"`
	GatePolicy             string `yaml:"generation_gate"`
	ClassificationAttempts int    `yaml:"classification_attempts"`
	GenerationAttempts     int    `yaml:"generation_attempts"`
}

// Config holds all configuration for the auto-responder.
type Config struct {
	Port     int
	LogLevel string

	// APIKeys maps accepted bearer keys to the principal they authenticate.
	APIKeys map[string]string

	DatabaseURL string
	RedisURL    string
	DraftsQueue string

	Classifier ServiceConfig
	Tracking   ServiceConfig
	Generator  ServiceConfig
	GmailURL   string

	RateLimits map[string]ratelimit.Rule

	OAuth        OAuthConfig
	Mailboxes    []MailboxConfig
	PollInterval time.Duration

	Pricing  PricingConfig
	Pipeline PipelineConfig
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Server struct {
		Port     int    `yaml:"port"`
		LogLevel string `yaml:"log_level"`
		APIKeys  []struct {
			Key       string `yaml:"key"`
			Principal string `yaml:"principal"`
		} `yaml:"api_keys"`
	} `yaml:"server"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Drafts string `yaml:"drafts"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Services struct {
		Classifier ServiceConfig `yaml:"classifier"`
		Tracking   ServiceConfig `yaml:"tracking"`
		Generator  ServiceConfig `yaml:"generator"`
		Gmail      struct {
			URL string `yaml:"url"`
		} `yaml:"gmail"`
	} `yaml:"services"`
	RateLimits map[string]struct {
		Limit  int           `yaml:"limit"`
		Window time.Duration `yaml:"window"`
	} `yaml:"rate_limits"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Mailboxes []MailboxConfig `yaml:"mailboxes"`
	Polling   struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"polling"`
	Pricing  PricingConfig  `yaml:"pricing"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse expands ${VAR} references in data, decodes it and applies
// environment fallbacks and defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Port:         firstPositive(raw.Server.Port, envOrDefaultInt("PORT", 8080)),
		LogLevel:     firstNonEmpty(raw.Server.LogLevel, envOrDefault("LOG_LEVEL", "info")),
		APIKeys:      make(map[string]string, len(raw.Server.APIKeys)),
		DatabaseURL:  firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:     firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		DraftsQueue:  firstNonEmpty(raw.Redis.Queues.Drafts, envOrDefault("DRAFTS_QUEUE", "drafts")),
		Classifier:   withServiceDefaults(raw.Services.Classifier, "CLASSIFIER_URL"),
		Tracking:     withServiceDefaults(raw.Services.Tracking, "TRACKING_URL"),
		Generator:    withServiceDefaults(raw.Services.Generator, "GENERATOR_URL"),
		GmailURL:     firstNonEmpty(raw.Services.Gmail.URL, envOrDefault("GMAIL_URL", "https://gmail.googleapis.com/gmail/v1")),
		RateLimits:   ratelimit.DefaultRules(),
		OAuth:        raw.OAuth,
		Mailboxes:    raw.Mailboxes,
		PollInterval: firstPositiveDuration(raw.Polling.Interval, envOrDefaultDuration("POLL_INTERVAL", 60*time.Second)),
		Pricing:      raw.Pricing,
		Pipeline:     raw.Pipeline,
	}

	for _, k := range raw.Server.APIKeys {
		if strings.TrimSpace(k.Key) == "" {
			// Skip keys whose env var is unset
			continue
		}
		cfg.APIKeys[k.Key] = firstNonEmpty(k.Principal, "default")
	}

	for route, rl := range raw.RateLimits {
		cfg.RateLimits[route] = ratelimit.Rule{Route: route, Limit: rl.Limit, Window: rl.Window}
	}

	if cfg.OAuth.TokenURL == "" {
		cfg.OAuth.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if cfg.OAuth.RefreshMargin <= 0 {
		cfg.OAuth.RefreshMargin = 60 * time.Second
	}
	for i := range cfg.Mailboxes {
		if cfg.Mailboxes[i].Principal == "" {
			cfg.Mailboxes[i].Principal = cfg.Mailboxes[i].Address
		}
	}

	if cfg.Pricing.Model == "" {
		cfg.Pricing.Model = pricing.DefaultModel
	}
	if cfg.Pricing.FallbackRate <= 0 {
		cfg.Pricing.FallbackRate = 5.50
	}
	if cfg.Pricing.RateTTL <= 0 {
		cfg.Pricing.RateTTL = time.Hour
	}
	if cfg.Pipeline.BatchConcurrency <= 0 {
		cfg.Pipeline.BatchConcurrency = envOrDefaultInt("BATCH_CONCURRENCY", 5)
	}

	return cfg, nil
}

// Validate reports every missing or out-of-range setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	for name, svc := range map[string]ServiceConfig{
		"classifier": c.Classifier,
		"tracking":   c.Tracking,
		"generator":  c.Generator,
	} {
		if svc.URL == "" {
			errs = append(errs, fmt.Errorf("services.%s.url is required", name))
		}
	}
	for route, r := range c.RateLimits {
		if r.Limit <= 0 || r.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s: limit and window must be positive", route))
		}
	}
	for i, mb := range c.Mailboxes {
		if mb.Address == "" {
			errs = append(errs, fmt.Errorf("mailboxes[%d].address is required", i))
		}
	}
	return errors.Join(errs...)
}

func withServiceDefaults(s ServiceConfig, urlEnv string) ServiceConfig {
	s.URL = strings.TrimRight(firstNonEmpty(s.URL, os.Getenv(urlEnv)), "/")
	if s.Timeout <= 0 {
		s.Timeout = 15 * time.Second
	}
	return s
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveDuration(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
