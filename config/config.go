// Package config handles loading and validating interceptor configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the complete interceptor configuration. Values come from an
// optional YAML file with INTERCEPTOR_-prefixed environment variables
// layered on top; every field has a working default so the proxy runs
// with no configuration at all.
type Config struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// Upstream base URLs, selected by provider detection
	OpenAIBaseURL    string `koanf:"openai_base_url"`
	AnthropicBaseURL string `koanf:"anthropic_base_url"`
	OllamaBaseURL    string `koanf:"ollama_base_url"`

	// Storage
	DBPath            string `koanf:"db_path"`
	StoreStreamChunks bool   `koanf:"store_stream_chunks"`

	// Output
	Verbose bool   `koanf:"verbose"`
	Quiet   bool   `koanf:"quiet"`
	LogDir  string `koanf:"log_dir"`

	// Redaction
	RedactAPIKeys bool `koanf:"redact_api_keys"`

	// Upstream HTTP client timeouts in seconds. The request timeout is
	// long on purpose: generations can run for minutes.
	RequestTimeoutSecs int `koanf:"request_timeout_secs"`
	ConnectTimeoutSecs int `koanf:"connect_timeout_secs"`

	// Optional per-model pricing override file
	PricingPath string `koanf:"pricing_path"`
}

// Default returns the baseline configuration used when no file or
// environment overrides are present.
func Default() *Config {
	return &Config{
		Host:               "127.0.0.1",
		Port:               8080,
		OpenAIBaseURL:      "https://api.openai.com",
		AnthropicBaseURL:   "https://api.anthropic.com",
		OllamaBaseURL:      "http://localhost:11434",
		DBPath:             "interceptor.db",
		StoreStreamChunks:  true,
		Verbose:            false,
		Quiet:              false,
		LogDir:             "logs",
		RedactAPIKeys:      true,
		RequestTimeoutSecs: 300,
		ConnectTimeoutSecs: 10,
	}
}

// Load reads configuration from an optional YAML file plus environment
// variables. A missing file is not an error; a malformed one is.
// Environment variables use the INTERCEPTOR_ prefix:
//
//	INTERCEPTOR_PORT=9090        -> port
//	INTERCEPTOR_DB_PATH=/tmp/i.db -> db_path
func Load(path string) (*Config, error) {
	// Load .env into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		}
	}

	// Environment variables override the file. INTERCEPTOR_DB_PATH maps
	// to db_path: strip the prefix and lowercase, keeping underscores
	// since every key here is a single level.
	if err := k.Load(env.Provider("INTERCEPTOR_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "INTERCEPTOR_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the proxy cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.Verbose && c.Quiet {
		return fmt.Errorf("verbose and quiet are mutually exclusive")
	}
	return nil
}

// Addr returns the host:port bind address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RequestTimeout returns the total upstream request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// ConnectTimeout returns the upstream dial timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSecs) * time.Second
}
