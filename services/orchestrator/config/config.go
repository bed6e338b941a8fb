// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the chat service configuration.
//
// Values are layered with viper: built-in defaults, then an optional YAML
// file, then environment variables. Environment names are the deployment's
// historical flat names (PORT, LLM_PROVIDER, OPENAI_API_KEY, ...), bound
// explicitly to the nested keys of the YAML layout.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/aleutian-chat/pkg/extensions"
	"github.com/AleutianAI/aleutian-chat/pkg/logging"
)

// Store drivers.
const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

// Config is the complete service configuration.
type Config struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	GinMode         string        `mapstructure:"gin_mode" yaml:"gin_mode"`
	CORSAllowOrigin string        `mapstructure:"cors_allow_origin" yaml:"cors_allow_origin"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout" yaml:"provider_timeout"`
	KeepAlive       time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval"`
	HistoryLimit    int           `mapstructure:"history_limit" yaml:"history_limit"`

	// TokenBudget is carried for deployments that set it. Nothing enforces
	// it.
	TokenBudget int `mapstructure:"token_budget" yaml:"token_budget"`

	// AuthTokens is a comma-separated "token:userID" list. Empty runs the
	// service in single-user mode.
	AuthTokens string `mapstructure:"auth_tokens" yaml:"auth_tokens"`

	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Search    SearchConfig    `mapstructure:"search" yaml:"search"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

type LLMConfig struct {
	Provider string       `mapstructure:"provider" yaml:"provider"`
	OpenAI   OpenAIConfig `mapstructure:"openai" yaml:"openai"`
	Gemini   GeminiConfig `mapstructure:"gemini" yaml:"gemini"`
	Ollama   OllamaConfig `mapstructure:"ollama" yaml:"ollama"`
}

type OpenAIConfig struct {
	APIKey         string `mapstructure:"api_key" yaml:"api_key"`
	Model          string `mapstructure:"model" yaml:"model"`
	EmbeddingModel string `mapstructure:"embedding_model" yaml:"embedding_model"`
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
}

type GeminiConfig struct {
	APIKey         string `mapstructure:"api_key" yaml:"api_key"`
	Model          string `mapstructure:"model" yaml:"model"`
	EmbeddingModel string `mapstructure:"embedding_model" yaml:"embedding_model"`
}

type OllamaConfig struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	Model          string `mapstructure:"model" yaml:"model"`
	EmbeddingModel string `mapstructure:"embedding_model" yaml:"embedding_model"`
}

type SearchConfig struct {
	SerpAPIKey string        `mapstructure:"serpapi_api_key" yaml:"serpapi_api_key"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxResults int           `mapstructure:"max_results" yaml:"max_results"`
}

type StoreConfig struct {
	Driver         string `mapstructure:"driver" yaml:"driver"`
	BadgerPath     string `mapstructure:"badger_path" yaml:"badger_path"`
	BadgerInMemory bool   `mapstructure:"badger_in_memory" yaml:"badger_in_memory"`
	DatabaseURL    string `mapstructure:"database_url" yaml:"database_url"`
	AutoMigrate    bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	Dir   string `mapstructure:"dir" yaml:"dir"`
}

type TracingConfig struct {
	ServiceName  string `mapstructure:"service_name" yaml:"service_name"`
	Exporter     string `mapstructure:"exporter" yaml:"exporter"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
}

type RateLimitConfig struct {
	Requests int           `mapstructure:"requests" yaml:"requests"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`
}

var defaults = map[string]any{
	"port":               5000,
	"gin_mode":           "release",
	"cors_allow_origin":  "*",
	"provider_timeout":   "2m",
	"keepalive_interval": "15s",
	"history_limit":      10,
	"token_budget":       4000,

	"llm.provider":               "openai",
	"llm.openai.model":           "gpt-3.5-turbo",
	"llm.openai.embedding_model": "text-embedding-ada-002",
	"llm.gemini.model":           "gemini-2.0-flash-001",
	"llm.gemini.embedding_model": "embedding-001",
	"llm.ollama.base_url":        "http://localhost:11434",
	"llm.ollama.model":           "llama3",
	"llm.ollama.embedding_model": "nomic-embed-text",

	"search.timeout":     "10s",
	"search.max_results": 5,

	"store.driver":       DriverBadger,
	"store.badger_path":  "./data/chat",
	"store.auto_migrate": true,

	"log.level": "info",

	"tracing.service_name": "aleutian-chat",

	"rate_limit.requests": 100,
	"rate_limit.window":   "15m",
}

// envBindings maps config keys to their environment variables.
var envBindings = map[string]string{
	"port":               "PORT",
	"gin_mode":           "GIN_MODE",
	"cors_allow_origin":  "CORS_ALLOW_ORIGIN",
	"provider_timeout":   "PROVIDER_TIMEOUT",
	"keepalive_interval": "KEEPALIVE_INTERVAL",
	"token_budget":       "TOKEN_BUDGET",
	"auth_tokens":        "AUTH_TOKENS",

	"llm.provider":        "LLM_PROVIDER",
	"llm.openai.api_key":  "OPENAI_API_KEY",
	"llm.openai.model":    "OPENAI_MODEL",
	"llm.openai.base_url": "OPENAI_BASE_URL",
	"llm.gemini.api_key":  "GEMINI_API_KEY",
	"llm.gemini.model":    "GEMINI_MODEL",
	"llm.ollama.base_url": "OLLAMA_BASE_URL",
	"llm.ollama.model":    "OLLAMA_MODEL",

	"search.serpapi_api_key": "SERPAPI_API_KEY",

	"store.driver":           "STORE_DRIVER",
	"store.badger_path":      "BADGER_PATH",
	"store.badger_in_memory": "BADGER_IN_MEMORY",
	"store.database_url":     "DATABASE_URL",

	"log.level": "LOG_LEVEL",
	"log.json":  "LOG_JSON",
	"log.dir":   "LOG_DIR",

	"tracing.exporter":      "OTEL_TRACES_EXPORTER",
	"tracing.otlp_endpoint": "OTEL_EXPORTER_OTLP_ENDPOINT",

	"rate_limit.requests": "RATE_LIMIT_REQUESTS",
	"rate_limit.window":   "RATE_LIMIT_WINDOW",
}

// Load builds the configuration.
//
// # Description
//
// Starts from defaults, merges the YAML file at path when path is not
// empty, then applies environment variables. The result is validated.
//
// # Inputs
//
//   - path: Optional YAML file. A missing file is an error when named.
//
// # Outputs
//
//   - *Config: The effective configuration.
//   - error: Read, decode or validation failure.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the service cannot start with. Missing provider
// credentials are not rejected; chat requests fail individually instead.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("provider_timeout must be positive"))
	}
	if c.KeepAlive <= 0 {
		errs = append(errs, errors.New("keepalive_interval must be positive"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("history_limit must be positive"))
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit requests and window must be positive"))
	}
	switch c.GinMode {
	case "", "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("unknown gin_mode %q", c.GinMode))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(c.Store.Driver) {
	case DriverBadger:
		if !c.Store.BadgerInMemory && c.Store.BadgerPath == "" {
			errs = append(errs, errors.New("store.badger_path is required unless badger_in_memory is set"))
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.database_url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	switch c.Tracing.Exporter {
	case "", "otlp", "stdout", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown tracing exporter %q", c.Tracing.Exporter))
	}

	if c.AuthTokens != "" {
		if _, err := extensions.ParseTokenList(c.AuthTokens); err != nil {
			errs = append(errs, fmt.Errorf("auth_tokens: %w", err))
		}
	}
	return errors.Join(errs...)
}

const redacted = "[REDACTED]"

// YAML renders the configuration with secrets replaced by [REDACTED].
func (c *Config) YAML() ([]byte, error) {
	out := *c
	out.AuthTokens = redact(out.AuthTokens)
	out.LLM.OpenAI.APIKey = redact(out.LLM.OpenAI.APIKey)
	out.LLM.Gemini.APIKey = redact(out.LLM.Gemini.APIKey)
	out.Search.SerpAPIKey = redact(out.Search.SerpAPIKey)
	out.Store.DatabaseURL = redactDSN(out.Store.DatabaseURL)

	data, err := yaml.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

// redactDSN hides the password of a postgres URL and keeps the rest
// readable. Key/value DSNs are redacted whole.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return redact(dsn)
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, hasPassword := strings.Cut(userinfo, ":")
	if !hasPassword {
		return dsn
	}
	return scheme + "://" + user + ":" + redacted + "@" + host
}
