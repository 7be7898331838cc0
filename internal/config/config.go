// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port            string          `yaml:"port"`
	FrontendURL     string          `yaml:"frontend_url"`
	DBPath          string          `yaml:"db_path"`
	CORSOrigins     []string        `yaml:"cors_origins"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	Registry        RegistryConfig  `yaml:"registry"`
	Agent           AgentConfig     `yaml:"agent"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RegistryConfig controls the live agent cache.
type RegistryConfig struct {
	MaxEntries     int           `yaml:"max_entries"`
	IdleTTL        time.Duration `yaml:"idle_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	HistoryWindow  int           `yaml:"history_window"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
}

// AgentConfig selects and tunes the inference backend.
type AgentConfig struct {
	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"`
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	SystemPrompt   string        `yaml:"system_prompt"`
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    float64       `yaml:"temperature"`
	MaxRetries     int           `yaml:"max_retries"`
	GrpcAddr       string        `yaml:"grpc_addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RateLimitConfig bounds chat requests per user.
type RateLimitConfig struct {
	RequestsPerWindow int           `yaml:"requests_per_window"`
	WindowDuration    time.Duration `yaml:"window_duration"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:            "8080",
		DBPath:          "./data/arcan.db",
		CORSOrigins:     []string{"*"},
		ShutdownTimeout: 10 * time.Second,
		Registry: RegistryConfig{
			MaxEntries:     1024,
			IdleTTL:        30 * time.Minute,
			SweepInterval:  time.Minute,
			PersistTimeout: 10 * time.Second,
		},
		Agent: AgentConfig{
			Provider:       "echo",
			MaxTokens:      1024,
			MaxRetries:     2,
			GrpcAddr:       "localhost:50051",
			RequestTimeout: 60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 20,
			WindowDuration:    time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by ARCAN_CONFIG if set,
// and environment variables, in increasing precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("ARCAN_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.CORSOrigins = getEnvList("CORS_ALLOWED_ORIGINS", c.CORSOrigins)
	c.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.Registry.MaxEntries = getEnvInt("REGISTRY_MAX_ENTRIES", c.Registry.MaxEntries)
	c.Registry.IdleTTL = getEnvDuration("REGISTRY_IDLE_TTL", c.Registry.IdleTTL)
	c.Registry.SweepInterval = getEnvDuration("REGISTRY_SWEEP_INTERVAL", c.Registry.SweepInterval)
	c.Registry.HistoryWindow = getEnvInt("HISTORY_WINDOW", c.Registry.HistoryWindow)
	c.Registry.PersistTimeout = getEnvDuration("REGISTRY_PERSIST_TIMEOUT", c.Registry.PersistTimeout)

	c.Agent.Provider = strings.ToLower(getEnv("AGENT_PROVIDER", c.Agent.Provider))
	c.Agent.Model = getEnv("AGENT_MODEL", c.Agent.Model)
	c.Agent.BaseURL = getEnv("AGENT_BASE_URL", c.Agent.BaseURL)
	c.Agent.SystemPrompt = getEnv("AGENT_SYSTEM_PROMPT", c.Agent.SystemPrompt)
	c.Agent.MaxTokens = getEnvInt("AGENT_MAX_TOKENS", c.Agent.MaxTokens)
	c.Agent.Temperature = getEnvFloat("AGENT_TEMPERATURE", c.Agent.Temperature)
	c.Agent.MaxRetries = getEnvInt("AGENT_MAX_RETRIES", c.Agent.MaxRetries)
	c.Agent.GrpcAddr = getEnv("AGENT_GRPC_ADDR", getEnv("PYTHON_AGENT_ADDR", c.Agent.GrpcAddr))
	c.Agent.RequestTimeout = getEnvDuration("AGENT_REQUEST_TIMEOUT", c.Agent.RequestTimeout)
	c.Agent.APIKey = getEnv("AGENT_API_KEY", c.Agent.APIKey)
	if c.Agent.APIKey == "" {
		c.Agent.APIKey = providerAPIKey(c.Agent.Provider)
	}

	c.RateLimit.RequestsPerWindow = getEnvInt("RATE_LIMIT_REQUESTS", c.RateLimit.RequestsPerWindow)
	c.RateLimit.WindowDuration = getEnvDuration("RATE_LIMIT_WINDOW", c.RateLimit.WindowDuration)
}

// providerAPIKey falls back to the key variable each vendor SDK documents.
func providerAPIKey(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "gemini":
		if v := os.Getenv("GEMINI_API_KEY"); v != "" {
			return v
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.Registry.MaxEntries <= 0 {
		return errors.New("REGISTRY_MAX_ENTRIES must be > 0")
	}
	if c.Registry.IdleTTL < 0 {
		return errors.New("REGISTRY_IDLE_TTL cannot be negative")
	}
	if c.Registry.HistoryWindow < 0 {
		return errors.New("HISTORY_WINDOW cannot be negative")
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		return errors.New("AGENT_TEMPERATURE must be between 0 and 2")
	}
	switch c.Agent.Provider {
	case "anthropic", "openai", "gemini":
		if c.Agent.APIKey == "" {
			return fmt.Errorf("AGENT_API_KEY is required for provider %q", c.Agent.Provider)
		}
	case "grpc":
		if c.Agent.GrpcAddr == "" {
			return errors.New("AGENT_GRPC_ADDR is required for provider \"grpc\"")
		}
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return errors.New("RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
