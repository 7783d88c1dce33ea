package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the healthcare assistant service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	LogLevel                 string

	AllowAnyOrigin bool

	InferenceMode   string
	InferenceURL    string
	InferenceAPIKey string
	TurnTimeout     time.Duration
	StreamReadSize  int

	HistoryBackend      string
	DatabaseURL         string
	RedisURL            string
	HistoryContextLimit int

	RateLimitPerSecond float64
	RateLimitBurst     int
}

// fileConfig mirrors Config for the optional YAML file. Durations are strings
// so they read the same as their env counterparts ("2m", "15s").
type fileConfig struct {
	Server struct {
		BindAddr                 string `yaml:"bind_addr"`
		ShutdownTimeout          string `yaml:"shutdown_timeout"`
		SessionInactivityTimeout string `yaml:"session_inactivity_timeout"`
		MetricsNamespace         string `yaml:"metrics_namespace"`
		LogLevel                 string `yaml:"log_level"`
		AllowAnyOrigin           *bool  `yaml:"allow_any_origin"`
	} `yaml:"server"`
	Inference struct {
		Mode        string `yaml:"mode"`
		URL         string `yaml:"url"`
		APIKey      string `yaml:"api_key"`
		TurnTimeout string `yaml:"turn_timeout"`
		ReadSize    int    `yaml:"read_size"`
	} `yaml:"inference"`
	History struct {
		Backend      string `yaml:"backend"`
		DatabaseURL  string `yaml:"database_url"`
		RedisURL     string `yaml:"redis_url"`
		ContextLimit int    `yaml:"context_limit"`
	} `yaml:"history"`
	RateLimit struct {
		PerSecond float64 `yaml:"per_second"`
		Burst     int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

func defaults() Config {
	return Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		MetricsNamespace:         "medicare",
		LogLevel:                 "info",
		InferenceMode:            "auto",
		TurnTimeout:              2 * time.Minute,
		StreamReadSize:           4 << 10,
		HistoryBackend:           "auto",
		HistoryContextLimit:      20,
		RateLimitPerSecond:       0.5,
		RateLimitBurst:           3,
	}
}

// Load reads the YAML file at path (when non-empty, falling back to
// MEDICARE_CONFIG), then environment variables, then validates. Environment
// values win over the file.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = stringsTrimSpace("MEDICARE_CONFIG")
	}
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.BindAddr, fc.Server.BindAddr)
	setString(&cfg.MetricsNamespace, fc.Server.MetricsNamespace)
	setString(&cfg.LogLevel, fc.Server.LogLevel)
	if fc.Server.AllowAnyOrigin != nil {
		cfg.AllowAnyOrigin = *fc.Server.AllowAnyOrigin
	}
	setString(&cfg.InferenceMode, fc.Inference.Mode)
	setString(&cfg.InferenceURL, fc.Inference.URL)
	setString(&cfg.InferenceAPIKey, fc.Inference.APIKey)
	if fc.Inference.ReadSize != 0 {
		cfg.StreamReadSize = fc.Inference.ReadSize
	}
	setString(&cfg.HistoryBackend, fc.History.Backend)
	setString(&cfg.DatabaseURL, fc.History.DatabaseURL)
	setString(&cfg.RedisURL, fc.History.RedisURL)
	if fc.History.ContextLimit != 0 {
		cfg.HistoryContextLimit = fc.History.ContextLimit
	}
	if fc.RateLimit.PerSecond != 0 {
		cfg.RateLimitPerSecond = fc.RateLimit.PerSecond
	}
	if fc.RateLimit.Burst != 0 {
		cfg.RateLimitBurst = fc.RateLimit.Burst
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"server.shutdown_timeout", fc.Server.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"server.session_inactivity_timeout", fc.Server.SessionInactivityTimeout, &cfg.SessionInactivityTimeout},
		{"inference.turn_timeout", fc.Inference.TurnTimeout, &cfg.TurnTimeout},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("%s parse error: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("APP_LOG_LEVEL", cfg.LogLevel)
	cfg.InferenceMode = envOrDefault("INFERENCE_MODE", cfg.InferenceMode)
	cfg.InferenceURL = envOrDefault("INFERENCE_URL", cfg.InferenceURL)
	cfg.InferenceAPIKey = envOrDefault("INFERENCE_API_KEY", cfg.InferenceAPIKey)
	cfg.HistoryBackend = envOrDefault("HISTORY_BACKEND", cfg.HistoryBackend)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return err
	}
	if cfg.TurnTimeout, err = durationFromEnv("INFERENCE_TURN_TIMEOUT", cfg.TurnTimeout); err != nil {
		return err
	}
	if cfg.StreamReadSize, err = intFromEnv("INFERENCE_READ_SIZE", cfg.StreamReadSize); err != nil {
		return err
	}
	if cfg.HistoryContextLimit, err = intFromEnv("HISTORY_CONTEXT_LIMIT", cfg.HistoryContextLimit); err != nil {
		return err
	}
	if cfg.RateLimitPerSecond, err = floatFromEnv("RATE_LIMIT_PER_SECOND", cfg.RateLimitPerSecond); err != nil {
		return err
	}
	if cfg.RateLimitBurst, err = intFromEnv("RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return err
	}
	return nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.TurnTimeout <= 0 {
		return fmt.Errorf("INFERENCE_TURN_TIMEOUT must be positive")
	}
	if c.StreamReadSize <= 0 {
		return fmt.Errorf("INFERENCE_READ_SIZE must be positive")
	}
	if c.HistoryContextLimit <= 0 {
		return fmt.Errorf("HISTORY_CONTEXT_LIMIT must be positive")
	}
	if c.RateLimitPerSecond < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_SECOND must be >= 0")
	}
	if c.RateLimitPerSecond > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	switch strings.ToLower(c.InferenceMode) {
	case "auto", "http", "mock":
	default:
		return fmt.Errorf("INFERENCE_MODE must be one of auto, http, mock")
	}
	switch strings.ToLower(c.HistoryBackend) {
	case "auto", "memory", "postgres", "redis":
	default:
		return fmt.Errorf("HISTORY_BACKEND must be one of auto, memory, postgres, redis")
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
