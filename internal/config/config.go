package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConfigPathEnv names the optional YAML file layered under the environment.
const ConfigPathEnv = "CYCLENLU_CONFIG"

// Config contains all runtime settings for the NLU service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	ContextStore           string
	ContextDataDir         string
	ContextSQLitePath      string
	DatabaseURL            string
	ContextIdleTTL         time.Duration
	ContextJanitorInterval time.Duration

	LLMMode       string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	LLMHTTPURL    string
	LLMTimeout    time.Duration
	LLMCacheTTL   time.Duration
	LLMRateLimit  float64
	LLMBurst      int

	// ConfigPath is the YAML file that was applied, if any.
	ConfigPath string
}

// Load reads the YAML file named by CYCLENLU_CONFIG, if set, then the
// environment, and applies safe defaults.
func Load() (Config, error) {
	return LoadWithFile(stringsTrimSpace(ConfigPathEnv))
}

// LoadWithFile is Load with an explicit YAML path. Environment variables
// override file values; an empty path skips the file.
func LoadWithFile(path string) (Config, error) {
	src := source{}
	if path != "" {
		fv, err := loadFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = fv
	}

	cfg := Config{
		BindAddr:          src.bindAddr(),
		MetricsNamespace:  src.envOrDefault("APP_METRICS_NAMESPACE", "cyclenlu"),
		LogLevel:          strings.ToLower(src.envOrDefault("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(src.envOrDefault("LOG_FORMAT", "json")),
		ContextStore:      strings.ToLower(src.envOrDefault("CONTEXT_STORE", "auto")),
		ContextDataDir:    src.envOrDefault("CONTEXT_DATA_DIR", "data/contexts"),
		ContextSQLitePath: src.envOrDefault("CONTEXT_SQLITE_PATH", "data/contexts.db"),
		DatabaseURL:       src.stringsTrimSpace("DATABASE_URL"),
		LLMMode:           strings.ToLower(src.envOrDefault("LLM_MODE", "auto")),
		OpenAIAPIKey:      src.stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIModel:       src.envOrDefault("OPENAI_MODEL", "gpt-3.5-turbo"),
		OpenAIBaseURL:     src.stringsTrimSpace("OPENAI_BASE_URL"),
		LLMHTTPURL:        src.stringsTrimSpace("LLM_HTTP_URL"),
		ConfigPath:        path,

		ShutdownTimeout:        15 * time.Second,
		ContextIdleTTL:         30 * time.Minute,
		ContextJanitorInterval: time.Minute,
		LLMTimeout:             20 * time.Second,
		LLMBurst:               1,
	}
	var err error
	cfg.ShutdownTimeout, err = src.durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = src.boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextIdleTTL, err = src.durationFromEnv("CONTEXT_IDLE_TTL", cfg.ContextIdleTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextJanitorInterval, err = src.durationFromEnv("CONTEXT_JANITOR_INTERVAL", cfg.ContextJanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMTimeout, err = src.durationFromEnv("LLM_TIMEOUT", cfg.LLMTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMCacheTTL, err = src.durationFromEnv("LLM_CACHE_TTL", cfg.LLMCacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMRateLimit, err = src.floatFromEnv("LLM_RATE_LIMIT", cfg.LLMRateLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMBurst, err = src.intFromEnv("LLM_BURST", cfg.LLMBurst)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be positive")
	}
	if c.ContextIdleTTL < 0 {
		return fmt.Errorf("CONTEXT_IDLE_TTL must be >= 0")
	}
	if c.ContextJanitorInterval <= 0 {
		return fmt.Errorf("CONTEXT_JANITOR_INTERVAL must be positive")
	}
	if c.LLMCacheTTL < 0 {
		return fmt.Errorf("LLM_CACHE_TTL must be >= 0")
	}
	if c.LLMRateLimit < 0 {
		return fmt.Errorf("LLM_RATE_LIMIT must be >= 0")
	}
	if c.LLMBurst < 1 {
		return fmt.Errorf("LLM_BURST must be at least 1")
	}
	switch c.ContextStore {
	case "auto", "memory", "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("CONTEXT_STORE %q is not one of auto, memory, file, sqlite, postgres", c.ContextStore)
	}
	switch c.LLMMode {
	case "auto", "openai", "http", "mock":
	default:
		return fmt.Errorf("LLM_MODE %q is not one of auto, openai, http, mock", c.LLMMode)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT %q is not one of json, text", c.LogFormat)
	}
	return nil
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[key]
}

// bindAddr honours PORT for platforms that only hand out a port number.
func (s source) bindAddr() string {
	if v := s.stringsTrimSpace("APP_BIND_ADDR"); v != "" {
		return v
	}
	if port := s.stringsTrimSpace("PORT"); port != "" {
		return ":" + port
	}
	return ":3000"
}

func (s source) envOrDefault(key, fallback string) string {
	v := s.stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func (s source) stringsTrimSpace(key string) string {
	return strings.TrimSpace(s.get(key))
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func (s source) durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := s.stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s source) intFromEnv(key string, fallback int) (int, error) {
	v := s.stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (s source) floatFromEnv(key string, fallback float64) (float64, error) {
	v := s.stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func (s source) boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.stringsTrimSpace(key))
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
