package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the environment keys in a nested YAML layout. Values
// are kept as strings and parsed by the same helpers as the environment.
type fileConfig struct {
	Server struct {
		BindAddr         string `yaml:"bind_addr"`
		ShutdownTimeout  string `yaml:"shutdown_timeout"`
		MetricsNamespace string `yaml:"metrics_namespace"`
		AllowAnyOrigin   string `yaml:"allow_any_origin"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Context struct {
		Store           string `yaml:"store"`
		DataDir         string `yaml:"data_dir"`
		SQLitePath      string `yaml:"sqlite_path"`
		DatabaseURL     string `yaml:"database_url"`
		IdleTTL         string `yaml:"idle_ttl"`
		JanitorInterval string `yaml:"janitor_interval"`
	} `yaml:"context"`
	LLM struct {
		Mode          string `yaml:"mode"`
		OpenAIAPIKey  string `yaml:"openai_api_key"`
		OpenAIModel   string `yaml:"openai_model"`
		OpenAIBaseURL string `yaml:"openai_base_url"`
		HTTPURL       string `yaml:"http_url"`
		Timeout       string `yaml:"timeout"`
		CacheTTL      string `yaml:"cache_ttl"`
		RateLimit     string `yaml:"rate_limit"`
		Burst         string `yaml:"burst"`
	} `yaml:"llm"`
}

func loadFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	values := map[string]string{
		"APP_BIND_ADDR":            fc.Server.BindAddr,
		"APP_SHUTDOWN_TIMEOUT":     fc.Server.ShutdownTimeout,
		"APP_METRICS_NAMESPACE":    fc.Server.MetricsNamespace,
		"APP_ALLOW_ANY_ORIGIN":     fc.Server.AllowAnyOrigin,
		"LOG_LEVEL":                fc.Log.Level,
		"LOG_FORMAT":               fc.Log.Format,
		"CONTEXT_STORE":            fc.Context.Store,
		"CONTEXT_DATA_DIR":         fc.Context.DataDir,
		"CONTEXT_SQLITE_PATH":      fc.Context.SQLitePath,
		"DATABASE_URL":             fc.Context.DatabaseURL,
		"CONTEXT_IDLE_TTL":         fc.Context.IdleTTL,
		"CONTEXT_JANITOR_INTERVAL": fc.Context.JanitorInterval,
		"LLM_MODE":                 fc.LLM.Mode,
		"OPENAI_API_KEY":           fc.LLM.OpenAIAPIKey,
		"OPENAI_MODEL":             fc.LLM.OpenAIModel,
		"OPENAI_BASE_URL":          fc.LLM.OpenAIBaseURL,
		"LLM_HTTP_URL":             fc.LLM.HTTPURL,
		"LLM_TIMEOUT":              fc.LLM.Timeout,
		"LLM_CACHE_TTL":            fc.LLM.CacheTTL,
		"LLM_RATE_LIMIT":           fc.LLM.RateLimit,
		"LLM_BURST":                fc.LLM.Burst,
	}
	for k, v := range values {
		if v == "" {
			delete(values, k)
		}
	}
	return values, nil
}
