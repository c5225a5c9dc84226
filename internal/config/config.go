package config

import (
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Exit codes for the worker binary.
const (
	ExitOK           = 0
	ExitBadConfig    = 2
	ExitDepsDown     = 3
)

// ErrBadConfig marks configuration validation failures so main can map them
// to the right exit code.
var ErrBadConfig = errors.New("invalid configuration")

const (
	DefaultLLMBaseURL       = "https://api.openai.com/v1"
	DefaultLLMModel         = "gpt-4o-mini"
	DefaultLLMTimeout       = 120 * time.Second
	DefaultMeshDomainSuffix = ".railway.internal"
	DefaultHTTPAddr         = ":8080"
	DefaultStartupGrace     = 30 * time.Second
)

// Config captures every tunable of the pipeline worker.
type Config struct {
	LLMBaseURL        string        `mapstructure:"llm_base_url"`
	LLMAPIKey         string        `mapstructure:"llm_api_key"`
	LLMModel          string        `mapstructure:"llm_model"`
	LLMRequestTimeout time.Duration `mapstructure:"-"`

	WorkerConcurrency int    `mapstructure:"worker_concurrency"`
	BrokerURL         string `mapstructure:"broker_url"`
	DatabaseURL       string `mapstructure:"database_url"`

	MeshDomainSuffix string `mapstructure:"mesh_domain_suffix"`

	HTTPAddr     string        `mapstructure:"http_addr"`
	LogLevel     string        `mapstructure:"log_level"`
	LogFormat    string        `mapstructure:"log_format"`
	StartupGrace time.Duration `mapstructure:"-"`
}

// DefaultWorkerConcurrency is min(8, CPU): the pipeline is I/O-bound, more
// workers than that only multiply idle connections.
func DefaultWorkerConcurrency() int {
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Load reads configuration from the environment, with an optional YAML config
// file layered underneath (file values lose to environment values).
func Load(configFile string) (Config, error) {
	v := viper.New()

	v.SetDefault("llm_base_url", DefaultLLMBaseURL)
	v.SetDefault("llm_model", DefaultLLMModel)
	v.SetDefault("llm_request_timeout_ms", int(DefaultLLMTimeout/time.Millisecond))
	v.SetDefault("worker_concurrency", DefaultWorkerConcurrency())
	v.SetDefault("mesh_domain_suffix", DefaultMeshDomainSuffix)
	v.SetDefault("http_addr", DefaultHTTPAddr)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("startup_grace_ms", int(DefaultStartupGrace/time.Millisecond))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read config file: %v", ErrBadConfig, err)
		}
	}

	v.AutomaticEnv()
	for _, key := range []string{
		"llm_base_url", "llm_api_key", "llm_model", "llm_request_timeout_ms",
		"worker_concurrency", "broker_url", "database_url", "mesh_domain_suffix",
		"http_addr", "log_level", "log_format", "startup_grace_ms",
	} {
		// Bind LLM_BASE_URL-style names explicitly; AutomaticEnv alone does not
		// map keys read through Get* helpers below.
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return Config{}, fmt.Errorf("%w: bind %s: %v", ErrBadConfig, key, err)
		}
	}

	cfg := Config{
		LLMBaseURL:        strings.TrimRight(v.GetString("llm_base_url"), "/"),
		LLMAPIKey:         v.GetString("llm_api_key"),
		LLMModel:          v.GetString("llm_model"),
		LLMRequestTimeout: time.Duration(v.GetInt("llm_request_timeout_ms")) * time.Millisecond,
		WorkerConcurrency: v.GetInt("worker_concurrency"),
		BrokerURL:         v.GetString("broker_url"),
		DatabaseURL:       v.GetString("database_url"),
		MeshDomainSuffix:  v.GetString("mesh_domain_suffix"),
		HTTPAddr:          v.GetString("http_addr"),
		LogLevel:          v.GetString("log_level"),
		LogFormat:         v.GetString("log_format"),
		StartupGrace:      time.Duration(v.GetInt("startup_grace_ms")) * time.Millisecond,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the worker cannot start with.
func (c Config) Validate() error {
	var problems []string

	if c.LLMBaseURL == "" {
		problems = append(problems, "LLM_BASE_URL is required")
	} else if u, err := url.Parse(c.LLMBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("LLM_BASE_URL %q is not a valid URL", c.LLMBaseURL))
	}
	if c.LLMModel == "" {
		problems = append(problems, "LLM_MODEL is required")
	}
	if c.LLMRequestTimeout <= 0 {
		problems = append(problems, "LLM_REQUEST_TIMEOUT_MS must be positive")
	}
	if c.WorkerConcurrency < 1 {
		problems = append(problems, "WORKER_CONCURRENCY must be at least 1")
	}
	if c.BrokerURL == "" {
		problems = append(problems, "BROKER_URL is required")
	}
	if c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("LOG_LEVEL %q is not one of debug|info|warn|error", c.LogLevel))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrBadConfig, strings.Join(problems, "; "))
	}
	return nil
}
