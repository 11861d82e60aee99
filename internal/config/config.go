package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/spectra/internal/ratelimit"
)

// Config is the main configuration structure for Spectra.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	Agent         AgentConfig         `yaml:"agent"`
	Tools         ToolsConfig         `yaml:"tools"`
	Session       SessionConfig       `yaml:"session"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`

	// RateLimit throttles /analyze and /upload per client address.
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

// Addr returns the host:port pair the HTTP server listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

// AgentConfig bounds a single analysis turn.
type AgentConfig struct {
	// MaxIterations caps tool dispatch cycles per turn.
	MaxIterations int `yaml:"max_iterations"`

	// MaxWallTime bounds the duration of one turn (0 = no limit).
	MaxWallTime time.Duration `yaml:"max_wall_time"`

	// SystemPrompt overrides the built-in analyst directive when set.
	SystemPrompt string `yaml:"system_prompt"`
}

type SessionConfig struct {
	// MaxMessages trims each transcript to its most recent messages (0 = unbounded).
	MaxMessages int `yaml:"max_messages"`

	// IdleTTL evicts sessions that have not been used for this long (0 = never).
	IdleTTL time.Duration `yaml:"idle_ttl"`

	// SweepSchedule is the cron expression for the idle sweeper.
	SweepSchedule string `yaml:"sweep_schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
}

// Load reads, merges, and validates the configuration file at path.
// An empty path yields the defaults with environment fallbacks applied.
func Load(path string) (*Config, error) {
	var cfg *Config
	if strings.TrimSpace(path) == "" {
		cfg = &Config{}
	} else {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		cfg, err = decodeRawConfig(raw)
		if err != nil {
			return nil, err
		}
	}

	applyDefaults(cfg)
	applyEnvFallbacks(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration populated with defaults and environment fallbacks.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvFallbacks(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8000
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"http://localhost:3000"}
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 100 << 20
	}

	applyLLMDefaults(&cfg.LLM)

	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 8
	}

	applyToolDefaults(&cfg.Tools)

	if cfg.Session.SweepSchedule == "" {
		cfg.Session.SweepSchedule = "@every 5m"
	}

	applyStorageDefaults(&cfg.Storage)

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// applyEnvFallbacks fills credentials left empty in the file from the
// conventional provider environment variables.
func applyEnvFallbacks(cfg *Config) {
	for name, envVar := range map[string]string{
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	} {
		provider := cfg.LLM.Providers[name]
		if provider.APIKey == "" {
			provider.APIKey = os.Getenv(envVar)
		}
		if provider.APIKey != "" || hasProvider(cfg.LLM, name) {
			if cfg.LLM.Providers == nil {
				cfg.LLM.Providers = map[string]LLMProviderConfig{}
			}
			cfg.LLM.Providers[name] = provider
		}
	}

	search := &cfg.Tools.WebSearch
	if search.APIKey == "" {
		switch search.Provider {
		case SearchProviderTavily:
			search.APIKey = os.Getenv("TAVILY_API_KEY")
		case SearchProviderBrave:
			search.APIKey = os.Getenv("BRAVE_API_KEY")
		}
	}
}

func hasProvider(cfg LLMConfig, name string) bool {
	_, ok := cfg.Providers[name]
	return ok
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		problems = append(problems, fmt.Sprintf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if c.Server.RateLimit.RequestsPerMinute < 0 || c.Server.RateLimit.BurstSize < 0 {
		problems = append(problems, "server.rate_limit values must be >= 0")
	}
	if c.Agent.MaxIterations < 0 {
		problems = append(problems, "agent.max_iterations must be >= 0")
	}
	if c.Agent.MaxWallTime < 0 {
		problems = append(problems, "agent.max_wall_time must be >= 0")
	}
	if c.Session.MaxMessages < 0 || c.Session.MaxMessages == 1 {
		problems = append(problems, "session.max_messages must be 0 or at least 2")
	}
	if c.Session.IdleTTL < 0 {
		problems = append(problems, "session.idle_ttl must be >= 0")
	}

	problems = append(problems, validateLLM(c.LLM)...)
	problems = append(problems, validateTools(c.Tools)...)
	problems = append(problems, validateStorage(c.Storage)...)

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
