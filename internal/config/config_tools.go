package config

import (
	"fmt"
	"time"
)

type ToolsConfig struct {
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	WebSearch WebSearchConfig `yaml:"websearch"`
}

// SandboxConfig configures the Docker-backed code execution environment.
type SandboxConfig struct {
	DockerBinary string         `yaml:"docker_binary"`
	Image        string         `yaml:"image"`
	Timeout      time.Duration  `yaml:"timeout"`
	Network      string         `yaml:"network"`
	Limits       ResourceLimits `yaml:"limits"`
}

type ResourceLimits struct {
	MaxCPU    string `yaml:"max_cpu"`
	MaxMemory string `yaml:"max_memory"`
}

const (
	SearchProviderTavily = "tavily"
	SearchProviderBrave  = "brave"
)

type WebSearchConfig struct {
	Provider   string        `yaml:"provider"`
	APIKey     string        `yaml:"api_key"`
	URL        string        `yaml:"url"`
	MaxResults int           `yaml:"max_results"`
	Timeout    time.Duration `yaml:"timeout"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

func applyToolDefaults(cfg *ToolsConfig) {
	if cfg.Sandbox.DockerBinary == "" {
		cfg.Sandbox.DockerBinary = "docker"
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "spectra-sandbox:latest"
	}
	if cfg.Sandbox.Timeout == 0 {
		cfg.Sandbox.Timeout = 2 * time.Minute
	}
	if cfg.Sandbox.Network == "" {
		cfg.Sandbox.Network = "none"
	}
	if cfg.Sandbox.Limits.MaxMemory == "" {
		cfg.Sandbox.Limits.MaxMemory = "1g"
	}
	if cfg.Sandbox.Limits.MaxCPU == "" {
		cfg.Sandbox.Limits.MaxCPU = "1"
	}

	if cfg.WebSearch.Provider == "" {
		cfg.WebSearch.Provider = SearchProviderTavily
	}
	if cfg.WebSearch.MaxResults == 0 {
		cfg.WebSearch.MaxResults = 3
	}
	if cfg.WebSearch.Timeout == 0 {
		cfg.WebSearch.Timeout = 30 * time.Second
	}
	if cfg.WebSearch.CacheTTL == 0 {
		cfg.WebSearch.CacheTTL = 15 * time.Minute
	}
}

func validateTools(cfg ToolsConfig) []string {
	var problems []string
	if cfg.Sandbox.Timeout < 0 {
		problems = append(problems, "tools.sandbox.timeout must be >= 0")
	}
	switch cfg.WebSearch.Provider {
	case SearchProviderTavily, SearchProviderBrave:
	default:
		problems = append(problems, fmt.Sprintf("tools.websearch.provider %q is not supported (tavily, brave)", cfg.WebSearch.Provider))
	}
	if cfg.WebSearch.MaxResults < 0 || cfg.WebSearch.MaxResults > 20 {
		problems = append(problems, "tools.websearch.max_results must be between 0 and 20")
	}
	return problems
}
