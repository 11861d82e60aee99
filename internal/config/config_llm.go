package config

import (
	"fmt"
	"sort"
)

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`

	// Temperature is passed to the model verbatim; analysis runs at 0.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps each completion (0 = provider default).
	MaxTokens int `yaml:"max_tokens"`
}

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = ProviderOpenAI
	}
}

func validateLLM(cfg LLMConfig) []string {
	var problems []string
	switch cfg.DefaultProvider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		problems = append(problems, fmt.Sprintf("llm.default_provider %q is not supported (openai, anthropic)", cfg.DefaultProvider))
	}

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch name {
		case ProviderOpenAI, ProviderAnthropic:
		default:
			problems = append(problems, fmt.Sprintf("llm.providers.%s is not a supported provider", name))
			continue
		}
		p := cfg.Providers[name]
		if p.Temperature < 0 || p.Temperature > 2 {
			problems = append(problems, fmt.Sprintf("llm.providers.%s.temperature must be between 0 and 2", name))
		}
		if p.MaxTokens < 0 {
			problems = append(problems, fmt.Sprintf("llm.providers.%s.max_tokens must be >= 0", name))
		}
	}
	return problems
}
