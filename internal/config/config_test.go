package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "spectra.yaml", `
server:
  host: 0.0.0.0
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("TAVILY_API_KEY", "")

	cfg, err := Load(writeConfig(t, "spectra.yaml", ``))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPPort != 8000 {
		t.Errorf("HTTPPort = %d, want 8000", cfg.Server.HTTPPort)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "http://localhost:3000" {
		t.Errorf("CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.LLM.DefaultProvider != ProviderOpenAI {
		t.Errorf("DefaultProvider = %q, want openai", cfg.LLM.DefaultProvider)
	}
	if cfg.Agent.MaxIterations != 8 {
		t.Errorf("MaxIterations = %d, want 8", cfg.Agent.MaxIterations)
	}
	if cfg.Tools.WebSearch.Provider != SearchProviderTavily || cfg.Tools.WebSearch.MaxResults != 3 {
		t.Errorf("WebSearch = %+v", cfg.Tools.WebSearch)
	}
	if cfg.Storage.UploadDir != "uploads" || cfg.Storage.Export.Backend != ExportBackendLocal {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.Server.ShutdownTimeout)
	}
}

func TestLoadEnvFallbacks(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("BRAVE_API_KEY", "brave-from-env")

	cfg, err := Load(writeConfig(t, "spectra.yaml", `
tools:
  websearch:
    provider: brave
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.LLM.Providers[ProviderOpenAI].APIKey; got != "sk-from-env" {
		t.Errorf("openai api key = %q, want sk-from-env", got)
	}
	if cfg.Tools.WebSearch.APIKey != "brave-from-env" {
		t.Errorf("websearch api key = %q", cfg.Tools.WebSearch.APIKey)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("SPECTRA_TEST_MODEL", "gpt-4o-mini")

	cfg, err := Load(writeConfig(t, "spectra.yaml", `
llm:
  providers:
    openai:
      default_model: ${SPECTRA_TEST_MODEL}
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.LLM.Providers[ProviderOpenAI].DefaultModel; got != "gpt-4o-mini" {
		t.Errorf("default_model = %q, want gpt-4o-mini", got)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name: "unsupported provider",
			body: `
llm:
  default_provider: gemini
`,
			wantErr: "default_provider",
		},
		{
			name: "s3 without bucket",
			body: `
storage:
  export:
    backend: s3
`,
			wantErr: "bucket",
		},
		{
			name: "bad search provider",
			body: `
tools:
  websearch:
    provider: bing
`,
			wantErr: "websearch.provider",
		},
		{
			name: "negative window",
			body: `
session:
  max_messages: -1
`,
			wantErr: "max_messages",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "spectra.yaml", tt.body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadIncludesAndJSON5(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.json5")
	if err := os.WriteFile(base, []byte(`{
  // shared defaults
  agent: { max_iterations: 4 },
  server: { http_port: 9001 },
}`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	main := filepath.Join(dir, "spectra.yaml")
	if err := os.WriteFile(main, []byte(`
$include: base.json5
server:
  http_port: 9002
`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.MaxIterations != 4 {
		t.Errorf("MaxIterations = %d, want 4 from include", cfg.Agent.MaxIterations)
	}
	if cfg.Server.HTTPPort != 9002 {
		t.Errorf("HTTPPort = %d, want 9002 from including file", cfg.Server.HTTPPort)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	_ = os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644)
	_ = os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644)

	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if !strings.Contains(string(data), "max_iterations") {
		t.Error("schema should use yaml field names")
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
