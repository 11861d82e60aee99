package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/spectra/pkg/models"
)

type stubBackend struct {
	results []SearchResult
	err     error
	calls   atomic.Int32
	lastMax int
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Search(_ context.Context, _ string, maxResults int) ([]SearchResult, error) {
	s.calls.Add(1)
	s.lastMax = maxResults
	return s.results, s.err
}

func TestWebSearchTool_Metadata(t *testing.T) {
	tool := NewWebSearchTool(&stubBackend{}, Config{})
	if tool.Name() != models.ToolWebSearch {
		t.Errorf("expected name 'web_search', got '%s'", tool.Name())
	}
	if tool.Description() == "" {
		t.Error("description should not be empty")
	}

	var schemaMap map[string]interface{}
	if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil {
		t.Fatalf("failed to unmarshal schema: %v", err)
	}
	props, ok := schemaMap["properties"].(map[string]interface{})
	if !ok {
		t.Fatal("schema should have properties")
	}
	if _, ok := props["query"]; !ok {
		t.Error("schema should have query property")
	}
}

func TestWebSearchTool_Execute_InvalidParams(t *testing.T) {
	backend := &stubBackend{}
	tool := NewWebSearchTool(backend, Config{})

	tests := []struct {
		name   string
		params string
	}{
		{name: "invalid JSON", params: `{invalid}`},
		{name: "missing query", params: `{}`},
		{name: "empty query", params: `{"query":""}`},
		{name: "blank query", params: `{"query":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tool.Execute(context.Background(), json.RawMessage(tt.params))
			if err != nil {
				t.Fatalf("Execute returned error: %v", err)
			}
			if !result.IsError {
				t.Error("expected error result")
			}
		})
	}
	if backend.calls.Load() != 0 {
		t.Errorf("backend called %d times for invalid input", backend.calls.Load())
	}
}

func TestWebSearchTool_FormatsResults(t *testing.T) {
	backend := &stubBackend{results: []SearchResult{
		{Title: "Fed raises rates", Content: "The Federal Reserve...", URL: "https://a.example"},
		{Title: "Housing cools", Content: "Sales dropped...", URL: "https://b.example"},
		{Title: "Third", Content: "c", URL: "https://c.example"},
		{Title: "Fourth", Content: "d", URL: "https://d.example"},
	}}
	tool := NewWebSearchTool(backend, Config{})

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"why did sales drop in 2023"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	want := "Source: Fed raises rates\nContent: The Federal Reserve...\nURL: https://a.example\n\n" +
		"Source: Housing cools\nContent: Sales dropped...\nURL: https://b.example\n\n" +
		"Source: Third\nContent: c\nURL: https://c.example"
	if result.Content != want {
		t.Errorf("content =\n%s\nwant\n%s", result.Content, want)
	}
	if backend.lastMax != 3 {
		t.Errorf("max results = %d, want 3", backend.lastMax)
	}
}

func TestWebSearchTool_ErrorsBecomeText(t *testing.T) {
	tool := NewWebSearchTool(&stubBackend{err: errors.New("quota exceeded")}, Config{})
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"x"}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.Content != "Search Error: quota exceeded" || !result.IsError {
		t.Errorf("result = %+v", result)
	}
}

func TestWebSearchTool_Cache(t *testing.T) {
	backend := &stubBackend{results: []SearchResult{{Title: "t", Content: "c", URL: "u"}}}
	tool := NewWebSearchTool(backend, Config{CacheTTL: time.Minute})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tool.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := tool.Execute(ctx, json.RawMessage(`{"query":"GDP 2020"}`)); err != nil {
			t.Fatal(err)
		}
	}
	tool.Execute(ctx, json.RawMessage(`{"query":"gdp 2020"}`))
	if backend.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", backend.calls.Load())
	}

	now = now.Add(2 * time.Minute)
	tool.Execute(ctx, json.RawMessage(`{"query":"GDP 2020"}`))
	if backend.calls.Load() != 2 {
		t.Errorf("backend calls after expiry = %d, want 2", backend.calls.Load())
	}
}

func TestWebSearchTool_ErrorsNotCached(t *testing.T) {
	backend := &stubBackend{err: errors.New("timeout")}
	tool := NewWebSearchTool(backend, Config{CacheTTL: time.Minute})
	ctx := context.Background()
	tool.Execute(ctx, json.RawMessage(`{"query":"x"}`))
	tool.Execute(ctx, json.RawMessage(`{"query":"x"}`))
	if backend.calls.Load() != 2 {
		t.Errorf("backend calls = %d, want 2", backend.calls.Load())
	}
}

func TestTavilyBackend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/search" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tvly-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("body: %v", err)
		}
		if body["query"] != "inflation 2022" || body["search_depth"] != "basic" || body["max_results"] != float64(3) {
			t.Errorf("body = %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"query":"inflation 2022","results":[
			{"title":"CPI report","url":"https://cpi.example","content":"Prices rose 8%","score":0.9},
			{"title":"Energy shock","url":"https://energy.example","content":"Oil spiked","score":0.8}
		]}`))
	}))
	defer server.Close()

	backend := NewTavilyBackend("tvly-test", server.URL, time.Second)
	results, err := backend.Search(context.Background(), "inflation 2022", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 || results[0].Title != "CPI report" || results[1].Content != "Oil spiked" {
		t.Errorf("results = %+v", results)
	}
}

func TestTavilyBackend_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":{"error":"Unauthorized"}}`))
	}))
	defer server.Close()

	_, err := NewTavilyBackend("bad", server.URL, time.Second).Search(context.Background(), "q", 3)
	if err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Errorf("error = %v", err)
	}

	_, err = NewTavilyBackend("", server.URL, time.Second).Search(context.Background(), "q", 3)
	if err == nil || !strings.Contains(err.Error(), "API key not configured") {
		t.Errorf("error = %v", err)
	}
}

func TestBackend_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"web":{"results":[{"title":"t","url":"u","description":"d"}]}}`))
	}))
	defer server.Close()

	backend := NewBraveBackend("k", server.URL, time.Second)
	backend.retry.InitialDelay = time.Millisecond
	backend.retry.Jitter = false
	results, err := backend.Search(context.Background(), "q", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || calls.Load() != 3 {
		t.Errorf("results = %v after %d calls", results, calls.Load())
	}
}

func TestBackend_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	backend := NewTavilyBackend("k", server.URL, time.Second)
	backend.retry.InitialDelay = time.Millisecond
	if _, err := backend.Search(context.Background(), "q", 3); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestBraveBackend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/web/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("q") != "eu energy prices" || r.URL.Query().Get("count") != "3" {
			t.Errorf("query = %v", r.URL.Query())
		}
		if r.Header.Get("X-Subscription-Token") != "brave-key" {
			t.Errorf("token = %q", r.Header.Get("X-Subscription-Token"))
		}
		w.Write([]byte(`{"web":{"results":[{"title":"Gas prices","url":"https://gas.example","description":"Record highs"}]}}`))
	}))
	defer server.Close()

	results, err := NewBraveBackend("brave-key", server.URL, time.Second).Search(context.Background(), "eu energy prices", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Content != "Record highs" || results[0].URL != "https://gas.example" {
		t.Errorf("results = %+v", results)
	}
}

func TestNewBackend(t *testing.T) {
	for provider, want := range map[string]string{"": "tavily", "tavily": "tavily", "Brave": "brave"} {
		b, err := NewBackend(provider, "k", "", 0)
		if err != nil {
			t.Fatalf("NewBackend(%q): %v", provider, err)
		}
		if b.Name() != want {
			t.Errorf("NewBackend(%q).Name() = %q", provider, b.Name())
		}
	}
	if _, err := NewBackend("bing", "k", "", 0); err == nil {
		t.Error("expected error for unknown provider")
	}
}
