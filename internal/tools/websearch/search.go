// Package websearch implements the web_search tool used to explain trends
// in the data with outside context.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/spectra/internal/agent"
	"github.com/haasonsaas/spectra/internal/tools/toolschema"
	"github.com/haasonsaas/spectra/pkg/models"
)

const (
	// DefaultMaxResults is the number of results passed to the model.
	DefaultMaxResults = 3

	// maxCacheSize limits the number of cached search responses to prevent unbounded memory growth
	maxCacheSize = 1000
)

// SearchBackend is a web search provider.
type SearchBackend interface {
	Name() string
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// SearchResult is one hit, in provider rank order.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// SearchParams defines the input parameters for web_search.
type SearchParams struct {
	Query string `json:"query" jsonschema:"minLength=1" jsonschema_description:"What to look up, e.g. an event that could explain a trend in the data"`
}

var (
	searchSchema    = toolschema.Reflect(&SearchParams{})
	searchValidator = toolschema.MustValidator("web_search", searchSchema)
)

// Config holds configuration for the web search tool.
type Config struct {
	// MaxResults bounds the results per query. Default: 3
	MaxResults int

	// CacheTTL is how long successful responses are reused (0 disables caching).
	CacheTTL time.Duration

	Logger *slog.Logger
}

// cacheEntry holds a cached search result with expiration.
type cacheEntry struct {
	results   []SearchResult
	expiresAt time.Time
}

// WebSearchTool implements agent.Tool on top of one SearchBackend.
type WebSearchTool struct {
	backend SearchBackend
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	cache   map[string]*cacheEntry
	cacheMu sync.RWMutex
}

// NewWebSearchTool creates a web search tool.
func NewWebSearchTool(backend SearchBackend, config Config) *WebSearchTool {
	if config.MaxResults <= 0 {
		config.MaxResults = DefaultMaxResults
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSearchTool{
		backend: backend,
		config:  config,
		logger:  logger.With("tool", string(models.ToolWebSearch)),
		now:     time.Now,
		cache:   make(map[string]*cacheEntry),
	}
}

// Name returns the tool name for registration with the agent runtime.
func (t *WebSearchTool) Name() models.ToolName {
	return models.ToolWebSearch
}

// Description returns the tool description.
func (t *WebSearchTool) Description() string {
	return "Search the web for external information, news, or context to explain data trends."
}

// Schema returns the JSON schema for the tool parameters.
func (t *WebSearchTool) Schema() json.RawMessage {
	return searchSchema
}

// Execute runs the search. Provider failures are returned as
// "Search Error: ..." text rather than as errors.
func (t *WebSearchTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p SearchParams
	if err := searchValidator.Decode(params, &p); err != nil {
		return &agent.ToolResult{
			Content: fmt.Sprintf("Invalid parameters: %v", err),
			IsError: true,
		}, nil
	}
	query := strings.TrimSpace(p.Query)
	if query == "" {
		return &agent.ToolResult{Content: "Query parameter is required", IsError: true}, nil
	}
	if t.backend == nil {
		return &agent.ToolResult{Content: "Search Error: no search backend configured", IsError: true}, nil
	}

	key := t.getCacheKey(query)
	if cached, ok := t.getFromCache(key); ok {
		return &agent.ToolResult{Content: formatResults(cached)}, nil
	}

	start := t.now()
	results, err := t.backend.Search(ctx, query, t.config.MaxResults)
	if err != nil {
		t.logger.Warn("search failed", "backend", t.backend.Name(), "error", err)
		return &agent.ToolResult{Content: "Search Error: " + err.Error(), IsError: true}, nil
	}
	if len(results) > t.config.MaxResults {
		results = results[:t.config.MaxResults]
	}
	t.logger.Debug("search complete",
		"backend", t.backend.Name(),
		"results", len(results),
		"duration", time.Since(start),
	)

	t.putInCache(key, results)
	return &agent.ToolResult{Content: formatResults(results)}, nil
}

// formatResults renders results as Source/Content/URL blocks separated by a
// blank line.
func formatResults(results []SearchResult) string {
	if len(results) == 0 {
		return "No results found."
	}
	blocks := make([]string, len(results))
	for i, r := range results {
		blocks[i] = fmt.Sprintf("Source: %s\nContent: %s\nURL: %s", r.Title, r.Content, r.URL)
	}
	return strings.Join(blocks, "\n\n")
}

func (t *WebSearchTool) getCacheKey(query string) string {
	return t.backend.Name() + ":" + strings.ToLower(query)
}

// getFromCache retrieves cached results if they exist and haven't expired.
func (t *WebSearchTool) getFromCache(key string) ([]SearchResult, bool) {
	if t.config.CacheTTL <= 0 {
		return nil, false
	}
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()

	entry, exists := t.cache[key]
	if !exists || t.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.results, true
}

// putInCache stores results with TTL.
func (t *WebSearchTool) putInCache(key string, results []SearchResult) {
	if t.config.CacheTTL <= 0 {
		return
	}
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()

	now := t.now()

	// Clean up expired entries first
	for k, v := range t.cache {
		if now.After(v.expiresAt) {
			delete(t.cache, k)
		}
	}

	// If still at capacity after cleanup, evict oldest entries
	for len(t.cache) >= maxCacheSize {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range t.cache {
			if oldestKey == "" || v.expiresAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.expiresAt
			}
		}
		delete(t.cache, oldestKey)
	}

	t.cache[key] = &cacheEntry{
		results:   results,
		expiresAt: now.Add(t.config.CacheTTL),
	}
}
