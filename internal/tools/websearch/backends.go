package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/spectra/internal/retry"
)

const (
	DefaultTavilyURL = "https://api.tavily.com"
	DefaultBraveURL  = "https://api.search.brave.com/res/v1"

	maxResponseBytes = 4 << 20
)

// NewBackend returns the backend named by provider ("tavily" or "brave").
func NewBackend(provider, apiKey, baseURL string, timeout time.Duration) (SearchBackend, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "tavily":
		return NewTavilyBackend(apiKey, baseURL, timeout), nil
	case "brave":
		return NewBraveBackend(apiKey, baseURL, timeout), nil
	default:
		return nil, fmt.Errorf("unknown search provider %q", provider)
	}
}

// TavilyBackend queries the Tavily search API.
type TavilyBackend struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	retry      retry.Config
}

// NewTavilyBackend creates a Tavily backend. An empty baseURL uses the
// public API.
func NewTavilyBackend(apiKey, baseURL string, timeout time.Duration) *TavilyBackend {
	if baseURL == "" {
		baseURL = DefaultTavilyURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TavilyBackend{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry.DefaultConfig(),
	}
}

func (b *TavilyBackend) Name() string { return "tavily" }

// Search runs a basic-depth search.
func (b *TavilyBackend) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if b.apiKey == "" {
		return nil, fmt.Errorf("Tavily API key not configured")
	}

	payload, err := json.Marshal(map[string]any{
		"api_key":      b.apiKey,
		"query":        query,
		"search_depth": "basic",
		"max_results":  maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	body, err := doJSON(ctx, b.httpClient, b.retry, "Tavily", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/search", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := make([]SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Content: r.Content})
	}
	return results, nil
}

// BraveBackend queries the Brave web search API.
type BraveBackend struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	retry      retry.Config
}

// NewBraveBackend creates a Brave backend. An empty baseURL uses the public
// API.
func NewBraveBackend(apiKey, baseURL string, timeout time.Duration) *BraveBackend {
	if baseURL == "" {
		baseURL = DefaultBraveURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BraveBackend{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry.DefaultConfig(),
	}
}

func (b *BraveBackend) Name() string { return "brave" }

// Search runs a web search.
func (b *BraveBackend) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if b.apiKey == "" {
		return nil, fmt.Errorf("Brave API key not configured")
	}

	searchURL, err := url.Parse(b.baseURL + "/web/search")
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(maxResults))
	searchURL.RawQuery = q.Encode()

	body, err := doJSON(ctx, b.httpClient, b.retry, "Brave", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Subscription-Token", b.apiKey)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := make([]SearchResult, 0, len(resp.Web.Results))
	for _, r := range resp.Web.Results {
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Content: r.Description})
	}
	return results, nil
}

// doJSON issues the request built by newReq and returns the body of a 200
// response. Transport errors, 429 and 5xx responses are retried.
func doJSON(ctx context.Context, client *http.Client, cfg retry.Config, provider string, newReq func(context.Context) (*http.Request, error)) ([]byte, error) {
	body, result := retry.DoWithValue(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		req, err := newReq(ctx)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("%s API returned status %d: %s", provider, resp.StatusCode, strings.TrimSpace(string(body)))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return nil, err
			}
			return nil, retry.Permanent(err)
		}
		return body, nil
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return body, nil
}
