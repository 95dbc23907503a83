// Package websearch exposes the Serper search API as an agent tool provider.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/qbitdata/qbit/pkg/models"
)

const (
	defaultBaseURL = "https://google.serper.dev"
	defaultTimeout = 30 * time.Second
)

// endpoints maps tool names onto Serper API paths.
var endpoints = map[string]string{
	"web_search":      "/search",
	"news_search":     "/news",
	"image_search":    "/images",
	"shopping_search": "/shopping",
}

// Provider issues search requests against the Serper API.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Option customizes a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New builds a Provider with the given API key.
func New(apiKey string, logger *slog.Logger, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("serper api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  logger.With("provider", "websearch"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ListTools implements provider.Provider.
func (p *Provider) ListTools(_ context.Context) ([]models.ToolDescriptor, error) {
	querySchema := func(desc string) json.RawMessage {
		return json.RawMessage(fmt.Sprintf(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": %q},
				"num_results": {"type": "integer", "description": "Number of results to return (default 10)"}
			},
			"required": ["query"]
		}`, desc))
	}
	return []models.ToolDescriptor{
		{
			Name:        "web_search",
			Description: "Search the web and return organic results with titles, links and snippets",
			Parameters:  querySchema("Search query"),
		},
		{
			Name:        "news_search",
			Description: "Search recent news articles",
			Parameters:  querySchema("News search query"),
		},
		{
			Name:        "image_search",
			Description: "Search for images on the web",
			Parameters:  querySchema("Image search query"),
		},
		{
			Name:        "shopping_search",
			Description: "Search for products and prices",
			Parameters:  querySchema("Product search query"),
		},
	}, nil
}

// Invoke implements provider.Provider.
func (p *Provider) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	path, ok := endpoints[name]
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	query, _ := args["query"].(string)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	num := 10
	if n, ok := args["num_results"].(float64); ok && n > 0 {
		num = int(n)
	}

	body, err := json.Marshal(map[string]any{"q": query, "num": num})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-KEY", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search api returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	p.logger.Debug("search completed", "tool", name, "query", query, "elapsed", time.Since(start))
	return string(data), nil
}

// Close implements provider.Provider; the HTTP client holds no resources.
func (p *Provider) Close() error { return nil }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
