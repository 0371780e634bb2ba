package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/joestump/homegate/internal/access"
)

const (
	maxFetchChars = 50000
	maxFetchBytes = 4 << 20
	userAgent     = "homegate/1.0"
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Searcher queries the Brave Search API.
type Searcher struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewSearcher creates a Searcher. baseURL may be empty for the public API.
func NewSearcher(apiKey, baseURL string) *Searcher {
	if baseURL == "" {
		baseURL = "https://api.search.brave.com/res/v1/web/search"
	}
	return &Searcher{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Search returns up to count results (default 5, max 20).
func (s *Searcher) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	if query == "" {
		return nil, errors.New("query is required")
	}
	if count <= 0 {
		count = 5
	}
	if count > 20 {
		count = 20
	}

	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse search url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		Web struct {
			Results []SearchResult `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return result.Web.Results, nil
}

// FormatResults renders results as a numbered list for a model to read.
func FormatResults(results []SearchResult) string {
	if len(results) == 0 {
		return "No results found."
	}
	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n\n", i+1, r.Title, r.URL, r.Description)
	}
	return sb.String()
}

// WebSearch is the web_search tool.
type WebSearch struct {
	searcher *Searcher
}

func NewWebSearch(s *Searcher) *WebSearch { return &WebSearch{searcher: s} }

func (w *WebSearch) Name() string           { return "web_search" }
func (w *WebSearch) Description() string    { return "Search the web and return the top results" }
func (w *WebSearch) MinLevel() access.Level { return access.ChatOnly }
func (w *WebSearch) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search query"},
			"count": {"type": "integer", "description": "Number of results (default: 5, max: 20)"}
		},
		"required": ["query"]
	}`)
}

func (w *WebSearch) Execute(ctx context.Context, _ access.Level, args json.RawMessage) (string, error) {
	var params struct {
		Query string `json:"query"`
		Count int    `json:"count"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return "", err
	}
	results, err := w.searcher.Search(ctx, params.Query, params.Count)
	if err != nil {
		return "", err
	}
	return FormatResults(results), nil
}

// Page is a fetched web page converted to markdown.
type Page struct {
	URL       string `json:"url"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// Fetcher downloads pages and converts HTML to markdown.
type Fetcher struct {
	client *http.Client
}

func NewFetcher() *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: 30 * time.Second}}
}

// Fetch retrieves rawURL. HTML is converted to markdown; other text is
// returned as-is.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	if rawURL == "" {
		return nil, errors.New("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("unsupported url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	content := string(body)
	ct := resp.Header.Get("Content-Type")
	if ct == "" || strings.Contains(ct, "html") {
		md, err := htmltomarkdown.ConvertString(content)
		if err != nil {
			return nil, fmt.Errorf("convert to markdown: %w", err)
		}
		content = md
	}

	page := &Page{URL: u.String(), Content: content}
	if len(page.Content) > maxFetchChars {
		page.Content = page.Content[:maxFetchChars]
		page.Truncated = true
	}
	return page, nil
}

// WebFetch is the web_fetch tool.
type WebFetch struct {
	fetcher *Fetcher
}

func NewWebFetch(f *Fetcher) *WebFetch { return &WebFetch{fetcher: f} }

func (w *WebFetch) Name() string           { return "web_fetch" }
func (w *WebFetch) Description() string    { return "Fetch a URL and return its content as markdown" }
func (w *WebFetch) MinLevel() access.Level { return access.ChatOnly }
func (w *WebFetch) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "The URL to fetch"}
		},
		"required": ["url"]
	}`)
}

func (w *WebFetch) Execute(ctx context.Context, _ access.Level, args json.RawMessage) (string, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return "", err
	}
	page, err := w.fetcher.Fetch(ctx, params.URL)
	if err != nil {
		return "", err
	}
	if page.Truncated {
		return page.Content + "\n\n[Content truncated]", nil
	}
	return page.Content, nil
}
