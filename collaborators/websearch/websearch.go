// Package websearch implements the search collaborator against a JSON web
// search API. Result pages can optionally be downloaded and converted to
// markdown for indexing.
package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/deepnoodle-ai/podflow"
	"github.com/deepnoodle-ai/podflow/collaborators"
	"golang.org/x/sync/errgroup"
)

const (
	defaultLimit          = 5
	defaultMaxContentSize = 2 * 1024 * 1024
	defaultUserAgent      = "podflow/1.0"
	maxResponseSize       = 4 * 1024 * 1024
)

// Config holds the settings of a Client.
type Config struct {
	// Endpoint is the search API URL. The query is sent as the q parameter
	// and the limit as count.
	Endpoint string
	APIKey   string
	// APIKeyHeader names the header carrying the key. Defaults to a bearer
	// Authorization header.
	APIKeyHeader   string
	UserAgent      string
	MaxContentSize int64
	// FetchConcurrency bounds parallel page downloads.
	FetchConcurrency int
}

// Client is a Collaborator serving OpSearch.
type Client struct {
	config     Config
	httpClient *http.Client
	converter  *Converter
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient returns a search client.
func NewClient(config Config, opts ...ClientOption) *Client {
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	if config.MaxContentSize <= 0 {
		config.MaxContentSize = defaultMaxContentSize
	}
	if config.FetchConcurrency <= 0 {
		config.FetchConcurrency = 4
	}
	c := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		converter:  NewConverter(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements podflow.Collaborator.
func (c *Client) Name() string {
	return "websearch"
}

// Invoke implements podflow.Collaborator.
func (c *Client) Invoke(ctx context.Context, operation string, input any) (any, error) {
	if operation != collaborators.OpSearch {
		return nil, collaborators.Unsupported(c.Name(), operation)
	}
	req, err := collaborators.Expect[collaborators.SearchRequest](c.Name(), operation, input)
	if err != nil {
		return nil, err
	}
	return c.Search(ctx, req)
}

type apiResponse struct {
	Results []struct {
		Title       string `json:"title"`
		URL         string `json:"url"`
		Snippet     string `json:"snippet"`
		Description string `json:"description"`
	} `json:"results"`
}

// Search runs the query and, when requested, attaches page content to each
// result. A page that cannot be fetched keeps its snippet only.
func (c *Client) Search(ctx context.Context, req collaborators.SearchRequest) (collaborators.SearchResponse, error) {
	op := c.Name() + "." + collaborators.OpSearch
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return collaborators.SearchResponse{}, podflow.InvalidInput(op, errors.New("empty query"))
	}
	if c.config.Endpoint == "" {
		return collaborators.SearchResponse{}, podflow.NewError(podflow.ErrorKindUnavailable, "search endpoint is not configured")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	endpoint, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return collaborators.SearchResponse{}, podflow.InvalidInput(op, fmt.Errorf("invalid endpoint: %w", err))
	}
	params := endpoint.Query()
	params.Set("q", query)
	params.Set("count", strconv.Itoa(limit))
	endpoint.RawQuery = params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return collaborators.SearchResponse{}, podflow.InvalidInput(op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	if c.config.APIKey != "" {
		if c.config.APIKeyHeader != "" {
			httpReq.Header.Set(c.config.APIKeyHeader, c.config.APIKey)
		} else {
			httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return collaborators.SearchResponse{}, podflow.Unavailable(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return collaborators.SearchResponse{}, podflow.Unavailable(op, fmt.Errorf("read response body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return collaborators.SearchResponse{}, podflow.HTTPError(op, resp.StatusCode, string(body))
	}
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return collaborators.SearchResponse{}, podflow.Unavailable(op, fmt.Errorf("decode response: %w", err))
	}

	results := make([]collaborators.SearchResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.URL == "" {
			continue
		}
		snippet := r.Snippet
		if snippet == "" {
			snippet = r.Description
		}
		results = append(results, collaborators.SearchResult{Title: r.Title, URL: r.URL, Snippet: snippet})
		if len(results) == limit {
			break
		}
	}
	if req.FetchContent {
		c.fetchContent(ctx, results)
	}
	c.logger.Debug("search completed", "query", query, "results", len(results))
	return collaborators.SearchResponse{Query: query, Results: results}, nil
}

func (c *Client) fetchContent(ctx context.Context, results []collaborators.SearchResult) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.FetchConcurrency)
	for i := range results {
		g.Go(func() error {
			page, err := c.FetchPage(ctx, results[i].URL)
			if err != nil {
				c.logger.Warn("failed to fetch result page", "url", results[i].URL, "error", err)
				return nil
			}
			results[i].Content = page.Markdown
			if results[i].Title == "" {
				results[i].Title = page.Title
			}
			return nil
		})
	}
	g.Wait()
}

// FetchPage downloads a page and converts its main content to markdown.
func (c *Client) FetchPage(ctx context.Context, pageURL string) (*Page, error) {
	op := c.Name() + ".fetch_page"
	parsed, err := url.Parse(pageURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, podflow.InvalidInput(op, fmt.Errorf("unsupported url %q", pageURL))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, podflow.InvalidInput(op, err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, podflow.Unavailable(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, podflow.HTTPError(op, resp.StatusCode, "")
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxContentSize+1))
	if err != nil {
		return nil, podflow.Unavailable(op, fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > c.config.MaxContentSize {
		return nil, podflow.InvalidInput(op, fmt.Errorf("content too large (exceeds %d bytes)", c.config.MaxContentSize))
	}
	page, err := c.converter.Convert(body)
	if err != nil {
		return nil, podflow.InvalidInput(op, fmt.Errorf("convert page: %w", err))
	}
	return page, nil
}
