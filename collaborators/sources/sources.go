// Package sources implements collaborators for the personal data sources
// used to build a listener profile: chat history, documents, and mailbox.
// Each source is an HTTP JSON service answering OpFetch.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/deepnoodle-ai/podflow"
	"github.com/deepnoodle-ai/podflow/collaborators"
)

// Source names.
const (
	ChatHistory = "chat_history"
	Documents   = "documents"
	Mailbox     = "mailbox"
)

const maxResponseSize = 8 * 1024 * 1024

// Config holds the settings of a source client.
type Config struct {
	// Name is the source name, one of ChatHistory, Documents, or Mailbox.
	Name     string
	Endpoint string
	Token    string
	// Limit applies when a request does not set one.
	Limit int
}

// Client fetches items from one personal data source.
type Client struct {
	config     Config
	httpClient *http.Client
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

// NewClient returns a client for a source.
func NewClient(config Config, opts ...ClientOption) *Client {
	if config.Limit <= 0 {
		config.Limit = 20
	}
	c := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements podflow.Collaborator.
func (c *Client) Name() string {
	return c.config.Name
}

// Invoke implements podflow.Collaborator.
func (c *Client) Invoke(ctx context.Context, operation string, input any) (any, error) {
	if operation != collaborators.OpFetch {
		return nil, collaborators.Unsupported(c.Name(), operation)
	}
	req, err := collaborators.Expect[collaborators.FetchRequest](c.Name(), operation, input)
	if err != nil {
		return nil, err
	}
	return c.Fetch(ctx, req)
}

// Fetch returns the items matching the request.
func (c *Client) Fetch(ctx context.Context, req collaborators.FetchRequest) (collaborators.FetchResponse, error) {
	op := c.Name() + "." + collaborators.OpFetch
	if c.config.Endpoint == "" {
		return collaborators.FetchResponse{}, podflow.WrapError(podflow.ErrorKindUnavailable, op,
			fmt.Errorf("source %s is not configured", c.Name()))
	}
	endpoint, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return collaborators.FetchResponse{}, podflow.InvalidInput(op, fmt.Errorf("invalid endpoint: %w", err))
	}
	limit := req.Limit
	if limit <= 0 {
		limit = c.config.Limit
	}
	params := endpoint.Query()
	if req.Query != "" {
		params.Set("q", req.Query)
	}
	params.Set("limit", strconv.Itoa(limit))
	if !req.Since.IsZero() {
		params.Set("since", req.Since.UTC().Format(time.RFC3339))
	}
	endpoint.RawQuery = params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return collaborators.FetchResponse{}, podflow.InvalidInput(op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return collaborators.FetchResponse{}, podflow.Unavailable(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return collaborators.FetchResponse{}, podflow.Unavailable(op, fmt.Errorf("read response body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return collaborators.FetchResponse{}, podflow.HTTPError(op, resp.StatusCode, string(body))
	}

	var parsed struct {
		Items []collaborators.SourceItem `json:"items"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return collaborators.FetchResponse{}, podflow.Unavailable(op, fmt.Errorf("decode response: %w", err))
	}
	items := parsed.Items
	if len(items) > limit {
		items = items[:limit]
	}
	for i := range items {
		if items[i].Source == "" {
			items[i].Source = c.Name()
		}
	}
	c.logger.Debug("fetched source items", "source", c.Name(), "items", len(items))
	return collaborators.FetchResponse{Source: c.Name(), Items: items}, nil
}
