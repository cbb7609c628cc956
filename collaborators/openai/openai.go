// Package openai implements the completion, embedding, and speech
// collaborators on top of the OpenAI API. Any OpenAI compatible endpoint can
// be used by setting a base URL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/deepnoodle-ai/podflow"
	"github.com/deepnoodle-ai/podflow/collaborators"
	openai "github.com/sashabaranov/go-openai"
)

// Defaults used when the configuration leaves a model unset.
const (
	DefaultChatModel   = openai.GPT4oMini
	DefaultEmbedModel  = string(openai.SmallEmbedding3)
	DefaultSpeechModel = string(openai.TTSModel1)
	DefaultVoice       = string(openai.VoiceAlloy)
)

// Config holds the settings of a Client.
type Config struct {
	APIKey      string
	BaseURL     string
	ChatModel   string
	EmbedModel  string
	SpeechModel string
	Voice       string
	// AudioDir is where synthesized audio is written when a request does
	// not name a path.
	AudioDir string
}

// Client is a Collaborator serving OpComplete, OpEmbed, and OpSynthesize.
type Client struct {
	name   string
	api    *openai.Client
	config Config
	logger *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		cfg := openai.DefaultConfig(c.config.APIKey)
		if c.config.BaseURL != "" {
			cfg.BaseURL = c.config.BaseURL
		}
		cfg.HTTPClient = httpClient
		c.api = openai.NewClientWithConfig(cfg)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithName overrides the collaborator name, which defaults to "openai".
func WithName(name string) ClientOption {
	return func(c *Client) {
		c.name = name
	}
}

// NewClient returns a client for the given configuration.
func NewClient(config Config, opts ...ClientOption) *Client {
	if config.ChatModel == "" {
		config.ChatModel = DefaultChatModel
	}
	if config.EmbedModel == "" {
		config.EmbedModel = DefaultEmbedModel
	}
	if config.SpeechModel == "" {
		config.SpeechModel = DefaultSpeechModel
	}
	if config.Voice == "" {
		config.Voice = DefaultVoice
	}
	if config.AudioDir == "" {
		config.AudioDir = os.TempDir()
	}
	cfg := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		cfg.BaseURL = config.BaseURL
	}
	c := &Client{
		name:   "openai",
		api:    openai.NewClientWithConfig(cfg),
		config: config,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements podflow.Collaborator.
func (c *Client) Name() string {
	return c.name
}

// Invoke implements podflow.Collaborator.
func (c *Client) Invoke(ctx context.Context, operation string, input any) (any, error) {
	switch operation {
	case collaborators.OpComplete:
		req, err := collaborators.Expect[collaborators.CompletionRequest](c.name, operation, input)
		if err != nil {
			return nil, err
		}
		return c.Complete(ctx, req)
	case collaborators.OpEmbed:
		req, err := collaborators.Expect[collaborators.EmbedRequest](c.name, operation, input)
		if err != nil {
			return nil, err
		}
		return c.Embed(ctx, req)
	case collaborators.OpSynthesize:
		req, err := collaborators.Expect[collaborators.SpeechRequest](c.name, operation, input)
		if err != nil {
			return nil, err
		}
		return c.Synthesize(ctx, req)
	default:
		return nil, collaborators.Unsupported(c.name, operation)
	}
}

// Complete sends a chat completion request.
func (c *Client) Complete(ctx context.Context, req collaborators.CompletionRequest) (collaborators.CompletionResponse, error) {
	op := c.name + "." + collaborators.OpComplete
	model := req.Model
	if model == "" {
		model = c.config.ChatModel
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if len(messages) == 0 {
		return collaborators.CompletionResponse{}, podflow.InvalidInput(op, errors.New("no messages"))
	}
	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	c.logger.Debug("sending completion request", "model", model, "messages", len(messages))

	resp, err := c.api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return collaborators.CompletionResponse{}, classify(op, err)
	}
	if len(resp.Choices) == 0 {
		return collaborators.CompletionResponse{}, podflow.Unavailable(op, errors.New("response has no choices"))
	}
	choice := resp.Choices[0]
	return collaborators.CompletionResponse{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Usage: collaborators.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// Embed computes embeddings for the given texts.
func (c *Client) Embed(ctx context.Context, req collaborators.EmbedRequest) (collaborators.EmbedResponse, error) {
	op := c.name + "." + collaborators.OpEmbed
	if len(req.Texts) == 0 {
		return collaborators.EmbedResponse{}, podflow.InvalidInput(op, errors.New("no texts to embed"))
	}
	model := req.Model
	if model == "" {
		model = c.config.EmbedModel
	}
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: req.Texts,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return collaborators.EmbedResponse{}, classify(op, err)
	}
	if len(resp.Data) != len(req.Texts) {
		return collaborators.EmbedResponse{}, podflow.Unavailable(op,
			fmt.Errorf("got %d embeddings for %d texts", len(resp.Data), len(req.Texts)))
	}
	vectors := make([][]float32, len(resp.Data))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return collaborators.EmbedResponse{}, podflow.Unavailable(op,
				fmt.Errorf("embedding index %d out of range", item.Index))
		}
		vectors[item.Index] = item.Embedding
	}
	return collaborators.EmbedResponse{Model: string(resp.Model), Vectors: vectors}, nil
}

// Synthesize converts text to speech and writes the audio to a file.
func (c *Client) Synthesize(ctx context.Context, req collaborators.SpeechRequest) (collaborators.SpeechResponse, error) {
	op := c.name + "." + collaborators.OpSynthesize
	if strings.TrimSpace(req.Text) == "" {
		return collaborators.SpeechResponse{}, podflow.InvalidInput(op, errors.New("no text to synthesize"))
	}
	voice := req.Voice
	if voice == "" {
		voice = c.config.Voice
	}
	format := req.Format
	if format == "" {
		format = string(openai.SpeechResponseFormatMp3)
	}
	path := req.Path
	if path == "" {
		path = filepath.Join(c.config.AudioDir, "podcast."+format)
	}

	audio, err := c.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.config.SpeechModel),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormat(format),
	})
	if err != nil {
		return collaborators.SpeechResponse{}, classify(op, err)
	}
	defer audio.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return collaborators.SpeechResponse{}, podflow.InvalidInput(op, fmt.Errorf("failed to create audio directory: %w", err))
	}
	f, err := os.Create(path)
	if err != nil {
		return collaborators.SpeechResponse{}, podflow.InvalidInput(op, fmt.Errorf("failed to create audio file: %w", err))
	}
	n, err := io.Copy(f, audio)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return collaborators.SpeechResponse{}, podflow.Unavailable(op, fmt.Errorf("failed to write audio: %w", err))
	}
	c.logger.Info("synthesized speech", "path", path, "bytes", n)
	return collaborators.SpeechResponse{Path: path, Format: format, Bytes: n}, nil
}

// classify maps an API error onto an error kind using its HTTP status.
func classify(op string, err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if kind := podflow.KindFromHTTPStatus(status); kind != "" {
		return podflow.WrapError(kind, op, err)
	}
	return podflow.WrapError(podflow.ClassifyError(err).Kind, op, err)
}
