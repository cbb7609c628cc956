// Package collaborators defines the operations and wire types exchanged
// between podcast stages and the external services they call. Concrete
// clients live in the sub-packages.
package collaborators

import (
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/podflow"
)

// Operations understood by collaborators.
const (
	OpComplete   = "complete"
	OpEmbed      = "embed"
	OpSearch     = "search"
	OpFetch      = "fetch"
	OpUpsert     = "upsert"
	OpQuery      = "query"
	OpSynthesize = "synthesize"
)

// ErrCollectionNotFound is wrapped by vector stores answering OpQuery for a
// collection they do not hold.
var ErrCollectionNotFound = errors.New("collection not found")

// Message is one chat message sent to a language model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionRequest is the input of OpComplete.
type CompletionRequest struct {
	Model       string    `json:"model,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// JSON asks the model to answer with a single JSON object.
	JSON bool `json:"json,omitempty"`
}

// Prompt returns a request with a system prompt and one user message.
func Prompt(system, user string) CompletionRequest {
	return CompletionRequest{
		System:   system,
		Messages: []Message{{Role: RoleUser, Content: user}},
	}
}

// TokenUsage reports token consumption of a completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the output of OpComplete.
type CompletionResponse struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        TokenUsage `json:"usage"`
}

// EmbedRequest is the input of OpEmbed.
type EmbedRequest struct {
	Model string   `json:"model,omitempty"`
	Texts []string `json:"texts"`
}

// EmbedResponse is the output of OpEmbed. Vectors are in input order.
type EmbedResponse struct {
	Model   string      `json:"model"`
	Vectors [][]float32 `json:"vectors"`
}

// SearchRequest is the input of OpSearch.
type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
	// FetchContent asks the search client to download each result page and
	// convert it to markdown.
	FetchContent bool `json:"fetch_content,omitempty"`
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	Content string `json:"content,omitempty"`
}

// SearchResponse is the output of OpSearch.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

// FetchRequest is the input of OpFetch against a personal data source.
type FetchRequest struct {
	Query string    `json:"query,omitempty"`
	Limit int       `json:"limit,omitempty"`
	Since time.Time `json:"since,omitzero"`
}

// SourceItem is a single message, document, or mail item.
type SourceItem struct {
	ID     string    `json:"id"`
	Source string    `json:"source"`
	Title  string    `json:"title,omitempty"`
	Author string    `json:"author,omitempty"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time,omitzero"`
}

// FetchResponse is the output of OpFetch.
type FetchResponse struct {
	Source string       `json:"source"`
	Items  []SourceItem `json:"items"`
}

// VectorDocument is a document stored in a vector collection.
type VectorDocument struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Vector   []float32         `json:"vector"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// UpsertRequest is the input of OpUpsert.
type UpsertRequest struct {
	Collection string           `json:"collection"`
	Documents  []VectorDocument `json:"documents"`
}

// UpsertResponse is the output of OpUpsert.
type UpsertResponse struct {
	Collection string `json:"collection"`
	Count      int    `json:"count"`
}

// QueryRequest is the input of OpQuery.
type QueryRequest struct {
	Collection string    `json:"collection"`
	Vector     []float32 `json:"vector"`
	TopK       int       `json:"top_k,omitempty"`
}

// Match is one nearest-neighbour result.
type Match struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// QueryResponse is the output of OpQuery, best match first.
type QueryResponse struct {
	Collection string  `json:"collection"`
	Matches    []Match `json:"matches"`
}

// SpeechRequest is the input of OpSynthesize.
type SpeechRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice,omitempty"`
	Format string `json:"format,omitempty"`
	// Path is where the audio is written. Clients pick a path when empty.
	Path string `json:"path,omitempty"`
}

// SpeechResponse is the output of OpSynthesize.
type SpeechResponse struct {
	Path   string `json:"path"`
	Format string `json:"format"`
	Bytes  int64  `json:"bytes"`
}

// Expect asserts the input type of an operation. Passing the wrong type is a
// programming error and is reported as a contract violation.
func Expect[I any](name, operation string, input any) (I, error) {
	typed, ok := input.(I)
	if !ok {
		if ptr, isPtr := input.(*I); isPtr && ptr != nil {
			return *ptr, nil
		}
		var zero I
		return zero, &podflow.Error{
			Kind:      podflow.ErrorKindStageContractViolation,
			Operation: name + "." + operation,
			Cause:     fmt.Sprintf("unexpected input type %T, want %T", input, zero),
		}
	}
	return typed, nil
}

// Unsupported returns the error for an operation a collaborator does not
// implement.
func Unsupported(name, operation string) error {
	return &podflow.Error{
		Kind:      podflow.ErrorKindInvalidInput,
		Operation: name + "." + operation,
		Cause:     fmt.Sprintf("operation %q is not supported", operation),
	}
}
