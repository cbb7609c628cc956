package podcast

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/podflow"
	"github.com/deepnoodle-ai/podflow/collaborators"
)

const queryWriterPrompt = `You write search queries for a retrieval system.
Answer with a JSON object {"queries": [...], "scope": "..."} containing up to
five focused queries and a one line description of the research scope.`

const researcherPrompt = `You are a research analyst. Using only the numbered
passages, write a concise summary of what they say about the topic followed by
the key points. Answer with a JSON object {"summary": "...", "key_points": [...]}.`

func (p *stages) searchQuery(in podflow.Input) string {
	profile := podflow.FieldOr(in, FieldUserProfile, UserProfile{})
	query := in.Request()
	if len(profile.Interests) > 0 {
		query += " " + strings.Join(profile.Interests[:min(2, len(profile.Interests))], " ")
	}
	return query
}

func (p *stages) search(ctx context.Context, in podflow.Input) (podflow.Output, error) {
	resp, err := podflow.Call[collaborators.SearchResponse](ctx, p.c.Search, collaborators.OpSearch,
		collaborators.SearchRequest{
			Query:        p.searchQuery(in),
			Limit:        p.opts.SearchLimit,
			FetchContent: true,
		})
	if err != nil {
		return nil, err
	}
	results := resp.Results
	if results == nil {
		results = SearchResults{}
	}
	podflow.LoggerFromContext(ctx).Info("search completed", "results", len(results))
	return podflow.Output{FieldSearchResults: results}, nil
}

// searchFallback continues without web results.
func (p *stages) searchFallback(in podflow.Input) (podflow.Output, error) {
	return podflow.Output{FieldSearchResults: SearchResults{}}, nil
}

func (p *stages) writeQueries(ctx context.Context, in podflow.Input) (podflow.Output, error) {
	profile := podflow.FieldOr(in, FieldUserProfile, UserProfile{})
	results, err := podflow.Field[SearchResults](in, FieldSearchResults)
	if err != nil {
		return nil, err
	}
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Topic: %s\n", in.Request())
	fmt.Fprintf(&prompt, "Listener: %s\n", profile.Summary)
	for i, r := range results {
		fmt.Fprintf(&prompt, "Result %d: %s - %s\n", i+1, r.Title, truncate(r.Snippet, 200))
	}

	req := collaborators.Prompt(queryWriterPrompt, prompt.String())
	req.JSON = true
	resp, err := podflow.Call[collaborators.CompletionResponse](ctx, p.c.LLM, collaborators.OpComplete, req)
	if err != nil {
		return nil, err
	}
	var answer struct {
		Queries []string `json:"queries"`
		Scope   string   `json:"scope"`
	}
	if err := decodeJSON(resp.Content, &answer); err != nil {
		return nil, podflow.Unavailable("llm.complete", fmt.Errorf("unreadable query answer: %w", err))
	}
	queries := make([]string, 0, len(answer.Queries))
	for _, q := range answer.Queries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	if len(queries) == 0 {
		return nil, podflow.Unavailable("llm.complete", fmt.Errorf("model returned no queries"))
	}
	return podflow.Output{FieldRAGQueries: queries, FieldSearchScope: answer.Scope}, nil
}

// writeQueriesFallback queries for the request and the listener's interests.
func (p *stages) writeQueriesFallback(in podflow.Input) (podflow.Output, error) {
	profile := podflow.FieldOr(in, FieldUserProfile, UserProfile{})
	queries := []string{in.Request()}
	for _, interest := range profile.Interests[:min(3, len(profile.Interests))] {
		queries = append(queries, in.Request()+" "+interest)
	}
	return podflow.Output{FieldRAGQueries: queries, FieldSearchScope: "general"}, nil
}

// collection names the run's vector collection.
func collection(in podflow.Input) string {
	return collectionName(in.RunID())
}

func collectionName(runID string) string {
	return "podcast_" + runID
}

func (p *stages) buildIndex(ctx context.Context, in podflow.Input) (podflow.Output, error) {
	index, err := p.index(ctx, in)
	if err != nil {
		return nil, err
	}
	return podflow.Output{FieldVectorIndex: index}, nil
}

// index chunks, embeds and upserts the search results into the run's
// collection. It depends only on the persisted search results, so the
// researcher can repeat it when the collection did not survive a restart.
func (p *stages) index(ctx context.Context, in podflow.Input) (VectorIndex, error) {
	results, err := podflow.Field[SearchResults](in, FieldSearchResults)
	if err != nil {
		return VectorIndex{}, err
	}
	var docs []collaborators.VectorDocument
	for i, r := range results {
		text := r.Content
		if text == "" {
			text = r.Snippet
		}
		for j, piece := range chunk(text, p.opts.ChunkSize) {
			docs = append(docs, collaborators.VectorDocument{
				ID:       fmt.Sprintf("r%d-c%d", i, j),
				Text:     piece,
				Metadata: map[string]string{"url": r.URL, "title": r.Title},
			})
		}
	}
	index := VectorIndex{Collection: collection(in)}
	if len(docs) == 0 {
		index.Offline = true
		return index, nil
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Text
	}
	embedded, err := podflow.Call[collaborators.EmbedResponse](ctx, p.c.Embedder, collaborators.OpEmbed,
		collaborators.EmbedRequest{Texts: texts})
	if err != nil {
		return VectorIndex{}, err
	}
	if len(embedded.Vectors) != len(docs) {
		return VectorIndex{}, podflow.Unavailable("embed", fmt.Errorf("got %d vectors for %d documents", len(embedded.Vectors), len(docs)))
	}
	for i := range docs {
		docs[i].Vector = embedded.Vectors[i]
	}
	upserted, err := podflow.Call[collaborators.UpsertResponse](ctx, p.c.VectorStore, collaborators.OpUpsert,
		collaborators.UpsertRequest{Collection: index.Collection, Documents: docs})
	if err != nil {
		return VectorIndex{}, err
	}
	index.Documents = upserted.Count
	podflow.LoggerFromContext(ctx).Info("vector index built", "collection", index.Collection, "documents", index.Documents)
	return index, nil
}

// buildIndexFallback marks the index offline.
func (p *stages) buildIndexFallback(in podflow.Input) (podflow.Output, error) {
	return podflow.Output{FieldVectorIndex: VectorIndex{Collection: collection(in), Offline: true}}, nil
}

func (p *stages) research(ctx context.Context, in podflow.Input) (podflow.Output, error) {
	queries, err := podflow.Field[[]string](in, FieldRAGQueries)
	if err != nil {
		return nil, err
	}
	index, err := podflow.Field[VectorIndex](in, FieldVectorIndex)
	if err != nil {
		return nil, err
	}
	var sources []Source
	var passages []string
	if index.Offline || index.Documents == 0 {
		// Without an index the research works from the search snippets.
		for i, r := range podflow.FieldOr(in, FieldSearchResults, SearchResults{}) {
			sources = append(sources, Source{ID: fmt.Sprintf("r%d", i), URL: r.URL, Title: r.Title})
			passages = append(passages, r.Snippet)
		}
	} else {
		sources, passages, err = p.retrieve(ctx, index, queries)
		if errors.Is(err, collaborators.ErrCollectionNotFound) {
			podflow.LoggerFromContext(ctx).Warn("vector collection missing, rebuilding", "collection", index.Collection)
			if _, err = p.index(ctx, in); err == nil {
				sources, passages, err = p.retrieve(ctx, index, queries)
			}
		}
		if err != nil {
			return nil, err
		}
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Topic: %s\n\n", in.Request())
	for i, passage := range passages {
		fmt.Fprintf(&prompt, "[%d] %s\n\n", i+1, passage)
	}
	req := collaborators.Prompt(researcherPrompt, prompt.String())
	req.JSON = true
	resp, err := podflow.Call[collaborators.CompletionResponse](ctx, p.c.LLM, collaborators.OpComplete, req)
	if err != nil {
		return nil, err
	}
	var result ResearchResult
	if err := decodeJSON(resp.Content, &result); err != nil || strings.TrimSpace(result.Summary) == "" {
		return nil, podflow.Unavailable("llm.complete", fmt.Errorf("unreadable research answer"))
	}
	if sources == nil {
		sources = []Source{}
	}
	return podflow.Output{FieldResearchResult: result, FieldResearchSources: sources}, nil
}

// retrieve embeds the queries and collects the distinct nearest passages.
func (p *stages) retrieve(ctx context.Context, index VectorIndex, queries []string) ([]Source, []string, error) {
	embedded, err := podflow.Call[collaborators.EmbedResponse](ctx, p.c.Embedder, collaborators.OpEmbed,
		collaborators.EmbedRequest{Texts: queries})
	if err != nil {
		return nil, nil, err
	}
	seen := map[string]bool{}
	var sources []Source
	var passages []string
	for _, vector := range embedded.Vectors {
		resp, err := podflow.Call[collaborators.QueryResponse](ctx, p.c.VectorStore, collaborators.OpQuery,
			collaborators.QueryRequest{Collection: index.Collection, Vector: vector, TopK: p.opts.TopK})
		if err != nil {
			return nil, nil, err
		}
		for _, m := range resp.Matches {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			sources = append(sources, Source{ID: m.ID, URL: m.Metadata["url"], Title: m.Metadata["title"], Score: m.Score})
			passages = append(passages, m.Text)
		}
	}
	return sources, passages, nil
}

// researchFallback summarizes the search snippets directly.
func (p *stages) researchFallback(in podflow.Input) (podflow.Output, error) {
	results := podflow.FieldOr(in, FieldSearchResults, SearchResults{})
	result := ResearchResult{KeyPoints: []string{}}
	sources := []Source{}
	for i, r := range results {
		if r.Snippet == "" {
			continue
		}
		result.KeyPoints = append(result.KeyPoints, truncate(r.Snippet, 240))
		sources = append(sources, Source{ID: fmt.Sprintf("r%d", i), URL: r.URL, Title: r.Title})
	}
	if len(result.KeyPoints) == 0 {
		result.Summary = fmt.Sprintf("Little material could be gathered about %s.", in.Request())
	} else {
		result.Summary = fmt.Sprintf("Here is what recent sources say about %s. %s", in.Request(),
			strings.Join(result.KeyPoints, " "))
	}
	return podflow.Output{FieldResearchResult: result, FieldResearchSources: sources}, nil
}
