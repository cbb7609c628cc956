// Package vectorstore is an in-process vector store answering OpUpsert and
// OpQuery with cosine similarity. Collections are namespaced by the caller,
// typically by run ID, so concurrent runs never see each other's documents.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/deepnoodle-ai/podflow"
	"github.com/deepnoodle-ai/podflow/collaborators"
)

const defaultTopK = 5

// Store holds vector collections in memory.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]collaborators.VectorDocument
}

// New returns an empty store.
func New() *Store {
	return &Store{collections: map[string]map[string]collaborators.VectorDocument{}}
}

// Name implements podflow.Collaborator.
func (s *Store) Name() string {
	return "vectorstore"
}

// Invoke implements podflow.Collaborator.
func (s *Store) Invoke(ctx context.Context, operation string, input any) (any, error) {
	switch operation {
	case collaborators.OpUpsert:
		req, err := collaborators.Expect[collaborators.UpsertRequest](s.Name(), operation, input)
		if err != nil {
			return nil, err
		}
		return s.Upsert(ctx, req)
	case collaborators.OpQuery:
		req, err := collaborators.Expect[collaborators.QueryRequest](s.Name(), operation, input)
		if err != nil {
			return nil, err
		}
		return s.Query(ctx, req)
	default:
		return nil, collaborators.Unsupported(s.Name(), operation)
	}
}

// Upsert stores documents, replacing any with the same ID.
func (s *Store) Upsert(ctx context.Context, req collaborators.UpsertRequest) (collaborators.UpsertResponse, error) {
	op := s.Name() + "." + collaborators.OpUpsert
	if req.Collection == "" {
		return collaborators.UpsertResponse{}, podflow.InvalidInput(op, errors.New("collection is required"))
	}
	for _, doc := range req.Documents {
		if doc.ID == "" {
			return collaborators.UpsertResponse{}, podflow.InvalidInput(op, errors.New("document id is required"))
		}
		if len(doc.Vector) == 0 {
			return collaborators.UpsertResponse{}, podflow.InvalidInput(op, fmt.Errorf("document %q has no vector", doc.ID))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.collections[req.Collection]
	if !ok {
		docs = map[string]collaborators.VectorDocument{}
		s.collections[req.Collection] = docs
	}
	for _, doc := range req.Documents {
		doc.Vector = append([]float32(nil), doc.Vector...)
		docs[doc.ID] = doc
	}
	return collaborators.UpsertResponse{Collection: req.Collection, Count: len(docs)}, nil
}

// Query returns the TopK documents most similar to the vector. Ties are
// ordered by document ID.
func (s *Store) Query(ctx context.Context, req collaborators.QueryRequest) (collaborators.QueryResponse, error) {
	op := s.Name() + "." + collaborators.OpQuery
	if len(req.Vector) == 0 {
		return collaborators.QueryResponse{}, podflow.InvalidInput(op, errors.New("query vector is empty"))
	}
	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	s.mu.RLock()
	docs, ok := s.collections[req.Collection]
	if !ok {
		s.mu.RUnlock()
		return collaborators.QueryResponse{}, podflow.InvalidInput(op, fmt.Errorf("%w: %q", collaborators.ErrCollectionNotFound, req.Collection))
	}
	matches := make([]collaborators.Match, 0, len(docs))
	for _, doc := range docs {
		if len(doc.Vector) != len(req.Vector) {
			continue
		}
		matches = append(matches, collaborators.Match{
			ID:       doc.ID,
			Text:     doc.Text,
			Score:    Cosine(req.Vector, doc.Vector),
			Metadata: doc.Metadata,
		})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return collaborators.QueryResponse{Collection: req.Collection, Matches: matches}, nil
}

// Drop removes a collection.
func (s *Store) Drop(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
}

// Len returns the number of documents in a collection.
func (s *Store) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

// Cosine returns the cosine similarity of two equal length vectors, or 0 if
// either has zero magnitude.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
