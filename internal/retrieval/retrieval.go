// Package retrieval finds background text relevant to an agent's context
// query. Semantic search over stored embeddings is preferred; keyword
// search over the knowledge base is the fallback.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ShayCichocki/fleet/internal/state"
)

// DefaultMaxResults is used when a retriever is configured with no limit.
const DefaultMaxResults = 5

// Snippet is one piece of retrieved context.
type Snippet struct {
	DocumentID string  `json:"documentId"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// Retriever is the context retrieval collaborator of the execution loop.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]Snippet, error)
}

// Searcher is the subset of the knowledge store used by retrievers.
type Searcher interface {
	SearchDocuments(ctx context.Context, query string, limit int) ([]*state.Document, error)
	EmbeddedDocuments(ctx context.Context) ([]*state.Document, error)
}

// Keyword retrieves documents with full-text search.
type Keyword struct {
	store Searcher
}

// NewKeyword creates a keyword retriever over store.
func NewKeyword(store Searcher) *Keyword {
	return &Keyword{store: store}
}

// Retrieve returns the best full-text matches for query.
func (k *Keyword) Retrieve(ctx context.Context, query string, limit int) ([]Snippet, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultMaxResults
	}

	docs, err := k.store.SearchDocuments(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	snippets := make([]Snippet, 0, len(docs))
	for i, d := range docs {
		snippets = append(snippets, Snippet{
			DocumentID: d.ID,
			Title:      d.Title,
			Content:    d.Content,
			// FTS rank is ordinal only; expose it as a decreasing score.
			Score: 1 / float64(i+1),
		})
	}
	return snippets, nil
}

// Semantic ranks embedded documents by cosine similarity to the query
// embedding. When the embedder fails or nothing clears MinScore it falls
// back to keyword search.
type Semantic struct {
	store    Searcher
	embedder Embedder
	fallback *Keyword
	minScore float64
	logger   *zap.Logger
}

// NewSemantic creates a semantic retriever.
func NewSemantic(store Searcher, embedder Embedder, minScore float64, logger *zap.Logger) *Semantic {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Semantic{
		store:    store,
		embedder: embedder,
		fallback: NewKeyword(store),
		minScore: minScore,
		logger:   logger.Named("retrieval"),
	}
}

// Retrieve returns the documents most similar to query.
func (s *Semantic) Retrieve(ctx context.Context, query string, limit int) ([]Snippet, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultMaxResults
	}

	vectors, err := s.embedder.Embed(ctx, []string{query}, TaskQuery)
	if err != nil || len(vectors) == 0 {
		s.logger.Warn("query embedding failed, using keyword search", zap.Error(err))
		return s.fallback.Retrieve(ctx, query, limit)
	}

	docs, err := s.store.EmbeddedDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading embedded documents: %w", err)
	}

	var snippets []Snippet
	for _, d := range docs {
		score, err := CosineSimilarity(vectors[0], d.Embedding)
		if err != nil {
			continue
		}
		if score < s.minScore {
			continue
		}
		snippets = append(snippets, Snippet{DocumentID: d.ID, Title: d.Title, Content: d.Content, Score: score})
	}

	if len(snippets) == 0 {
		return s.fallback.Retrieve(ctx, query, limit)
	}

	sort.SliceStable(snippets, func(i, j int) bool { return snippets[i].Score > snippets[j].Score })
	if len(snippets) > limit {
		snippets = snippets[:limit]
	}
	return snippets, nil
}

// CosineSimilarity returns the cosine of the angle between a and b.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// Format renders snippets as a context block for a system prompt.
func Format(snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, s := range snippets {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if s.Title != "" {
			sb.WriteString("## ")
			sb.WriteString(s.Title)
			sb.WriteString("\n")
		}
		sb.WriteString(strings.TrimSpace(s.Content))
	}
	return sb.String()
}
