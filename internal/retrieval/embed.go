package retrieval

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/ShayCichocki/fleet/internal/state"
)

// DefaultGenAIModel is the embedding model used when none is configured.
const DefaultGenAIModel = "gemini-embedding-001"

// Task selects how an embedding will be used.
type Task int

const (
	// TaskQuery embeds a search query.
	TaskQuery Task = iota
	// TaskDocument embeds a document for storage.
	TaskDocument
)

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string, task Task) ([][]float32, error)
}

// GenAIEmbedder generates embeddings with Google's Gemini API.
type GenAIEmbedder struct {
	client *genai.Client
	model  string
}

// NewGenAIEmbedder creates an embedder. An empty model selects
// DefaultGenAIModel.
func NewGenAIEmbedder(ctx context.Context, apiKey, model string) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = DefaultGenAIModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model}, nil
}

// Name returns the embedder name.
func (e *GenAIEmbedder) Name() string {
	return "genai:" + e.model
}

// Embed generates one embedding per text in a single batch request.
func (e *GenAIEmbedder) Embed(ctx context.Context, texts []string, task Task) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	taskType := "RETRIEVAL_QUERY"
	if task == TaskDocument {
		taskType = "RETRIEVAL_DOCUMENT"
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: taskType,
	})
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("GenAI returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vectors[i] = emb.Values
	}
	return vectors, nil
}

// Ingest stores doc in the knowledge base, embedding it first when an
// embedder is available.
func Ingest(ctx context.Context, store state.KnowledgeStore, embedder Embedder, doc *state.Document) error {
	if embedder != nil && len(doc.Embedding) == 0 {
		text := doc.Content
		if doc.Title != "" {
			text = doc.Title + "\n\n" + doc.Content
		}
		vectors, err := embedder.Embed(ctx, []string{text}, TaskDocument)
		if err != nil {
			return fmt.Errorf("embedding document: %w", err)
		}
		if len(vectors) == 1 {
			doc.Embedding = vectors[0]
		}
	}
	return store.AddDocument(ctx, doc)
}
