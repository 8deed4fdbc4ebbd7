package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// Embedding generation is pinned to one canonical model so every stored
// memory vector lives in the same space.
const (
	// EmbeddingModel is the canonical embedding model.
	EmbeddingModel = "text-embedding-ada-002"

	// EmbeddingDimensions is the vector width produced by EmbeddingModel.
	EmbeddingDimensions = 1536

	defaultEmbeddingBaseURL = "https://api.openai.com/v1"
)

// openAIEmbedder generates embeddings via langchaingo's OpenAI client.
type openAIEmbedder struct {
	embedder *embeddings.EmbedderImpl
}

func newOpenAIEmbedder(cfg ProviderConfig) (*openAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key required")
	}

	baseURL := cfg.EmbeddingBaseURL
	if baseURL == "" {
		baseURL = defaultEmbeddingBaseURL
	}

	llm, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithModel(EmbeddingModel),
		openai.WithEmbeddingModel(EmbeddingModel),
		openai.WithToken(cfg.APIKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &openAIEmbedder{embedder: embedder}, nil
}

// Embed generates the embedding vector for one text.
func (e *openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return vector, nil
}

var _ Embedder = (*openAIEmbedder)(nil)
