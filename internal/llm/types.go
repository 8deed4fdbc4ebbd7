package llm

import (
	"context"
	"errors"
	"fmt"
)

// Known provider ids. Adapters are activated per id when the matching
// credential is configured.
const (
	ProviderKimi      = "kimi"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderGroq      = "groq"
	ProviderDeepSeek  = "deepseek"
)

// Capability tags advertised per provider.
type Capability string

const (
	CapChat            Capability = "chat"
	CapEmbeddings      Capability = "embeddings"
	CapFunctionCalling Capability = "function_calling"
	CapVision          Capability = "vision"
)

var (
	// ErrNoProviderAvailable indicates no provider has a configured credential.
	ErrNoProviderAvailable = errors.New("no llm provider configured")

	// ErrEmbeddingUnavailable indicates no embedding-capable provider is configured.
	ErrEmbeddingUnavailable = errors.New("no embedding-capable provider configured")
)

// ProviderError reports a failure from a specific provider backend.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the normalized token accounting across provider response shapes.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a normalized chat-completion result. Provider is the id of
// the backend that actually produced the content, which may differ from
// the requested one after failover.
type Response struct {
	Content  string `json:"content"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
	Usage    *Usage `json:"usage,omitempty"`
}

// GenerateConfig selects the backend and tunes the completion call.
// Zero values fall back to router/provider defaults.
type GenerateConfig struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// ProviderInfo describes one provider for catalog listings.
type ProviderInfo struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Models       []string     `json:"models"`
	Capabilities []Capability `json:"capabilities"`

	// CostPer1KTokens is a rough blended estimate for cost dashboards,
	// not a billing source of truth.
	CostPer1KTokens   float64 `json:"cost_per_1k_tokens"`
	RequestsPerMinute int     `json:"requests_per_minute"`
}

// Provider is one interchangeable chat-completion backend.
type Provider interface {
	Info() ProviderInfo
	Generate(ctx context.Context, messages []Message, cfg GenerateConfig) (*Response, error)
}

// Embedder generates a vector embedding for one text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
