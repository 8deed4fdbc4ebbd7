package llm

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evidenced/internal/logging"
)

// Config holds router-level configuration.
type Config struct {
	// DefaultProvider is preferred when the caller does not name one.
	// When empty or not configured, the first available provider wins.
	DefaultProvider string `koanf:"default_provider" json:"default_provider"`

	Providers map[string]ProviderConfig `koanf:"providers" json:"providers,omitempty"`
}

// ProviderConfig holds per-vendor overrides. An empty APIKey leaves the
// vendor inactive.
type ProviderConfig struct {
	APIKey         string `koanf:"api_key" json:"-"`
	Model          string `koanf:"model" json:"model,omitempty"`
	BaseURL        string `koanf:"base_url" json:"base_url,omitempty"`
	TimeoutSeconds int    `koanf:"timeout_seconds" json:"timeout_seconds,omitempty"`

	// EmbeddingBaseURL overrides the embedding endpoint (openai only).
	EmbeddingBaseURL string `koanf:"embedding_base_url" json:"embedding_base_url,omitempty"`
}

// Router presents one Generate/Embed surface over the active providers,
// with single-hop failover on provider errors.
type Router struct {
	providers map[string]Provider
	order     []string
	defaultID string
	embedder  Embedder

	logger *logging.Logger
	tracer trace.Tracer
}

// NewRouter activates one adapter per vendor with a configured credential.
// Returns ErrNoProviderAvailable when no credential is present at all.
func NewRouter(cfg Config, logger *logging.Logger) (*Router, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	r := &Router{
		providers: make(map[string]Provider),
		defaultID: cfg.DefaultProvider,
		logger:    logger.Named("llm"),
		tracer:    otel.Tracer("evidenced/llm"),
	}

	for _, id := range providerOrder {
		pcfg, ok := cfg.Providers[id]
		if !ok || pcfg.APIKey == "" {
			continue
		}
		provider, err := newProvider(id, pcfg)
		if err != nil {
			return nil, fmt.Errorf("configuring provider %s: %w", id, err)
		}
		r.providers[id] = provider
		r.order = append(r.order, id)
	}

	if len(r.order) == 0 {
		return nil, ErrNoProviderAvailable
	}

	if openaiCfg, ok := cfg.Providers[ProviderOpenAI]; ok && openaiCfg.APIKey != "" {
		embedder, err := newOpenAIEmbedder(openaiCfg)
		if err != nil {
			return nil, fmt.Errorf("configuring embedder: %w", err)
		}
		r.embedder = embedder
	}

	r.logger.Info(context.Background(), "llm router configured",
		zap.Strings("providers", r.order),
		zap.Bool("embeddings", r.embedder != nil))

	return r, nil
}

// newRouterWith wires an explicit provider set, preserving slice order.
// Used by tests and by callers that construct adapters themselves.
func newRouterWith(providers []Provider, defaultID string, embedder Embedder, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Router{
		providers: make(map[string]Provider, len(providers)),
		defaultID: defaultID,
		embedder:  embedder,
		logger:    logger.Named("llm"),
		tracer:    otel.Tracer("evidenced/llm"),
	}
	for _, p := range providers {
		id := p.Info().ID
		if _, dup := r.providers[id]; dup {
			continue
		}
		r.providers[id] = p
		r.order = append(r.order, id)
	}
	return r
}

// ListAvailable returns the active providers in selection order.
func (r *Router) ListAvailable() []ProviderInfo {
	infos := make([]ProviderInfo, 0, len(r.order))
	for _, id := range r.order {
		infos = append(infos, r.providers[id].Info())
	}
	return infos
}

// SelectDefault returns the configured default when active, else the first
// available provider.
func (r *Router) SelectDefault() (string, error) {
	if r.defaultID != "" {
		if _, ok := r.providers[r.defaultID]; ok {
			return r.defaultID, nil
		}
	}
	if len(r.order) > 0 {
		return r.order[0], nil
	}
	return "", ErrNoProviderAvailable
}

// Generate dispatches the completion to the chosen provider. On any error
// from it, the same request is retried once against the next available
// different provider; the result carries the provider actually used.
// Failover is deliberately single-hop: when an entire class of providers
// is down, exhaustive chains amplify one request into many outbound calls.
func (r *Router) Generate(ctx context.Context, messages []Message, cfg GenerateConfig) (*Response, error) {
	primary := cfg.Provider
	if primary == "" {
		selected, err := r.SelectDefault()
		if err != nil {
			return nil, err
		}
		primary = selected
	}

	ctx, span := r.tracer.Start(ctx, "llm.generate",
		trace.WithAttributes(attribute.String("llm.provider", primary)))
	defer span.End()

	provider, ok := r.providers[primary]
	if !ok {
		return nil, &ProviderError{Provider: primary, Err: fmt.Errorf("provider not configured")}
	}

	resp, err := r.call(ctx, provider, messages, cfg)
	if err == nil {
		return resp, nil
	}

	fallback := r.fallbackFor(primary)
	if fallback == nil {
		return nil, &ProviderError{Provider: primary, Err: err}
	}

	fallbackID := fallback.Info().ID
	r.logger.Warn(ctx, "provider failed, failing over",
		zap.String("provider", primary),
		zap.String("fallback", fallbackID),
		zap.Error(err))
	failoversTotal.WithLabelValues(primary, fallbackID).Inc()
	span.SetAttributes(attribute.String("llm.fallback_provider", fallbackID))

	resp, ferr := r.call(ctx, fallback, messages, cfg)
	if ferr != nil {
		return nil, &ProviderError{Provider: fallbackID, Err: ferr}
	}
	return resp, nil
}

// Embed generates the embedding vector for one text. Only the OpenAI
// backend carries the embeddings capability.
func (r *Router) Embed(ctx context.Context, text string) ([]float32, error) {
	if r.embedder == nil {
		return nil, ErrEmbeddingUnavailable
	}

	ctx, span := r.tracer.Start(ctx, "llm.embed")
	defer span.End()

	vector, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("generating embedding: %w", err)
	}
	return vector, nil
}

// EmbeddingAvailable reports whether Embed can succeed.
func (r *Router) EmbeddingAvailable() bool {
	return r.embedder != nil
}

func (r *Router) call(ctx context.Context, provider Provider, messages []Message, cfg GenerateConfig) (*Response, error) {
	id := provider.Info().ID
	start := time.Now()

	resp, err := provider.Generate(ctx, messages, cfg)
	requestDuration.WithLabelValues(id).Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(id, "error").Inc()
		return nil, err
	}

	requestsTotal.WithLabelValues(id, "success").Inc()
	if resp.Usage != nil {
		tokensTotal.WithLabelValues(id, "prompt").Add(float64(resp.Usage.PromptTokens))
		tokensTotal.WithLabelValues(id, "completion").Add(float64(resp.Usage.CompletionTokens))
	}

	resp.Provider = id
	return resp, nil
}

// fallbackFor returns the first available provider other than the failed
// one, or nil when the failed provider was the only one configured.
func (r *Router) fallbackFor(failed string) Provider {
	for _, id := range r.order {
		if id == failed {
			continue
		}
		return r.providers[id]
	}
	return nil
}
