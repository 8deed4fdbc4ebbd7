package llm

import "fmt"

// wireStyle selects the request/response shape an adapter speaks.
type wireStyle int

const (
	wireOpenAI wireStyle = iota // also Moonshot, Groq, DeepSeek
	wireAnthropic
	wireGoogle
)

// catalogEntry holds the static metadata and defaults for one vendor.
type catalogEntry struct {
	info         ProviderInfo
	style        wireStyle
	baseURL      string
	defaultModel string
}

// catalog enumerates every supported vendor. Only entries with a
// configured credential become active adapters.
var catalog = map[string]catalogEntry{
	ProviderOpenAI: {
		info: ProviderInfo{
			ID:                ProviderOpenAI,
			Name:              "OpenAI",
			Models:            []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1"},
			Capabilities:      []Capability{CapChat, CapEmbeddings, CapFunctionCalling, CapVision},
			CostPer1KTokens:   0.0025,
			RequestsPerMinute: 60,
		},
		style:        wireOpenAI,
		baseURL:      "https://api.openai.com",
		defaultModel: "gpt-4o-mini",
	},
	ProviderAnthropic: {
		info: ProviderInfo{
			ID:                ProviderAnthropic,
			Name:              "Anthropic",
			Models:            []string{"claude-sonnet-4-20250514", "claude-3-5-haiku-20241022"},
			Capabilities:      []Capability{CapChat, CapFunctionCalling, CapVision},
			CostPer1KTokens:   0.003,
			RequestsPerMinute: 50,
		},
		style:        wireAnthropic,
		baseURL:      "https://api.anthropic.com",
		defaultModel: "claude-sonnet-4-20250514",
	},
	ProviderGoogle: {
		info: ProviderInfo{
			ID:                ProviderGoogle,
			Name:              "Google Gemini",
			Models:            []string{"gemini-2.0-flash", "gemini-1.5-pro"},
			Capabilities:      []Capability{CapChat, CapFunctionCalling, CapVision},
			CostPer1KTokens:   0.0001,
			RequestsPerMinute: 60,
		},
		style:        wireGoogle,
		baseURL:      "https://generativelanguage.googleapis.com",
		defaultModel: "gemini-2.0-flash",
	},
	ProviderKimi: {
		info: ProviderInfo{
			ID:                ProviderKimi,
			Name:              "Moonshot Kimi",
			Models:            []string{"kimi-k2-0905-preview", "moonshot-v1-32k"},
			Capabilities:      []Capability{CapChat, CapFunctionCalling},
			CostPer1KTokens:   0.001,
			RequestsPerMinute: 60,
		},
		style:        wireOpenAI,
		baseURL:      "https://api.moonshot.ai",
		defaultModel: "kimi-k2-0905-preview",
	},
	ProviderGroq: {
		info: ProviderInfo{
			ID:                ProviderGroq,
			Name:              "Groq",
			Models:            []string{"llama-3.3-70b-versatile", "llama-3.1-8b-instant"},
			Capabilities:      []Capability{CapChat},
			CostPer1KTokens:   0.00059,
			RequestsPerMinute: 30,
		},
		style:        wireOpenAI,
		baseURL:      "https://api.groq.com/openai",
		defaultModel: "llama-3.3-70b-versatile",
	},
	ProviderDeepSeek: {
		info: ProviderInfo{
			ID:                ProviderDeepSeek,
			Name:              "DeepSeek",
			Models:            []string{"deepseek-chat", "deepseek-reasoner"},
			Capabilities:      []Capability{CapChat, CapFunctionCalling},
			CostPer1KTokens:   0.00027,
			RequestsPerMinute: 60,
		},
		style:        wireOpenAI,
		baseURL:      "https://api.deepseek.com",
		defaultModel: "deepseek-chat",
	},
}

// providerOrder fixes the activation and default-selection order. OpenAI
// first because it is also the embedding backend.
var providerOrder = []string{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderGoogle,
	ProviderKimi,
	ProviderGroq,
	ProviderDeepSeek,
}

// newProvider builds the adapter for one vendor from its catalog entry and
// per-provider configuration overrides.
func newProvider(id string, cfg ProviderConfig) (Provider, error) {
	entry, ok := catalog[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", id)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s API key required", id)
	}

	switch entry.style {
	case wireOpenAI:
		return newOpenAICompatClient(entry, cfg), nil
	case wireAnthropic:
		return newAnthropicClient(entry, cfg), nil
	case wireGoogle:
		return newGoogleClient(entry, cfg), nil
	default:
		return nil, fmt.Errorf("unknown wire style for provider %s", id)
	}
}
