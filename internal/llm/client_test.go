package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAICompatForTest(t *testing.T, baseURL string) *openAICompatClient {
	t.Helper()
	client := newOpenAICompatClient(catalog[ProviderOpenAI], ProviderConfig{
		APIKey:  "test-key",
		BaseURL: baseURL,
	})
	client.maxRetries = 1
	return client
}

func TestOpenAICompatGenerate(t *testing.T) {
	var gotAuth string
	var gotReq openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-mini",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "collected"}},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15},
		})
	}))
	defer server.Close()

	client := openAICompatForTest(t, server.URL)
	resp, err := client.Generate(context.Background(), []Message{
		{Role: "system", Content: "you plan evidence collection"},
		{Role: "user", Content: "plan the access review"},
	}, GenerateConfig{Temperature: 0.3})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotReq.Model)
	assert.Len(t, gotReq.Messages, 2)
	assert.InDelta(t, 0.3, gotReq.Temperature, 1e-9)

	assert.Equal(t, "collected", resp.Content)
	assert.Equal(t, "openai", resp.Provider)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestOpenAICompatRetriesRateLimit(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "second try"}},
			},
		})
	}))
	defer server.Close()

	client := openAICompatForTest(t, server.URL)
	resp, err := client.Generate(context.Background(), []Message{{Role: "user", Content: "x"}}, GenerateConfig{})
	require.NoError(t, err)
	assert.Equal(t, "second try", resp.Content)
	assert.Equal(t, 2, attempts)
}

func TestOpenAICompatAuthErrorNotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "invalid api key", "type": "invalid_request_error"},
		})
	}))
	defer server.Close()

	client := openAICompatForTest(t, server.URL)
	_, err := client.Generate(context.Background(), []Message{{Role: "user", Content: "x"}}, GenerateConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
	assert.Equal(t, 1, attempts)
}

func TestAnthropicGenerate(t *testing.T) {
	var gotReq anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		require.Equal(t, "2023-06-01", r.Header.Get("Anthropic-Version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]any{
			"model":   "claude-sonnet-4-20250514",
			"content": []map[string]string{{"type": "text", "text": "strategy drafted"}},
			"usage":   map[string]int{"input_tokens": 20, "output_tokens": 5},
		})
	}))
	defer server.Close()

	client := newAnthropicClient(catalog[ProviderAnthropic], ProviderConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
	})
	client.maxRetries = 1

	resp, err := client.Generate(context.Background(), []Message{
		{Role: "system", Content: "be concise"},
		{Role: "user", Content: "draft the strategy"},
	}, GenerateConfig{})
	require.NoError(t, err)

	// System turns move to the top-level field, not the message list.
	assert.Equal(t, "be concise", gotReq.System)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)

	assert.Equal(t, "strategy drafted", resp.Content)
	assert.Equal(t, "anthropic", resp.Provider)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 25, resp.Usage.TotalTokens)
}

func TestGoogleGenerate(t *testing.T) {
	var gotReq geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("X-Goog-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"role": "model", "parts": []map[string]string{{"text": "done"}}}},
			},
			"usageMetadata": map[string]int{"promptTokenCount": 8, "candidatesTokenCount": 2, "totalTokenCount": 10},
		})
	}))
	defer server.Close()

	client := newGoogleClient(catalog[ProviderGoogle], ProviderConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
	})
	client.maxRetries = 1

	resp, err := client.Generate(context.Background(), []Message{
		{Role: "system", Content: "answer briefly"},
		{Role: "user", Content: "status?"},
		{Role: "assistant", Content: "working"},
		{Role: "user", Content: "and now?"},
	}, GenerateConfig{})
	require.NoError(t, err)

	require.NotNil(t, gotReq.SystemInstruction)
	require.Len(t, gotReq.Contents, 3)
	assert.Equal(t, "user", gotReq.Contents[0].Role)
	assert.Equal(t, "model", gotReq.Contents[1].Role)

	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, "google", resp.Provider)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestNewProviderRequiresKey(t *testing.T) {
	_, err := newProvider(ProviderOpenAI, ProviderConfig{})
	require.Error(t, err)

	_, err = newProvider("nonexistent", ProviderConfig{APIKey: "x"})
	require.Error(t, err)
}
