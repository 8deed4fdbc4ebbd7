// Package llm routes chat-completion and embedding requests across
// interchangeable model providers.
//
// A Router holds one adapter per configured vendor, selected at
// construction time based on which credentials are present. Callers see a
// single Generate/Embed surface; request and response shapes are
// normalized so usage accounting is provider-agnostic. When the selected
// provider fails, the Router retries the same request once against the
// next available provider (single-hop failover) and annotates the result
// with the provider actually used.
//
// Embedding generation is reserved to the OpenAI backend; Embed returns
// ErrEmbeddingUnavailable when no OpenAI credential is configured.
package llm
