// Package memory stores and retrieves records of past collection
// attempts by semantic similarity.
//
// Memories carry a type (procedural, episodic, semantic, contextual), an
// optional check-type scope, free-text content and a running success
// rate. The store contract is narrow: similarity search over
// caller-supplied embeddings, append of new records, and per-record
// success-rate updates. Embedding computation is the caller's
// responsibility, which keeps every stored vector in one model's space.
//
// The default implementation persists to chromem-go, an embedded vector
// database requiring no external service.
package memory
