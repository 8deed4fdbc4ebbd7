package memory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type classifies what kind of knowledge a memory holds.
type Type string

const (
	// TypeProcedural records a source/pattern combination that worked.
	TypeProcedural Type = "procedural"

	// TypeEpisodic records a specific attempt and its outcome, including
	// failures and their lessons.
	TypeEpisodic Type = "episodic"

	// TypeSemantic records general domain knowledge about a check.
	TypeSemantic Type = "semantic"

	// TypeContextual records organization-specific context (folder
	// layouts, naming conventions, owner quirks).
	TypeContextual Type = "contextual"
)

// Valid reports whether t is a known memory type.
func (t Type) Valid() bool {
	switch t {
	case TypeProcedural, TypeEpisodic, TypeSemantic, TypeContextual:
		return true
	}
	return false
}

// Search defaults. Callers pass zero values to get these.
const (
	DefaultThreshold = 0.7
	DefaultLimit     = 5
)

var (
	// ErrInvalidMemory indicates a memory that fails its invariants.
	ErrInvalidMemory = errors.New("invalid memory")

	// ErrNotFound indicates the memory id does not exist.
	ErrNotFound = errors.New("memory not found")
)

// Memory is one stored record of a past attempt's context and outcome.
type Memory struct {
	ID        string `json:"id"`
	Type      Type   `json:"memory_type"`
	CheckType string `json:"check_type,omitempty"`
	Content   string `json:"content"`

	// SuccessRate is a running average over recorded applications,
	// starting from the rate set at creation.
	SuccessRate      float64 `json:"success_rate"`
	ApplicationCount int     `json:"application_count"`

	CreatedBy string    `json:"created_by"`
	Embedding []float32 `json:"-"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a memory with a fresh id and timestamps.
func New(t Type, checkType, content, createdBy string, successRate float64) *Memory {
	now := timeNow()
	return &Memory{
		ID:          uuid.New().String(),
		Type:        t,
		CheckType:   checkType,
		Content:     content,
		SuccessRate: successRate,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks the memory invariants.
func (m *Memory) Validate() error {
	if !m.Type.Valid() {
		return ErrInvalidMemory
	}
	if m.Content == "" {
		return ErrInvalidMemory
	}
	if m.SuccessRate < 0 || m.SuccessRate > 1 {
		return ErrInvalidMemory
	}
	return nil
}

// Expired reports whether the memory has an expiry in the past.
func (m *Memory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}

// RecordApplication folds one more application outcome into the running
// success average.
func (m *Memory) RecordApplication(success bool) {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	n := float64(m.ApplicationCount)
	m.SuccessRate = (m.SuccessRate*n + outcome) / (n + 1)
	m.ApplicationCount++
	m.UpdatedAt = timeNow()
}

// Filters narrows a similarity search.
type Filters struct {
	Types     []Type `json:"memory_types,omitempty"`
	CheckType string `json:"check_type,omitempty"`
}

// Match is one search hit with its similarity to the query.
type Match struct {
	Memory     *Memory `json:"memory"`
	Similarity float64 `json:"similarity"`
}

// Store is the contract for memory persistence. Implementations must be
// safe for concurrent use by many sessions; records are keyed by their
// own id with independent updates, so no cross-session coordination is
// required.
type Store interface {
	// Search returns memories whose similarity to the query embedding
	// clears the threshold, ordered by similarity descending. An empty
	// result is not an error. Zero threshold/limit use the defaults.
	Search(ctx context.Context, embedding []float32, filters Filters, threshold float64, limit int) ([]Match, error)

	// Add persists a new memory. The caller computes the embedding
	// before calling.
	Add(ctx context.Context, m *Memory) error

	// RecordApplication updates one memory's running success average.
	RecordApplication(ctx context.Context, id string, success bool) error
}
