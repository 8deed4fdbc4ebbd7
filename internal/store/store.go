package store

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/evidenced/internal/compliance"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists indicates a create collided with an existing id.
	ErrAlreadyExists = errors.New("record already exists")
)

// CheckStore holds compliance checks imported from the GRC source of
// truth.
type CheckStore interface {
	Put(ctx context.Context, check *compliance.ComplianceCheck) error
	Get(ctx context.Context, id string) (*compliance.ComplianceCheck, error)
	List(ctx context.Context) ([]*compliance.ComplianceCheck, error)
}

// SessionStore persists evidence sessions with their nested steps and
// transcript.
type SessionStore interface {
	Create(ctx context.Context, session *compliance.EvidenceSession) error
	Get(ctx context.Context, id string) (*compliance.EvidenceSession, error)
	List(ctx context.Context) ([]*compliance.EvidenceSession, error)

	// Update replaces session-level fields (status, counters) without
	// touching steps or transcript.
	Update(ctx context.Context, session *compliance.EvidenceSession) error

	// ReadProgressSteps returns the latest snapshot of all steps.
	ReadProgressSteps(ctx context.Context, sessionID string) ([]compliance.ProgressStep, error)

	// WriteProgressStep upserts one step by id. Callers must read the
	// latest steps first; concurrent writers (operator skip/retry) target
	// different step ids.
	WriteProgressStep(ctx context.Context, sessionID string, step compliance.ProgressStep) error

	// AppendMessage appends one transcript entry in arrival order.
	AppendMessage(ctx context.Context, sessionID string, msg compliance.ChatMessage) error

	// AppendReasoning appends one reasoning-log entry.
	AppendReasoning(ctx context.Context, sessionID string, entry compliance.Reasoning) error
}

// EvidenceStore persists collected evidence items. Items are never
// deleted, only superseded.
type EvidenceStore interface {
	Add(ctx context.Context, item *compliance.EvidenceItem) error
	Get(ctx context.Context, id string) (*compliance.EvidenceItem, error)
	Update(ctx context.Context, item *compliance.EvidenceItem) error
	ListBySession(ctx context.Context, sessionID string) ([]*compliance.EvidenceItem, error)
}
