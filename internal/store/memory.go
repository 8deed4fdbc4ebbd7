package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/fyrsmithlabs/evidenced/internal/compliance"
)

// MemoryCheckStore is an in-memory CheckStore.
type MemoryCheckStore struct {
	mu     sync.RWMutex
	checks map[string]*compliance.ComplianceCheck
}

// NewMemoryCheckStore creates an empty in-memory check store.
func NewMemoryCheckStore() *MemoryCheckStore {
	return &MemoryCheckStore{checks: make(map[string]*compliance.ComplianceCheck)}
}

func (s *MemoryCheckStore) Put(ctx context.Context, check *compliance.ComplianceCheck) error {
	if check.ID == "" {
		return fmt.Errorf("check id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[check.ID] = cloneCheck(check)
	return nil
}

func (s *MemoryCheckStore) Get(ctx context.Context, id string) (*compliance.ComplianceCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	check, ok := s.checks[id]
	if !ok {
		return nil, fmt.Errorf("%w: check %s", ErrNotFound, id)
	}
	return cloneCheck(check), nil
}

func (s *MemoryCheckStore) List(ctx context.Context) ([]*compliance.ComplianceCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	checks := make([]*compliance.ComplianceCheck, 0, len(s.checks))
	for _, check := range s.checks {
		checks = append(checks, cloneCheck(check))
	}
	slices.SortFunc(checks, func(a, b *compliance.ComplianceCheck) int {
		if a.CheckName < b.CheckName {
			return -1
		}
		if a.CheckName > b.CheckName {
			return 1
		}
		return 0
	})
	return checks, nil
}

// MemorySessionStore is an in-memory SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*compliance.EvidenceSession
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*compliance.EvidenceSession)}
}

func (s *MemorySessionStore) Create(ctx context.Context, session *compliance.EvidenceSession) error {
	if session.ID == "" {
		return fmt.Errorf("session id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("%w: session %s", ErrAlreadyExists, session.ID)
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *MemorySessionStore) Get(ctx context.Context, id string) (*compliance.EvidenceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return cloneSession(session), nil
}

func (s *MemorySessionStore) List(ctx context.Context) ([]*compliance.EvidenceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]*compliance.EvidenceSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, cloneSession(session))
	}
	slices.SortFunc(sessions, func(a, b *compliance.EvidenceSession) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return sessions, nil
}

func (s *MemorySessionStore) Update(ctx context.Context, session *compliance.EvidenceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[session.ID]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, session.ID)
	}

	// Steps and transcript mutate only through their dedicated writes.
	current.Status = session.Status
	current.Provider = session.Provider
	current.TotalEvidence = session.TotalEvidence
	current.SuccessfulEvidence = session.SuccessfulEvidence
	current.FailedEvidence = session.FailedEvidence
	current.UpdatedAt = session.UpdatedAt
	if session.CompletedAt != nil {
		completed := *session.CompletedAt
		current.CompletedAt = &completed
	}
	return nil
}

func (s *MemorySessionStore) ReadProgressSteps(ctx context.Context, sessionID string) ([]compliance.ProgressStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	steps := make([]compliance.ProgressStep, len(session.Steps))
	for i := range session.Steps {
		steps[i] = cloneStep(session.Steps[i])
	}
	return steps, nil
}

func (s *MemorySessionStore) WriteProgressStep(ctx context.Context, sessionID string, step compliance.ProgressStep) error {
	if step.ID == "" {
		return fmt.Errorf("step id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}

	for i := range session.Steps {
		if session.Steps[i].ID == step.ID {
			session.Steps[i] = cloneStep(step)
			session.UpdatedAt = time.Now()
			return nil
		}
	}
	session.Steps = append(session.Steps, cloneStep(step))
	session.UpdatedAt = time.Now()
	return nil
}

func (s *MemorySessionStore) AppendMessage(ctx context.Context, sessionID string, msg compliance.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	msg.Metadata = maps.Clone(msg.Metadata)
	session.Transcript = append(session.Transcript, msg)
	session.UpdatedAt = time.Now()
	return nil
}

func (s *MemorySessionStore) AppendReasoning(ctx context.Context, sessionID string, entry compliance.Reasoning) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	session.Reasoning = append(session.Reasoning, entry)
	session.UpdatedAt = time.Now()
	return nil
}

// MemoryEvidenceStore is an in-memory EvidenceStore.
type MemoryEvidenceStore struct {
	mu    sync.RWMutex
	items map[string]*compliance.EvidenceItem
	order []string
}

// NewMemoryEvidenceStore creates an empty in-memory evidence store.
func NewMemoryEvidenceStore() *MemoryEvidenceStore {
	return &MemoryEvidenceStore{items: make(map[string]*compliance.EvidenceItem)}
}

func (s *MemoryEvidenceStore) Add(ctx context.Context, item *compliance.EvidenceItem) error {
	if item.ID == "" {
		return fmt.Errorf("evidence id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("%w: evidence %s", ErrAlreadyExists, item.ID)
	}
	s.items[item.ID] = cloneEvidence(item)
	s.order = append(s.order, item.ID)
	return nil
}

func (s *MemoryEvidenceStore) Get(ctx context.Context, id string) (*compliance.EvidenceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: evidence %s", ErrNotFound, id)
	}
	return cloneEvidence(item), nil
}

func (s *MemoryEvidenceStore) Update(ctx context.Context, item *compliance.EvidenceItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return fmt.Errorf("%w: evidence %s", ErrNotFound, item.ID)
	}
	s.items[item.ID] = cloneEvidence(item)
	return nil
}

func (s *MemoryEvidenceStore) ListBySession(ctx context.Context, sessionID string) ([]*compliance.EvidenceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]*compliance.EvidenceItem, 0)
	for _, id := range s.order {
		if item := s.items[id]; item.SessionID == sessionID {
			items = append(items, cloneEvidence(item))
		}
	}
	return items, nil
}

func cloneCheck(check *compliance.ComplianceCheck) *compliance.ComplianceCheck {
	clone := *check
	clone.CollectionRequirements = maps.Clone(check.CollectionRequirements)
	clone.ValidationRules = maps.Clone(check.ValidationRules)
	clone.Tags = slices.Clone(check.Tags)
	return &clone
}

func cloneSession(session *compliance.EvidenceSession) *compliance.EvidenceSession {
	clone := *session
	clone.CheckIDs = slices.Clone(session.CheckIDs)
	clone.Steps = make([]compliance.ProgressStep, len(session.Steps))
	for i := range session.Steps {
		clone.Steps[i] = cloneStep(session.Steps[i])
	}
	clone.Transcript = slices.Clone(session.Transcript)
	clone.Reasoning = slices.Clone(session.Reasoning)
	if session.CompletedAt != nil {
		completed := *session.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}

func cloneStep(step compliance.ProgressStep) compliance.ProgressStep {
	clone := step
	clone.Metadata = maps.Clone(step.Metadata)
	clone.SubSteps = make([]compliance.ProgressStep, len(step.SubSteps))
	for i := range step.SubSteps {
		clone.SubSteps[i] = cloneStep(step.SubSteps[i])
	}
	return clone
}

func cloneEvidence(item *compliance.EvidenceItem) *compliance.EvidenceItem {
	clone := *item
	if item.Validation != nil {
		validation := *item.Validation
		validation.Issues = slices.Clone(item.Validation.Issues)
		clone.Validation = &validation
	}
	if item.ReviewedAt != nil {
		reviewed := *item.ReviewedAt
		clone.ReviewedAt = &reviewed
	}
	return &clone
}

var (
	_ CheckStore    = (*MemoryCheckStore)(nil)
	_ SessionStore  = (*MemorySessionStore)(nil)
	_ EvidenceStore = (*MemoryEvidenceStore)(nil)
)
