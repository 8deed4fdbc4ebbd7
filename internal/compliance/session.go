package compliance

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of an evidence session.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionPlanning   SessionStatus = "planning"
	SessionCollecting SessionStatus = "collecting"
	SessionReviewing  SessionStatus = "reviewing"
	SessionCompleted  SessionStatus = "completed"
	SessionError      SessionStatus = "error"
	SessionCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether the session can no longer progress automatically.
// Error is terminal for automation but a human may retry by re-entering
// collecting.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled || s == SessionError
}

// StepStatus is the state of one progress step.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepInProgress   StepStatus = "in_progress"
	StepCompleted    StepStatus = "completed"
	StepError        StepStatus = "error"
	StepSkipped      StepStatus = "skipped"
	StepWaitingInput StepStatus = "waiting_input"
)

// stepTransitions enumerates the legal status moves. The executor drives
// pending → in_progress → completed/error; skip and retry are operator
// actions arriving through the session store.
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:      {StepInProgress, StepSkipped},
	StepInProgress:   {StepCompleted, StepError, StepWaitingInput},
	StepWaitingInput: {StepInProgress, StepSkipped},
	StepError:        {StepInProgress},
}

// ValidStepTransition reports whether a step may move from one status to
// another. Completed and skipped steps are final.
func ValidStepTransition(from, to StepStatus) bool {
	for _, next := range stepTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ProgressStep is one unit of session execution. Each step holds only its
// latest state; transition history is not kept.
type ProgressStep struct {
	ID          string     `json:"id"`
	Seq         int        `json:"step"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      StepStatus `json:"status"`
	Message     string     `json:"message"`
	Details     string     `json:"details,omitempty"`

	// Timestamp is the time of the last status transition.
	Timestamp time.Time `json:"timestamp"`

	EstimatedSeconds int `json:"estimated_time,omitempty"`
	ActualSeconds    int `json:"actual_time,omitempty"`

	SubSteps []ProgressStep `json:"sub_steps,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ChatRole identifies the author of a transcript message.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleSystem    ChatRole = "system"
)

// ChatMessage is one transcript entry. The transcript is strictly
// arrival-ordered and never reordered or deduplicated.
type ChatMessage struct {
	ID        string         `json:"id"`
	Role      ChatRole       `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RiskAssessment qualifies the risk of an execution decision.
type RiskAssessment struct {
	Level      string   `json:"level"`
	Factors    []string `json:"factors,omitempty"`
	Mitigation []string `json:"mitigation,omitempty"`
}

// Reasoning is one entry in the session's reasoning log, recorded per
// executed step.
type Reasoning struct {
	StepID                 string         `json:"step_id"`
	Reasoning              string         `json:"reasoning"`
	Confidence             float64        `json:"confidence"`
	AlternativesConsidered []string       `json:"alternatives_considered,omitempty"`
	SelectedApproach       string         `json:"selected_approach"`
	ExpectedOutcome        string         `json:"expected_outcome"`
	Risk                   RiskAssessment `json:"risk_assessment"`
}

// EvidenceSession is the aggregate root for one end-to-end collection run
// over a set of checks.
type EvidenceSession struct {
	ID       string        `json:"id"`
	CheckIDs []string      `json:"check_ids"`
	Provider string        `json:"llm_provider"`
	Status   SessionStatus `json:"status"`

	Steps      []ProgressStep `json:"progress_steps"`
	Transcript []ChatMessage  `json:"conversation"`
	Reasoning  []Reasoning    `json:"reasoning_log,omitempty"`

	TotalEvidence      int `json:"total_evidence"`
	SuccessfulEvidence int `json:"successful_evidence"`
	FailedEvidence     int `json:"failed_evidence"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewSession creates a pending session over the given checks.
func NewSession(checkIDs []string, provider string) *EvidenceSession {
	now := time.Now()
	return &EvidenceSession{
		ID:        uuid.New().String(),
		CheckIDs:  checkIDs,
		Provider:  provider,
		Status:    SessionPending,
		Steps:     []ProgressStep{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CurrentStep returns the step currently in progress, or nil.
func (s *EvidenceSession) CurrentStep() *ProgressStep {
	for i := range s.Steps {
		if s.Steps[i].Status == StepInProgress {
			return &s.Steps[i]
		}
	}
	return nil
}

// InProgressCount returns the number of in-progress steps. The executor
// guarantees this never exceeds one.
func (s *EvidenceSession) InProgressCount() int {
	n := 0
	for i := range s.Steps {
		if s.Steps[i].Status == StepInProgress {
			n++
		}
	}
	return n
}

// AppendMessage appends a transcript message in arrival order.
func (s *EvidenceSession) AppendMessage(role ChatRole, content string) ChatMessage {
	msg := ChatMessage{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
	s.Transcript = append(s.Transcript, msg)
	s.UpdatedAt = msg.Timestamp
	return msg
}
