package compliance

import (
	"errors"
	"fmt"
)

// Approach classifies how much of a collection strategy is automated.
type Approach string

const (
	ApproachAutomated     Approach = "automated"
	ApproachSemiAutomated Approach = "semi-automated"
	ApproachManual        Approach = "manual"
)

// Valid reports whether a is a known approach.
func (a Approach) Valid() bool {
	switch a {
	case ApproachAutomated, ApproachSemiAutomated, ApproachManual:
		return true
	}
	return false
}

// Common errors for strategy validation.
var (
	ErrInvalidApproach   = errors.New("approach must be automated, semi-automated or manual")
	ErrInvalidConfidence = errors.New("confidence score must be between 0.0 and 1.0")
	ErrNegativeEstimate  = errors.New("estimated time cannot be negative")
)

// CollectionStrategy is the planned approach for collecting evidence for one
// check. A strategy is produced once per check per session and is immutable
// once execution starts; re-planning creates a new strategy.
type CollectionStrategy struct {
	CheckID  string   `json:"check_id"`
	Approach Approach `json:"approach"`

	// Sources are candidate source-system ids tried in order (first match
	// wins during execution).
	Sources []string `json:"sources"`

	// FilePatterns are shell-style name patterns matched against candidate
	// evidence files.
	FilePatterns []string `json:"file_patterns"`

	// ValidationRules is the opaque rule set handed to the validator.
	ValidationRules map[string]any `json:"validation_rules,omitempty"`

	// EstimatedSeconds is the planner's time estimate for the collection.
	EstimatedSeconds int `json:"estimated_time"`

	// ConfidenceScore in [0,1] reflects how likely the plan is to succeed.
	ConfidenceScore float64 `json:"confidence_score"`

	// FallbackStrategies are alternative plans, same shape, recursively.
	FallbackStrategies []CollectionStrategy `json:"fallback_strategies,omitempty"`
}

// Validate checks the strategy invariants, including nested fallbacks.
func (s *CollectionStrategy) Validate() error {
	if !s.Approach.Valid() {
		return fmt.Errorf("%w: got %q", ErrInvalidApproach, s.Approach)
	}
	if s.ConfidenceScore < 0 || s.ConfidenceScore > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidConfidence, s.ConfidenceScore)
	}
	if s.EstimatedSeconds < 0 {
		return fmt.Errorf("%w: got %d", ErrNegativeEstimate, s.EstimatedSeconds)
	}
	for i := range s.FallbackStrategies {
		if err := s.FallbackStrategies[i].Validate(); err != nil {
			return fmt.Errorf("fallback %d: %w", i, err)
		}
	}
	return nil
}
