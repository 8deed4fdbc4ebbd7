package validator

import (
	"encoding/json"
	"fmt"
)

// IssueType classifies the severity of a validation issue.
type IssueType string

const (
	IssueError   IssueType = "error"
	IssueWarning IssueType = "warning"
	IssueInfo    IssueType = "info"
)

// Issue is a single finding raised by a validation check.
type Issue struct {
	Type       IssueType `json:"type"`
	Message    string    `json:"message"`
	Field      string    `json:"field,omitempty"`
	Suggestion string    `json:"suggestion,omitempty"`
}

// ContentAnalysis summarizes what the validator saw in the artifact content.
type ContentAnalysis struct {
	Summary      string   `json:"summary"`
	KeyFindings  []string `json:"key_findings,omitempty"`
	QualityScore float64  `json:"quality_score"`
}

// Result is the verdict for one artifact. Validation failures are data, not
// control flow: callers always receive a Result, never an error.
type Result struct {
	IsValid              bool             `json:"is_valid"`
	Score                float64          `json:"validation_score"`
	Issues               []Issue          `json:"issues"`
	MetadataCompleteness float64          `json:"metadata_completeness"`
	ContentAnalysis      *ContentAnalysis `json:"content_analysis,omitempty"`
}

// ErrorCount returns the number of error-severity issues.
func (r Result) ErrorCount() int { return r.countIssues(IssueError) }

// WarningCount returns the number of warning-severity issues.
func (r Result) WarningCount() int { return r.countIssues(IssueWarning) }

func (r Result) countIssues(t IssueType) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Type == t {
			n++
		}
	}
	return n
}

// SizeLimits bounds the artifact size in bytes.
type SizeLimits struct {
	MinBytes int64 `json:"min_bytes,omitempty"`
	MaxBytes int64 `json:"max_bytes,omitempty"`
}

// DateConstraints bounds the artifact age.
type DateConstraints struct {
	NotOlderThanDays int  `json:"not_older_than_days,omitempty"`
	MustBeRecent     bool `json:"must_be_recent,omitempty"`
}

// ValidationContext enumerates the declarative rules applied to an artifact.
type ValidationContext struct {
	CheckType        string           `json:"check_type,omitempty"`
	Framework        string           `json:"framework,omitempty"`
	ExpectedPatterns []string         `json:"expected_patterns,omitempty"`
	RequiredFields   []string         `json:"required_fields,omitempty"`
	SizeLimits       *SizeLimits      `json:"size_limits,omitempty"`
	AllowedTypes     []string         `json:"allowed_types,omitempty"`
	DateConstraints  *DateConstraints `json:"date_constraints,omitempty"`
}

// ContextFromRules decodes an opaque rules map (as stored on a compliance
// check or collection strategy) into a ValidationContext. Unknown keys are
// ignored; the check type and framework arguments win over values in the map
// when the map omits them.
func ContextFromRules(checkType, framework string, rules map[string]any) (ValidationContext, error) {
	var vc ValidationContext
	if len(rules) > 0 {
		raw, err := json.Marshal(rules)
		if err != nil {
			return vc, fmt.Errorf("encoding rules: %w", err)
		}
		if err := json.Unmarshal(raw, &vc); err != nil {
			return vc, fmt.Errorf("decoding rules: %w", err)
		}
	}
	if vc.CheckType == "" {
		vc.CheckType = checkType
	}
	if vc.Framework == "" {
		vc.Framework = framework
	}
	return vc, nil
}

// DefaultRules returns the baseline rule set for a check type, specialized
// per compliance framework.
func DefaultRules(checkType, framework string) ValidationContext {
	vc := ValidationContext{
		CheckType: checkType,
		Framework: framework,
		SizeLimits: &SizeLimits{
			MinBytes: 100,
			MaxBytes: 50 * 1024 * 1024,
		},
		AllowedTypes:    []string{"pdf", "xlsx", "docx", "txt", "csv", "png", "jpg"},
		DateConstraints: &DateConstraints{NotOlderThanDays: 90},
	}

	switch framework {
	case "SOC 2":
		vc.ExpectedPatterns = []string{`access.*control`, `user.*access`, `security.*policy`, `audit.*log`}
		vc.RequiredFields = []string{"date", "user", "action"}
	case "GDPR":
		vc.ExpectedPatterns = []string{`personal.*data`, `data.*subject`, `consent`, `processing.*activity`}
		vc.DateConstraints = &DateConstraints{NotOlderThanDays: 30}
	case "ISO 27001":
		vc.ExpectedPatterns = []string{`information.*security`, `risk.*assessment`, `security.*control`}
	}
	return vc
}
