package compliance

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/evidenced/internal/validator"
)

// ValidationStatus is the validator's verdict state for an evidence item.
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "pending"
	ValidationValid   ValidationStatus = "valid"
	ValidationInvalid ValidationStatus = "invalid"
	ValidationWarning ValidationStatus = "warning"
)

// ReviewStatus is the human-review state for an evidence item.
type ReviewStatus string

const (
	ReviewPending         ReviewStatus = "pending"
	ReviewApproved        ReviewStatus = "approved"
	ReviewRejected        ReviewStatus = "rejected"
	ReviewRequiresChanges ReviewStatus = "requires_changes"
)

// ErrInvalidReviewTransition is returned for review-state moves outside
// pending → approved/rejected/requires_changes (and requires_changes back to
// pending on resubmission).
var ErrInvalidReviewTransition = errors.New("invalid review status transition")

// FileDescriptor identifies the collected file without holding its bytes.
type FileDescriptor struct {
	ID           string    `json:"id,omitempty"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	Hash         string    `json:"hash,omitempty"`
	MimeType     string    `json:"mime_type,omitempty"`
	Path         string    `json:"path"`
	ModifiedTime time.Time `json:"modified_time,omitempty"`
}

// EvidenceItem is one collected artifact tied to a check and session.
// Items are never deleted, only superseded by resubmission.
type EvidenceItem struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	CheckID   string `json:"check_id"`

	SourceSystem string         `json:"source_system"`
	SourcePath   string         `json:"source_path"`
	File         FileDescriptor `json:"file"`

	ContentPreview  string `json:"content_preview,omitempty"`
	AnalysisSummary string `json:"analysis_summary,omitempty"`

	ValidationStatus ValidationStatus  `json:"validation_status"`
	Validation       *validator.Result `json:"validation_result,omitempty"`

	ReviewStatus ReviewStatus `json:"review_status"`
	ReviewedBy   string       `json:"reviewed_by,omitempty"`
	ReviewNotes  string       `json:"review_notes,omitempty"`
	ReviewedAt   *time.Time   `json:"reviewed_at,omitempty"`

	// ApprovalHandle addresses the approval-channel message posted for
	// this item, so the reviewer's decision can be annotated on it.
	ApprovalHandle string `json:"approval_handle,omitempty"`

	// SubmissionID is assigned when the item is filed with the external
	// ticketing/GRC system.
	SubmissionID string `json:"submission_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApplyValidation records the validator's verdict on the item. Warnings
// alone do not invalidate.
func (e *EvidenceItem) ApplyValidation(result validator.Result) {
	e.Validation = &result
	switch {
	case !result.IsValid:
		e.ValidationStatus = ValidationInvalid
	case result.WarningCount() > 0:
		e.ValidationStatus = ValidationWarning
	default:
		e.ValidationStatus = ValidationValid
	}
	e.UpdatedAt = time.Now()
}

// SetReview moves the item through the human-review workflow. Only
// pending → approved/rejected/requires_changes is allowed.
func (e *EvidenceItem) SetReview(status ReviewStatus, reviewer, notes string) error {
	if e.ReviewStatus != ReviewPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidReviewTransition, e.ReviewStatus, status)
	}
	switch status {
	case ReviewApproved, ReviewRejected, ReviewRequiresChanges:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidReviewTransition, e.ReviewStatus, status)
	}

	now := time.Now()
	e.ReviewStatus = status
	e.ReviewedBy = reviewer
	e.ReviewNotes = notes
	e.ReviewedAt = &now
	e.UpdatedAt = now
	return nil
}

// Resubmit loops a requires_changes item back to pending review after the
// evidence was replaced.
func (e *EvidenceItem) Resubmit() error {
	if e.ReviewStatus != ReviewRequiresChanges {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidReviewTransition, e.ReviewStatus, ReviewPending)
	}
	e.ReviewStatus = ReviewPending
	e.ReviewedBy = ""
	e.ReviewNotes = ""
	e.ReviewedAt = nil
	e.UpdatedAt = time.Now()
	return nil
}
