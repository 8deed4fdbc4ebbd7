package connectors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrSourceUnavailable indicates the source system is unreachable or
// rejected our credentials. Distinct from an empty scan result.
var ErrSourceUnavailable = errors.New("source system unavailable")

// FileInfo identifies one candidate evidence file in a source system.
type FileInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mime_type,omitempty"`
	ModifiedTime time.Time `json:"modified_time"`
	Path         string    `json:"path"`
}

// ScanResult is the outcome of one source scan.
type ScanResult struct {
	Files     []FileInfo `json:"files"`
	TotalSize int64      `json:"total_size"`
}

// ScanOptions bound a scan. Empty patterns match every file; a zero
// MaxAgeDays applies no age bound.
type ScanOptions struct {
	Patterns   []string `json:"patterns,omitempty"`
	MaxAgeDays int      `json:"max_age_days,omitempty"`
}

// SourceConnector scans one source system for candidate evidence files.
type SourceConnector interface {
	// ID is the source system id strategies refer to (e.g. "google_drive").
	ID() string

	// Scan lists files under folderPath matching the options. Returns an
	// empty result when nothing matches and ErrSourceUnavailable when the
	// source cannot be reached.
	Scan(ctx context.Context, folderPath string, opts ScanOptions) (*ScanResult, error)
}

// Downloader is the optional capability of fetching a scanned file's
// bytes to local disk so the validator can read them. Connectors that
// already expose locally readable paths need not implement it.
type Downloader interface {
	// Download fetches the file into destDir and returns the local path.
	Download(ctx context.Context, file FileInfo, destDir string) (string, error)
}

// ApprovalChannel posts evidence for human review and records decisions.
type ApprovalChannel interface {
	// PostRequest posts an approval request and returns an opaque handle
	// for later updates.
	PostRequest(ctx context.Context, req ApprovalRequest) (string, error)

	// UpdateRequest annotates a previously posted request with the
	// reviewer's decision.
	UpdateRequest(ctx context.Context, handle, decision, notes string) error
}

// ApprovalRequest is the evidence summary a human reviews.
type ApprovalRequest struct {
	EvidenceID string  `json:"evidence_id"`
	CheckName  string  `json:"check_name"`
	FileName   string  `json:"file_name"`
	Source     string  `json:"source"`
	Score      float64 `json:"score"`
}

// EvidenceSubmission is what gets filed with the GRC system.
type EvidenceSubmission struct {
	CheckID     string         `json:"check_id"`
	FileName    string         `json:"file_name"`
	FilePath    string         `json:"file_path"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CollectedAt time.Time      `json:"collected_at"`
}

// TicketingSystem files approved evidence with the GRC source of truth.
type TicketingSystem interface {
	SubmitEvidence(ctx context.Context, submission EvidenceSubmission) (string, error)
}

// matchesPatterns reports whether the file name matches any shell-style
// pattern, case-insensitively. No patterns means match everything.
func matchesPatterns(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, pattern := range patterns {
		if ok, err := path.Match(strings.ToLower(pattern), lower); err == nil && ok {
			return true
		}
	}
	return false
}

// writeDownload streams a download body into destDir under the file's
// own name, creating the directory as needed.
func writeDownload(destDir, name string, body io.Reader) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}
	localPath := filepath.Join(destDir, filepath.Base(name))
	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("creating download file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, body); err != nil {
		return "", fmt.Errorf("writing download: %w", err)
	}
	return localPath, nil
}

// withinAge reports whether the modification time falls inside the age
// bound. Zero maxAgeDays means no bound.
func withinAge(modified time.Time, maxAgeDays int, now time.Time) bool {
	if maxAgeDays <= 0 {
		return true
	}
	return now.Sub(modified) <= time.Duration(maxAgeDays)*24*time.Hour
}
