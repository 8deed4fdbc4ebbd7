package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/evidenced/internal/logging"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// Penalty coefficients for the aggregate score. Tests pin these exactly.
const (
	errorPenalty   = 0.3
	warningPenalty = 0.1

	genericNamePenalty     = 0.1
	missingKeywordPenalty  = 0.05
	tinyFileBytes          = 100
	recentWindowDays       = 30
	keywordRelevanceFloor  = 0.3
	maxContentExtractBytes = 10000
)

// commonEvidenceTypes are extensions typically seen in compliance evidence.
var commonEvidenceTypes = map[string]bool{
	"pdf": true, "xlsx": true, "docx": true, "txt": true,
	"csv": true, "png": true, "jpg": true,
}

// frameworkKeywords drive the content-relevance check per framework.
var frameworkKeywords = map[string][]string{
	"SOC 2":     {"access control", "user access", "logical access", "security", "audit", "controls"},
	"GDPR":      {"personal data", "data subject", "processing", "consent", "privacy"},
	"ISO 27001": {"information security", "risk management", "security policy", "controls"},
	"HIPAA":     {"protected health information", "PHI", "healthcare", "medical records"},
	"PCI DSS":   {"cardholder data", "payment", "credit card", "PAN"},
}

var genericNameRe = regexp.MustCompile(`(?i)^(file|document|untitled)`)

// Validator applies a ValidationContext to a single artifact on local disk.
// It reads the artifact's bytes and metadata exactly once per Validate call
// and performs no other I/O.
type Validator struct {
	logger *logging.Logger
}

// New creates a Validator. A nil logger is replaced with a no-op logger.
func New(logger *logging.Logger) *Validator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Validator{logger: logger.Named("validator")}
}

type fileMetadata struct {
	size      int64
	modified  time.Time
	name      string
	extension string
	path      string
}

// Validate scores the artifact at path against rules. It never returns an
// error: an unreadable artifact yields IsValid=false with Score 0 and a
// single error issue describing the access failure.
func (v *Validator) Validate(path string, rules ValidationContext) Result {
	meta, err := statArtifact(path)
	if err != nil {
		return Result{
			IsValid: false,
			Score:   0,
			Issues: []Issue{{
				Type:       IssueError,
				Message:    fmt.Sprintf("Validation failed: %v", err),
				Suggestion: "Please check if the file is accessible and not corrupted",
			}},
			MetadataCompleteness: 0,
		}
	}

	result := Result{
		IsValid:              true,
		Score:                1.0,
		Issues:               []Issue{},
		MetadataCompleteness: 1.0,
	}

	// Checks are independent; order only affects issue ordering.
	v.checkSize(meta, rules, &result)
	v.checkType(meta, rules, &result)
	v.checkAge(meta, rules, &result)
	findings := v.checkContent(meta, rules, &result)
	v.checkMetadataCompleteness(meta, rules, &result)

	errs := result.ErrorCount()
	warns := result.WarningCount()
	result.Score = math.Max(0, 1.0-errorPenalty*float64(errs)-warningPenalty*float64(warns))
	result.IsValid = errs == 0

	result.ContentAnalysis = &ContentAnalysis{
		Summary:      contentSummary(meta, rules),
		KeyFindings:  findings,
		QualityScore: result.Score,
	}

	return result
}

func statArtifact(path string) (fileMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileMetadata{}, fmt.Errorf("cannot access file: %w", err)
	}
	name := filepath.Base(path)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	return fileMetadata{
		size:      info.Size(),
		modified:  info.ModTime(),
		name:      name,
		extension: ext,
		path:      path,
	}, nil
}

func (v *Validator) checkSize(meta fileMetadata, rules ValidationContext, result *Result) {
	minFired := false
	if limits := rules.SizeLimits; limits != nil {
		if limits.MinBytes > 0 && meta.size < limits.MinBytes {
			minFired = true
			result.Issues = append(result.Issues, Issue{
				Type:       IssueWarning,
				Message:    fmt.Sprintf("File size %s is smaller than expected minimum %s", formatFileSize(meta.size), formatFileSize(limits.MinBytes)),
				Field:      "file_size",
				Suggestion: "Verify this file contains all required evidence data",
			})
		}
		if limits.MaxBytes > 0 && meta.size > limits.MaxBytes {
			result.Issues = append(result.Issues, Issue{
				Type:       IssueError,
				Message:    fmt.Sprintf("File size %s exceeds maximum allowed %s", formatFileSize(meta.size), formatFileSize(limits.MaxBytes)),
				Field:      "file_size",
				Suggestion: "Consider compressing the file or splitting into multiple files",
			})
		}
	}

	// A below-minimum file already carries a size warning; don't stack a
	// second one for the same byte count.
	if meta.size < tinyFileBytes && !minFired {
		result.Issues = append(result.Issues, Issue{
			Type:       IssueWarning,
			Message:    "File appears to be very small and may be empty or incomplete",
			Field:      "file_size",
			Suggestion: "Verify file contains actual evidence data",
		})
	}
}

func (v *Validator) checkType(meta fileMetadata, rules ValidationContext, result *Result) {
	if len(rules.AllowedTypes) > 0 {
		allowed := false
		for _, t := range rules.AllowedTypes {
			if meta.extension == strings.ToLower(strings.TrimPrefix(t, ".")) {
				allowed = true
				break
			}
		}
		if !allowed {
			result.Issues = append(result.Issues, Issue{
				Type:       IssueError,
				Message:    fmt.Sprintf("File type '.%s' is not allowed. Expected: %s", meta.extension, strings.Join(rules.AllowedTypes, ", ")),
				Field:      "file_type",
				Suggestion: "Convert file to an approved format",
			})
		}
	}

	if !commonEvidenceTypes[meta.extension] {
		result.Issues = append(result.Issues, Issue{
			Type:       IssueInfo,
			Message:    fmt.Sprintf("File type '.%s' is uncommon for compliance evidence", meta.extension),
			Field:      "file_type",
			Suggestion: "Consider if this file type is appropriate for the evidence requirement",
		})
	}
}

func (v *Validator) checkAge(meta fileMetadata, rules ValidationContext, result *Result) {
	constraints := rules.DateConstraints
	if constraints == nil {
		return
	}

	ageDays := int(timeNow().Sub(meta.modified).Hours() / 24)

	if constraints.NotOlderThanDays > 0 && ageDays > constraints.NotOlderThanDays {
		result.Issues = append(result.Issues, Issue{
			Type:       IssueWarning,
			Message:    fmt.Sprintf("File is %d days old, which may be too old for current compliance period", ageDays),
			Field:      "file_age",
			Suggestion: "Verify this evidence is still current and relevant",
		})
	}

	if constraints.MustBeRecent && ageDays > recentWindowDays {
		result.Issues = append(result.Issues, Issue{
			Type:       IssueError,
			Message:    fmt.Sprintf("File must be recent but is %d days old", ageDays),
			Field:      "file_age",
			Suggestion: "Obtain more recent evidence or justify the use of older evidence",
		})
	}
}

// checkContent matches expected patterns against the extracted text and runs
// the framework keyword relevance check. Returns the patterns found.
func (v *Validator) checkContent(meta fileMetadata, rules ValidationContext, result *Result) []string {
	content, err := extractTextContent(meta)
	if err != nil {
		result.Issues = append(result.Issues, Issue{
			Type:       IssueWarning,
			Message:    fmt.Sprintf("Could not analyze file content: %v", err),
			Field:      "content",
			Suggestion: "Manual review may be required",
		})
		return nil
	}

	var found []string
	if len(rules.ExpectedPatterns) > 0 {
		var missing []string
		for _, pattern := range rules.ExpectedPatterns {
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				result.Issues = append(result.Issues, Issue{
					Type:    IssueInfo,
					Message: fmt.Sprintf("Skipping invalid content pattern %q: %v", pattern, err),
					Field:   "content",
				})
				continue
			}
			if re.MatchString(content) {
				found = append(found, pattern)
			} else {
				missing = append(missing, pattern)
			}
		}
		if len(missing) > 0 {
			result.Issues = append(result.Issues, Issue{
				Type:       IssueWarning,
				Message:    fmt.Sprintf("Missing expected content patterns: %s", strings.Join(missing, ", ")),
				Field:      "content",
				Suggestion: "Verify the file contains all required information sections",
			})
		}
	}

	if len(rules.RequiredFields) > 0 {
		lower := strings.ToLower(content)
		var missing []string
		for _, field := range rules.RequiredFields {
			if !strings.Contains(lower, strings.ToLower(field)) {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			result.Issues = append(result.Issues, Issue{
				Type:       IssueWarning,
				Message:    fmt.Sprintf("Missing required fields: %s", strings.Join(missing, ", ")),
				Field:      "required_fields",
				Suggestion: "Verify the evidence records each required field",
			})
		}
	}

	v.checkFrameworkRelevance(content, rules, result)
	return found
}

func (v *Validator) checkFrameworkRelevance(content string, rules ValidationContext, result *Result) {
	keywords := frameworkKeywords[rules.Framework]
	if len(keywords) == 0 {
		return
	}

	lower := strings.ToLower(content)
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			hits++
		}
	}

	if float64(hits)/float64(len(keywords)) < keywordRelevanceFloor {
		result.Issues = append(result.Issues, Issue{
			Type:       IssueWarning,
			Message:    fmt.Sprintf("Content may not be relevant to %s framework", rules.Framework),
			Field:      "content_relevance",
			Suggestion: fmt.Sprintf("Verify file contains %s-specific information", rules.Framework),
		})
	}
}

func (v *Validator) checkMetadataCompleteness(meta fileMetadata, rules ValidationContext, result *Result) {
	completeness := 1.0

	if len(meta.name) < 5 || genericNameRe.MatchString(meta.name) {
		result.Issues = append(result.Issues, Issue{
			Type:       IssueInfo,
			Message:    "File has generic or short name, consider using more descriptive filename",
			Field:      "filename",
			Suggestion: "Rename file to clearly indicate its purpose and content",
		})
		completeness -= genericNamePenalty
	}

	if rules.CheckType != "" {
		keyword := strings.ReplaceAll(strings.ToLower(rules.CheckType), " ", "_")
		if !strings.Contains(strings.ToLower(meta.name), keyword) {
			result.Issues = append(result.Issues, Issue{
				Type:       IssueInfo,
				Message:    "Filename does not clearly indicate compliance check type",
				Field:      "filename",
				Suggestion: "Consider including check type or compliance area in filename",
			})
			completeness -= missingKeywordPenalty
		}
	}

	result.MetadataCompleteness = math.Max(0, completeness)
}

// extractTextContent returns the artifact content usable for pattern
// matching. Binary office/PDF formats fall back to the filename as a content
// indicator; dedicated parsers are out of scope here.
func extractTextContent(meta fileMetadata) (string, error) {
	switch meta.extension {
	case "txt", "csv":
		raw, err := os.ReadFile(meta.path)
		if err != nil {
			return "", fmt.Errorf("cannot read file content: %w", err)
		}
		return string(raw), nil
	case "pdf", "xlsx", "xls", "docx":
		return meta.name, nil
	default:
		raw, err := os.ReadFile(meta.path)
		if err != nil {
			return meta.name, nil
		}
		if len(raw) > maxContentExtractBytes {
			raw = raw[:maxContentExtractBytes]
		}
		return string(raw), nil
	}
}

func contentSummary(meta fileMetadata, rules ValidationContext) string {
	checkType := rules.CheckType
	if checkType == "" {
		checkType = "compliance"
	}
	framework := rules.Framework
	if framework == "" {
		framework = "general"
	}
	return fmt.Sprintf("Evidence file %q collected for %s under %s framework.", meta.name, checkType, framework)
}

// HashFile computes the SHA-256 digest of the artifact, used in evidence
// file descriptors.
func HashFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("cannot calculate file hash: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func formatFileSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	sizes := []string{"KB", "MB", "GB"}
	value := float64(bytes)
	i := -1
	for value >= unit && i < len(sizes)-1 {
		value /= unit
		i++
	}
	return fmt.Sprintf("%.2f %s", value, sizes[i])
}
