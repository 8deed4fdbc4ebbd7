package compliance

import "time"

// ComplianceCheck describes a single compliance control requiring periodic
// evidence. Records are imported from the GRC source of truth and are
// immutable per collection cycle.
type ComplianceCheck struct {
	ID          string `json:"id"`
	FrameworkID string `json:"framework_id,omitempty"`

	// CheckType groups checks by control family (e.g. "Access Review").
	CheckType string `json:"check_type"`
	CheckName string `json:"check_name"`
	CheckCode string `json:"check_code,omitempty"`

	Area    string `json:"area"`
	SubArea string `json:"sub_area,omitempty"`

	// Owner and SPOC identify accountability; Team scopes dashboards.
	Owner string `json:"owner"`
	SPOC  string `json:"spoc"`
	Team  string `json:"team"`

	Frequency       string `json:"frequency"`
	AutomationLevel string `json:"automation_level"`
	Priority        int    `json:"priority"`

	// CollectionRequirements and ValidationRules are opaque, per-framework
	// structured config. Their shape genuinely varies per check.
	CollectionRequirements map[string]any `json:"collection_requirements,omitempty"`
	ValidationRules        map[string]any `json:"validation_rules,omitempty"`

	Tags []string `json:"tags,omitempty"`

	LastCollectionDate *time.Time `json:"last_collection_date,omitempty"`
	NextDueDate        *time.Time `json:"next_due_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
