package model

import "time"

// PolicyStatus is the state of a policy watch.
type PolicyStatus string

const (
	PolicyWatching PolicyStatus = "watching"
	PolicyChanged  PolicyStatus = "changed"
	PolicyError    PolicyStatus = "error"
)

// ClauseMatch is a risk-relevant clause flagged in a policy document.
type ClauseMatch struct {
	ClauseID string `json:"clause_id"`
	Category string `json:"category"`
	Severity string `json:"severity"`
	Line     int    `json:"line"`
	Text     string `json:"text"`
}

// PolicyWatch is the keyed watch state of one policy document.
type PolicyWatch struct {
	PolicyID        string        `json:"policy_id"`
	Source          string        `json:"source"`
	Title           string        `json:"title,omitempty"`
	LastChecked     time.Time     `json:"last_checked"`
	LastContentHash string        `json:"last_content_hash,omitempty"`
	Status          PolicyStatus  `json:"status"`
	Matches         []ClauseMatch `json:"matches"`
	LastError       string        `json:"last_error,omitempty"`
}

// Issue is a single validation finding.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is returned by pre-flight checks instead of an error.
type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Errors []Issue `json:"errors"`
}

// NewValidationResult builds a result from a list of issues.
func NewValidationResult(issues []Issue) ValidationResult {
	if issues == nil {
		issues = []Issue{}
	}
	return ValidationResult{Valid: len(issues) == 0, Errors: issues}
}
