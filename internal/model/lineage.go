package model

import (
	"fmt"
	"time"
)

// SourceRecord is one candidate value produced by a connector for a field.
// A non-empty Error marks a per-field failure.
type SourceRecord struct {
	SourceID   string    `json:"source_id"`
	FieldName  string    `json:"field_name"`
	Value      any       `json:"value"`
	Confidence float64   `json:"confidence"`
	FetchedAt  time.Time `json:"fetched_at"`
	Error      string    `json:"error,omitempty"`
}

// Failed reports whether the record carries no usable value. A confidence
// outside [0,1] (or NaN) makes the record unusable.
func (r SourceRecord) Failed() bool {
	return r.FailureReason() != ""
}

// FailureReason describes why the record is unusable, or returns "".
func (r SourceRecord) FailureReason() string {
	switch {
	case r.Error != "":
		return r.Error
	case r.Value == nil:
		return "no value"
	case !(r.Confidence >= 0 && r.Confidence <= 1):
		return fmt.Sprintf("confidence %g outside [0,1]", r.Confidence)
	}
	return ""
}

// Rule names recorded in FieldLineage.RuleApplied.
const (
	RuleSingle         = "single"
	RuleConfidence     = "confidence"
	RuleRecency        = "recency"
	RulePriority       = "priority"
	RuleAveraged       = "averaged"
	RuleDisagreement   = "disagreement"
	RuleAgreement      = "agreement"
	RuleManual         = "manual"
	RuleCounterfactual = "counterfactual"
)

// ManualSource is the chosen source id for manually overridden fields.
const ManualSource = "manual"

// Alternate is a candidate that lost resolution for a field.
type Alternate struct {
	SourceID   string  `json:"source_id"`
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

// SourceFailure records a connector (or per-field) failure.
type SourceFailure struct {
	SourceID string `json:"source_id"`
	Field    string `json:"field,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Error    string `json:"error"`
}

// FieldLineage is the per-field audit trail of a resolved value.
type FieldLineage struct {
	FieldName      string          `json:"field_name"`
	ChosenSourceID string          `json:"chosen_source_id,omitempty"`
	RuleApplied    string          `json:"rule_applied"`
	Disagreement   bool            `json:"disagreement,omitempty"`
	MergedFrom     []string        `json:"merged_from,omitempty"`
	Alternates     []Alternate     `json:"alternates"`
	Failures       []SourceFailure `json:"failures,omitempty"`
}
