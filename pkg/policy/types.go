package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for placements that are allowed but should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError excludes the candidate placement.
	SeverityError Severity = "error"

	// SeverityCritical excludes the candidate placement.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity excludes a candidate.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a placement rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// package's deny set.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Builtin marks policies compiled into the binary; reloads keep them.
	Builtin bool `json:"builtin,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at,omitempty"`
}

// PlacementInput is the document a placement policy sees as input.
type PlacementInput struct {
	Subscription  SubscriptionInput `json:"subscription"`
	Location      string            `json:"location"`
	ResourceGroup string            `json:"resource_group,omitempty"`
	Criteria      []CriterionInput  `json:"criteria"`
	Timestamp     time.Time         `json:"timestamp"`
}

// SubscriptionInput describes a candidate subscription.
type SubscriptionInput struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	ServiceType string `json:"service_type,omitempty"`
}

// CriterionInput is one quota requirement together with the recorded usage.
type CriterionInput struct {
	ServiceType string `json:"service_type"`
	Quota       string `json:"quota"`
	Required    int64  `json:"required"`
	Available   int64  `json:"available"`
	Limit       int64  `json:"limit"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Subscription is the candidate subscription the violation applies to.
	Subscription string `json:"subscription,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the result of evaluating every enabled policy against one candidate.
type Decision struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Reasons returns the messages of the blocking violations.
func (d *Decision) Reasons() []string {
	out := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		out = append(out, v.Message)
	}
	return out
}
