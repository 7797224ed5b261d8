package models

import "time"

// Severity classifies alerts and rule violations.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

// RuleKind discriminates the rule variants.
type RuleKind string

const (
	RuleKindThreshold RuleKind = "threshold"
	RuleKindSustained RuleKind = "sustained"
	RuleKindRate      RuleKind = "rate"
)

// CompareOp is the comparison operator of a rule.
type CompareOp string

const (
	OpGreater      CompareOp = ">"
	OpLess         CompareOp = "<"
	OpGreaterEqual CompareOp = ">="
	OpLessEqual    CompareOp = "<="
	OpEqual        CompareOp = "="
)

// Compare applies the operator to (current, threshold).
func (op CompareOp) Compare(current, threshold float64) bool {
	switch op {
	case OpGreater:
		return current > threshold
	case OpLess:
		return current < threshold
	case OpGreaterEqual:
		return current >= threshold
	case OpLessEqual:
		return current <= threshold
	case OpEqual:
		return current == threshold
	default:
		return false
	}
}

// Rule is a deterministic alerting rule evaluated against each sample.
// Loaded once at startup from config and immutable thereafter.
//
// Threshold rules fire whenever the metric violates the comparison.
// Sustained rules fire once the violation has held for Duration.
// Rate rules fire when the per-hour derivative exceeds RatePerHour.
type Rule struct {
	Kind        RuleKind      `json:"kind"`
	MetricPath  string        `json:"metric_path"`
	Op          CompareOp     `json:"op"`
	Value       float64       `json:"value,omitempty"`         // threshold/sustained
	Duration    time.Duration `json:"duration,omitempty"`      // sustained only
	RatePerHour float64       `json:"rate_per_hour,omitempty"` // rate only
	Severity    Severity      `json:"severity"`
	Message     string        `json:"message"`
}

// RuleViolation is the transient result of one rule firing for one sample.
type RuleViolation struct {
	Rule         Rule      `json:"rule"`
	MetricPath   string    `json:"metric_path"`
	CurrentValue float64   `json:"current_value"`
	Timestamp    time.Time `json:"timestamp"`
	// Context carries extra identity for synthetic violations, e.g. the
	// mountpoint or "name:pid" of the offending process. Empty for plain
	// metric-path rules.
	Context string `json:"context,omitempty"`
}
