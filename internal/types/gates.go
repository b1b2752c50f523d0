package types

import (
	"fmt"
	"strings"
)

// Comparator is the rule a gate applies to a measured value
type Comparator string

const (
	CompareGTE  Comparator = "gte"
	CompareLTE  Comparator = "lte"
	CompareEQ   Comparator = "eq"
	CompareBool Comparator = "bool"
)

// IsValid checks if the comparator value is valid
func (c Comparator) IsValid() bool {
	switch c {
	case CompareGTE, CompareLTE, CompareEQ, CompareBool:
		return true
	}
	return false
}

// Symbol returns the mathematical form used in reports
func (c Comparator) Symbol() string {
	switch c {
	case CompareGTE:
		return "≥"
	case CompareLTE:
		return "≤"
	case CompareEQ:
		return "="
	case CompareBool:
		return "is"
	default:
		return string(c)
	}
}

// ParseComparator accepts names and the symbols used in gate tables
func ParseComparator(s string) (Comparator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gte", ">=", "≥", "min":
		return CompareGTE, nil
	case "lte", "<=", "≤", "max":
		return CompareLTE, nil
	case "eq", "=", "==":
		return CompareEQ, nil
	case "bool", "boolean", "is":
		return CompareBool, nil
	}
	return "", NewValidationError("comparator", "unknown comparator %q", s)
}

// UnmarshalText lets YAML and JSON documents use either names or symbols
func (c *Comparator) UnmarshalText(text []byte) error {
	parsed, err := ParseComparator(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Severity ranks failing gates for feedback ordering
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// IsValid checks if the severity value is valid (empty means medium)
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, "":
		return true
	}
	return false
}

// Rank orders severities, most severe first (0)
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityLow:
		return 3
	default:
		return 2
	}
}

// Source identifies who produced a gate result
type Source string

const (
	SourceSelfReported          Source = "self_reported"
	SourceIndependentlyVerified Source = "independently_verified"
	SourceReconciled            Source = "reconciled"
)

// IsValid checks if the source value is valid
func (s Source) IsValid() bool {
	switch s {
	case SourceSelfReported, SourceIndependentlyVerified, SourceReconciled:
		return true
	}
	return false
}

// GateSpec is one rule in the gate registry
type GateSpec struct {
	Category    string     `json:"category" yaml:"category" validate:"required,excludes=."`
	Metric      string     `json:"metric" yaml:"metric" validate:"required"`
	Comparator  Comparator `json:"comparator" yaml:"comparator" validate:"required"`
	Threshold   Value      `json:"threshold" yaml:"threshold"`
	Blocking    bool       `json:"blocking" yaml:"blocking"`
	Severity    Severity   `json:"severity,omitempty" yaml:"severity"`
	Fundamental bool       `json:"fundamental,omitempty" yaml:"fundamental"`
	Description string     `json:"description,omitempty" yaml:"description"`
}

// Key returns the category.metric name of the gate
func (g GateSpec) Key() string {
	return MetricKey(g.Category, g.Metric)
}

// Validate checks the spec is well formed. A bool gate without a threshold
// expects true.
func (g *GateSpec) Validate() error {
	if err := validateStruct(g); err != nil {
		return err
	}
	if !g.Comparator.IsValid() {
		return NewValidationError(g.Key()+".comparator", "unknown comparator %q", g.Comparator)
	}
	if !g.Severity.IsValid() {
		return NewValidationError(g.Key()+".severity", "unknown severity %q", g.Severity)
	}
	switch g.Comparator {
	case CompareBool:
		if !g.Threshold.IsSet() {
			g.Threshold = Bool(true)
		}
		if g.Threshold.Kind != KindBool {
			return NewValidationError(g.Key()+".threshold", "bool comparator needs a boolean threshold (got %s)", g.Threshold)
		}
	case CompareGTE, CompareLTE:
		if g.Threshold.Kind != KindNumber {
			return NewValidationError(g.Key()+".threshold", "%s comparator needs a numeric threshold (got %s)", g.Comparator, g.Threshold)
		}
	case CompareEQ:
		if !g.Threshold.IsSet() {
			return NewValidationError(g.Key()+".threshold", "is required")
		}
	}
	return nil
}

// String renders the rule the way gate tables write it
func (g GateSpec) String() string {
	kind := "advisory"
	if g.Blocking {
		kind = "blocking"
	}
	return fmt.Sprintf("%s %s %s (%s)", g.Key(), g.Comparator.Symbol(), g.Threshold, kind)
}

// GateResult is the outcome of one rule against one measurement
type GateResult struct {
	Category    string     `json:"category"`
	Metric      string     `json:"metric"`
	Comparator  Comparator `json:"comparator"`
	Threshold   Value      `json:"threshold"`
	Measured    Value      `json:"measured"`
	Passed      bool       `json:"passed"`
	Source      Source     `json:"source"`
	Blocking    bool       `json:"blocking"`
	Severity    Severity   `json:"severity,omitempty"`
	Fundamental bool       `json:"fundamental,omitempty"`
}

// Key returns the category.metric name of the result
func (r GateResult) Key() string {
	return MetricKey(r.Category, r.Metric)
}

// CategoryResult rolls up every rule declared under one category
type CategoryResult struct {
	Category string       `json:"category"`
	Blocking bool         `json:"blocking"`
	Passed   bool         `json:"passed"`
	Source   Source       `json:"source"`
	Results  []GateResult `json:"results"`
}

// Failing returns the rules that did not pass
func (c CategoryResult) Failing() []GateResult {
	var out []GateResult
	for _, r := range c.Results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// Fundamental reports whether a failing rule flags an architectural problem
func (c CategoryResult) Fundamental() bool {
	for _, r := range c.Results {
		if !r.Passed && r.Fundamental {
			return true
		}
	}
	return false
}

// CloneCategoryResults deep-copies a result set
func CloneCategoryResults(in []CategoryResult) []CategoryResult {
	if in == nil {
		return nil
	}
	out := make([]CategoryResult, len(in))
	for i, c := range in {
		out[i] = c
		out[i].Results = append([]GateResult(nil), c.Results...)
	}
	return out
}
