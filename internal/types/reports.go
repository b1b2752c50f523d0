package types

import (
	"strings"
	"time"
)

// Verdict is the outcome of one report/decision cycle
type Verdict string

const (
	VerdictAccept   Verdict = "ACCEPT"
	VerdictIterate  Verdict = "ITERATE"
	VerdictEscalate Verdict = "ESCALATE"
)

// IsValid checks if the verdict value is valid
func (v Verdict) IsValid() bool {
	switch v {
	case VerdictAccept, VerdictIterate, VerdictEscalate:
		return true
	}
	return false
}

// ParseVerdict accepts verdicts in any case. An empty string is allowed and
// means the implementer made no recommendation.
func ParseVerdict(s string) (Verdict, error) {
	v := Verdict(strings.ToUpper(strings.TrimSpace(s)))
	if v == "" || v.IsValid() {
		return v, nil
	}
	return "", NewValidationError("recommended_verdict", "unknown verdict %q", s)
}

// UnmarshalText normalizes verdict case in documents
func (v *Verdict) UnmarshalText(text []byte) error {
	parsed, err := ParseVerdict(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Escalation and decision reasons
const (
	ReasonIterationLimit   = "iteration-limit"
	ReasonFundamental      = "fundamental-issue"
	ReasonApprovalTimeout  = "approval-timeout"
	ReasonApprovalRejected = "approval-rejected"
	ReasonGatesPassed      = "blocking-gates-passed"
	ReasonGatesFailed      = "blocking-gates-failed"
)

// IterationReport is what the implementer submits at the end of an iteration
type IterationReport struct {
	UnitID       string           `json:"unit_id" yaml:"unit_id" validate:"required"`
	Iteration    int              `json:"iteration" yaml:"iteration" validate:"gte=1"`
	Summary      string           `json:"summary,omitempty" yaml:"summary"`
	Measurements Measurements     `json:"measurements" yaml:"measurements"`
	SelfResults  []CategoryResult `json:"self_results,omitempty" yaml:"-"`
	Findings     []string         `json:"findings,omitempty" yaml:"findings"`
	Blockers     []string         `json:"blockers,omitempty" yaml:"blockers"`
	Recommended  Verdict          `json:"recommended_verdict,omitempty" yaml:"recommended_verdict"`
	Artifacts    []ArtifactRef    `json:"artifacts,omitempty" yaml:"artifacts" validate:"dive"`
	SubmittedAt  time.Time        `json:"submitted_at" yaml:"-"`
}

// Validate checks required fields. Missing metrics are caught later by the
// gate evaluator because they depend on the registry.
func (r *IterationReport) Validate() error {
	if err := validateStruct(r); err != nil {
		return err
	}
	if !r.Recommended.IsValid() && r.Recommended != "" {
		return NewValidationError("recommended_verdict", "unknown verdict %q", r.Recommended)
	}
	if len(r.Measurements) == 0 && len(r.Blockers) == 0 {
		return NewValidationError("measurements", "is required")
	}
	return nil
}

// IsBlocked reports whether the implementer declared an external blocker
func (r *IterationReport) IsBlocked() bool {
	return len(r.Blockers) > 0
}

// ArtifactState is the raw view the reviewer assesses. It deliberately has
// no field for the implementer's own results, findings or verdict.
type ArtifactState struct {
	UnitID       string        `json:"unit_id" yaml:"unit_id"`
	Iteration    int           `json:"iteration" yaml:"iteration"`
	Measurements Measurements  `json:"measurements" yaml:"measurements"`
	Artifacts    []ArtifactRef `json:"artifacts,omitempty" yaml:"artifacts"`
}

// Clone returns an independent copy for handing to another role
func (s ArtifactState) Clone() ArtifactState {
	s.Measurements = s.Measurements.Clone()
	s.Artifacts = append([]ArtifactRef(nil), s.Artifacts...)
	return s
}

// Review is the reviewer's independent assessment of one iteration
type Review struct {
	UnitID     string           `json:"unit_id"`
	Iteration  int              `json:"iteration"`
	Reviewer   string           `json:"reviewer"`
	Results    []CategoryResult `json:"results"`
	Notes      []string         `json:"notes,omitempty"`
	Blockers   []string         `json:"blockers,omitempty"`
	ReviewedAt time.Time        `json:"reviewed_at"`
}

// FeedbackItem is one ranked, actionable gate failure
type FeedbackItem struct {
	Rank       int        `json:"rank"`
	Gate       string     `json:"gate"`
	Category   string     `json:"category"`
	Metric     string     `json:"metric"`
	Comparator Comparator `json:"comparator"`
	Threshold  Value      `json:"threshold"`
	Measured   Value      `json:"measured"`
	Blocking   bool       `json:"blocking"`
	Severity   Severity   `json:"severity,omitempty"`
}

// Decision is the verdict issued for one iteration
type Decision struct {
	ID             string           `json:"id"`
	UnitID         string           `json:"unit_id"`
	Iteration      int              `json:"iteration"`
	Verdict        Verdict          `json:"verdict"`
	Reason         string           `json:"reason"`
	Feedback       []FeedbackItem   `json:"feedback,omitempty"`
	Advisories     []FeedbackItem   `json:"advisories,omitempty"`
	Reconciled     []CategoryResult `json:"reconciled,omitempty"`
	Disagreements  []Disagreement   `json:"disagreements,omitempty"`
	ScopeLocked    bool             `json:"scope_locked"`
	IterationCount int              `json:"iteration_count"`
	Ceiling        int              `json:"ceiling"`
	Authority      Role             `json:"authority"`
	IssuedAt       time.Time        `json:"issued_at"`
}

// BlockingPassed reports whether every blocking reconciled category passed
func (d *Decision) BlockingPassed() bool {
	for _, c := range d.Reconciled {
		if c.Blocking && !c.Passed {
			return false
		}
	}
	return true
}
