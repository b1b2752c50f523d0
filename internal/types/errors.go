package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnitNotFound is returned when a unit of work id is unknown
var ErrUnitNotFound = errors.New("unit of work not found")

// ValidationError reports a malformed gate spec or document. It is a
// configuration error, never a quality failure, and is raised before any
// state change.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError with a formatted reason
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// BlockedError is raised when a role reports an external blocker.
// It is surfaced to the overseer and does not consume an iteration.
type BlockedError struct {
	UnitID    string
	Iteration int
	Role      Role
	Blockers  []string
	Cause     error
}

func (e *BlockedError) Error() string {
	msg := fmt.Sprintf("unit %s iteration %d blocked by %s", e.UnitID, e.Iteration, e.Role)
	if len(e.Blockers) > 0 {
		msg += ": " + strings.Join(e.Blockers, "; ")
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *BlockedError) Unwrap() error { return e.Cause }

// IterationLimitError (IterationLimitExceeded) forces ESCALATE and is not
// automatically recoverable.
type IterationLimitError struct {
	UnitID  string
	Count   int
	Ceiling int
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("unit %s exceeded iteration ceiling (%d > %d)", e.UnitID, e.Count, e.Ceiling)
}

// StaleReportError rejects out-of-order, duplicate or concurrent submissions.
// The sender must resubmit against the current iteration.
type StaleReportError struct {
	UnitID    string
	Submitted int
	Expected  int
	Pending   bool
}

func (e *StaleReportError) Error() string {
	if e.Pending {
		return fmt.Sprintf("stale report for unit %s: iteration %d submitted while iteration %d is still pending a decision",
			e.UnitID, e.Submitted, e.Expected)
	}
	return fmt.Sprintf("stale report for unit %s: got iteration %d, expected %d", e.UnitID, e.Submitted, e.Expected)
}

// Disagreement records a category where self-report and reviewer differ
type Disagreement struct {
	Category       string `json:"category"`
	SelfPassed     bool   `json:"self_passed"`
	ReviewerPassed bool   `json:"reviewer_passed"`
}

// ReviewerDisagreementError is informational: strictest-wins resolves it
// deterministically, and it is logged rather than returned to callers.
type ReviewerDisagreementError struct {
	UnitID        string
	Iteration     int
	Disagreements []Disagreement
}

func (e *ReviewerDisagreementError) Error() string {
	parts := make([]string, 0, len(e.Disagreements))
	for _, d := range e.Disagreements {
		parts = append(parts, fmt.Sprintf("%s(self=%s reviewer=%s)", d.Category, passLabel(d.SelfPassed), passLabel(d.ReviewerPassed)))
	}
	return fmt.Sprintf("reviewer disagreement on unit %s iteration %d: %s", e.UnitID, e.Iteration, strings.Join(parts, ", "))
}

// TimeoutError reports that a blocking wait for approval or review expired
type TimeoutError struct {
	UnitID string
	Wait   string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("unit %s: timed out after %s waiting for %s", e.UnitID, e.After, e.Wait)
}

func passLabel(passed bool) string {
	if passed {
		return "PASS"
	}
	return "FAIL"
}
