package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/overseer/internal/phase"
	"github.com/steveyegge/overseer/internal/types"
)

// NewEvent creates a new AuditEvent with no structured data.
func NewEvent(eventType EventType, unitID string, iteration int, actor string, severity EventSeverity, message string) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		UnitID:    unitID,
		Iteration: iteration,
		Actor:     actor,
		Severity:  severity,
		Message:   message,
		Data:      make(map[string]interface{}),
	}
}

// NewPhaseTransitionEvent creates a new AuditEvent for a phase change with type-safe data.
func NewPhaseTransitionEvent(unitID string, iteration int, actor string, tr phase.Transition, reason string) (*AuditEvent, error) {
	severity := SeverityInfo
	if tr.To == types.PhaseEscalated {
		severity = SeverityCritical
	}
	event := NewEvent(EventTypePhaseTransition, unitID, iteration, actor, severity,
		fmt.Sprintf("Phase transition: %s → %s (trigger: %s)", tr.From, tr.To, tr.Trigger))
	event.Timestamp = tr.At
	if err := event.SetPhaseTransitionData(PhaseTransitionData{
		From:    tr.From,
		To:      tr.To,
		Trigger: string(tr.Trigger),
		Reason:  reason,
	}); err != nil {
		return nil, err
	}
	return event, nil
}

// NewDecisionEvent creates a new AuditEvent for an issued decision with type-safe data.
func NewDecisionEvent(d *types.Decision) (*AuditEvent, error) {
	severity := SeverityInfo
	switch d.Verdict {
	case types.VerdictIterate:
		severity = SeverityWarning
	case types.VerdictEscalate:
		severity = SeverityCritical
	}
	gates := make([]string, 0, len(d.Feedback))
	for _, f := range d.Feedback {
		gates = append(gates, f.Gate)
	}
	event := NewEvent(EventTypeDecisionIssued, d.UnitID, d.Iteration, string(d.Authority), severity,
		fmt.Sprintf("Decision %s (%s) at iteration %d/%d", d.Verdict, d.Reason, d.IterationCount, d.Ceiling))
	event.Timestamp = d.IssuedAt
	if err := event.SetDecisionData(DecisionData{
		DecisionID:     d.ID,
		Verdict:        d.Verdict,
		Reason:         d.Reason,
		FeedbackGates:  gates,
		ScopeLocked:    d.ScopeLocked,
		IterationCount: d.IterationCount,
		Ceiling:        d.Ceiling,
	}); err != nil {
		return nil, err
	}
	return event, nil
}

// NewReviewEvent creates a new AuditEvent for a completed independent review.
func NewReviewEvent(r *types.Review) (*AuditEvent, error) {
	var data ReviewData
	data.Reviewer = r.Reviewer
	for _, c := range r.Results {
		if c.Passed {
			data.CategoriesPassed = append(data.CategoriesPassed, c.Category)
		} else {
			data.CategoriesFailed = append(data.CategoriesFailed, c.Category)
		}
	}
	event := NewEvent(EventTypeReviewCompleted, r.UnitID, r.Iteration, string(types.RoleReviewer), SeverityInfo,
		fmt.Sprintf("Review by %s: %d categories passed, %d failed", r.Reviewer, len(data.CategoriesPassed), len(data.CategoriesFailed)))
	if err := event.SetReviewData(data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewDisagreementEvent records a ReviewerDisagreementError. It is a warning,
// never a failure: strictest-wins has already resolved it.
func NewDisagreementEvent(e *types.ReviewerDisagreementError) (*AuditEvent, error) {
	event := NewEvent(EventTypeReviewerDisagreement, e.UnitID, e.Iteration, string(types.RoleSystem), SeverityWarning, e.Error())
	if err := event.SetDisagreementData(DisagreementData{Disagreements: e.Disagreements}); err != nil {
		return nil, err
	}
	return event, nil
}

// NewErrorEvent classifies err against the error taxonomy and records it.
func NewErrorEvent(unitID string, iteration int, actor string, err error) *AuditEvent {
	eventType, severity, kind := Classify(err)
	data := ErrorData{Kind: kind, Error: err.Error()}

	var blocked *types.BlockedError
	if errors.As(err, &blocked) {
		data.Blockers = append([]string(nil), blocked.Blockers...)
	}

	event := NewEvent(eventType, unitID, iteration, actor, severity, err.Error())
	if setErr := event.SetErrorData(data); setErr != nil {
		// ErrorData always marshals; keep the bare event if it somehow fails
		event.Data = map[string]interface{}{"kind": kind}
	}
	return event
}

// Classify maps an error to its event type, severity and taxonomy name
func Classify(err error) (EventType, EventSeverity, string) {
	var (
		validation *types.ValidationError
		stale      *types.StaleReportError
		timeout    *types.TimeoutError
		blocked    *types.BlockedError
		limit      *types.IterationLimitError
		disagree   *types.ReviewerDisagreementError
		state      *phase.StateError
	)
	switch {
	case errors.As(err, &validation):
		return EventTypeValidationFailed, SeverityWarning, "ValidationError"
	case errors.As(err, &stale):
		return EventTypeStaleReport, SeverityWarning, "StaleReportError"
	case errors.As(err, &blocked) && errors.As(err, &timeout):
		return EventTypeReviewTimeout, SeverityError, "TimeoutError"
	case errors.As(err, &blocked):
		return EventTypeBlocked, SeverityWarning, "BlockedError"
	case errors.As(err, &timeout):
		if timeout.Wait == "approval" {
			return EventTypeApprovalTimeout, SeverityCritical, "TimeoutError"
		}
		return EventTypeReviewTimeout, SeverityError, "TimeoutError"
	case errors.As(err, &limit):
		return EventTypeIterationLimit, SeverityCritical, "IterationLimitExceeded"
	case errors.As(err, &disagree):
		return EventTypeReviewerDisagreement, SeverityWarning, "ReviewerDisagreementError"
	case errors.As(err, &state):
		return EventTypeInvalidTransition, SeverityWarning, "StateError"
	case errors.Is(err, types.ErrUnitNotFound):
		return EventTypeError, SeverityWarning, "UnitNotFound"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return EventTypeError, SeverityWarning, "Canceled"
	}
	return EventTypeError, SeverityError, "Error"
}
