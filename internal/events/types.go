package events

import (
	"time"

	"github.com/steveyegge/overseer/internal/types"
)

// EventType represents the type of audit event recorded for a unit of work.
type EventType string

const (
	// Lifecycle events
	// EventTypeDiscoverySubmitted indicates a unit definition was submitted for approval
	EventTypeDiscoverySubmitted EventType = "discovery_submitted"
	// EventTypeApprovalGranted indicates the overseer approved a Discovery submission
	EventTypeApprovalGranted EventType = "approval_granted"
	// EventTypeApprovalRejected indicates the overseer rejected a Discovery submission
	EventTypeApprovalRejected EventType = "approval_rejected"
	// EventTypeApprovalTimeout indicates no approval arrived within the configured window
	EventTypeApprovalTimeout EventType = "approval_timeout"
	// EventTypePhaseTransition indicates the unit moved between phases
	EventTypePhaseTransition EventType = "phase_transition"
	// EventTypeMergeConfirmed indicates the accepted work was merged
	EventTypeMergeConfirmed EventType = "merge_confirmed"
	// EventTypeReassessed indicates an escalated unit was manually restarted
	EventTypeReassessed EventType = "reassessed"

	// Iteration events
	// EventTypeReportReceived indicates an iteration report was accepted for processing
	EventTypeReportReceived EventType = "report_received"
	// EventTypeReviewCompleted indicates the reviewer returned an independent assessment
	EventTypeReviewCompleted EventType = "review_completed"
	// EventTypeDecisionIssued indicates the overseer issued a verdict
	EventTypeDecisionIssued EventType = "decision_issued"

	// Error events. Every rejected operation leaves one of these behind.
	// EventTypeValidationFailed indicates a malformed report, definition or gate spec
	EventTypeValidationFailed EventType = "validation_failed"
	// EventTypeStaleReport indicates an out-of-order, duplicate or concurrent report
	EventTypeStaleReport EventType = "stale_report"
	// EventTypeBlocked indicates a role reported an external blocker
	EventTypeBlocked EventType = "blocked"
	// EventTypeReviewTimeout indicates the reviewer did not answer in time
	EventTypeReviewTimeout EventType = "review_timeout"
	// EventTypeIterationLimit indicates the ceiling was exceeded
	EventTypeIterationLimit EventType = "iteration_limit"
	// EventTypeReviewerDisagreement indicates self-report and reviewer disagreed on a category
	EventTypeReviewerDisagreement EventType = "reviewer_disagreement"
	// EventTypeInvalidTransition indicates a trigger not allowed in the current phase
	EventTypeInvalidTransition EventType = "invalid_transition"
	// EventTypeError indicates any other failure
	EventTypeError EventType = "error"
)

// EventSeverity represents the severity level of an event.
type EventSeverity string

const (
	// SeverityInfo indicates informational events
	SeverityInfo EventSeverity = "info"
	// SeverityWarning indicates potentially problematic events
	SeverityWarning EventSeverity = "warning"
	// SeverityError indicates error events
	SeverityError EventSeverity = "error"
	// SeverityCritical indicates events requiring manual intervention
	SeverityCritical EventSeverity = "critical"
)

// IsValid checks if the severity value is valid
func (s EventSeverity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// AuditEvent is one append-only entry in a unit's audit trail.
type AuditEvent struct {
	// ID is the unique identifier for this event
	ID string `json:"id"`
	// Type is the type of event
	Type EventType `json:"type"`
	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`
	// UnitID is the unit of work the event belongs to (empty for global events)
	UnitID string `json:"unit_id"`
	// Iteration is the iteration the event concerns, 0 when not applicable
	Iteration int `json:"iteration"`
	// Actor is the role or person that caused the event
	Actor string `json:"actor"`
	// Severity is the severity level of this event
	Severity EventSeverity `json:"severity"`
	// Message is a human-readable description of the event
	Message string `json:"message"`
	// Data contains structured, type-specific data (must be JSON-serializable)
	Data map[string]interface{} `json:"data"`
}

// EventFilter narrows event queries
type EventFilter struct {
	UnitID   string
	Type     EventType
	Severity EventSeverity
	Since    time.Time
	Limit    int
}

// PhaseTransitionData contains structured data for phase transition events.
type PhaseTransitionData struct {
	From    types.Phase `json:"from"`
	To      types.Phase `json:"to"`
	Trigger string      `json:"trigger"`
	Reason  string      `json:"reason,omitempty"`
}

// DecisionData contains structured data for decision events.
type DecisionData struct {
	DecisionID     string        `json:"decision_id"`
	Verdict        types.Verdict `json:"verdict"`
	Reason         string        `json:"reason"`
	FeedbackGates  []string      `json:"feedback_gates,omitempty"`
	ScopeLocked    bool          `json:"scope_locked"`
	IterationCount int           `json:"iteration_count"`
	Ceiling        int           `json:"ceiling"`
}

// ReviewData contains structured data for review events.
type ReviewData struct {
	Reviewer         string   `json:"reviewer"`
	CategoriesPassed []string `json:"categories_passed,omitempty"`
	CategoriesFailed []string `json:"categories_failed,omitempty"`
}

// DisagreementData contains structured data for reviewer disagreement events.
type DisagreementData struct {
	Disagreements []types.Disagreement `json:"disagreements"`
}

// ErrorData contains structured data for error events.
type ErrorData struct {
	// Kind is the error taxonomy name, e.g. "StaleReportError"
	Kind string `json:"kind"`
	// Error is the error message
	Error string `json:"error"`
	// Blockers lists blockers reported by a role, if any
	Blockers []string `json:"blockers,omitempty"`
}
