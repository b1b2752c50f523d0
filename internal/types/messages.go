package types

import "time"

// MessageKind identifies the payload carried by a RoleMessage
type MessageKind string

const (
	MessageReviewRequest MessageKind = "review_request"
	MessageReview        MessageKind = "review"
	MessageOverseerBrief MessageKind = "overseer_brief"
	MessageDecision      MessageKind = "decision"
	MessageBlockerNotice MessageKind = "blocker_notice"
)

// IsValid checks if the message kind value is valid
func (k MessageKind) IsValid() bool {
	switch k {
	case MessageReviewRequest, MessageReview, MessageOverseerBrief, MessageDecision, MessageBlockerNotice:
		return true
	}
	return false
}

// Payload is the closed set of values roles may exchange. Implementations
// are value types; Copy returns a deep copy so no two roles share memory.
type Payload interface {
	Kind() MessageKind
	Copy() Payload
}

// IterationState is the tracker's view of a unit's iteration budget
type IterationState struct {
	Count    int  `json:"count"`
	Ceiling  int  `json:"ceiling"`
	Exceeded bool `json:"exceeded"`
}

// OverseerBrief is everything the overseer sees for one iteration: the
// implementer's self-report and the reconciled results. Reviewer notes are
// never part of it.
type OverseerBrief struct {
	Report        IterationReport  `json:"report"`
	Reconciled    []CategoryResult `json:"reconciled"`
	Disagreements []Disagreement   `json:"disagreements,omitempty"`
	State         IterationState   `json:"state"`
}

// BlockerNotice tells the overseer a role cannot proceed
type BlockerNotice struct {
	UnitID    string   `json:"unit_id"`
	Iteration int      `json:"iteration"`
	Role      Role     `json:"role"`
	Blockers  []string `json:"blockers"`
}

func (ArtifactState) Kind() MessageKind { return MessageReviewRequest }
func (s ArtifactState) Copy() Payload   { return s.Clone() }

func (Review) Kind() MessageKind { return MessageReview }
func (r Review) Copy() Payload {
	r.Results = CloneCategoryResults(r.Results)
	r.Notes = append([]string(nil), r.Notes...)
	r.Blockers = append([]string(nil), r.Blockers...)
	return r
}

func (OverseerBrief) Kind() MessageKind { return MessageOverseerBrief }
func (b OverseerBrief) Copy() Payload {
	b.Report = b.Report.Clone()
	b.Reconciled = CloneCategoryResults(b.Reconciled)
	b.Disagreements = append([]Disagreement(nil), b.Disagreements...)
	return b
}

func (Decision) Kind() MessageKind { return MessageDecision }
func (d Decision) Copy() Payload {
	d.Feedback = append([]FeedbackItem(nil), d.Feedback...)
	d.Advisories = append([]FeedbackItem(nil), d.Advisories...)
	d.Reconciled = CloneCategoryResults(d.Reconciled)
	d.Disagreements = append([]Disagreement(nil), d.Disagreements...)
	return d
}

func (BlockerNotice) Kind() MessageKind { return MessageBlockerNotice }
func (n BlockerNotice) Copy() Payload {
	n.Blockers = append([]string(nil), n.Blockers...)
	return n
}

// Clone deep-copies a report
func (r IterationReport) Clone() IterationReport {
	r.Measurements = r.Measurements.Clone()
	r.SelfResults = CloneCategoryResults(r.SelfResults)
	r.Findings = append([]string(nil), r.Findings...)
	r.Blockers = append([]string(nil), r.Blockers...)
	r.Artifacts = append([]ArtifactRef(nil), r.Artifacts...)
	return r
}

// RoleMessage is an envelope routed between two roles. It is never broadcast.
type RoleMessage struct {
	ID        string    `json:"id"`
	From      Role      `json:"from"`
	To        Role      `json:"to"`
	UnitID    string    `json:"unit_id"`
	Iteration int       `json:"iteration"`
	Phase     Phase     `json:"phase"`
	Payload   Payload   `json:"payload"`
	SentAt    time.Time `json:"sent_at"`
}

// Kind returns the payload kind, or "" for an empty envelope
func (m RoleMessage) Kind() MessageKind {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}
