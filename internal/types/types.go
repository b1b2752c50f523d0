package types

import (
	"fmt"
	"strings"
	"time"
)

// Unit is a unit of work (a "module") tracked through the phase state machine
type Unit struct {
	ID                   string        `json:"id"`
	Name                 string        `json:"name"`
	Requirement          string        `json:"requirement"`
	Constraints          []string      `json:"constraints,omitempty"`
	Phase                Phase         `json:"phase"`
	Status               Status        `json:"status"`
	Iteration            int           `json:"iteration"`
	Ceiling              int           `json:"ceiling"`
	EscalationReason     string        `json:"escalation_reason,omitempty"`
	Artifacts            []ArtifactRef `json:"artifacts,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
	DiscoverySubmittedAt time.Time     `json:"discovery_submitted_at"`
}

// Validate checks if the unit has valid field values
func (u *Unit) Validate() error {
	if u.ID == "" {
		return NewValidationError("id", "is required")
	}
	if strings.TrimSpace(u.Name) == "" {
		return NewValidationError("name", "is required")
	}
	if !u.Phase.IsValid() {
		return NewValidationError("phase", "invalid phase %q", u.Phase)
	}
	if !u.Status.IsValid() {
		return NewValidationError("status", "invalid status %q", u.Status)
	}
	if u.Iteration < 0 {
		return NewValidationError("iteration", "cannot be negative (got %d)", u.Iteration)
	}
	if u.Ceiling < 1 {
		return NewValidationError("ceiling", "must be at least 1 (got %d)", u.Ceiling)
	}
	if u.Iteration > u.Ceiling+1 {
		return NewValidationError("iteration", "%d exceeds ceiling+1 (%d)", u.Iteration, u.Ceiling+1)
	}
	return nil
}

// Clone returns a deep copy so callers never share slices with the orchestrator
func (u *Unit) Clone() *Unit {
	if u == nil {
		return nil
	}
	c := *u
	c.Constraints = append([]string(nil), u.Constraints...)
	c.Artifacts = append([]ArtifactRef(nil), u.Artifacts...)
	return &c
}

// IsTerminal reports whether no automatic progress can happen for the unit
func (u *Unit) IsTerminal() bool {
	return u.Phase.IsTerminal()
}

// UnitDefinition is the structured document an overseer submits for Discovery
type UnitDefinition struct {
	Name        string        `json:"name" yaml:"name" validate:"required,max=200"`
	Requirement string        `json:"requirement" yaml:"requirement" validate:"required"`
	Constraints []string      `json:"constraints,omitempty" yaml:"constraints"`
	Ceiling     int           `json:"ceiling,omitempty" yaml:"ceiling" validate:"gte=0,lte=50"`
	Artifacts   []ArtifactRef `json:"artifacts,omitempty" yaml:"artifacts" validate:"dive"`
}

// Validate checks the definition before any state is created
func (d *UnitDefinition) Validate() error {
	return validateStruct(d)
}

// Phase is the position of a unit of work in the phase state machine
type Phase string

const (
	PhaseDiscovery   Phase = "discovery"
	PhaseDevelopment Phase = "development"
	PhaseRefinement  Phase = "refinement"
	PhaseCompletion  Phase = "completion"
	PhaseEscalated   Phase = "escalated"
	PhaseDone        Phase = "done"
)

// AllPhases returns every phase in forward order
func AllPhases() []Phase {
	return []Phase{PhaseDiscovery, PhaseDevelopment, PhaseRefinement, PhaseCompletion, PhaseEscalated, PhaseDone}
}

// IsValid checks if the phase value is valid
func (p Phase) IsValid() bool {
	switch p {
	case PhaseDiscovery, PhaseDevelopment, PhaseRefinement, PhaseCompletion, PhaseEscalated, PhaseDone:
		return true
	}
	return false
}

// IsTerminal reports whether the phase ends automatic progress
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseEscalated
}

// Status returns the unit status implied by the phase
func (p Phase) Status() Status {
	switch p {
	case PhaseEscalated:
		return StatusEscalated
	case PhaseDone:
		return StatusDone
	default:
		return StatusActive
	}
}

// Status summarizes whether a unit of work is still progressing
type Status string

const (
	StatusActive    Status = "active"
	StatusEscalated Status = "escalated"
	StatusDone      Status = "done"
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusEscalated, StatusDone:
		return true
	}
	return false
}

// ArtifactKind categorizes opaque externally-managed artifacts
type ArtifactKind string

const (
	ArtifactBranch      ArtifactKind = "branch"
	ArtifactCommit      ArtifactKind = "commit"
	ArtifactPullRequest ArtifactKind = "pull_request"
	ArtifactScript      ArtifactKind = "script"
	ArtifactTestRun     ArtifactKind = "test_run"
	ArtifactOther       ArtifactKind = "other"
)

// IsValid checks if the artifact kind value is valid
func (k ArtifactKind) IsValid() bool {
	switch k {
	case ArtifactBranch, ArtifactCommit, ArtifactPullRequest, ArtifactScript, ArtifactTestRun, ArtifactOther:
		return true
	}
	return false
}

// ArtifactRef points at an artifact the core records but never parses
type ArtifactRef struct {
	Kind ArtifactKind `json:"kind" yaml:"kind" validate:"required,oneof=branch commit pull_request script test_run other"`
	Ref  string       `json:"ref" yaml:"ref" validate:"required"`
}

// String renders the reference as kind:ref
func (a ArtifactRef) String() string {
	return fmt.Sprintf("%s:%s", a.Kind, a.Ref)
}

// Role identifies an isolated participant in the workflow
type Role string

const (
	RoleOverseer    Role = "overseer"
	RoleImplementer Role = "implementer"
	RoleReviewer    Role = "reviewer"
	RoleSystem      Role = "system"
)

// IsValid checks if the role value is valid
func (r Role) IsValid() bool {
	switch r {
	case RoleOverseer, RoleImplementer, RoleReviewer, RoleSystem:
		return true
	}
	return false
}

// UnitFilter narrows unit listings
type UnitFilter struct {
	Phase  *Phase
	Status *Status
	Limit  int
}
