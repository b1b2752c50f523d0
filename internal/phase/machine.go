// Package phase drives a unit of work through its lifecycle.
//
// State flow:
//
//	discovery → development ⇄ refinement
//	               ↓
//	           completion → done
//
//	discovery/development → escalated → discovery (manual reassessment only)
//
// Any trigger not in the table is rejected with a StateError; the machine
// never silently ignores one.
package phase

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/overseer/internal/types"
)

// Trigger is an event that may move a unit between phases
type Trigger string

const (
	// TriggerApprovalGranted moves an approved Discovery submission into development
	TriggerApprovalGranted Trigger = "approval-granted"
	// TriggerApprovalRejected is a fatal rejection of a Discovery submission
	TriggerApprovalRejected Trigger = "approval-rejected"
	// TriggerApprovalTimeout fires when no approval arrived in time
	TriggerApprovalTimeout Trigger = "approval-timeout"
	TriggerAccept          Trigger = "decision-accept"
	TriggerIterate         Trigger = "decision-iterate"
	TriggerEscalate        Trigger = "decision-escalate"
	// TriggerRefinementSubmitted fires when the next report arrives during refinement
	TriggerRefinementSubmitted Trigger = "refinement-submitted"
	TriggerMergeConfirmed      Trigger = "merge-confirmed"
	// TriggerReassess is the external restart of an escalated unit
	TriggerReassess Trigger = "manual-reassessment"
)

// IsValid checks if the trigger value is valid
func (t Trigger) IsValid() bool {
	switch t {
	case TriggerApprovalGranted, TriggerApprovalRejected, TriggerApprovalTimeout,
		TriggerAccept, TriggerIterate, TriggerEscalate,
		TriggerRefinementSubmitted, TriggerMergeConfirmed, TriggerReassess:
		return true
	}
	return false
}

var table = map[types.Phase]map[Trigger]types.Phase{
	types.PhaseDiscovery: {
		TriggerApprovalGranted:  types.PhaseDevelopment,
		TriggerApprovalRejected: types.PhaseEscalated,
		TriggerApprovalTimeout:  types.PhaseEscalated,
	},
	types.PhaseDevelopment: {
		TriggerAccept:   types.PhaseCompletion,
		TriggerIterate:  types.PhaseRefinement,
		TriggerEscalate: types.PhaseEscalated,
	},
	types.PhaseRefinement: {
		TriggerRefinementSubmitted: types.PhaseDevelopment,
	},
	types.PhaseCompletion: {
		TriggerMergeConfirmed: types.PhaseDone,
	},
	types.PhaseEscalated: {
		TriggerReassess: types.PhaseDiscovery,
	},
	types.PhaseDone: {},
}

// Next returns the phase a trigger leads to, if the transition exists
func Next(from types.Phase, trigger Trigger) (types.Phase, bool) {
	to, ok := table[from][trigger]
	return to, ok
}

// ValidTriggers returns the triggers accepted in a phase, sorted
func ValidTriggers(from types.Phase) []Trigger {
	out := make([]Trigger, 0, len(table[from]))
	for t := range table[from] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TriggerForVerdict maps a decision verdict to the trigger it fires
func TriggerForVerdict(v types.Verdict) (Trigger, error) {
	switch v {
	case types.VerdictAccept:
		return TriggerAccept, nil
	case types.VerdictIterate:
		return TriggerIterate, nil
	case types.VerdictEscalate:
		return TriggerEscalate, nil
	}
	return "", fmt.Errorf("no trigger for verdict %q", v)
}

// Guard carries the facts a transition may depend on
type Guard struct {
	// Exceeded blocks ITERATE once the iteration ceiling is passed
	Exceeded bool
}

// StateError reports a trigger that is not valid in the current phase
type StateError struct {
	UnitID  string
	From    types.Phase
	Trigger Trigger
	Reason  string
}

func (e *StateError) Error() string {
	msg := fmt.Sprintf("unit %s: invalid transition from %s on %s", e.UnitID, e.From, e.Trigger)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Transition records one applied phase change
type Transition struct {
	From    types.Phase `json:"from"`
	To      types.Phase `json:"to"`
	Trigger Trigger     `json:"trigger"`
	At      time.Time   `json:"at"`
}

// Machine holds the phase of one unit and the transitions applied to it
type Machine struct {
	mu      sync.Mutex
	unitID  string
	current types.Phase
	history []Transition
	now     func() time.Time
}

// NewMachine creates a machine positioned at the given phase. Units start in
// discovery; other phases are used when restoring from storage.
func NewMachine(unitID string, current types.Phase) (*Machine, error) {
	if unitID == "" {
		return nil, fmt.Errorf("unit id is required")
	}
	if current == "" {
		current = types.PhaseDiscovery
	}
	if !current.IsValid() {
		return nil, fmt.Errorf("invalid phase %q", current)
	}
	return &Machine{unitID: unitID, current: current, now: time.Now}, nil
}

// Current returns the current phase
func (m *Machine) Current() types.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Can reports whether a trigger would be accepted now
func (m *Machine) Can(trigger Trigger, guard Guard) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(trigger, guard) == nil
}

func (m *Machine) check(trigger Trigger, guard Guard) error {
	if !trigger.IsValid() {
		return &StateError{UnitID: m.unitID, From: m.current, Trigger: trigger, Reason: "unknown trigger"}
	}
	if _, ok := Next(m.current, trigger); !ok {
		return &StateError{UnitID: m.unitID, From: m.current, Trigger: trigger}
	}
	if trigger == TriggerIterate && guard.Exceeded {
		return &StateError{UnitID: m.unitID, From: m.current, Trigger: trigger, Reason: "iteration ceiling exceeded"}
	}
	return nil
}

// Fire applies a trigger and returns the transition taken
func (m *Machine) Fire(trigger Trigger, guard Guard) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(trigger, guard); err != nil {
		return Transition{}, err
	}
	to, _ := Next(m.current, trigger)
	tr := Transition{From: m.current, To: to, Trigger: trigger, At: m.now()}
	m.current = to
	m.history = append(m.history, tr)
	return tr, nil
}

// History returns the transitions applied by this machine, oldest first
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}
