package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/steveyegge/overseer/internal/events"
	"github.com/steveyegge/overseer/internal/logging"
	"github.com/steveyegge/overseer/internal/phase"
	"github.com/steveyegge/overseer/internal/types"
)

// newUnitID returns a short prefixed id
func newUnitID() string {
	return "ov-" + uuid.New().String()[:8]
}

// SubmitDiscovery creates a unit of work in discovery from an overseer
// definition. The unit waits there for approval.
func (o *Orchestrator) SubmitDiscovery(ctx context.Context, def types.UnitDefinition) (*types.Unit, error) {
	actor := string(types.RoleOverseer)
	if err := def.Validate(); err != nil {
		return nil, o.reject(ctx, "", 0, actor, err)
	}

	ceiling := def.Ceiling
	if ceiling == 0 {
		ceiling = o.tracker.DefaultCeiling()
	}
	now := o.now()
	u := &types.Unit{
		ID:                   newUnitID(),
		Name:                 def.Name,
		Requirement:          def.Requirement,
		Constraints:          append([]string(nil), def.Constraints...),
		Phase:                types.PhaseDiscovery,
		Status:               types.StatusActive,
		Ceiling:              ceiling,
		Artifacts:            append([]types.ArtifactRef(nil), def.Artifacts...),
		CreatedAt:            now,
		UpdatedAt:            now,
		DiscoverySubmittedAt: now,
	}

	if err := o.store.SaveUnit(ctx, u); err != nil {
		return nil, o.reject(ctx, u.ID, 0, actor, fmt.Errorf("failed to save unit: %w", err))
	}
	if _, err := o.adopt(u); err != nil {
		return nil, o.reject(ctx, u.ID, 0, actor, err)
	}
	o.metrics.UnitCreated(types.PhaseDiscovery)

	o.record(ctx, o.event(events.EventTypeDiscoverySubmitted, u, 0, actor, events.SeverityInfo,
		fmt.Sprintf("Discovery submitted: %s (ceiling %d)", u.Name, u.Ceiling)))
	o.logger.Info("discovery submitted",
		zap.String(logging.FieldUnit, u.ID), zap.String("name", u.Name), zap.Int("ceiling", u.Ceiling))
	return u.Clone(), nil
}

// ApprovalDeadline returns when a unit in discovery times out
func (o *Orchestrator) ApprovalDeadline(u *types.Unit) time.Time {
	return u.DiscoverySubmittedAt.Add(o.approvalTimeout)
}

// WaitForApproval blocks until the unit leaves discovery or its approval
// window elapses. On expiry the unit is escalated with reason
// approval-timeout and the escalated unit is returned together with a
// TimeoutError.
func (o *Orchestrator) WaitForApproval(ctx context.Context, unitID string) (*types.Unit, error) {
	e, err := o.lookup(ctx, unitID)
	if err != nil {
		return nil, o.reject(ctx, unitID, 0, string(types.RoleSystem), err)
	}

	e.mu.Lock()
	u := e.unit.Clone()
	approval := e.approval
	e.mu.Unlock()

	if u.Phase != types.PhaseDiscovery {
		return u, nil
	}

	if remaining := o.ApprovalDeadline(u).Sub(o.now()); remaining > 0 {
		timer := time.NewTimer(remaining)
		defer timer.Stop()

		select {
		case <-approval:
			return o.Unit(ctx, unitID)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return o.expire(ctx, e)
}

// ExpireOverdue escalates every known unit whose approval window ended at
// or before now. It returns the ids escalated.
func (o *Orchestrator) ExpireOverdue(ctx context.Context, now time.Time) ([]string, error) {
	o.mu.Lock()
	entries := make([]*entry, 0, len(o.units))
	for _, e := range o.units {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	var (
		expired []string
		errs    []error
	)
	for _, e := range entries {
		e.mu.Lock()
		overdue := e.unit.Phase == types.PhaseDiscovery && !o.ApprovalDeadline(e.unit).After(now)
		e.mu.Unlock()
		if !overdue {
			continue
		}

		u, err := o.expire(ctx, e)
		var timeout *types.TimeoutError
		switch {
		case errors.As(err, &timeout):
			expired = append(expired, u.ID)
		case err != nil:
			errs = append(errs, err)
		}
	}
	return expired, errors.Join(errs...)
}

// expire escalates a unit still waiting in discovery
func (o *Orchestrator) expire(ctx context.Context, e *entry) (*types.Unit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// approved or rejected while the timer fired
	if e.unit.Phase != types.PhaseDiscovery {
		return e.unit.Clone(), nil
	}

	actor := string(types.RoleSystem)
	next, tr, err := o.fire(e.unit, phase.TriggerApprovalTimeout, phase.Guard{})
	if err != nil {
		return nil, o.reject(ctx, e.unit.ID, e.unit.Iteration, actor, err)
	}
	next.EscalationReason = types.ReasonApprovalTimeout

	d := o.systemDecision(next, types.ReasonApprovalTimeout, types.RoleSystem)
	if err := o.store.AppendIteration(ctx, &types.IterationRecord{Unit: next, Decision: d}); err != nil {
		return nil, o.reject(ctx, next.ID, next.Iteration, actor, fmt.Errorf("failed to record approval timeout: %w", err))
	}
	e.unit = next
	e.leaveDiscovery()

	timeout := &types.TimeoutError{UnitID: next.ID, Wait: "approval", After: o.approvalTimeout}
	o.reject(ctx, next.ID, next.Iteration, actor, timeout)
	o.decided(ctx, d)
	o.transitioned(ctx, next, actor, tr, types.ReasonApprovalTimeout)
	return next.Clone(), timeout
}

// systemDecision is an ESCALATE decision not tied to any report
func (o *Orchestrator) systemDecision(u *types.Unit, reason string, authority types.Role) *types.Decision {
	return &types.Decision{
		ID:             uuid.New().String(),
		UnitID:         u.ID,
		Verdict:        types.VerdictEscalate,
		Reason:         reason,
		IterationCount: u.Iteration,
		Ceiling:        u.Ceiling,
		Authority:      authority,
		IssuedAt:       o.now(),
	}
}

// Approve moves a unit from discovery into development
func (o *Orchestrator) Approve(ctx context.Context, unitID, actor string) (*types.Unit, error) {
	if actor == "" {
		actor = string(types.RoleOverseer)
	}
	e, err := o.lookup(ctx, unitID)
	if err != nil {
		return nil, o.reject(ctx, unitID, 0, actor, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next, tr, err := o.fire(e.unit, phase.TriggerApprovalGranted, phase.Guard{})
	if err != nil {
		return nil, o.reject(ctx, unitID, e.unit.Iteration, actor, err)
	}
	if err := o.store.SaveUnit(ctx, next); err != nil {
		return nil, o.reject(ctx, unitID, next.Iteration, actor, fmt.Errorf("failed to save unit: %w", err))
	}
	e.unit = next
	e.leaveDiscovery()

	o.record(ctx, o.event(events.EventTypeApprovalGranted, next, next.Iteration, actor, events.SeverityInfo,
		fmt.Sprintf("Discovery approved by %s", actor)))
	o.transitioned(ctx, next, actor, tr, "")
	return next.Clone(), nil
}

// Reject declines a Discovery submission. A non-fatal rejection leaves the
// unit in discovery for a revised submission; a fatal one escalates it.
func (o *Orchestrator) Reject(ctx context.Context, unitID, actor, reason string, fatal bool) (*types.Unit, error) {
	if actor == "" {
		actor = string(types.RoleOverseer)
	}
	e, err := o.lookup(ctx, unitID)
	if err != nil {
		return nil, o.reject(ctx, unitID, 0, actor, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !fatal {
		if e.unit.Phase != types.PhaseDiscovery {
			err := &phase.StateError{UnitID: unitID, From: e.unit.Phase, Trigger: phase.TriggerApprovalRejected,
				Reason: "only discovery submissions can be rejected"}
			return nil, o.reject(ctx, unitID, e.unit.Iteration, actor, err)
		}
		ev := o.event(events.EventTypeApprovalRejected, e.unit, e.unit.Iteration, actor, events.SeverityWarning,
			fmt.Sprintf("Discovery sent back by %s: %s", actor, reason))
		ev.Data["reason"] = reason
		ev.Data["fatal"] = false
		o.record(ctx, ev)
		return e.unit.Clone(), nil
	}

	next, tr, err := o.fire(e.unit, phase.TriggerApprovalRejected, phase.Guard{})
	if err != nil {
		return nil, o.reject(ctx, unitID, e.unit.Iteration, actor, err)
	}
	next.EscalationReason = types.ReasonApprovalRejected

	d := o.systemDecision(next, types.ReasonApprovalRejected, types.RoleOverseer)
	if err := o.store.AppendIteration(ctx, &types.IterationRecord{Unit: next, Decision: d}); err != nil {
		return nil, o.reject(ctx, unitID, next.Iteration, actor, fmt.Errorf("failed to record rejection: %w", err))
	}
	e.unit = next
	e.leaveDiscovery()

	ev := o.event(events.EventTypeApprovalRejected, next, next.Iteration, actor, events.SeverityCritical,
		fmt.Sprintf("Discovery rejected by %s: %s", actor, reason))
	ev.Data["reason"] = reason
	ev.Data["fatal"] = true
	o.record(ctx, ev)
	o.decided(ctx, d)
	o.transitioned(ctx, next, actor, tr, reason)
	return next.Clone(), nil
}
