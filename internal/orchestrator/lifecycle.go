package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/overseer/internal/events"
	"github.com/steveyegge/overseer/internal/phase"
	"github.com/steveyegge/overseer/internal/types"
)

// ConfirmMerge archives an accepted unit once its work has been merged
func (o *Orchestrator) ConfirmMerge(ctx context.Context, unitID, actor string, refs ...types.ArtifactRef) (*types.Unit, error) {
	if actor == "" {
		actor = string(types.RoleImplementer)
	}
	e, err := o.lookup(ctx, unitID)
	if err != nil {
		return nil, o.reject(ctx, unitID, 0, actor, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next, tr, err := o.fire(e.unit, phase.TriggerMergeConfirmed, phase.Guard{})
	if err != nil {
		return nil, o.reject(ctx, unitID, e.unit.Iteration, actor, err)
	}
	next.Artifacts = mergeArtifacts(next.Artifacts, refs)
	if err := o.store.SaveUnit(ctx, next); err != nil {
		return nil, o.reject(ctx, unitID, next.Iteration, actor, fmt.Errorf("failed to save unit: %w", err))
	}
	e.unit = next
	o.tracker.Forget(unitID)

	ev := o.event(events.EventTypeMergeConfirmed, next, next.Iteration, actor, events.SeverityInfo,
		fmt.Sprintf("Merge confirmed by %s after %d iterations", actor, next.Iteration))
	if len(refs) > 0 {
		names := make([]string, 0, len(refs))
		for _, r := range refs {
			names = append(names, r.String())
		}
		ev.Data["artifacts"] = names
	}
	o.record(ctx, ev)
	o.transitioned(ctx, next, actor, tr, "")
	return next.Clone(), nil
}

// Reassess restarts an escalated unit in discovery. The iteration count is
// kept and the ceiling becomes count+extra (extra <= 0 means the default
// ceiling). The unit needs approval again before development resumes.
func (o *Orchestrator) Reassess(ctx context.Context, unitID, actor string, extra int) (*types.Unit, error) {
	if actor == "" {
		actor = string(types.RoleOverseer)
	}
	e, err := o.lookup(ctx, unitID)
	if err != nil {
		return nil, o.reject(ctx, unitID, 0, actor, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next, tr, err := o.fire(e.unit, phase.TriggerReassess, phase.Guard{})
	if err != nil {
		return nil, o.reject(ctx, unitID, e.unit.Iteration, actor, err)
	}

	if err := o.tracker.Track(unitID, e.unit.Iteration, e.unit.Ceiling); err != nil {
		return nil, o.reject(ctx, unitID, e.unit.Iteration, actor, err)
	}
	iter, err := o.tracker.Extend(unitID, extra)
	if err != nil {
		return nil, o.reject(ctx, unitID, e.unit.Iteration, actor, err)
	}

	previous := e.unit.EscalationReason
	next.Ceiling = iter.Ceiling
	next.EscalationReason = ""
	next.DiscoverySubmittedAt = next.UpdatedAt
	if err := o.store.SaveUnit(ctx, next); err != nil {
		// the unit stays escalated under its stored ceiling
		if terr := o.tracker.Track(unitID, e.unit.Iteration, e.unit.Ceiling); terr != nil {
			err = errors.Join(err, terr)
		}
		return nil, o.reject(ctx, unitID, next.Iteration, actor, fmt.Errorf("failed to save unit: %w", err))
	}
	e.unit = next
	e.approval = make(chan struct{})

	ev := o.event(events.EventTypeReassessed, next, next.Iteration, actor, events.SeverityWarning,
		fmt.Sprintf("Reassessed by %s after %s: %d more iterations (ceiling %d)", actor, previous, iter.Ceiling-iter.Count, iter.Ceiling))
	ev.Data["previous_reason"] = previous
	ev.Data["ceiling"] = iter.Ceiling
	o.record(ctx, ev)
	o.transitioned(ctx, next, actor, tr, previous)
	return next.Clone(), nil
}
