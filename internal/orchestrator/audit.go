package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/steveyegge/overseer/internal/events"
	"github.com/steveyegge/overseer/internal/logging"
	"github.com/steveyegge/overseer/internal/phase"
	"github.com/steveyegge/overseer/internal/types"
)

// record appends audit events. Audit failures are logged, never returned:
// the operation they describe has already happened.
func (o *Orchestrator) record(ctx context.Context, evs ...*events.AuditEvent) {
	// a caller giving up must not lose the trail of what was done
	ctx = context.WithoutCancel(ctx)
	for _, ev := range evs {
		if ev == nil {
			continue
		}
		if err := o.store.AppendEvent(ctx, ev); err != nil {
			o.logger.Warn("failed to store audit event",
				zap.String("type", string(ev.Type)), zap.String(logging.FieldUnit, ev.UnitID), zap.Error(err))
		}
	}
}

// reject records a failed operation and returns err unchanged
func (o *Orchestrator) reject(ctx context.Context, unitID string, iteration int, actor string, err error) error {
	ev := events.NewErrorEvent(unitID, iteration, actor, err)
	ev.Timestamp = o.now()
	o.record(ctx, ev)

	_, _, kind := events.Classify(err)
	o.metrics.ObserveRejection(kind)
	o.logger.Warn("operation rejected",
		append(logging.Unit(unitID, iteration),
			zap.String("actor", actor),
			zap.String(logging.FieldKind, kind),
			zap.Error(err))...)
	return err
}

// fire applies trigger to a copy of the unit. The stored unit is not touched
// until the caller persists the returned copy.
func (o *Orchestrator) fire(u *types.Unit, trigger phase.Trigger, guard phase.Guard) (*types.Unit, phase.Transition, error) {
	m, err := phase.NewMachine(u.ID, u.Phase)
	if err != nil {
		return nil, phase.Transition{}, err
	}
	tr, err := m.Fire(trigger, guard)
	if err != nil {
		return nil, phase.Transition{}, err
	}
	tr.At = o.now()

	next := u.Clone()
	next.Phase = tr.To
	next.Status = tr.To.Status()
	next.UpdatedAt = tr.At
	return next, tr, nil
}

// transitioned records the audit event, metrics and log line of an applied
// transition
func (o *Orchestrator) transitioned(ctx context.Context, u *types.Unit, actor string, tr phase.Transition, reason string) {
	ev, err := events.NewPhaseTransitionEvent(u.ID, u.Iteration, actor, tr, reason)
	if err != nil {
		o.logger.Warn("failed to build transition event", zap.String(logging.FieldUnit, u.ID), zap.Error(err))
	} else {
		o.record(ctx, ev)
	}
	o.metrics.ObserveTransition(tr.From, tr.To, string(tr.Trigger))
	o.logger.Info("phase transition",
		append(logging.Unit(u.ID, u.Iteration),
			zap.String("from", string(tr.From)),
			zap.String(logging.FieldPhase, string(tr.To)),
			zap.String("trigger", string(tr.Trigger)))...)
}

// event builds an audit event stamped with the orchestrator clock
func (o *Orchestrator) event(t events.EventType, u *types.Unit, iteration int, actor string, sev events.EventSeverity, msg string) *events.AuditEvent {
	ev := events.NewEvent(t, u.ID, iteration, actor, sev, msg)
	ev.Timestamp = o.now()
	return ev
}

// decided records the audit event and metrics of an issued decision
func (o *Orchestrator) decided(ctx context.Context, d *types.Decision) {
	ev, err := events.NewDecisionEvent(d)
	if err != nil {
		o.logger.Warn("failed to build decision event", zap.String(logging.FieldUnit, d.UnitID), zap.Error(err))
	} else {
		o.record(ctx, ev)
	}
	o.metrics.ObserveDecision(d)
}

// notify queues a message for a human role. A full outbox is logged; the
// decision is already stored and can be read back.
func (o *Orchestrator) notify(ctx context.Context, to types.Role, u *types.Unit, iteration int, p types.Payload) {
	if err := o.coordinator.Notify(ctx, to, u.ID, iteration, u.Phase, p); err != nil {
		o.logger.Warn("failed to notify role",
			append(logging.Unit(u.ID, iteration), zap.String(logging.FieldRole, string(to)), zap.Error(err))...)
	}
}
