package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/steveyegge/overseer/internal/events"
	"github.com/steveyegge/overseer/internal/gates"
	"github.com/steveyegge/overseer/internal/logging"
	"github.com/steveyegge/overseer/internal/phase"
	"github.com/steveyegge/overseer/internal/types"
)

// SubmitReport processes one iteration report and returns the decision.
//
// The report must be for the unit's next iteration and the unit must be in
// development or refinement with no other iteration pending. The reviewer
// gets artifact (or, when nil, the raw measurements of the report) and
// never the implementer's own results. Both results are reconciled with
// strictest-wins, the iteration is advanced, the overseer issues the
// verdict and the phase machine applies it. The report, review, decision
// and unit snapshot are stored together.
//
// A report or review declaring blockers returns a BlockedError and does not
// consume an iteration.
func (o *Orchestrator) SubmitReport(ctx context.Context, report *types.IterationReport, artifact *types.ArtifactState) (*types.Decision, error) {
	actor := string(types.RoleImplementer)
	if report == nil {
		return nil, o.reject(ctx, "", 0, actor, types.NewValidationError("report", "is required"))
	}
	rep := report.Clone()
	if err := rep.Validate(); err != nil {
		return nil, o.reject(ctx, rep.UnitID, rep.Iteration, actor, err)
	}

	state := types.ArtifactState{
		UnitID:       rep.UnitID,
		Iteration:    rep.Iteration,
		Measurements: rep.Measurements.Clone(),
		Artifacts:    append([]types.ArtifactRef(nil), rep.Artifacts...),
	}
	if artifact != nil {
		if artifact.UnitID != rep.UnitID || artifact.Iteration != rep.Iteration {
			err := types.NewValidationError("artifact", "is for unit %s iteration %d, report is for unit %s iteration %d",
				artifact.UnitID, artifact.Iteration, rep.UnitID, rep.Iteration)
			return nil, o.reject(ctx, rep.UnitID, rep.Iteration, actor, err)
		}
		state = artifact.Clone()
	}

	e, err := o.lookup(ctx, rep.UnitID)
	if err != nil {
		return nil, o.reject(ctx, rep.UnitID, rep.Iteration, actor, err)
	}

	u, err := o.begin(e, rep.Iteration)
	if err != nil {
		return nil, o.reject(ctx, rep.UnitID, rep.Iteration, actor, err)
	}
	defer o.finish(e)

	if rep.SubmittedAt.IsZero() {
		rep.SubmittedAt = o.now()
	}
	log := o.logger.With(logging.Unit(u.ID, rep.Iteration)...)

	// an implementer blocker is surfaced before anything is evaluated
	if rep.IsBlocked() {
		return nil, o.blocked(ctx, u, &types.BlockedError{
			UnitID:    u.ID,
			Iteration: rep.Iteration,
			Role:      types.RoleImplementer,
			Blockers:  append([]string(nil), rep.Blockers...),
		})
	}

	// self evaluation is pure; a metric missing from the report is a
	// ValidationError and nothing has changed yet
	self, err := o.self.Run(rep.Measurements)
	if err != nil {
		return nil, o.reject(ctx, u.ID, rep.Iteration, actor, err)
	}
	rep.SelfResults = self
	o.record(ctx, o.event(events.EventTypeReportReceived, u, rep.Iteration, actor, events.SeverityInfo,
		fmt.Sprintf("Iteration %d report received (%d measurements)", rep.Iteration, len(rep.Measurements))))

	// the reviewer only ever sees the artifact state
	started := o.now()
	review, err := o.coordinator.Review(ctx, u.Phase, state)
	o.metrics.ObserveReview(o.now().Sub(started))
	if err != nil {
		var blocked *types.BlockedError
		if errors.As(err, &blocked) {
			return nil, o.blocked(ctx, u, blocked)
		}
		return nil, o.reject(ctx, u.ID, rep.Iteration, string(types.RoleReviewer), fmt.Errorf("review failed: %w", err))
	}

	// strictest-wins needs an independent verdict on every blocking category
	if err := o.self.Registry().CheckCoverage(review.Results); err != nil {
		return nil, o.reject(ctx, u.ID, rep.Iteration, string(types.RoleReviewer), fmt.Errorf("review rejected: %w", err))
	}
	reconciled, disagreements := gates.Reconcile(self, review.Results)

	reservation, err := o.tracker.Reserve(ctx, u.ID)
	if err != nil {
		return nil, o.reject(ctx, u.ID, rep.Iteration, string(types.RoleSystem), err)
	}
	defer reservation.Release()
	iter := reservation.State()

	d, err := o.coordinator.Brief(ctx, u.Phase, types.OverseerBrief{
		Report:        rep,
		Reconciled:    reconciled,
		Disagreements: disagreements,
		State:         iter,
	})
	if err != nil {
		return nil, o.reject(ctx, u.ID, rep.Iteration, string(types.RoleOverseer), fmt.Errorf("decision failed: %w", err))
	}
	if !d.Verdict.IsValid() {
		return nil, o.reject(ctx, u.ID, rep.Iteration, string(types.RoleOverseer), fmt.Errorf("overseer issued invalid verdict %q", d.Verdict))
	}

	next, transitions, err := o.apply(u, &d, iter, rep.Artifacts)
	if err != nil {
		return nil, o.reject(ctx, u.ID, rep.Iteration, string(types.RoleSystem), err)
	}

	if err := o.store.AppendIteration(ctx, &types.IterationRecord{
		Unit:     next,
		Report:   &rep,
		Review:   &review,
		Decision: &d,
	}); err != nil {
		if errors.Is(err, types.ErrDuplicateEntry) {
			err = &types.StaleReportError{UnitID: u.ID, Submitted: rep.Iteration, Expected: u.Iteration + 1}
		}
		return nil, o.reject(ctx, u.ID, rep.Iteration, actor, fmt.Errorf("failed to record iteration: %w", err))
	}
	reservation.Commit()
	o.commit(e, next)

	if ev, err := events.NewReviewEvent(&review); err == nil {
		o.record(ctx, ev)
	}
	if len(disagreements) > 0 {
		disagree := &types.ReviewerDisagreementError{UnitID: u.ID, Iteration: rep.Iteration, Disagreements: disagreements}
		if ev, err := events.NewDisagreementEvent(disagree); err == nil {
			o.record(ctx, ev)
		}
		log.Warn("reviewer disagreement resolved by strictest-wins", zap.Error(disagree))
	}
	o.decided(ctx, &d)
	if d.Reason == types.ReasonIterationLimit {
		limit := &types.IterationLimitError{UnitID: u.ID, Count: iter.Count, Ceiling: iter.Ceiling}
		ev := events.NewErrorEvent(u.ID, rep.Iteration, string(types.RoleSystem), limit)
		ev.Timestamp = o.now()
		o.record(ctx, ev)
	}
	for _, tr := range transitions {
		o.transitioned(ctx, next, string(types.RoleSystem), tr, d.Reason)
	}
	if rep.Recommended != "" && rep.Recommended != d.Verdict {
		log.Info("verdict differs from implementer recommendation",
			zap.String("recommended", string(rep.Recommended)), zap.String(logging.FieldVerdict, string(d.Verdict)))
	}

	o.notify(ctx, types.RoleImplementer, next, rep.Iteration, d)
	return &d, nil
}

// begin checks ordering and marks the iteration pending. The returned unit
// is a snapshot taken under the entry lock.
func (o *Orchestrator) begin(e *entry, submitted int) (*types.Unit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	u := e.unit
	expected := u.Iteration + 1
	if e.pending != 0 {
		return nil, &types.StaleReportError{UnitID: u.ID, Submitted: submitted, Expected: e.pending, Pending: true}
	}
	// already decided, whatever phase that led to
	if submitted <= u.Iteration {
		return nil, &types.StaleReportError{UnitID: u.ID, Submitted: submitted, Expected: expected}
	}
	if u.Phase != types.PhaseDevelopment && u.Phase != types.PhaseRefinement {
		return nil, &phase.StateError{UnitID: u.ID, From: u.Phase, Trigger: phase.TriggerRefinementSubmitted,
			Reason: "reports are only accepted in development or refinement"}
	}
	if submitted != expected {
		return nil, &types.StaleReportError{UnitID: u.ID, Submitted: submitted, Expected: expected}
	}
	e.pending = submitted
	return u.Clone(), nil
}

// finish clears the pending iteration on every exit path
func (o *Orchestrator) finish(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = 0
}

func (o *Orchestrator) commit(e *entry, next *types.Unit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unit = next.Clone()
}

// apply runs the decision through the phase machine. A unit in refinement
// first returns to development, so an ITERATE verdict always goes
// development, refinement, development.
func (o *Orchestrator) apply(u *types.Unit, d *types.Decision, iter types.IterationState, artifacts []types.ArtifactRef) (*types.Unit, []phase.Transition, error) {
	var transitions []phase.Transition
	cur := u
	if cur.Phase == types.PhaseRefinement {
		next, tr, err := o.fire(cur, phase.TriggerRefinementSubmitted, phase.Guard{})
		if err != nil {
			return nil, nil, err
		}
		transitions = append(transitions, tr)
		cur = next
	}

	trigger, err := phase.TriggerForVerdict(d.Verdict)
	if err != nil {
		return nil, nil, err
	}
	next, tr, err := o.fire(cur, trigger, phase.Guard{Exceeded: iter.Exceeded})
	if err != nil {
		return nil, nil, err
	}
	transitions = append(transitions, tr)

	next.Iteration = iter.Count
	next.Ceiling = iter.Ceiling
	if d.Verdict == types.VerdictEscalate {
		next.EscalationReason = d.Reason
	}
	next.Artifacts = mergeArtifacts(next.Artifacts, artifacts)
	return next, transitions, nil
}

// blocked records a BlockedError and tells the overseer. No iteration is
// consumed and the unit stays where it was.
func (o *Orchestrator) blocked(ctx context.Context, u *types.Unit, err *types.BlockedError) error {
	o.notify(ctx, types.RoleOverseer, u, err.Iteration, types.BlockerNotice{
		UnitID:    u.ID,
		Iteration: err.Iteration,
		Role:      err.Role,
		Blockers:  append([]string(nil), err.Blockers...),
	})
	return o.reject(ctx, u.ID, err.Iteration, string(err.Role), err)
}

// mergeArtifacts appends refs not already recorded on the unit
func mergeArtifacts(have, add []types.ArtifactRef) []types.ArtifactRef {
	seen := make(map[types.ArtifactRef]bool, len(have))
	for _, a := range have {
		seen[a] = true
	}
	out := append([]types.ArtifactRef(nil), have...)
	for _, a := range add {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}
