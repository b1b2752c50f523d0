package roles

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/overseer/internal/gates"
	"github.com/steveyegge/overseer/internal/types"
)

// Reviewer independently assesses the artifacts of one iteration. It only
// ever sees an ArtifactState, which has no field for the implementer's
// self-assessment.
type Reviewer interface {
	Name() string
	Review(ctx context.Context, state types.ArtifactState) (types.Review, error)
}

// GateReviewer re-evaluates the gate registry on the artifact measurements
type GateReviewer struct {
	evaluator *gates.Evaluator
	now       func() time.Time
}

// NewGateReviewer creates a reviewer that applies reg as independently verified
func NewGateReviewer(reg *gates.Registry) (*GateReviewer, error) {
	ev, err := gates.NewEvaluator(&gates.Config{Registry: reg, Source: types.SourceIndependentlyVerified})
	if err != nil {
		return nil, err
	}
	return &GateReviewer{evaluator: ev, now: time.Now}, nil
}

// Name identifies the reviewer in reviews and logs
func (g *GateReviewer) Name() string { return "gates" }

// Review evaluates every registered category against the artifact measurements
func (g *GateReviewer) Review(ctx context.Context, state types.ArtifactState) (types.Review, error) {
	if err := ctx.Err(); err != nil {
		return types.Review{}, err
	}
	results, err := g.evaluator.Run(state.Measurements)
	if err != nil {
		return types.Review{}, fmt.Errorf("review of unit %s iteration %d: %w", state.UnitID, state.Iteration, err)
	}
	return types.Review{
		UnitID:     state.UnitID,
		Iteration:  state.Iteration,
		Reviewer:   g.Name(),
		Results:    results,
		ReviewedAt: g.now(),
	}, nil
}

// AsyncReviewer is a Reviewer whose answers arrive from outside the process.
// Request registers the review and returns at once; wait blocks until the
// review arrives or ctx ends, and must be called exactly once.
type AsyncReviewer interface {
	Reviewer
	Request(state types.ArtifactState) (wait func(ctx context.Context) (types.Review, error), err error)
}

type reviewKey struct {
	unitID    string
	iteration int
}

// ExternalReviewer waits for a review delivered from outside the process,
// e.g. a human or another tool using the control socket.
type ExternalReviewer struct {
	registry *gates.Registry

	mu      sync.Mutex
	pending map[reviewKey]chan types.Review
	states  map[reviewKey]types.ArtifactState
}

// NewExternalReviewer creates a reviewer with no outstanding requests.
// Delivered reviews must cover every blocking category of reg.
func NewExternalReviewer(reg *gates.Registry) (*ExternalReviewer, error) {
	if reg == nil {
		return nil, fmt.Errorf("gate registry is required")
	}
	return &ExternalReviewer{
		registry: reg,
		pending:  make(map[reviewKey]chan types.Review),
		states:   make(map[reviewKey]types.ArtifactState),
	}, nil
}

// Name identifies the reviewer in reviews and logs
func (x *ExternalReviewer) Name() string { return "external" }

// Review registers the request and blocks until Deliver answers it or ctx ends
func (x *ExternalReviewer) Review(ctx context.Context, state types.ArtifactState) (types.Review, error) {
	wait, err := x.Request(state)
	if err != nil {
		return types.Review{}, err
	}
	return wait(ctx)
}

// Request registers the request so Pending lists it, without waiting
func (x *ExternalReviewer) Request(state types.ArtifactState) (func(ctx context.Context) (types.Review, error), error) {
	key := reviewKey{state.UnitID, state.Iteration}
	ch := make(chan types.Review, 1)

	x.mu.Lock()
	if _, exists := x.states[key]; exists {
		x.mu.Unlock()
		return nil, fmt.Errorf("review of unit %s iteration %d already requested", state.UnitID, state.Iteration)
	}
	x.pending[key] = ch
	x.states[key] = state.Clone()
	x.mu.Unlock()

	wait := func(ctx context.Context) (types.Review, error) {
		defer func() {
			x.mu.Lock()
			delete(x.pending, key)
			delete(x.states, key)
			x.mu.Unlock()
		}()

		select {
		case r := <-ch:
			return r, nil
		case <-ctx.Done():
			return types.Review{}, ctx.Err()
		}
	}
	return wait, nil
}

// Deliver answers an outstanding review request. A review that leaves a
// blocking category unassessed is rejected and the request stays open.
func (x *ExternalReviewer) Deliver(review types.Review) error {
	key := reviewKey{review.UnitID, review.Iteration}
	if err := x.registry.CheckCoverage(review.Results); err != nil {
		return fmt.Errorf("review of unit %s iteration %d: %w", review.UnitID, review.Iteration, err)
	}

	x.mu.Lock()
	ch, ok := x.pending[key]
	if ok {
		delete(x.pending, key)
	}
	x.mu.Unlock()

	if !ok {
		return fmt.Errorf("no review requested for unit %s iteration %d", review.UnitID, review.Iteration)
	}
	review = review.Copy().(types.Review)
	if review.Reviewer == "" {
		review.Reviewer = x.Name()
	}
	if review.ReviewedAt.IsZero() {
		review.ReviewedAt = time.Now()
	}
	for i := range review.Results {
		review.Results[i].Source = types.SourceIndependentlyVerified
		for j := range review.Results[i].Results {
			review.Results[i].Results[j].Source = types.SourceIndependentlyVerified
		}
	}
	ch <- review
	return nil
}

// Pending lists the artifact states still waiting for a review, by unit and iteration
func (x *ExternalReviewer) Pending() []types.ArtifactState {
	x.mu.Lock()
	defer x.mu.Unlock()

	out := make([]types.ArtifactState, 0, len(x.states))
	for key, s := range x.states {
		if _, waiting := x.pending[key]; waiting {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UnitID != out[j].UnitID {
			return out[i].UnitID < out[j].UnitID
		}
		return out[i].Iteration < out[j].Iteration
	})
	return out
}
