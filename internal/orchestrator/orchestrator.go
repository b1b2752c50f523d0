// Package orchestrator runs units of work through the gated iteration cycle:
// a report is routed to the reviewer and the overseer, both results are
// reconciled, a verdict is issued, the phase machine applies it and the
// report store records everything.
//
// Units progress independently. Within one unit at most one iteration is in
// flight; a second report submitted while a decision is pending is rejected
// with a StaleReportError.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/overseer/internal/gates"
	"github.com/steveyegge/overseer/internal/iteration"
	"github.com/steveyegge/overseer/internal/logging"
	"github.com/steveyegge/overseer/internal/metrics"
	"github.com/steveyegge/overseer/internal/roles"
	"github.com/steveyegge/overseer/internal/storage"
	"github.com/steveyegge/overseer/internal/types"
)

// DefaultApprovalTimeout is how long a Discovery submission waits for approval
const DefaultApprovalTimeout = 24 * time.Hour

// Config holds orchestrator configuration
type Config struct {
	Store           storage.Storage    // required
	Registry        *gates.Registry    // required
	Coordinator     *roles.Coordinator // required, started by the caller
	Tracker         *iteration.Tracker // default: new tracker with DefaultCeiling
	DefaultCeiling  int                // used when a definition sets no ceiling (default 3)
	ApprovalTimeout time.Duration      // default 24h
	Metrics         *metrics.Metrics   // optional
	Logger          *zap.Logger
	Now             func() time.Time
}

// entry is the in-memory state of one unit. Its mutex guards the snapshot,
// and pending marks the single iteration allowed in flight. Different units
// never share an entry.
type entry struct {
	mu      sync.Mutex
	unit    *types.Unit
	pending int // iteration awaiting a decision, 0 if none

	// approval is closed when the unit leaves discovery
	approval chan struct{}
}

func (e *entry) leaveDiscovery() {
	select {
	case <-e.approval:
	default:
		close(e.approval)
	}
}

// Orchestrator coordinates gate evaluation, decisions and phase transitions
type Orchestrator struct {
	store           storage.Storage
	self            *gates.Evaluator
	coordinator     *roles.Coordinator
	tracker         *iteration.Tracker
	approvalTimeout time.Duration
	metrics         *metrics.Metrics
	logger          *zap.Logger
	now             func() time.Time

	mu    sync.Mutex
	units map[string]*entry
}

// New creates an orchestrator
func New(cfg *Config) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("gate registry is required")
	}
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("role coordinator is required")
	}
	if cfg.ApprovalTimeout < 0 {
		return nil, fmt.Errorf("approval timeout cannot be negative (got %v)", cfg.ApprovalTimeout)
	}

	self, err := gates.NewEvaluator(&gates.Config{Registry: cfg.Registry, Source: types.SourceSelfReported})
	if err != nil {
		return nil, err
	}

	logger := logging.OrNop(cfg.Logger).Named("orchestrator")

	tracker := cfg.Tracker
	if tracker == nil {
		tracker, err = iteration.NewTracker(&iteration.Config{DefaultCeiling: cfg.DefaultCeiling, Logger: logger})
		if err != nil {
			return nil, err
		}
	}

	approvalTimeout := cfg.ApprovalTimeout
	if approvalTimeout == 0 {
		approvalTimeout = DefaultApprovalTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		store:           cfg.Store,
		self:            self,
		coordinator:     cfg.Coordinator,
		tracker:         tracker,
		approvalTimeout: approvalTimeout,
		metrics:         cfg.Metrics,
		logger:          logger,
		now:             now,
		units:           make(map[string]*entry),
	}, nil
}

// ApprovalTimeout returns how long Discovery submissions wait for approval
func (o *Orchestrator) ApprovalTimeout() time.Duration {
	return o.approvalTimeout
}

// Restore loads every stored unit and resumes tracking the ones that can
// still progress. It returns the number of units loaded.
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	units, err := o.store.ListUnits(ctx, types.UnitFilter{})
	if err != nil {
		return 0, fmt.Errorf("failed to list units: %w", err)
	}

	counts := make(map[types.Phase]int)
	for _, u := range units {
		if _, err := o.adopt(u); err != nil {
			return 0, fmt.Errorf("failed to restore unit %s: %w", u.ID, err)
		}
		counts[u.Phase]++
	}
	o.metrics.SetUnitCounts(counts)

	o.logger.Info("units restored", zap.Int("count", len(units)))
	return len(units), nil
}

// adopt registers a stored unit in memory, returning the existing entry if
// the unit is already known
func (o *Orchestrator) adopt(u *types.Unit) (*entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if e, ok := o.units[u.ID]; ok {
		return e, nil
	}
	if u.Phase != types.PhaseDone {
		if err := o.tracker.Track(u.ID, u.Iteration, u.Ceiling); err != nil {
			return nil, err
		}
	}
	e := &entry{unit: u.Clone(), approval: make(chan struct{})}
	if u.Phase != types.PhaseDiscovery {
		close(e.approval)
	}
	o.units[u.ID] = e
	return e, nil
}

// lookup returns the entry for a unit, loading it from storage on a miss
func (o *Orchestrator) lookup(ctx context.Context, unitID string) (*entry, error) {
	if unitID == "" {
		return nil, types.NewValidationError("unit_id", "is required")
	}
	o.mu.Lock()
	e, ok := o.units[unitID]
	o.mu.Unlock()
	if ok {
		return e, nil
	}

	u, err := o.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	return o.adopt(u)
}

// Unit returns a snapshot of a unit of work
func (o *Orchestrator) Unit(ctx context.Context, unitID string) (*types.Unit, error) {
	e, err := o.lookup(ctx, unitID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unit.Clone(), nil
}

// Units lists stored units matching the filter
func (o *Orchestrator) Units(ctx context.Context, filter types.UnitFilter) ([]*types.Unit, error) {
	return o.store.ListUnits(ctx, filter)
}

// History reconstructs the reconciliation history of a unit
func (o *Orchestrator) History(ctx context.Context, unitID string) (*types.History, error) {
	return o.store.GetHistory(ctx, unitID)
}

// Pending returns the iteration awaiting a decision for a unit, or 0
func (o *Orchestrator) Pending(ctx context.Context, unitID string) (int, error) {
	e, err := o.lookup(ctx, unitID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending, nil
}

// Iteration returns the tracker's view of a unit's iteration budget
func (o *Orchestrator) Iteration(ctx context.Context, unitID string) (types.IterationState, error) {
	e, err := o.lookup(ctx, unitID)
	if err != nil {
		return types.IterationState{}, err
	}
	if st, err := o.tracker.Get(unitID); err == nil {
		return st, nil
	}
	// done units are no longer tracked
	e.mu.Lock()
	defer e.mu.Unlock()
	return types.IterationState{
		Count:    e.unit.Iteration,
		Ceiling:  e.unit.Ceiling,
		Exceeded: e.unit.Iteration > e.unit.Ceiling,
	}, nil
}
