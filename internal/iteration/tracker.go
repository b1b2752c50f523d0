// Package iteration tracks how many report/decision cycles each unit of work
// has consumed against its configured ceiling.
package iteration

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/steveyegge/overseer/internal/types"
)

// State is the iteration budget of one unit
type State = types.IterationState

// DefaultCeiling is used when neither the unit nor the config sets one
const DefaultCeiling = 3

type counter struct {
	sem     *semaphore.Weighted // one slot: advances on a unit never overlap
	count   int
	ceiling int
}

func (c *counter) state() State {
	return State{Count: c.count, Ceiling: c.ceiling, Exceeded: c.count > c.ceiling}
}

// Tracker holds per-unit iteration counters. Units advance independently.
type Tracker struct {
	mu             sync.Mutex
	units          map[string]*counter
	defaultCeiling int
	logger         *zap.Logger
}

// Config holds tracker configuration
type Config struct {
	DefaultCeiling int // Ceiling for units tracked without one (default 3)
	Logger         *zap.Logger
}

// NewTracker creates an empty tracker
func NewTracker(cfg *Config) (*Tracker, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.DefaultCeiling == 0 {
		cfg.DefaultCeiling = DefaultCeiling
	}
	if cfg.DefaultCeiling < 1 {
		return nil, fmt.Errorf("default ceiling must be at least 1 (got %d)", cfg.DefaultCeiling)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		units:          make(map[string]*counter),
		defaultCeiling: cfg.DefaultCeiling,
		logger:         logger.Named("iteration"),
	}, nil
}

// DefaultCeiling returns the ceiling applied when none is given
func (t *Tracker) DefaultCeiling() int {
	return t.defaultCeiling
}

// Track starts (or restores) tracking for a unit. A ceiling of 0 selects the
// default. Re-tracking a known unit never lowers its count.
func (t *Tracker) Track(unitID string, count, ceiling int) error {
	if unitID == "" {
		return types.NewValidationError("unit_id", "is required")
	}
	if ceiling == 0 {
		ceiling = t.defaultCeiling
	}
	if ceiling < 1 {
		return types.NewValidationError("ceiling", "must be at least 1 (got %d)", ceiling)
	}
	if count < 0 || count > ceiling+1 {
		return types.NewValidationError("iteration", "%d is outside 0..%d", count, ceiling+1)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.units[unitID]; ok {
		if count < c.count {
			return types.NewValidationError("iteration", "cannot move back from %d to %d", c.count, count)
		}
		c.count = count
		c.ceiling = ceiling
		return nil
	}
	t.units[unitID] = &counter{
		sem:     semaphore.NewWeighted(1),
		count:   count,
		ceiling: ceiling,
	}
	return nil
}

func (t *Tracker) lookup(unitID string) (*counter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.units[unitID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnitNotFound, unitID)
	}
	return c, nil
}

// Advance increments the unit's count. Exceeded is set once the count passes
// the ceiling; that is a signal for the decision engine, not a decision.
// Advancing a unit that has already overflowed returns IterationLimitError,
// so the count never exceeds ceiling+1.
func (t *Tracker) Advance(ctx context.Context, unitID string) (State, error) {
	r, err := t.Reserve(ctx, unitID)
	if err != nil {
		return State{}, err
	}
	defer r.Release()
	return r.Commit(), nil
}

// Reservation holds a unit's advance slot. Until it is released no other
// advance or reservation on the unit can proceed.
type Reservation struct {
	t      *Tracker
	c      *counter
	unitID string
	next   State
	done   bool
}

// Reserve acquires the unit's slot and computes the state the next advance
// produces without applying it. Callers that must persist the iteration
// first Commit only once it is stored; Release without Commit leaves the
// count unchanged.
func (t *Tracker) Reserve(ctx context.Context, unitID string) (*Reservation, error) {
	c, err := t.lookup(unitID)
	if err != nil {
		return nil, err
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting to advance %s: %w", unitID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if c.count > c.ceiling {
		c.sem.Release(1)
		return nil, &types.IterationLimitError{UnitID: unitID, Count: c.count, Ceiling: c.ceiling}
	}
	next := c.state()
	next.Count++
	next.Exceeded = next.Count > next.Ceiling
	return &Reservation{t: t, c: c, unitID: unitID, next: next}, nil
}

// State is the state the reservation will commit
func (r *Reservation) State() State {
	return r.next
}

// Commit applies the reserved increment. Calling it twice has no effect.
func (r *Reservation) Commit() State {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	if r.done {
		return r.c.state()
	}
	r.done = true
	r.c.count = r.next.Count
	st := r.c.state()

	r.t.logger.Debug("iteration advanced",
		zap.String("unit", r.unitID),
		zap.Int("count", st.Count),
		zap.Int("ceiling", st.Ceiling),
		zap.Bool("exceeded", st.Exceeded))
	return st
}

// Release frees the unit's slot. It must be called exactly once.
func (r *Reservation) Release() {
	r.c.sem.Release(1)
}

// Get returns the current state of a unit
func (t *Tracker) Get(unitID string) (State, error) {
	c, err := t.lookup(unitID)
	if err != nil {
		return State{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return c.state(), nil
}

// Extend grants a manually reassessed unit more iterations. The count is
// kept; the ceiling becomes count+extra (extra <= 0 means the default).
func (t *Tracker) Extend(unitID string, extra int) (State, error) {
	c, err := t.lookup(unitID)
	if err != nil {
		return State{}, err
	}
	if extra <= 0 {
		extra = t.defaultCeiling
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	c.ceiling = c.count + extra
	return c.state(), nil
}

// Forget stops tracking a unit
func (t *Tracker) Forget(unitID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.units, unitID)
}

// Units returns the tracked unit ids in sorted order
func (t *Tracker) Units() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.units))
	for id := range t.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
