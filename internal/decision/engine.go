// Package decision turns reconciled gate results and iteration state into a
// verdict with ranked feedback. It has no side effects; persistence and phase
// transitions belong to the caller.
package decision

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/overseer/internal/gates"
	"github.com/steveyegge/overseer/internal/types"
)

// DefaultMaxFeedbackItems caps ITERATE feedback so scope cannot grow unbounded
const DefaultMaxFeedbackItems = 3

// Engine issues decisions
type Engine struct {
	maxFeedback int
	now         func() time.Time
	newID       func() string
}

// Config holds decision engine configuration
type Config struct {
	MaxFeedbackItems int              // default 3
	Now              func() time.Time // test hook; default time.Now
	NewID            func() string    // test hook; default uuid
}

// NewEngine creates a decision engine
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.MaxFeedbackItems == 0 {
		cfg.MaxFeedbackItems = DefaultMaxFeedbackItems
	}
	if cfg.MaxFeedbackItems < 1 {
		return nil, fmt.Errorf("max feedback items must be at least 1 (got %d)", cfg.MaxFeedbackItems)
	}
	e := &Engine{
		maxFeedback: cfg.MaxFeedbackItems,
		now:         cfg.Now,
		newID:       cfg.NewID,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = func() string { return uuid.New().String() }
	}
	return e, nil
}

// Decide reconciles both sources with strictest-wins and issues a verdict
// for the iteration the state describes.
func (e *Engine) Decide(unitID string, self, reviewer []types.CategoryResult, state types.IterationState) types.Decision {
	reconciled, disagreements := gates.Reconcile(self, reviewer)
	return e.DecideReconciled(unitID, reconciled, disagreements, state)
}

// DecideReconciled issues a verdict from already-reconciled results:
//  1. iteration ceiling exceeded -> ESCALATE (iteration-limit)
//  2. a failing blocking category with a fundamental rule -> ESCALATE (fundamental-issue)
//  3. every blocking category passes -> ACCEPT
//  4. otherwise ITERATE with scope locked; feedback names only the blocking
//     failures, capped and ranked, and advisory failures stay in Advisories
func (e *Engine) DecideReconciled(unitID string, reconciled []types.CategoryResult, disagreements []types.Disagreement, state types.IterationState) types.Decision {
	d := types.Decision{
		ID:             e.newID(),
		UnitID:         unitID,
		Iteration:      state.Count,
		Reconciled:     types.CloneCategoryResults(reconciled),
		Disagreements:  append([]types.Disagreement(nil), disagreements...),
		IterationCount: state.Count,
		Ceiling:        state.Ceiling,
		Authority:      types.RoleOverseer,
		IssuedAt:       e.now(),
	}

	blocking, advisory := RankFailures(reconciled)
	d.Advisories = advisory

	switch {
	case state.Exceeded:
		d.Verdict = types.VerdictEscalate
		d.Reason = types.ReasonIterationLimit
		d.Feedback = capItems(blocking, e.maxFeedback)
	case hasFundamentalFailure(reconciled):
		d.Verdict = types.VerdictEscalate
		d.Reason = types.ReasonFundamental
		d.Feedback = capItems(blocking, e.maxFeedback)
	case len(blocking) == 0 && blockingPassed(reconciled):
		d.Verdict = types.VerdictAccept
		d.Reason = types.ReasonGatesPassed
	default:
		d.Verdict = types.VerdictIterate
		d.Reason = types.ReasonGatesFailed
		d.Feedback = capItems(blocking, e.maxFeedback)
		d.ScopeLocked = true
	}
	return d
}

func hasFundamentalFailure(reconciled []types.CategoryResult) bool {
	for _, c := range reconciled {
		if c.Blocking && !c.Passed && c.Fundamental() {
			return true
		}
	}
	return false
}

func blockingPassed(reconciled []types.CategoryResult) bool {
	for _, c := range reconciled {
		if c.Blocking && !c.Passed {
			return false
		}
	}
	return true
}

// RankFailures lists failing rules as feedback, split into blocking and
// advisory. Each list is ordered by severity (critical first), then gate name.
// Ranks are assigned across both lists, blocking first. A failing blocking
// category with no failing rule, as a reviewer may report it, is listed
// under the category name.
func RankFailures(reconciled []types.CategoryResult) (blocking, advisory []types.FeedbackItem) {
	for _, c := range reconciled {
		ruleFailed := false
		for _, r := range c.Results {
			if r.Passed {
				continue
			}
			ruleFailed = true
			item := types.FeedbackItem{
				Gate:       r.Key(),
				Category:   r.Category,
				Metric:     r.Metric,
				Comparator: r.Comparator,
				Threshold:  r.Threshold,
				Measured:   r.Measured,
				Blocking:   c.Blocking || r.Blocking,
				Severity:   r.Severity,
			}
			if item.Blocking {
				blocking = append(blocking, item)
			} else {
				advisory = append(advisory, item)
			}
		}
		if c.Blocking && !c.Passed && !ruleFailed {
			blocking = append(blocking, types.FeedbackItem{
				Gate:     c.Category,
				Category: c.Category,
				Blocking: true,
				Severity: types.SeverityHigh,
			})
		}
	}
	sortItems(blocking)
	sortItems(advisory)
	for i := range blocking {
		blocking[i].Rank = i + 1
	}
	for i := range advisory {
		advisory[i].Rank = len(blocking) + i + 1
	}
	return blocking, advisory
}

func sortItems(items []types.FeedbackItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := items[i].Severity.Rank(), items[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		return items[i].Gate < items[j].Gate
	})
}

func capItems(items []types.FeedbackItem, max int) []types.FeedbackItem {
	if len(items) > max {
		items = items[:max]
	}
	return append([]types.FeedbackItem(nil), items...)
}
