package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/steveyegge/overseer/internal/decision"
	"github.com/steveyegge/overseer/internal/events"
	"github.com/steveyegge/overseer/internal/gates"
	"github.com/steveyegge/overseer/internal/metrics"
	"github.com/steveyegge/overseer/internal/phase"
	"github.com/steveyegge/overseer/internal/roles"
	"github.com/steveyegge/overseer/internal/storage"
	"github.com/steveyegge/overseer/internal/storage/sqlite"
	"github.com/steveyegge/overseer/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	orch    *Orchestrator
	store   storage.Storage
	coord   *roles.Coordinator
	metrics *metrics.Metrics
}

type options struct {
	reviewer      roles.Reviewer
	reviewTimeout time.Duration
	store         storage.Storage
	mutate        func(*Config)
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()

	store := opts.store
	if store == nil {
		s, err := sqlite.New(filepath.Join(t.TempDir(), "overseer.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		store = s
	}

	reviewer := opts.reviewer
	if reviewer == nil {
		r, err := roles.NewGateReviewer(gates.DefaultRegistry())
		require.NoError(t, err)
		reviewer = r
	}
	engine, err := decision.NewEngine(nil)
	require.NoError(t, err)
	coord, err := roles.NewCoordinator(&roles.Config{
		Reviewer:      reviewer,
		Engine:        engine,
		Workers:       4,
		ReviewTimeout: opts.reviewTimeout,
	})
	require.NoError(t, err)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() { _ = coord.Stop() })

	m := metrics.New()
	cfg := &Config{
		Store:       store,
		Registry:    gates.DefaultRegistry(),
		Coordinator: coord,
		Metrics:     m,
	}
	if opts.mutate != nil {
		opts.mutate(cfg)
	}
	orch, err := New(cfg)
	require.NoError(t, err)
	return &harness{orch: orch, store: store, coord: coord, metrics: m}
}

func passing() types.Measurements {
	return types.Measurements{
		"code_quality.critical_issues":         types.Number(0),
		"code_quality.zen_compliance":          types.Number(90),
		"code_quality.docstring_coverage":      types.Number(100),
		"testing.scenarios_tested":             types.Number(6),
		"testing.runtime_errors":               types.Number(0),
		"testing.test_coverage":                types.Number(85),
		"integration.breaking_changes":         types.Number(0),
		"integration.patterns_followed":        types.Bool(true),
		"documentation.public_apis_documented": types.Bool(true),
		"documentation.examples_provided":      types.Number(2),
	}
}

func with(m types.Measurements, key string, v types.Value) types.Measurements {
	m[key] = v
	return m
}

func report(unitID string, iteration int, m types.Measurements) *types.IterationReport {
	return &types.IterationReport{UnitID: unitID, Iteration: iteration, Measurements: m}
}

// developing creates and approves a unit
func (h *harness) developing(t *testing.T, ceiling int) *types.Unit {
	t.Helper()
	ctx := context.Background()
	u, err := h.orch.SubmitDiscovery(ctx, types.UnitDefinition{
		Name:        "session cache",
		Requirement: "cache sessions for five minutes",
		Ceiling:     ceiling,
	})
	require.NoError(t, err)
	u, err = h.orch.Approve(ctx, u.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, types.PhaseDevelopment, u.Phase)
	return u
}

func (h *harness) eventsOf(t *testing.T, unitID string, typ events.EventType) []*events.AuditEvent {
	t.Helper()
	evs, err := h.store.GetEvents(context.Background(), events.EventFilter{UnitID: unitID, Type: typ})
	require.NoError(t, err)
	return evs
}

func TestNewValidation(t *testing.T) {
	h := newHarness(t, options{})

	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"no store", &Config{Registry: gates.DefaultRegistry(), Coordinator: h.coord}},
		{"no registry", &Config{Store: h.store, Coordinator: h.coord}},
		{"no coordinator", &Config{Store: h.store, Registry: gates.DefaultRegistry()}},
		{"negative approval timeout", &Config{Store: h.store, Registry: gates.DefaultRegistry(), Coordinator: h.coord, ApprovalTimeout: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestSubmitDiscovery(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	u, err := h.orch.SubmitDiscovery(ctx, types.UnitDefinition{
		Name:        "rate limiter",
		Requirement: "limit requests per tenant",
		Constraints: []string{"no new dependencies"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseDiscovery, u.Phase)
	assert.Equal(t, types.StatusActive, u.Status)
	assert.Equal(t, 3, u.Ceiling, "default ceiling")
	assert.Equal(t, 0, u.Iteration)

	stored, err := h.store.GetUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Name, stored.Name)
	assert.Len(t, h.eventsOf(t, u.ID, events.EventTypeDiscoverySubmitted), 1)

	_, err = h.orch.SubmitDiscovery(ctx, types.UnitDefinition{Name: "no requirement"})
	var verr *types.ValidationError
	assert.True(t, errors.As(err, &verr), "got %v", err)
}

// Scenario A: three ITERATE verdicts, the fourth evaluation escalates
// whatever the gates say.
func TestIterationCeilingForcesEscalate(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	u := h.developing(t, 3)

	for i := 1; i <= 3; i++ {
		d, err := h.orch.SubmitReport(ctx, report(u.ID, i, with(passing(), "testing.scenarios_tested", types.Number(4))), nil)
		require.NoError(t, err, "iteration %d", i)
		assert.Equal(t, types.VerdictIterate, d.Verdict, "iteration %d", i)

		cur, err := h.orch.Unit(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, types.PhaseRefinement, cur.Phase)
		assert.Equal(t, i, cur.Iteration)
	}

	d, err := h.orch.SubmitReport(ctx, report(u.ID, 4, passing()), nil)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictEscalate, d.Verdict)
	assert.Equal(t, types.ReasonIterationLimit, d.Reason)
	assert.Equal(t, 4, d.IterationCount)

	cur, err := h.orch.Unit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseEscalated, cur.Phase)
	assert.Equal(t, types.StatusEscalated, cur.Status)
	assert.Equal(t, cur.Ceiling+1, cur.Iteration)
	assert.Equal(t, types.ReasonIterationLimit, cur.EscalationReason)
	assert.Len(t, h.eventsOf(t, u.ID, events.EventTypeIterationLimit), 1)

	// no further automatic decision
	_, err = h.orch.SubmitReport(ctx, report(u.ID, 5, passing()), nil)
	var stateErr *phase.StateError
	require.True(t, errors.As(err, &stateErr), "got %v", err)

	hist, err := h.orch.History(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, hist.Iterations, 4)
	for i, it := range hist.Iterations {
		assert.Equal(t, i+1, it.Iteration)
		assert.NotNil(t, it.Report)
		assert.NotNil(t, it.Review)
		assert.Len(t, it.Decisions, 1)
	}
}

// Scenario B: a blocking gate below threshold yields ITERATE naming the gate
func TestFailingBlockingGateIterates(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	u := h.developing(t, 3)

	d, err := h.orch.SubmitReport(ctx, report(u.ID, 1, with(passing(), "testing.scenarios_tested", types.Number(4))), nil)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictIterate, d.Verdict)
	assert.True(t, d.ScopeLocked)
	require.NotEmpty(t, d.Feedback)
	assert.Equal(t, "testing.scenarios_tested", d.Feedback[0].Gate)
	assert.Equal(t, types.RoleOverseer, d.Authority)

	msg := <-h.coord.Outbox()
	assert.Equal(t, types.RoleImplementer, msg.To)
	assert.Equal(t, types.MessageDecision, msg.Kind())

	// development -> refinement -> development -> completion -> done
	d, err = h.orch.SubmitReport(ctx, report(u.ID, 2, passing()), nil)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAccept, d.Verdict)
	assert.True(t, d.BlockingPassed())

	cur, err := h.orch.ConfirmMerge(ctx, u.ID, "bob", types.ArtifactRef{Kind: types.ArtifactPullRequest, Ref: "#42"})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseDone, cur.Phase)
	assert.Equal(t, types.StatusDone, cur.Status)
	assert.Contains(t, cur.Artifacts, types.ArtifactRef{Kind: types.ArtifactPullRequest, Ref: "#42"})

	var path []string
	for _, ev := range h.eventsOf(t, u.ID, events.EventTypePhaseTransition) {
		data, err := ev.GetPhaseTransitionData()
		require.NoError(t, err)
		path = append(path, string(data.To))
	}
	assert.Equal(t, []string{"development", "refinement", "development", "completion", "done"}, path)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DecisionsTotal.WithLabelValues("ITERATE", types.ReasonGatesFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DecisionsTotal.WithLabelValues("ACCEPT", types.ReasonGatesPassed)))
}

// Scenario C: advisory failures never block
func TestAdvisoryFailureStillAccepts(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	u := h.developing(t, 3)

	d, err := h.orch.SubmitReport(ctx, report(u.ID, 1, with(passing(), "documentation.examples_provided", types.Number(0))), nil)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAccept, d.Verdict)
	assert.Empty(t, d.Feedback)
	require.Len(t, d.Advisories, 1)
	assert.Equal(t, "documentation.examples_provided", d.Advisories[0].Gate)

	cur, err := h.orch.Unit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompletion, cur.Phase)
}

// Scenario D: a reviewer FAIL beats a self-reported PASS
func TestReviewerFailureWins(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	u := h.developing(t, 3)

	artifact := &types.ArtifactState{
		UnitID:       u.ID,
		Iteration:    1,
		Measurements: with(passing(), "testing.scenarios_tested", types.Number(3)),
	}
	d, err := h.orch.SubmitReport(ctx, report(u.ID, 1, passing()), artifact)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictIterate, d.Verdict)
	require.Len(t, d.Disagreements, 1)
	assert.Equal(t, types.Disagreement{Category: "testing", SelfPassed: true, ReviewerPassed: false}, d.Disagreements[0])

	for _, c := range d.Reconciled {
		if c.Category == "testing" {
			assert.False(t, c.Passed)
			assert.Equal(t, types.SourceReconciled, c.Source)
		}
	}
	assert.Len(t, h.eventsOf(t, u.ID, events.EventTypeReviewerDisagreement), 1)

	hist, err := h.orch.History(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, hist.Iterations, 1)
	for _, c := range hist.Iterations[0].Report.SelfResults {
		assert.True(t, c.Passed, "self results are stored as reported: %s", c.Category)
	}
}

// Scenario E: a second report for an iteration still awaiting its decision
// is stale
func TestSecondReportWhilePendingIsStale(t *testing.T) {
	ext, err := roles.NewExternalReviewer(gates.DefaultRegistry())
	require.NoError(t, err)
	h := newHarness(t, options{reviewer: ext})
	ctx := context.Background()
	u := h.developing(t, 3)

	var (
		wg    sync.WaitGroup
		first *types.Decision
		ferr  error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, ferr = h.orch.SubmitReport(ctx, report(u.ID, 1, passing()), nil)
	}()
	require.Eventually(t, func() bool { return len(ext.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	pending, err := h.orch.Pending(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	_, err = h.orch.SubmitReport(ctx, report(u.ID, 1, passing()), nil)
	var stale *types.StaleReportError
	require.True(t, errors.As(err, &stale), "got %v", err)
	assert.True(t, stale.Pending)
	assert.Equal(t, 1, stale.Expected)

	require.NoError(t, ext.Deliver(types.Review{UnitID: u.ID, Iteration: 1, Results: passingReview(t)}))
	wg.Wait()
	require.NoError(t, ferr)
	assert.Equal(t, types.VerdictAccept, first.Verdict)

	// resolved iteration: stale without pending
	_, err = h.orch.SubmitReport(ctx, report(u.ID, 1, passing()), nil)
	require.True(t, errors.As(err, &stale))
	assert.False(t, stale.Pending)

	assert.Len(t, h.eventsOf(t, u.ID, events.EventTypeStaleReport), 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.RejectionsTotal.WithLabelValues("StaleReportError")))
}

func passingReview(t *testing.T) []types.CategoryResult {
	t.Helper()
	r, err := roles.NewGateReviewer(gates.DefaultRegistry())
	require.NoError(t, err)
	review, err := r.Review(context.Background(), types.ArtifactState{Measurements: passing()})
	require.NoError(t, err)
	return review.Results
}

func TestOutOfOrderReportIsStale(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	u := h.developing(t, 3)

	_, err := h.orch.SubmitReport(ctx, report(u.ID, 2, passing()), nil)
	var stale *types.StaleReportError
	require.True(t, errors.As(err, &stale), "got %v", err)
	assert.Equal(t, 1, stale.Expected)
	assert.False(t, stale.Pending)
}

func TestReportBeforeApprovalIsRejected(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	u, err := h.orch.SubmitDiscovery(ctx, types.UnitDefinition{Name: "x", Requirement: "y"})
	require.NoError(t, err)

	_, err = h.orch.SubmitReport(ctx, report(u.ID, 1, passing()), nil)
	var stateErr *phase.StateError
	assert.True(t, errors.As(err, &stateErr), "got %v", err)
	assert.Len(t, h.eventsOf(t, u.ID, events.EventTypeInvalidTransition), 1)
}

func TestMissingMetricIsValidationError(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	u := h.developing(t, 3)

	m := passing()
	delete(m, "testing.test_coverage")
	_, err := h.orch.SubmitReport(ctx, report(u.ID, 1, m), nil)
	var verr *types.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)

	cur, err := h.orch.Unit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, cur.Iteration, "no iteration consumed")
	assert.Equal(t, types.PhaseDevelopment, cur.Phase)
	assert.Len(t, h.eventsOf(t, u.ID, events.EventTypeValidationFailed), 1)

	// the same iteration can be resubmitted
	_, err = h.orch.SubmitReport(ctx, report(u.ID, 1, passing()), nil)
	assert.NoError(t, err)
}

func TestImplementerBlockerDoesNotConsumeIteration(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	u := h.developing(t, 3)

	rep := &types.IterationReport{UnitID: u.ID, Iteration: 1, Blockers: []string{"staging database unavailable"}}
	_, err := h.orch.SubmitReport(ctx, rep, nil)
	var blocked *types.BlockedError
	require.True(t, errors.As(err, &blocked), "got %v", err)
	assert.Equal(t, types.RoleImplementer, blocked.Role)

	msg := <-h.coord.Outbox()
	assert.Equal(t, types.RoleOverseer, msg.To)
	assert.Equal(t, types.MessageBlockerNotice, msg.Kind())

	st, err := h.orch.Iteration(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Count)

	evs := h.eventsOf(t, u.ID, events.EventTypeBlocked)
	require.Len(t, evs, 1)
	data, err := evs[0].GetErrorData()
	require.NoError(t, err)
	assert.Equal(t, []string{"staging database unavailable"}, data.Blockers)
}

func TestReviewTimeoutIsBlocked(t *testing.T) {
	ext, err := roles.NewExternalReviewer(gates.DefaultRegistry())
	require.NoError(t, err)
	h := newHarness(t, options{reviewer: ext, reviewTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	u := h.developing(t, 3)

	_, err = h.orch.SubmitReport(ctx, report(u.ID, 1, passing()), nil)
	var timeout *types.TimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.Equal(t, "review", timeout.Wait)

	cur, err := h.orch.Unit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, cur.Iteration)
	pending, err := h.orch.Pending(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, pending, "pending cleared on error")
	assert.Len(t, h.eventsOf(t, u.ID, events.EventTypeReviewTimeout), 1)
}

// partialReviewer answers with only the categories it was given
type partialReviewer struct{ results []types.CategoryResult }

func (partialReviewer) Name() string { return "partial" }
func (p partialReviewer) Review(_ context.Context, s types.ArtifactState) (types.Review, error) {
	return types.Review{UnitID: s.UnitID, Iteration: s.Iteration, Reviewer: "partial", Results: p.results}, nil
}

func TestReviewMissingBlockingCategoriesIsRejected(t *testing.T) {
	advisoryOnly := []types.CategoryResult{{Category: "documentation", Passed: true, Source: types.SourceIndependentlyVerified}}
	for _, results := range [][]types.CategoryResult{nil, advisoryOnly} {
		h := newHarness(t, options{reviewer: partialReviewer{results: results}})
		ctx := context.Background()
		u := h.developing(t, 3)

		_, err := h.orch.SubmitReport(ctx, report(u.ID, 1, passing()), nil)
		var verr *types.ValidationError
		require.True(t, errors.As(err, &verr), "%d categories: got %v", len(results), err)
		assert.Contains(t, verr.Reason, "testing")

		cur, err := h.orch.Unit(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, cur.Iteration, "no iteration consumed")
		assert.Equal(t, types.PhaseDevelopment, cur.Phase)
		hist, err := h.orch.History(ctx, u.ID)
		require.NoError(t, err)
		assert.Empty(t, hist.Iterations)
		assert.Len(t, h.eventsOf(t, u.ID, events.EventTypeValidationFailed), 1)
	}
}

// flakyStore fails the next armed AppendIteration and SaveUnit calls
type flakyStore struct {
	storage.Storage

	mu          sync.Mutex
	appendFails int
	saveFails   int
}

func newFlakyStore(t *testing.T) *flakyStore {
	t.Helper()
	base, err := sqlite.New(filepath.Join(t.TempDir(), "overseer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = base.Close() })
	return &flakyStore{Storage: base}
}

func (s *flakyStore) take(n *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *n == 0 {
		return false
	}
	*n--
	return true
}

func (s *flakyStore) failAppends(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendFails = n
}

func (s *flakyStore) failSaves(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveFails = n
}

func (s *flakyStore) AppendIteration(ctx context.Context, rec *types.IterationRecord) error {
	if s.take(&s.appendFails) {
		return errors.New("disk I/O error")
	}
	return s.Storage.AppendIteration(ctx, rec)
}

func (s *flakyStore) SaveUnit(ctx context.Context, u *types.Unit) error {
	if s.take(&s.saveFails) {
		return errors.New("disk I/O error")
	}
	return s.Storage.SaveUnit(ctx, u)
}

func TestFailedAppendLeavesUnitUnchanged(t *testing.T) {
	store := newFlakyStore(t)
	h := newHarness(t, options{store: store})
	ctx := context.Background()
	u := h.developing(t, 3)

	d, err := h.orch.SubmitReport(ctx, report(u.ID, 1, with(passing(), "testing.scenarios_tested", types.Number(4))), nil)
	require.NoError(t, err)
	require.Equal(t, types.VerdictIterate, d.Verdict)

	store.failAppends(1)
	_, err = h.orch.SubmitReport(ctx, report(u.ID, 2, passing()), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")

	st, err := h.orch.Iteration(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Count, "tracker not advanced")
	cur, err := h.orch.Unit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseRefinement, cur.Phase)
	assert.Equal(t, 1, cur.Iteration)
	pending, err := h.orch.Pending(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	stored, err := store.GetUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseRefinement, stored.Phase)

	// the same iteration goes through once the store recovers
	d, err = h.orch.SubmitReport(ctx, report(u.ID, 2, passing()), nil)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAccept, d.Verdict)
	st, err = h.orch.Iteration(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Count)
}

func TestFundamentalFailureEscalates(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	u := h.developing(t, 3)

	d, err := h.orch.SubmitReport(ctx, report(u.ID, 1, with(passing(), "integration.breaking_changes", types.Number(2))), nil)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictEscalate, d.Verdict)
	assert.Equal(t, types.ReasonFundamental, d.Reason)

	cur, err := h.orch.Unit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseEscalated, cur.Phase)
	assert.Equal(t, types.ReasonFundamental, cur.EscalationReason)
}

func TestApprovalTimeoutEscalates(t *testing.T) {
	h := newHarness(t, options{mutate: func(c *Config) { c.ApprovalTimeout = 30 * time.Millisecond }})
	ctx := context.Background()

	u, err := h.orch.SubmitDiscovery(ctx, types.UnitDefinition{Name: "x", Requirement: "y"})
	require.NoError(t, err)

	got, err := h.orch.WaitForApproval(ctx, u.ID)
	var timeout *types.TimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.Equal(t, "approval", timeout.Wait)
	assert.Equal(t, types.PhaseEscalated, got.Phase)
	assert.Equal(t, types.ReasonApprovalTimeout, got.EscalationReason)

	hist, err := h.orch.History(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, hist.Iterations)
	require.Len(t, hist.Other, 1)
	assert.Equal(t, types.VerdictEscalate, hist.Other[0].Verdict)
	assert.Equal(t, types.ReasonApprovalTimeout, hist.Other[0].Reason)
	assert.Equal(t, types.RoleSystem, hist.Other[0].Authority)
	assert.Len(t, h.eventsOf(t, u.ID, events.EventTypeApprovalTimeout), 1)

	// approving after the window is an invalid transition
	_, err = h.orch.Approve(ctx, u.ID, "alice")
	var stateErr *phase.StateError
	assert.True(t, errors.As(err, &stateErr))
}

func TestWaitForApprovalReturnsOnApprove(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	u, err := h.orch.SubmitDiscovery(ctx, types.UnitDefinition{Name: "x", Requirement: "y"})
	require.NoError(t, err)

	done := make(chan *types.Unit, 1)
	go func() {
		got, err := h.orch.WaitForApproval(ctx, u.ID)
		assert.NoError(t, err)
		done <- got
	}()

	_, err = h.orch.Approve(ctx, u.ID, "alice")
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, types.PhaseDevelopment, got.Phase)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForApproval did not return after approval")
	}
}

func TestWaitForApprovalHonorsContext(t *testing.T) {
	h := newHarness(t, options{})
	u, err := h.orch.SubmitDiscovery(context.Background(), types.UnitDefinition{Name: "x", Requirement: "y"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.orch.WaitForApproval(ctx, u.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cur, err := h.orch.Unit(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseDiscovery, cur.Phase)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func TestExpireOverdue(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	h := newHarness(t, options{mutate: func(c *Config) { c.Now = clock.Now }})
	ctx := context.Background()

	stale, err := h.orch.SubmitDiscovery(ctx, types.UnitDefinition{Name: "stale", Requirement: "y"})
	require.NoError(t, err)
	approved := h.developing(t, 3)

	expired, err := h.orch.ExpireOverdue(ctx, clock.now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = h.orch.ExpireOverdue(ctx, clock.now.Add(DefaultApprovalTimeout))
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, expired)

	cur, err := h.orch.Unit(ctx, approved.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseDevelopment, cur.Phase)
}

func TestRejectAndReassess(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	u, err := h.orch.SubmitDiscovery(ctx, types.UnitDefinition{Name: "x", Requirement: "y", Ceiling: 2})
	require.NoError(t, err)

	got, err := h.orch.Reject(ctx, u.ID, "alice", "requirement too vague", false)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseDiscovery, got.Phase)

	got, err = h.orch.Reject(ctx, u.ID, "alice", "out of scope", true)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseEscalated, got.Phase)
	assert.Equal(t, types.ReasonApprovalRejected, got.EscalationReason)
	assert.Len(t, h.eventsOf(t, u.ID, events.EventTypeApprovalRejected), 2)

	got, err = h.orch.Reassess(ctx, u.ID, "carol", 4)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseDiscovery, got.Phase)
	assert.Equal(t, types.StatusActive, got.Status)
	assert.Empty(t, got.EscalationReason)
	assert.Equal(t, 4, got.Ceiling)

	got, err = h.orch.Approve(ctx, u.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseDevelopment, got.Phase)
}

func TestReassessAfterIterationLimit(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	u := h.developing(t, 1)
	failing := func() types.Measurements { return with(passing(), "testing.runtime_errors", types.Number(1)) }

	d, err := h.orch.SubmitReport(ctx, report(u.ID, 1, failing()), nil)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictIterate, d.Verdict)
	d, err = h.orch.SubmitReport(ctx, report(u.ID, 2, failing()), nil)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictEscalate, d.Verdict)

	// reassessment only applies to escalated units
	_, err = h.orch.Reassess(ctx, h.developing(t, 3).ID, "carol", 1)
	var stateErr *phase.StateError
	require.True(t, errors.As(err, &stateErr))

	got, err := h.orch.Reassess(ctx, u.ID, "carol", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Iteration, "count is kept")
	assert.Equal(t, 4, got.Ceiling)
	assert.Len(t, h.eventsOf(t, u.ID, events.EventTypeReassessed), 1)

	_, err = h.orch.Approve(ctx, u.ID, "carol")
	require.NoError(t, err)
	d, err = h.orch.SubmitReport(ctx, report(u.ID, 3, passing()), nil)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAccept, d.Verdict)
	assert.Equal(t, 3, d.IterationCount)
}

func TestFailedReassessKeepsStoredCeiling(t *testing.T) {
	store := newFlakyStore(t)
	h := newHarness(t, options{store: store})
	ctx := context.Background()
	u := h.developing(t, 1)
	failing := func() types.Measurements { return with(passing(), "testing.runtime_errors", types.Number(1)) }

	_, err := h.orch.SubmitReport(ctx, report(u.ID, 1, failing()), nil)
	require.NoError(t, err)
	d, err := h.orch.SubmitReport(ctx, report(u.ID, 2, failing()), nil)
	require.NoError(t, err)
	require.Equal(t, types.VerdictEscalate, d.Verdict)

	store.failSaves(1)
	_, err = h.orch.Reassess(ctx, u.ID, "carol", 2)
	require.Error(t, err)

	st, err := h.orch.Iteration(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IterationState{Count: 2, Ceiling: 1, Exceeded: true}, st)
	cur, err := h.orch.Unit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseEscalated, cur.Phase)
	assert.Equal(t, 1, cur.Ceiling)

	got, err := h.orch.Reassess(ctx, u.ID, "carol", 2)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Ceiling)
	st, err = h.orch.Iteration(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Ceiling)
}

func TestConfirmMergeRequiresCompletion(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	u := h.developing(t, 3)

	_, err := h.orch.ConfirmMerge(ctx, u.ID, "bob")
	var stateErr *phase.StateError
	assert.True(t, errors.As(err, &stateErr), "got %v", err)

	_, err = h.orch.ConfirmMerge(ctx, "ov-missing", "bob")
	assert.ErrorIs(t, err, types.ErrUnitNotFound)
}

func TestRestoreResumesUnits(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "overseer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	first := newHarness(t, options{store: store})
	u := first.developing(t, 3)
	_, err = first.orch.SubmitReport(ctx, report(u.ID, 1, with(passing(), "testing.scenarios_tested", types.Number(1))), nil)
	require.NoError(t, err)
	_, err = first.orch.SubmitDiscovery(ctx, types.UnitDefinition{Name: "waiting", Requirement: "y"})
	require.NoError(t, err)

	second := newHarness(t, options{store: store})
	n, err := second.orch.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(second.metrics.UnitsByPhase.WithLabelValues("refinement")))
	assert.Equal(t, 1.0, testutil.ToFloat64(second.metrics.UnitsByPhase.WithLabelValues("discovery")))

	st, err := second.orch.Iteration(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IterationState{Count: 1, Ceiling: 3}, st)

	d, err := second.orch.SubmitReport(ctx, report(u.ID, 2, passing()), nil)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictAccept, d.Verdict)
}

func TestUnitsProgressIndependently(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		ids[i] = h.developing(t, 3).ID
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			m := passing()
			if i%2 == 1 {
				m = with(m, "testing.scenarios_tested", types.Number(2))
			}
			_, err := h.orch.SubmitReport(ctx, report(id, 1, m), nil)
			errs <- err
		}(i, id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	for i, id := range ids {
		u, err := h.orch.Unit(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, u.Iteration)
		if i%2 == 1 {
			assert.Equal(t, types.PhaseRefinement, u.Phase, id)
		} else {
			assert.Equal(t, types.PhaseCompletion, u.Phase, id)
		}
	}
}
