package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/overseer/internal/types"
)

func TestObserveDecision(t *testing.T) {
	m := New()
	d := &types.Decision{
		Verdict:        types.VerdictIterate,
		Reason:         types.ReasonGatesFailed,
		Iteration:      2,
		IterationCount: 2,
		Reconciled: []types.CategoryResult{
			{
				Category: "testing",
				Blocking: true,
				Results: []types.GateResult{
					{Category: "testing", Metric: "scenarios_tested", Passed: false},
					{Category: "testing", Metric: "runtime_errors", Passed: true},
				},
			},
			{
				Category: "documentation",
				Results:  []types.GateResult{{Category: "documentation", Metric: "examples_provided", Passed: false}},
			},
		},
		Disagreements: []types.Disagreement{{Category: "testing", SelfPassed: true}},
	}
	m.ObserveDecision(d)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("ITERATE", types.ReasonGatesFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateFailuresTotal.WithLabelValues("testing", "testing.scenarios_tested", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateFailuresTotal.WithLabelValues("documentation", "documentation.examples_provided", "false")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.GateFailuresTotal.WithLabelValues("testing", "testing.runtime_errors", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DisagreementsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.IterationsAtDecision))
}

func TestTransitionsMoveGauges(t *testing.T) {
	m := New()
	m.SetUnitCounts(map[types.Phase]int{types.PhaseDiscovery: 2})
	m.ObserveTransition(types.PhaseDiscovery, types.PhaseDevelopment, "approval-granted")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnitsByPhase.WithLabelValues("discovery")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnitsByPhase.WithLabelValues("development")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("discovery", "development", "approval-granted")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveDecision(&types.Decision{Verdict: types.VerdictAccept})
	m.ObserveRejection("StaleReportError")
	m.ObserveTransition(types.PhaseDiscovery, types.PhaseDevelopment, "x")
	m.ObserveReview(time.Second)
	m.SetUnitCounts(nil)
	m.UnitCreated(types.PhaseDiscovery)
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveRejection("StaleReportError")
	m.ObserveReview(250 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `overseer_rejections_total{kind="StaleReportError"} 1`), body)
	assert.Contains(t, body, "overseer_review_duration_seconds_count 1")
}
