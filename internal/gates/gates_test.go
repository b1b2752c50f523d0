package gates

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/overseer/internal/types"
)

func scenariosGate() types.GateSpec {
	return types.GateSpec{
		Category:   "testing",
		Metric:     "scenarios_tested",
		Comparator: types.CompareGTE,
		Threshold:  types.Number(5),
		Blocking:   true,
		Severity:   types.SeverityHigh,
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		spec     types.GateSpec
		measured types.Value
		want     bool
	}{
		{"gte below", scenariosGate(), types.Number(4), false},
		{"gte equal", scenariosGate(), types.Number(5), true},
		{"lte pass", types.GateSpec{Category: "perf", Metric: "p99_ms", Comparator: types.CompareLTE, Threshold: types.Number(200)}, types.Number(150), true},
		{"lte fail", types.GateSpec{Category: "perf", Metric: "p99_ms", Comparator: types.CompareLTE, Threshold: types.Number(200)}, types.Number(201), false},
		{"eq zero", types.GateSpec{Category: "code_quality", Metric: "critical_issues", Comparator: types.CompareEQ, Threshold: types.Number(0)}, types.Number(0), true},
		{"eq nonzero", types.GateSpec{Category: "code_quality", Metric: "critical_issues", Comparator: types.CompareEQ, Threshold: types.Number(0)}, types.Number(2), false},
		{"bool true", types.GateSpec{Category: "integration", Metric: "patterns_followed", Comparator: types.CompareBool, Threshold: types.Bool(true)}, types.Bool(true), true},
		{"bool false", types.GateSpec{Category: "integration", Metric: "patterns_followed", Comparator: types.CompareBool, Threshold: types.Bool(true)}, types.Bool(false), false},
		{"bool unset threshold", types.GateSpec{Category: "integration", Metric: "patterns_followed", Comparator: types.CompareBool}, types.Bool(true), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := types.Measurements{tt.spec.Key(): tt.measured}
			res, err := Evaluate(tt.spec, m, types.SourceSelfReported)
			if err != nil {
				t.Fatalf("Evaluate() error: %v", err)
			}
			if res.Passed != tt.want {
				t.Errorf("Evaluate() passed = %v, want %v", res.Passed, tt.want)
			}
			if res.Measured != tt.measured {
				t.Errorf("Evaluate() measured = %v, want %v", res.Measured, tt.measured)
			}
			if res.Source != types.SourceSelfReported {
				t.Errorf("Evaluate() source = %s", res.Source)
			}
		})
	}
}

func TestEvaluateMissingMetricIsValidationError(t *testing.T) {
	_, err := Evaluate(scenariosGate(), types.Measurements{"testing.other": types.Number(9)}, types.SourceSelfReported)
	var ve *types.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "testing.scenarios_tested", ve.Field)

	// An explicit null is no better than a missing key
	_, err = Evaluate(scenariosGate(), types.Measurements{"testing.scenarios_tested": {}}, types.SourceSelfReported)
	assert.ErrorAs(t, err, &ve)
}

func TestEvaluateTypeMismatch(t *testing.T) {
	_, err := Evaluate(scenariosGate(), types.Measurements{"testing.scenarios_tested": types.Bool(true)}, types.SourceSelfReported)
	var ve *types.ValidationError
	assert.ErrorAs(t, err, &ve)

	boolGate := types.GateSpec{Category: "testing", Metric: "green", Comparator: types.CompareBool, Threshold: types.Bool(true)}
	_, err = Evaluate(boolGate, types.Measurements{"testing.green": types.Number(1)}, types.SourceSelfReported)
	assert.ErrorAs(t, err, &ve)
}

func TestScenarioB_CategoryFailsBelowThreshold(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(scenariosGate()))

	results, err := EvaluateAll(reg, types.Measurements{"testing.scenarios_tested": types.Number(4)}, types.SourceSelfReported)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.True(t, results[0].Blocking)
	require.Len(t, results[0].Failing(), 1)
	assert.Equal(t, "testing.scenarios_tested", results[0].Failing()[0].Key())
}

func TestCategoryIsConjunctionOfRules(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(scenariosGate()))
	require.NoError(t, reg.Register(types.GateSpec{Category: "testing", Metric: "runtime_errors", Comparator: types.CompareEQ, Threshold: types.Number(0), Blocking: true}))

	m := types.Measurements{
		"testing.scenarios_tested": types.Number(7),
		"testing.runtime_errors":   types.Number(1),
	}
	results, err := EvaluateAll(reg, m, types.SourceIndependentlyVerified)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Equal(t, []string{"runtime_errors", "scenarios_tested"}, []string{results[0].Results[0].Metric, results[0].Results[1].Metric})

	m["testing.runtime_errors"] = types.Number(0)
	results, err = EvaluateAll(reg, m, types.SourceIndependentlyVerified)
	require.NoError(t, err)
	assert.True(t, results[0].Passed)
}

func TestRegistryRejectsBadSpecs(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(scenariosGate()))

	var ve *types.ValidationError
	err := reg.Register(scenariosGate())
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "more than once")

	advisory := types.GateSpec{Category: "testing", Metric: "flaky", Comparator: types.CompareEQ, Threshold: types.Number(0), Blocking: false}
	err = reg.Register(advisory)
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "mixes blocking and advisory")

	err = reg.Register(types.GateSpec{Category: "x", Metric: "y", Comparator: "~", Threshold: types.Number(1)})
	assert.ErrorAs(t, err, &ve)

	assert.Equal(t, 1, reg.Len())
}

func TestRegistryIsOpen(t *testing.T) {
	reg := DefaultRegistry()
	before := len(reg.Categories())

	require.NoError(t, reg.Register(types.GateSpec{
		Category:   "security",
		Metric:     "secrets_found",
		Comparator: types.CompareEQ,
		Threshold:  types.Number(0),
		Blocking:   true,
	}))
	assert.Len(t, reg.Categories(), before+1)

	specs, ok := reg.Category("security")
	require.True(t, ok)
	require.Len(t, specs, 1)
	assert.True(t, reg.Blocking("security"))

	_, ok = reg.Category("nope")
	assert.False(t, ok)
}

func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry()
	assert.Equal(t, []string{"code_quality", "documentation", "integration", "testing"}, reg.Categories())
	assert.False(t, reg.Blocking("documentation"))
	assert.True(t, reg.Blocking("testing"))

	specs, ok := reg.Category("integration")
	require.True(t, ok)
	var fundamental []string
	for _, s := range specs {
		if s.Fundamental {
			fundamental = append(fundamental, s.Key())
		}
	}
	assert.Equal(t, []string{"integration.breaking_changes"}, fundamental)

	// Specs are sorted by category then metric
	all := reg.Specs()
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		if prev.Category > cur.Category || (prev.Category == cur.Category && prev.Metric >= cur.Metric) {
			t.Errorf("Specs() out of order at %d: %s before %s", i, prev.Key(), cur.Key())
		}
	}
}

func TestParseRegistry(t *testing.T) {
	doc := []byte(`
gates:
  - category: testing
    metric: scenarios_tested
    comparator: ">="
    threshold: 5
    blocking: true
  - category: docs
    metric: coverage
    comparator: "≥"
    threshold: 0.8
`)
	reg, err := ParseRegistry(doc)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	_, err = ParseRegistry([]byte("gates: []\n"))
	var ve *types.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = ParseRegistry([]byte("gates:\n  - category: a\n    metric: b\n    comparator: approx\n    threshold: 1\n"))
	assert.Error(t, err)

	_, err = ParseRegistry([]byte("gates: [unterminated\n"))
	assert.ErrorAs(t, err, &ve)
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gates.yaml")
	require.NoError(t, os.WriteFile(path, DefaultGatesYAML(), 0o644))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultRegistry().Len(), reg.Len())

	_, err = LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewEvaluator(t *testing.T) {
	_, err := NewEvaluator(&Config{})
	if err == nil {
		t.Error("Expected error for missing registry")
	}

	ev, err := NewEvaluator(&Config{Registry: DefaultRegistry()})
	require.NoError(t, err)
	_, err = ev.Run(types.Measurements{})
	var ve *types.ValidationError
	assert.True(t, errors.As(err, &ve), "missing metrics must not pass silently")
}

func passingDefaults() types.Measurements {
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

func TestScenarioD_StrictestWins(t *testing.T) {
	reg := DefaultRegistry()
	selfM := passingDefaults()
	revM := passingDefaults()
	revM["testing.scenarios_tested"] = types.Number(3)

	self, err := EvaluateAll(reg, selfM, types.SourceSelfReported)
	require.NoError(t, err)
	rev, err := EvaluateAll(reg, revM, types.SourceIndependentlyVerified)
	require.NoError(t, err)

	reconciled, disagreements := Reconcile(self, rev)
	require.Len(t, reconciled, 4)

	var testingCat types.CategoryResult
	for _, c := range reconciled {
		assert.Equal(t, types.SourceReconciled, c.Source)
		if c.Category == "testing" {
			testingCat = c
		}
	}
	assert.False(t, testingCat.Passed)
	failing := testingCat.Failing()
	require.Len(t, failing, 1)
	assert.Equal(t, types.Number(3), failing[0].Measured, "the failing side's measurement is kept")

	assert.Equal(t, []types.Disagreement{{Category: "testing", SelfPassed: true, ReviewerPassed: false}}, disagreements)

	// Symmetric: self FAIL, reviewer PASS is also FAIL
	reconciled, _ = Reconcile(rev, self)
	for _, c := range reconciled {
		if c.Category == "testing" {
			assert.False(t, c.Passed)
		}
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	reg := DefaultRegistry()
	selfM := passingDefaults()
	selfM["documentation.examples_provided"] = types.Number(0)
	revM := passingDefaults()
	revM["code_quality.critical_issues"] = types.Number(1)

	self, err := EvaluateAll(reg, selfM, types.SourceSelfReported)
	require.NoError(t, err)
	rev, err := EvaluateAll(reg, revM, types.SourceIndependentlyVerified)
	require.NoError(t, err)

	first, d1 := Reconcile(self, rev)
	second, d2 := Reconcile(self, rev)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Reconcile not deterministic (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(d1, d2); diff != "" {
		t.Errorf("disagreements differ (-first +second):\n%s", diff)
	}

	again, _ := Reconcile(first, first)
	if diff := cmp.Diff(first, again); diff != "" {
		t.Errorf("reconciling a reconciled set changed it (-want +got):\n%s", diff)
	}
}

func TestReconcileOneSidedCategory(t *testing.T) {
	self := []types.CategoryResult{{Category: "testing", Blocking: true, Passed: true, Source: types.SourceSelfReported,
		Results: []types.GateResult{{Category: "testing", Metric: "scenarios_tested", Passed: true, Source: types.SourceSelfReported}}}}
	rev := []types.CategoryResult{{Category: "security", Blocking: true, Passed: false, Source: types.SourceIndependentlyVerified,
		Results: []types.GateResult{{Category: "security", Metric: "secrets_found", Passed: false}}}}

	reconciled, disagreements := Reconcile(self, rev)
	require.Len(t, reconciled, 2)
	assert.Equal(t, "security", reconciled[0].Category)
	assert.False(t, reconciled[0].Passed)
	assert.Equal(t, "testing", reconciled[1].Category)
	assert.Empty(t, disagreements)

	// Inputs are not modified
	assert.Equal(t, types.SourceSelfReported, self[0].Results[0].Source)
}

func TestCheckCoverage(t *testing.T) {
	reg := DefaultRegistry()
	full, err := EvaluateAll(reg, passingDefaults(), types.SourceIndependentlyVerified)
	require.NoError(t, err)
	require.NoError(t, reg.CheckCoverage(full))

	var blockingOnly []types.CategoryResult
	for _, c := range full {
		if reg.Blocking(c.Category) {
			blockingOnly = append(blockingOnly, c)
		}
	}
	assert.NoError(t, reg.CheckCoverage(blockingOnly), "advisory categories may be left out")

	tests := []struct {
		name    string
		results []types.CategoryResult
		missing string
	}{
		{"empty", nil, "code_quality, integration, testing"},
		{"one blocking left out", blockingOnly[:len(blockingOnly)-1], "testing"},
		{"advisory only", []types.CategoryResult{{Category: "documentation", Passed: true}}, "code_quality, integration, testing"},
	}
	for _, tt := range tests {
		err := reg.CheckCoverage(tt.results)
		var verr *types.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: CheckCoverage() = %v, want ValidationError", tt.name, err)
			continue
		}
		assert.Contains(t, verr.Reason, tt.missing, tt.name)
	}

	advisory := NewRegistry()
	require.NoError(t, advisory.Register(types.GateSpec{Category: "style", Metric: "lint_warnings", Comparator: types.CompareLTE, Threshold: types.Number(10)}))
	assert.Error(t, advisory.CheckCoverage(nil))
	assert.NoError(t, advisory.CheckCoverage([]types.CategoryResult{{Category: "style", Passed: true}}))
}
