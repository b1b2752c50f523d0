package gates

import (
	"fmt"
	"math"

	"github.com/steveyegge/overseer/internal/types"
)

// equalityTolerance absorbs float noise in reported measurements
const equalityTolerance = 1e-9

// Evaluate applies one gate spec to the reported measurements.
// A metric absent from the input is a ValidationError, never a pass.
func Evaluate(spec types.GateSpec, measurements types.Measurements, source types.Source) (types.GateResult, error) {
	key := spec.Key()
	measured, ok := measurements[key]
	if !ok || !measured.IsSet() {
		return types.GateResult{}, types.NewValidationError(key, "is missing from the measurements")
	}

	passed, err := compare(spec, measured)
	if err != nil {
		return types.GateResult{}, err
	}

	return types.GateResult{
		Category:    spec.Category,
		Metric:      spec.Metric,
		Comparator:  spec.Comparator,
		Threshold:   spec.Threshold,
		Measured:    measured,
		Passed:      passed,
		Source:      source,
		Blocking:    spec.Blocking,
		Severity:    spec.Severity,
		Fundamental: spec.Fundamental,
	}, nil
}

func compare(spec types.GateSpec, measured types.Value) (bool, error) {
	threshold := spec.Threshold
	switch spec.Comparator {
	case types.CompareGTE, types.CompareLTE:
		if measured.Kind != types.KindNumber {
			return false, types.NewValidationError(spec.Key(), "expects a number, got %s", measured)
		}
		if spec.Comparator == types.CompareGTE {
			return measured.Num >= threshold.Num, nil
		}
		return measured.Num <= threshold.Num, nil

	case types.CompareEQ:
		if measured.Kind != threshold.Kind {
			return false, types.NewValidationError(spec.Key(), "expects a %s, got %s", threshold.Kind, measured)
		}
		if measured.Kind == types.KindBool {
			return measured.Flag == threshold.Flag, nil
		}
		return math.Abs(measured.Num-threshold.Num) <= equalityTolerance, nil

	case types.CompareBool:
		if measured.Kind != types.KindBool {
			return false, types.NewValidationError(spec.Key(), "expects a boolean, got %s", measured)
		}
		want := true
		if threshold.IsSet() {
			want = threshold.Flag
		}
		return measured.Flag == want, nil
	}
	return false, types.NewValidationError(spec.Key(), "unknown comparator %q", spec.Comparator)
}

// EvaluateCategory evaluates every rule of one category. The category passes
// only if all of its rules pass.
func EvaluateCategory(specs []types.GateSpec, measurements types.Measurements, source types.Source) (types.CategoryResult, error) {
	if len(specs) == 0 {
		return types.CategoryResult{}, types.NewValidationError("category", "has no rules")
	}

	cat := types.CategoryResult{
		Category: specs[0].Category,
		Blocking: specs[0].Blocking,
		Passed:   true,
		Source:   source,
		Results:  make([]types.GateResult, 0, len(specs)),
	}
	for _, spec := range specs {
		if spec.Category != cat.Category {
			return types.CategoryResult{}, types.NewValidationError(spec.Key(), "does not belong to category %s", cat.Category)
		}
		res, err := Evaluate(spec, measurements, source)
		if err != nil {
			return types.CategoryResult{}, err
		}
		cat.Passed = cat.Passed && res.Passed
		cat.Results = append(cat.Results, res)
	}
	return cat, nil
}

// EvaluateAll evaluates every category of the registry in name order
func EvaluateAll(reg *Registry, measurements types.Measurements, source types.Source) ([]types.CategoryResult, error) {
	if reg == nil || reg.Len() == 0 {
		return nil, types.NewValidationError("gates", "registry is empty")
	}

	var out []types.CategoryResult
	for _, name := range reg.Categories() {
		specs, _ := reg.Category(name)
		cat, err := EvaluateCategory(specs, measurements, source)
		if err != nil {
			return nil, err
		}
		out = append(out, cat)
	}
	return out, nil
}

// Evaluator binds a registry to a measurement source
type Evaluator struct {
	registry *Registry
	source   types.Source
}

// Config holds evaluator configuration
type Config struct {
	Registry *Registry
	Source   types.Source // defaults to self_reported
}

// NewEvaluator creates an evaluator over a registry
func NewEvaluator(cfg *Config) (*Evaluator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("gate registry is required")
	}
	if cfg.Source == "" {
		cfg.Source = types.SourceSelfReported
	}
	if !cfg.Source.IsValid() {
		return nil, fmt.Errorf("invalid gate source %q", cfg.Source)
	}
	return &Evaluator{registry: cfg.Registry, source: cfg.Source}, nil
}

// Registry returns the registry the evaluator applies
func (e *Evaluator) Registry() *Registry {
	return e.registry
}

// Run evaluates all registered categories against the measurements
func (e *Evaluator) Run(measurements types.Measurements) ([]types.CategoryResult, error) {
	return EvaluateAll(e.registry, measurements, e.source)
}
