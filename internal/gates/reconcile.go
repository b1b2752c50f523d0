package gates

import (
	"sort"

	"github.com/steveyegge/overseer/internal/types"
)

// Reconcile merges self-reported and independently verified results using
// "strictest wins": a rule or category fails if either source fails it.
// It is pure and deterministic, ordered by category then metric.
//
// A category present in only one source is carried over unchanged apart from
// its source label. Disagreements list categories where the two sources
// reached different pass/fail outcomes.
func Reconcile(self, reviewer []types.CategoryResult) ([]types.CategoryResult, []types.Disagreement) {
	selfBy := indexCategories(self)
	revBy := indexCategories(reviewer)

	names := make([]string, 0, len(selfBy)+len(revBy))
	for name := range selfBy {
		names = append(names, name)
	}
	for name := range revBy {
		if _, ok := selfBy[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var (
		out           = make([]types.CategoryResult, 0, len(names))
		disagreements []types.Disagreement
	)
	for _, name := range names {
		s, inSelf := selfBy[name]
		r, inRev := revBy[name]
		switch {
		case inSelf && inRev:
			out = append(out, mergeCategory(s, r))
			if s.Passed != r.Passed {
				disagreements = append(disagreements, types.Disagreement{
					Category:       name,
					SelfPassed:     s.Passed,
					ReviewerPassed: r.Passed,
				})
			}
		case inSelf:
			out = append(out, relabel(s))
		default:
			out = append(out, relabel(r))
		}
	}
	return out, disagreements
}

func indexCategories(results []types.CategoryResult) map[string]types.CategoryResult {
	by := make(map[string]types.CategoryResult, len(results))
	for _, c := range results {
		if prev, dup := by[c.Category]; dup {
			// Duplicate entries from one source reconcile against each other
			c = mergeCategory(prev, c)
		}
		by[c.Category] = c
	}
	return by
}

func mergeCategory(s, r types.CategoryResult) types.CategoryResult {
	selfRules := indexRules(s.Results)
	revRules := indexRules(r.Results)

	metrics := make([]string, 0, len(selfRules)+len(revRules))
	for m := range selfRules {
		metrics = append(metrics, m)
	}
	for m := range revRules {
		if _, ok := selfRules[m]; !ok {
			metrics = append(metrics, m)
		}
	}
	sort.Strings(metrics)

	merged := types.CategoryResult{
		Category: s.Category,
		Blocking: s.Blocking || r.Blocking,
		Passed:   s.Passed && r.Passed,
		Source:   types.SourceReconciled,
		Results:  make([]types.GateResult, 0, len(metrics)),
	}
	for _, m := range metrics {
		sr, inSelf := selfRules[m]
		rr, inRev := revRules[m]
		var res types.GateResult
		switch {
		case inSelf && inRev:
			res = mergeRule(sr, rr)
		case inSelf:
			res = sr
		default:
			res = rr
		}
		res.Source = types.SourceReconciled
		merged.Passed = merged.Passed && res.Passed
		merged.Results = append(merged.Results, res)
	}
	return merged
}

// mergeRule keeps the failing side's measurement so feedback shows the value
// that failed; when both pass the independently verified value is kept.
func mergeRule(s, r types.GateResult) types.GateResult {
	res := r
	if s.Passed != r.Passed && !s.Passed {
		res = s
	}
	res.Passed = s.Passed && r.Passed
	res.Blocking = s.Blocking || r.Blocking
	res.Fundamental = s.Fundamental || r.Fundamental
	return res
}

func indexRules(results []types.GateResult) map[string]types.GateResult {
	by := make(map[string]types.GateResult, len(results))
	for _, g := range results {
		if prev, dup := by[g.Metric]; dup {
			g = mergeRule(prev, g)
		}
		by[g.Metric] = g
	}
	return by
}

func relabel(c types.CategoryResult) types.CategoryResult {
	out := c
	out.Source = types.SourceReconciled
	out.Results = make([]types.GateResult, len(c.Results))
	for i, g := range c.Results {
		g.Source = types.SourceReconciled
		out.Results[i] = g
	}
	sort.Slice(out.Results, func(i, j int) bool { return out.Results[i].Metric < out.Results[j].Metric })
	return out
}
