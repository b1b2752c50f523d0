package gates

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/overseer/internal/types"
)

//go:embed default_gates.yaml
var defaultGatesYAML []byte

// DefaultGatesYAML returns the built-in gate table, used by `overseer init`
func DefaultGatesYAML() []byte {
	return append([]byte(nil), defaultGatesYAML...)
}

// Registry is an open set of gate specs keyed by category.metric.
// New categories need no changes to the decision logic.
type Registry struct {
	mu         sync.RWMutex
	specs      map[string]types.GateSpec
	categories map[string]bool // category -> blocking
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		specs:      make(map[string]types.GateSpec),
		categories: make(map[string]bool),
	}
}

// Register validates and adds a gate spec. Duplicate keys and categories
// that mix blocking and advisory rules are rejected.
func (r *Registry) Register(spec types.GateSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := spec.Key()
	if _, exists := r.specs[key]; exists {
		return types.NewValidationError(key, "is declared more than once")
	}
	if blocking, exists := r.categories[spec.Category]; exists && blocking != spec.Blocking {
		return types.NewValidationError(spec.Category, "mixes blocking and advisory rules")
	}

	r.specs[key] = spec
	r.categories[spec.Category] = spec.Blocking
	return nil
}

// Len returns the number of registered rules
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}

// Specs returns every rule ordered by category, then metric
func (r *Registry) Specs() []types.GateSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.GateSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sortSpecs(out)
	return out
}

// Categories returns the category names in sorted order
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.categories))
	for c := range r.categories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Category returns the rules declared under one category
func (r *Registry) Category(name string) ([]types.GateSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.categories[name]; !ok {
		return nil, false
	}
	var out []types.GateSpec
	for _, s := range r.specs {
		if s.Category == name {
			out = append(out, s)
		}
	}
	sortSpecs(out)
	return out, true
}

// Blocking reports whether a category's rules are blocking
func (r *Registry) Blocking(category string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.categories[category]
}

func sortSpecs(specs []types.GateSpec) {
	sort.Slice(specs, func(i, j int) bool {
		if specs[i].Category != specs[j].Category {
			return specs[i].Category < specs[j].Category
		}
		return specs[i].Metric < specs[j].Metric
	})
}

// registryFile is the on-disk gate document
type registryFile struct {
	Gates []types.GateSpec `yaml:"gates"`
}

// ParseRegistry builds a registry from a YAML gate document
func ParseRegistry(data []byte) (*Registry, error) {
	var doc registryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &types.ValidationError{Field: "gates", Reason: fmt.Sprintf("invalid YAML: %v", err)}
	}
	if len(doc.Gates) == 0 {
		return nil, types.NewValidationError("gates", "document declares no gates")
	}

	reg := NewRegistry()
	for i, spec := range doc.Gates {
		if err := reg.Register(spec); err != nil {
			return nil, fmt.Errorf("gate %d: %w", i+1, err)
		}
	}
	return reg, nil
}

// LoadRegistry reads a gate document from disk
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gates file: %w", err)
	}
	reg, err := ParseRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// DefaultRegistry returns the built-in gate table
func DefaultRegistry() *Registry {
	reg, err := ParseRegistry(defaultGatesYAML)
	if err != nil {
		// The embedded table is covered by tests
		panic(fmt.Sprintf("invalid built-in gates: %v", err))
	}
	return reg
}

// CheckCoverage rejects reviewer results that leave a blocking category
// unassessed. With no blocking categories registered, at least one category
// must be present.
func (r *Registry) CheckCoverage(results []types.CategoryResult) error {
	seen := make(map[string]bool, len(results))
	for _, c := range results {
		seen[c.Category] = true
	}

	var missing []string
	for _, name := range r.Categories() {
		if r.Blocking(name) && !seen[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return types.NewValidationError("results", "missing blocking categories: %s", strings.Join(missing, ", "))
	}
	if len(results) == 0 && r.Len() > 0 {
		return types.NewValidationError("results", "are required")
	}
	return nil
}
