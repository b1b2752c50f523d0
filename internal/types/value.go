package types

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValueKind distinguishes numeric from boolean measurements
type ValueKind string

const (
	KindNumber ValueKind = "number"
	KindBool   ValueKind = "bool"
)

// Value is a measured value or gate threshold: a number or a boolean.
// The zero Value is unset.
type Value struct {
	Kind ValueKind
	Num  float64
	Flag bool
}

// Number wraps a numeric measurement
func Number(f float64) Value {
	return Value{Kind: KindNumber, Num: f}
}

// Bool wraps a boolean measurement
func Bool(b bool) Value {
	return Value{Kind: KindBool, Flag: b}
}

// IsSet reports whether the value carries a measurement
func (v Value) IsSet() bool {
	return v.Kind != ""
}

func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Flag)
	default:
		return "<unset>"
	}
}

// MarshalJSON encodes the value as a bare JSON scalar
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Flag)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts a JSON number, boolean or null
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return v.fromRaw(raw)
}

// MarshalYAML encodes the value as a bare YAML scalar
func (v Value) MarshalYAML() (interface{}, error) {
	switch v.Kind {
	case KindNumber:
		return v.Num, nil
	case KindBool:
		return v.Flag, nil
	default:
		return nil, nil
	}
}

// UnmarshalYAML accepts an integer, float, boolean or null scalar
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: measurement must be a scalar", node.Line)
	}
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if err := v.fromRaw(raw); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

func (v *Value) fromRaw(raw interface{}) error {
	switch x := raw.(type) {
	case nil:
		*v = Value{}
	case bool:
		*v = Bool(x)
	case int:
		*v = Number(float64(x))
	case int64:
		*v = Number(float64(x))
	case uint64:
		*v = Number(float64(x))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("measurement must be finite (got %v)", x)
		}
		*v = Number(x)
	default:
		return fmt.Errorf("measurement must be a number or boolean (got %T %v)", raw, raw)
	}
	return nil
}

// Measurements maps "category.metric" keys to measured values
type Measurements map[string]Value

// MetricKey joins a category and metric into a measurement key
func MetricKey(category, metric string) string {
	return category + "." + metric
}

// Clone returns an independent copy
func (m Measurements) Clone() Measurements {
	if m == nil {
		return nil
	}
	out := make(Measurements, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the measurement keys in sorted order
func (m Measurements) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
