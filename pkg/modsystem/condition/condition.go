// Package condition implements the declarative predicates used by routes
// and workflow triggers. A condition names a property of an event's field
// map, an operator, and a literal value.
//
// Evaluation is fail-closed: a missing property or a value the operator
// cannot compare makes that single condition false without aborting the
// rest of the evaluation. Unknown operators are rejected at load time.
package condition

import (
	"fmt"
	"strings"
)

// Operator identifies a comparison.
type Operator string

// Supported operators.
const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessOrEqual    Operator = "less_or_equal"
	OpContains       Operator = "contains"
	OpExists         Operator = "exists"
)

// ParseOperator validates an operator name from configuration.
// Unknown names fail here, at load time, rather than silently evaluating
// false forever.
func ParseOperator(s string) (Operator, error) {
	op := Operator(strings.ToLower(strings.TrimSpace(s)))
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan,
		OpGreaterOrEqual, OpLessOrEqual, OpContains, OpExists:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operator %q", s)
	}
}

// Condition is one predicate over an event's field map.
type Condition struct {
	Property string   `json:"property" yaml:"property"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// Match evaluates the condition against a field map.
// Missing properties and incomparable values evaluate false.
func (c Condition) Match(fields map[string]any) bool {
	val, ok := fields[c.Property]
	if c.Operator == OpExists {
		return ok
	}
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return equal(val, c.Value)
	case OpNotEquals:
		return !equal(val, c.Value)
	case OpGreaterThan:
		l, r, ok := numericPair(val, c.Value)
		return ok && l > r
	case OpLessThan:
		l, r, ok := numericPair(val, c.Value)
		return ok && l < r
	case OpGreaterOrEqual:
		l, r, ok := numericPair(val, c.Value)
		return ok && l >= r
	case OpLessOrEqual:
		l, r, ok := numericPair(val, c.Value)
		return ok && l <= r
	case OpContains:
		return strings.Contains(stringify(val), stringify(c.Value))
	default:
		return false
	}
}

// MatchAll evaluates conditions as a short-circuiting logical AND.
// An empty condition list always matches.
func MatchAll(conds []Condition, fields map[string]any) bool {
	for _, c := range conds {
		if !c.Match(fields) {
			return false
		}
	}
	return true
}

// Validate checks every condition's operator, failing fast on unknown ones.
func Validate(conds []Condition) error {
	for i, c := range conds {
		if c.Property == "" {
			return fmt.Errorf("condition %d: property is required", i)
		}
		if _, err := ParseOperator(string(c.Operator)); err != nil {
			return fmt.Errorf("condition %d (%s): %w", i, c.Property, err)
		}
	}
	return nil
}

// equal compares two values. Numeric pairs compare numerically so that
// JSON's float64 decoding matches integer literals; everything else
// compares by string form.
func equal(left, right any) bool {
	if l, r, ok := numericPair(left, right); ok {
		return l == r
	}
	return stringify(left) == stringify(right)
}

// stringify renders a value for string comparison.
func stringify(v any) string {
	return fmt.Sprintf("%v", v)
}

// numericPair converts both values to float64 when both are numeric.
func numericPair(left, right any) (float64, float64, bool) {
	l, lok := toFloat64(left)
	r, rok := toFloat64(right)
	return l, r, lok && rok
}

// toFloat64 converts a numeric value to float64 for comparison.
// Non-numeric values report false rather than coercing, keeping
// ordered operators fail-closed on incomparable types.
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}
