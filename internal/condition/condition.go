// Package condition evaluates the fixed predicate grammar used by posting rules,
// template account rules, template validation rules and tolerances.
//
// Evaluation is fail-closed: anything that cannot be compared evaluates to false
// and, where useful, returns an error describing why.
package condition

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// Operator is a predicate comparison operator.
type Operator string

const (
	OpEquals         Operator = "="
	OpEqualsAlt      Operator = "=="
	OpNotEquals      Operator = "!="
	OpGreater        Operator = ">"
	OpLess           Operator = "<"
	OpGreaterOrEqual Operator = ">="
	OpLessOrEqual    Operator = "<="
	OpIn             Operator = "IN"
	OpNotIn          Operator = "NOT IN"
	OpLike           Operator = "LIKE"
	OpBetween        Operator = "BETWEEN"
	OpRegex          Operator = "REGEX"
	OpIsNull         Operator = "IS_NULL"
	OpIsNotNull      Operator = "IS_NOT_NULL"
	OpIsEmpty        Operator = "IS_EMPTY"
	OpIsNotEmpty     Operator = "IS_NOT_EMPTY"
)

var (
	// ErrUnknownOperator is returned for operators outside the grammar.
	ErrUnknownOperator = errors.New("unknown operator")
	// ErrMalformed is returned when the expected value has the wrong shape.
	ErrMalformed = errors.New("malformed condition")
	// ErrNotNumeric is returned when a numeric operator gets a non-numeric operand.
	ErrNotNumeric = errors.New("operand is not numeric")
	// ErrInvalidRegex is returned when a REGEX pattern does not compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")
)

// Predicate is one (field, operator, value) check.
type Predicate struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// Failure records a predicate that did not pass.
type Failure struct {
	Predicate   Predicate `json:"condition"`
	ActualValue any       `json:"actual_value"`
	Reason      string    `json:"reason"`
}

// Valid reports whether op belongs to the grammar.
func (op Operator) Valid() bool {
	switch op {
	case OpEquals, OpEqualsAlt, OpNotEquals, OpGreater, OpLess, OpGreaterOrEqual, OpLessOrEqual,
		OpIn, OpNotIn, OpLike, OpBetween, OpRegex, OpIsNull, OpIsNotNull, OpIsEmpty, OpIsNotEmpty:
		return true
	}
	return false
}

// Evaluate applies op to fieldValue and expected. A non-nil error always comes
// with a false result and explains why the predicate could not pass.
func Evaluate(fieldValue any, op Operator, expected any) (bool, error) {
	switch op {
	case OpEquals, OpEqualsAlt:
		return looseEqual(fieldValue, expected), nil

	case OpNotEquals:
		return !looseEqual(fieldValue, expected), nil

	case OpGreater, OpLess, OpGreaterOrEqual, OpLessOrEqual:
		return compareNumeric(fieldValue, op, expected)

	case OpIn, OpNotIn:
		items, ok := toList(expected)
		if !ok {
			return false, fmt.Errorf("%w: %s expects a list, got %T", ErrMalformed, op, expected)
		}
		found := false
		for _, item := range items {
			if looseEqual(fieldValue, item) {
				found = true
				break
			}
		}
		if op == OpIn {
			return found, nil
		}
		return !found, nil

	case OpLike:
		if fieldValue == nil {
			return false, nil
		}
		return strings.Contains(strings.ToLower(toString(fieldValue)), strings.ToLower(toString(expected))), nil

	case OpBetween:
		bounds, ok := toList(expected)
		if !ok || len(bounds) != 2 {
			return false, fmt.Errorf("%w: BETWEEN expects a two-element range", ErrMalformed)
		}
		lo, okLo := ToFloat(bounds[0])
		hi, okHi := ToFloat(bounds[1])
		if !okLo || !okHi {
			return false, fmt.Errorf("%w: BETWEEN bounds must be numeric", ErrMalformed)
		}
		v, ok := ToFloat(fieldValue)
		if !ok {
			return false, fmt.Errorf("%w: %v", ErrNotNumeric, fieldValue)
		}
		return v >= lo && v <= hi, nil

	case OpRegex:
		pattern, ok := expected.(string)
		if !ok {
			return false, fmt.Errorf("%w: REGEX expects a string pattern", ErrMalformed)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrInvalidRegex, err)
		}
		if fieldValue == nil {
			return false, nil
		}
		return re.MatchString(toString(fieldValue)), nil

	case OpIsNull:
		return fieldValue == nil, nil

	case OpIsNotNull:
		return fieldValue != nil, nil

	case OpIsEmpty:
		return isEmpty(fieldValue), nil

	case OpIsNotEmpty:
		return !isEmpty(fieldValue), nil
	}

	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
}

// Check resolves the predicate's field against data/metadata and evaluates it.
// The returned Failure is nil when the predicate passes.
func Check(p Predicate, data, metadata map[string]any) *Failure {
	actual, _ := Resolve(p.Field, data, metadata)

	ok, err := Evaluate(actual, p.Operator, p.Value)
	if ok {
		return nil
	}

	reason := fmt.Sprintf("%s %s %v evaluated to false", p.Field, p.Operator, p.Value)
	if err != nil {
		reason = err.Error()
	}
	return &Failure{Predicate: p, ActualValue: actual, Reason: reason}
}

// CheckAll evaluates every predicate (logical AND) and collects all failures.
// An empty list passes.
func CheckAll(preds []Predicate, data, metadata map[string]any) (bool, []Failure) {
	var failures []Failure
	for _, p := range preds {
		if f := Check(p, data, metadata); f != nil {
			failures = append(failures, *f)
		}
	}
	return len(failures) == 0, failures
}

// ── helpers ───────────────────────────────────────────────────────────────────

func compareNumeric(fieldValue any, op Operator, expected any) (bool, error) {
	a, okA := ToFloat(fieldValue)
	b, okB := ToFloat(expected)
	if !okA || !okB {
		return false, fmt.Errorf("%w: cannot compare %v %s %v", ErrNotNumeric, fieldValue, op, expected)
	}

	switch op {
	case OpGreater:
		return a > b, nil
	case OpLess:
		return a < b, nil
	case OpGreaterOrEqual:
		return a >= b, nil
	default:
		return a <= b, nil
	}
}

// looseEqual compares numerically when either side is a number and both coerce,
// otherwise by string form.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isNumber(a) || isNumber(b) {
		fa, okA := ToFloat(a)
		fb, okB := ToFloat(b)
		if okA && okB {
			return fa == fb
		}
	}
	return toString(a) == toString(b)
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func toList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := v.(float64); ok {
		return formatFloat(f)
	}
	return fmt.Sprint(v)
}
