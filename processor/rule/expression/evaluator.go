package expression

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// NewExpressionEvaluator creates a new expression evaluator with all supported operators
func NewExpressionEvaluator() *Evaluator {
	evaluator := &Evaluator{
		operators: make(map[string]OperatorFunc),
	}

	evaluator.operators[OpEqual] = operatorEqual
	evaluator.operators[OpNotEqual] = operatorNotEqual
	evaluator.operators[OpLessThan] = operatorLessThan
	evaluator.operators[OpLessThanEqual] = operatorLessThanEqual
	evaluator.operators[OpGreaterThan] = operatorGreaterThan
	evaluator.operators[OpGreaterThanEqual] = operatorGreaterThanEqual
	evaluator.operators[OpBetween] = operatorBetween

	evaluator.operators[OpContains] = operatorContains
	evaluator.operators[OpStartsWith] = operatorStartsWith
	evaluator.operators[OpEndsWith] = operatorEndsWith
	evaluator.operators[OpRegexMatch] = operatorRegex

	evaluator.operators[OpIn] = operatorIn
	evaluator.operators[OpNotIn] = operatorNotIn

	evaluator.operators[OpExists] = func(_, _ any) (bool, error) { return true, nil }
	evaluator.operators[OpNotEmpty] = operatorNotEmpty

	return evaluator
}

// Evaluate evaluates a logical expression against a fact. An empty condition
// list passes. Logic defaults to "and".
func (e *Evaluator) Evaluate(source FieldSource, expr LogicalExpression) (bool, error) {
	if len(expr.Conditions) == 0 {
		return true, nil
	}

	switch expr.Logic {
	case LogicAnd, "":
		for _, condition := range expr.Conditions {
			result, err := e.evaluateCondition(source, condition)
			if err != nil {
				return false, err
			}
			if !result {
				return false, nil
			}
		}
		return true, nil

	case LogicOr:
		for _, condition := range expr.Conditions {
			result, err := e.evaluateCondition(source, condition)
			if err != nil {
				return false, err
			}
			if result {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, &EvaluationError{
			Message: fmt.Sprintf("unsupported logic operator: %s", expr.Logic),
		}
	}
}

// Validate checks an expression without evaluating it: logic and operators
// must be known, regex patterns must compile, and list/range operators need
// list values.
func (e *Evaluator) Validate(expr LogicalExpression) error {
	if expr.Logic != "" && expr.Logic != LogicAnd && expr.Logic != LogicOr {
		return &EvaluationError{Message: fmt.Sprintf("unsupported logic operator: %s", expr.Logic)}
	}

	for _, condition := range expr.Conditions {
		if condition.Field == "" {
			return &EvaluationError{Operator: condition.Operator, Message: "field is required"}
		}
		if _, ok := e.operators[condition.Operator]; !ok {
			return &EvaluationError{
				Field:    condition.Field,
				Operator: condition.Operator,
				Message:  "unsupported operator",
			}
		}

		switch condition.Operator {
		case OpRegexMatch:
			pattern, ok := condition.Value.(string)
			if !ok {
				return &EvaluationError{Field: condition.Field, Operator: condition.Operator, Message: "regex pattern must be a string"}
			}
			if _, err := compileRegex(pattern); err != nil {
				return &EvaluationError{Field: condition.Field, Operator: condition.Operator, Message: "invalid pattern", Err: err}
			}
		case OpIn, OpNotIn:
			if _, ok := toList(condition.Value); !ok {
				return &EvaluationError{Field: condition.Field, Operator: condition.Operator, Message: "value must be a list"}
			}
		case OpBetween:
			if _, _, err := bounds(condition.Value); err != nil {
				return &EvaluationError{Field: condition.Field, Operator: condition.Operator, Message: "invalid range", Err: err}
			}
		}
	}
	return nil
}

func (e *Evaluator) evaluateCondition(source FieldSource, condition ConditionExpression) (bool, error) {
	fieldValue, exists := source.Field(condition.Field)

	if !exists {
		if condition.Required {
			return false, &EvaluationError{
				Field:    condition.Field,
				Operator: condition.Operator,
				Message:  "required field not found",
			}
		}
		// Optional field missing - condition fails
		return false, nil
	}

	opFunc, ok := e.operators[condition.Operator]
	if !ok {
		return false, &EvaluationError{
			Field:    condition.Field,
			Operator: condition.Operator,
			Message:  "unsupported operator",
		}
	}

	result, err := opFunc(fieldValue, condition.Value)
	if err != nil {
		return false, &EvaluationError{
			Field:    condition.Field,
			Operator: condition.Operator,
			Message:  "operator execution failed",
			Err:      err,
		}
	}

	return result, nil
}

// DetectFieldType determines the comparison type of a field value
func DetectFieldType(value any) FieldType {
	if _, ok := toFloat64(value); ok {
		return FieldTypeFloat64
	}
	switch value.(type) {
	case string:
		return FieldTypeString
	case bool:
		return FieldTypeBool
	default:
		return FieldTypeUnknown
	}
}

// Operator implementations

func operatorEqual(fieldValue, compareValue any) (bool, error) {
	return equalValues(fieldValue, compareValue), nil
}

func operatorNotEqual(fieldValue, compareValue any) (bool, error) {
	return !equalValues(fieldValue, compareValue), nil
}

func operatorLessThan(fieldValue, compareValue any) (bool, error) {
	cmp, err := compareValuesWithError(fieldValue, compareValue)
	if err != nil {
		return false, err
	}
	return cmp < 0, nil
}

func operatorLessThanEqual(fieldValue, compareValue any) (bool, error) {
	cmp, err := compareValuesWithError(fieldValue, compareValue)
	if err != nil {
		return false, err
	}
	return cmp <= 0, nil
}

func operatorGreaterThan(fieldValue, compareValue any) (bool, error) {
	cmp, err := compareValuesWithError(fieldValue, compareValue)
	if err != nil {
		return false, err
	}
	return cmp > 0, nil
}

func operatorGreaterThanEqual(fieldValue, compareValue any) (bool, error) {
	cmp, err := compareValuesWithError(fieldValue, compareValue)
	if err != nil {
		return false, err
	}
	return cmp >= 0, nil
}

func operatorBetween(fieldValue, compareValue any) (bool, error) {
	lo, hi, err := bounds(compareValue)
	if err != nil {
		return false, err
	}
	v, ok := toFloat64(fieldValue)
	if !ok {
		return false, fmt.Errorf("field value %v is not numeric", fieldValue)
	}
	return v >= lo && v <= hi, nil
}

func operatorContains(fieldValue, compareValue any) (bool, error) {
	return strings.Contains(toString(fieldValue), toString(compareValue)), nil
}

func operatorStartsWith(fieldValue, compareValue any) (bool, error) {
	return strings.HasPrefix(toString(fieldValue), toString(compareValue)), nil
}

func operatorEndsWith(fieldValue, compareValue any) (bool, error) {
	return strings.HasSuffix(toString(fieldValue), toString(compareValue)), nil
}

func operatorRegex(fieldValue, compareValue any) (bool, error) {
	pattern, ok := compareValue.(string)
	if !ok {
		return false, fmt.Errorf("regex pattern must be a string")
	}

	re, err := compileRegex(pattern)
	if err != nil {
		return false, err
	}

	return re.MatchString(toString(fieldValue)), nil
}

func operatorIn(fieldValue, compareValue any) (bool, error) {
	list, ok := toList(compareValue)
	if !ok {
		return false, fmt.Errorf("in operator requires a list, got %T", compareValue)
	}
	for _, candidate := range list {
		if equalValues(fieldValue, candidate) {
			return true, nil
		}
	}
	return false, nil
}

func operatorNotIn(fieldValue, compareValue any) (bool, error) {
	in, err := operatorIn(fieldValue, compareValue)
	if err != nil {
		return false, err
	}
	return !in, nil
}

func operatorNotEmpty(fieldValue, _ any) (bool, error) {
	if fieldValue == nil {
		return false, nil
	}
	return toString(fieldValue) != "", nil
}

// Helper functions for value comparison

// equalValues compares two strings exactly: "01" and "1" are different
// terminal ids. Numeric coercion applies only when a side is a number.
func equalValues(a, b any) bool {
	as, aIsString := a.(string)
	bs, bIsString := b.(string)
	if aIsString && bIsString {
		return as == bs
	}
	result, _ := compareValuesWithError(a, b)
	return result == 0
}

func compareValuesWithError(a, b any) (int, error) {
	aNum, aIsNum := toFloat64(a)
	bNum, bIsNum := toFloat64(b)

	if aIsNum && bIsNum {
		if aNum < bNum {
			return -1, nil
		} else if aNum > bNum {
			return 1, nil
		}
		return 0, nil
	}

	return strings.Compare(toString(a), toString(b)), nil
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// toFloat64 converts numbers and numeric strings. Property values arrive as
// strings, so "42" and "1.5" compare numerically.
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toList(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func bounds(v any) (float64, float64, error) {
	list, ok := toList(v)
	if !ok || len(list) != 2 {
		return 0, 0, fmt.Errorf("between requires [min, max], got %v", v)
	}
	lo, okLo := toFloat64(list[0])
	hi, okHi := toFloat64(list[1])
	if !okLo || !okHi {
		return 0, 0, fmt.Errorf("between bounds must be numeric, got %v", v)
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("between lower bound %v exceeds upper bound %v", lo, hi)
	}
	return lo, hi, nil
}
