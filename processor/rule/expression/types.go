// Package expression evaluates data-defined guard conditions against fact fields.
package expression

import (
	"fmt"
)

// ConditionExpression represents a single field/operator/value condition
type ConditionExpression struct {
	Field    string `json:"field" yaml:"field"`       // Fact field name (e.g., "nodeId")
	Operator string `json:"operator" yaml:"operator"` // Comparison operator (e.g., "eq", "starts_with")
	Value    any    `json:"value" yaml:"value"`       // Comparison value ("gateway", 20.0, ["button-a","button-b"])
	Required bool   `json:"required" yaml:"required"` // Missing field is an evaluation error when true
}

// LogicalExpression combines multiple conditions with logic operators
type LogicalExpression struct {
	Conditions []ConditionExpression `json:"conditions" yaml:"conditions"`
	Logic      string                `json:"logic" yaml:"logic"` // "and" (default), "or"
}

// FieldSource is anything exposing named fields. fact.Fact satisfies it.
type FieldSource interface {
	Field(name string) (any, bool)
}

// Evaluator processes expressions against facts
type Evaluator struct {
	operators map[string]OperatorFunc
}

// OperatorFunc defines the signature for operator implementations
type OperatorFunc func(fieldValue, compareValue any) (bool, error)

// FieldType represents the detected type of a field
type FieldType int

const (
	// FieldTypeUnknown represents an unknown or unsupported field type
	FieldTypeUnknown FieldType = iota
	// FieldTypeFloat64 represents a number, including numeric strings
	FieldTypeFloat64
	// FieldTypeString represents a string field
	FieldTypeString
	// FieldTypeBool represents a boolean field
	FieldTypeBool
)

func (f FieldType) String() string {
	switch f {
	case FieldTypeFloat64:
		return "float64"
	case FieldTypeString:
		return "string"
	case FieldTypeBool:
		return "bool"
	default:
		return "unknown"
	}
}

// EvaluationError represents an error during expression evaluation
type EvaluationError struct {
	Field    string
	Operator string
	Message  string
	Err      error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s: %v",
			e.Field, e.Operator, e.Message, e.Err)
	}
	return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s",
		e.Field, e.Operator, e.Message)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Supported operators
const (
	OpEqual            = "eq"
	OpNotEqual         = "ne"
	OpLessThan         = "lt"
	OpLessThanEqual    = "lte"
	OpGreaterThan      = "gt"
	OpGreaterThanEqual = "gte"
	OpBetween          = "between"

	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
	OpRegexMatch = "regex"

	OpIn    = "in"
	OpNotIn = "not_in"

	// Presence operators ignore Value.
	OpExists   = "exists"
	OpNotEmpty = "not_empty"
)

// Logic operators
const (
	LogicAnd = "and"
	LogicOr  = "or"
)
