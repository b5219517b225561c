package rule

import (
	"context"

	"github.com/CMCRobotics/save-the-reef/processor/rule/expression"
	"github.com/CMCRobotics/save-the-reef/types/fact"
)

// Guard is a code-defined predicate over a fact. It must not have side effects.
type Guard func(f fact.Fact) (bool, error)

// Action is invoked once for every (fact, rule) pair that matched. It may
// publish or mutate consumer state but must not call Assert or Match on the
// session that invoked it.
type Action func(ctx context.Context, f fact.Fact) error

// RuleDefinition describes one rule. Definitions loaded from files name their
// action; definitions built in code may carry closures instead.
type RuleDefinition struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Disabled    bool        `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	On          []fact.Type `json:"on" yaml:"on"`
	// Salience orders rules for the same fact, highest first. Ties keep
	// declaration order.
	Salience   int                              `json:"salience,omitempty" yaml:"salience,omitempty"`
	Conditions []expression.ConditionExpression `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Logic      string                           `json:"logic,omitempty" yaml:"logic,omitempty"`
	// Action names a bound action from Bindings.Actions.
	Action string `json:"action,omitempty" yaml:"action,omitempty"`

	Guard Guard  `json:"-" yaml:"-"`
	Do    Action `json:"-" yaml:"-"`
}

// Expression returns the data guard as a logical expression.
func (d RuleDefinition) Expression() expression.LogicalExpression {
	return expression.LogicalExpression{Conditions: d.Conditions, Logic: d.Logic}
}

// Condition helpers for building guards in code.

// Eq matches when field equals value.
func Eq(field string, value any) expression.ConditionExpression {
	return expression.ConditionExpression{Field: field, Operator: expression.OpEqual, Value: value}
}

// Ne matches when field differs from value.
func Ne(field string, value any) expression.ConditionExpression {
	return expression.ConditionExpression{Field: field, Operator: expression.OpNotEqual, Value: value}
}

// StartsWith matches string prefixes.
func StartsWith(field, prefix string) expression.ConditionExpression {
	return expression.ConditionExpression{Field: field, Operator: expression.OpStartsWith, Value: prefix}
}

// In matches when field equals one of values.
func In(field string, values ...string) expression.ConditionExpression {
	return expression.ConditionExpression{Field: field, Operator: expression.OpIn, Value: values}
}

// NotEmpty matches present, non-empty fields.
func NotEmpty(field string) expression.ConditionExpression {
	return expression.ConditionExpression{Field: field, Operator: expression.OpNotEmpty}
}

// Gt matches when field is numerically greater than value.
func Gt(field string, value float64) expression.ConditionExpression {
	return expression.ConditionExpression{Field: field, Operator: expression.OpGreaterThan, Value: value}
}

// Builder assembles rule definitions with a fluent API.
type Builder struct {
	name  string
	rules []*RuleBuilder
}

// RuleBuilder configures one rule inside a Builder.
type RuleBuilder struct {
	def RuleDefinition
}

// NewBuilder starts a rule set with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Rule appends a new rule and returns it for configuration.
func (b *Builder) Rule(name string) *RuleBuilder {
	rb := &RuleBuilder{def: RuleDefinition{Name: name}}
	b.rules = append(b.rules, rb)
	return rb
}

// Add appends ready-made definitions, for example ones loaded from files.
func (b *Builder) Add(defs ...RuleDefinition) *Builder {
	for _, def := range defs {
		b.rules = append(b.rules, &RuleBuilder{def: def})
	}
	return b
}

// Definitions returns the definitions in declaration order.
func (b *Builder) Definitions() []RuleDefinition {
	defs := make([]RuleDefinition, len(b.rules))
	for i, rb := range b.rules {
		defs[i] = rb.def
	}
	return defs
}

// Compile compiles the accumulated definitions.
func (b *Builder) Compile(bindings Bindings) (*RuleSet, error) {
	return Compile(b.name, b.Definitions(), bindings)
}

// On sets the fact types the rule matches. Listing several types matches a
// fact of any of them.
func (rb *RuleBuilder) On(types ...fact.Type) *RuleBuilder {
	rb.def.On = append(rb.def.On, types...)
	return rb
}

// Where adds data conditions, combined with "and" unless Or is called.
func (rb *RuleBuilder) Where(conditions ...expression.ConditionExpression) *RuleBuilder {
	rb.def.Conditions = append(rb.def.Conditions, conditions...)
	return rb
}

// Or switches the data conditions to "or" logic.
func (rb *RuleBuilder) Or() *RuleBuilder {
	rb.def.Logic = expression.LogicOr
	return rb
}

// When adds a code guard, evaluated after the data conditions pass.
func (rb *RuleBuilder) When(guard Guard) *RuleBuilder {
	rb.def.Guard = guard
	return rb
}

// Salience sets the rule priority.
func (rb *RuleBuilder) Salience(s int) *RuleBuilder {
	rb.def.Salience = s
	return rb
}

// Describe sets a description used in diagnostics.
func (rb *RuleBuilder) Describe(text string) *RuleBuilder {
	rb.def.Description = text
	return rb
}

// Then sets the action closure.
func (rb *RuleBuilder) Then(action Action) *RuleBuilder {
	rb.def.Do = action
	return rb
}

// Call binds the rule to a named action resolved at compile time.
func (rb *RuleBuilder) Call(action string) *RuleBuilder {
	rb.def.Action = action
	return rb
}
