package rule

import (
	"fmt"
	"sort"

	"github.com/CMCRobotics/save-the-reef/errors"
	"github.com/CMCRobotics/save-the-reef/processor/rule/expression"
	"github.com/CMCRobotics/save-the-reef/types/fact"
)

// Bindings supplies what a rule set may refer to: the fact types it can
// match and the named actions rules can call.
type Bindings struct {
	// FactTypes lists the accepted fact types. Empty means fact.Types().
	FactTypes []fact.Type
	Actions   map[string]Action
}

type compiledRule struct {
	name        string
	description string
	index       int
	salience    int
	types       map[fact.Type]struct{}
	expr        expression.LogicalExpression
	guard       Guard
	action      Action
}

// RuleSet is an immutable, compiled list of rules. It is safe to share
// between sessions.
type RuleSet struct {
	name      string
	rules     []*compiledRule
	byType    map[fact.Type][]*compiledRule
	factTypes map[fact.Type]struct{}
	evaluator *expression.Evaluator
}

// Compile validates definitions and builds a RuleSet. Rule names must be
// unique, fact types known, conditions valid, and every rule must have
// exactly one action: a closure or a name present in bindings.Actions.
// Disabled definitions are skipped.
func Compile(name string, defs []RuleDefinition, bindings Bindings) (*RuleSet, error) {
	known := bindings.FactTypes
	if len(known) == 0 {
		known = fact.Types()
	}

	rs := &RuleSet{
		name:      name,
		byType:    make(map[fact.Type][]*compiledRule),
		factTypes: make(map[fact.Type]struct{}, len(known)),
		evaluator: expression.NewExpressionEvaluator(),
	}
	for _, t := range known {
		rs.factTypes[t] = struct{}{}
	}

	seen := make(map[string]struct{}, len(defs))
	for i, def := range defs {
		if def.Disabled {
			continue
		}
		if def.Name == "" {
			return nil, errors.Invalidf(errors.ErrInvalidConfig, "RuleSet", "Compile", "rule %d has no name", i)
		}
		if _, dup := seen[def.Name]; dup {
			return nil, errors.Invalidf(errors.ErrDuplicateRule, "RuleSet", "Compile", "rule %q declared twice", def.Name)
		}
		seen[def.Name] = struct{}{}

		cr, err := rs.compileRule(i, def, bindings)
		if err != nil {
			return nil, err
		}
		rs.rules = append(rs.rules, cr)
	}

	sort.SliceStable(rs.rules, func(i, j int) bool {
		return rs.rules[i].salience > rs.rules[j].salience
	})
	for _, cr := range rs.rules {
		for t := range cr.types {
			rs.byType[t] = append(rs.byType[t], cr)
		}
	}

	return rs, nil
}

func (rs *RuleSet) compileRule(index int, def RuleDefinition, bindings Bindings) (*compiledRule, error) {
	if len(def.On) == 0 {
		return nil, errors.Invalidf(errors.ErrUnknownFactType, "RuleSet", "Compile", "rule %q matches no fact type", def.Name)
	}

	types := make(map[fact.Type]struct{}, len(def.On))
	for _, t := range def.On {
		if _, ok := rs.factTypes[t]; !ok {
			return nil, errors.Invalidf(errors.ErrUnknownFactType, "RuleSet", "Compile", "rule %q: %q", def.Name, t)
		}
		types[t] = struct{}{}
	}

	expr := def.Expression()
	if err := rs.evaluator.Validate(expr); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("rule %q: %w", def.Name, err), "RuleSet", "Compile", "validate conditions")
	}

	action := def.Do
	switch {
	case def.Do != nil && def.Action != "":
		return nil, errors.Invalidf(errors.ErrInvalidConfig, "RuleSet", "Compile",
			"rule %q has both a closure and the named action %q", def.Name, def.Action)
	case def.Do == nil && def.Action == "":
		return nil, errors.Invalidf(errors.ErrUnboundAction, "RuleSet", "Compile", "rule %q has no action", def.Name)
	case def.Do == nil:
		bound, ok := bindings.Actions[def.Action]
		if !ok || bound == nil {
			return nil, errors.Invalidf(errors.ErrUnboundAction, "RuleSet", "Compile", "rule %q calls %q", def.Name, def.Action)
		}
		action = bound
	}

	return &compiledRule{
		name:        def.Name,
		description: def.Description,
		index:       index,
		salience:    def.Salience,
		types:       types,
		expr:        expr,
		guard:       def.Guard,
		action:      action,
	}, nil
}

// Name returns the rule set name.
func (rs *RuleSet) Name() string {
	return rs.name
}

// Rules returns rule names in firing order.
func (rs *RuleSet) Rules() []string {
	names := make([]string, len(rs.rules))
	for i, cr := range rs.rules {
		names[i] = cr.name
	}
	return names
}

// Accepts reports whether facts of type t may be asserted.
func (rs *RuleSet) Accepts(t fact.Type) bool {
	_, ok := rs.factTypes[t]
	return ok
}

// matches evaluates the data conditions and then the code guard.
func (rs *RuleSet) matches(cr *compiledRule, f fact.Fact) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("guard panic: %v", r)
		}
	}()

	if len(cr.expr.Conditions) > 0 {
		ok, err = rs.evaluator.Evaluate(f, cr.expr)
		if err != nil || !ok {
			return false, err
		}
	}
	if cr.guard != nil {
		return cr.guard(f)
	}
	return true, nil
}
