// Package rule is a small forward-chaining production rule engine over
// typed facts.
//
// # Overview
//
// A rule pairs a pattern (one or more fact types, data conditions and an
// optional code guard) with an action. Rules are compiled once into an
// immutable RuleSet; each consumer then opens its own Session, asserts facts
// into it and calls Match to fire every rule whose pattern holds.
//
// # Defining Rules
//
// Rules can be built in code:
//
//	rs, err := rule.NewBuilder("tutorial").
//	    Rule("player-update").
//	    On(fact.TypePropertyUpdate).
//	    Where(rule.Eq("deviceId", "gateway"), rule.StartsWith("nodeId", "player-")).
//	    Then(c.handlePropertyUpdate).
//	    Compile(rule.Bindings{})
//
// or loaded from JSON/YAML and bound to named actions:
//
//	- name: button-press
//	  on: [PropertyUpdate]
//	  conditions:
//	    - {field: deviceId, operator: starts_with, value: terminal-}
//	    - {field: nodeId, operator: in, value: [button-a, button-b]}
//	    - {field: propertyId, operator: eq, value: state}
//	    - {field: value, operator: eq, value: pressed}
//	  action: handleButtonPress
//
// Listing several fact types in On matches a fact of any of them; rules do
// not join across facts.
//
// # Match Semantics
//
// Assert only adds to working memory. Match visits the facts asserted since
// the previous cycle in assertion order and, for each fact, the rules for its
// type ordered by salience (highest first) then declaration order. Each
// (fact, rule) pair whose guard holds fires exactly once, so one fact may
// fire several rules. The same sequence of Assert and Match calls always
// produces the same sequence of actions.
//
// A guard that fails (a missing required field, a guard error or panic)
// makes that pair non-matching and is reported as a DiagnosticGuardError.
// Action errors and panics are isolated: the remaining actions still run and
// the errors are returned joined from Match, each as an *ActionError.
//
// Actions must not call Assert or Match on their own session; those calls
// return ErrReentrant.
//
// # Retention
//
// Facts are kept until retracted unless a RetentionPolicy says otherwise:
// RetractAfterMatch drops facts at the end of the cycle that evaluated them,
// and Capped(n) evicts the oldest matched facts once memory exceeds n.
package rule
