package scene

import (
	"github.com/CMCRobotics/save-the-reef/errors"
	"github.com/CMCRobotics/save-the-reef/processor/rule"
	"github.com/CMCRobotics/save-the-reef/types/fact"
)

// Names of the actions a rule can call.
const (
	ActionHandlePropertyUpdate     = "handlePropertyUpdate"
	ActionHandleStateMachineUpdate = "handleStateMachineUpdate"
	ActionHandleButtonPress        = "handleButtonPress"
	ActionLogUpdate                = "logUpdate"
	ActionGrowCoral                = "growCoral"
)

// Built-in rule names.
const (
	RulePlayerUpdate       = "process-player-update"
	RuleStateMachineUpdate = "process-state-machine-update"
	RuleButtonPress        = "process-button-press"
	RuleLogUpdate          = "process-property-update"
	RuleGrowCoral          = "grow-coral"
)

// ProfileRules returns the built-in rules of cfg's profile, bound to named
// actions.
func ProfileRules(cfg Config) []rule.RuleDefinition {
	b := rule.NewBuilder(string(cfg.Profile))

	switch cfg.Profile {
	case ProfileTutorial:
		playerRule(b, cfg)
		b.Rule(RuleStateMachineUpdate).
			Describe("Game mode changes published by the gateway state machine").
			On(fact.TypePropertyUpdate).
			Where(
				rule.Eq("deviceId", cfg.GatewayDevice),
				rule.Eq("nodeId", DefaultStateMachine),
				rule.Eq("propertyId", DefaultStateProperty),
			).
			Call(ActionHandleStateMachineUpdate)
		b.Rule(RuleButtonPress).
			Describe("Terminal button presses cycle the mapped player's skin or animation").
			On(fact.TypePropertyUpdate).
			Where(
				rule.StartsWith("deviceId", cfg.TerminalPrefix),
				rule.In("nodeId", "button-a", "button-b"),
				rule.Eq("propertyId", "state"),
				rule.Eq("value", "pressed"),
			).
			Call(ActionHandleButtonPress)

	case ProfileQuizz:
		b.Rule(RuleLogUpdate).
			Describe("Log every property update").
			On(fact.TypePropertyUpdate).
			Call(ActionLogUpdate)
		playerRule(b, cfg)

	case ProfileReef:
		b.Rule(RuleLogUpdate).
			Describe("Log every property update").
			On(fact.TypePropertyUpdate).
			Call(ActionLogUpdate)
		b.Rule(RuleGrowCoral).
			Describe("Grow corals on every tick and publish the cluster scale").
			On(fact.TypeTick).
			Call(ActionGrowCoral)
	}

	return b.Definitions()
}

func playerRule(b *rule.Builder, cfg Config) {
	b.Rule(RulePlayerUpdate).
		Describe("Player properties published by the gateway").
		On(fact.TypePropertyUpdate).
		Where(
			rule.Eq("deviceId", cfg.GatewayDevice),
			rule.StartsWith("nodeId", cfg.PlayerPrefix),
		).
		Call(ActionHandlePropertyUpdate)
}

// ruleDefinitions merges the profile rules with rules from files and
// inline configuration, in that order. A later rule with the same name
// replaces the earlier one in place.
func ruleDefinitions(cfg Config) ([]rule.RuleDefinition, error) {
	defs := ProfileRules(cfg)

	if len(cfg.RulesFiles) > 0 {
		loaded, err := rule.LoadDefinitionFiles(cfg.RulesFiles...)
		if err != nil {
			return nil, errors.Wrap(err, "scene", "ruleDefinitions", "load rules files")
		}
		defs = mergeDefinitions(defs, loaded)
	}
	return mergeDefinitions(defs, cfg.Rules), nil
}

func mergeDefinitions(base, overrides []rule.RuleDefinition) []rule.RuleDefinition {
	out := append([]rule.RuleDefinition(nil), base...)
	index := make(map[string]int, len(out))
	for i, def := range out {
		index[def.Name] = i
	}
	for _, def := range overrides {
		if i, ok := index[def.Name]; ok && def.Name != "" {
			out[i] = def
			continue
		}
		index[def.Name] = len(out)
		out = append(out, def)
	}
	return out
}
