package rule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/CMCRobotics/save-the-reef/errors"
)

// ruleFile is the document form of a rules file: {"rules": [...]}.
type ruleFile struct {
	Rules []RuleDefinition `json:"rules" yaml:"rules"`
}

// LoadDefinitions reads rule definitions from a .json, .yaml or .yml file.
// The document may be a list of rules, a single rule, or an object with a
// "rules" list. Loaded rules always name their action.
func LoadDefinitions(path string) ([]RuleDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "RuleLoader", "LoadDefinitions", fmt.Sprintf("read %s", path))
	}

	var defs []RuleDefinition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		defs, err = decodeDefinitions(data, yaml.Unmarshal)
	default:
		defs, err = decodeDefinitions(data, json.Unmarshal)
	}
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrParsingFailed, path, err),
			"RuleLoader", "LoadDefinitions", "decode rules")
	}
	return defs, nil
}

// LoadDefinitionFiles loads several files, keeping file order.
func LoadDefinitionFiles(paths ...string) ([]RuleDefinition, error) {
	var all []RuleDefinition
	for _, path := range paths {
		defs, err := LoadDefinitions(path)
		if err != nil {
			return nil, err
		}
		all = append(all, defs...)
	}
	return all, nil
}

func decodeDefinitions(data []byte, unmarshal func([]byte, any) error) ([]RuleDefinition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var list []RuleDefinition
	if err := unmarshal(trimmed, &list); err == nil {
		return list, nil
	}

	var doc ruleFile
	if err := unmarshal(trimmed, &doc); err == nil && doc.Rules != nil {
		return doc.Rules, nil
	}

	var single RuleDefinition
	if err := unmarshal(trimmed, &single); err != nil {
		return nil, err
	}
	if single.Name == "" {
		return nil, fmt.Errorf("document holds neither a rule list nor a named rule")
	}
	return []RuleDefinition{single}, nil
}
