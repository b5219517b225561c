package fact

import "maps"

// Player property names published by the gateway.
const (
	PropActive         = "active"
	PropTeamID         = "team-id"
	PropTerminalID     = "terminal-id"
	PropSkin           = "skin"
	PropAnimationMixer = "animation-mixer"
	PropNickname       = "nickname"
	PropScale          = "scale"
)

// PlayerNode is the controller's view of one player, built up from property
// updates.
type PlayerNode struct {
	DeviceID   string            `json:"deviceId"`
	NodeID     string            `json:"nodeId"`
	Properties map[string]string `json:"properties"`
}

// NewPlayerNode creates an empty player.
func NewPlayerNode(deviceID, nodeID string) *PlayerNode {
	return &PlayerNode{DeviceID: deviceID, NodeID: nodeID, Properties: make(map[string]string)}
}

// FactType implements Fact.
func (p *PlayerNode) FactType() Type { return TypePlayerNode }

// Field implements Fact. Unknown names are looked up in Properties.
func (p *PlayerNode) Field(name string) (any, bool) {
	switch name {
	case "deviceId":
		return p.DeviceID, true
	case "nodeId":
		return p.NodeID, true
	}
	v, ok := p.Properties[name]
	return v, ok
}

// Set merges one property value.
func (p *PlayerNode) Set(propertyID, value string) {
	if p.Properties == nil {
		p.Properties = make(map[string]string)
	}
	p.Properties[propertyID] = value
}

// Get returns a property value.
func (p *PlayerNode) Get(propertyID string) (string, bool) {
	v, ok := p.Properties[propertyID]
	return v, ok
}

// Active reports whether the player's active property is "true".
func (p *PlayerNode) Active() bool { return p.Properties[PropActive] == "true" }

// Team returns the team-id property.
func (p *PlayerNode) Team() string { return p.Properties[PropTeamID] }

// Clone returns a deep copy safe to hand to renderers.
func (p *PlayerNode) Clone() *PlayerNode {
	return &PlayerNode{DeviceID: p.DeviceID, NodeID: p.NodeID, Properties: maps.Clone(p.Properties)}
}

// Game modes driven by the state machine.
const (
	ModeSkin      = "skin"
	ModeAnimation = "animation"
)

// GameState holds the current mode of the button state machine.
type GameState struct {
	CurrentMode string `json:"currentMode"`
}

// FactType implements Fact.
func (g GameState) FactType() Type { return TypeGameState }

// Field implements Fact.
func (g GameState) Field(name string) (any, bool) {
	if name == "currentMode" {
		return g.CurrentMode, true
	}
	return nil, false
}

// Vec3 is a position in scene units.
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Coral is one coral entity on the reef.
type Coral struct {
	ID       string  `json:"id"`
	Scale    float64 `json:"scale"`
	Position Vec3    `json:"position"`
}

// FactType implements Fact.
func (c Coral) FactType() Type { return TypeCoral }

// Field implements Fact.
func (c Coral) Field(name string) (any, bool) {
	switch name {
	case "id":
		return c.ID, true
	case "scale":
		return c.Scale, true
	}
	return nil, false
}
