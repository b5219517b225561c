// Package fact defines the typed records asserted into a rule session.
//
// Facts are plain values. Rules read them through Field so that guard
// conditions can be written as data, and through type assertions when a rule
// is defined in code.
package fact

import (
	"strings"
	"time"
)

// Type names a fact shape.
type Type string

// Known fact types.
const (
	TypePropertyUpdate Type = "PropertyUpdate"
	TypeTick           Type = "Tick"
	TypePlayerNode     Type = "PlayerNode"
	TypeGameState      Type = "GameState"
	TypeCoral          Type = "Coral"
)

// MetaPrefix marks protocol metadata segments such as "$name" or "$datatype".
const MetaPrefix = "$"

// Fact is a record that can live in working memory.
type Fact interface {
	FactType() Type
	// Field returns the named field, using the JSON field name.
	Field(name string) (any, bool)
}

// Types lists every fact type this package defines.
func Types() []Type {
	return []Type{TypePropertyUpdate, TypeTick, TypePlayerNode, TypeGameState, TypeCoral}
}

// PropertyUpdate is the latest value of one device property.
type PropertyUpdate struct {
	DeviceID   string `json:"deviceId"`
	NodeID     string `json:"nodeId"`
	PropertyID string `json:"propertyId"`
	Value      string `json:"value"`
}

// FactType implements Fact.
func (u PropertyUpdate) FactType() Type { return TypePropertyUpdate }

// Field implements Fact.
func (u PropertyUpdate) Field(name string) (any, bool) {
	switch name {
	case "deviceId":
		return u.DeviceID, true
	case "nodeId":
		return u.NodeID, true
	case "propertyId":
		return u.PropertyID, true
	case "value":
		return u.Value, true
	}
	return nil, false
}

// Key identifies the property this update belongs to.
func (u PropertyUpdate) Key() string {
	return u.DeviceID + "/" + u.NodeID + "/" + u.PropertyID
}

// Path is the property address relative to the device, "node/prop" or just
// "prop" for device-level properties.
func (u PropertyUpdate) Path() string {
	if u.NodeID == "" {
		return u.PropertyID
	}
	return u.NodeID + "/" + u.PropertyID
}

// Topic returns the slash topic for this update under root.
func (u PropertyUpdate) Topic(root string) string {
	parts := make([]string, 0, 4)
	if root != "" {
		parts = append(parts, root)
	}
	parts = append(parts, u.DeviceID)
	if u.NodeID != "" {
		parts = append(parts, u.NodeID)
	}
	parts = append(parts, u.PropertyID)
	return strings.Join(parts, "/")
}

// IsMeta reports whether the update carries protocol metadata rather than a
// property value.
func (u PropertyUpdate) IsMeta() bool {
	return IsMetaSegment(u.NodeID) || strings.Contains("/"+u.PropertyID, "/"+MetaPrefix)
}

// IsMetaSegment reports whether a single topic segment is metadata.
func IsMetaSegment(segment string) bool {
	return strings.HasPrefix(segment, MetaPrefix)
}

// Tick is a heartbeat asserted on a fixed interval.
type Tick struct {
	Time time.Time `json:"time"`
	Seq  uint64    `json:"seq"`
}

// FactType implements Fact.
func (t Tick) FactType() Type { return TypeTick }

// Field implements Fact. "time" is reported in unix milliseconds.
func (t Tick) Field(name string) (any, bool) {
	switch name {
	case "time":
		return t.Time.UnixMilli(), true
	case "seq":
		return t.Seq, true
	}
	return nil, false
}
