package fact

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertyUpdate_Fields(t *testing.T) {
	u := PropertyUpdate{DeviceID: "gateway", NodeID: "player-1", PropertyID: "skin", Value: "alienA"}

	assert.Equal(t, TypePropertyUpdate, u.FactType())
	for name, want := range map[string]string{
		"deviceId": "gateway", "nodeId": "player-1", "propertyId": "skin", "value": "alienA",
	} {
		got, ok := u.Field(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	_, ok := u.Field("missing")
	assert.False(t, ok)

	assert.Equal(t, "gateway/player-1/skin", u.Key())
	assert.Equal(t, "player-1/skin", u.Path())
	assert.Equal(t, "homie/gateway/player-1/skin", u.Topic("homie"))
	assert.Equal(t, "gateway/player-1/skin", u.Topic(""))
}

func TestPropertyUpdate_DeviceLevel(t *testing.T) {
	u := PropertyUpdate{DeviceID: "reef-1", PropertyID: "state", Value: "ready"}
	assert.Equal(t, "state", u.Path())
	assert.Equal(t, "reef-1/state", u.Topic(""))
	assert.Equal(t, "reef-1//state", u.Key())
}

func TestPropertyUpdate_IsMeta(t *testing.T) {
	tests := []struct {
		name   string
		update PropertyUpdate
		meta   bool
	}{
		{"plain property", PropertyUpdate{NodeID: "player-1", PropertyID: "skin"}, false},
		{"property attribute", PropertyUpdate{NodeID: "player-1", PropertyID: "$name"}, true},
		{"nested attribute", PropertyUpdate{NodeID: "player-1", PropertyID: "skin/$datatype"}, true},
		{"node attribute", PropertyUpdate{NodeID: "$nodes", PropertyID: "x"}, true},
		{"dollar inside name", PropertyUpdate{NodeID: "player-1", PropertyID: "cost$"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.meta, tt.update.IsMeta())
		})
	}
}

func TestTick_Fields(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	tick := Tick{Time: at, Seq: 7}

	assert.Equal(t, TypeTick, tick.FactType())
	v, ok := tick.Field("time")
	require.True(t, ok)
	assert.Equal(t, int64(1_700_000_000_000), v)
	v, ok = tick.Field("seq")
	require.True(t, ok)
	assert.Equal(t, uint64(7), v)
}

func TestPlayerNode(t *testing.T) {
	p := NewPlayerNode("gateway", "player-1")
	assert.False(t, p.Active())

	p.Set(PropActive, "true")
	p.Set(PropTeamID, "team-2")
	assert.True(t, p.Active())
	assert.Equal(t, "team-2", p.Team())

	v, ok := p.Field(PropTeamID)
	require.True(t, ok)
	assert.Equal(t, "team-2", v)

	clone := p.Clone()
	clone.Set(PropTeamID, "team-1")
	assert.Equal(t, "team-2", p.Team(), "clone must not share properties")

	var empty PlayerNode
	empty.Set("skin", "alienA")
	got, ok := empty.Get("skin")
	assert.True(t, ok)
	assert.Equal(t, "alienA", got)
}

func TestTypes(t *testing.T) {
	assert.ElementsMatch(t,
		[]Type{TypePropertyUpdate, TypeTick, TypePlayerNode, TypeGameState, TypeCoral},
		Types())

	var _ Fact = GameState{}
	var _ Fact = Coral{}
	var _ Fact = (*PlayerNode)(nil)
}
