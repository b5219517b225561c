package homie

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CMCRobotics/save-the-reef/errors"
	"github.com/CMCRobotics/save-the-reef/metric"
	"github.com/CMCRobotics/save-the-reef/types/fact"
)

func update(device, node, prop, value string) Update {
	return Update{PropertyUpdate: fact.PropertyUpdate{DeviceID: device, NodeID: node, PropertyID: prop, Value: value}}
}

type batches struct {
	mu  sync.Mutex
	all [][]Update
}

func (b *batches) collect(batch []Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, batch)
}

func (b *batches) get() [][]Update {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]Update(nil), b.all...)
}

func TestPropertyBuffer_LastValueWins(t *testing.T) {
	pb, err := NewPropertyBuffer(300 * time.Millisecond)
	require.NoError(t, err)

	got := &batches{}
	pb.OnFlush(got.collect)

	assert.True(t, pb.Ingest(update("gateway", "player-1", "skin", "alienA")))
	assert.True(t, pb.Ingest(update("gateway", "player-1", "active", "true")))
	assert.True(t, pb.Ingest(update("gateway", "player-1", "skin", "alienB")))
	assert.Equal(t, 2, pb.Pending())

	assert.Equal(t, 2, pb.Flush())
	all := got.get()
	require.Len(t, all, 1)
	require.Len(t, all[0], 2)
	assert.Equal(t, "skin", all[0][0].PropertyID)
	assert.Equal(t, "alienB", all[0][0].Value)
	assert.Equal(t, "active", all[0][1].PropertyID)

	// empty window: no callback
	assert.Equal(t, 0, pb.Flush())
	assert.Len(t, got.get(), 1)
}

func TestPropertyBuffer_DropsMetaAndMalformed(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pb, err := NewPropertyBuffer(time.Second, WithBufferMetrics(registry, "test"))
	require.NoError(t, err)

	assert.False(t, pb.Ingest(update("gateway", "player-1", "$name", "Player One")))
	assert.False(t, pb.Ingest(update("gateway", "", "$state", "ready")))
	assert.False(t, pb.Ingest(update("gateway", "player-1", "skin", "")))
	assert.False(t, pb.Ingest(update("", "player-1", "skin", "alienA")))
	assert.Equal(t, 0, pb.Pending())
	assert.Equal(t, int64(4), pb.Stats().Drops())

	core := registry.CoreMetrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(core.UpdatesDropped.WithLabelValues("buffer", "meta")))
	assert.Equal(t, 2.0, testutil.ToFloat64(core.UpdatesDropped.WithLabelValues("buffer", "malformed")))
}

func TestPropertyBuffer_PriorityGroups(t *testing.T) {
	pb, err := NewPropertyBuffer(time.Second, WithPropertyGroups(
		PropertyGroup{Name: "players", Properties: []string{"active", "team-id"}, Priority: 5},
	))
	require.NoError(t, err)
	require.NoError(t, pb.AddPropertyGroup(PropertyGroup{
		Name: "coral", Properties: []string{"coral/health", "coral/size", "coral/color"}, Priority: 1,
	}))

	got := &batches{}
	pb.OnFlush(got.collect)

	pb.Ingest(update("gateway", "player-1", "skin", "alienA"))
	pb.Ingest(update("gateway", "player-1", "active", "true"))
	pb.Ingest(update("reef-1", "coral", "size", "2"))
	pb.Ingest(update("reef-1", "shell", "size", "3"))

	pb.Flush()
	all := got.get()
	require.Len(t, all, 1)
	keys := make([]string, 0, len(all[0]))
	for _, u := range all[0] {
		keys = append(keys, u.Key())
	}
	assert.Equal(t, []string{
		"reef-1/coral/size",
		"gateway/player-1/active",
		"gateway/player-1/skin",
		"reef-1/shell/size",
	}, keys)

	groups := pb.PropertyGroups()
	require.Len(t, groups, 2)
	assert.Equal(t, "coral", groups[0].Name)
}

func TestPropertyBuffer_GroupValidation(t *testing.T) {
	pb, err := NewPropertyBuffer(0)
	require.NoError(t, err)

	err = pb.AddPropertyGroup(PropertyGroup{Name: "", Properties: []string{"a"}})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	err = pb.AddPropertyGroup(PropertyGroup{Name: "empty"})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	err = pb.AddPropertyGroup(PropertyGroup{Name: "slash", Properties: []string{"coral/"}})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	require.NoError(t, pb.AddPropertyGroup(PropertyGroup{Name: "a", Properties: []string{"x"}}))
	err = pb.AddPropertyGroup(PropertyGroup{Name: "a", Properties: []string{"y"}})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	err = pb.SetPropertyGroups(
		PropertyGroup{Name: "b", Properties: []string{"x"}},
		PropertyGroup{Name: "b", Properties: []string{"y"}},
	)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestPropertyGroup_Matches(t *testing.T) {
	g := PropertyGroup{Name: "coral", Properties: []string{"coral/health", "scale"}}

	assert.True(t, g.Matches(update("reef-1", "coral", "health", "9")))
	assert.True(t, g.Matches(update("reef-1", "asset-cluster-1", "scale", "1.0")))
	assert.True(t, g.Matches(update("reef-1", "", "scale", "1.0")))
	assert.False(t, g.Matches(update("reef-1", "soft-coral", "health", "9")))
	assert.False(t, g.Matches(update("reef-1", "coral", "size", "9")))
}

func TestPropertyBuffer_ZeroWindowFlushesImmediately(t *testing.T) {
	pb, err := NewPropertyBuffer(0)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), pb.Window())

	got := &batches{}
	pb.OnFlush(got.collect)

	pb.Ingest(update("gateway", "player-1", "skin", "alienA"))
	pb.Ingest(update("gateway", "player-1", "skin", "alienB"))

	all := got.get()
	require.Len(t, all, 2)
	assert.Equal(t, "alienA", all[0][0].Value)
	assert.Equal(t, "alienB", all[1][0].Value)
}

func TestPropertyBuffer_WindowTimer(t *testing.T) {
	pb, err := NewPropertyBuffer(20 * time.Millisecond)
	require.NoError(t, err)

	got := &batches{}
	unsubscribe := pb.OnFlush(got.collect)

	require.NoError(t, pb.Start(context.Background()))
	defer pb.Stop()

	pb.Ingest(update("gateway", "player-1", "active", "true"))
	require.Eventually(t, func() bool { return len(got.get()) == 1 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	pb.Ingest(update("gateway", "player-1", "active", "false"))
	require.Eventually(t, func() bool { return pb.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, got.get(), 1)
}

func TestPropertyBuffer_FromMemorySource(t *testing.T) {
	src := NewMemorySource()
	defer src.Close()
	ctx := context.Background()

	pb, err := NewPropertyBuffer(time.Hour)
	require.NoError(t, err)
	got := &batches{}
	pb.OnFlush(got.collect)

	_, err = src.Subscribe(ctx, "#", func(u Update) { pb.Ingest(u) })
	require.NoError(t, err)

	require.NoError(t, src.Publish(ctx, "gateway/player-1/$name", "P1", PublishOptions{}))
	require.NoError(t, src.Publish(ctx, "gateway/player-1/skin", "alienA", PublishOptions{}))
	require.NoError(t, src.Publish(ctx, "gateway/player-1/skin", "alienB", PublishOptions{}))

	require.Eventually(t, func() bool { return pb.Stats().Ingested() == 2 }, time.Second, 5*time.Millisecond)
	pb.Flush()

	all := got.get()
	require.Len(t, all, 1)
	require.Len(t, all[0], 1)
	assert.Equal(t, "alienB", all[0][0].Value)
	assert.Equal(t, "gateway/player-1/skin", all[0][0].Topic)
}
