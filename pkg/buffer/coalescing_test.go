package buffer

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
)

type kv struct {
	key   string
	value string
	group int
}

func keyOf(item kv) string { return item.key }

// collector records flushed batches for assertions.
type collector struct {
	mu      sync.Mutex
	batches [][]kv
}

func (c *collector) onFlush(batch []kv) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
}

func (c *collector) snapshot() [][]kv {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]kv, len(c.batches))
	copy(out, c.batches)
	return out
}

func values(batch []kv) []string {
	out := make([]string, len(batch))
	for i, item := range batch {
		out[i] = item.key + "=" + item.value
	}
	return out
}

func TestNewCoalescing_Validation(t *testing.T) {
	_, err := NewCoalescing[string, kv](-time.Second, keyOf)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewCoalescing[string, kv](time.Second, nil)
	require.Error(t, err)
}

func TestCoalescing_LastValueWins(t *testing.T) {
	buf, err := NewCoalescing[string, kv](time.Hour, keyOf)
	require.NoError(t, err)

	c := &collector{}
	buf.OnFlush(c.onFlush)

	buf.Ingest(kv{key: "player-1/skin", value: "alienA"})
	buf.Ingest(kv{key: "player-1/active", value: "true"})
	buf.Ingest(kv{key: "player-1/skin", value: "alienB"})
	buf.Ingest(kv{key: "player-1/skin", value: "alienC"})
	assert.Equal(t, 2, buf.Pending())

	n := buf.Flush()
	assert.Equal(t, 2, n)

	batches := c.snapshot()
	require.Len(t, batches, 1)
	// First-seen order is kept even though skin was overwritten last.
	assert.Equal(t, []string{"player-1/skin=alienC", "player-1/active=true"}, values(batches[0]))
	assert.Equal(t, 0, buf.Pending())

	stats := buf.Stats()
	assert.Equal(t, int64(4), stats.Ingested())
	assert.Equal(t, int64(2), stats.Coalesced())
	assert.Equal(t, int64(2), stats.Flushed())
	assert.Equal(t, int64(1), stats.Batches())
	assert.InDelta(t, 0.5, stats.CoalesceRate(), 0.0001)
}

func TestCoalescing_EmptyWindowDoesNotFire(t *testing.T) {
	buf, err := NewCoalescing[string, kv](time.Hour, keyOf)
	require.NoError(t, err)

	fired := 0
	buf.OnFlush(func([]kv) { fired++ })

	assert.Equal(t, 0, buf.Flush())
	assert.Equal(t, 0, fired)
	assert.Equal(t, int64(1), buf.Stats().EmptyWindows())

	buf.Ingest(kv{key: "a", value: "1"})
	buf.Flush()
	buf.Flush()
	assert.Equal(t, 1, fired)
	assert.Equal(t, int64(2), buf.Stats().EmptyWindows())
}

func TestCoalescing_RankOrdersBatch(t *testing.T) {
	buf, err := NewCoalescing(time.Hour, keyOf, WithRanker(func(item kv) int { return item.group }))
	require.NoError(t, err)

	c := &collector{}
	buf.OnFlush(c.onFlush)

	buf.Ingest(kv{key: "gateway/player-1/skin", value: "x", group: 10})
	buf.Ingest(kv{key: "reef/coral/size", value: "2", group: 1})
	buf.Ingest(kv{key: "gateway/player-2/skin", value: "y", group: 10})
	buf.Ingest(kv{key: "reef/coral/health", value: "ok", group: 1})
	buf.Flush()

	batches := c.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{
		"reef/coral/size=2",
		"reef/coral/health=ok",
		"gateway/player-1/skin=x",
		"gateway/player-2/skin=y",
	}, values(batches[0]))
}

func TestCoalescing_ZeroWindowFlushesImmediately(t *testing.T) {
	buf, err := NewCoalescing[string, kv](0, keyOf)
	require.NoError(t, err)

	c := &collector{}
	buf.OnFlush(c.onFlush)
	require.NoError(t, buf.Start(context.Background()))
	defer buf.Stop()

	buf.Ingest(kv{key: "a", value: "1"})
	buf.Ingest(kv{key: "a", value: "2"})

	batches := c.snapshot()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"a=1"}, values(batches[0]))
	assert.Equal(t, []string{"a=2"}, values(batches[1]))
}

func TestCoalescing_TimerFlushesPerWindow(t *testing.T) {
	buf, err := NewCoalescing[string, kv](20*time.Millisecond, keyOf)
	require.NoError(t, err)

	c := &collector{}
	buf.OnFlush(c.onFlush)
	require.NoError(t, buf.Start(context.Background()))
	defer buf.Stop()

	buf.Ingest(kv{key: "skin", value: "alienA"})
	buf.Ingest(kv{key: "skin", value: "alienB"})

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"skin=alienB"}, values(c.snapshot()[0]))

	// Idle windows stay silent.
	time.Sleep(80 * time.Millisecond)
	assert.Len(t, c.snapshot(), 1)
}

func TestCoalescing_StartTwiceAndStop(t *testing.T) {
	buf, err := NewCoalescing[string, kv](10*time.Millisecond, keyOf)
	require.NoError(t, err)

	require.NoError(t, buf.Start(context.Background()))
	err = buf.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	buf.Stop()
	buf.Stop()

	fired := 0
	buf.OnFlush(func([]kv) { fired++ })
	buf.Ingest(kv{key: "a", value: "1"})
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 0, fired, "stopped buffer must not flush on its own")
	assert.Equal(t, 1, buf.Pending())

	// Restart is allowed after Stop.
	require.NoError(t, buf.Start(context.Background()))
	require.Eventually(t, func() bool { return buf.Pending() == 0 }, time.Second, 5*time.Millisecond)
	buf.Stop()
}

func TestCoalescing_StopsWithContext(t *testing.T) {
	buf, err := NewCoalescing[string, kv](10*time.Millisecond, keyOf)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, buf.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		buf.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}

func TestCoalescing_UnsubscribeAndMultipleSubscribers(t *testing.T) {
	buf, err := NewCoalescing[string, kv](time.Hour, keyOf)
	require.NoError(t, err)

	first, second := &collector{}, &collector{}
	unsubscribe := buf.OnFlush(first.onFlush)
	buf.OnFlush(second.onFlush)

	buf.Ingest(kv{key: "a", value: "1"})
	buf.Flush()
	assert.Len(t, first.snapshot(), 1)
	assert.Len(t, second.snapshot(), 1)

	unsubscribe()
	buf.Ingest(kv{key: "a", value: "2"})
	buf.Flush()
	assert.Len(t, first.snapshot(), 1)
	assert.Len(t, second.snapshot(), 2)
}

func TestCoalescing_CallbackPanicIsContained(t *testing.T) {
	buf, err := NewCoalescing[string, kv](time.Hour, keyOf)
	require.NoError(t, err)

	c := &collector{}
	buf.OnFlush(func([]kv) { panic("boom") })
	buf.OnFlush(c.onFlush)

	buf.Ingest(kv{key: "a", value: "1"})
	assert.NotPanics(t, func() { buf.Flush() })
	assert.Len(t, c.snapshot(), 1)
}

func TestCoalescing_ConcurrentIngest(t *testing.T) {
	buf, err := NewCoalescing[string, kv](time.Hour, keyOf)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				buf.Ingest(kv{key: "shared", value: "v"})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, buf.Pending())
	assert.Equal(t, int64(800), buf.Stats().Ingested())
	assert.Equal(t, int64(799), buf.Stats().Coalesced())
}

func TestCoalescing_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	buf, err := NewCoalescing(time.Hour, keyOf, WithMetrics[kv](registry, "homie"))
	require.NoError(t, err)

	buf.Ingest(kv{key: "a", value: "1"})
	buf.Ingest(kv{key: "a", value: "2"})
	buf.Ingest(kv{key: "b", value: "1"})
	buf.Drop()
	assert.Equal(t, 2.0, testutil.ToFloat64(buf.metrics.pending))
	buf.Flush()

	assert.Equal(t, 3.0, testutil.ToFloat64(buf.metrics.ingested))
	assert.Equal(t, 1.0, testutil.ToFloat64(buf.metrics.coalesced))
	assert.Equal(t, 2.0, testutil.ToFloat64(buf.metrics.flushed))
	assert.Equal(t, 1.0, testutil.ToFloat64(buf.metrics.batches))
	assert.Equal(t, 1.0, testutil.ToFloat64(buf.metrics.dropped))
	assert.Equal(t, 0.0, testutil.ToFloat64(buf.metrics.pending))

	// Same prefix twice conflicts.
	_, err = NewCoalescing(time.Hour, keyOf, WithMetrics[kv](registry, "homie"))
	require.Error(t, err)
}

func TestStatistics_ResetAndSummary(t *testing.T) {
	s := NewStatistics()
	s.Ingest()
	s.Ingest()
	s.Coalesce()
	s.Batch(3)
	s.UpdatePending(5)
	s.UpdatePending(1)

	summary := s.Summary()
	assert.Equal(t, int64(2), summary.Ingested)
	assert.Equal(t, int64(1), summary.Coalesced)
	assert.Equal(t, int64(3), summary.MaxBatchSize)
	assert.Equal(t, int64(5), summary.MaxPending)
	assert.Equal(t, int64(1), summary.Pending)

	s.Reset()
	summary = s.Summary()
	assert.Zero(t, summary.Ingested)
	assert.Zero(t, summary.Coalesced)
	assert.Zero(t, summary.MaxBatchSize)
	assert.Zero(t, summary.MaxPending)
	assert.Zero(t, summary.CoalesceRate)
}
