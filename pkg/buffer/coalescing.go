package buffer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/CMCRobotics/save-the-reef/errors"
)

// FlushFunc receives one coalesced batch. The slice is owned by the callee.
type FlushFunc[T any] func(batch []T)

type pendingEntry[T any] struct {
	value T
	rank  int
	seq   uint64
}

type subscriber[T any] struct {
	id int
	fn FlushFunc[T]
}

// Coalescing collects items over a fixed window and emits them as one batch
// per window, keeping only the last item seen for each key.
//
// Batches are ordered by rank (ascending, see WithRanker) and then by the
// order in which each key was first seen during the window. A window with no
// pending items emits nothing. With a zero window every Ingest flushes
// synchronously.
//
// Flush callbacks run one batch at a time and must not call Ingest or Flush
// on the same buffer synchronously.
type Coalescing[K comparable, T any] struct {
	window  time.Duration
	keyFn   func(T) K
	rankFn  func(T) int
	logger  *slog.Logger
	metrics *bufferMetrics
	stats   *Statistics

	mu      sync.Mutex
	pending map[K]*pendingEntry[T]
	seq     uint64

	subsMu  sync.RWMutex
	subs    []subscriber[T]
	nextSub int

	// held across drain and delivery so batches never interleave
	flushMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoalescing creates a coalescing buffer. keyFn identifies items that
// replace each other within a window.
func NewCoalescing[K comparable, T any](window time.Duration, keyFn func(T) K, opts ...Option[T]) (*Coalescing[K, T], error) {
	if window < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Coalescing", "NewCoalescing", "window must not be negative")
	}
	if keyFn == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Coalescing", "NewCoalescing", "key function required")
	}

	options := applyOptions(opts...)

	b := &Coalescing[K, T]{
		window:  window,
		keyFn:   keyFn,
		rankFn:  options.ranker,
		logger:  options.logger,
		stats:   NewStatistics(),
		pending: make(map[K]*pendingEntry[T]),
	}

	if options.metricsReg != nil {
		m, err := newBufferMetrics(options.metricsReg, options.metricsPrefix)
		if err != nil {
			return nil, errors.Wrap(err, "Coalescing", "NewCoalescing", "register metrics")
		}
		b.metrics = m
	}

	return b, nil
}

// Window returns the configured coalescing window.
func (b *Coalescing[K, T]) Window() time.Duration {
	return b.window
}

// Ingest records item as the latest value for its key.
func (b *Coalescing[K, T]) Ingest(item T) {
	key := b.keyFn(item)
	rank := 0
	if b.rankFn != nil {
		rank = b.rankFn(item)
	}

	b.mu.Lock()
	if entry, ok := b.pending[key]; ok {
		entry.value = item
		entry.rank = rank
		b.stats.Coalesce()
		if b.metrics != nil {
			b.metrics.coalesced.Inc()
		}
	} else {
		b.seq++
		b.pending[key] = &pendingEntry[T]{value: item, rank: rank, seq: b.seq}
	}
	size := len(b.pending)
	b.mu.Unlock()

	b.stats.Ingest()
	b.stats.UpdatePending(int64(size))
	if b.metrics != nil {
		b.metrics.ingested.Inc()
		b.metrics.pending.Set(float64(size))
	}

	if b.window == 0 {
		b.Flush()
	}
}

// Drop records an item that was rejected before reaching the buffer.
func (b *Coalescing[K, T]) Drop() {
	b.stats.Drop()
	if b.metrics != nil {
		b.metrics.dropped.Inc()
	}
}

// Pending returns the number of distinct keys waiting for the next flush.
func (b *Coalescing[K, T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush emits the pending batch to every subscriber and clears the window.
// It returns the number of items emitted.
func (b *Coalescing[K, T]) Flush() int {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	batch := b.drain()
	if len(batch) == 0 {
		b.stats.EmptyWindow()
		return 0
	}

	b.stats.Batch(int64(len(batch)))
	if b.metrics != nil {
		b.metrics.flushed.Add(float64(len(batch)))
		b.metrics.batches.Inc()
		b.metrics.batchSize.Observe(float64(len(batch)))
		b.metrics.pending.Set(0)
	}

	b.subsMu.RLock()
	subs := make([]subscriber[T], len(b.subs))
	copy(subs, b.subs)
	b.subsMu.RUnlock()

	for i, sub := range subs {
		out := batch
		if i < len(subs)-1 {
			out = make([]T, len(batch))
			copy(out, batch)
		}
		b.deliver(sub, out)
	}

	return len(batch)
}

func (b *Coalescing[K, T]) drain() []T {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	entries := make([]*pendingEntry[T], 0, len(b.pending))
	for _, entry := range b.pending {
		entries = append(entries, entry)
	}
	b.pending = make(map[K]*pendingEntry[T])
	b.mu.Unlock()

	b.stats.UpdatePending(0)

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].rank != entries[j].rank {
			return entries[i].rank < entries[j].rank
		}
		return entries[i].seq < entries[j].seq
	})

	batch := make([]T, len(entries))
	for i, entry := range entries {
		batch[i] = entry.value
	}
	return batch
}

func (b *Coalescing[K, T]) deliver(sub subscriber[T], batch []T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Flush callback panicked", "subscriber", sub.id, "panic", r)
		}
	}()
	sub.fn(batch)
}

// OnFlush registers fn to receive every non-empty batch. The returned
// function removes the registration.
func (b *Coalescing[K, T]) OnFlush(fn FlushFunc[T]) func() {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	b.nextSub++
	id := b.nextSub
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})

	return func() {
		b.subsMu.Lock()
		defer b.subsMu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Start runs the window timer until Stop is called or ctx is done. A zero
// window needs no timer.
func (b *Coalescing[K, T]) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.done != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Coalescing", "Start", "start window timer")
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	if b.window == 0 {
		close(b.done)
		return nil
	}

	go b.run(runCtx, b.done)
	b.logger.Debug("Coalescing buffer started", "window", b.window)
	return nil
}

func (b *Coalescing[K, T]) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}

// Stop halts the window timer and waits for an in-progress flush to finish.
// Pending items stay in the buffer; call Flush to emit them.
func (b *Coalescing[K, T]) Stop() {
	b.runMu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Stats returns the always-on statistics for this buffer.
func (b *Coalescing[K, T]) Stats() *Statistics {
	return b.stats
}
