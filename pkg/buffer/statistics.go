package buffer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks coalescing behaviour. It is always collected.
type Statistics struct {
	ingested     int64
	coalesced    int64
	flushed      int64
	batches      int64
	emptyWindows int64
	drops        int64

	mu           sync.RWMutex
	startTime    time.Time
	pending      int64
	maxPending   int64
	maxBatchSize int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{
		startTime: time.Now(),
	}
}

// Ingest records an item entering the buffer.
func (s *Statistics) Ingest() {
	atomic.AddInt64(&s.ingested, 1)
}

// Coalesce records an item that replaced a pending value with the same key.
func (s *Statistics) Coalesce() {
	atomic.AddInt64(&s.coalesced, 1)
}

// Drop records an item rejected before ingestion.
func (s *Statistics) Drop() {
	atomic.AddInt64(&s.drops, 1)
}

// EmptyWindow records a flush that found nothing pending.
func (s *Statistics) EmptyWindow() {
	atomic.AddInt64(&s.emptyWindows, 1)
}

// Batch records an emitted batch of size items.
func (s *Statistics) Batch(size int64) {
	atomic.AddInt64(&s.batches, 1)
	atomic.AddInt64(&s.flushed, size)

	s.mu.Lock()
	if size > s.maxBatchSize {
		s.maxBatchSize = size
	}
	s.mu.Unlock()
}

// UpdatePending updates the number of pending keys.
func (s *Statistics) UpdatePending(size int64) {
	s.mu.Lock()
	s.pending = size
	if size > s.maxPending {
		s.maxPending = size
	}
	s.mu.Unlock()
}

// Ingested returns the number of items ingested.
func (s *Statistics) Ingested() int64 { return atomic.LoadInt64(&s.ingested) }

// Coalesced returns the number of items that overwrote a pending value.
func (s *Statistics) Coalesced() int64 { return atomic.LoadInt64(&s.coalesced) }

// Flushed returns the number of items emitted across all batches.
func (s *Statistics) Flushed() int64 { return atomic.LoadInt64(&s.flushed) }

// Batches returns the number of non-empty batches emitted.
func (s *Statistics) Batches() int64 { return atomic.LoadInt64(&s.batches) }

// EmptyWindows returns the number of windows that had nothing to emit.
func (s *Statistics) EmptyWindows() int64 { return atomic.LoadInt64(&s.emptyWindows) }

// Drops returns the number of rejected items.
func (s *Statistics) Drops() int64 { return atomic.LoadInt64(&s.drops) }

// Pending returns the current number of pending keys.
func (s *Statistics) Pending() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending
}

// MaxPending returns the largest number of pending keys observed.
func (s *Statistics) MaxPending() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxPending
}

// MaxBatchSize returns the largest batch emitted.
func (s *Statistics) MaxBatchSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxBatchSize
}

// CoalesceRate returns the fraction of ingested items that were conflated (0.0 to 1.0).
func (s *Statistics) CoalesceRate() float64 {
	ingested := s.Ingested()
	if ingested == 0 {
		return 0.0
	}
	return float64(s.Coalesced()) / float64(ingested)
}

// Uptime returns how long the buffer has been running.
func (s *Statistics) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// Reset resets all statistics to zero.
func (s *Statistics) Reset() {
	atomic.StoreInt64(&s.ingested, 0)
	atomic.StoreInt64(&s.coalesced, 0)
	atomic.StoreInt64(&s.flushed, 0)
	atomic.StoreInt64(&s.batches, 0)
	atomic.StoreInt64(&s.emptyWindows, 0)
	atomic.StoreInt64(&s.drops, 0)

	s.mu.Lock()
	s.startTime = time.Now()
	s.pending = 0
	s.maxPending = 0
	s.maxBatchSize = 0
	s.mu.Unlock()
}

// StatsSummary is a snapshot of all statistics.
type StatsSummary struct {
	Ingested     int64         `json:"ingested"`
	Coalesced    int64         `json:"coalesced"`
	Flushed      int64         `json:"flushed"`
	Batches      int64         `json:"batches"`
	EmptyWindows int64         `json:"empty_windows"`
	Drops        int64         `json:"drops"`
	Pending      int64         `json:"pending"`
	MaxPending   int64         `json:"max_pending"`
	MaxBatchSize int64         `json:"max_batch_size"`
	CoalesceRate float64       `json:"coalesce_rate"`
	Uptime       time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Ingested:     s.Ingested(),
		Coalesced:    s.Coalesced(),
		Flushed:      s.Flushed(),
		Batches:      s.Batches(),
		EmptyWindows: s.EmptyWindows(),
		Drops:        s.Drops(),
		Pending:      s.Pending(),
		MaxPending:   s.MaxPending(),
		MaxBatchSize: s.MaxBatchSize(),
		CoalesceRate: s.CoalesceRate(),
		Uptime:       s.Uptime(),
	}
}
