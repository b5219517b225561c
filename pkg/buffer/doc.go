// Package buffer provides a time-windowed coalescing buffer.
//
// Producers call Ingest as messages arrive. Items that share a key replace
// each other until the window closes, so only the latest value per key
// survives. When the window timer fires, pending items are emitted as one
// ordered batch to every callback registered with OnFlush:
//
//	buf, err := buffer.NewCoalescing(300*time.Millisecond, func(u Update) string { return u.Key() })
//	if err != nil {
//		return err
//	}
//	stop := buf.OnFlush(func(batch []Update) { ... })
//	defer stop()
//
//	if err := buf.Start(ctx); err != nil {
//		return err
//	}
//	defer buf.Stop()
//
// Batches are ordered by rank (WithRanker) and then by first-seen order.
// Empty windows emit nothing. A zero window flushes on every Ingest.
//
// Statistics are always collected; Prometheus export is enabled with WithMetrics.
package buffer
