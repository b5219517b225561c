// Package homie ingests device property updates from a pub/sub transport.
//
// Devices publish one message per property on slash topics:
//
//	gateway/player-1/skin          -> device gateway, node player-1, property skin
//	terminal-3/button-a/state      -> device terminal-3, node button-a, property state
//	gateway/$state                 -> device-level property (metadata)
//
// A Source subscribes with + and # wildcards and hands parsed Updates to a
// Handler. Two sources are provided: MemorySource, an in-process broker for
// tests and single-process runs, and NATSSource, which keeps retained values
// in a JetStream stream (one message per subject) and carries live traffic
// over core NATS.
//
// PropertyBuffer sits between a Source and its consumer. It coalesces bursts
// of updates over a window, keeping the last value per property, and emits
// one batch per window:
//
//	pb, _ := homie.NewPropertyBuffer(300*time.Millisecond,
//	    homie.WithPropertyGroups(homie.PropertyGroup{
//	        Name: "coral", Properties: []string{"coral/health", "coral/size"}, Priority: 1,
//	    }))
//	pb.OnFlush(func(batch []homie.Update) { ... })
//	_ = pb.Start(ctx)
//	_, _ = source.Subscribe(ctx, "gateway/#", func(u homie.Update) { pb.Ingest(u) })
//
// Metadata ($-prefixed levels) and malformed updates are dropped on Ingest.
package homie
