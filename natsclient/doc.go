// Package natsclient wraps the NATS Go client with a circuit breaker,
// health monitoring and the JetStream calls the homie transport needs.
//
// Connection lifecycle: Disconnected → Connecting → Connected, with
// Reconnecting while nats.go retries and CircuitOpen after repeated
// failures. While the circuit is open every operation fails fast with
// errors.ErrCircuitOpen; after the backoff (doubling, capped by
// WithMaxBackoff) the next attempt is allowed through.
//
// Basic usage:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithSlog(logger),
//	    natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	sub, err := client.Subscribe(ctx, "live.gateway.>", func(ctx context.Context, msg *nats.Msg) {
//	    // ...
//	})
//
// Retained values live in a JetStream stream with one message per subject;
// ConsumeOrdered with jetstream.DeliverLastPerSubjectPolicy replays them.
//
// TestClient starts a nats container through testcontainers for integration
// tests (build tag "integration").
package natsclient
