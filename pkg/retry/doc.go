// Package retry runs an operation with exponential backoff.
//
// reefstreams uses it at startup, where the NATS server may accept
// connections before JetStream is ready to create the retained stream:
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    return source.EnsureStream(ctx)
//	})
//
// Errors classified invalid or fatal by the errors package, and errors
// wrapped with NonRetryable, end the loop at once. Everything else is retried
// until the attempts run out or ctx is done.
package retry
