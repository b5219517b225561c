// Package errors classifies failures into three classes used by every package
// in the pipeline:
//
//   - Transient: broker timeouts, lost connections, an open circuit breaker.
//   - Invalid: malformed property updates, bad topics, rule compilation errors.
//   - Fatal: unusable configuration or exhausted resources.
//
// Wrap third-party errors with component context:
//
//	if err := client.Publish(ctx, subject, data); err != nil {
//	    return errors.WrapTransient(err, "NATSSource", "Publish", "publish command")
//	}
//
// Check the class when deciding what to do with a failure:
//
//	if errors.IsInvalid(err) {
//	    logger.Warn("dropping update", "error", err)
//	    return
//	}
//
// The package shadows the standard library name on purpose; import the
// standard package as stderrors where both are needed.
package errors
