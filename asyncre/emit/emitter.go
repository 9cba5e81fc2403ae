// Package emit provides event emission and observability for a coordinator run.
package emit

import "context"

// Emitter receives and processes observability events from a scheduler run.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files.
//   - Distributed tracing: OpenTelemetry.
//   - In-memory capture for tests and post-run analysis.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down the scheduler loop.
//   - Thread-safe: may be called concurrently from exchange workers.
//   - Resilient: handle failures gracefully (never abort a tick).
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit must not block the scheduler loop for long and must not panic.
	// Errors should be logged internally rather than returned.
	Emit(event Event)

	// EmitBatch sends multiple events in a single operation, preserving
	// emission order. Returns an error only on catastrophic failures (e.g.
	// misconfiguration); individual event failures should be logged but
	// not returned.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush ensures all buffered events are sent to the backend. Call this
	// before process shutdown to avoid losing the tail of a run's events.
	// Implementations must be safe to call more than once.
	Flush(ctx context.Context) error
}
