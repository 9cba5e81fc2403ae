package emit

// Event represents an observability event emitted during a scheduler run.
//
// Events provide detailed insight into replica lifecycle behavior:
//   - Replica launch and completion
//   - State transitions (waiting/running, current thermodynamic state)
//   - Exchange round outcomes
//   - Checkpoint operations
//   - Pilot and plugin errors
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Store in memory for test assertions
//   - Trigger alerts
type Event struct {
	// RunID identifies the coordinator run that emitted this event.
	RunID string

	// Tick is the sequential scheduler tick number (1-indexed). Zero for
	// run-level events (start, complete, error) that are not tied to a
	// specific tick.
	Tick int

	// ReplicaID identifies which replica emitted this event, formatted as
	// a decimal string. Empty for run-level events.
	ReplicaID string

	// Msg is a human-readable description of the event, e.g.
	// "replica_launch", "replica_complete", "exchange_applied".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "cycle": the replica's current cycle number
	//   - "handle": the pilot-assigned subjob handle
	//   - "error": error details
	//   - "accepted": number of exchange proposals accepted this round
	Meta map[string]interface{}
}
