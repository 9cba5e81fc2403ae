// Package asyncre implements the asynchronous replica-exchange coordinator:
// a single-threaded scheduling loop that advances a table of replicas
// through a launch/complete state machine, periodically proposing exchanges
// of thermodynamic state between replicas currently idle.
package asyncre

import (
	"errors"
	"strconv"
)

// Sentinel errors for callers that only need to compare kinds with
// errors.Is, without unwrapping a structured *ConfigError etc.
var (
	// ErrConfigInvalid wraps any failure to load or validate a control file.
	ErrConfigInvalid = errors.New("asyncre: invalid configuration")

	// ErrCorruptCheckpoint wraps a checkpoint file that fails to parse or
	// fails its internal consistency checks.
	ErrCorruptCheckpoint = errors.New("asyncre: corrupt checkpoint")

	// ErrPilotUnavailable wraps a transient failure to reach the subjob pilot.
	ErrPilotUnavailable = errors.New("asyncre: pilot unavailable")

	// ErrExchangePlugin wraps a failure raised by the exchange plug-in during
	// a single exchange round. The round is aborted; scheduling continues.
	ErrExchangePlugin = errors.New("asyncre: exchange plugin error")

	// ErrCheckpointIO wraps a failure to write the checkpoint file itself.
	ErrCheckpointIO = errors.New("asyncre: checkpoint io error")

	// ErrDrainTimeout indicates the coordinator could not reach a clean
	// drained state within its configured drain deadline.
	ErrDrainTimeout = errors.New("asyncre: drain timed out")
)

// ConfigError reports a fatal problem found while loading or validating the
// control file. The coordinator must not start with a ConfigError pending.
type ConfigError struct {
	Key string // offending key, or "" if not key-specific
	Msg string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return "asyncre: config: " + e.Msg
	}
	return "asyncre: config: " + e.Key + ": " + e.Msg
}

func (e *ConfigError) Unwrap() error { return ErrConfigInvalid }

// CorruptCheckpointError reports a checkpoint file that could not be loaded.
// It is fatal unless the coordinator was started with RE_SETUP=true, in
// which case the caller is expected to fall back to a fresh replica table.
type CorruptCheckpointError struct {
	Path string
	Err  error
}

func (e *CorruptCheckpointError) Error() string {
	return "asyncre: corrupt checkpoint " + e.Path + ": " + e.Err.Error()
}

func (e *CorruptCheckpointError) Unwrap() error { return ErrCorruptCheckpoint }

// PilotUnavailableError reports a failed attempt to reach the subjob pilot
// (submit, poll, or capacity query). It is always transient: the scheduler
// counts consecutive ticks on which polling a running replica fails and
// drains once that count reaches a configured bound, rather than treating
// any single occurrence as fatal. A failed capacity query or submit is
// logged, and admission is tried again on the next tick.
type PilotUnavailableError struct {
	Op  string // "submit", "poll", or "capacity"
	Err error
}

func (e *PilotUnavailableError) Error() string {
	return "asyncre: pilot unavailable during " + e.Op + ": " + e.Err.Error()
}

func (e *PilotUnavailableError) Unwrap() error { return ErrPilotUnavailable }

// SubjobFailureError records a subjob that the pilot itself reports as
// failed. It is never fatal to the core: the replica returns to W without
// advancing its cycle, and the core enforces no limit on repeated failures
// (that policy, if any, belongs to an operator or a wrapping supervisor).
type SubjobFailureError struct {
	ReplicaID int
	Handle    string
	Reason    string
}

func (e *SubjobFailureError) Error() string {
	return "asyncre: subjob failure for replica " + strconv.Itoa(e.ReplicaID) + " (handle " + e.Handle + "): " + e.Reason
}

// ExchangePluginError wraps any error returned by a Plugin method during an
// exchange round. The round that triggered it is abandoned; the scheduler
// loop itself is not disturbed and resumes ticking on schedule.
type ExchangePluginError struct {
	Stage string // "checkInput", "buildInput", "extractEnergies", "proposePermutation"
	Err   error
}

func (e *ExchangePluginError) Error() string {
	return "asyncre: exchange plugin error in " + e.Stage + ": " + e.Err.Error()
}

func (e *ExchangePluginError) Unwrap() error { return ErrExchangePlugin }

// CheckpointIOError reports a failure to persist the replica table. The
// scheduler tracks consecutive occurrences and drains after three in a row.
type CheckpointIOError struct {
	Path string
	Err  error
}

func (e *CheckpointIOError) Error() string {
	return "asyncre: checkpoint write failed for " + e.Path + ": " + e.Err.Error()
}

func (e *CheckpointIOError) Unwrap() error { return ErrCheckpointIO }
