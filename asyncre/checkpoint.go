package asyncre

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"
)

const checkpointFormatVersion = 1

// checkpointEnvelope is the on-disk JSON shape of the authoritative
// checkpoint file. FormatVersion lets a future coordinator reject a
// checkpoint written by an incompatible layout instead of silently
// misreading it.
type checkpointEnvelope struct {
	FormatVersion int       `json:"format_version"`
	SavedAt       time.Time `json:"saved_at"`
	Records       []Record  `json:"records"`
}

// CheckpointPath returns the authoritative checkpoint file path for basename
// in dir, per spec.md's "{basename}.stat" naming.
func CheckpointPath(dir, basename string) string {
	return filepath.Join(dir, basename+".stat")
}

// SummaryPath returns the human-readable companion file path, per spec.md's
// "{basename}_stat.txt" naming.
func SummaryPath(dir, basename string) string {
	return filepath.Join(dir, basename+"_stat.txt")
}

// SaveCheckpoint atomically persists the store's current table to path: it
// writes to a temp file in the same directory, flushes, and renames over
// the previous checkpoint, so a crash mid-write never leaves a truncated or
// half-written file behind.
func SaveCheckpoint(store *Store, path string) error {
	env := checkpointEnvelope{
		FormatVersion: checkpointFormatVersion,
		SavedAt:       time.Now(),
		Records:       store.Snapshot(),
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return &CheckpointIOError{Path: path, Err: fmt.Errorf("encode: %w", err)}
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return &CheckpointIOError{Path: path, Err: err}
	}
	return nil
}

// LoadCheckpoint reads and parses the checkpoint file at path. A missing
// file is reported via os.IsNotExist on the returned error so callers can
// distinguish "no prior run" from "corrupt checkpoint"; any other read or
// parse failure is wrapped as a CorruptCheckpointError.
func LoadCheckpoint(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, &CorruptCheckpointError{Path: path, Err: err}
	}
	var env checkpointEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &CorruptCheckpointError{Path: path, Err: err}
	}
	if env.FormatVersion != checkpointFormatVersion {
		return nil, &CorruptCheckpointError{
			Path: path,
			Err:  fmt.Errorf("unsupported checkpoint format version %d", env.FormatVersion),
		}
	}
	return env.Records, nil
}

// WriteSummary renders a human-readable companion file alongside the
// authoritative checkpoint. Unlike SaveCheckpoint, this write is not
// atomic — spec.md treats it as advisory only, for an operator to `cat`
// between ticks, never as a source of restart truth.
func WriteSummary(store *Store, path string, savedAt time.Time) error {
	records := store.Snapshot()
	waiting, running := 0, 0
	for _, rec := range records {
		if rec.RunningStatus == StatusWaiting {
			waiting++
		} else {
			running++
		}
	}

	buf := make([]byte, 0, 128+64*len(records))
	buf = append(buf, fmt.Sprintf("checkpoint saved %s (%s)\n", humanize.Time(savedAt), savedAt.Format(time.RFC3339))...)
	buf = append(buf, fmt.Sprintf("replicas: %d total, %d waiting, %d running\n\n", len(records), waiting, running)...)
	buf = append(buf, fmt.Sprintf("%-8s %-6s %-8s %-6s %s\n", "replica", "state", "status", "cycle", "handle")...)
	for _, rec := range records {
		handle := rec.LastHandle
		if handle == "" {
			handle = "-"
		}
		buf = append(buf, fmt.Sprintf("%-8d %-6d %-8s %-6d %s\n",
			rec.ReplicaID, rec.StateIDCurrent, rec.RunningStatus, rec.CycleCurrent, handle)...)
	}

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return &CheckpointIOError{Path: path, Err: err}
	}
	return nil
}
