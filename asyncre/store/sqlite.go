package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteHistory is a SQLite-backed History implementation.
//
// It is the default persistent audit sink for single-node campaigns: zero
// setup, a single file, and pure Go (modernc.org/sqlite, no cgo), which
// matters on HPC login/compute nodes where a C toolchain for mattn's cgo
// driver is often unavailable.
type SQLiteHistory struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteHistory opens (creating if necessary) a SQLite-backed history
// sink at path. Use ":memory:" for ephemeral use in tests.
func NewSQLiteHistory(path string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite history: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite history pragma %q: %w", pragma, err)
		}
	}

	h := &SQLiteHistory{db: db, path: path}
	if err := h.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

func (h *SQLiteHistory) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS replica_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			replica_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			cycle_before INTEGER NOT NULL,
			cycle_after INTEGER NOT NULL,
			state_id_after INTEGER NOT NULL,
			at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_run_replica
			ON replica_transitions(run_id, replica_id)`,
		`CREATE TABLE IF NOT EXISTS exchange_rounds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			replica_id INTEGER NOT NULL,
			state_before INTEGER NOT NULL,
			state_after INTEGER NOT NULL,
			applied INTEGER NOT NULL,
			at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exchanges_run_replica
			ON exchange_rounds(run_id, replica_id)`,
	}
	for _, stmt := range stmts {
		if _, err := h.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite history schema: %w", err)
		}
	}
	return nil
}

// RecordTransition implements History.
func (h *SQLiteHistory) RecordTransition(ctx context.Context, t Transition) error {
	if h.isClosed() {
		return fmt.Errorf("sqlite history closed")
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO replica_transitions
			(run_id, replica_id, kind, cycle_before, cycle_after, state_id_after, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.RunID, t.ReplicaID, string(t.Kind), t.CycleBefore, t.CycleAfter, t.StateIDAfter, t.At)
	if err != nil {
		return fmt.Errorf("sqlite record transition: %w", err)
	}
	return nil
}

// RecordExchange implements History.
func (h *SQLiteHistory) RecordExchange(ctx context.Context, e ExchangeRound) error {
	if h.isClosed() {
		return fmt.Errorf("sqlite history closed")
	}
	applied := 0
	if e.Applied {
		applied = 1
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO exchange_rounds
			(run_id, tick, replica_id, state_before, state_after, applied, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Tick, e.ReplicaID, e.StateBefore, e.StateAfter, applied, e.At)
	if err != nil {
		return fmt.Errorf("sqlite record exchange: %w", err)
	}
	return nil
}

// Transitions implements History.
func (h *SQLiteHistory) Transitions(ctx context.Context, runID string, replicaID int) ([]Transition, error) {
	if h.isClosed() {
		return nil, fmt.Errorf("sqlite history closed")
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT kind, cycle_before, cycle_after, state_id_after, at
		FROM replica_transitions
		WHERE run_id = ? AND replica_id = ?
		ORDER BY id ASC`, runID, replicaID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Transition
	for rows.Next() {
		t := Transition{RunID: runID, ReplicaID: replicaID}
		var kind string
		if err := rows.Scan(&kind, &t.CycleBefore, &t.CycleAfter, &t.StateIDAfter, &t.At); err != nil {
			return nil, fmt.Errorf("sqlite scan transition: %w", err)
		}
		t.Kind = TransitionKind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ExchangeHistory implements History.
func (h *SQLiteHistory) ExchangeHistory(ctx context.Context, runID string, replicaID int) ([]ExchangeRound, error) {
	if h.isClosed() {
		return nil, fmt.Errorf("sqlite history closed")
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT tick, state_before, state_after, applied, at
		FROM exchange_rounds
		WHERE run_id = ? AND replica_id = ?
		ORDER BY id ASC`, runID, replicaID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query exchanges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ExchangeRound
	for rows.Next() {
		e := ExchangeRound{RunID: runID, ReplicaID: replicaID}
		var applied int
		if err := rows.Scan(&e.Tick, &e.StateBefore, &e.StateAfter, &applied, &e.At); err != nil {
			return nil, fmt.Errorf("sqlite scan exchange: %w", err)
		}
		e.Applied = applied != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close implements History.
func (h *SQLiteHistory) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.db.Close()
}

func (h *SQLiteHistory) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}
