package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLHistory is a MySQL-backed History implementation.
//
// Use this when a campaign's coordinator may restart on a different node
// (e.g. after a batch scheduler requeue) and the audit ledger needs to
// live outside any single node's local disk, unlike SQLiteHistory.
type MySQLHistory struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLHistory opens a MySQL-backed history sink using dsn (standard
// go-sql-driver/mysql DSN, e.g. "user:pass@tcp(host:3306)/dbname").
func NewMySQLHistory(dsn string) (*MySQLHistory, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql history: %w", err)
	}
	db.SetMaxOpenConns(8)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql history: %w", err)
	}

	h := &MySQLHistory{db: db}
	if err := h.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

func (h *MySQLHistory) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS replica_transitions (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(191) NOT NULL,
			replica_id INT NOT NULL,
			kind VARCHAR(32) NOT NULL,
			cycle_before INT NOT NULL,
			cycle_after INT NOT NULL,
			state_id_after INT NOT NULL,
			at DATETIME(6) NOT NULL,
			INDEX idx_transitions_run_replica (run_id, replica_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS exchange_rounds (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(191) NOT NULL,
			tick BIGINT NOT NULL,
			replica_id INT NOT NULL,
			state_before INT NOT NULL,
			state_after INT NOT NULL,
			applied TINYINT NOT NULL,
			at DATETIME(6) NOT NULL,
			INDEX idx_exchanges_run_replica (run_id, replica_id)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := h.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mysql history schema: %w", err)
		}
	}
	return nil
}

// RecordTransition implements History.
func (h *MySQLHistory) RecordTransition(ctx context.Context, t Transition) error {
	if h.isClosed() {
		return fmt.Errorf("mysql history closed")
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO replica_transitions
			(run_id, replica_id, kind, cycle_before, cycle_after, state_id_after, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.RunID, t.ReplicaID, string(t.Kind), t.CycleBefore, t.CycleAfter, t.StateIDAfter, t.At)
	if err != nil {
		return fmt.Errorf("mysql record transition: %w", err)
	}
	return nil
}

// RecordExchange implements History.
func (h *MySQLHistory) RecordExchange(ctx context.Context, e ExchangeRound) error {
	if h.isClosed() {
		return fmt.Errorf("mysql history closed")
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
		return fmt.Errorf("mysql record exchange: %w", err)
	}
	return nil
}

// Transitions implements History.
func (h *MySQLHistory) Transitions(ctx context.Context, runID string, replicaID int) ([]Transition, error) {
	if h.isClosed() {
		return nil, fmt.Errorf("mysql history closed")
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT kind, cycle_before, cycle_after, state_id_after, at
		FROM replica_transitions
		WHERE run_id = ? AND replica_id = ?
		ORDER BY id ASC`, runID, replicaID)
	if err != nil {
		return nil, fmt.Errorf("mysql query transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Transition
	for rows.Next() {
		t := Transition{RunID: runID, ReplicaID: replicaID}
		var kind string
		if err := rows.Scan(&kind, &t.CycleBefore, &t.CycleAfter, &t.StateIDAfter, &t.At); err != nil {
			return nil, fmt.Errorf("mysql scan transition: %w", err)
		}
		t.Kind = TransitionKind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ExchangeHistory implements History.
func (h *MySQLHistory) ExchangeHistory(ctx context.Context, runID string, replicaID int) ([]ExchangeRound, error) {
	if h.isClosed() {
		return nil, fmt.Errorf("mysql history closed")
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT tick, state_before, state_after, applied, at
		FROM exchange_rounds
		WHERE run_id = ? AND replica_id = ?
		ORDER BY id ASC`, runID, replicaID)
	if err != nil {
		return nil, fmt.Errorf("mysql query exchanges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ExchangeRound
	for rows.Next() {
		e := ExchangeRound{RunID: runID, ReplicaID: replicaID}
		var applied int
		if err := rows.Scan(&e.Tick, &e.StateBefore, &e.StateAfter, &applied, &e.At); err != nil {
			return nil, fmt.Errorf("mysql scan exchange: %w", err)
		}
		e.Applied = applied != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close implements History.
func (h *MySQLHistory) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.db.Close()
}

func (h *MySQLHistory) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}
