package database

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection used for the audit trail. The audit
// store is best-effort: routing decisions never depend on it, and write
// failures are logged rather than surfaced.
type DB struct {
	*sql.DB
}

// New opens the SQLite audit database at the given path.
func New(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; keep the pool small
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

// Initialize creates all required tables.
func (db *DB) Initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS worker_connections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id TEXT NOT NULL,
			hostname TEXT,
			connected_at TIMESTAMP NOT NULL,
			disconnected_at TIMESTAMP,
			disconnect_reason TEXT,
			is_active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_worker_connections_worker
			ON worker_connections(worker_id)`,
		`CREATE TABLE IF NOT EXISTS session_outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			worker_id TEXT,
			outcome TEXT NOT NULL,
			detail TEXT,
			finished_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_outcomes_session
			ON session_outcomes(session_id)`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return nil
}

// RecordWorkerConnected inserts a connection row for a newly registered worker.
func (db *DB) RecordWorkerConnected(workerID, hostname string) {
	_, err := db.Exec(`
		INSERT INTO worker_connections (worker_id, hostname, connected_at, is_active)
		VALUES (?, ?, ?, 1)
	`, workerID, hostname, time.Now())
	if err != nil {
		log.Printf("⚠️ [AUDIT] Failed to record worker connect: %v", err)
	}
}

// RecordWorkerDisconnected closes the open connection row for a worker.
func (db *DB) RecordWorkerDisconnected(workerID, reason string) {
	_, err := db.Exec(`
		UPDATE worker_connections
		SET disconnected_at = ?, disconnect_reason = ?, is_active = 0
		WHERE worker_id = ? AND is_active = 1
	`, time.Now(), reason, workerID)
	if err != nil {
		log.Printf("⚠️ [AUDIT] Failed to record worker disconnect: %v", err)
	}
}

// RecordSessionOutcome inserts a terminal outcome row for a session.
func (db *DB) RecordSessionOutcome(sessionID, workerID, outcome, detail string) {
	_, err := db.Exec(`
		INSERT INTO session_outcomes (session_id, worker_id, outcome, detail, finished_at)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, workerID, outcome, detail, time.Now())
	if err != nil {
		log.Printf("⚠️ [AUDIT] Failed to record session outcome: %v", err)
	}
}
