package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection: reattach records and the event log
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=2000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		// Checkpoint the WAL to ensure all data is written to the main database file
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Flush forces a WAL checkpoint to write pending changes to the main database file
func (db *DB) Flush() error {
	if db.conn != nil {
		// RESTART forces the checkpoint even with active readers
		_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
		return err
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	-- One reattach record per supervised instance
	CREATE TABLE IF NOT EXISTS reattach_info (
		instance_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Game server lifecycle events
	CREATE TABLE IF NOT EXISTS instance_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Daemon lifecycle events
	CREATE TABLE IF NOT EXISTS daemon_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Background job state changes
	CREATE TABLE IF NOT EXISTS job_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		description TEXT NOT NULL,
		state TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_instance_events_timestamp ON instance_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_instance_events_instance ON instance_events(instance_id);
	CREATE INDEX IF NOT EXISTS idx_daemon_events_timestamp ON daemon_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// execWithRetry retries briefly while the database is locked (3 attempts, 5ms apart).
// Event logging is best-effort and must never stall the caller for long.
func (db *DB) execWithRetry(query string, args ...any) error {
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(query, args...)
		if err == nil {
			return nil
		}
		if isBusy(err) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to write after %d retries: database locked", maxRetries)
}

func isBusy(err error) bool {
	return strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY")
}

// SaveReattachInfo replaces the whole record for instanceID in one transaction
func (db *DB) SaveReattachInfo(instanceID string, data []byte) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO reattach_info (instance_id, data, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(instance_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		instanceID, string(data), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert reattach info: %w", err)
	}
	return tx.Commit()
}

// LoadReattachInfo returns the stored record, or nil when there is none
func (db *DB) LoadReattachInfo(instanceID string) ([]byte, error) {
	var data string
	err := db.conn.QueryRow(`SELECT data FROM reattach_info WHERE instance_id = ?`, instanceID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(data), nil
}

// ClearReattachInfo deletes the record for instanceID. Clearing a missing record is not an error.
func (db *DB) ClearReattachInfo(instanceID string) error {
	_, err := db.conn.Exec(`DELETE FROM reattach_info WHERE instance_id = ?`, instanceID)
	return err
}

// InstanceEvent represents a game server lifecycle event
type InstanceEvent struct {
	ID         int64
	InstanceID string
	EventType  string
	Details    string
	Timestamp  time.Time
}

// LogInstanceEvent logs a game server lifecycle event
func (db *DB) LogInstanceEvent(instanceID, eventType, details string) error {
	return db.execWithRetry(
		`INSERT INTO instance_events (instance_id, event_type, details, timestamp)
		 VALUES (?, ?, ?, ?)`,
		instanceID, eventType, details, time.Now(),
	)
}

// DaemonEvent represents a daemon lifecycle event
type DaemonEvent struct {
	ID        int64
	EventType string
	Details   string
	Timestamp time.Time
}

// LogDaemonEvent logs a daemon lifecycle event to the database
func (db *DB) LogDaemonEvent(eventType, details string) error {
	return db.execWithRetry(
		`INSERT INTO daemon_events (event_type, details, timestamp)
		 VALUES (?, ?, ?)`,
		eventType, details, time.Now(),
	)
}

// JobEvent represents a background job state change
type JobEvent struct {
	ID          int64
	JobID       string
	Description string
	State       string
	Details     string
	Timestamp   time.Time
}

// LogJobEvent records a job state change
func (db *DB) LogJobEvent(jobID, description, state, details string) error {
	return db.execWithRetry(
		`INSERT INTO job_events (job_id, description, state, details, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		jobID, description, state, details, time.Now(),
	)
}

// GetRecentInstanceEvents retrieves recent game server events, newest first
func (db *DB) GetRecentInstanceEvents(instanceID string, limit int) ([]InstanceEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, instance_id, event_type, details, timestamp
		 FROM instance_events
		 WHERE instance_id = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		instanceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []InstanceEvent
	for rows.Next() {
		var e InstanceEvent
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentDaemonEvents retrieves recent daemon events
func (db *DB) GetRecentDaemonEvents(limit int) ([]DaemonEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, details, timestamp
		 FROM daemon_events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DaemonEvent
	for rows.Next() {
		var e DaemonEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetJobHistory retrieves the state changes of one job, oldest first
func (db *DB) GetJobHistory(jobID string) ([]JobEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, job_id, description, state, details, timestamp
		 FROM job_events
		 WHERE job_id = ?
		 ORDER BY id ASC`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []JobEvent
	for rows.Next() {
		var e JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.Description, &e.State, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
