// Package archive provides an optional SQLite-backed journal of alert
// delivery outcomes, for operator introspection. Recording is best-effort
// and never blocks the delivery path.
package archive

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Outcome is one terminal delivery result for an alert payload.
type Outcome struct {
	EventID      string
	IncidentHash string
	Level        string
	Category     string
	Title        string
	// Status is the terminal delivery status: sent, dropped, rate_limited.
	Status    string
	Attempts  int
	Error     string
	Timestamp time.Time
}

// DB wraps an SQLite connection for the delivery journal.
type DB struct {
	db *sql.DB
}

// Open opens or creates the journal database at the given path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}

	// Single writer connection to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating journal database: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Record stores a delivery outcome.
func (d *DB) Record(o Outcome) error {
	ts := o.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := d.db.Exec(`
		INSERT INTO deliveries (event_id, incident_hash, level, category, title, status, attempts, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.EventID,
		o.IncidentHash,
		o.Level,
		o.Category,
		o.Title,
		o.Status,
		o.Attempts,
		o.Error,
		ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording delivery outcome: %w", err)
	}
	return nil
}

// QueryFilter controls which outcomes Query returns.
type QueryFilter struct {
	Since        time.Time
	Until        time.Time
	IncidentHash string
	Status       string
	Limit        int
}

// Query returns outcomes matching the filter, newest first.
func (d *DB) Query(f QueryFilter) ([]Outcome, error) {
	query := `SELECT event_id, incident_hash, level, category, title, status, attempts, error, timestamp
		FROM deliveries WHERE 1=1`
	var args []interface{}

	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	if f.IncidentHash != "" {
		query += " AND incident_hash = ?"
		args = append(args, f.IncidentHash)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}

	query += " ORDER BY timestamp DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var tsStr string
		var errText sql.NullString
		err := rows.Scan(
			&o.EventID,
			&o.IncidentHash,
			&o.Level,
			&o.Category,
			&o.Title,
			&o.Status,
			&o.Attempts,
			&errText,
			&tsStr,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery row: %w", err)
		}
		o.Error = errText.String
		o.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		out = append(out, o)
	}
	return out, rows.Err()
}

// IncidentCount returns how many outcomes were recorded for an incident
// since the given instant, regardless of status.
func (d *DB) IncidentCount(incidentHash string, since time.Time) (int, error) {
	var count int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM deliveries WHERE incident_hash = ? AND timestamp >= ?`,
		incidentHash,
		since.UTC().Format(time.RFC3339Nano),
	).Scan(&count)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("counting incident deliveries: %w", err)
	}
	return count, nil
}

// Purge deletes outcomes older than the given retention duration.
func (d *DB) Purge(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)
	result, err := d.db.Exec(`DELETE FROM deliveries WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging old deliveries: %w", err)
	}
	return result.RowsAffected()
}

func migrate(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS deliveries (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id      TEXT NOT NULL,
			incident_hash TEXT NOT NULL,
			level         TEXT NOT NULL,
			category      TEXT,
			title         TEXT,
			status        TEXT NOT NULL,
			attempts      INTEGER DEFAULT 0,
			error         TEXT,
			timestamp     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_incident ON deliveries(incident_hash, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status, timestamp)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	slog.Debug("delivery journal schema up to date")
	return nil
}
