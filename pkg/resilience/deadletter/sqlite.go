package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	sferrors "github.com/vnykmshr/streamline/pkg/common/errors"
)

const createTable = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	pipeline TEXT,
	stage_id TEXT NOT NULL,
	item TEXT,
	error_message TEXT,
	attempts INTEGER,
	created_at DATETIME
);
`

// StoredRecord is a dead letter as read back from SQLite.
type StoredRecord struct {
	ID        int64
	RunID     string
	Pipeline  string
	StageID   string
	Item      string
	Error     string
	Attempts  int
	CreatedAt time.Time
}

// SQLiteSink stores records in a dead_letters table.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dsn and prepares the table.
// Use ":memory:" for a private in-memory database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create dead_letters table: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Record implements Sink.
func (s *SQLiteSink) Record(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (run_id, pipeline, stage_id, item, error_message, attempts, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Pipeline, rec.StageID, string(encodeItem(rec.Item)), rec.Message(), rec.Attempts, rec.Timestamp.UTC())
	if err != nil {
		return sferrors.NewOperationError("deadletter", "sqlite.insert", err).WithContext("stage " + rec.StageID)
	}
	return nil
}

// List returns the records stored for runID, oldest first. An empty runID
// lists every record.
func (s *SQLiteSink) List(ctx context.Context, runID string) ([]StoredRecord, error) {
	query := `SELECT id, run_id, pipeline, stage_id, item, error_message, attempts, created_at FROM dead_letters`
	var args []interface{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var r StoredRecord
		if err := rows.Scan(&r.ID, &r.RunID, &r.Pipeline, &r.StageID, &r.Item, &r.Error, &r.Attempts, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
