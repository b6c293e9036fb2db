// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides snapshot persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_session
			ON snapshots(session_id, seq);

		CREATE TABLE IF NOT EXISTS journal (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload BLOB,
			timestamp TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_journal_session
			ON journal(session_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		column string // Column name for logging
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('snapshots') WHERE name = 'phase'`,
			apply:  `ALTER TABLE snapshots ADD COLUMN phase TEXT NOT NULL DEFAULT ''`,
			column: "phase",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('snapshots') WHERE name = 'checksum'`,
			apply:  `ALTER TABLE snapshots ADD COLUMN checksum TEXT NOT NULL DEFAULT ''`,
			column: "checksum",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking column %s: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding column %s: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

// SaveSnapshot persists a snapshot record.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, session_id, phase, checksum, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SessionID, rec.Phase, rec.Checksum, rec.Data, rec.CreatedAt.UTC().Format(tsFormat))
	if isConstraintViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateSnapshot, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}

	s.logger.Debug("saved snapshot", "snapshot_id", rec.ID, "session_id", rec.SessionID, "bytes", len(rec.Data))
	return nil
}

const snapshotColumns = `id, session_id, phase, checksum, data, created_at`

func scanSnapshot(scan func(dest ...any) error) (*SnapshotRecord, error) {
	rec := &SnapshotRecord{}
	var createdAt string
	if err := scan(&rec.ID, &rec.SessionID, &rec.Phase, &rec.Checksum, &rec.Data, &createdAt); err != nil {
		return nil, err
	}
	ts, err := time.Parse(tsFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	rec.CreatedAt = ts
	return rec, nil
}

// GetSnapshot retrieves a snapshot by id.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*SnapshotRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
	rec, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	return rec, nil
}

// LatestSnapshot returns the most recently saved snapshot.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, sessionID string) (*SnapshotRecord, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY seq DESC LIMIT 1`

	rec, err := scanSnapshot(s.db.QueryRowContext(ctx, query, args...).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest snapshot: %w", err)
	}
	return rec, nil
}

// ListSnapshots returns snapshots of a session, newest first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, sessionID string, limit int) ([]*SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, sessionID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var out []*SnapshotRecord
	for rows.Next() {
		rec, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot rows: %w", err)
	}
	return out, nil
}

// PruneSnapshots deletes all but the newest keep snapshots of a session.
func (s *SQLiteStore) PruneSnapshots(ctx context.Context, sessionID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE session_id = ?
		  AND seq NOT IN (
			SELECT seq FROM snapshots WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		  )
	`, sessionID, sessionID, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned snapshots: %w", err)
	}
	if n > 0 {
		s.logger.Debug("pruned snapshots", "session_id", sessionID, "deleted", n)
	}
	return int(n), nil
}
