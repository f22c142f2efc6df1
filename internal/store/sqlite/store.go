// Package sqlite implements the import repository on an embedded SQLite
// database. It backs the offline importer CLI and the pipeline tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JonMunkholm/equipimport/internal/core"
)

//go:embed schema.sql
var schemaSQL string

const dateLayout = "2006-01-02"

// Store is the SQLite repository.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. SQLite allows one writer at a time, so the pool is limited to a
// single connection and row transactions queue on it.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for reporting queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Stats counts what the repository holds.
type Stats struct {
	Equipment  int `json:"equipment" yaml:"equipment"`
	Attributes int `json:"attributes" yaml:"attributes"`
	Values     int `json:"values" yaml:"values"`
}

// Stats returns row counts of the equipment tables.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM equipment),
			(SELECT COUNT(*) FROM equipment_attributes),
			(SELECT COUNT(*) FROM equipment_attribute_values)`,
	).Scan(&st.Equipment, &st.Attributes, &st.Values)
	if err != nil {
		return Stats{}, fmt.Errorf("count equipment: %w", err)
	}
	return st, nil
}

// WithTx runs fn in a transaction, committing if it returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(core.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() // No-op if already committed

	if err := fn(txn{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// BeginRun journals the start of an execute.
func (s *Store) BeginRun(ctx context.Context, run core.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_runs (id, session_handle, file_name, total_rows, status)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Handle, run.FileName, run.TotalRows, string(core.RunExecuting),
	)
	if err != nil {
		return fmt.Errorf("insert import run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of an execute.
func (s *Store) FinishRun(ctx context.Context, runID string, o core.RunOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE import_runs
		SET status = ?, imported = ?, skipped = ?, failed = ?, error = NULLIF(?, ''),
		    finished_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ?`,
		string(o.Status), o.Imported, o.Skipped, o.Failed, o.Error, runID,
	)
	if err != nil {
		return fmt.Errorf("update import run: %w", err)
	}
	return nil
}

// MarkInterruptedRuns flags runs a crashed process left in executing.
func (s *Store) MarkInterruptedRuns(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_runs SET status = ?, finished_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE status = ?`,
		string(core.RunInterrupted), string(core.RunExecuting),
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

// RunStatus returns the journal status of a run.
func (s *Store) RunStatus(ctx context.Context, runID string) (core.RunStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM import_runs WHERE id = ?`, runID).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("select run %s: %w", runID, err)
	}
	return core.RunStatus(status), nil
}

type txn struct {
	tx *sql.Tx
}

func (t txn) RegisterIfAbsent(ctx context.Context, key, label string) (core.AttributeID, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO equipment_attributes (key, label) VALUES (?, ?)
		ON CONFLICT (key) DO NOTHING
		RETURNING id`, key, label).Scan(&id)
	if err == nil {
		return core.AttributeID(id), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("insert attribute %q: %w", key, err)
	}

	if err := t.tx.QueryRowContext(ctx,
		`SELECT id FROM equipment_attributes WHERE key = ?`, key).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("select attribute %q: %w", key, err)
	}
	return core.AttributeID(id), false, nil
}

func (t txn) SerialExists(ctx context.Context, serial string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM equipment WHERE serial_number = ?)`, serial).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check serial: %w", err)
	}
	return exists, nil
}

func (t txn) InsertEquipment(ctx context.Context, e core.Equipment, runID string) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO equipment (
			name, serial_number, manufacturer, model, category, location,
			status, purchase_date, warranty_expires, notes, import_run_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Name, nullable(e.SerialNumber), nullable(e.Manufacturer), nullable(e.Model),
		nullable(e.Category), nullable(e.Location), nullable(e.Status),
		date(e.PurchaseDate), date(e.WarrantyExpires), nullable(e.Notes), runID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", core.ErrDuplicateSerial, e.SerialNumber)
		}
		return 0, fmt.Errorf("insert equipment: %w", err)
	}
	return res.LastInsertId()
}

func (t txn) SetValue(ctx context.Context, entityID int64, attr core.AttributeID, value string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO equipment_attribute_values (equipment_id, attribute_id, value)
		VALUES (?, ?, ?)
		ON CONFLICT (equipment_id, attribute_id) DO UPDATE SET value = excluded.value`,
		entityID, int64(attr), value,
	)
	if err != nil {
		return fmt.Errorf("set attribute value: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func date(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(dateLayout)
}

var _ core.Repository = (*Store)(nil)
