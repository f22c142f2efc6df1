// Package postgres implements the import repository on PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/equipimport/internal/core"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Store is the PostgreSQL repository.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an open pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the import tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn in a transaction, committing if it returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(core.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if already committed

	if err := fn(txn{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// BeginRun journals the start of an execute.
func (s *Store) BeginRun(ctx context.Context, run core.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO import_runs (id, session_handle, file_name, total_rows, status)
		VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.Handle, run.FileName, run.TotalRows, string(core.RunExecuting),
	)
	if err != nil {
		return fmt.Errorf("insert import run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of an execute.
func (s *Store) FinishRun(ctx context.Context, runID string, o core.RunOutcome) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE import_runs
		SET status = $2, imported = $3, skipped = $4, failed = $5,
		    error = NULLIF($6, ''), finished_at = now()
		WHERE id = $1`,
		runID, string(o.Status), o.Imported, o.Skipped, o.Failed, o.Error,
	)
	if err != nil {
		return fmt.Errorf("update import run: %w", err)
	}
	return nil
}

// MarkInterruptedRuns flags runs a crashed process left in executing.
func (s *Store) MarkInterruptedRuns(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE import_runs SET status = $1, finished_at = now()
		WHERE status = $2`,
		string(core.RunInterrupted), string(core.RunExecuting),
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// txn implements core.Tx over any DBTX.
type txn struct {
	q DBTX
}

func (t txn) RegisterIfAbsent(ctx context.Context, key, label string) (core.AttributeID, bool, error) {
	var id int64
	err := t.q.QueryRow(ctx, `
		INSERT INTO equipment_attributes (key, label) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
		RETURNING id`, key, label).Scan(&id)
	if err == nil {
		return core.AttributeID(id), true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("insert attribute %q: %w", key, err)
	}

	if err := t.q.QueryRow(ctx,
		`SELECT id FROM equipment_attributes WHERE key = $1`, key).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("select attribute %q: %w", key, err)
	}
	return core.AttributeID(id), false, nil
}

func (t txn) SerialExists(ctx context.Context, serial string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM equipment WHERE serial_number = $1)`, serial).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check serial: %w", err)
	}
	return exists, nil
}

func (t txn) InsertEquipment(ctx context.Context, e core.Equipment, runID string) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `
		INSERT INTO equipment (
			name, serial_number, manufacturer, model, category, location,
			status, purchase_date, warranty_expires, notes, import_run_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		e.Name, nullable(e.SerialNumber), nullable(e.Manufacturer), nullable(e.Model),
		nullable(e.Category), nullable(e.Location), nullable(e.Status),
		e.PurchaseDate, e.WarrantyExpires, nullable(e.Notes), runID,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", core.ErrDuplicateSerial, e.SerialNumber)
		}
		return 0, fmt.Errorf("insert equipment: %w", err)
	}
	return id, nil
}

func (t txn) SetValue(ctx context.Context, entityID int64, attr core.AttributeID, value string) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO equipment_attribute_values (equipment_id, attribute_id, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (equipment_id, attribute_id) DO UPDATE SET value = EXCLUDED.value`,
		entityID, int64(attr), value,
	)
	if err != nil {
		return fmt.Errorf("set attribute value: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// nullable stores empty strings as NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ core.Repository = (*Store)(nil)
