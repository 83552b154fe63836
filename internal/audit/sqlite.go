package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial audit_records table
// 1 - extras column for before/after snapshots, reason and metadata
const currentSchemaVersion = 1

const recordColumns = `id, tool_name, principal_id, tenant_id, request_id, trace_id, ts, duration_ms,
inputs, outputs, policy_decisions, row_count, affected_rows, error, error_code, status, extras`

// SQLiteStore persists records in a local SQLite file using WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens an audit database at path. Pragmas and
// migrations are applied on every open, so repeated opens are safe.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect audit database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`ALTER TABLE audit_records ADD COLUMN extras TEXT NOT NULL DEFAULT '{}'`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// DB exposes the connection for tests and the CLI.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Store implements Store. A duplicate id is silently ignored.
func (s *SQLiteStore) Store(ctx context.Context, r Record) error {
	return insertRecord(ctx, s.db, r, questionMark, "ON CONFLICT(id) DO NOTHING")
}

// BulkStore implements Store. The batch is written in one transaction.
func (s *SQLiteStore) BulkStore(ctx context.Context, rs []Record) error {
	return bulkInsert(ctx, s.db, rs, questionMark, "ON CONFLICT(id) DO NOTHING")
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	return getRecord(ctx, s.db, id, questionMark)
}

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	return queryRecords(ctx, s.db, f, questionMark)
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context, f Filter) (int, error) {
	return countRecords(ctx, s.db, f, questionMark)
}

// DeleteBefore implements Store.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	return deleteBefore(ctx, s.db, before, questionMark)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// The helpers below are shared by the database/sql backends, which differ
// only in placeholder style and conflict clause.

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertArgs(r Record) ([]any, error) {
	e, err := encodeRecord(r)
	if err != nil {
		return nil, fmt.Errorf("store record %s: %w", r.ID, err)
	}
	return []any{
		r.ID, r.ToolName, r.PrincipalID, r.TenantID, r.RequestID, r.TraceID,
		r.Timestamp.UnixNano(), r.DurationMS,
		e.inputs, e.outputs, e.decisions, e.rowCount, e.affected,
		r.Error, r.ErrorCode, string(r.Status()), e.extras,
	}, nil
}

func insertSQL(ph func(int) string, conflict string) string {
	q := "INSERT INTO audit_records (" + recordColumns + ") VALUES ("
	for i := 1; i <= 17; i++ {
		if i > 1 {
			q += ", "
		}
		q += ph(i)
	}
	return q + ") " + conflict
}

func insertRecord(ctx context.Context, db execQuerier, r Record, ph func(int) string, conflict string) error {
	args, err := insertArgs(r)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, insertSQL(ph, conflict), args...); err != nil {
		return fmt.Errorf("store record %s: %w", r.ID, err)
	}
	return nil
}

func bulkInsert(ctx context.Context, db *sql.DB, rs []Record, ph func(int) string, conflict string) error {
	if len(rs) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bulk store: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL(ph, conflict))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("bulk store: %w", err)
	}
	defer stmt.Close()
	for _, r := range rs {
		args, err := insertArgs(r)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("bulk store %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("bulk store: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		r      Record
		e      encoded
		ts     int64
		status string
	)
	err := row.Scan(&r.ID, &r.ToolName, &r.PrincipalID, &r.TenantID, &r.RequestID, &r.TraceID,
		&ts, &r.DurationMS, &e.inputs, &e.outputs, &e.decisions, &e.rowCount, &e.affected,
		&r.Error, &r.ErrorCode, &status, &e.extras)
	if err != nil {
		return r, err
	}
	r.Timestamp = time.Unix(0, ts).UTC()
	if err := decodeRecord(&r, e); err != nil {
		return r, fmt.Errorf("record %s: %w", r.ID, err)
	}
	return r, nil
}

func getRecord(ctx context.Context, db execQuerier, id string, ph func(int) string) (Record, error) {
	row := db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM audit_records WHERE id = "+ph(1), id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record %s: %w", id, err)
	}
	return r, nil
}

func queryRecords(ctx context.Context, db execQuerier, f Filter, ph func(int) string) ([]Record, error) {
	where, args := whereClause(f, ph)
	n := len(args)
	q := "SELECT " + recordColumns + " FROM audit_records" + where +
		" ORDER BY ts DESC, id DESC LIMIT " + ph(n+1) + " OFFSET " + ph(n+2)
	args = append(args, f.EffectiveLimit(), max(f.Offset, 0))

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("query records: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return out, nil
}

func countRecords(ctx context.Context, db execQuerier, f Filter, ph func(int) string) (int, error) {
	where, args := whereClause(f, ph)
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_records"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func deleteBefore(ctx context.Context, db execQuerier, before time.Time, ph func(int) string) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM audit_records WHERE ts < "+ph(1), before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete before: %w", err)
	}
	return res.RowsAffected()
}
