package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// postgresSchema mirrors schema.sql with native types. JSON columns are
// JSONB so records can be queried in place.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_records (
    id               TEXT PRIMARY KEY,
    tool_name        TEXT NOT NULL,
    principal_id     TEXT NOT NULL,
    tenant_id        TEXT NOT NULL,
    request_id       TEXT NOT NULL DEFAULT '',
    trace_id         TEXT NOT NULL DEFAULT '',
    ts               BIGINT NOT NULL,
    duration_ms      DOUBLE PRECISION NOT NULL,
    inputs           JSONB NOT NULL,
    outputs          JSONB,
    policy_decisions JSONB NOT NULL,
    row_count        BIGINT,
    affected_rows    BIGINT,
    error            TEXT NOT NULL DEFAULT '',
    error_code       TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL,
    extras           JSONB NOT NULL DEFAULT '{}'
)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_tenant_ts ON audit_records(tenant_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_tool_ts ON audit_records(tool_name, ts)`,
}

// PostgresStore persists records in Postgres through database/sql.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with the pgx driver and creates the table.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	s, err := NewPostgresStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing connection pool, pinging it and
// creating the table if needed.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("connect audit database: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &PostgresStore{db: db}, nil
}

const postgresConflict = "ON CONFLICT (id) DO NOTHING"

// Store implements Store.
func (s *PostgresStore) Store(ctx context.Context, r Record) error {
	return insertRecord(ctx, s.db, r, dollar, postgresConflict)
}

// BulkStore implements Store.
func (s *PostgresStore) BulkStore(ctx context.Context, rs []Record) error {
	return bulkInsert(ctx, s.db, rs, dollar, postgresConflict)
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	return getRecord(ctx, s.db, id, dollar)
}

// Query implements Store.
func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	return queryRecords(ctx, s.db, f, dollar)
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context, f Filter) (int, error) {
	return countRecords(ctx, s.db, f, dollar)
}

// DeleteBefore implements Store.
func (s *PostgresStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	return deleteBefore(ctx, s.db, before, dollar)
}

// Close implements Store.
func (s *PostgresStore) Close() error { return s.db.Close() }
