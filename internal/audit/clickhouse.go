package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// clickhouseSchema uses ReplacingMergeTree keyed by id so a record written
// twice collapses to one row. Reads use FINAL to see the collapsed view.
const clickhouseSchema = `CREATE TABLE IF NOT EXISTS audit_records (
    id               String,
    tool_name        LowCardinality(String),
    principal_id     String,
    tenant_id        String,
    request_id       String,
    trace_id         String,
    ts               DateTime64(9, 'UTC'),
    duration_ms      Float64,
    inputs           String,
    outputs          Nullable(String),
    policy_decisions String,
    row_count        Nullable(Int64),
    affected_rows    Nullable(Int64),
    error            String,
    error_code       LowCardinality(String),
    status           LowCardinality(String),
    extras           String
) ENGINE = ReplacingMergeTree
ORDER BY (tenant_id, id)`

// ClickHouseStore appends records to ClickHouse. The table is append-only
// so DeleteBefore is unsupported; retention belongs to a table TTL.
type ClickHouseStore struct {
	conn driver.Conn
}

// OpenClickHouse connects to dsn and creates the table.
func OpenClickHouse(ctx context.Context, dsn string) (*ClickHouseStore, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, clickhouseSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &ClickHouseStore{conn: conn}, nil
}

// NewClickHouseStore wraps an existing connection. The table must exist.
func NewClickHouseStore(conn driver.Conn) *ClickHouseStore {
	return &ClickHouseStore{conn: conn}
}

// Store implements Store.
func (s *ClickHouseStore) Store(ctx context.Context, r Record) error {
	return s.BulkStore(ctx, []Record{r})
}

// BulkStore implements Store with a single batch insert.
func (s *ClickHouseStore) BulkStore(ctx context.Context, rs []Record) error {
	if len(rs) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO audit_records ("+recordColumns+")")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range rs {
		e, err := encodeRecord(r)
		if err != nil {
			batch.Abort()
			return fmt.Errorf("store record %s: %w", r.ID, err)
		}
		if err := batch.Append(
			r.ID, r.ToolName, r.PrincipalID, r.TenantID, r.RequestID, r.TraceID,
			r.Timestamp.UTC(), r.DurationMS,
			e.inputs, nullString(e.outputs), e.decisions, nullInt(e.rowCount), nullInt(e.affected),
			r.Error, r.ErrorCode, string(r.Status()), e.extras,
		); err != nil {
			batch.Abort()
			return fmt.Errorf("append record %s: %w", r.ID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

// clickhouseWhere renders a Filter with named parameters.
func clickhouseWhere(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.TenantID != "" {
		conds = append(conds, "tenant_id = @tenant_id")
		args = append(args, clickhouse.Named("tenant_id", f.TenantID))
	}
	if f.PrincipalID != "" {
		conds = append(conds, "principal_id = @principal_id")
		args = append(args, clickhouse.Named("principal_id", f.PrincipalID))
	}
	if f.ToolName != "" {
		conds = append(conds, "tool_name = @tool_name")
		args = append(args, clickhouse.Named("tool_name", f.ToolName))
	}
	if !f.Start.IsZero() {
		conds = append(conds, "ts >= @start_time")
		args = append(args, clickhouse.Named("start_time", f.Start.UTC()))
	}
	if !f.End.IsZero() {
		conds = append(conds, "ts < @end_time")
		args = append(args, clickhouse.Named("end_time", f.End.UTC()))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type chRow interface {
	Scan(dest ...any) error
}

func scanClickHouse(row chRow) (Record, error) {
	var (
		r        Record
		e        encoded
		outputs  *string
		rowCount *int64
		affected *int64
		status   string
	)
	err := row.Scan(&r.ID, &r.ToolName, &r.PrincipalID, &r.TenantID, &r.RequestID, &r.TraceID,
		&r.Timestamp, &r.DurationMS, &e.inputs, &outputs, &e.decisions, &rowCount, &affected,
		&r.Error, &r.ErrorCode, &status, &e.extras)
	if err != nil {
		return r, err
	}
	r.Timestamp = r.Timestamp.UTC()
	if outputs != nil {
		e.outputs = sql.NullString{String: *outputs, Valid: true}
	}
	if rowCount != nil {
		e.rowCount = sql.NullInt64{Int64: *rowCount, Valid: true}
	}
	if affected != nil {
		e.affected = sql.NullInt64{Int64: *affected, Valid: true}
	}
	if err := decodeRecord(&r, e); err != nil {
		return r, fmt.Errorf("record %s: %w", r.ID, err)
	}
	return r, nil
}

// Get implements Store.
func (s *ClickHouseStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.conn.QueryRow(ctx,
		"SELECT "+recordColumns+" FROM audit_records FINAL WHERE id = @id LIMIT 1",
		clickhouse.Named("id", id))
	r, err := scanClickHouse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record %s: %w", id, err)
	}
	return r, nil
}

// Query implements Store.
func (s *ClickHouseStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	where, args := clickhouseWhere(f)
	args = append(args,
		clickhouse.Named("limit", uint32(f.EffectiveLimit())),
		clickhouse.Named("offset", uint32(max(f.Offset, 0))),
	)
	rows, err := s.conn.Query(ctx,
		"SELECT "+recordColumns+" FROM audit_records FINAL"+where+
			" ORDER BY ts DESC, id DESC LIMIT @limit OFFSET @offset", args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		r, err := scanClickHouse(rows)
		if err != nil {
			return nil, fmt.Errorf("query records: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count implements Store.
func (s *ClickHouseStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := clickhouseWhere(f)
	var n uint64
	if err := s.conn.QueryRow(ctx, "SELECT count() FROM audit_records FINAL"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return int(n), nil
}

// DeleteBefore is unsupported.
func (s *ClickHouseStore) DeleteBefore(context.Context, time.Time) (int64, error) {
	return 0, ErrUnsupported
}

// Close implements Store.
func (s *ClickHouseStore) Close() error { return s.conn.Close() }
