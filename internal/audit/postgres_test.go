package audit

import (
	"context"
	"database/sql/driver"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectPing()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_audit_tenant_ts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_audit_tool_ts").WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := NewPostgresStore(context.Background(), db)
	require.NoError(t, err)
	return s, mock
}

var pgColumns = []string{
	"id", "tool_name", "principal_id", "tenant_id", "request_id", "trace_id", "ts", "duration_ms",
	"inputs", "outputs", "policy_decisions", "row_count", "affected_rows", "error", "error_code", "status", "extras",
}

func pgRow(id string) []driver.Value {
	return []driver.Value{
		id, "query", "u1", "acme", "req-1", "", base.UnixNano(), 2.5,
		`{"model":"Order"}`, `{"has_more":false}`, `["scope:tenant_id"]`, int64(3), nil, "", "", "success", `{}`,
	}
}

func TestPostgresStore_Store(t *testing.T) {
	s, mock := newMockPostgres(t)
	r := record("a1", "acme", "query", 0)

	mock.ExpectExec(`INSERT INTO audit_records .* VALUES \(\$1, \$2, .*\$17\) ON CONFLICT \(id\) DO NOTHING`).
		WithArgs("a1", "query", "u-acme", "acme", "req-a1", "", base.UnixNano(), 1.5,
			`{"model":"Order","take":2}`, sqlmock.AnyArg(), `["model:Order:allowed","scope:tenant_id"]`,
			sqlmock.AnyArg(), sqlmock.AnyArg(), "", "", "success", `{}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Store(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BulkStoreUsesOneTransaction(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO audit_records")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.BulkStore(context.Background(), []Record{
		record("a1", "acme", "query", 0),
		record("a2", "acme", "query", 0),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT .* FROM audit_records WHERE id = \$1`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows(pgColumns).AddRow(pgRow("a1")...))

	got, err := s.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, base, got.Timestamp)
	assert.Equal(t, map[string]any{"model": "Order"}, got.Inputs)
	assert.Equal(t, []string{"scope:tenant_id"}, got.PolicyDecisions)
	require.NotNil(t, got.RowCount)
	assert.Equal(t, 3, *got.RowCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMissing(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery(`SELECT .* FROM audit_records WHERE id = \$1`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(pgColumns))

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_QueryPlaceholders(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(`FROM audit_records WHERE tenant_id = \$1 AND tool_name = \$2 ORDER BY ts DESC, id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("acme", "query", 10, 5).
		WillReturnRows(sqlmock.NewRows(pgColumns).AddRow(pgRow("a2")...).AddRow(pgRow("a1")...))

	got, err := s.Query(context.Background(), Filter{TenantID: "acme", ToolName: "query", Limit: 10, Offset: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "a1"}, ids(got))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountAndDelete(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_records WHERE ts >= \$1`).
		WithArgs(base.UnixNano()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectExec(`DELETE FROM audit_records WHERE ts < \$1`).
		WithArgs(base.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.Count(context.Background(), Filter{Start: base})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	deleted, err := s.DeleteBefore(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
