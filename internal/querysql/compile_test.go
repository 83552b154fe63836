package querysql

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/querygate/internal/queryir"
)

// keysetPage is a tenant-scoped second page ordered by created_at desc with
// an id tie-break.
func keysetPage() queryir.Select {
	return queryir.Select{
		From: "orders",
		Columns: []queryir.Column{
			{Name: "id"},
			{Name: "status"},
			{Name: "total_cents", Alias: "total"},
		},
		Filter: queryir.And{Predicates: []queryir.Predicate{
			queryir.Compare{Column: "tenant_id", Op: queryir.OpEq, Value: "acme"},
			queryir.IsNull{Column: "deleted_at"},
			queryir.In{Column: "status", Values: []any{"paid", "shipped"}},
			queryir.Like{Column: "note", Mode: queryir.LikeContains, Value: "50%_off"},
			queryir.Or{Predicates: []queryir.Predicate{
				queryir.Compare{Column: "created_at", Op: queryir.OpLt, Value: "2024-01-01"},
				queryir.And{Predicates: []queryir.Predicate{
					queryir.Compare{Column: "created_at", Op: queryir.OpEq, Value: "2024-01-01"},
					queryir.Compare{Column: "id", Op: queryir.OpLt, Value: int64(42)},
				}},
			}},
		}},
		OrderBy: []queryir.Order{{Column: "created_at", Desc: true}, {Column: "id", Desc: true}},
		Key:     "id",
		Limit:   26,
	}
}

func render(t *testing.T, stmt Statement) []byte {
	t.Helper()
	params, err := json.Marshal(stmt.Params)
	require.NoError(t, err)
	return []byte(stmt.SQL + "\n-- params: " + string(params) + "\n")
}

func assertGolden(t *testing.T, name string, stmt Statement) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, render(t, stmt))
}

func TestCompile_SelectGolden(t *testing.T) {
	for _, d := range []Dialect{SQLite, Postgres, MySQL} {
		t.Run(string(d), func(t *testing.T) {
			stmt, err := NewCompiler(d).Compile(keysetPage())
			require.NoError(t, err)
			assertGolden(t, "select_"+string(d), stmt)
		})
	}
}

func TestCompile_AggregateGolden(t *testing.T) {
	agg := queryir.Aggregate{
		From:   "orders",
		Func:   queryir.AggSum,
		Column: "total_cents",
		Filter: queryir.And{Predicates: []queryir.Predicate{
			queryir.Compare{Column: "tenant_id", Op: queryir.OpEq, Value: "acme"},
			queryir.Between{Column: "created_at", Low: "2024-01-01", High: "2024-12-31"},
		}},
	}
	stmt, err := NewCompiler(Postgres).Compile(agg)
	require.NoError(t, err)
	assertGolden(t, "aggregate_postgres", stmt)
}

func TestCompile_NoStringInterpolation(t *testing.T) {
	dangerous := "'; DROP TABLE orders; --"
	sel := queryir.Select{
		From:    "orders",
		Columns: []queryir.Column{{Name: "id"}},
		Filter:  queryir.Compare{Column: "status", Op: queryir.OpEq, Value: dangerous},
		Key:     "id",
	}

	for _, d := range []Dialect{SQLite, Postgres, MySQL} {
		stmt, err := NewCompiler(d).Compile(sel)
		require.NoError(t, err)
		assert.NotContains(t, stmt.SQL, dangerous, "value must not be interpolated")
		assert.Equal(t, []any{dangerous}, stmt.Params)
	}
}

func TestCompile_KeyTieBreakAppended(t *testing.T) {
	sel := queryir.Select{
		From:    "orders",
		Columns: []queryir.Column{{Name: "id"}},
		OrderBy: []queryir.Order{{Column: "total"}},
		Key:     "id",
	}
	stmt, err := NewCompiler(Postgres).Compile(sel)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id" FROM "orders" ORDER BY "total" ASC NULLS FIRST, "id" ASC`, stmt.SQL)
	assert.Empty(t, stmt.Params)

	sel.OrderBy = nil
	stmt, err = NewCompiler(SQLite).Compile(sel)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id" FROM "orders" ORDER BY "id" COLLATE BINARY ASC`, stmt.SQL)
}

func TestCompile_DoesNotMutatePlanOrder(t *testing.T) {
	order := make([]queryir.Order, 1, 4)
	order[0] = queryir.Order{Column: "total"}
	sel := queryir.Select{From: "orders", Columns: []queryir.Column{{Name: "id"}}, OrderBy: order, Key: "id"}

	_, err := NewCompiler(MySQL).Compile(sel)
	require.NoError(t, err)
	assert.Len(t, sel.OrderBy, 1)
	assert.Equal(t, queryir.Order{}, order[:2][1])
}

func TestCompile_Offset(t *testing.T) {
	sel := queryir.Select{From: "orders", Columns: []queryir.Column{{Name: "id"}}, Key: "id", Limit: 10, Offset: 20}
	stmt, err := NewCompiler(MySQL).Compile(sel)
	require.NoError(t, err)
	assert.Equal(t, "SELECT `id` FROM `orders` ORDER BY `id` ASC LIMIT 10 OFFSET 20", stmt.SQL)

	sel.Limit = 0
	stmt, err = NewCompiler(SQLite).Compile(sel)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id" FROM "orders" ORDER BY "id" COLLATE BINARY ASC LIMIT -1 OFFSET 20`, stmt.SQL)

	stmt, err = NewCompiler(Postgres).Compile(sel)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id" FROM "orders" ORDER BY "id" ASC OFFSET 20`, stmt.SQL)
}

func TestCompile_Predicates(t *testing.T) {
	tests := []struct {
		name   string
		filter queryir.Predicate
		sql    string
		params []any
	}{
		{"not in", queryir.In{Column: "a", Values: []any{int64(1), int64(2)}, Negate: true}, `"a" NOT IN ($1, $2)`, []any{int64(1), int64(2)}},
		{"is not null", queryir.IsNull{Column: "a", Negate: true}, `"a" IS NOT NULL`, nil},
		{"prefix", queryir.Like{Column: "a", Mode: queryir.LikePrefix, Value: `x\y`}, `"a" LIKE $1 ESCAPE '\'`, []any{`x\\y%`}},
		{"suffix", queryir.Like{Column: "a", Mode: queryir.LikeSuffix, Value: "z"}, `"a" LIKE $1 ESCAPE '\'`, []any{"%z"}},
		{"empty and", queryir.And{}, "1 = 1", nil},
		{"empty or", queryir.Or{}, "1 = 0", nil},
		{"ne", queryir.Compare{Column: "a", Op: queryir.OpNe, Value: true}, `"a" <> $1`, []any{true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt, err := NewCompiler(Postgres).Compile(queryir.Delete{From: "t", Filter: tt.filter})
			require.NoError(t, err)
			assert.Equal(t, `DELETE FROM "t" WHERE `+tt.sql, stmt.SQL)
			assert.Equal(t, tt.params, stmt.Params)
		})
	}
}

func TestCompile_CountAggregate(t *testing.T) {
	stmt, err := NewCompiler(SQLite).Compile(queryir.Aggregate{From: "orders", Func: queryir.AggCount})
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT(*) AS "value", COUNT(*) AS "row_count" FROM "orders"`, stmt.SQL)
}

func TestCompile_Insert(t *testing.T) {
	ins := queryir.Insert{
		Into:      "orders",
		Values:    []queryir.Assignment{{Column: "status", Value: "new"}, {Column: "tenant_id", Value: "acme"}},
		Returning: "id",
	}

	stmt, err := NewCompiler(Postgres).Compile(ins)
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "orders" ("status", "tenant_id") VALUES ($1, $2) RETURNING "id"`, stmt.SQL)
	assert.Equal(t, []any{"new", "acme"}, stmt.Params)

	stmt, err = NewCompiler(MySQL).Compile(ins)
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO `orders` (`status`, `tenant_id`) VALUES (?, ?)", stmt.SQL)
}

func TestCompile_Update(t *testing.T) {
	upd := queryir.Update{
		Table: "orders",
		Set:   []queryir.Assignment{{Column: "status", Value: "paid"}},
		Filter: queryir.And{Predicates: []queryir.Predicate{
			queryir.Compare{Column: "tenant_id", Op: queryir.OpEq, Value: "acme"},
			queryir.Compare{Column: "id", Op: queryir.OpEq, Value: int64(7)},
		}},
	}
	stmt, err := NewCompiler(Postgres).Compile(upd)
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "orders" SET "status" = $1 WHERE "tenant_id" = $2 AND "id" = $3`, stmt.SQL)
	assert.Equal(t, []any{"paid", "acme", int64(7)}, stmt.Params)
}

func TestCompile_InvalidPlan(t *testing.T) {
	_, err := NewCompiler(SQLite).Compile(queryir.Delete{From: "orders"})
	require.Error(t, err)
	var ve *queryir.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = NewCompiler(SQLite).Compile(nil)
	assert.Error(t, err)
}

func TestCompile_StatementTimeoutCarried(t *testing.T) {
	c := NewCompiler(Postgres, WithStatementTimeout(2000))
	stmt, err := c.Compile(queryir.Aggregate{From: "orders", Func: queryir.AggCount})
	require.NoError(t, err)
	assert.Equal(t, 2000, stmt.StatementTimeoutMS)
	assert.Equal(t, Postgres, c.Dialect())
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{
		"sqlite3":    SQLite,
		"SQLite":     SQLite,
		"pgx":        Postgres,
		"postgresql": Postgres,
		"mysql":      MySQL,
	} {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDialect("oracle")
	assert.Error(t, err)

	assert.True(t, SQLite.SupportsReturning())
	assert.False(t, MySQL.SupportsReturning())
}
