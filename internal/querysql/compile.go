// Package querysql compiles queryir plans to parameterized SQL.
//
// Values are always bound as parameters and never interpolated into the
// statement text. Identifiers are validated by queryir.Validate and then
// quoted for the target dialect. Every SELECT ends with an ORDER BY that
// includes the plan's key column.
package querysql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/querygate/internal/queryir"
)

// Dialect selects placeholder and quoting rules.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// ParseDialect maps a dialect or database/sql driver name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	default:
		return "", fmt.Errorf("unsupported SQL dialect %q", name)
	}
}

// SupportsReturning reports whether INSERT ... RETURNING is available.
func (d Dialect) SupportsReturning() bool {
	return d == SQLite || d == Postgres
}

// Statement is a compiled SQL statement.
type Statement struct {
	SQL    string
	Params []any

	// StatementTimeoutMS is carried through from the compiler options; the
	// executor applies it. Zero means no timeout.
	StatementTimeoutMS int
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithStatementTimeout sets the timeout stamped on every Statement.
func WithStatementTimeout(ms int) Option {
	return func(c *Compiler) { c.timeoutMS = ms }
}

// Compiler compiles queryir plans for one dialect. It holds no per-query
// state and is safe for concurrent use.
type Compiler struct {
	dialect   Dialect
	timeoutMS int
}

// NewCompiler creates a compiler for d.
func NewCompiler(d Dialect, opts ...Option) *Compiler {
	c := &Compiler{dialect: d}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dialect returns the compiler's dialect.
func (c *Compiler) Dialect() Dialect {
	return c.dialect
}

// Compile validates q and converts it to a parameterized statement.
func (c *Compiler) Compile(q queryir.Query) (Statement, error) {
	if err := queryir.Validate(q); err != nil {
		return Statement{}, err
	}

	b := &builder{dialect: c.dialect}
	var err error
	switch query := q.(type) {
	case queryir.Select:
		err = b.selectStmt(query)
	case *queryir.Select:
		err = b.selectStmt(*query)
	case queryir.Aggregate:
		err = b.aggregateStmt(query)
	case *queryir.Aggregate:
		err = b.aggregateStmt(*query)
	case queryir.Insert:
		b.insertStmt(query)
	case queryir.Update:
		err = b.updateStmt(query)
	case queryir.Delete:
		err = b.deleteStmt(query)
	default:
		err = fmt.Errorf("unsupported query type: %T", q)
	}
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: b.sb.String(), Params: b.params, StatementTimeoutMS: c.timeoutMS}, nil
}

// builder accumulates SQL text and parameters for one statement.
type builder struct {
	dialect Dialect
	sb      strings.Builder
	params  []any
}

func (b *builder) write(parts ...string) {
	for _, p := range parts {
		b.sb.WriteString(p)
	}
}

// bind records v and returns its placeholder.
func (b *builder) bind(v any) string {
	b.params = append(b.params, v)
	if b.dialect == Postgres {
		return "$" + strconv.Itoa(len(b.params))
	}
	return "?"
}

func (b *builder) quote(ident string) string {
	if b.dialect == MySQL {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

func (b *builder) selectStmt(q queryir.Select) error {
	cols := make([]string, len(q.Columns))
	for i, col := range q.Columns {
		cols[i] = b.quote(col.Name)
		if col.Alias != "" && col.Alias != col.Name {
			cols[i] += " AS " + b.quote(col.Alias)
		}
	}
	b.write("SELECT ", strings.Join(cols, ", "), " FROM ", b.quote(q.From))
	if err := b.where(q.Filter); err != nil {
		return err
	}
	b.write(" ORDER BY ", b.orderBy(q))
	if q.Limit > 0 {
		b.write(" LIMIT ", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		if q.Limit == 0 && b.dialect != Postgres {
			// SQLite and MySQL only accept OFFSET after a LIMIT.
			b.write(" LIMIT ", noLimit(b.dialect))
		}
		b.write(" OFFSET ", strconv.Itoa(q.Offset))
	}
	return nil
}

func noLimit(d Dialect) string {
	if d == MySQL {
		return "18446744073709551615"
	}
	return "-1"
}

// orderBy renders the plan's sort columns followed by the key column when
// it is not already present. SQLite sorts use BINARY collation.
func (b *builder) orderBy(q queryir.Select) string {
	order := q.OrderBy
	hasKey := false
	for _, o := range order {
		if o.Column == q.Key {
			hasKey = true
			break
		}
	}
	if !hasKey {
		order = append(append([]queryir.Order(nil), order...), queryir.Order{Column: q.Key})
	}

	parts := make([]string, len(order))
	for i, o := range order {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		col := b.quote(o.Column)
		if b.dialect == SQLite {
			col += " COLLATE BINARY"
		}
		// NULL sorts lowest everywhere; Postgres defaults to highest.
		if b.dialect == Postgres && o.Column != q.Key {
			if o.Desc {
				dir += " NULLS LAST"
			} else {
				dir += " NULLS FIRST"
			}
		}
		parts[i] = col + " " + dir
	}
	return strings.Join(parts, ", ")
}

func (b *builder) aggregateStmt(q queryir.Aggregate) error {
	expr := "COUNT(*)"
	if q.Column != "" {
		expr = string(q.Func) + "(" + b.quote(q.Column) + ")"
	}
	b.write("SELECT ", expr, " AS ", b.quote("value"), ", COUNT(*) AS ", b.quote("row_count"),
		" FROM ", b.quote(q.From))
	return b.where(q.Filter)
}

func (b *builder) insertStmt(q queryir.Insert) {
	cols := make([]string, len(q.Values))
	marks := make([]string, len(q.Values))
	for i, a := range q.Values {
		cols[i] = b.quote(a.Column)
		marks[i] = b.bind(a.Value)
	}
	b.write("INSERT INTO ", b.quote(q.Into), " (", strings.Join(cols, ", "), ") VALUES (", strings.Join(marks, ", "), ")")
	if q.Returning != "" && b.dialect.SupportsReturning() {
		b.write(" RETURNING ", b.quote(q.Returning))
	}
}

func (b *builder) updateStmt(q queryir.Update) error {
	sets := make([]string, len(q.Set))
	for i, a := range q.Set {
		sets[i] = b.quote(a.Column) + " = " + b.bind(a.Value)
	}
	b.write("UPDATE ", b.quote(q.Table), " SET ", strings.Join(sets, ", "))
	return b.where(q.Filter)
}

func (b *builder) deleteStmt(q queryir.Delete) error {
	b.write("DELETE FROM ", b.quote(q.From))
	return b.where(q.Filter)
}

func (b *builder) where(p queryir.Predicate) error {
	if p == nil {
		return nil
	}
	sql, err := b.predicate(p)
	if err != nil {
		return fmt.Errorf("compile filter: %w", err)
	}
	b.write(" WHERE ", sql)
	return nil
}

// predicate compiles p to a WHERE fragment, binding every value.
func (b *builder) predicate(p queryir.Predicate) (string, error) {
	switch pred := p.(type) {
	case queryir.Compare:
		return b.quote(pred.Column) + " " + string(pred.Op) + " " + b.bind(pred.Value), nil
	case queryir.In:
		marks := make([]string, len(pred.Values))
		for i, v := range pred.Values {
			marks[i] = b.bind(v)
		}
		op := " IN ("
		if pred.Negate {
			op = " NOT IN ("
		}
		return b.quote(pred.Column) + op + strings.Join(marks, ", ") + ")", nil
	case queryir.Between:
		low := b.bind(pred.Low)
		high := b.bind(pred.High)
		return b.quote(pred.Column) + " BETWEEN " + low + " AND " + high, nil
	case queryir.IsNull:
		if pred.Negate {
			return b.quote(pred.Column) + " IS NOT NULL", nil
		}
		return b.quote(pred.Column) + " IS NULL", nil
	case queryir.Like:
		return b.like(pred), nil
	case queryir.And:
		return b.junction(pred.Predicates, " AND ", "1 = 1")
	case queryir.Or:
		return b.junction(pred.Predicates, " OR ", "1 = 0")
	default:
		return "", fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// junction joins sub-predicates, parenthesizing nested junctions.
func (b *builder) junction(ps []queryir.Predicate, sep, empty string) (string, error) {
	if len(ps) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(ps))
	for _, p := range ps {
		sql, err := b.predicate(p)
		if err != nil {
			return "", err
		}
		switch p.(type) {
		case queryir.And, queryir.Or:
			sql = "(" + sql + ")"
		}
		parts = append(parts, sql)
	}
	return strings.Join(parts, sep), nil
}

// like escapes LIKE wildcards in the value with a backslash. MySQL already
// treats backslash as the LIKE escape character.
func (b *builder) like(l queryir.Like) string {
	v := likeEscaper.Replace(l.Value)
	switch l.Mode {
	case queryir.LikePrefix:
		v += "%"
	case queryir.LikeSuffix:
		v = "%" + v
	default:
		v = "%" + v + "%"
	}
	sql := b.quote(l.Column) + " LIKE " + b.bind(v)
	if b.dialect != MySQL {
		sql += ` ESCAPE '\'`
	}
	return sql
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
