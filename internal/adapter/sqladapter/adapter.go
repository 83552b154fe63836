// Package sqladapter is the reference adapter.Adapter for database/sql
// backends: SQLite, Postgres and MySQL.
//
// Compilation delegates to the planner and querysql; this package owns
// introspection, statement execution, row normalization, include loading,
// pagination tokens, guarded mutations and transactions.
package sqladapter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/querygate/internal/adapter"
	"github.com/roach88/querygate/internal/cursor"
	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/planner"
	"github.com/roach88/querygate/internal/policy"
	"github.com/roach88/querygate/internal/querysql"
	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/schema"
)

var (
	_ adapter.Adapter = (*Adapter)(nil)
	_ adapter.Mutator = (*Adapter)(nil)
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithCodec sets the cursor codec used for next-page tokens.
func WithCodec(c *cursor.Codec) Option {
	return func(a *Adapter) { a.codec = c }
}

// WithPagination selects keyset or offset cursors.
func WithPagination(mode planner.Pagination) Option {
	return func(a *Adapter) { a.pagination = mode }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithSchemaName restricts Postgres introspection to one schema. The
// default is "public". MySQL always uses the connection's database.
func WithSchemaName(name string) Option {
	return func(a *Adapter) { a.schemaName = name }
}

// WithModelNames maps table names to model names during introspection.
// Tables missing from the map keep their table name.
func WithModelNames(m map[string]string) Option {
	return func(a *Adapter) { a.modelNames = m }
}

// Adapter executes plans against one *sql.DB.
type Adapter struct {
	db         *sql.DB
	dialect    querysql.Dialect
	codec      *cursor.Codec
	pagination planner.Pagination
	logger     *zap.Logger
	schemaName string
	modelNames map[string]string
}

// New wraps an open database handle.
func New(db *sql.DB, dialect querysql.Dialect, opts ...Option) *Adapter {
	a := &Adapter{
		db:         db,
		dialect:    dialect,
		codec:      cursor.NewCodec(nil),
		pagination: planner.PaginateKeyset,
		logger:     zap.NewNop(),
		schemaName: "public",
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Open opens a database by dialect name ("sqlite3", "postgres" or "pgx",
// "mysql") through the matching registered database/sql driver and wraps
// it. SQLite connections get foreign keys and
// a busy timeout.
func Open(driver, dsn string, opts ...Option) (*Adapter, error) {
	dialect, err := querysql.ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if dialect == querysql.SQLite {
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
			}
		}
	}
	return New(db, dialect, opts...), nil
}

// driverName is the database/sql registration for a dialect. Callers
// blank-import the drivers they need.
func driverName(d querysql.Dialect) string {
	switch d {
	case querysql.Postgres:
		return "pgx"
	case querysql.MySQL:
		return "mysql"
	default:
		return "sqlite3"
	}
}

// Name implements adapter.Adapter.
func (a *Adapter) Name() string {
	return "sql:" + string(a.dialect)
}

// Dialect returns the SQL dialect.
func (a *Adapter) Dialect() querysql.Dialect {
	return a.dialect
}

// DB returns the underlying handle.
func (a *Adapter) DB() *sql.DB {
	return a.db
}

// Close closes the underlying handle.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// Transaction implements adapter.Adapter. The run context handed to fn is
// bound to the transaction, so adapter calls made with it join it.
func (a *Adapter) Transaction(ctx context.Context, rc runctx.RunContext, fn func(ctx context.Context, rc runctx.RunContext) error) (err error) {
	if _, ok := rc.DB.(*sql.Tx); ok {
		return fn(ctx, rc)
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.CodeAdapter, err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				a.logger.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(ctx, rc.WithDB(tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return errs.Wrap(errs.CodeAdapter, err, "commit transaction")
	}
	return nil
}

// conn picks the transaction bound to rc, falling back to the pool.
func (a *Adapter) conn(rc runctx.RunContext) querier {
	switch h := rc.DB.(type) {
	case *sql.Tx:
		return h
	case *sql.DB:
		return h
	}
	return a.db
}

func (a *Adapter) planner(p *policy.Policy, meta *schema.Metadata) *planner.Planner {
	return planner.New(p, meta, planner.WithCodec(a.codec), planner.WithPagination(a.pagination))
}

// withTimeout applies a statement timeout as a context deadline.
func withTimeout(ctx context.Context, ms int) (context.Context, context.CancelFunc) {
	if ms <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
}

// dbError categorizes an execution failure. Deadline expiry is reported as
// a budget failure because it is the statement timeout firing.
func dbError(ctx context.Context, err error, stmt querysql.Statement) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errs.Wrap(errs.CodeQueryBudgetExceeded, err, "statement timed out").
			With("budget_type", "statement_timeout_ms").
			With("limit", stmt.StatementTimeoutMS)
	}
	return errs.Wrap(errs.CodeAdapter, err, "statement failed")
}
