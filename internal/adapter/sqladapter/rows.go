package sqladapter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/querygate/internal/querysql"
)

// fetch runs a compiled SELECT and returns its rows keyed by result column
// name, with driver values normalized.
func (a *Adapter) fetch(ctx context.Context, q querier, stmt querysql.Statement) ([]map[string]any, error) {
	ctx, cancel := withTimeout(ctx, stmt.StatementTimeoutMS)
	defer cancel()

	rows, err := q.QueryContext(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return nil, dbError(ctx, err, stmt)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, dbError(ctx, err, stmt)
	}
	return out, nil
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalize(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalize maps driver values onto the JSON-friendly set used across
// results, cursors and audit records.
func normalize(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return int64(val)
	case float32:
		return float64(val)
	}
	return v
}

// groupKey gives equal key values the same map key regardless of how the
// driver typed them.
func groupKey(v any) string {
	return fmt.Sprint(normalize(v))
}

// strip returns row without the hidden fields.
func strip(row map[string]any, hidden []string) map[string]any {
	if len(hidden) == 0 {
		return row
	}
	for _, h := range hidden {
		delete(row, h)
	}
	return row
}
