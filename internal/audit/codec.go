package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/querygate/internal/canon"
)

// extras holds the fields added after the first schema version. They are
// stored together in one JSON column so later additions need no migration.
type extras struct {
	Before   map[string]any `json:"before,omitempty"`
	After    map[string]any `json:"after,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// encoded is a record flattened into column values.
type encoded struct {
	inputs    string
	outputs   sql.NullString
	decisions string
	extras    string
	rowCount  sql.NullInt64
	affected  sql.NullInt64
}

func encodeRecord(r Record) (encoded, error) {
	var e encoded
	inputs := r.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	b, err := marshalJSON(inputs)
	if err != nil {
		return e, fmt.Errorf("encode inputs: %w", err)
	}
	e.inputs = b

	if r.Outputs != nil {
		b, err := marshalJSON(r.Outputs)
		if err != nil {
			return e, fmt.Errorf("encode outputs: %w", err)
		}
		e.outputs = sql.NullString{String: b, Valid: true}
	}

	decisions := r.PolicyDecisions
	if decisions == nil {
		decisions = []string{}
	}
	if e.decisions, err = marshalJSON(decisions); err != nil {
		return e, fmt.Errorf("encode decisions: %w", err)
	}
	if e.extras, err = marshalJSON(extras{Before: r.Before, After: r.After, Reason: r.Reason, Metadata: r.Metadata}); err != nil {
		return e, fmt.Errorf("encode extras: %w", err)
	}
	if r.RowCount != nil {
		e.rowCount = sql.NullInt64{Int64: int64(*r.RowCount), Valid: true}
	}
	if r.AffectedRows != nil {
		e.affected = sql.NullInt64{Int64: *r.AffectedRows, Valid: true}
	}
	return e, nil
}

// marshalJSON prefers canonical JSON and falls back to encoding/json for
// values canonical encoding rejects, such as structs with custom
// marshalers.
func marshalJSON(v any) (string, error) {
	if b, err := canon.MarshalCanonical(v); err == nil {
		return string(b), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeRecord(r *Record, e encoded) error {
	if err := json.Unmarshal([]byte(e.inputs), &r.Inputs); err != nil {
		return fmt.Errorf("decode inputs: %w", err)
	}
	if e.outputs.Valid {
		if err := json.Unmarshal([]byte(e.outputs.String), &r.Outputs); err != nil {
			return fmt.Errorf("decode outputs: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(e.decisions), &r.PolicyDecisions); err != nil {
		return fmt.Errorf("decode decisions: %w", err)
	}
	if e.extras != "" {
		var x extras
		if err := json.Unmarshal([]byte(e.extras), &x); err != nil {
			return fmt.Errorf("decode extras: %w", err)
		}
		r.Before, r.After, r.Reason, r.Metadata = x.Before, x.After, x.Reason, x.Metadata
	}
	if e.rowCount.Valid {
		n := int(e.rowCount.Int64)
		r.RowCount = &n
	}
	if e.affected.Valid {
		n := e.affected.Int64
		r.AffectedRows = &n
	}
	return nil
}

// whereClause renders a Filter as a parameterized WHERE clause. ph returns
// the placeholder for the n-th parameter, starting at 1. Timestamps are
// compared as unix nanoseconds.
func whereClause(f Filter, ph func(n int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, cond+" "+ph(len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id =", f.TenantID)
	}
	if f.PrincipalID != "" {
		add("principal_id =", f.PrincipalID)
	}
	if f.ToolName != "" {
		add("tool_name =", f.ToolName)
	}
	if !f.Start.IsZero() {
		add("ts >=", f.Start.UnixNano())
	}
	if !f.End.IsZero() {
		add("ts <", f.End.UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }
