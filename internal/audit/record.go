// Package audit records one immutable fact per tool execution and replays
// recorded calls to detect drift and non-determinism.
//
// Records are append-only: stores insert them idempotently by id and only
// retention cleanup (DeleteBefore) ever removes them.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is derived from whether a record carries an error.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Record is the audit fact for one tool execution.
type Record struct {
	ID              string         `json:"id"`
	ToolName        string         `json:"tool_name"`
	PrincipalID     string         `json:"principal_id"`
	TenantID        string         `json:"tenant_id"`
	RequestID       string         `json:"request_id,omitempty"`
	TraceID         string         `json:"trace_id,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	DurationMS      float64        `json:"duration_ms"`
	Inputs          map[string]any `json:"inputs"`
	Outputs         any            `json:"outputs,omitempty"`
	PolicyDecisions []string       `json:"policy_decisions"`
	RowCount        *int           `json:"row_count,omitempty"`
	AffectedRows    *int64         `json:"affected_rows,omitempty"`
	Error           string         `json:"error,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	Before          map[string]any `json:"before,omitempty"`
	After           map[string]any `json:"after,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Status reports success unless the record carries an error.
func (r Record) Status() Status {
	if r.Error != "" || r.ErrorCode != "" {
		return StatusError
	}
	return StatusSuccess
}

// NewID returns a time-ordered record id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// DefaultLimit caps Query results when a Filter sets no limit.
const DefaultLimit = 100

// Filter selects records. Zero fields do not constrain. Start is
// inclusive and End exclusive.
type Filter struct {
	TenantID    string
	PrincipalID string
	ToolName    string
	Start       time.Time
	End         time.Time
	Limit       int
	Offset      int
}

// EffectiveLimit applies DefaultLimit.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	return f.Limit
}

// Matches reports whether r passes f, ignoring pagination.
func (f Filter) Matches(r Record) bool {
	switch {
	case f.TenantID != "" && r.TenantID != f.TenantID:
		return false
	case f.PrincipalID != "" && r.PrincipalID != f.PrincipalID:
		return false
	case f.ToolName != "" && r.ToolName != f.ToolName:
		return false
	case !f.Start.IsZero() && r.Timestamp.Before(f.Start):
		return false
	case !f.End.IsZero() && !r.Timestamp.Before(f.End):
		return false
	}
	return true
}

// ErrUnsupported is returned by stores that cannot perform an operation,
// such as deleting from an append-only backend.
var ErrUnsupported = errors.New("audit: operation not supported by this store")

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("audit: record not found")

// Store persists audit records. Store is idempotent by record id. Query
// returns newest first.
type Store interface {
	Store(ctx context.Context, r Record) error
	BulkStore(ctx context.Context, rs []Record) error
	Get(ctx context.Context, id string) (Record, error)
	Query(ctx context.Context, f Filter) ([]Record, error)
	Count(ctx context.Context, f Filter) (int, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
