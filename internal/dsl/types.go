// Package dsl defines the bounded query language agents use instead of SQL.
//
// Every request type is a plain value produced by one of the Parse functions;
// a request that exists has already passed structural validation (field-name
// hygiene, operator enumeration, take bounds). Policy checks happen later, in
// the planner, against a request that is known to be well formed.
package dsl

import "strings"

// Take bounds for queries and includes.
const (
	DefaultTake = 25
	MinTake     = 1
	MaxTake     = 100
)

// FilterOp is a comparison operator in a FilterClause.
type FilterOp string

const (
	OpEq         FilterOp = "eq"
	OpNe         FilterOp = "ne"
	OpLt         FilterOp = "lt"
	OpLte        FilterOp = "lte"
	OpGt         FilterOp = "gt"
	OpGte        FilterOp = "gte"
	OpIn         FilterOp = "in"
	OpNotIn      FilterOp = "not_in"
	OpIsNull     FilterOp = "is_null"
	OpContains   FilterOp = "contains"
	OpStartsWith FilterOp = "startswith"
	OpEndsWith   FilterOp = "endswith"
	OpBetween    FilterOp = "between"
)

// FilterOps lists every operator in declaration order.
var FilterOps = []FilterOp{
	OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpIn, OpNotIn,
	OpIsNull, OpContains, OpStartsWith, OpEndsWith, OpBetween,
}

// ParseFilterOp case-normalizes s and checks it against FilterOps.
func ParseFilterOp(s string) (FilterOp, bool) {
	op := FilterOp(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range FilterOps {
		if op == known {
			return op, true
		}
	}
	return "", false
}

// IsStringOp reports whether op is a substring match.
func (op FilterOp) IsStringOp() bool {
	return op == OpContains || op == OpStartsWith || op == OpEndsWith
}

// IsListOp reports whether op takes a list value.
func (op FilterOp) IsListOp() bool {
	return op == OpIn || op == OpNotIn
}

// SortDirection orders an OrderClause.
type SortDirection string

const (
	Asc  SortDirection = "asc"
	Desc SortDirection = "desc"
)

// AggregateOp is the operation of an AggregateRequest.
type AggregateOp string

const (
	AggCount AggregateOp = "count"
	AggSum   AggregateOp = "sum"
	AggAvg   AggregateOp = "avg"
	AggMin   AggregateOp = "min"
	AggMax   AggregateOp = "max"
)

// AggregateOps is the complete set of supported aggregate operations.
var AggregateOps = []AggregateOp{AggCount, AggSum, AggAvg, AggMin, AggMax}

// FilterClause is one predicate on a model field.
//
// Value shape depends on Op: a list for in/not_in, a two-element list for
// between, a boolean (default true) for is_null, a string for the substring
// operators, and a scalar otherwise.
type FilterClause struct {
	Field string   `json:"field"`
	Op    FilterOp `json:"op"`
	Value any      `json:"value,omitempty"`
}

// OrderClause sorts results by one field.
type OrderClause struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction"`
}

// IncludeClause loads a related model alongside each result row.
type IncludeClause struct {
	Relation string         `json:"relation"`
	Select   []string       `json:"select,omitempty"`
	Where    []FilterClause `json:"where,omitempty"`
	Take     int            `json:"take"`
}

// QueryRequest lists rows of a model.
type QueryRequest struct {
	Model   string          `json:"model"`
	Select  []string        `json:"select,omitempty"`
	Where   []FilterClause  `json:"where,omitempty"`
	OrderBy []OrderClause   `json:"order_by,omitempty"`
	Include []IncludeClause `json:"include,omitempty"`
	Take    int             `json:"take"`
	Cursor  string          `json:"cursor,omitempty"`
}

// GetRequest fetches one row by primary key.
type GetRequest struct {
	Model   string          `json:"model"`
	ID      any             `json:"id"`
	Select  []string        `json:"select,omitempty"`
	Include []IncludeClause `json:"include,omitempty"`
}

// AggregateRequest computes one aggregate over a filtered row set.
// Field is required for every operation except count.
type AggregateRequest struct {
	Model     string         `json:"model"`
	Operation AggregateOp    `json:"operation"`
	Field     string         `json:"field,omitempty"`
	Where     []FilterClause `json:"where,omitempty"`
}

// CreateRequest inserts one row.
type CreateRequest struct {
	Model string         `json:"model"`
	Data  map[string]any `json:"data"`
}

// UpdateRequest changes fields of one row addressed by primary key.
type UpdateRequest struct {
	Model string         `json:"model"`
	ID    any            `json:"id"`
	Data  map[string]any `json:"data"`
}

// DeleteRequest removes one row addressed by primary key.
type DeleteRequest struct {
	Model string `json:"model"`
	ID    any    `json:"id"`
}

// Operation names used for write policy, approvals and audit records.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// QueryResult is one page of rows.
type QueryResult struct {
	Data       []map[string]any `json:"data"`
	NextCursor string           `json:"next_cursor,omitempty"`
	HasMore    bool             `json:"has_more"`
}

// GetResult is a single-row lookup outcome.
type GetResult struct {
	Data  map[string]any `json:"data"`
	Found bool           `json:"found"`
}

// AggregateResult is an aggregate value.
type AggregateResult struct {
	Value     any         `json:"value"`
	Operation AggregateOp `json:"operation"`
	Field     string      `json:"field,omitempty"`
	RowCount  int64       `json:"row_count"`
}

// MutationResult is the outcome of a create, update or delete.
type MutationResult struct {
	Data         map[string]any `json:"data,omitempty"`
	AffectedRows int64          `json:"affected_rows"`
}
