package planner

import (
	"github.com/roach88/querygate/internal/cursor"
	"github.com/roach88/querygate/internal/dsl"
	"github.com/roach88/querygate/internal/queryir"
	"github.com/roach88/querygate/internal/schema"
)

// IncludePlan loads one relation for a page of parent rows.
//
// Query selects from the target table with scope and user filters applied
// but without the relation constraint; the executor adds
// ForeignField IN (parent LocalField values) per page.
type IncludePlan struct {
	Relation      string
	Model         string
	Kind          schema.RelationKind
	LocalField    string
	ForeignField  string
	ForeignColumn string
	Query         queryir.Select
	SelectFields  []string
	Hidden        []string
	Take          int
}

// ReadPlan is the plan for a query or a get.
type ReadPlan struct {
	Model           string
	Query           queryir.Select
	SelectFields    []string
	Hidden          []string
	Includes        []IncludePlan
	InjectedFilters []dsl.FilterClause
	Decisions       []string

	StatementTimeoutMS int

	// Take is the page size. Query.Limit is Take+1 for queries so the
	// executor can detect a further page.
	Take int

	// Reverse is set for backward keyset pages, whose rows are fetched in
	// inverted order and must be flipped back.
	Reverse bool

	pagination  Pagination
	offset      int
	codec       *cursor.Codec
	paginated   bool
	keyedFields []string
}

// OrderFields returns the effective sort fields including the key
// tie-break.
func (p *ReadPlan) OrderFields() []string {
	return p.keyedFields
}

// NextCursor encodes the cursor that resumes after last, the final row of
// the current page as returned by the database. Backward pages keep
// travelling backward. Gets never paginate and return "". A NULL sort value
// is kept in the cursor and resumes as the lowest value of its field.
func (p *ReadPlan) NextCursor(last map[string]any) (string, error) {
	if !p.paginated {
		return "", nil
	}
	if p.pagination == PaginateOffset {
		return p.codec.EncodeOffset(p.offset + p.Take)
	}
	values := make(map[string]any, len(p.keyedFields))
	for _, f := range p.keyedFields {
		if v, ok := last[f]; ok {
			values[f] = v
		}
	}
	dir := cursor.Forward
	if p.Reverse {
		dir = cursor.Backward
	}
	return p.codec.EncodeKeyset(values, p.keyedFields, dir)
}

// AggregatePlan is the plan for an aggregate.
type AggregatePlan struct {
	Model           string
	Operation       dsl.AggregateOp
	Field           string
	Query           queryir.Aggregate
	InjectedFilters []dsl.FilterClause
	Decisions       []string

	StatementTimeoutMS int
}

// MutationPlan is the plan for a create, update or delete.
type MutationPlan struct {
	Model     string
	Operation string
	Statement queryir.Query

	// Guard counts the rows the statement will touch. It is unset for
	// creates.
	Guard    *queryir.Aggregate
	KeyField string

	// Data is the effective row data after scope injection.
	Data            map[string]any
	ID              any
	SoftDelete      bool
	MaxAffectedRows int
	RequireApproval bool
	InjectedFilters []dsl.FilterClause
	Decisions       []string

	StatementTimeoutMS int
}
