// Package planner compiles validated DSL requests into queryir plans under a
// policy.
//
// The planner is the one place where a request meets policy and schema:
// model and field checks, the tenant-scope requirement, budget enforcement,
// scope injection, cursor decoding and relation checks all happen here,
// before anything reaches a database. Every check that admits something
// appends a decision string to the plan for the audit trail.
package planner

import (
	"fmt"
	"strings"

	"github.com/roach88/querygate/internal/budget"
	"github.com/roach88/querygate/internal/cursor"
	"github.com/roach88/querygate/internal/dsl"
	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/policy"
	"github.com/roach88/querygate/internal/queryir"
	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/schema"
	"github.com/roach88/querygate/internal/scope"
)

// Pagination selects the cursor kind a planner issues and accepts.
type Pagination string

const (
	PaginateKeyset Pagination = "keyset"
	PaginateOffset Pagination = "offset"
)

// ParsePagination maps a configuration value to a Pagination. Empty means
// keyset.
func ParsePagination(s string) (Pagination, error) {
	switch Pagination(strings.ToLower(strings.TrimSpace(s))) {
	case "", PaginateKeyset:
		return PaginateKeyset, nil
	case PaginateOffset:
		return PaginateOffset, nil
	default:
		return "", fmt.Errorf("unknown pagination mode %q", s)
	}
}

// Option configures a Planner.
type Option func(*Planner)

// WithCodec sets the cursor codec. The default codec has no secret.
func WithCodec(c *cursor.Codec) Option {
	return func(pl *Planner) { pl.codec = c }
}

// WithPagination sets the cursor kind.
func WithPagination(mode Pagination) Option {
	return func(pl *Planner) { pl.pagination = mode }
}

// WithWeights overrides the complexity weights.
func WithWeights(w budget.Weights) Option {
	return func(pl *Planner) { pl.scorer = budget.NewScorer(w) }
}

// Planner plans requests against one policy and one schema snapshot. Both
// are read-only, so a Planner is safe for concurrent use.
type Planner struct {
	policy     *policy.Policy
	meta       *schema.Metadata
	injector   *scope.Injector
	codec      *cursor.Codec
	scorer     *budget.Scorer
	pagination Pagination
}

// New creates a planner.
func New(p *policy.Policy, meta *schema.Metadata, opts ...Option) *Planner {
	pl := &Planner{
		policy:     p,
		meta:       meta,
		injector:   scope.NewInjector(p),
		codec:      cursor.NewCodec(nil),
		scorer:     budget.NewScorer(budget.DefaultWeights()),
		pagination: PaginateKeyset,
	}
	for _, opt := range opts {
		opt(pl)
	}
	return pl
}

// Policy returns the planner's policy.
func (pl *Planner) Policy() *policy.Policy {
	return pl.policy
}

// Schema returns the planner's schema snapshot.
func (pl *Planner) Schema() *schema.Metadata {
	return pl.meta
}

// decisions accumulates policy decision strings in the order they are made.
type decisions []string

func (d *decisions) add(format string, args ...any) {
	*d = append(*d, fmt.Sprintf(format, args...))
}

// model resolves the schema entry for a model the policy already admitted.
func (pl *Planner) model(name string) (schema.ModelMetadata, error) {
	mm, ok := pl.meta.Model(name)
	if !ok {
		return schema.ModelMetadata{}, errs.ModelNotAllowed(name).With("reason", "unknown model")
	}
	return mm, nil
}

// scopeFor checks the tenant requirement and returns the scope filters for
// a model, recording one decision per injected filter.
func (pl *Planner) scopeFor(model string, rc runctx.RunContext, d *decisions) ([]dsl.FilterClause, error) {
	if err := pl.injector.Require(model, rc); err != nil {
		return nil, err
	}
	filters := pl.injector.ScopeFilters(model, rc)
	for _, f := range filters {
		d.add("scope:%s", f.Field)
	}
	return filters, nil
}

// checkWhere guards every user filter field against the model's policy.
func (pl *Planner) checkWhere(model string, mm schema.ModelMetadata, where []dsl.FilterClause) error {
	for _, f := range where {
		if err := pl.policy.CheckPredicateField(model, f.Field, mm); err != nil {
			return err
		}
	}
	return nil
}

// fieldDecisions records every selected field that will be redacted.
func (pl *Planner) fieldDecisions(model string, fields []string, d *decisions) {
	for _, f := range fields {
		if fp := pl.policy.ResolveField(model, f); fp.Action != policy.ActionAllow {
			d.add("field:%s.%s:%s", model, f, fp.Action)
		}
	}
}

// predicate converts scope and user filters into one conjunction.
func predicate(mm schema.ModelMetadata, filters []dsl.FilterClause) queryir.Predicate {
	ps := make([]queryir.Predicate, 0, len(filters))
	for _, f := range filters {
		ps = append(ps, filterPredicate(mm, f))
	}
	return queryir.Conjoin(ps...)
}

// filterPredicate maps one validated filter clause onto a plan predicate.
func filterPredicate(mm schema.ModelMetadata, f dsl.FilterClause) queryir.Predicate {
	col := mm.Column(f.Field)
	switch f.Op {
	case dsl.OpEq:
		return queryir.Compare{Column: col, Op: queryir.OpEq, Value: f.Value}
	case dsl.OpNe:
		return queryir.Compare{Column: col, Op: queryir.OpNe, Value: f.Value}
	case dsl.OpLt:
		return queryir.Compare{Column: col, Op: queryir.OpLt, Value: f.Value}
	case dsl.OpLte:
		return queryir.Compare{Column: col, Op: queryir.OpLte, Value: f.Value}
	case dsl.OpGt:
		return queryir.Compare{Column: col, Op: queryir.OpGt, Value: f.Value}
	case dsl.OpGte:
		return queryir.Compare{Column: col, Op: queryir.OpGte, Value: f.Value}
	case dsl.OpIn, dsl.OpNotIn:
		list, _ := f.Value.([]any)
		return queryir.In{Column: col, Values: list, Negate: f.Op == dsl.OpNotIn}
	case dsl.OpBetween:
		list, _ := f.Value.([]any)
		var low, high any
		if len(list) == 2 {
			low, high = list[0], list[1]
		}
		return queryir.Between{Column: col, Low: low, High: high}
	case dsl.OpIsNull:
		isNull, _ := f.Value.(bool)
		return queryir.IsNull{Column: col, Negate: !isNull}
	case dsl.OpContains:
		s, _ := f.Value.(string)
		return queryir.Like{Column: col, Mode: queryir.LikeContains, Value: s}
	case dsl.OpStartsWith:
		s, _ := f.Value.(string)
		return queryir.Like{Column: col, Mode: queryir.LikePrefix, Value: s}
	case dsl.OpEndsWith:
		s, _ := f.Value.(string)
		return queryir.Like{Column: col, Mode: queryir.LikeSuffix, Value: s}
	default:
		// Unreachable for validated requests; an empty Or matches nothing.
		return queryir.Or{}
	}
}

// keysetPredicate converts a keyset condition into an Or of And branches.
func keysetPredicate(mm schema.ModelMetadata, cond cursor.KeysetCondition) queryir.Predicate {
	if cond.IsEmpty() {
		return nil
	}
	branches := make([]queryir.Predicate, len(cond.Branches))
	for i, b := range cond.Branches {
		branches[i] = predicate(mm, b)
	}
	if len(branches) == 1 {
		return branches[0]
	}
	return queryir.Or{Predicates: branches}
}

// columns builds the projection for fetched fields, aliasing each column
// to its field name.
func columns(mm schema.ModelMetadata, fields []string) []queryir.Column {
	cols := make([]queryir.Column, len(fields))
	for i, f := range fields {
		cols[i] = queryir.Column{Name: mm.Column(f), Alias: f}
	}
	return cols
}

// withHidden appends extra fields needed internally (ordering, relation
// keys) to the selection and reports which of them must be stripped from
// results.
func withHidden(selected []string, extra ...string) (fetch, hidden []string) {
	fetch = append([]string(nil), selected...)
	have := make(map[string]bool, len(selected)+len(extra))
	for _, f := range selected {
		have[f] = true
	}
	for _, f := range extra {
		if f == "" || have[f] {
			continue
		}
		have[f] = true
		fetch = append(fetch, f)
		hidden = append(hidden, f)
	}
	return fetch, hidden
}
