package sqladapter

import (
	"context"
	"slices"
	"strconv"

	"github.com/roach88/querygate/internal/adapter"
	"github.com/roach88/querygate/internal/dsl"
	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/planner"
	"github.com/roach88/querygate/internal/policy"
	"github.com/roach88/querygate/internal/queryir"
	"github.com/roach88/querygate/internal/querysql"
	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/schema"
)

// CompileQuery implements adapter.Adapter.
func (a *Adapter) CompileQuery(_ context.Context, req dsl.QueryRequest, rc runctx.RunContext, p *policy.Policy, meta *schema.Metadata) (*adapter.CompiledQuery, error) {
	plan, err := a.planner(p, meta).PlanQuery(req, rc)
	if err != nil {
		return nil, err
	}
	return readCompiled(plan, req), nil
}

// CompileGet implements adapter.Adapter.
func (a *Adapter) CompileGet(_ context.Context, req dsl.GetRequest, rc runctx.RunContext, p *policy.Policy, meta *schema.Metadata) (*adapter.CompiledQuery, error) {
	plan, err := a.planner(p, meta).PlanGet(req, rc)
	if err != nil {
		return nil, err
	}
	return readCompiled(plan, req), nil
}

// CompileAggregate implements adapter.Adapter.
func (a *Adapter) CompileAggregate(_ context.Context, req dsl.AggregateRequest, rc runctx.RunContext, p *policy.Policy, meta *schema.Metadata) (*adapter.CompiledQuery, error) {
	plan, err := a.planner(p, meta).PlanAggregate(req, rc)
	if err != nil {
		return nil, err
	}
	var fields []string
	if plan.Field != "" {
		fields = []string{plan.Field}
	}
	return &adapter.CompiledQuery{
		Backend:            plan,
		Request:            req,
		Model:              plan.Model,
		SelectFields:       fields,
		InjectedFilters:    plan.InjectedFilters,
		PolicyDecisions:    plan.Decisions,
		StatementTimeoutMS: plan.StatementTimeoutMS,
	}, nil
}

func readCompiled(plan *planner.ReadPlan, req any) *adapter.CompiledQuery {
	var includes map[string]string
	if len(plan.Includes) > 0 {
		includes = make(map[string]string, len(plan.Includes))
		for _, inc := range plan.Includes {
			includes[inc.Relation] = inc.Model
		}
	}
	return &adapter.CompiledQuery{
		Backend:            plan,
		Request:            req,
		Model:              plan.Model,
		SelectFields:       plan.SelectFields,
		InjectedFilters:    plan.InjectedFilters,
		PolicyDecisions:    plan.Decisions,
		Includes:           includes,
		StatementTimeoutMS: plan.StatementTimeoutMS,
	}
}

func readPlan(cq *adapter.CompiledQuery) (*planner.ReadPlan, error) {
	if cq == nil {
		return nil, errs.New(errs.CodeInternal, "nil compiled query")
	}
	plan, ok := cq.Backend.(*planner.ReadPlan)
	if !ok {
		return nil, errs.New(errs.CodeInternal, "compiled query holds %T, not a read plan", cq.Backend)
	}
	return plan, nil
}

func (a *Adapter) compile(q queryir.Query, timeoutMS int) (querysql.Statement, error) {
	stmt, err := querysql.NewCompiler(a.dialect, querysql.WithStatementTimeout(timeoutMS)).Compile(q)
	if err != nil {
		return stmt, errs.Wrap(errs.CodeInternal, err, "compile plan")
	}
	return stmt, nil
}

// ExecuteQuery implements adapter.Adapter. One row beyond the page is
// fetched to decide has_more; the next cursor is built from the last row
// kept.
func (a *Adapter) ExecuteQuery(ctx context.Context, cq *adapter.CompiledQuery, rc runctx.RunContext) (dsl.QueryResult, error) {
	plan, err := readPlan(cq)
	if err != nil {
		return dsl.QueryResult{}, err
	}
	stmt, err := a.compile(plan.Query, plan.StatementTimeoutMS)
	if err != nil {
		return dsl.QueryResult{}, err
	}
	q := a.conn(rc)
	rows, err := a.fetch(ctx, q, stmt)
	if err != nil {
		return dsl.QueryResult{}, err
	}

	hasMore := len(rows) > plan.Take
	if hasMore {
		rows = rows[:plan.Take]
	}
	var next string
	if hasMore && len(rows) > 0 {
		next, err = plan.NextCursor(rows[len(rows)-1])
		if err != nil {
			return dsl.QueryResult{}, err
		}
	}
	if plan.Reverse {
		slices.Reverse(rows)
	}

	if err := a.loadIncludes(ctx, q, plan, rows); err != nil {
		return dsl.QueryResult{}, err
	}
	for _, row := range rows {
		strip(row, plan.Hidden)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return dsl.QueryResult{Data: rows, NextCursor: next, HasMore: hasMore}, nil
}

// ExecuteGet implements adapter.Adapter.
func (a *Adapter) ExecuteGet(ctx context.Context, cq *adapter.CompiledQuery, rc runctx.RunContext) (dsl.GetResult, error) {
	plan, err := readPlan(cq)
	if err != nil {
		return dsl.GetResult{}, err
	}
	stmt, err := a.compile(plan.Query, plan.StatementTimeoutMS)
	if err != nil {
		return dsl.GetResult{}, err
	}
	q := a.conn(rc)
	rows, err := a.fetch(ctx, q, stmt)
	if err != nil {
		return dsl.GetResult{}, err
	}
	if len(rows) == 0 {
		return dsl.GetResult{Found: false}, nil
	}
	rows = rows[:1]
	if err := a.loadIncludes(ctx, q, plan, rows); err != nil {
		return dsl.GetResult{}, err
	}
	return dsl.GetResult{Data: strip(rows[0], plan.Hidden), Found: true}, nil
}

// ExecuteAggregate implements adapter.Adapter.
func (a *Adapter) ExecuteAggregate(ctx context.Context, cq *adapter.CompiledQuery, rc runctx.RunContext) (dsl.AggregateResult, error) {
	if cq == nil {
		return dsl.AggregateResult{}, errs.New(errs.CodeInternal, "nil compiled query")
	}
	plan, ok := cq.Backend.(*planner.AggregatePlan)
	if !ok {
		return dsl.AggregateResult{}, errs.New(errs.CodeInternal, "compiled query holds %T, not an aggregate plan", cq.Backend)
	}
	stmt, err := a.compile(plan.Query, plan.StatementTimeoutMS)
	if err != nil {
		return dsl.AggregateResult{}, err
	}
	rows, err := a.fetch(ctx, a.conn(rc), stmt)
	if err != nil {
		return dsl.AggregateResult{}, err
	}
	res := dsl.AggregateResult{Operation: plan.Operation, Field: plan.Field}
	if len(rows) == 0 {
		return res, nil
	}
	res.Value = numeric(rows[0]["value"])
	if n, ok := numeric(rows[0]["row_count"]).(int64); ok {
		res.RowCount = n
	}
	if plan.Operation == dsl.AggCount {
		if _, ok := res.Value.(int64); !ok {
			res.Value = res.RowCount
		}
	}
	return res, nil
}

// numeric parses the decimal strings some drivers return for SUM and AVG.
func numeric(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return v
}

// loadIncludes attaches related rows to a page of parents. belongs_to
// targets are fetched in one IN query per include. has_many children are
// fetched per distinct parent key so each parent gets up to the include's
// take regardless of how many children its siblings have.
func (a *Adapter) loadIncludes(ctx context.Context, q querier, plan *planner.ReadPlan, parents []map[string]any) error {
	for _, inc := range plan.Includes {
		var keys []any
		seen := map[string]bool{}
		for _, p := range parents {
			v := p[inc.LocalField]
			if v == nil || seen[groupKey(v)] {
				continue
			}
			seen[groupKey(v)] = true
			keys = append(keys, v)
		}

		groups := map[string][]map[string]any{}
		if inc.Kind == schema.HasMany {
			for _, k := range keys {
				children, err := a.children(ctx, q, plan, inc, queryir.Compare{Column: inc.ForeignColumn, Op: queryir.OpEq, Value: k}, inc.Take)
				if err != nil {
					return err
				}
				groups[groupKey(k)] = children
			}
		} else if len(keys) > 0 {
			children, err := a.children(ctx, q, plan, inc, queryir.In{Column: inc.ForeignColumn, Values: keys}, len(keys))
			if err != nil {
				return err
			}
			for _, c := range children {
				k := groupKey(c[inc.ForeignField])
				if _, ok := groups[k]; !ok {
					groups[k] = []map[string]any{c}
				}
			}
		}
		for _, g := range groups {
			for _, c := range g {
				strip(c, inc.Hidden)
			}
		}

		for _, p := range parents {
			var group []map[string]any
			if v := p[inc.LocalField]; v != nil {
				group = groups[groupKey(v)]
			}
			if inc.Kind == schema.HasMany {
				if group == nil {
					group = []map[string]any{}
				}
				p[inc.Relation] = group
				continue
			}
			if len(group) > 0 {
				p[inc.Relation] = group[0]
			} else {
				p[inc.Relation] = nil
			}
		}
	}
	return nil
}

func (a *Adapter) children(ctx context.Context, q querier, plan *planner.ReadPlan, inc planner.IncludePlan, match queryir.Predicate, limit int) ([]map[string]any, error) {
	sel := inc.Query
	sel.Filter = queryir.Conjoin(sel.Filter, match)
	sel.Limit = limit
	stmt, err := a.compile(sel, plan.StatementTimeoutMS)
	if err != nil {
		return nil, err
	}
	return a.fetch(ctx, q, stmt)
}
