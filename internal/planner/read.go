package planner

import (
	"github.com/roach88/querygate/internal/budget"
	"github.com/roach88/querygate/internal/cursor"
	"github.com/roach88/querygate/internal/dsl"
	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/queryir"
	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/schema"
	"github.com/roach88/querygate/internal/scope"
)

// PlanQuery plans a paginated read. req must already be validated.
func (pl *Planner) PlanQuery(req dsl.QueryRequest, rc runctx.RunContext) (*ReadPlan, error) {
	var d decisions
	if err := pl.policy.CheckRead(rc.Principal, req.Model); err != nil {
		return nil, err
	}
	d.add("model:%s:allowed", req.Model)

	mm, err := pl.model(req.Model)
	if err != nil {
		return nil, err
	}
	selected, err := pl.policy.ResolveSelect(req.Model, req.Select, mm)
	if err != nil {
		return nil, err
	}
	pl.fieldDecisions(req.Model, selected, &d)
	if err := pl.checkWhere(req.Model, mm, req.Where); err != nil {
		return nil, err
	}
	if err := pl.checkOrder(req.Model, mm, req.OrderBy); err != nil {
		return nil, err
	}

	scopeFilters, err := pl.scopeFor(req.Model, rc, &d)
	if err != nil {
		return nil, err
	}

	enforcer := budget.NewEnforcer(pl.policy.EffectiveBudget(req.Model), pl.scorer)
	if err := enforcer.Enforce(req); err != nil {
		return nil, err
	}
	d.add("budget:score=%d/%d", enforcer.Score(req), enforcer.Budget().MaxComplexityScore)

	includes, err := pl.planIncludes(req.Model, mm, req.Include, rc, &d)
	if err != nil {
		return nil, err
	}

	order := effectiveOrder(req.OrderBy, mm.PrimaryKeyField())
	plan := &ReadPlan{
		Model:              req.Model,
		SelectFields:       selected,
		Includes:           includes,
		InjectedFilters:    scopeFilters,
		StatementTimeoutMS: enforcer.Budget().StatementTimeoutMS,
		Take:               enforcer.EffectiveLimit(req.Take),
		pagination:         pl.pagination,
		codec:              pl.codec,
		paginated:          true,
	}
	for _, o := range order {
		plan.keyedFields = append(plan.keyedFields, o.Field)
	}

	filter := predicate(mm, scope.MergeFilters(req.Where, scopeFilters))
	if req.Cursor != "" {
		after, err := pl.resume(plan, mm, order, req.Cursor, &d)
		if err != nil {
			return nil, err
		}
		filter = queryir.Conjoin(filter, after)
	}

	extra := append([]string(nil), plan.keyedFields...)
	for _, inc := range includes {
		extra = append(extra, inc.LocalField)
	}
	fetch, hidden := withHidden(selected, extra...)
	plan.Hidden = hidden
	plan.Query = queryir.Select{
		From:    tableOf(mm),
		Columns: columns(mm, fetch),
		Filter:  filter,
		OrderBy: orderColumns(mm, order, plan.Reverse),
		Key:     mm.Column(mm.PrimaryKeyField()),
		Limit:   plan.Take + 1,
		Offset:  plan.offset,
	}
	plan.Decisions = d
	return plan, nil
}

// resume decodes a cursor of the planner's kind and returns the predicate
// that skips already returned rows. A cursor of the other kind is a hard
// failure.
func (pl *Planner) resume(plan *ReadPlan, mm schema.ModelMetadata, order []dsl.OrderClause, token string, d *decisions) (queryir.Predicate, error) {
	if pl.pagination == PaginateOffset {
		off, err := pl.codec.DecodeOffset(token)
		if err != nil {
			return nil, err
		}
		plan.offset = off
		d.add("cursor:offset=%d", off)
		return nil, nil
	}

	ks, err := pl.codec.DecodeKeyset(token)
	if err != nil {
		return nil, err
	}
	plan.Reverse = ks.Direction == cursor.Backward
	d.add("cursor:keyset:%s", ks.Direction)
	return keysetPredicate(mm, cursor.BuildKeysetCondition(ks.Values, order, ks.Direction, mm.Nullable)), nil
}

// PlanGet plans a primary-key lookup. req must already be validated.
func (pl *Planner) PlanGet(req dsl.GetRequest, rc runctx.RunContext) (*ReadPlan, error) {
	var d decisions
	if err := pl.policy.CheckRead(rc.Principal, req.Model); err != nil {
		return nil, err
	}
	d.add("model:%s:allowed", req.Model)

	mm, err := pl.model(req.Model)
	if err != nil {
		return nil, err
	}
	selected, err := pl.policy.ResolveSelect(req.Model, req.Select, mm)
	if err != nil {
		return nil, err
	}
	pl.fieldDecisions(req.Model, selected, &d)

	scopeFilters, err := pl.scopeFor(req.Model, rc, &d)
	if err != nil {
		return nil, err
	}

	enforcer := budget.NewEnforcer(pl.policy.EffectiveBudget(req.Model), pl.scorer)
	if err := enforcer.EnforceGet(req); err != nil {
		return nil, err
	}
	d.add("budget:score=%d/%d", pl.scorer.ScoreGet(req), enforcer.Budget().MaxComplexityScore)

	includes, err := pl.planIncludes(req.Model, mm, req.Include, rc, &d)
	if err != nil {
		return nil, err
	}

	pk := mm.PrimaryKeyField()
	byID := []dsl.FilterClause{{Field: pk, Op: dsl.OpEq, Value: req.ID}}
	var extra []string
	for _, inc := range includes {
		extra = append(extra, inc.LocalField)
	}
	fetch, hidden := withHidden(selected, extra...)

	plan := &ReadPlan{
		Model:              req.Model,
		SelectFields:       selected,
		Hidden:             hidden,
		Includes:           includes,
		InjectedFilters:    scopeFilters,
		Decisions:          d,
		StatementTimeoutMS: enforcer.Budget().StatementTimeoutMS,
		Take:               1,
		Query: queryir.Select{
			From:    tableOf(mm),
			Columns: columns(mm, fetch),
			Filter:  predicate(mm, scope.MergeFilters(byID, scopeFilters)),
			Key:     mm.Column(pk),
			Limit:   1,
		},
	}
	return plan, nil
}

// PlanAggregate plans an aggregate. Every operation except count needs a
// field, and any field named must be unredacted.
func (pl *Planner) PlanAggregate(req dsl.AggregateRequest, rc runctx.RunContext) (*AggregatePlan, error) {
	var d decisions
	if err := pl.policy.CheckRead(rc.Principal, req.Model); err != nil {
		return nil, err
	}
	d.add("model:%s:allowed", req.Model)

	mm, err := pl.model(req.Model)
	if err != nil {
		return nil, err
	}
	if req.Field == "" && req.Operation != dsl.AggCount {
		return nil, errs.Validation("field", "required for "+string(req.Operation))
	}
	if req.Field != "" {
		if err := pl.policy.CheckPredicateField(req.Model, req.Field, mm); err != nil {
			return nil, err
		}
	}
	if err := pl.checkWhere(req.Model, mm, req.Where); err != nil {
		return nil, err
	}

	scopeFilters, err := pl.scopeFor(req.Model, rc, &d)
	if err != nil {
		return nil, err
	}

	enforcer := budget.NewEnforcer(pl.policy.EffectiveBudget(req.Model), pl.scorer)
	if err := enforcer.EnforceAggregate(req); err != nil {
		return nil, err
	}
	d.add("budget:score=%d/%d", pl.scorer.ScoreAggregate(req), enforcer.Budget().MaxComplexityScore)
	d.add("aggregate:%s(%s)", req.Operation, req.Field)

	col := ""
	if req.Field != "" {
		col = mm.Column(req.Field)
	}
	return &AggregatePlan{
		Model:     req.Model,
		Operation: req.Operation,
		Field:     req.Field,
		Query: queryir.Aggregate{
			From:   tableOf(mm),
			Func:   aggFunc(req.Operation),
			Column: col,
			Filter: predicate(mm, scope.MergeFilters(req.Where, scopeFilters)),
		},
		InjectedFilters:    scopeFilters,
		Decisions:          d,
		StatementTimeoutMS: enforcer.Budget().StatementTimeoutMS,
	}, nil
}

// planIncludes checks and plans each relation include.
func (pl *Planner) planIncludes(model string, mm schema.ModelMetadata, incs []dsl.IncludeClause, rc runctx.RunContext, d *decisions) ([]IncludePlan, error) {
	if len(incs) == 0 {
		return nil, nil
	}
	out := make([]IncludePlan, 0, len(incs))
	for _, inc := range incs {
		rp, err := pl.policy.CheckRelation(model, inc.Relation)
		if err != nil {
			return nil, err
		}
		rel, ok := mm.Relations[inc.Relation]
		if !ok {
			return nil, errs.RelationNotAllowed(model, inc.Relation).With("reason", "unknown relation")
		}
		if err := pl.policy.CheckRead(rc.Principal, rel.Target); err != nil {
			return nil, err
		}
		tm, err := pl.model(rel.Target)
		if err != nil {
			return nil, err
		}
		local, foreign := relationKeys(mm, tm, rel)
		if !mm.HasField(local) || !tm.HasField(foreign) {
			return nil, errs.RelationNotAllowed(model, inc.Relation).With("reason", "relation keys unknown")
		}

		selected, err := pl.policy.ResolveSelect(rel.Target, inc.Select, tm)
		if err != nil {
			return nil, err
		}
		pl.fieldDecisions(rel.Target, selected, d)
		if err := pl.checkWhere(rel.Target, tm, inc.Where); err != nil {
			return nil, err
		}
		scopeFilters, err := pl.scopeFor(rel.Target, rc, d)
		if err != nil {
			return nil, err
		}

		take := inc.Take
		if take <= 0 {
			take = dsl.DefaultTake
		}
		if rp.MaxTake > 0 && take > rp.MaxTake {
			take = rp.MaxTake
		}

		fetch, hidden := withHidden(selected, foreign)
		order := []dsl.OrderClause{{Field: foreign, Direction: dsl.Asc}}
		order = effectiveOrder(order, tm.PrimaryKeyField())
		out = append(out, IncludePlan{
			Relation:      inc.Relation,
			Model:         rel.Target,
			Kind:          rel.Kind,
			LocalField:    local,
			ForeignField:  foreign,
			ForeignColumn: tm.Column(foreign),
			SelectFields:  selected,
			Hidden:        hidden,
			Take:          take,
			Query: queryir.Select{
				From:    tableOf(tm),
				Columns: columns(tm, fetch),
				Filter:  predicate(tm, scope.MergeFilters(inc.Where, scopeFilters)),
				OrderBy: orderColumns(tm, order, false),
				Key:     tm.Column(tm.PrimaryKeyField()),
			},
		})
		d.add("relation:%s.%s:allowed", model, inc.Relation)
	}
	return out, nil
}

// checkOrder guards sort fields. Keyset cursors carry the sort values of
// the last row, another reason to keep redacted fields out.
func (pl *Planner) checkOrder(model string, mm schema.ModelMetadata, order []dsl.OrderClause) error {
	for _, o := range order {
		if err := pl.policy.CheckPredicateField(model, o.Field, mm); err != nil {
			return err
		}
	}
	return nil
}

// relationKeys returns the parent field and the target field a relation
// joins on, filling conventional defaults.
func relationKeys(mm, tm schema.ModelMetadata, rel schema.RelationMetadata) (local, foreign string) {
	local, foreign = rel.LocalField, rel.ForeignField
	switch rel.Kind {
	case schema.HasMany:
		if local == "" {
			local = mm.PrimaryKeyField()
		}
	default:
		if foreign == "" {
			foreign = tm.PrimaryKeyField()
		}
	}
	return local, foreign
}

// effectiveOrder appends the primary key as an ascending tie-break unless
// the request already sorts by it.
func effectiveOrder(order []dsl.OrderClause, pk string) []dsl.OrderClause {
	out := make([]dsl.OrderClause, 0, len(order)+1)
	for _, o := range order {
		if o.Direction == "" {
			o.Direction = dsl.Asc
		}
		out = append(out, o)
		if o.Field == pk {
			return out
		}
	}
	return append(out, dsl.OrderClause{Field: pk, Direction: dsl.Asc})
}

func orderColumns(mm schema.ModelMetadata, order []dsl.OrderClause, reverse bool) []queryir.Order {
	out := make([]queryir.Order, len(order))
	for i, o := range order {
		desc := o.Direction == dsl.Desc
		if reverse {
			desc = !desc
		}
		out[i] = queryir.Order{Column: mm.Column(o.Field), Desc: desc}
	}
	return out
}

func tableOf(mm schema.ModelMetadata) string {
	if mm.Table != "" {
		return mm.Table
	}
	return mm.Name
}

func aggFunc(op dsl.AggregateOp) queryir.AggFunc {
	switch op {
	case dsl.AggSum:
		return queryir.AggSum
	case dsl.AggAvg:
		return queryir.AggAvg
	case dsl.AggMin:
		return queryir.AggMin
	case dsl.AggMax:
		return queryir.AggMax
	default:
		return queryir.AggCount
	}
}
