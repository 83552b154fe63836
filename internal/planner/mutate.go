package planner

import (
	"fmt"
	"sort"

	"github.com/roach88/querygate/internal/dsl"
	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/policy"
	"github.com/roach88/querygate/internal/queryir"
	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/schema"
	"github.com/roach88/querygate/internal/scope"
)

// PlanCreate plans an insert. Tenant and owner fields are filled from the
// principal; a request that sets them to anything else is rejected.
func (pl *Planner) PlanCreate(req dsl.CreateRequest, rc runctx.RunContext) (*MutationPlan, error) {
	var d decisions
	wp, mm, err := pl.checkWrite(req.Model, dsl.OperationCreate, rc, &d)
	if err != nil {
		return nil, err
	}
	data, err := pl.writeData(req.Model, mm, req.Data, rc, true)
	if err != nil {
		return nil, err
	}
	var scopeFilters []dsl.FilterClause
	for _, f := range pl.injector.ScopeFilters(req.Model, rc) {
		if f.Op == dsl.OpEq {
			scopeFilters = append(scopeFilters, f)
			d.add("scope:%s", f.Field)
		}
	}

	return &MutationPlan{
		Model:     req.Model,
		Operation: dsl.OperationCreate,
		Statement: queryir.Insert{
			Into:      tableOf(mm),
			Values:    assignments(mm, data),
			Returning: mm.Column(mm.PrimaryKeyField()),
		},
		KeyField:           mm.PrimaryKeyField(),
		Data:               data,
		MaxAffectedRows:    1,
		RequireApproval:    wp.RequireApproval,
		InjectedFilters:    scopeFilters,
		Decisions:          d,
		StatementTimeoutMS: pl.policy.EffectiveBudget(req.Model).StatementTimeoutMS,
	}, nil
}

// PlanUpdate plans an update of the scoped row with the given id.
func (pl *Planner) PlanUpdate(req dsl.UpdateRequest, rc runctx.RunContext) (*MutationPlan, error) {
	var d decisions
	wp, mm, err := pl.checkWrite(req.Model, dsl.OperationUpdate, rc, &d)
	if err != nil {
		return nil, err
	}
	data, err := pl.writeData(req.Model, mm, req.Data, rc, false)
	if err != nil {
		return nil, err
	}
	scopeFilters, err := pl.scopeFor(req.Model, rc, &d)
	if err != nil {
		return nil, err
	}
	filter := pl.byID(mm, req.ID, scopeFilters)

	return &MutationPlan{
		Model:     req.Model,
		Operation: dsl.OperationUpdate,
		Statement: queryir.Update{
			Table:  tableOf(mm),
			Set:    assignments(mm, data),
			Filter: filter,
		},
		Guard:              &queryir.Aggregate{From: tableOf(mm), Func: queryir.AggCount, Filter: filter},
		KeyField:           mm.PrimaryKeyField(),
		Data:               data,
		ID:                 req.ID,
		MaxAffectedRows:    wp.AffectedRowsLimit(),
		RequireApproval:    wp.RequireApproval,
		InjectedFilters:    scopeFilters,
		Decisions:          d,
		StatementTimeoutMS: pl.policy.EffectiveBudget(req.Model).StatementTimeoutMS,
	}, nil
}

// PlanDelete plans a delete of the scoped row with the given id. Models
// with a soft-delete field are updated to stamp it with the request time
// instead of losing the row.
func (pl *Planner) PlanDelete(req dsl.DeleteRequest, rc runctx.RunContext) (*MutationPlan, error) {
	var d decisions
	wp, mm, err := pl.checkWrite(req.Model, dsl.OperationDelete, rc, &d)
	if err != nil {
		return nil, err
	}
	scopeFilters, err := pl.scopeFor(req.Model, rc, &d)
	if err != nil {
		return nil, err
	}
	filter := pl.byID(mm, req.ID, scopeFilters)

	plan := &MutationPlan{
		Model:              req.Model,
		Operation:          dsl.OperationDelete,
		Statement:          queryir.Delete{From: tableOf(mm), Filter: filter},
		Guard:              &queryir.Aggregate{From: tableOf(mm), Func: queryir.AggCount, Filter: filter},
		KeyField:           mm.PrimaryKeyField(),
		ID:                 req.ID,
		MaxAffectedRows:    wp.AffectedRowsLimit(),
		RequireApproval:    wp.RequireApproval,
		InjectedFilters:    scopeFilters,
		StatementTimeoutMS: pl.policy.EffectiveBudget(req.Model).StatementTimeoutMS,
	}
	mp, _ := pl.policy.Model(req.Model)
	if field := mp.Row.SoftDeleteField; field != "" && mm.HasField(field) {
		plan.SoftDelete = true
		plan.Data = map[string]any{field: rc.Timestamp}
		plan.Statement = queryir.Update{
			Table:  tableOf(mm),
			Set:    []queryir.Assignment{{Column: mm.Column(field), Value: rc.Timestamp}},
			Filter: filter,
		}
		d.add("delete:soft:%s", field)
	}
	plan.Decisions = d
	return plan, nil
}

// checkWrite runs the write policy and tenant requirement checks shared by
// every mutation.
func (pl *Planner) checkWrite(model, op string, rc runctx.RunContext, d *decisions) (policy.WritePolicy, schema.ModelMetadata, error) {
	wp, err := pl.policy.CheckWrite(model, op)
	if err != nil {
		return wp, schema.ModelMetadata{}, err
	}
	if err := pl.policy.CheckModel(rc.Principal, model); err != nil {
		return wp, schema.ModelMetadata{}, err
	}
	d.add("write:%s:%s:allowed", model, op)
	if wp.RequireApproval {
		d.add("write:%s:%s:approval", model, op)
	}
	mm, err := pl.model(model)
	if err != nil {
		return wp, mm, err
	}
	if err := pl.injector.Require(model, rc); err != nil {
		return wp, mm, err
	}
	return wp, mm, nil
}

// writeData checks every written field and pins scope fields to the
// principal. On create the scope values are injected when absent.
func (pl *Planner) writeData(model string, mm schema.ModelMetadata, in map[string]any, rc runctx.RunContext, create bool) (map[string]any, error) {
	mp, _ := pl.policy.Model(model)
	pinned := map[string]string{}
	if f := mp.Row.TenantField; f != "" && rc.Principal.TenantID != "" {
		pinned[f] = rc.Principal.TenantID
	}
	if f := mp.Row.OwnerField; f != "" && rc.Principal.UserID != "" {
		pinned[f] = rc.Principal.UserID
	}

	pk := mm.PrimaryKeyField()
	out := make(map[string]any, len(in)+len(pinned))
	for k, v := range in {
		if !mm.HasField(k) {
			return nil, errs.FieldNotAllowed(model, k).With("reason", "unknown field")
		}
		if pl.policy.ResolveField(model, k).Action == policy.ActionDeny {
			return nil, errs.FieldNotAllowed(model, k)
		}
		if !create && k == pk {
			return nil, errs.FieldNotAllowed(model, k).With("reason", "primary key is immutable")
		}
		if want, ok := pinned[k]; ok && fmt.Sprint(v) != want {
			return nil, errs.FieldNotAllowed(model, k).With("reason", "scope field")
		}
		out[k] = v
	}
	if create {
		for k, v := range pinned {
			if mm.HasField(k) {
				out[k] = v
			}
		}
	}
	if len(out) == 0 {
		return nil, errs.Validation("data", "must not be empty")
	}
	return out, nil
}

func (pl *Planner) byID(mm schema.ModelMetadata, id any, scopeFilters []dsl.FilterClause) queryir.Predicate {
	byID := []dsl.FilterClause{{Field: mm.PrimaryKeyField(), Op: dsl.OpEq, Value: id}}
	return predicate(mm, scope.MergeFilters(byID, scopeFilters))
}

// assignments orders data by field name so statements are deterministic.
func assignments(mm schema.ModelMetadata, data map[string]any) []queryir.Assignment {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]queryir.Assignment, len(keys))
	for i, k := range keys {
		out[i] = queryir.Assignment{Column: mm.Column(k), Value: data[k]}
	}
	return out
}
