package sqladapter

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/roach88/querygate/internal/dsl"
	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/planner"
	"github.com/roach88/querygate/internal/policy"
	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/schema"
)

// Create implements adapter.Mutator.
func (a *Adapter) Create(ctx context.Context, req dsl.CreateRequest, rc runctx.RunContext, p *policy.Policy, meta *schema.Metadata) (dsl.MutationResult, []string, error) {
	plan, err := a.planner(p, meta).PlanCreate(req, rc)
	if err != nil {
		return dsl.MutationResult{}, nil, err
	}
	res, err := a.mutate(ctx, rc, plan)
	return res, plan.Decisions, err
}

// Update implements adapter.Mutator.
func (a *Adapter) Update(ctx context.Context, req dsl.UpdateRequest, rc runctx.RunContext, p *policy.Policy, meta *schema.Metadata) (dsl.MutationResult, []string, error) {
	plan, err := a.planner(p, meta).PlanUpdate(req, rc)
	if err != nil {
		return dsl.MutationResult{}, nil, err
	}
	res, err := a.mutate(ctx, rc, plan)
	return res, plan.Decisions, err
}

// Delete implements adapter.Mutator.
func (a *Adapter) Delete(ctx context.Context, req dsl.DeleteRequest, rc runctx.RunContext, p *policy.Policy, meta *schema.Metadata) (dsl.MutationResult, []string, error) {
	plan, err := a.planner(p, meta).PlanDelete(req, rc)
	if err != nil {
		return dsl.MutationResult{}, nil, err
	}
	res, err := a.mutate(ctx, rc, plan)
	return res, plan.Decisions, err
}

// mutate executes a plan inside a transaction. The guard count runs first
// and the statement's own affected-row count is checked again before
// commit, so a ceiling breach never persists.
func (a *Adapter) mutate(ctx context.Context, rc runctx.RunContext, plan *planner.MutationPlan) (dsl.MutationResult, error) {
	var res dsl.MutationResult
	err := a.Transaction(ctx, rc, func(ctx context.Context, rc runctx.RunContext) error {
		q := a.conn(rc)
		if plan.Guard != nil {
			n, err := a.count(ctx, q, plan)
			if err != nil {
				return err
			}
			if plan.MaxAffectedRows > 0 && n > int64(plan.MaxAffectedRows) {
				return errs.MaxAffectedRowsExceeded(plan.Model, plan.MaxAffectedRows, n)
			}
			if n == 0 {
				return nil
			}
		}

		stmt, err := a.compile(plan.Statement, plan.StatementTimeoutMS)
		if err != nil {
			return err
		}
		ctx, cancel := withTimeout(ctx, stmt.StatementTimeoutMS)
		defer cancel()

		data := make(map[string]any, len(plan.Data)+1)
		for k, v := range plan.Data {
			data[k] = normalize(v)
		}
		if plan.Operation == dsl.OperationCreate {
			id, err := a.insert(ctx, q, stmt.SQL, stmt.Params)
			if err != nil {
				return dbError(ctx, err, stmt)
			}
			if _, ok := data[plan.KeyField]; !ok && id != nil {
				data[plan.KeyField] = id
			}
			res = dsl.MutationResult{Data: data, AffectedRows: 1}
			return nil
		}

		result, err := q.ExecContext(ctx, stmt.SQL, stmt.Params...)
		if err != nil {
			return dbError(ctx, err, stmt)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return errs.Wrap(errs.CodeAdapter, err, "rows affected")
		}
		if plan.MaxAffectedRows > 0 && affected > int64(plan.MaxAffectedRows) {
			return errs.MaxAffectedRowsExceeded(plan.Model, plan.MaxAffectedRows, affected)
		}
		data[plan.KeyField] = plan.ID
		res = dsl.MutationResult{Data: data, AffectedRows: affected}
		return nil
	})
	if err != nil {
		return dsl.MutationResult{}, err
	}
	a.logger.Debug("mutation executed",
		zap.String("model", plan.Model),
		zap.String("operation", plan.Operation),
		zap.Int64("affected_rows", res.AffectedRows))
	return res, nil
}

func (a *Adapter) count(ctx context.Context, q querier, plan *planner.MutationPlan) (int64, error) {
	stmt, err := a.compile(*plan.Guard, plan.StatementTimeoutMS)
	if err != nil {
		return 0, err
	}
	rows, err := a.fetch(ctx, q, stmt)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	n, _ := numeric(rows[0]["row_count"]).(int64)
	return n, nil
}

// insert runs an INSERT and returns the new primary key when the backend
// reports one.
func (a *Adapter) insert(ctx context.Context, q querier, query string, params []any) (any, error) {
	if a.dialect.SupportsReturning() {
		var id any
		if err := q.QueryRowContext(ctx, query, params...).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}
		return normalize(id), nil
	}
	result, err := q.ExecContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		// The driver does not report generated keys.
		return nil, nil
	}
	return id, nil
}
