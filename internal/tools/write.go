package tools

import (
	"context"

	"go.uber.org/zap"

	"github.com/roach88/querygate/internal/approval"
	"github.com/roach88/querygate/internal/dsl"
	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/policy"
	"github.com/roach88/querygate/internal/redact"
	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/schema"
)

func (rt *runtime) create(ctx context.Context, input map[string]any, rc runctx.RunContext) (any, Meta, error) {
	req, err := dsl.ParseCreate(input)
	if err != nil {
		return nil, Meta{Model: modelOf(input)}, err
	}
	return rt.mutate(ctx, rc, dsl.OperationCreate, req.Model, nil,
		func(ctx context.Context, p *policy.Policy, md *schema.Metadata) (dsl.MutationResult, []string, error) {
			return rt.mutator.Create(ctx, req, rc, p, md)
		},
		func(ctx context.Context, fn approval.MutationFunc) (dsl.MutationResult, error) {
			return rt.approvals.ExecuteCreate(ctx, req, rc, fn)
		})
}

func (rt *runtime) update(ctx context.Context, input map[string]any, rc runctx.RunContext) (any, Meta, error) {
	req, err := dsl.ParseUpdate(input)
	if err != nil {
		return nil, Meta{Model: modelOf(input)}, err
	}
	return rt.mutate(ctx, rc, dsl.OperationUpdate, req.Model, req.ID,
		func(ctx context.Context, p *policy.Policy, md *schema.Metadata) (dsl.MutationResult, []string, error) {
			return rt.mutator.Update(ctx, req, rc, p, md)
		},
		func(ctx context.Context, fn approval.MutationFunc) (dsl.MutationResult, error) {
			return rt.approvals.ExecuteUpdate(ctx, req, rc, fn)
		})
}

func (rt *runtime) delete(ctx context.Context, input map[string]any, rc runctx.RunContext) (any, Meta, error) {
	req, err := dsl.ParseDelete(input)
	if err != nil {
		return nil, Meta{Model: modelOf(input)}, err
	}
	return rt.mutate(ctx, rc, dsl.OperationDelete, req.Model, req.ID,
		func(ctx context.Context, p *policy.Policy, md *schema.Metadata) (dsl.MutationResult, []string, error) {
			return rt.mutator.Delete(ctx, req, rc, p, md)
		},
		func(ctx context.Context, fn approval.MutationFunc) (dsl.MutationResult, error) {
			return rt.approvals.ExecuteDelete(ctx, req, rc, fn)
		})
}

type applyFunc func(ctx context.Context, p *policy.Policy, md *schema.Metadata) (dsl.MutationResult, []string, error)

type gatedFunc func(ctx context.Context, fn approval.MutationFunc) (dsl.MutationResult, error)

// mutate checks the write policy, routes the write through the approval
// gate when the model requires it, and redacts what comes back. Update
// and delete take a before snapshot when the row is readable.
func (rt *runtime) mutate(ctx context.Context, rc runctx.RunContext, op, model string, id any, apply applyFunc, gated gatedFunc) (any, Meta, error) {
	meta := Meta{Model: model}
	p, md, err := rt.load(ctx)
	if err != nil {
		return nil, meta, err
	}
	wp, err := p.CheckWrite(model, op)
	if err != nil {
		return nil, meta, err
	}

	// run is only called by the caller that claims the approval, so the
	// captured decisions and before stay empty for callers that merely
	// observe a stored outcome.
	var (
		decisions []string
		before    map[string]any
	)
	run := func(ctx context.Context) (dsl.MutationResult, error) {
		if op != dsl.OperationCreate {
			before = rt.snapshot(ctx, rc, p, md, model, id)
		}
		res, d, err := apply(ctx, p, md)
		decisions = d
		return res, err
	}

	var res dsl.MutationResult
	if wp.RequireApproval {
		res, err = gated(ctx, run)
	} else {
		res, err = run(ctx)
	}

	meta.PolicyDecisions = decisions
	if wp.RequireApproval {
		meta.PolicyDecisions = append([]string{"approval:required"}, meta.PolicyDecisions...)
	}
	if err != nil {
		return nil, meta, err
	}

	res.Data = redact.New(p, model).RedactRecord(res.Data)
	affected := res.AffectedRows
	meta.AffectedRows = &affected
	meta.Before = before
	if op != dsl.OperationDelete {
		meta.After = res.Data
	}
	return res, meta, nil
}

// snapshot reads the row a write is about to change, redacted as a read
// would be. Models the principal cannot read yield no snapshot.
func (rt *runtime) snapshot(ctx context.Context, rc runctx.RunContext, p *policy.Policy, md *schema.Metadata, model string, id any) map[string]any {
	if p.CheckRead(rc.Principal, model) != nil {
		return nil
	}
	req, err := dsl.GetRequest{Model: model, ID: id}.Validate()
	if err != nil {
		return nil
	}
	cq, err := rt.adapter.CompileGet(ctx, req, rc, p, md)
	if err == nil {
		var res dsl.GetResult
		res, err = rt.adapter.ExecuteGet(ctx, cq, rc)
		if err == nil && res.Found {
			return redact.New(p, model).RedactRecord(res.Data)
		}
	}
	if err != nil {
		rt.logger.Debug("before snapshot skipped",
			zap.String("model", model),
			zap.String("error_code", string(errs.CodeOf(err))))
	}
	return nil
}
