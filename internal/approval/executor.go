package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/querygate/internal/dsl"
	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/telemetry"
)

// MutationFunc performs the side effect an approval guards.
type MutationFunc func(ctx context.Context) (dsl.MutationResult, error)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithPollInterval sets how often a caller re-reads a request another
// process is executing.
func WithPollInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.poll = d
		}
	}
}

// WithExecutorClock replaces time.Now for request creation times.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// Executor runs each approved request exactly once while its claim is
// live. Concurrent callers for one id in this process share a single
// flight; callers in other processes lose the gate's claim and wait for
// the stored outcome, taking the request over if the claim lease expires.
type Executor struct {
	gate   Gate
	group  singleflight.Group
	logger *zap.Logger
	poll   time.Duration
	now    func() time.Time
}

// NewExecutor creates an executor over gate.
func NewExecutor(gate Gate, opts ...ExecutorOption) *Executor {
	e := &Executor{gate: gate, logger: zap.NewNop(), poll: 25 * time.Millisecond, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Gate returns the underlying gate.
func (e *Executor) Gate() Gate { return e.gate }

// ExecuteCreate gates a create request.
func (e *Executor) ExecuteCreate(ctx context.Context, req dsl.CreateRequest, rc runctx.RunContext, fn MutationFunc) (dsl.MutationResult, error) {
	return e.execute(ctx, dsl.OperationCreate, req.Model, req, rc, fn)
}

// ExecuteUpdate gates an update request.
func (e *Executor) ExecuteUpdate(ctx context.Context, req dsl.UpdateRequest, rc runctx.RunContext, fn MutationFunc) (dsl.MutationResult, error) {
	return e.execute(ctx, dsl.OperationUpdate, req.Model, req, rc, fn)
}

// ExecuteDelete gates a delete request.
func (e *Executor) ExecuteDelete(ctx context.Context, req dsl.DeleteRequest, rc runctx.RunContext, fn MutationFunc) (dsl.MutationResult, error) {
	return e.execute(ctx, dsl.OperationDelete, req.Model, req, rc, fn)
}

// execute submits the mutation and runs it if its current request is
// already approved. A pending request yields WRITE_APPROVAL_REQUIRED
// carrying its id, and the id and status of the generation it replaced.
func (e *Executor) execute(ctx context.Context, op, model string, req any, rc runctx.RunContext, fn MutationFunc) (dsl.MutationResult, error) {
	payload, err := PayloadOf(req)
	if err != nil {
		return dsl.MutationResult{}, errs.Internal(err)
	}
	r, err := NewRequest(op, model, payload, rc.Principal, e.now())
	if err != nil {
		return dsl.MutationResult{}, errs.Internal(err)
	}
	stored, err := e.gate.Submit(ctx, r)
	if err != nil {
		return dsl.MutationResult{}, errs.Wrap(errs.CodeInternal, err, "submit approval")
	}
	if stored.Status == StatusPending {
		telemetry.RecordApproval(ctx, op, string(StatusPending))
		e.logger.Info("mutation awaiting approval",
			zap.String("approval_id", stored.ID),
			zap.String("operation", op),
			zap.String("model", model),
			zap.String("tenant_id", rc.TenantID()))
		err := errs.WriteApprovalRequired(op, model, stored.ID)
		if stored.PreviousID != "" {
			err = err.With("previous_approval_id", stored.PreviousID).
				With("previous_status", string(stored.PreviousStatus))
		}
		return dsl.MutationResult{}, err
	}
	return e.CheckAndExecute(ctx, stored.ID, fn)
}

// CheckAndExecute runs fn if id is approved and not yet executed. Every
// caller, including those arriving after execution, gets the outcome of
// the single run. A failed run still consumes the approval.
func (e *Executor) CheckAndExecute(ctx context.Context, id string, fn MutationFunc) (dsl.MutationResult, error) {
	v, err, _ := e.group.Do(id, func() (any, error) {
		return e.checkAndExecute(ctx, id, fn)
	})
	if err != nil {
		return dsl.MutationResult{}, err
	}
	out := v.(Outcome)
	return dsl.MutationResult{Data: out.Data, AffectedRows: out.AffectedRows}, out.Err()
}

func (e *Executor) checkAndExecute(ctx context.Context, id string, fn MutationFunc) (Outcome, error) {
	for {
		r, err := e.gate.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return Outcome{}, errs.New(errs.CodeNotFound, "approval %s not found", id)
		}
		if err != nil {
			return Outcome{}, errs.Wrap(errs.CodeInternal, err, "read approval %s", id)
		}

		switch r.Status {
		case StatusPending:
			return Outcome{}, errs.WriteApprovalRequired(r.Operation, r.Model, id)
		case StatusRejected:
			return Outcome{}, errs.New(errs.CodeApprovalRejected, "approval %s was rejected: %s", id, r.Reason).
				With("approval_id", id)
		case StatusExecuted:
			if r.Result == nil {
				return Outcome{}, nil
			}
			return *r.Result, nil
		case StatusApproved, StatusExecuting:
			claimed, ok, err := e.gate.Claim(ctx, id)
			if err != nil {
				return Outcome{}, errs.Wrap(errs.CodeInternal, err, "claim approval %s", id)
			}
			if ok {
				if claimed.Attempts > 1 {
					e.logger.Warn("approval claim taken over after lease expiry",
						zap.String("approval_id", id),
						zap.Int("attempt", claimed.Attempts))
				}
				return e.run(ctx, claimed, fn)
			}
			if claimed.Status == StatusExecuting {
				if err := e.wait(ctx); err != nil {
					return Outcome{}, err
				}
			}
		default:
			return Outcome{}, errs.New(errs.CodeInternal, "approval %s has unknown status %q", id, r.Status)
		}
	}
}

func (e *Executor) wait(ctx context.Context) error {
	t := time.NewTimer(e.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errs.Wrap(errs.CodeInternal, ctx.Err(), "waiting for approval execution")
	case <-t.C:
		return nil
	}
}

func (e *Executor) run(ctx context.Context, r Request, fn MutationFunc) (out Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = Outcome{ErrorCode: string(errs.CodeInternal), Error: fmt.Sprintf("mutation panicked: %v", p)}
			err = e.complete(ctx, r, out)
		}
	}()

	res, runErr := fn(ctx)
	out = Outcome{Data: res.Data, AffectedRows: res.AffectedRows}
	if runErr != nil {
		out = failed(runErr)
	}
	if err := e.complete(ctx, r, out); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (e *Executor) complete(ctx context.Context, r Request, out Outcome) error {
	// The outcome must be stored even when the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	_, err := e.gate.Complete(ctx, r.ID, r.Attempts, out)
	if errors.Is(err, ErrInvalidTransition) {
		// The lease ran out and another caller took the request over; its
		// outcome is the one stored.
		e.logger.Warn("approval claim lost before completion",
			zap.String("approval_id", r.ID),
			zap.Int("attempt", r.Attempts),
			zap.String("error_code", out.ErrorCode))
		return nil
	}
	if err != nil {
		e.logger.Error("approval outcome not stored",
			zap.String("approval_id", r.ID),
			zap.Error(err))
		return errs.Wrap(errs.CodeInternal, err, "complete approval %s", r.ID)
	}
	status := string(StatusExecuted)
	if out.ErrorCode != "" {
		status = "FAILED"
	}
	telemetry.RecordApproval(ctx, r.Operation, status)
	e.logger.Info("approved mutation executed",
		zap.String("approval_id", r.ID),
		zap.String("operation", r.Operation),
		zap.String("model", r.Model),
		zap.Int64("affected_rows", out.AffectedRows),
		zap.String("error_code", out.ErrorCode))
	return nil
}
