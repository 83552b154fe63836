package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/querygate/internal/dsl"
	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/testutil"
)

func rc() runctx.RunContext {
	return runctx.New(acme(), runctx.WithTimestamp(t0))
}

func deleteReq() dsl.DeleteRequest { return dsl.DeleteRequest{Model: "Order", ID: float64(3)} }

func counting(n *atomic.Int32, res dsl.MutationResult, err error) MutationFunc {
	return func(context.Context) (dsl.MutationResult, error) {
		n.Add(1)
		return res, err
	}
}

func approvalID(t *testing.T, err error) string {
	t.Helper()
	e, ok := errs.As(err)
	require.True(t, ok, "expected *errs.Error, got %v", err)
	require.Equal(t, errs.CodeWriteApprovalRequired, e.Code)
	id, _ := e.Details["approval_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestExecutor_PendingThenApproved(t *testing.T) {
	ctx := context.Background()
	gate := NewMemoryGate(WithClock(fixedNow))
	ex := NewExecutor(gate, WithExecutorClock(fixedNow))
	var runs atomic.Int32
	fn := counting(&runs, dsl.MutationResult{AffectedRows: 1, Data: map[string]any{"id": 3}}, nil)

	_, err := ex.ExecuteDelete(ctx, deleteReq(), rc(), fn)
	id := approvalID(t, err)
	assert.Zero(t, runs.Load())

	_, err = gate.Approve(ctx, id, "lead", "ok")
	require.NoError(t, err)

	res, err := ex.ExecuteDelete(ctx, deleteReq(), rc(), fn)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.AffectedRows)
	assert.Equal(t, int32(1), runs.Load())

	// Asking for the executed request again returns its stored outcome.
	res, err = ex.CheckAndExecute(ctx, id, fn)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.AffectedRows)
	assert.Equal(t, int32(1), runs.Load())
}

func TestExecutor_IdenticalMutationAfterTerminalNeedsNewApproval(t *testing.T) {
	ctx := context.Background()
	gate := NewMemoryGate(WithClock(fixedNow))
	ex := NewExecutor(gate, WithExecutorClock(fixedNow))
	var runs atomic.Int32
	fn := counting(&runs, dsl.MutationResult{AffectedRows: 1}, nil)

	_, err := ex.ExecuteDelete(ctx, deleteReq(), rc(), fn)
	first := approvalID(t, err)
	_, err = gate.Approve(ctx, first, "lead", "ok")
	require.NoError(t, err)
	_, err = ex.ExecuteDelete(ctx, deleteReq(), rc(), fn)
	require.NoError(t, err)

	_, err = ex.ExecuteDelete(ctx, deleteReq(), rc(), fn)
	second := approvalID(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(1), runs.Load(), "an executed approval is not replayed as a new write")
	e, _ := errs.As(err)
	assert.Equal(t, first, e.Details["previous_approval_id"])
	assert.Equal(t, string(StatusExecuted), e.Details["previous_status"])

	_, err = gate.Reject(ctx, second, "lead", "not again")
	require.NoError(t, err)
	_, err = ex.ExecuteDelete(ctx, deleteReq(), rc(), fn)
	third := approvalID(t, err)
	assert.NotEqual(t, second, third)
	e, _ = errs.As(err)
	assert.Equal(t, string(StatusRejected), e.Details["previous_status"])

	r, err := gate.Get(ctx, third)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, 3, r.Generation)
}

func TestExecutor_Rejected(t *testing.T) {
	ctx := context.Background()
	gate := NewMemoryGate()
	ex := NewExecutor(gate)
	var runs atomic.Int32

	_, err := ex.ExecuteCreate(ctx, dsl.CreateRequest{Model: "Order", Data: map[string]any{"status": "new"}}, rc(), counting(&runs, dsl.MutationResult{}, nil))
	id := approvalID(t, err)
	_, err = gate.Reject(ctx, id, "lead", "not today")
	require.NoError(t, err)

	_, err = ex.CheckAndExecute(ctx, id, counting(&runs, dsl.MutationResult{}, nil))
	assert.True(t, errs.Is(err, errs.CodeApprovalRejected))
	assert.Zero(t, runs.Load())

	_, err = ex.CheckAndExecute(ctx, "missing", counting(&runs, dsl.MutationResult{}, nil))
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestExecutor_FailureConsumesApproval(t *testing.T) {
	ctx := context.Background()
	gate := NewMemoryGate()
	ex := NewExecutor(gate)
	var runs atomic.Int32
	boom := errs.MaxAffectedRowsExceeded("Order", 1, 4)
	id := approveFresh(t, gate)

	_, err := ex.CheckAndExecute(ctx, id, counting(&runs, dsl.MutationResult{}, boom))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeMaxAffectedRowsExceeded))

	_, err = ex.CheckAndExecute(ctx, id, counting(&runs, dsl.MutationResult{}, nil))
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeMaxAffectedRowsExceeded, e.Code)
	assert.Equal(t, "Order", e.Details["model"])
	assert.Equal(t, int32(1), runs.Load(), "a failed run is not retried")
}

func TestExecutor_PanicIsStored(t *testing.T) {
	ctx := context.Background()
	gate := NewAlwaysApprove()
	ex := NewExecutor(gate)
	_, err := ex.ExecuteDelete(ctx, deleteReq(), rc(), func(context.Context) (dsl.MutationResult, error) {
		panic("driver exploded")
	})
	assert.True(t, errs.Is(err, errs.CodeInternal))

	pending, _ := gate.Pending(ctx, "")
	assert.Empty(t, pending)
}

func approveFresh(t *testing.T, g Gate) string {
	t.Helper()
	r := submit(t, g, "delete", 9, "acme")
	_, err := g.Approve(context.Background(), r.ID, "lead", "")
	require.NoError(t, err)
	return r.ID
}

func TestExecutor_ConcurrentCallersRunOnce(t *testing.T) {
	for _, f := range gates() {
		t.Run(f.name, func(t *testing.T) {
			gate := f.open(t)
			id := approveFresh(t, gate)

			// Two executors model two processes sharing one gate.
			executors := []*Executor{NewExecutor(gate), NewExecutor(gate)}
			var runs atomic.Int32
			fn := func(context.Context) (dsl.MutationResult, error) {
				runs.Add(1)
				return dsl.MutationResult{AffectedRows: 1, Data: map[string]any{"id": float64(9)}}, nil
			}

			const callers = 32
			results := make([]dsl.MutationResult, callers)
			failures := make([]error, callers)
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], failures[i] = executors[i%2].CheckAndExecute(context.Background(), id, fn)
				}(i)
			}
			wg.Wait()

			assert.Equal(t, int32(1), runs.Load())
			for i := 0; i < callers; i++ {
				require.NoError(t, failures[i])
				assert.Equal(t, int64(1), results[i].AffectedRows)
				assert.Equal(t, map[string]any{"id": float64(9)}, results[i].Data)
			}
		})
	}
}

func TestExecutor_AutoApprovedWritesRunEachTime(t *testing.T) {
	ctx := context.Background()
	ex := NewExecutor(NewAlwaysApprove())
	var runs atomic.Int32
	fn := counting(&runs, dsl.MutationResult{AffectedRows: 1}, nil)

	for range 2 {
		res, err := ex.ExecuteDelete(ctx, deleteReq(), rc(), fn)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.AffectedRows)
	}
	assert.Equal(t, int32(2), runs.Load())
}

func TestExecutor_TakesOverExpiredClaim(t *testing.T) {
	clock := testutil.NewClock(t0)
	for _, f := range leasedGates(clock) {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			gate := f.open(t)
			id := approveFresh(t, gate)

			// A claimer that dies without completing.
			_, ok, err := gate.Claim(ctx, id)
			require.NoError(t, err)
			require.True(t, ok)

			ex := NewExecutor(gate, WithPollInterval(time.Millisecond))
			var runs atomic.Int32
			fn := counting(&runs, dsl.MutationResult{AffectedRows: 1}, nil)

			waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			_, err = ex.CheckAndExecute(waitCtx, id, fn)
			assert.True(t, errs.Is(err, errs.CodeInternal), "a live claim is waited on")
			assert.Zero(t, runs.Load())

			clock.Advance(time.Minute)
			res, err := ex.CheckAndExecute(ctx, id, fn)
			require.NoError(t, err)
			assert.Equal(t, int64(1), res.AffectedRows)
			assert.Equal(t, int32(1), runs.Load())

			r, err := gate.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusExecuted, r.Status)
			assert.Equal(t, 2, r.Attempts)
		})
	}
}

func TestExecutor_CancelledWhileAnotherExecutes(t *testing.T) {
	gate := NewMemoryGate()
	id := approveFresh(t, gate)
	_, ok, err := gate.Claim(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewExecutor(gate).CheckAndExecute(ctx, id, func(context.Context) (dsl.MutationResult, error) {
		return dsl.MutationResult{}, errors.New("must not run")
	})
	assert.True(t, errs.Is(err, errs.CodeInternal))
}
