package approval

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/testutil"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return t0 }

func acme() runctx.Principal { return runctx.NewPrincipal("acme", "u1", "ops") }

func TestRequestID(t *testing.T) {
	payload := map[string]any{"model": "Order", "id": float64(3), "data": map[string]any{"status": "paid"}}
	a, err := RequestID("update", "Order", payload, "acme")
	require.NoError(t, err)
	b, err := RequestID("update", "Order", map[string]any{"data": map[string]any{"status": "paid"}, "id": 3, "model": "Order"}, "acme")
	require.NoError(t, err)
	assert.Equal(t, a, b, "key order and number representation do not matter")

	other, err := RequestID("update", "Order", payload, "globex")
	require.NoError(t, err)
	assert.NotEqual(t, a, other, "tenants never share an approval")

	del, err := RequestID("delete", "Order", payload, "acme")
	require.NoError(t, err)
	assert.NotEqual(t, a, del)
}

func TestNewRequest(t *testing.T) {
	r, err := NewRequest("delete", "Order", map[string]any{"id": 1}, acme(), t0)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "acme", r.Principal.TenantID)
	assert.Equal(t, t0, r.CreatedAt)
	assert.Len(t, r.Key, 64)
	assert.Empty(t, r.ID, "the gate assigns ids")
}

func TestGenerationID(t *testing.T) {
	assert.Equal(t, "abc-3", generationID("abc", 3))
	assert.Equal(t, 3, generationOf("abc-3"))
	assert.Equal(t, 0, generationOf("abc"))
	assert.Equal(t, 0, generationOf("abc-x"))
}

type gateFactory struct {
	name string
	open func(t *testing.T) Gate
}

func newRedisGate(t *testing.T) *RedisGate {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisGate(client, WithRedisClock(fixedNow))
}

func gates() []gateFactory {
	return []gateFactory{
		{"memory", func(t *testing.T) Gate { return NewMemoryGate(WithClock(fixedNow)) }},
		{"redis", func(t *testing.T) Gate { return newRedisGate(t) }},
	}
}

// leasedGates open gates on a manual clock with a one minute claim lease.
func leasedGates(clock *testutil.Clock) []gateFactory {
	return []gateFactory{
		{"memory", func(t *testing.T) Gate {
			return NewMemoryGate(WithClock(clock.Now), WithClaimLease(time.Minute))
		}},
		{"redis", func(t *testing.T) Gate {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisGate(client, WithRedisClock(clock.Now), WithRedisClaimLease(time.Minute))
		}},
	}
}

func submit(t *testing.T, g Gate, op string, id any, tenant string) Request {
	t.Helper()
	r, err := NewRequest(op, "Order", map[string]any{"id": id}, runctx.NewPrincipal(tenant, "u1"), t0)
	require.NoError(t, err)
	stored, err := g.Submit(context.Background(), r)
	require.NoError(t, err)
	return stored
}

func TestGate_Lifecycle(t *testing.T) {
	for _, f := range gates() {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			g := f.open(t)

			r := submit(t, g, "delete", 1, "acme")
			assert.Equal(t, StatusPending, r.Status)
			assert.Equal(t, 1, r.Generation)
			assert.Equal(t, generationID(r.Key, 1), r.ID)

			again := submit(t, g, "delete", 1, "acme")
			assert.Equal(t, r.ID, again.ID)

			_, ok, err := g.Claim(ctx, r.ID)
			require.NoError(t, err)
			assert.False(t, ok, "pending requests cannot be claimed")

			approved, err := g.Approve(ctx, r.ID, "lead", "looks fine")
			require.NoError(t, err)
			assert.Equal(t, StatusApproved, approved.Status)
			assert.Equal(t, "lead", approved.Decider)
			assert.Equal(t, t0, approved.DecidedAt)

			_, err = g.Reject(ctx, r.ID, "lead", "changed my mind")
			assert.ErrorIs(t, err, ErrInvalidTransition)

			claimed, ok, err := g.Claim(ctx, r.ID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, StatusExecuting, claimed.Status)
			assert.Equal(t, 1, claimed.Attempts)
			assert.Equal(t, t0, claimed.ClaimedAt)

			again = submit(t, g, "delete", 1, "acme")
			assert.Equal(t, r.ID, again.ID, "an executing request is still open")

			_, ok, err = g.Claim(ctx, r.ID)
			require.NoError(t, err)
			assert.False(t, ok, "second claim must lose")

			done, err := g.Complete(ctx, r.ID, claimed.Attempts, Outcome{AffectedRows: 1, Data: map[string]any{"id": float64(1)}})
			require.NoError(t, err)
			assert.Equal(t, StatusExecuted, done.Status)

			got, err := g.Get(ctx, r.ID)
			require.NoError(t, err)
			require.NotNil(t, got.Result)
			assert.Equal(t, int64(1), got.Result.AffectedRows)
			assert.Equal(t, map[string]any{"id": float64(1)}, got.Result.Data)

			_, err = g.Complete(ctx, r.ID, claimed.Attempts, Outcome{})
			assert.ErrorIs(t, err, ErrInvalidTransition)
		})
	}
}

func TestGate_TerminalRequestsStartNewGeneration(t *testing.T) {
	for _, f := range gates() {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			g := f.open(t)

			first := submit(t, g, "update", 7, "acme")
			_, err := g.Reject(ctx, first.ID, "lead", "no")
			require.NoError(t, err)

			second := submit(t, g, "update", 7, "acme")
			assert.Equal(t, first.Key, second.Key)
			assert.NotEqual(t, first.ID, second.ID)
			assert.Equal(t, 2, second.Generation)
			assert.Equal(t, StatusPending, second.Status)
			assert.Equal(t, first.ID, second.PreviousID)
			assert.Equal(t, StatusRejected, second.PreviousStatus)

			old, err := g.Get(ctx, first.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusRejected, old.Status, "earlier generations keep their decision")

			_, err = g.Approve(ctx, second.ID, "lead", "")
			require.NoError(t, err)
			assert.Equal(t, second.ID, submit(t, g, "update", 7, "acme").ID, "an approved request is still open")

			claimed, ok, err := g.Claim(ctx, second.ID)
			require.NoError(t, err)
			require.True(t, ok)
			_, err = g.Complete(ctx, second.ID, claimed.Attempts, Outcome{AffectedRows: 1})
			require.NoError(t, err)

			third := submit(t, g, "update", 7, "acme")
			assert.Equal(t, 3, third.Generation)
			assert.Equal(t, StatusPending, third.Status)
			assert.Equal(t, StatusExecuted, third.PreviousStatus)
			assert.Nil(t, third.Result)

			pending, err := g.Pending(ctx, "acme")
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, third.ID, pending[0].ID)
		})
	}
}

func TestGate_ClaimLease(t *testing.T) {
	clock := testutil.NewClock(t0)
	for _, f := range leasedGates(clock) {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			g := f.open(t)

			r := submit(t, g, "delete", 4, "acme")
			_, err := g.Approve(ctx, r.ID, "lead", "")
			require.NoError(t, err)

			first, ok, err := g.Claim(ctx, r.ID)
			require.NoError(t, err)
			require.True(t, ok)

			clock.Advance(59 * time.Second)
			_, ok, err = g.Claim(ctx, r.ID)
			require.NoError(t, err)
			assert.False(t, ok, "the claim is live inside its lease")

			clock.Advance(time.Second)
			second, ok, err := g.Claim(ctx, r.ID)
			require.NoError(t, err)
			require.True(t, ok, "an expired claim can be taken over")
			assert.Equal(t, 2, second.Attempts)
			assert.Equal(t, clock.Now(), second.ClaimedAt)

			_, err = g.Complete(ctx, r.ID, first.Attempts, Outcome{AffectedRows: 9})
			assert.ErrorIs(t, err, ErrInvalidTransition, "the stale claimer cannot complete")

			done, err := g.Complete(ctx, r.ID, second.Attempts, Outcome{AffectedRows: 1})
			require.NoError(t, err)
			assert.Equal(t, int64(1), done.Result.AffectedRows)

			clock.Advance(time.Hour)
			_, ok, err = g.Claim(ctx, r.ID)
			require.NoError(t, err)
			assert.False(t, ok, "executed requests are never claimed again")
		})
	}
}

func TestGate_RejectAndPending(t *testing.T) {
	for _, f := range gates() {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			g := f.open(t)

			a := submit(t, g, "delete", 1, "acme")
			b := submit(t, g, "delete", 2, "acme")
			submit(t, g, "delete", 3, "globex")

			pending, err := g.Pending(ctx, "acme")
			require.NoError(t, err)
			assert.Len(t, pending, 2)

			all, err := g.Pending(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			rejected, err := g.Decide(ctx, a.ID, false, "lead", "no")
			require.NoError(t, err)
			assert.Equal(t, StatusRejected, rejected.Status)
			assert.Equal(t, "no", rejected.Reason)

			pending, err = g.Pending(ctx, "acme")
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, b.ID, pending[0].ID)

			_, err = g.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = g.Approve(ctx, "missing", "lead", "")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAlwaysApprove(t *testing.T) {
	g := NewAlwaysApprove(WithClock(fixedNow))
	r := submit(t, g, "create", 1, "acme")
	assert.Equal(t, StatusApproved, r.Status)
	assert.Equal(t, "auto", r.Decider)

	pending, err := g.Pending(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = g.Submit(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestOpenRedisGate(t *testing.T) {
	mr := miniredis.RunT(t)
	g, err := OpenRedisGate(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer g.Close()

	_, err = OpenRedisGate(context.Background(), "http://nope")
	assert.Error(t, err)
}
