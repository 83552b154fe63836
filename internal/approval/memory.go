package approval

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemoryGate keeps requests in process behind a mutex.
type MemoryGate struct {
	mu       sync.Mutex
	requests map[string]Request
	current  map[string]string // key -> id of its latest generation
	now      func() time.Time
	lease    time.Duration
}

// MemoryOption configures a MemoryGate.
type MemoryOption func(*MemoryGate)

// WithClock replaces time.Now for decision and claim timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(g *MemoryGate) { g.now = now }
}

// WithClaimLease replaces DefaultClaimLease.
func WithClaimLease(d time.Duration) MemoryOption {
	return func(g *MemoryGate) {
		if d > 0 {
			g.lease = d
		}
	}
}

// NewMemoryGate creates an empty gate.
func NewMemoryGate(opts ...MemoryOption) *MemoryGate {
	g := &MemoryGate{
		requests: map[string]Request{},
		current:  map[string]string{},
		now:      time.Now,
		lease:    DefaultClaimLease,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func copyRequest(r Request) Request {
	r.Payload = maps.Clone(r.Payload)
	r.Principal = r.Principal.Clone()
	if r.Result != nil {
		out := *r.Result
		out.Data = maps.Clone(out.Data)
		r.Result = &out
	}
	return r
}

// Submit implements Gate.
func (g *MemoryGate) Submit(_ context.Context, req Request) (Request, error) {
	if req.Key == "" && req.ID == "" {
		return Request{}, ErrNoKey
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	key := req.Key
	if key == "" {
		key = req.ID
	}
	var prev *Request
	if id, ok := g.current[key]; ok {
		cur := g.requests[id]
		if !cur.Status.Terminal() {
			return copyRequest(cur), nil
		}
		prev = &cur
	}
	next := nextGeneration(req, prev, g.now())
	g.requests[next.ID] = copyRequest(next)
	g.current[next.Key] = next.ID
	return copyRequest(next), nil
}

// Get implements Gate.
func (g *MemoryGate) Get(_ context.Context, id string) (Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return copyRequest(r), nil
}

// update applies fn to the stored request. fn returning an error leaves
// the request unchanged.
func (g *MemoryGate) update(id string, fn func(*Request) error) (Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	next := copyRequest(r)
	if err := fn(&next); err != nil {
		return copyRequest(r), err
	}
	g.requests[id] = next
	return copyRequest(next), nil
}

// Decide implements Gate.
func (g *MemoryGate) Decide(_ context.Context, id string, approve bool, decider, reason string) (Request, error) {
	return g.update(id, func(r *Request) error {
		return decide(r, approve, decider, reason, g.now())
	})
}

// Approve implements Gate.
func (g *MemoryGate) Approve(ctx context.Context, id, decider, reason string) (Request, error) {
	return g.Decide(ctx, id, true, decider, reason)
}

// Reject implements Gate.
func (g *MemoryGate) Reject(ctx context.Context, id, decider, reason string) (Request, error) {
	return g.Decide(ctx, id, false, decider, reason)
}

// Claim implements Gate.
func (g *MemoryGate) Claim(_ context.Context, id string) (Request, bool, error) {
	r, err := g.update(id, func(r *Request) error {
		if !claim(r, g.now(), g.lease) {
			return ErrInvalidTransition
		}
		return nil
	})
	if errors.Is(err, ErrInvalidTransition) {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	return r, true, nil
}

// Complete implements Gate.
func (g *MemoryGate) Complete(_ context.Context, id string, attempt int, out Outcome) (Request, error) {
	return g.update(id, func(r *Request) error {
		return complete(r, attempt, out)
	})
}

// Pending implements Gate.
func (g *MemoryGate) Pending(_ context.Context, tenantID string) ([]Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Request
	for _, r := range g.requests {
		if r.Status != StatusPending || (tenantID != "" && r.Principal.TenantID != tenantID) {
			continue
		}
		out = append(out, copyRequest(r))
	}
	sortPending(out)
	return out, nil
}

func sortPending(rs []Request) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

// AlwaysApprove approves every request as it is submitted. It suits
// development profiles where writes need no human in the loop.
type AlwaysApprove struct {
	*MemoryGate
}

// NewAlwaysApprove creates an auto-approving gate.
func NewAlwaysApprove(opts ...MemoryOption) AlwaysApprove {
	return AlwaysApprove{MemoryGate: NewMemoryGate(opts...)}
}

// Submit stores the request and approves it if it is still pending.
func (a AlwaysApprove) Submit(ctx context.Context, req Request) (Request, error) {
	r, err := a.MemoryGate.Submit(ctx, req)
	if err != nil || r.Status != StatusPending {
		return r, err
	}
	r, err = a.MemoryGate.Decide(ctx, r.ID, true, "auto", "auto-approved")
	if errors.Is(err, ErrInvalidTransition) {
		// A concurrent submit approved it first.
		return r, nil
	}
	return r, err
}
