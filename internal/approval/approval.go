// Package approval holds mutations for a human decision and guarantees an
// approved mutation executes exactly once.
//
// A request moves PENDING -> APPROVED|REJECTED, and an approved request
// moves APPROVED -> EXECUTING -> EXECUTED. Each transition is a
// compare-and-swap on the stored request, so of any number of callers
// racing to claim an approved request exactly one wins. The outcome of
// the execution is stored on the request and returned to every later
// caller of that request.
//
// Identical mutations share a key. While the key's current request is
// open, submitting the mutation again returns it; once it is rejected or
// executed, the next submission opens a new generation under the same key.
//
// A claim holds a lease. A request left EXECUTING past its lease, because
// the claimer died, can be claimed again; the stale claimer can then no
// longer complete it.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/querygate/internal/canon"
	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/runctx"
)

// Status is where a request is in its lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusExecuting Status = "EXECUTING"
	StatusExecuted  Status = "EXECUTED"
)

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusExecuted
}

// DefaultClaimLease is how long a claim holds before another caller may
// take the request over.
const DefaultClaimLease = 2 * time.Minute

// Outcome is the stored result of an approved mutation.
type Outcome struct {
	Data         map[string]any `json:"data,omitempty"`
	AffectedRows int64          `json:"affected_rows"`
	ErrorCode    string         `json:"error_code,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
}

// failed records err as an outcome.
func failed(err error) Outcome {
	e, ok := errs.As(err)
	if !ok {
		return Outcome{ErrorCode: string(errs.CodeInternal), Error: err.Error()}
	}
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return Outcome{ErrorCode: string(e.Code), Error: msg, ErrorDetails: e.Details}
}

// Err rebuilds the error a failed execution returned.
func (o Outcome) Err() error {
	if o.ErrorCode == "" && o.Error == "" {
		return nil
	}
	return &errs.Error{Code: errs.Code(o.ErrorCode), Message: o.Error, Details: o.ErrorDetails}
}

// Request is one mutation awaiting or past a decision.
type Request struct {
	ID         string `json:"id"`
	Key        string `json:"key"`
	Generation int    `json:"generation"`

	// PreviousID and PreviousStatus name the terminal generation this
	// one replaced.
	PreviousID     string `json:"previous_id,omitempty"`
	PreviousStatus Status `json:"previous_status,omitempty"`

	Operation string           `json:"operation"`
	Model     string           `json:"model"`
	Payload   map[string]any   `json:"payload"`
	Principal runctx.Principal `json:"principal"`
	Status    Status           `json:"status"`
	Decider   string           `json:"decider,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	DecidedAt time.Time        `json:"decided_at,omitzero"`
	Attempts  int              `json:"attempts,omitempty"`
	ClaimedAt time.Time        `json:"claimed_at,omitzero"`
	Result    *Outcome         `json:"result,omitempty"`
}

// NewRequest builds a pending request. Its key is derived from the
// operation, model, payload and tenant; the gate assigns the id when the
// request is submitted.
func NewRequest(operation, model string, payload map[string]any, p runctx.Principal, now time.Time) (Request, error) {
	key, err := RequestID(operation, model, payload, p.TenantID)
	if err != nil {
		return Request{}, err
	}
	return Request{
		Key:       key,
		Operation: operation,
		Model:     model,
		Payload:   payload,
		Principal: p.Clone(),
		Status:    StatusPending,
		CreatedAt: now.UTC(),
	}, nil
}

// RequestID hashes the identifying parts of a mutation into its key.
func RequestID(operation, model string, payload map[string]any, tenantID string) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	id, err := canon.Hash(canon.DomainApproval, map[string]any{
		"operation": operation,
		"model":     model,
		"payload":   payload,
		"tenant_id": tenantID,
	})
	if err != nil {
		return "", fmt.Errorf("approval id: %w", err)
	}
	return id, nil
}

// generationID names generation gen of key.
func generationID(key string, gen int) string {
	return key + "-" + strconv.Itoa(gen)
}

// generationOf recovers the generation from an id built by generationID.
func generationOf(id string) int {
	i := strings.LastIndexByte(id, '-')
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return 0
	}
	return n
}

// nextGeneration prepares req as the request following cur, the key's
// current request, or as the first one when cur is nil.
func nextGeneration(req Request, cur *Request, now time.Time) Request {
	if req.Key == "" {
		req.Key = req.ID
	}
	req.Generation = 1
	req.PreviousID, req.PreviousStatus = "", ""
	if cur != nil {
		req.Generation = cur.Generation + 1
		req.PreviousID, req.PreviousStatus = cur.ID, cur.Status
	}
	req.ID = generationID(req.Key, req.Generation)
	if req.Status == "" {
		req.Status = StatusPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now.UTC()
	}
	req.Attempts, req.ClaimedAt, req.Result = 0, time.Time{}, nil
	return req
}

// claim moves r to EXECUTING when it is approved, or when it is executing
// under a claim older than lease. It reports whether r changed.
func claim(r *Request, now time.Time, lease time.Duration) bool {
	switch {
	case r.Status == StatusApproved:
	case r.Status == StatusExecuting && now.Sub(r.ClaimedAt) >= lease:
	default:
		return false
	}
	r.Status = StatusExecuting
	r.Attempts++
	r.ClaimedAt = now.UTC()
	return true
}

// PayloadOf converts a request value to the JSON-shaped map stored on an
// approval.
func PayloadOf(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("approval payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("approval payload: %w", err)
	}
	return out, nil
}

var (
	// ErrNotFound is returned for an unknown request id.
	ErrNotFound = errors.New("approval: request not found")
	// ErrInvalidTransition is returned when a request is not in the status
	// a transition starts from.
	ErrInvalidTransition = errors.New("approval: invalid status transition")
	// ErrNoKey is returned when a submitted request has neither key nor id.
	ErrNoKey = errors.New("approval: request has no key")
)

// Gate stores requests and performs their status transitions atomically.
type Gate interface {
	// Submit stores req as the next generation of its key and returns it
	// with its id assigned. When the key's current request is still open
	// (pending, approved or executing) that request is returned instead.
	Submit(ctx context.Context, req Request) (Request, error)
	Get(ctx context.Context, id string) (Request, error)
	Approve(ctx context.Context, id, decider, reason string) (Request, error)
	Reject(ctx context.Context, id, decider, reason string) (Request, error)
	// Decide approves or rejects a pending request.
	Decide(ctx context.Context, id string, approve bool, decider, reason string) (Request, error)
	// Claim moves an approved request, or one whose claim lease has
	// expired, to EXECUTING and counts the attempt. It reports false, with
	// the current request, when there is nothing to claim.
	Claim(ctx context.Context, id string) (Request, bool, error)
	// Complete stores the outcome of the claim numbered attempt. A claim
	// that has since been taken over gets ErrInvalidTransition.
	Complete(ctx context.Context, id string, attempt int, out Outcome) (Request, error)
	// Pending lists pending requests oldest first, optionally for one
	// tenant.
	Pending(ctx context.Context, tenantID string) ([]Request, error)
}

// decide records a decision on a pending request.
func decide(r *Request, approve bool, decider, reason string, now time.Time) error {
	if r.Status != StatusPending {
		return ErrInvalidTransition
	}
	r.Status = StatusRejected
	if approve {
		r.Status = StatusApproved
	}
	r.Decider, r.Reason = decider, reason
	r.DecidedAt = now.UTC()
	return nil
}

// complete stores out if attempt is still the live claim on r.
func complete(r *Request, attempt int, out Outcome) error {
	if r.Status != StatusExecuting || r.Attempts != attempt {
		return ErrInvalidTransition
	}
	r.Status = StatusExecuted
	r.Result = &out
	return nil
}
