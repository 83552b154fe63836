package harness

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/querygate/internal/adapter/sqladapter"
	"github.com/roach88/querygate/internal/approval"
	"github.com/roach88/querygate/internal/audit"
	"github.com/roach88/querygate/internal/policy"
	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/testutil"
	"github.com/roach88/querygate/internal/tools"
)

// Harness is the state of one scenario run.
type Harness struct {
	registry *tools.Registry
	gate     approval.Gate
	clock    *testutil.Clock
	logger   *zap.Logger

	principal Principal
	// approvals maps a flow step index to the approval id its call raised.
	approvals map[int]string
}

// Option configures Run.
type Option func(*runConfig)

type runConfig struct {
	logger *zap.Logger
}

// WithLogger logs steps and tool calls to l.
func WithLogger(l *zap.Logger) Option {
	return func(c *runConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario gets a fresh SQLite database in a temporary directory, a
// manual clock starting at testutil.Epoch and request ids req-1, req-2 and
// so on, so two runs of the same scenario produce the same trace.
//
// The returned error covers setup problems only; failed expectations are
// reported in Result.Errors.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	dir, err := os.MkdirTemp("", "querygate-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	models := s.Models
	if len(models) == 0 && s.Fixture == FixtureShop {
		models = testutil.ShopModels
	}
	a, err := sqladapter.Open("sqlite3", filepath.Join(dir, "scenario.db"),
		sqladapter.WithModelNames(models),
		sqladapter.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario database: %w", err)
	}
	defer a.Close()

	if err := seed(ctx, a.DB(), s); err != nil {
		return nil, err
	}
	p, err := loadPolicy(s)
	if err != nil {
		return nil, err
	}

	clock := testutil.NewClock(time.Time{})
	var gate approval.Gate = approval.NewMemoryGate(approval.WithClock(clock.Now))
	if s.AutoApprove {
		gate = approval.NewAlwaysApprove(approval.WithClock(clock.Now))
	}
	store := audit.NewMemoryStore()
	reg, err := tools.Mount(tools.Config{
		Adapter: a,
		Policy:  policy.NewHolder(p),
		Approvals: approval.NewExecutor(gate,
			approval.WithLogger(cfg.logger),
			approval.WithPollInterval(time.Millisecond),
			approval.WithExecutorClock(clock.Now)),
		Sink:   audit.StoreSink{Store: store, Backend: "memory", Logger: cfg.logger},
		Logger: cfg.logger,
		Clock:  clock.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mount tools: %w", err)
	}

	h := &Harness{
		registry:  reg,
		gate:      gate,
		clock:     clock,
		logger:    cfg.logger.Named("harness"),
		principal: s.Principal,
		approvals: make(map[int]string),
	}

	result := NewResult()
	for i, step := range s.Flow {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("flow step %d: %w", i, err)
		}
	}

	n, err := store.Count(ctx, audit.Filter{})
	if err != nil {
		return nil, fmt.Errorf("count audit records: %w", err)
	}
	result.AuditRecords = n

	actx := &AssertionContext{DB: a.DB(), Audit: store, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, s.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func seed(ctx context.Context, db *sql.DB, s *Scenario) error {
	var stmts []string
	if s.Fixture == FixtureShop {
		stmts = append(stmts, testutil.ShopSchema, testutil.ShopSeed)
	}
	for _, path := range s.SQL {
		// #nosec G304 -- scenario files name their own SQL
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read sql file: %w", err)
		}
		stmts = append(stmts, string(data))
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to seed database: %w", err)
		}
	}
	return nil
}

func loadPolicy(s *Scenario) (*policy.Policy, error) {
	if s.PolicyFile != "" {
		return policy.LoadFile(s.PolicyFile)
	}
	p, err := policy.FromDocument(*s.Policy)
	if err != nil {
		return nil, fmt.Errorf("invalid scenario policy: %w", err)
	}
	return p, nil
}

// executeStep runs one flow step. Every step advances the clock by a
// second so audit timestamps are distinct.
func (h *Harness) executeStep(ctx context.Context, index int, step FlowStep, result *Result) error {
	defer h.clock.Advance(time.Second)

	switch {
	case step.Approve != nil:
		h.decide(ctx, index, *step.Approve, true, result)
		return nil
	case step.Reject != nil:
		h.decide(ctx, index, *step.Reject, false, result)
		return nil
	}

	principal := h.principal
	if step.As != nil {
		principal = *step.As
	}
	rc := runctx.New(
		runctx.NewPrincipal(principal.TenantID, principal.UserID, principal.Roles...),
		runctx.WithRequest(fmt.Sprintf("req-%d", index+1)),
		runctx.WithTimestamp(h.clock.Now()))

	args := step.Args
	if args == nil {
		args = map[string]any{}
	}
	res := h.registry.Execute(ctx, step.Call, args, rc)

	data, err := plain(res.Data)
	if err != nil {
		return fmt.Errorf("decode %s result: %w", step.Call, err)
	}
	ev := TraceEvent{
		Tool:         step.Call,
		Args:         step.Args,
		OK:           res.OK,
		RowCount:     res.Meta.RowCount,
		AffectedRows: res.Meta.AffectedRows,
		Data:         data,
	}
	if res.Error != nil {
		ev.ErrorCode = string(res.Error.Code)
		if id, ok := res.Error.Details["approval_id"].(string); ok {
			ev.ApprovalID = id
			h.approvals[index] = id
		}
	}
	ev = result.AddEvent(ev)

	for _, msg := range checkExpect(index, step, ev) {
		result.AddError(msg)
	}
	h.logger.Debug("flow step completed",
		zap.Int("step", index),
		zap.String("tool", step.Call),
		zap.Bool("ok", ev.OK),
		zap.String("error_code", ev.ErrorCode))
	return nil
}

// decide approves or rejects the request raised by flow step ref.
func (h *Harness) decide(ctx context.Context, index, ref int, approve bool, result *Result) {
	name := "reject"
	if approve {
		name = "approve"
	}
	ev := TraceEvent{Tool: name, Args: map[string]any{"step": ref}}

	id, ok := h.approvals[ref]
	if !ok {
		ev.ErrorCode = "NO_APPROVAL"
		result.AddEvent(ev)
		result.AddError(fmt.Sprintf("flow[%d]: step %d raised no approval request", index, ref))
		return
	}
	decider := h.principal.UserID
	if decider == "" {
		decider = "harness"
	}
	var err error
	if approve {
		_, err = h.gate.Approve(ctx, id, decider, "scenario")
	} else {
		_, err = h.gate.Reject(ctx, id, decider, "scenario")
	}
	ev.OK = err == nil
	if err != nil {
		ev.ErrorCode = "DECISION_FAILED"
		result.AddError(fmt.Sprintf("flow[%d]: %s approval %s: %v", index, name, id, err))
	}
	result.AddEvent(ev)
}

// checkExpect compares a call outcome with the step's expect clause.
func checkExpect(index int, step FlowStep, ev TraceEvent) []string {
	var out []string
	fail := func(format string, args ...any) {
		out = append(out, fmt.Sprintf("flow[%d] %s: ", index, step.Call)+fmt.Sprintf(format, args...))
	}

	want := step.Expect
	if ev.OK != want.wantOK() {
		fail("expected ok=%v, got ok=%v (error_code %q)", want.wantOK(), ev.OK, ev.ErrorCode)
		return out
	}
	if want == nil {
		return out
	}
	if want.ErrorCode != "" && string(want.ErrorCode) != ev.ErrorCode {
		fail("expected error_code %q, got %q", want.ErrorCode, ev.ErrorCode)
	}
	if want.RowCount != nil && (ev.RowCount == nil || *ev.RowCount != *want.RowCount) {
		fail("expected row_count %d, got %s", *want.RowCount, formatPtr(ev.RowCount))
	}
	if want.AffectedRows != nil && (ev.AffectedRows == nil || *ev.AffectedRows != *want.AffectedRows) {
		fail("expected affected_rows %d, got %s", *want.AffectedRows, formatPtr(ev.AffectedRows))
	}
	if want.Data != nil {
		expected, err := plain(want.Data)
		if err != nil {
			fail("expect.data: %v", err)
		} else if msg, ok := matchSubset(ev.Data, expected, "data"); !ok {
			fail("%s", msg)
		}
	}
	return out
}

func formatPtr[T int | int64](v *T) string {
	if v == nil {
		return "none"
	}
	return fmt.Sprint(*v)
}

// plain converts v to the generic values encoding/json produces, so YAML
// literals and tool results compare on equal terms.
func plain(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
