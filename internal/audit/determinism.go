package audit

import (
	"context"
	"fmt"
)

// DefaultRuns is how many times Check executes a call.
const DefaultRuns = 3

// DeterminismResult reports whether repeated executions agreed. Each
// difference names the run that diverged from the first.
type DeterminismResult struct {
	CallID        string   `json:"call_id"`
	ToolName      string   `json:"tool_name"`
	Runs          int      `json:"runs"`
	Deterministic bool     `json:"deterministic"`
	Differences   []string `json:"differences,omitempty"`
}

// DeterminismChecker runs one call several times under the same context
// and compares every outcome with the first.
type DeterminismChecker struct {
	engine *ReplayEngine
}

// NewDeterminismChecker shares the replay engine's executor, context
// factory and comparator.
func NewDeterminismChecker(executor Executor, opts ...ReplayOption) *DeterminismChecker {
	return &DeterminismChecker{engine: NewReplayEngine(executor, opts...)}
}

// Check executes call runs times. runs below 2 uses DefaultRuns.
func (d *DeterminismChecker) Check(ctx context.Context, call RecordedCall, runs int) DeterminismResult {
	if runs < 2 {
		runs = DefaultRuns
	}
	res := DeterminismResult{CallID: call.ID, ToolName: call.ToolName, Runs: runs, Deterministic: true}
	first := d.engine.run(ctx, call)
	for i := 2; i <= runs; i++ {
		next := d.engine.run(ctx, call)
		if diff := d.diff(first, next); diff != "" {
			res.Deterministic = false
			res.Differences = append(res.Differences, fmt.Sprintf("run %d: %s", i, diff))
		}
	}
	return res
}

// CheckAll checks every call and returns the results in order.
func (d *DeterminismChecker) CheckAll(ctx context.Context, calls []RecordedCall, runs int) []DeterminismResult {
	out := make([]DeterminismResult, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			break
		}
		out = append(out, d.Check(ctx, call, runs))
	}
	return out
}

func (d *DeterminismChecker) diff(first, next Outcome) string {
	switch {
	case first.OK != next.OK:
		return fmt.Sprintf("ok changed from %t to %t", first.OK, next.OK)
	case !first.OK:
		if first.ErrorCode != next.ErrorCode {
			return fmt.Sprintf("error code changed from %s to %s", first.ErrorCode, next.ErrorCode)
		}
		return ""
	}
	if ok, detail := d.engine.compare(first.Data, next.Data); !ok {
		return detail
	}
	return ""
}
