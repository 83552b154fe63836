package audit

import (
	"context"
	"fmt"

	"github.com/roach88/querygate/internal/canon"
	"github.com/roach88/querygate/internal/runctx"
)

// Outcome is the comparable part of a tool result.
type Outcome struct {
	OK        bool   `json:"ok"`
	Data      any    `json:"data,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Executor re-invokes a tool by name.
type Executor interface {
	Execute(ctx context.Context, tool string, input map[string]any, rc runctx.RunContext) Outcome
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, tool string, input map[string]any, rc runctx.RunContext) Outcome

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, tool string, input map[string]any, rc runctx.RunContext) Outcome {
	return f(ctx, tool, input, rc)
}

// ContextFactory rebuilds the run context a recorded call executed under.
type ContextFactory func(call RecordedCall) runctx.RunContext

// DefaultContextFactory reuses the recorded principal, request id and
// timestamp.
func DefaultContextFactory(call RecordedCall) runctx.RunContext {
	opts := []runctx.Option{runctx.WithTimestamp(call.Timestamp)}
	if call.RequestID != "" {
		opts = append(opts, runctx.WithRequest(call.RequestID))
	}
	return runctx.New(call.Principal.Clone(), opts...)
}

// Comparator decides whether two successful outputs are the same. The
// string explains a difference.
type Comparator func(original, replayed any) (bool, string)

// CanonicalComparator compares canonical JSON encodings, so key order and
// integer versus float representation do not matter.
func CanonicalComparator(original, replayed any) (bool, string) {
	a, errA := canon.MarshalCanonical(original)
	b, errB := canon.MarshalCanonical(replayed)
	if errA != nil || errB != nil {
		return false, fmt.Sprintf("outputs not comparable: %v %v", errA, errB)
	}
	if string(a) == string(b) {
		return true, ""
	}
	return false, fmt.Sprintf("expected %s, got %s", abbreviate(a), abbreviate(b))
}

func abbreviate(b []byte) string {
	const limit = 200
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}

// MismatchKind classifies a replay difference.
type MismatchKind string

const (
	// MismatchReplayFailed: the original succeeded, the replay failed.
	MismatchReplayFailed MismatchKind = "replay_failed"
	// MismatchReplaySucceeded: the original failed, the replay succeeded.
	MismatchReplaySucceeded MismatchKind = "replay_succeeded"
	// MismatchOutput: both succeeded with different outputs.
	MismatchOutput MismatchKind = "output_differs"
	// MismatchErrorCode: both failed with different error codes.
	MismatchErrorCode MismatchKind = "error_code_differs"
)

// ReplayResult is the verdict for one call.
type ReplayResult struct {
	CallID   string       `json:"call_id"`
	ToolName string       `json:"tool_name"`
	Match    bool         `json:"match"`
	Kind     MismatchKind `json:"kind,omitempty"`
	Detail   string       `json:"detail,omitempty"`
	Original Outcome      `json:"original"`
	Replayed Outcome      `json:"replayed"`
}

// ReplayReport summarizes a batch.
type ReplayReport struct {
	Results    []ReplayResult `json:"results"`
	Total      int            `json:"total"`
	Matched    int            `json:"matched"`
	Mismatched int            `json:"mismatched"`
	Stopped    bool           `json:"stopped,omitempty"`
}

// OK reports whether every replayed call matched.
func (r ReplayReport) OK() bool { return r.Mismatched == 0 }

// ReplayOption configures a ReplayEngine.
type ReplayOption func(*ReplayEngine)

// WithComparator replaces CanonicalComparator.
func WithComparator(c Comparator) ReplayOption {
	return func(e *ReplayEngine) { e.compare = c }
}

// WithContextFactory replaces DefaultContextFactory.
func WithContextFactory(f ContextFactory) ReplayOption {
	return func(e *ReplayEngine) { e.contextFactory = f }
}

// ReplayEngine re-executes recorded calls and reports differences as data.
type ReplayEngine struct {
	executor       Executor
	contextFactory ContextFactory
	compare        Comparator
}

// NewReplayEngine creates an engine around executor.
func NewReplayEngine(executor Executor, opts ...ReplayOption) *ReplayEngine {
	e := &ReplayEngine{
		executor:       executor,
		contextFactory: DefaultContextFactory,
		compare:        CanonicalComparator,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ReplayCall re-invokes one call and compares the outcome with the
// recording. Two failures match when their error codes are equal; the
// messages are not compared.
func (e *ReplayEngine) ReplayCall(ctx context.Context, call RecordedCall) ReplayResult {
	original := call.Outcome()
	replayed := e.run(ctx, call)
	res := ReplayResult{
		CallID:   call.ID,
		ToolName: call.ToolName,
		Original: original,
		Replayed: replayed,
		Match:    true,
	}
	switch {
	case original.OK && !replayed.OK:
		res.Match, res.Kind = false, MismatchReplayFailed
		res.Detail = fmt.Sprintf("replay failed with %s: %s", replayed.ErrorCode, replayed.Error)
	case !original.OK && replayed.OK:
		res.Match, res.Kind = false, MismatchReplaySucceeded
		res.Detail = fmt.Sprintf("original failed with %s, replay succeeded", original.ErrorCode)
	case original.OK && replayed.OK:
		if ok, detail := e.compare(original.Data, replayed.Data); !ok {
			res.Match, res.Kind, res.Detail = false, MismatchOutput, detail
		}
	case original.ErrorCode != replayed.ErrorCode:
		res.Match, res.Kind = false, MismatchErrorCode
		res.Detail = fmt.Sprintf("original failed with %s, replay failed with %s", original.ErrorCode, replayed.ErrorCode)
	}
	return res
}

func (e *ReplayEngine) run(ctx context.Context, call RecordedCall) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{ErrorCode: "INTERNAL_ERROR", Error: fmt.Sprintf("replay panicked: %v", r)}
		}
	}()
	return e.executor.Execute(ctx, call.ToolName, call.Inputs, e.contextFactory(call))
}

// ReplayAll replays calls in order. With stopOnMismatch the batch ends at
// the first difference and Stopped is set.
func (e *ReplayEngine) ReplayAll(ctx context.Context, calls []RecordedCall, stopOnMismatch bool) ReplayReport {
	var report ReplayReport
	for _, call := range calls {
		if ctx.Err() != nil {
			report.Stopped = true
			break
		}
		res := e.ReplayCall(ctx, call)
		report.Results = append(report.Results, res)
		report.Total++
		if res.Match {
			report.Matched++
			continue
		}
		report.Mismatched++
		if stopOnMismatch {
			report.Stopped = report.Total < len(calls)
			break
		}
	}
	return report
}
