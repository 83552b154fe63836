package tools

import (
	"context"
	"fmt"
	"maps"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/querygate/internal/audit"
	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/telemetry"
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSink persists one audit record per executed call.
func WithSink(s audit.Sink) RegistryOption {
	return func(r *Registry) { r.sink = s }
}

// WithRecorder captures executed calls for replay.
func WithRecorder(rec *audit.CallRecorder) RegistryOption {
	return func(r *Registry) { r.recorder = rec }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock replaces time.Now for timestamps and durations.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry holds the tools of one mount. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	sink     audit.Sink
	recorder *audit.CallRecorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string]Tool),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds t. Names are unique within a registry.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns the registered tools ordered by name.
func (r *Registry) Tools() []Tool {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// Invoke runs a tool without audit or telemetry. Replay uses it so that
// re-executing history leaves no new history behind. A tool that panics
// despite the Tool contract fails with INTERNAL_ERROR.
func (r *Registry) Invoke(ctx context.Context, name string, input map[string]any, rc runctx.RunContext) (res Result) {
	t, ok := r.Get(name)
	if !ok {
		return Fail(errs.New(errs.CodeToolNotFound, "unknown tool %q", name).
			With("available", r.Names()))
	}
	defer func() {
		if p := recover(); p != nil {
			res = Fail(errs.Internal(fmt.Errorf("tool %s panicked: %v\n%s", name, p, debug.Stack())))
		}
	}()
	return t.Run(ctx, input, rc)
}

// Execute runs a tool inside a span and emits exactly one audit record
// once it has finished. Audit persistence failures never change the
// returned result.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any, rc runctx.RunContext) Result {
	start := r.now()
	if rc.Timestamp.IsZero() {
		rc.Timestamp = start
	}
	ctx, span := telemetry.StartToolSpan(ctx, name, rc.RequestID, rc.TenantID())
	if rc.TraceID == "" {
		rc = rc.WithTraceID(telemetry.TraceID(ctx))
	}

	res := r.Invoke(ctx, name, input, rc)

	elapsed := r.now().Sub(start)
	res.Meta.RequestID = rc.RequestID
	res.Meta.DurationMS = float64(elapsed.Microseconds()) / 1000

	code := res.ErrorCode()
	telemetry.EndToolSpan(span, code, res.Meta.PolicyDecisions)
	telemetry.RecordToolCall(ctx, telemetry.ToolCall{
		Tool:      name,
		Model:     res.Meta.Model,
		ErrorCode: code,
		Duration:  elapsed,
	})
	if code != "" && errs.IsPolicyError(res.Cause()) {
		telemetry.RecordPolicyRejection(ctx, code, res.Meta.Model)
	}

	r.record(ctx, name, input, rc, start, res)
	r.log(name, rc, res)
	return res
}

func (r *Registry) record(ctx context.Context, name string, input map[string]any, rc runctx.RunContext, start time.Time, res Result) {
	decisions := res.Meta.PolicyDecisions
	if decisions == nil {
		decisions = []string{}
	}
	rec := audit.Record{
		ID:              audit.NewID(),
		ToolName:        name,
		PrincipalID:     rc.Principal.UserID,
		TenantID:        rc.Principal.TenantID,
		RequestID:       rc.RequestID,
		TraceID:         rc.TraceID,
		Timestamp:       start,
		DurationMS:      res.Meta.DurationMS,
		Inputs:          audit.Sanitize(input),
		PolicyDecisions: decisions,
		RowCount:        res.Meta.RowCount,
		AffectedRows:    res.Meta.AffectedRows,
		Before:          res.Meta.Before,
		After:           res.Meta.After,
	}
	if res.Meta.Model != "" {
		rec.Metadata = map[string]any{"model": res.Meta.Model}
	}
	if res.OK {
		rec.Outputs = res.Data
	} else {
		rec.Error = res.Error.Message
		rec.ErrorCode = string(res.Error.Code)
	}
	if r.sink != nil {
		r.sink.Write(ctx, rec)
	}

	if r.recorder == nil {
		return
	}
	call := audit.RecordedCall{
		ID:              rec.ID,
		ToolName:        name,
		Principal:       rc.Principal.Clone(),
		RequestID:       rc.RequestID,
		Inputs:          maps.Clone(input),
		OK:              res.OK,
		Output:          res.Data,
		Timestamp:       start,
		DurationMS:      res.Meta.DurationMS,
		PolicyDecisions: res.Meta.PolicyDecisions,
	}
	if !res.OK {
		call.ErrorCode = rec.ErrorCode
		call.Error = rec.Error
	}
	r.recorder.Record(call)
}

func (r *Registry) log(name string, rc runctx.RunContext, res Result) {
	fields := []zap.Field{
		zap.String("tool", name),
		zap.String("request_id", rc.RequestID),
		zap.String("tenant_id", rc.Principal.TenantID),
		zap.Float64("duration_ms", res.Meta.DurationMS),
	}
	if res.Meta.Model != "" {
		fields = append(fields, zap.String("model", res.Meta.Model))
	}
	if res.OK {
		r.logger.Debug("tool call succeeded", fields...)
		return
	}
	fields = append(fields, zap.String("error_code", res.ErrorCode()))
	if res.Error.Code == errs.CodeInternal {
		r.logger.Error("tool call failed", append(fields, zap.Error(res.Cause()))...)
		return
	}
	r.logger.Info("tool call rejected", fields...)
}

// Executor adapts r for replay and determinism checks. Calls go through
// Invoke and are not audited.
func Executor(r *Registry) audit.Executor {
	return audit.ExecutorFunc(func(ctx context.Context, tool string, input map[string]any, rc runctx.RunContext) audit.Outcome {
		res := r.Invoke(ctx, tool, input, rc)
		if res.OK {
			return audit.Outcome{OK: true, Data: res.Data}
		}
		return audit.Outcome{ErrorCode: res.ErrorCode(), Error: res.Error.Message}
	})
}
