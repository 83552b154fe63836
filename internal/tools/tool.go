// Package tools exposes the query DSL to agents as a fixed set of named
// tools.
//
// A tool validates its arguments against a JSON Schema, runs one DSL
// operation under the mounted policy and returns a Result. Errors never
// escape a tool: every failure, including a panic, becomes a failed Result
// with a stable error code. The Registry wraps each call with tracing,
// metrics and exactly one audit record.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/runctx"
)

// Tool is one callable operation.
type Tool interface {
	Name() string
	Description() string
	// InputSchema is the JSON Schema of the tool's arguments.
	InputSchema() map[string]any
	// Run validates input, executes the tool and reports the outcome. It
	// never panics.
	Run(ctx context.Context, input map[string]any, rc runctx.RunContext) Result
}

// ToolError is the agent-facing description of a failure.
type ToolError struct {
	Code    errs.Code      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Meta is what a call reports besides its data. Before and After are
// mutation snapshots kept for the audit trail only.
type Meta struct {
	Model           string         `json:"model,omitempty"`
	RequestID       string         `json:"request_id,omitempty"`
	PolicyDecisions []string       `json:"policy_decisions,omitempty"`
	RowCount        *int           `json:"row_count,omitempty"`
	AffectedRows    *int64         `json:"affected_rows,omitempty"`
	DurationMS      float64        `json:"duration_ms"`
	Before          map[string]any `json:"-"`
	After           map[string]any `json:"-"`
}

// Result is the outcome of one tool call.
type Result struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ToolError `json:"error,omitempty"`
	Meta  Meta       `json:"meta"`

	cause error
}

// OK returns a successful result.
func OK(data any) Result {
	return Result{OK: true, Data: data}
}

// Fail converts err into a failed result. Uncategorized errors are
// reported as INTERNAL_ERROR without their message.
func Fail(err error) Result {
	if err == nil {
		err = errs.New(errs.CodeInternal, "tool failed without an error")
	}
	te := &ToolError{Code: errs.CodeInternal, Message: "internal error"}
	if e, ok := errs.As(err); ok {
		te.Code = e.Code
		te.Message = e.Message
		te.Details = e.Details
	}
	return Result{OK: false, Error: te, cause: err}
}

// Cause returns the error a failed result was built from, including
// internal causes that Error does not expose.
func (r Result) Cause() error {
	return r.cause
}

// ErrorCode returns the failure code, or "" for a successful result.
func (r Result) ErrorCode() string {
	if r.Error == nil {
		return ""
	}
	return string(r.Error.Code)
}

// ExecuteFunc performs a tool's work on already validated arguments.
type ExecuteFunc func(ctx context.Context, input map[string]any, rc runctx.RunContext) (any, Meta, error)

// Definition is a Tool backed by an ExecuteFunc.
type Definition struct {
	name        string
	description string
	schema      map[string]any
	compiled    *jsonschema.Schema
	execute     ExecuteFunc
}

// New compiles schemaJSON and returns a tool running execute.
func New(name, description, schemaJSON string, execute ExecuteFunc) (*Definition, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("tool %s: parse input schema: %w", name, err)
	}
	schema, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tool %s: input schema must be an object", name)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %s: add input schema: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile input schema: %w", name, err)
	}
	return &Definition{
		name:        name,
		description: description,
		schema:      schema,
		compiled:    compiled,
		execute:     execute,
	}, nil
}

// Name implements Tool.
func (d *Definition) Name() string { return d.name }

// Description implements Tool.
func (d *Definition) Description() string { return d.description }

// InputSchema implements Tool.
func (d *Definition) InputSchema() map[string]any { return d.schema }

// Validate checks input against the input schema.
func (d *Definition) Validate(input map[string]any) error {
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return errs.Validation("arguments", err.Error())
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return errs.Validation("arguments", err.Error())
	}
	if err := d.compiled.Validate(inst); err != nil {
		return errs.Validation("arguments", err.Error())
	}
	return nil
}

// Execute runs the tool without validation or panic recovery.
func (d *Definition) Execute(ctx context.Context, input map[string]any, rc runctx.RunContext) (any, Meta, error) {
	return d.execute(ctx, input, rc)
}

// Run implements Tool.
func (d *Definition) Run(ctx context.Context, input map[string]any, rc runctx.RunContext) (res Result) {
	var meta Meta
	defer func() {
		if r := recover(); r != nil {
			res = Fail(errs.Internal(fmt.Errorf("tool %s panicked: %v\n%s", d.name, r, debug.Stack())))
			res.Meta = meta
		}
	}()
	if err := d.Validate(input); err != nil {
		return Fail(err)
	}
	data, meta, err := d.Execute(ctx, input, rc)
	if err != nil {
		res = Fail(err)
	} else {
		res = OK(data)
	}
	res.Meta = meta
	return res
}
