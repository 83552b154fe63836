// Package adapter defines the contract between the tool runtime and a
// database backend.
//
// The core only ever talks to these interfaces. A backend introspects its
// schema, compiles DSL requests under a policy (normally by delegating to
// the planner) and executes what it compiled.
package adapter

import (
	"context"

	"github.com/roach88/querygate/internal/dsl"
	"github.com/roach88/querygate/internal/policy"
	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/schema"
)

// CompiledQuery is produced by a Compile call and consumed by the matching
// Execute call. It is owned by one tool invocation and never shared.
type CompiledQuery struct {
	// Backend is the adapter's own query object.
	Backend any
	// Request is the validated DSL request that was compiled.
	Request any

	Model           string
	SelectFields    []string
	InjectedFilters []dsl.FilterClause
	PolicyDecisions []string

	// Includes maps each included relation to its target model, so
	// callers can redact nested rows under the right model policy.
	Includes map[string]string

	StatementTimeoutMS int
}

// Adapter is a read-capable backend.
type Adapter interface {
	// Name identifies the backend in logs and audit metadata.
	Name() string

	Introspect(ctx context.Context) (*schema.Metadata, error)

	CompileQuery(ctx context.Context, req dsl.QueryRequest, rc runctx.RunContext, p *policy.Policy, meta *schema.Metadata) (*CompiledQuery, error)
	CompileGet(ctx context.Context, req dsl.GetRequest, rc runctx.RunContext, p *policy.Policy, meta *schema.Metadata) (*CompiledQuery, error)
	CompileAggregate(ctx context.Context, req dsl.AggregateRequest, rc runctx.RunContext, p *policy.Policy, meta *schema.Metadata) (*CompiledQuery, error)

	ExecuteQuery(ctx context.Context, cq *CompiledQuery, rc runctx.RunContext) (dsl.QueryResult, error)
	ExecuteGet(ctx context.Context, cq *CompiledQuery, rc runctx.RunContext) (dsl.GetResult, error)
	ExecuteAggregate(ctx context.Context, cq *CompiledQuery, rc runctx.RunContext) (dsl.AggregateResult, error)

	// Transaction runs fn with a context whose database handle is bound
	// to one transaction. It commits when fn returns nil and rolls back
	// when fn returns an error or panics; a panic is re-raised after the
	// rollback.
	Transaction(ctx context.Context, rc runctx.RunContext, fn func(ctx context.Context, rc runctx.RunContext) error) error
}

// Mutator is implemented by adapters that support writes. Each call plans,
// guards and executes one mutation under p.
type Mutator interface {
	Create(ctx context.Context, req dsl.CreateRequest, rc runctx.RunContext, p *policy.Policy, meta *schema.Metadata) (dsl.MutationResult, []string, error)
	Update(ctx context.Context, req dsl.UpdateRequest, rc runctx.RunContext, p *policy.Policy, meta *schema.Metadata) (dsl.MutationResult, []string, error)
	Delete(ctx context.Context, req dsl.DeleteRequest, rc runctx.RunContext, p *policy.Policy, meta *schema.Metadata) (dsl.MutationResult, []string, error)
}
