package tools

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/querygate/internal/adapter"
	"github.com/roach88/querygate/internal/approval"
	"github.com/roach88/querygate/internal/audit"
	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/policy"
	"github.com/roach88/querygate/internal/schema"
)

// Tool names.
const (
	DescribeSchema = "describe_schema"
	Query          = "query"
	Get            = "get"
	Aggregate      = "aggregate"
	Create         = "create"
	Update         = "update"
	Delete         = "delete"
)

// DefaultSchemaTTL is how long introspected metadata is reused when Config
// supplies no cache.
const DefaultSchemaTTL = 5 * time.Minute

// Config is everything Mount needs to compose a registry.
type Config struct {
	Adapter adapter.Adapter
	// Policy is read once per call, so a Watcher can swap it live.
	Policy *policy.Holder

	Schema    *schema.Cache
	SchemaKey string

	// Approvals gates writes on models that require approval. Defaults to
	// an executor over an in-memory gate.
	Approvals *approval.Executor

	Sink     audit.Sink
	Recorder *audit.CallRecorder
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Mount builds the registry for one adapter and policy. describe_schema
// is always present; the read tools are mounted when some model is
// readable and the write tools when the policy enables a write and the
// adapter can perform it.
func Mount(cfg Config) (*Registry, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("mount: adapter is required")
	}
	if cfg.Policy == nil || cfg.Policy.Load() == nil {
		return nil, errors.New("mount: policy is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rt := &runtime{
		adapter:   cfg.Adapter,
		policy:    cfg.Policy,
		cache:     cfg.Schema,
		key:       cfg.SchemaKey,
		approvals: cfg.Approvals,
		logger:    logger.Named("tools"),
	}
	if rt.cache == nil {
		rt.cache = schema.NewCache(DefaultSchemaTTL)
	}
	if rt.key == "" {
		rt.key = cfg.Adapter.Name()
	}

	reg := NewRegistry(
		WithSink(cfg.Sink),
		WithRecorder(cfg.Recorder),
		WithLogger(logger),
		WithClock(cfg.Clock),
	)

	defs := []toolDef{
		{DescribeSchema, "List the models, fields and relations you may query.", describeSchemaInput, rt.describe},
	}
	p := cfg.Policy.Load()
	if anyReadable(p) {
		defs = append(defs,
			toolDef{Query, "List rows of a model with filters, ordering, includes and cursor pagination.", queryInput, rt.query},
			toolDef{Get, "Fetch one row of a model by primary key.", getInput, rt.get},
			toolDef{Aggregate, "Compute count, sum, avg, min or max over a filtered set of rows.", aggregateInput, rt.aggregate},
		)
	}
	if mutator, ok := cfg.Adapter.(adapter.Mutator); ok && p.AnyWritable() {
		rt.mutator = mutator
		if rt.approvals == nil {
			gate := approval.NewMemoryGate(approval.WithClock(reg.now))
			rt.approvals = approval.NewExecutor(gate, approval.WithLogger(logger), approval.WithExecutorClock(reg.now))
		}
		defs = append(defs,
			toolDef{Create, "Insert one row.", createInput, rt.create},
			toolDef{Update, "Change fields of one row addressed by primary key.", updateInput, rt.update},
			toolDef{Delete, "Delete one row addressed by primary key.", deleteInput, rt.delete},
		)
	}

	for _, d := range defs {
		t, err := New(d.name, d.description, d.schema, d.execute)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	logger.Info("tools mounted",
		zap.String("adapter", cfg.Adapter.Name()),
		zap.String("profile", p.Profile),
		zap.Strings("tools", reg.Names()))
	return reg, nil
}

type toolDef struct {
	name, description, schema string
	execute                   ExecuteFunc
}

func anyReadable(p *policy.Policy) bool {
	for _, mp := range p.Models {
		if mp.Allowed && mp.Readable {
			return true
		}
	}
	return false
}

// runtime is the state shared by the database-backed tools of one mount.
type runtime struct {
	adapter   adapter.Adapter
	mutator   adapter.Mutator
	policy    *policy.Holder
	cache     *schema.Cache
	key       string
	approvals *approval.Executor
	logger    *zap.Logger
}

// load snapshots the policy and the schema for one call.
func (rt *runtime) load(ctx context.Context) (*policy.Policy, *schema.Metadata, error) {
	p := rt.policy.Load()
	meta, err := rt.cache.GetOrBuild(ctx, rt.key, rt.adapter.Introspect)
	if err != nil {
		if _, ok := errs.As(err); !ok {
			err = errs.Wrap(errs.CodeAdapter, err, "load schema")
		}
		return nil, nil, err
	}
	return p, meta, nil
}

// modelOf reads the model argument for metrics on calls that fail before
// the request parses.
func modelOf(input map[string]any) string {
	s, _ := input["model"].(string)
	return s
}
