package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/querygate/internal/adapter/sqladapter"
	"github.com/roach88/querygate/internal/approval"
	"github.com/roach88/querygate/internal/audit"
	"github.com/roach88/querygate/internal/config"
	"github.com/roach88/querygate/internal/cursor"
	"github.com/roach88/querygate/internal/planner"
	"github.com/roach88/querygate/internal/policy"
	"github.com/roach88/querygate/internal/schema"
	"github.com/roach88/querygate/internal/tools"
)

// gateway is the mounted tool registry plus everything it was built from.
type gateway struct {
	registry *tools.Registry
	adapter  *sqladapter.Adapter
	holder   *policy.Holder
	gate     approval.Gate
	store    audit.Store
	recorder *audit.CallRecorder
	logger   *zap.Logger

	closers []func() error
}

type gatewayOptions struct {
	// record captures every call in recorder for --record.
	record bool
}

// openGateway opens the database, audit backend and approval gate named by
// cfg and mounts the tools over them. On error everything opened so far is
// closed again.
func openGateway(ctx context.Context, cfg config.Config, logger *zap.Logger, opts gatewayOptions) (_ *gateway, err error) {
	g := &gateway{logger: logger}
	defer func() {
		if err != nil {
			_ = g.Close()
		}
	}()

	p, err := cfg.LoadPolicy()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load policy", err)
	}
	g.holder = policy.NewHolder(p)
	if cfg.Policy.Watch {
		w, err := policy.NewWatcher(cfg.Policy.File, g.holder, logger)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to watch policy", err)
		}
		g.closers = append(g.closers, w.Close)
	}

	mode, err := planner.ParsePagination(cfg.Pagination)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid pagination", err)
	}
	adapterOpts := []sqladapter.Option{
		sqladapter.WithLogger(logger),
		sqladapter.WithPagination(mode),
		sqladapter.WithCodec(cursor.NewCodec([]byte(cfg.CursorSecret))),
	}
	if cfg.Database.Schema != "" {
		adapterOpts = append(adapterOpts, sqladapter.WithSchemaName(cfg.Database.Schema))
	}
	if len(cfg.Database.Models) > 0 {
		adapterOpts = append(adapterOpts, sqladapter.WithModelNames(cfg.Database.Models))
	}
	g.adapter, err = sqladapter.Open(cfg.Database.Driver, cfg.Database.DSN, adapterOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	g.closers = append(g.closers, g.adapter.Close)

	sink, err := g.openAudit(ctx, cfg.Audit)
	if err != nil {
		return nil, err
	}

	if err := g.openGate(ctx, cfg.Approval); err != nil {
		return nil, err
	}

	if opts.record {
		g.recorder = audit.NewCallRecorder()
	}

	g.registry, err = tools.Mount(tools.Config{
		Adapter: g.adapter,
		Policy:  g.holder,
		Schema:  schema.NewCache(cfg.SchemaTTL),
		Approvals: approval.NewExecutor(g.gate,
			approval.WithLogger(logger),
			approval.WithPollInterval(cfg.Approval.Poll)),
		Sink:     sink,
		Recorder: g.recorder,
		Logger:   logger,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to mount tools", err)
	}
	return g, nil
}

// openAudit opens the configured store and returns the sink the registry
// writes to, or nil when auditing is off.
func (g *gateway) openAudit(ctx context.Context, cfg config.Audit) (audit.Sink, error) {
	store, err := openAuditStore(ctx, cfg.Backend, cfg.DSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open audit store", err)
	}
	if store == nil {
		return nil, nil
	}
	g.store = store
	g.closers = append(g.closers, store.Close)

	if !cfg.Async {
		return audit.StoreSink{Store: store, Backend: cfg.Backend, Logger: g.logger}, nil
	}
	sink := audit.NewAsyncSink(store,
		audit.WithBufferSize(cfg.BufferSize),
		audit.WithFlushInterval(cfg.FlushInterval),
		audit.WithSinkLogger(g.logger),
		audit.WithBackendName(cfg.Backend))
	// Drain before the store below it closes.
	g.closers = append(g.closers, func() error {
		sink.Close()
		return nil
	})
	return sink, nil
}

func openAuditStore(ctx context.Context, backend, dsn string) (audit.Store, error) {
	switch backend {
	case config.AuditNone, "":
		return nil, nil
	case config.AuditMemory:
		return audit.NewMemoryStore(), nil
	case config.AuditSQLite:
		return audit.OpenSQLite(dsn)
	case config.AuditPostgres:
		return audit.OpenPostgres(ctx, dsn)
	case config.AuditClickHouse:
		return audit.OpenClickHouse(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown audit backend %q", backend)
	}
}

func (g *gateway) openGate(ctx context.Context, cfg config.Approval) error {
	gate, closeGate, err := openApprovalGate(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect approval gate", err)
	}
	g.gate = gate
	if closeGate != nil {
		g.closers = append(g.closers, closeGate)
	}
	return nil
}

// openApprovalGate opens the configured gate. The returned close func is
// nil for the in-process backend.
func openApprovalGate(ctx context.Context, cfg config.Approval) (approval.Gate, func() error, error) {
	switch cfg.Backend {
	case config.ApprovalRedis:
		rg, err := approval.OpenRedisGate(ctx, cfg.RedisURL,
			approval.WithKeyPrefix(cfg.KeyPrefix),
			approval.WithRedisClaimLease(cfg.ClaimLease))
		if err != nil {
			return nil, nil, err
		}
		return rg, rg.Close, nil
	case config.ApprovalMemory, "":
		return approval.NewMemoryGate(approval.WithClaimLease(cfg.ClaimLease)), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown approval backend %q", cfg.Backend)
	}
}

// Close releases resources in reverse order of acquisition.
func (g *gateway) Close() error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	_ = g.logger.Sync()
	return errors.Join(errs...)
}
