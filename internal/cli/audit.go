package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/querygate/internal/audit"
	"github.com/roach88/querygate/internal/config"
)

// AuditOptions holds flags shared by the audit subcommands.
type AuditOptions struct {
	*RootOptions
	Backend string
	DSN     string
	AuditDB string

	// now is replaced in tests.
	now func() time.Time
}

// AuditQueryResult is the output of audit query.
type AuditQueryResult struct {
	Records []audit.Record `json:"records,omitempty"`
	Count   int            `json:"count"`
}

// NewAuditCommand creates the audit command group.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{RootOptions: rootOpts, now: time.Now}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and prune the audit log",
		Long: `Inspect and prune the audit log.

The backend and DSN default to the audit section of --config. --audit-db
is shorthand for --backend sqlite --dsn <path>.`,
	}
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", "audit backend (sqlite|postgres|clickhouse)")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "audit backend DSN")
	cmd.PersistentFlags().StringVar(&opts.AuditDB, "audit-db", "", "SQLite audit database (sets --backend sqlite)")

	cmd.AddCommand(newAuditQueryCommand(opts))
	cmd.AddCommand(newAuditGetCommand(opts))
	cmd.AddCommand(newAuditPruneCommand(opts))
	return cmd
}

type auditQueryFlags struct {
	Tenant    string
	User      string
	Tool      string
	Since     string
	Until     string
	Limit     int
	Offset    int
	CountOnly bool
}

func newAuditQueryCommand(opts *AuditOptions) *cobra.Command {
	flags := &auditQueryFlags{}
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List audit records, newest first",
		Long: `List audit records, newest first.

--since and --until take an RFC 3339 timestamp or a duration measured
back from now (24h, 90m). --since is inclusive and --until exclusive.

Examples:
  querygate audit query --audit-db ./audit.db --tenant acme --limit 20
  querygate audit query --audit-db ./audit.db --tool update --since 24h
  querygate audit query --backend postgres --dsn "$AUDIT_DSN" --count`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditQuery(opts, flags, cmd)
		},
	}
	cmd.Flags().StringVar(&flags.Tenant, "tenant", "", "only records for this tenant")
	cmd.Flags().StringVar(&flags.User, "user", "", "only records for this principal")
	cmd.Flags().StringVar(&flags.Tool, "tool", "", "only records for this tool")
	cmd.Flags().StringVar(&flags.Since, "since", "", "only records at or after this time")
	cmd.Flags().StringVar(&flags.Until, "until", "", "only records before this time")
	cmd.Flags().IntVar(&flags.Limit, "limit", audit.DefaultLimit, "maximum records to return")
	cmd.Flags().IntVar(&flags.Offset, "offset", 0, "records to skip")
	cmd.Flags().BoolVar(&flags.CountOnly, "count", false, "print only the number of matching records")
	return cmd
}

func runAuditQuery(opts *AuditOptions, flags *auditQueryFlags, cmd *cobra.Command) error {
	filter := audit.Filter{
		TenantID:    flags.Tenant,
		PrincipalID: flags.User,
		ToolName:    flags.Tool,
		Limit:       flags.Limit,
		Offset:      flags.Offset,
	}
	var err error
	if filter.Start, err = parseTimeFlag("since", flags.Since, opts.now()); err != nil {
		return err
	}
	if filter.End, err = parseTimeFlag("until", flags.Until, opts.now()); err != nil {
		return err
	}

	ctx := commandContext(cmd)
	store, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var result AuditQueryResult
	if flags.CountOnly {
		if result.Count, err = store.Count(ctx, filter); err != nil {
			return WrapExitError(ExitCommandError, "failed to count audit records", err)
		}
	} else {
		if result.Records, err = store.Query(ctx, filter); err != nil {
			return WrapExitError(ExitCommandError, "failed to query audit records", err)
		}
		result.Count = len(result.Records)
	}

	f := opts.formatter(cmd)
	if f.IsJSON() {
		if result.Records == nil && !flags.CountOnly {
			result.Records = []audit.Record{}
		}
		return f.Success(result)
	}
	w := cmd.OutOrStdout()
	if flags.CountOnly {
		fmt.Fprintln(w, result.Count)
		return nil
	}
	if result.Count == 0 {
		fmt.Fprintln(w, "No audit records found.")
		return nil
	}
	for _, r := range result.Records {
		writeRecordLine(w, r)
	}
	return nil
}

func newAuditGetCommand(opts *AuditOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <id>",
		Short:         "Show one audit record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			store, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			r, err := store.Get(ctx, args[0])
			if errors.Is(err, audit.ErrNotFound) {
				return NewExitError(ExitFailure, fmt.Sprintf("audit record %s not found", args[0]))
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read audit record", err)
			}

			f := opts.formatter(cmd)
			if f.IsJSON() {
				return f.Success(r)
			}
			w := cmd.OutOrStdout()
			writeRecordLine(w, r)
			if r.RequestID != "" {
				fmt.Fprintf(w, "  request: %s\n", r.RequestID)
			}
			for _, d := range r.PolicyDecisions {
				fmt.Fprintf(w, "  policy: %s\n", d)
			}
			if r.Error != "" {
				fmt.Fprintf(w, "  error: %s\n", r.Error)
			}
			if r.Reason != "" {
				fmt.Fprintf(w, "  reason: %s\n", r.Reason)
			}
			return nil
		},
	}
}

func newAuditPruneCommand(opts *AuditOptions) *cobra.Command {
	var before string
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete audit records older than a cutoff",
		Long: `Delete audit records older than a cutoff.

This is the only operation that removes audit records. Append-only
backends (ClickHouse) refuse it; use a TTL on the table instead.

Examples:
  querygate audit prune --audit-db ./audit.db --before 720h
  querygate audit prune --backend postgres --dsn "$AUDIT_DSN" --before 2026-01-01T00:00:00Z`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cutoff, err := parseTimeFlag("before", before, opts.now())
			if err != nil {
				return err
			}
			if cutoff.IsZero() {
				return NewExitError(ExitCommandError, "--before is required")
			}

			ctx := commandContext(cmd)
			store, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.DeleteBefore(ctx, cutoff)
			if errors.Is(err, audit.ErrUnsupported) {
				return WrapExitError(ExitCommandError, "backend does not support pruning", err)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to prune audit records", err)
			}

			f := opts.formatter(cmd)
			if f.IsJSON() {
				return f.Success(map[string]any{"deleted": n, "before": cutoff.UTC()})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d record(s) before %s\n", n, cutoff.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "delete records older than this time or duration (required)")
	return cmd
}

// openStore resolves the backend from flags over config and opens it.
func (o *AuditOptions) openStore(ctx context.Context) (audit.Store, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	backend, dsn := cfg.Audit.Backend, cfg.Audit.DSN
	if o.AuditDB != "" {
		backend, dsn = config.AuditSQLite, o.AuditDB
	}
	if o.Backend != "" {
		backend = o.Backend
	}
	if o.DSN != "" {
		dsn = o.DSN
	}

	switch backend {
	case config.AuditSQLite, config.AuditPostgres, config.AuditClickHouse:
	case config.AuditNone, config.AuditMemory, "":
		return nil, NewExitError(ExitCommandError, "no persistent audit backend configured (use --audit-db or --backend/--dsn)")
	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown audit backend %q", backend))
	}
	if dsn == "" {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("audit backend %q needs --dsn", backend))
	}

	store, err := openAuditStore(ctx, backend, dsn)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open audit store", err)
	}
	return store, nil
}

// parseTimeFlag accepts RFC 3339 or a duration before now. Empty yields
// the zero time.
func parseTimeFlag(name, value string, now time.Time) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return time.Time{}, NewExitError(ExitCommandError,
			fmt.Sprintf("--%s: want an RFC 3339 time or a positive duration, got %q", name, value))
	}
	return now.Add(-d), nil
}

func writeRecordLine(w io.Writer, r audit.Record) {
	status := "✓"
	if r.Status() == audit.StatusError {
		status = "✗"
	}
	fmt.Fprintf(w, "%s %s %s %s tenant=%s principal=%s %.1fms",
		status, r.Timestamp.UTC().Format(time.RFC3339), r.ID, r.ToolName, r.TenantID, r.PrincipalID, r.DurationMS)
	if r.ErrorCode != "" {
		fmt.Fprintf(w, " %s", r.ErrorCode)
	}
	if r.RowCount != nil {
		fmt.Fprintf(w, " rows=%d", *r.RowCount)
	}
	if r.AffectedRows != nil {
		fmt.Fprintf(w, " affected=%d", *r.AffectedRows)
	}
	fmt.Fprintln(w)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
