package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/querygate/internal/audit"
	"github.com/roach88/querygate/internal/config"
	"github.com/roach88/querygate/internal/tools"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	connFlags

	Log            string
	Tool           string
	Tenant         string
	StopOnMismatch bool
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay recorded tool calls and compare outcomes",
		Long: `Re-execute calls recorded with --record and compare each outcome with
the recording.

Calls run under the recorded principal, request id and timestamp against
the configured database and policy. Outputs are compared as canonical
JSON. A call that failed both times counts as a match. Replays are not
audited.

Exit codes:
  0 - Every call matched
  1 - One or more calls differ
  2 - Command error (unreadable log, bad config, etc.)

Examples:
  querygate replay --log calls.jsonl --db ./shop.db --policy ./policy.yaml
  querygate replay --log calls.jsonl --tool query --stop-on-mismatch
  querygate replay --log calls.jsonl --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	opts.connFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Log, "log", "", "recorded calls JSONL file (required)")
	_ = cmd.MarkFlagRequired("log")
	cmd.Flags().StringVar(&opts.Tool, "tool", "", "replay only calls to this tool")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "replay only calls made by this tenant")
	cmd.Flags().BoolVar(&opts.StopOnMismatch, "stop-on-mismatch", false, "stop at the first difference")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	calls, err := loadCallLog(opts.Log, audit.CallFilter{ToolName: opts.Tool, TenantID: opts.Tenant})
	if err != nil {
		return err
	}
	f := opts.formatter(cmd)

	if len(calls) == 0 {
		if f.IsJSON() {
			return f.Success(audit.ReplayReport{Results: []audit.ReplayResult{}})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No recorded calls found.")
		return nil
	}

	ctx := commandContext(cmd)
	gw, err := openReplayGateway(ctx, opts.RootOptions, &opts.connFlags)
	if err != nil {
		return err
	}
	defer gw.Close()

	f.VerboseLog("Replaying %d call(s) from %s", len(calls), opts.Log)
	engine := audit.NewReplayEngine(tools.Executor(gw.registry))
	report := engine.ReplayAll(ctx, calls, opts.StopOnMismatch)

	if f.IsJSON() {
		var failure *CLIError
		if !report.OK() {
			failure = &CLIError{
				Code:    CodeReplay,
				Message: fmt.Sprintf("%d of %d replayed call(s) differ", report.Mismatched, report.Total),
			}
		}
		if err := f.Report(report.OK(), report, failure); err != nil {
			return err
		}
	} else {
		writeReplayReport(cmd.OutOrStdout(), report, opts.Verbose)
	}

	if !report.OK() {
		return NewExitError(ExitFailure, "replay found differences")
	}
	return nil
}

// loadCallLog reads a recorded call log and keeps the calls matching
// filter.
func loadCallLog(path string, filter audit.CallFilter) ([]audit.RecordedCall, error) {
	calls, err := audit.LoadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load call log", err)
	}
	return audit.NewCallRecorder(calls...).Filter(filter), nil
}

// openReplayGateway mounts the tools for re-execution. Replays go through
// Invoke, so the audit backend stays closed.
func openReplayGateway(ctx context.Context, opts *RootOptions, conn *connFlags) (*gateway, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := conn.apply(&cfg); err != nil {
		return nil, err
	}
	cfg.Audit.Backend = config.AuditNone
	cfg.Policy.Watch = false
	logger, err := opts.newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return openGateway(ctx, cfg, logger, gatewayOptions{})
}

func writeReplayReport(w io.Writer, report audit.ReplayReport, verbose bool) {
	for _, res := range report.Results {
		if res.Match {
			if verbose {
				fmt.Fprintf(w, "✓ %s %s\n", res.CallID, res.ToolName)
			}
			continue
		}
		fmt.Fprintf(w, "✗ %s %s (%s)\n", res.CallID, res.ToolName, res.Kind)
		fmt.Fprintf(w, "  %s\n", res.Detail)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Replayed %d call(s): %d matched, %d differ\n", report.Total, report.Matched, report.Mismatched)
	if report.Stopped {
		fmt.Fprintln(w, "Stopped early.")
	}
	if report.OK() {
		fmt.Fprintln(w, "✓ All replayed calls match")
	}
}
