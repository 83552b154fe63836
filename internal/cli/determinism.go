package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/querygate/internal/audit"
	"github.com/roach88/querygate/internal/tools"
)

// DeterminismOptions holds flags for the determinism command.
type DeterminismOptions struct {
	*RootOptions
	connFlags

	Log  string
	Tool string
	Runs int
}

// DeterminismReport is the outcome of a determinism check.
type DeterminismReport struct {
	Results          []audit.DeterminismResult `json:"results"`
	Total            int                       `json:"total"`
	Nondeterministic int                       `json:"nondeterministic"`
}

// NewDeterminismCommand creates the determinism command.
func NewDeterminismCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeterminismOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "determinism",
		Short: "Check that recorded calls give the same result every time",
		Long: `Execute each recorded call several times under the same context and
compare every run with the first.

Unlike replay this ignores what was recorded; it only checks that the
current database and policy answer the same way on every run.

Exit codes:
  0 - Every call is deterministic
  1 - One or more calls gave different results
  2 - Command error (unreadable log, bad config, etc.)

Examples:
  querygate determinism --log calls.jsonl --db ./shop.db --policy ./policy.yaml
  querygate determinism --log calls.jsonl --runs 5 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeterminism(opts, cmd)
		},
	}

	opts.connFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Log, "log", "", "recorded calls JSONL file (required)")
	_ = cmd.MarkFlagRequired("log")
	cmd.Flags().StringVar(&opts.Tool, "tool", "", "check only calls to this tool")
	cmd.Flags().IntVar(&opts.Runs, "runs", audit.DefaultRuns, "executions per call (at least 2)")

	return cmd
}

func runDeterminism(opts *DeterminismOptions, cmd *cobra.Command) error {
	if opts.Runs < 2 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--runs must be at least 2, got %d", opts.Runs))
	}
	calls, err := loadCallLog(opts.Log, audit.CallFilter{ToolName: opts.Tool})
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)

	report := DeterminismReport{Results: []audit.DeterminismResult{}}
	if len(calls) > 0 {
		gw, err := openReplayGateway(ctx, opts.RootOptions, &opts.connFlags)
		if err != nil {
			return err
		}
		defer gw.Close()

		checker := audit.NewDeterminismChecker(tools.Executor(gw.registry))
		report.Results = checker.CheckAll(ctx, calls, opts.Runs)
	}
	report.Total = len(report.Results)
	for _, res := range report.Results {
		if !res.Deterministic {
			report.Nondeterministic++
		}
	}
	ok := report.Nondeterministic == 0

	f := opts.formatter(cmd)
	if f.IsJSON() {
		var failure *CLIError
		if !ok {
			failure = &CLIError{
				Code:    CodeDeterminism,
				Message: fmt.Sprintf("%d of %d call(s) are nondeterministic", report.Nondeterministic, report.Total),
			}
		}
		if err := f.Report(ok, report, failure); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		for _, res := range report.Results {
			if res.Deterministic {
				if opts.Verbose {
					fmt.Fprintf(w, "✓ %s %s (%d runs)\n", res.CallID, res.ToolName, res.Runs)
				}
				continue
			}
			fmt.Fprintf(w, "✗ %s %s\n", res.CallID, res.ToolName)
			for _, d := range res.Differences {
				fmt.Fprintf(w, "  %s\n", d)
			}
		}
		fmt.Fprintf(w, "Checked %d call(s) x %d runs: %d nondeterministic\n",
			report.Total, opts.Runs, report.Nondeterministic)
	}

	if !ok {
		return NewExitError(ExitFailure, "nondeterministic calls found")
	}
	return nil
}
