package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/querygate/internal/approval"
	"github.com/roach88/querygate/internal/config"
)

// ApprovalOptions holds flags shared by the approval subcommands.
type ApprovalOptions struct {
	*RootOptions
	RedisURL  string
	KeyPrefix string
}

// ApprovalListResult is the output of approval list.
type ApprovalListResult struct {
	Requests []approval.Request `json:"requests"`
	Count    int                `json:"count"`
}

// NewApprovalCommand creates the approval command group.
func NewApprovalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApprovalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "approval",
		Short: "List and decide pending write approvals",
		Long: `List and decide pending write approvals.

Writes under a require_approval policy are held as PENDING requests until
someone approves or rejects them here. The gate is the approval section of
--config; it must be the redis backend, since the memory backend lives
only inside the process that created it. --redis-url selects redis
directly.

Once approved, the next identical call runs the write once.`,
	}
	cmd.PersistentFlags().StringVar(&opts.RedisURL, "redis-url", "", "approval Redis URL (sets the redis backend)")
	cmd.PersistentFlags().StringVar(&opts.KeyPrefix, "key-prefix", "", "approval key prefix")

	cmd.AddCommand(newApprovalListCommand(opts))
	cmd.AddCommand(newApprovalGetCommand(opts))
	cmd.AddCommand(newApprovalDecideCommand(opts, true))
	cmd.AddCommand(newApprovalDecideCommand(opts, false))
	return cmd
}

func newApprovalListCommand(opts *ApprovalOptions) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals, oldest first",
		Long: `List pending approvals, oldest first.

Examples:
  querygate approval list -c querygate.yaml
  querygate approval list -c querygate.yaml --tenant acme --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			gate, closeGate, err := opts.openGate(ctx)
			if err != nil {
				return err
			}
			defer closeGate()

			pending, err := gate.Pending(ctx, tenant)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list approvals", err)
			}
			result := ApprovalListResult{Requests: pending, Count: len(pending)}

			f := opts.formatter(cmd)
			if f.IsJSON() {
				if result.Requests == nil {
					result.Requests = []approval.Request{}
				}
				return f.Success(result)
			}
			w := cmd.OutOrStdout()
			if result.Count == 0 {
				fmt.Fprintln(w, "No pending approvals.")
				return nil
			}
			for _, r := range pending {
				writeApprovalLine(w, r)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "only requests from this tenant")
	return cmd
}

func newApprovalGetCommand(opts *ApprovalOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <id>",
		Short:         "Show one approval request",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			gate, closeGate, err := opts.openGate(ctx)
			if err != nil {
				return err
			}
			defer closeGate()

			r, err := gate.Get(ctx, args[0])
			if err != nil {
				return approvalError(args[0], err)
			}

			f := opts.formatter(cmd)
			if f.IsJSON() {
				return f.Success(r)
			}
			w := cmd.OutOrStdout()
			writeApprovalLine(w, r)
			if r.PreviousID != "" {
				fmt.Fprintf(w, "  previous: %s (%s)\n", r.PreviousID, r.PreviousStatus)
			}
			if r.Decider != "" {
				fmt.Fprintf(w, "  decided by %s at %s\n", r.Decider, r.DecidedAt.UTC().Format(time.RFC3339))
			}
			if r.Reason != "" {
				fmt.Fprintf(w, "  reason: %s\n", r.Reason)
			}
			if r.Result != nil && r.Result.Error != "" {
				fmt.Fprintf(w, "  error: %s\n", r.Result.Error)
			}
			return nil
		},
	}
}

// newApprovalDecideCommand builds approve (approve true) or reject.
func newApprovalDecideCommand(opts *ApprovalOptions, approve bool) *cobra.Command {
	verb, past := "reject", "rejected"
	if approve {
		verb, past = "approve", "approved"
	}
	var decider, reason string
	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: fmt.Sprintf("Mark a pending approval %s", past),
		Long: fmt.Sprintf(`Mark a pending approval %s.

Only PENDING requests can be decided; deciding any other request fails
with exit code 1.

Example:
  querygate approval %s -c querygate.yaml <id> --reason "checked with finance"`, past, verb),
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			gate, closeGate, err := opts.openGate(ctx)
			if err != nil {
				return err
			}
			defer closeGate()

			r, err := gate.Decide(ctx, args[0], approve, decider, reason)
			if err != nil {
				return approvalError(args[0], err)
			}

			f := opts.formatter(cmd)
			if f.IsJSON() {
				return f.Success(r)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s %s\n", past, r.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&decider, "decider", "cli", "name recorded as the decider")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the decision")
	return cmd
}

// openGate resolves the backend from flags over config. Only redis is
// accepted.
func (o *ApprovalOptions) openGate(ctx context.Context) (approval.Gate, func() error, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	ac := cfg.Approval
	if o.RedisURL != "" {
		ac.Backend, ac.RedisURL = config.ApprovalRedis, o.RedisURL
	}
	if o.KeyPrefix != "" {
		ac.KeyPrefix = o.KeyPrefix
	}
	if ac.Backend != config.ApprovalRedis {
		return nil, nil, NewExitError(ExitCommandError,
			fmt.Sprintf("approval backend %q is not shared between processes (configure approval.backend redis or use --redis-url)", ac.Backend))
	}

	gate, closeGate, err := openApprovalGate(ctx, ac)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to connect approval gate", err)
	}
	return gate, closeGate, nil
}

func approvalError(id string, err error) error {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return NewExitError(ExitFailure, fmt.Sprintf("approval %s not found", id))
	case errors.Is(err, approval.ErrInvalidTransition):
		return WrapExitError(ExitFailure, fmt.Sprintf("approval %s is not pending", id), err)
	default:
		return WrapExitError(ExitCommandError, "approval gate failed", err)
	}
}

func writeApprovalLine(w io.Writer, r approval.Request) {
	fmt.Fprintf(w, "%s %s %s %s tenant=%s user=%s %s\n",
		r.ID, r.Status, r.Operation, r.Model, r.Principal.TenantID, r.Principal.UserID,
		r.CreatedAt.UTC().Format(time.RFC3339))
}
