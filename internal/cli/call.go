package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/querygate/internal/config"
	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/tools"
)

// connFlags override the database, policy and audit settings of the
// loaded config. Unset flags leave the config alone.
type connFlags struct {
	Database string
	Driver   string
	Policy   string
	Profile  string
	AuditDB  string
}

func (c *connFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.Database, "db", "", "database DSN (SQLite: file path)")
	cmd.Flags().StringVar(&c.Driver, "driver", "", "database driver (sqlite3|postgres|mysql)")
	cmd.Flags().StringVar(&c.Policy, "policy", "", "policy file (.yaml, .yml or .cue)")
	cmd.Flags().StringVar(&c.Profile, "profile", "", "built-in profile when no policy file is given")
	cmd.Flags().StringVar(&c.AuditDB, "audit-db", "", "write audit records to this SQLite file")
}

// apply layers the flags over cfg and revalidates it.
func (c *connFlags) apply(cfg *config.Config) error {
	if c.Database != "" {
		cfg.Database.DSN = c.Database
	}
	if c.Driver != "" {
		cfg.Database.Driver = c.Driver
	}
	if c.Policy != "" {
		cfg.Policy.File = c.Policy
	}
	if c.Profile != "" {
		cfg.Policy.Profile = c.Profile
	}
	if c.AuditDB != "" {
		cfg.Audit.Backend = config.AuditSQLite
		cfg.Audit.DSN = c.AuditDB
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return nil
}

// principalFlags identify the caller.
type principalFlags struct {
	Tenant string
	User   string
	Roles  []string
}

func (p *principalFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.Tenant, "tenant", "", "tenant id of the caller")
	cmd.Flags().StringVar(&p.User, "user", "", "user id of the caller")
	cmd.Flags().StringSliceVar(&p.Roles, "roles", nil, "comma-separated roles of the caller")
}

func (p *principalFlags) principal() runctx.Principal {
	return runctx.NewPrincipal(p.Tenant, p.User, p.Roles...)
}

// CallOptions holds flags for the call command.
type CallOptions struct {
	*RootOptions
	connFlags
	principalFlags

	Args      string
	RequestID string
	Record    string
}

// NewCallCommand creates the call command.
func NewCallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Run one tool call",
		Long: `Run one tool call through the mounted registry and print the result.

The call runs under the configured policy as the principal given by
--tenant, --user and --roles. It is audited when an audit backend is
configured (or --audit-db is set) and appended to the --record JSONL file
for later replay.

Tools: describe_schema, query, get, aggregate, and create, update and
delete when the policy enables writes.

Exit codes:
  0 - The call succeeded
  1 - The call failed (policy rejection, budget, validation, ...)
  2 - Command error (bad config, database unreachable, invalid --args)

Examples:
  querygate call describe_schema --db ./shop.db --policy ./policy.yaml --tenant acme
  querygate call query --args '{"model":"Order","take":5}' --tenant acme --user u1
  querygate call get --args '{"model":"Order","id":2}' --tenant acme --record calls.jsonl`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(opts, args[0], cmd)
		},
	}

	opts.connFlags.register(cmd)
	opts.principalFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Args, "args", "{}", "tool arguments as a JSON object")
	cmd.Flags().StringVar(&opts.RequestID, "request-id", "", "request id (generated when empty)")
	cmd.Flags().StringVar(&opts.Record, "record", "", "append the call to this JSONL file")

	return cmd
}

func runCall(opts *CallOptions, tool string, cmd *cobra.Command) error {
	input, err := parseArgs(opts.Args)
	if err != nil {
		return err
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if err := opts.connFlags.apply(&cfg); err != nil {
		return err
	}
	logger, err := opts.newLogger(cfg)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	gw, err := openGateway(ctx, cfg, logger, gatewayOptions{record: opts.Record != ""})
	if err != nil {
		return err
	}
	defer gw.Close()

	var rcOpts []runctx.Option
	if opts.RequestID != "" {
		rcOpts = append(rcOpts, runctx.WithRequest(opts.RequestID))
	}
	rc := runctx.New(opts.principal(), rcOpts...)

	res := gw.registry.Execute(ctx, tool, input, rc)

	if opts.Record != "" {
		if err := gw.recorder.AppendFile(opts.Record); err != nil {
			return WrapExitError(ExitCommandError, "failed to write call record", err)
		}
	}
	return outputCallResult(opts.formatter(cmd), res)
}

// parseArgs decodes --args, keeping numbers as float64 the way a JSON
// transport would deliver them.
func parseArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --args JSON", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}

func outputCallResult(f *OutputFormatter, res tools.Result) error {
	if f.IsJSON() {
		var failure *CLIError
		if res.Error != nil {
			failure = &CLIError{Code: string(res.Error.Code), Message: res.Error.Message, Details: res.Error.Details}
		}
		if err := f.Report(res.OK, res, failure); err != nil {
			return err
		}
	} else {
		if res.OK {
			fmt.Fprintf(f.Writer, "✓ ok (%.1fms)\n", res.Meta.DurationMS)
		} else {
			fmt.Fprintf(f.Writer, "✗ %s: %s\n", res.Error.Code, res.Error.Message)
		}
		if res.Meta.RowCount != nil {
			fmt.Fprintf(f.Writer, "Rows: %d\n", *res.Meta.RowCount)
		}
		if res.Meta.AffectedRows != nil {
			fmt.Fprintf(f.Writer, "Affected rows: %d\n", *res.Meta.AffectedRows)
		}
		if f.Verbose && len(res.Meta.PolicyDecisions) > 0 {
			fmt.Fprintf(f.Writer, "Policy: %s\n", strings.Join(res.Meta.PolicyDecisions, "; "))
		}
		payload := res.Data
		if !res.OK && len(res.Error.Details) > 0 {
			payload = res.Error.Details
		}
		if payload != nil {
			out, err := json.MarshalIndent(payload, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(f.Writer, string(out))
		}
	}

	if !res.OK {
		return NewExitError(ExitFailure, fmt.Sprintf("%s failed: %s", "tool call", res.Error.Code))
	}
	return nil
}
