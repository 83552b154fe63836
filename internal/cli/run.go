package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/tools"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	connFlags
	principalFlags

	Input  string
	Record string
	Watch  bool
}

// CallRequest is one line of run input. Principal fields default to the
// command's --tenant, --user and --roles.
type CallRequest struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	TenantID  string         `json:"tenant_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Roles     []string       `json:"roles,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// CallResponse is one line of run output.
type CallResponse struct {
	Line   int          `json:"line"`
	Tool   string       `json:"tool"`
	Result tools.Result `json:"result"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve tool calls from a JSONL stream",
		Long: `Read tool calls as JSON lines and write one result line per call.

Each input line is {"tool": ..., "args": {...}} with optional tenant_id,
user_id, roles and request_id. Input comes from --input or stdin and runs
until end of input or Ctrl-C. With --watch the policy file is reloaded
when it changes, without dropping calls in flight.

Exit codes:
  0 - Input consumed (individual call failures are reported per line)
  2 - Command error (bad config, database unreachable, malformed line)

Examples:
  querygate run --db ./shop.db --policy ./policy.yaml --tenant acme < calls.jsonl
  querygate run -c querygate.yaml --watch --record session.jsonl`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	opts.connFlags.register(cmd)
	opts.principalFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Input, "input", "", "read calls from this file instead of stdin")
	cmd.Flags().StringVar(&opts.Record, "record", "", "append every call to this JSONL file on exit")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "reload the policy file when it changes")

	return cmd
}

func runServe(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Watch {
		cfg.Policy.Watch = true
	}
	if err := opts.connFlags.apply(&cfg); err != nil {
		return err
	}
	logger, err := opts.newLogger(cfg)
	if err != nil {
		return err
	}

	var in io.Reader = cmd.InOrStdin()
	if opts.Input != "" {
		f, err := os.Open(opts.Input)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open input", err)
		}
		defer f.Close()
		in = f
	}

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	gw, err := openGateway(ctx, cfg, logger, gatewayOptions{record: opts.Record != ""})
	if err != nil {
		return err
	}
	defer gw.Close()

	logger.Info("serving tool calls",
		zap.Strings("tools", gw.registry.Names()),
		zap.Bool("watch", cfg.Policy.Watch))

	served, err := serveLines(ctx, gw.registry, in, cmd.OutOrStdout(), opts.principal())

	if opts.Record != "" {
		if recErr := gw.recorder.AppendFile(opts.Record); recErr != nil {
			return WrapExitError(ExitCommandError, "failed to write call records", recErr)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped", zap.Int("calls", served))
	return nil
}

// serveLines executes one call per input line until EOF or cancellation.
// Blank lines are skipped. It returns the number of calls executed.
func serveLines(ctx context.Context, reg *tools.Registry, in io.Reader, out io.Writer, defaults runctx.Principal) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(out)

	served, line := 0, 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return served, err
		}
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		var req CallRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return served, WrapExitError(ExitCommandError, fmt.Sprintf("line %d: malformed call", line), err)
		}
		if req.Tool == "" {
			return served, NewExitError(ExitCommandError, fmt.Sprintf("line %d: missing tool", line))
		}
		if req.Args == nil {
			req.Args = map[string]any{}
		}

		res := reg.Execute(ctx, req.Tool, req.Args, requestContext(req, defaults))
		served++
		if err := enc.Encode(CallResponse{Line: line, Tool: req.Tool, Result: res}); err != nil {
			return served, WrapExitError(ExitCommandError, "failed to write result", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return served, WrapExitError(ExitCommandError, "failed to read input", err)
	}
	return served, nil
}

func requestContext(req CallRequest, defaults runctx.Principal) runctx.RunContext {
	p := defaults.Clone()
	if req.TenantID != "" {
		p.TenantID = req.TenantID
	}
	if req.UserID != "" {
		p.UserID = req.UserID
	}
	if len(req.Roles) > 0 {
		p = runctx.NewPrincipal(p.TenantID, p.UserID, req.Roles...)
	}
	var opts []runctx.Option
	if req.RequestID != "" {
		opts = append(opts, runctx.WithRequest(req.RequestID))
	}
	return runctx.New(p, opts...)
}
