package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/querygate/internal/policy"
)

// PolicySummary is the printable form of a built policy.
type PolicySummary struct {
	File               string         `json:"file,omitempty"`
	Version            string         `json:"version,omitempty"`
	Profile            string         `json:"profile,omitempty"`
	RequireTenantScope bool           `json:"require_tenant_scope"`
	WritesEnabled      bool           `json:"writes_enabled"`
	RedactStrategy     string         `json:"redact_strategy"`
	Budget             policy.Budget  `json:"budget"`
	Models             []ModelSummary `json:"models"`
}

// ModelSummary describes one model's policy.
type ModelSummary struct {
	Name             string   `json:"name"`
	Readable         bool     `json:"readable"`
	TenantField      string   `json:"tenant_field,omitempty"`
	OwnerField       string   `json:"owner_field,omitempty"`
	SoftDeleteField  string   `json:"soft_delete_field,omitempty"`
	DeniedFields     []string `json:"denied_fields,omitempty"`
	RedactedFields   []string `json:"redacted_fields,omitempty"`
	Relations        []string `json:"relations,omitempty"`
	Writes           []string `json:"writes,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
	AccessRule       string   `json:"access_rule,omitempty"`
}

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate policy files and inspect profiles",
	}
	cmd.AddCommand(newPolicyValidateCommand(rootOpts))
	cmd.AddCommand(newPolicyShowCommand(rootOpts))
	return cmd
}

func newPolicyValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Load and build a policy file",
		Long: `Load a YAML or CUE policy file, build it and print a summary.

Building checks field actions, redaction strategies, CEL access rules and
profile names, so a file that validates here will mount.

Exit codes:
  0 - Policy is valid
  1 - Policy is invalid

Examples:
  querygate policy validate ./policy.yaml
  querygate policy validate ./policy.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyValidate(rootOpts, args[0], cmd)
		},
	}
}

func runPolicyValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	p, err := policy.LoadFile(path)
	if err != nil {
		if outErr := f.Report(false, nil, &CLIError{Code: CodePolicyInvalid, Message: err.Error()}); outErr != nil {
			return outErr
		}
		if !f.IsJSON() {
			fmt.Fprintf(cmd.OutOrStdout(), "✗ %s\n  %v\n", path, err)
		}
		return WrapExitError(ExitFailure, "policy is invalid", err)
	}

	summary := summarizePolicy(p)
	summary.File = path
	f.VerboseLog("Loaded %d model(s) from %s", len(summary.Models), path)

	if f.IsJSON() {
		return f.Success(summary)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "✓ %s\n", path)
	writePolicySummary(w, summary)
	return nil
}

func newPolicyShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [profile]",
		Short: "Show a built-in profile",
		Long: `Show the defaults of a built-in profile, or list all profiles.

Profiles: prod, internal, dev.

Examples:
  querygate policy show
  querygate policy show internal --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyShow(rootOpts, args, cmd)
		},
	}
}

func runPolicyShow(opts *RootOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	profiles := policy.Profiles()
	if len(args) == 1 {
		prof, ok := policy.ProfileByName(args[0])
		if !ok {
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown profile %q", args[0]))
		}
		profiles = []policy.Profile{prof}
	}

	summaries := make([]PolicySummary, 0, len(profiles))
	for _, prof := range profiles {
		summaries = append(summaries, PolicySummary{
			Profile:            prof.Name,
			RequireTenantScope: prof.RequireTenantScope,
			WritesEnabled:      prof.WritesEnabled,
			RedactStrategy:     string(prof.RedactStrategy),
			Budget:             prof.Budget,
			Models:             []ModelSummary{},
		})
	}

	if f.IsJSON() {
		if len(summaries) == 1 {
			return f.Success(summaries[0])
		}
		return f.Success(summaries)
	}
	w := cmd.OutOrStdout()
	for i, s := range summaries {
		if i > 0 {
			fmt.Fprintln(w)
		}
		writePolicySummary(w, s)
	}
	return nil
}

func summarizePolicy(p *policy.Policy) PolicySummary {
	s := PolicySummary{
		Version:            p.Version,
		Profile:            p.Profile,
		RequireTenantScope: p.RequireTenantScope,
		WritesEnabled:      p.WritesEnabled,
		RedactStrategy:     string(p.RedactStrategy),
		Budget:             p.Budget,
		Models:             make([]ModelSummary, 0, len(p.Models)),
	}

	names := make([]string, 0, len(p.Models))
	for name := range p.Models {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		mp := p.Models[name]
		ms := ModelSummary{
			Name:            name,
			Readable:        mp.Allowed && mp.Readable,
			TenantField:     mp.Row.TenantField,
			OwnerField:      mp.Row.OwnerField,
			SoftDeleteField: mp.Row.SoftDeleteField,
			AccessRule:      mp.AccessRule,
		}
		for field, fp := range mp.Fields {
			switch fp.Action {
			case policy.ActionDeny:
				ms.DeniedFields = append(ms.DeniedFields, field)
			case policy.ActionMask, policy.ActionHash:
				ms.RedactedFields = append(ms.RedactedFields, field+":"+string(fp.Action))
			}
		}
		for rel, rp := range mp.Relations {
			if rp.Allowed {
				ms.Relations = append(ms.Relations, rel)
			}
		}
		if p.WritesEnabled && mp.Allowed {
			for _, op := range []string{"create", "update", "delete"} {
				if mp.Write.Allows(op) {
					ms.Writes = append(ms.Writes, op)
				}
			}
			ms.RequiresApproval = len(ms.Writes) > 0 && mp.Write.RequireApproval
		}
		sort.Strings(ms.DeniedFields)
		sort.Strings(ms.RedactedFields)
		sort.Strings(ms.Relations)
		s.Models = append(s.Models, ms)
	}
	return s
}

func writePolicySummary(w io.Writer, s PolicySummary) {
	if s.Profile != "" {
		fmt.Fprintf(w, "Profile: %s\n", s.Profile)
	}
	if s.Version != "" {
		fmt.Fprintf(w, "Version: %s\n", s.Version)
	}
	fmt.Fprintf(w, "  Tenant scope required: %v\n", s.RequireTenantScope)
	fmt.Fprintf(w, "  Writes enabled: %v\n", s.WritesEnabled)
	fmt.Fprintf(w, "  Redact strategy: %s\n", s.RedactStrategy)
	b := s.Budget
	fmt.Fprintf(w, "  Budget: max_rows=%d max_select_fields=%d max_includes_depth=%d max_complexity=%d timeout_ms=%d\n",
		b.MaxRows, b.MaxSelectFields, b.MaxIncludesDepth, b.MaxComplexityScore, b.StatementTimeoutMS)

	for _, m := range s.Models {
		status := "readable"
		if !m.Readable {
			status = "hidden"
		}
		fmt.Fprintf(w, "  Model %s (%s)\n", m.Name, status)
		if m.TenantField != "" {
			fmt.Fprintf(w, "    tenant: %s\n", m.TenantField)
		}
		if m.SoftDeleteField != "" {
			fmt.Fprintf(w, "    soft delete: %s\n", m.SoftDeleteField)
		}
		if len(m.DeniedFields) > 0 {
			fmt.Fprintf(w, "    denied: %s\n", strings.Join(m.DeniedFields, ", "))
		}
		if len(m.RedactedFields) > 0 {
			fmt.Fprintf(w, "    redacted: %s\n", strings.Join(m.RedactedFields, ", "))
		}
		if len(m.Relations) > 0 {
			fmt.Fprintf(w, "    relations: %s\n", strings.Join(m.Relations, ", "))
		}
		if len(m.Writes) > 0 {
			approval := ""
			if m.RequiresApproval {
				approval = " (approval required)"
			}
			fmt.Fprintf(w, "    writes: %s%s\n", strings.Join(m.Writes, ", "), approval)
		}
		if m.AccessRule != "" {
			fmt.Fprintf(w, "    access rule: %s\n", m.AccessRule)
		}
	}
}
