package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/policy"
)

// FixtureShop is the built-in customers/orders/order_items database.
const FixtureShop = "shop"

// Scenario is a sequence of tool calls against a seeded database under one
// policy, with expectations on each call and on the final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Fixture names a built-in seeded database. SQL lists statement files
	// run after the fixture, resolved relative to the scenario file.
	Fixture string   `yaml:"fixture,omitempty"`
	SQL     []string `yaml:"sql,omitempty"`

	// Models maps table names to model names. The shop fixture supplies
	// its own mapping when this is empty.
	Models map[string]string `yaml:"models,omitempty"`

	// Policy is an inline policy document. PolicyFile points at a YAML or
	// CUE policy instead, resolved relative to the scenario file.
	Policy     *policy.Document `yaml:"policy,omitempty"`
	PolicyFile string           `yaml:"policy_file,omitempty"`

	// Principal is who every call runs as unless a step overrides it.
	Principal Principal `yaml:"principal"`

	// AutoApprove approves writes that need approval as they are submitted.
	AutoApprove bool `yaml:"auto_approve,omitempty"`

	// Flow is the main sequence of steps.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the trace, the audit log and the final state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Principal is the YAML form of runctx.Principal.
type Principal struct {
	TenantID string   `yaml:"tenant_id,omitempty"`
	UserID   string   `yaml:"user_id,omitempty"`
	Roles    []string `yaml:"roles,omitempty"`
}

// FlowStep is either a tool call or an approval decision on a call that
// an earlier step parked.
type FlowStep struct {
	// Call is the tool name.
	Call string         `yaml:"call,omitempty"`
	Args map[string]any `yaml:"args,omitempty"`

	// As overrides the scenario principal for this call.
	As *Principal `yaml:"as,omitempty"`

	// Approve and Reject take the index of an earlier flow step whose call
	// returned WRITE_APPROVAL_REQUIRED.
	Approve *int `yaml:"approve,omitempty"`
	Reject  *int `yaml:"reject,omitempty"`

	// Expect checks the call outcome. Nil means the call must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a call.
type ExpectClause struct {
	// OK defaults to true unless ErrorCode is set.
	OK *bool `yaml:"ok,omitempty"`

	// ErrorCode is the expected error code of a failing call.
	ErrorCode errs.Code `yaml:"error_code,omitempty"`

	RowCount     *int   `yaml:"row_count,omitempty"`
	AffectedRows *int64 `yaml:"affected_rows,omitempty"`

	// Data is matched against the result data as a subset: only the keys
	// given are compared. Lists must have the same length and are compared
	// position by position.
	Data any `yaml:"data,omitempty"`
}

// wantOK resolves the OK default.
func (e *ExpectClause) wantOK() bool {
	if e == nil {
		return true
	}
	if e.OK != nil {
		return *e.OK
	}
	return e.ErrorCode == ""
}

// Assertion validates the trace, audit log or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a call to Tool with Args (subset) appears
	// - "trace_order": Tools appear in order
	// - "trace_count": Tool was called exactly Count times
	// - "audit_count": Count audit records were written (for Tool, if set)
	// - "final_state": query Table and verify expected values
	Type string `yaml:"type"`

	Tool  string         `yaml:"tool,omitempty"`
	Tools []string       `yaml:"tools,omitempty"`
	Args  map[string]any `yaml:"args,omitempty"`
	Count int            `yaml:"count,omitempty"`

	// Table, Where and Expect drive final_state. Where matches exactly;
	// Expect is a subset match. A nil Expect asserts the row is absent.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertAuditCount    = "audit_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. Relative sql and
// policy_file paths are resolved against the scenario's directory.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	// #nosec G304 -- scenario paths come from the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	base := filepath.Dir(path)
	for i, p := range s.SQL {
		if !filepath.IsAbs(p) {
			s.SQL[i] = filepath.Join(base, p)
		}
	}
	if s.PolicyFile != "" && !filepath.IsAbs(s.PolicyFile) {
		s.PolicyFile = filepath.Join(base, s.PolicyFile)
	}
	return s, nil
}

// ParseScenario parses scenario YAML without touching the filesystem.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Fixture != "" && s.Fixture != FixtureShop {
		return fmt.Errorf("unknown fixture %q", s.Fixture)
	}
	if s.Fixture == "" && len(s.SQL) == 0 {
		return fmt.Errorf("fixture or sql is required")
	}
	if (s.Policy == nil) == (s.PolicyFile == "") {
		return fmt.Errorf("exactly one of policy and policy_file is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow must have at least one step")
	}
	for i, step := range s.Flow {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step FlowStep) error {
	kinds := 0
	if step.Call != "" {
		kinds++
	}
	for _, ref := range []*int{step.Approve, step.Reject} {
		if ref == nil {
			continue
		}
		kinds++
		if *ref < 0 || *ref >= index {
			return fmt.Errorf("flow[%d]: decision must reference an earlier step, got %d", index, *ref)
		}
	}
	if kinds != 1 {
		return fmt.Errorf("flow[%d]: exactly one of call, approve and reject is required", index)
	}
	if step.Call == "" && (step.Args != nil || step.Expect != nil || step.As != nil) {
		return fmt.Errorf("flow[%d]: args, as and expect apply to calls only", index)
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Tool == "" {
			return fmt.Errorf("assertions[%d]: tool is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Tools) == 0 {
			return fmt.Errorf("assertions[%d]: tools list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Tool == "" {
			return fmt.Errorf("assertions[%d]: tool is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertAuditCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for audit_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: where is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
