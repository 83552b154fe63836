package policy

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/roach88/querygate/internal/runctx"
)

// accessRulePrograms caches compiled access rules by expression text.
var accessRulePrograms sync.Map

var newAccessRuleEnv = func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tenant_id", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("model", cel.StringType),
	)
}

func loadOrCompileAccessRule(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression required")
	}
	if cached, ok := accessRulePrograms.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := newAccessRuleEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("access rule must evaluate to bool, got %s", ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	accessRulePrograms.Store(expr, program)
	return program, nil
}

// evalAccessRule runs expr for principal against model.
func evalAccessRule(expr, model string, p runctx.Principal) (bool, error) {
	program, err := loadOrCompileAccessRule(expr)
	if err != nil {
		return false, err
	}
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	out, _, err := program.Eval(map[string]any{
		"tenant_id": p.TenantID,
		"user_id":   p.UserID,
		"roles":     roles,
		"model":     model,
	})
	if err != nil {
		return false, err
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("access rule returned %T", out.Value())
	}
	return allowed, nil
}
