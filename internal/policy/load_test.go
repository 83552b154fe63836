package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/querygate/internal/errs"
)

const samplePolicyYAML = `
version: "2024-06-01"
profile: internal
writes_enabled: true
budget:
  max_rows: 50
models:
  Order:
    row:
      tenant_field: tenant_id
      soft_delete_field: deleted_at
    fields:
      email:
        action: MASK
      card_number:
        action: deny
    relations:
      customer:
        allowed: true
        max_take: 5
    write:
      create: true
      require_approval: true
    access_rule: '"support" in roles'
  Customer: {}
`

const samplePolicyCUE = `
version: "2024-06-01"
profile: "internal"
writes_enabled: true
budget: max_rows: 50
models: {
	Order: {
		row: {
			tenant_field:      "tenant_id"
			soft_delete_field: "deleted_at"
		}
		fields: {
			email: action:       "mask"
			card_number: action: "deny"
		}
		relations: customer: {allowed: true, max_take: 5}
		write: {create: true, require_approval: true}
		access_rule: "\"support\" in roles"
	}
	Customer: {}
}
`

func assertSamplePolicy(t *testing.T, p *Policy) {
	t.Helper()
	assert.Equal(t, "2024-06-01", p.Version)
	assert.Equal(t, "internal", p.Profile)
	assert.True(t, p.WritesEnabled)
	assert.True(t, p.RequireTenantScope, "profile default kept")
	assert.Equal(t, StrategyMask, p.RedactStrategy)
	assert.Equal(t, 50, p.Budget.MaxRows)
	assert.Equal(t, 80, p.Budget.MaxSelectFields, "unset budget fields keep profile values")

	order := p.Models["Order"]
	assert.True(t, order.Allowed)
	assert.True(t, order.Readable)
	assert.Equal(t, "tenant_id", order.Row.TenantField)
	assert.Equal(t, "deleted_at", order.Row.SoftDeleteField)
	assert.Equal(t, ActionMask, order.Fields["email"].Action)
	assert.Equal(t, ActionDeny, order.Fields["card_number"].Action)
	assert.Equal(t, RelationPolicy{Allowed: true, MaxTake: 5}, order.Relations["customer"])
	assert.Equal(t, WritePolicy{Create: true, RequireApproval: true}, order.Write)
	assert.Equal(t, `"support" in roles`, order.AccessRule)

	assert.True(t, p.Models["Customer"].Allowed)
}

func TestLoadYAML(t *testing.T) {
	p, err := LoadYAML([]byte(samplePolicyYAML))
	require.NoError(t, err)
	assertSamplePolicy(t, p)
}

func TestLoadCUE(t *testing.T) {
	p, err := LoadCUE([]byte(samplePolicyCUE), "policy.cue")
	require.NoError(t, err)
	assertSamplePolicy(t, p)
}

func TestLoadFile_DispatchesOnExtension(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "policy.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(samplePolicyYAML), 0o600))
	p, err := LoadFile(yamlPath)
	require.NoError(t, err)
	assertSamplePolicy(t, p)

	cuePath := filepath.Join(dir, "policy.cue")
	require.NoError(t, os.WriteFile(cuePath, []byte(samplePolicyCUE), 0o600))
	p, err = LoadFile(cuePath)
	require.NoError(t, err)
	assertSamplePolicy(t, p)

	jsonPath := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte("{}"), 0o600))
	_, err = LoadFile(jsonPath)
	assert.ErrorContains(t, err, "unsupported policy file extension")

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadYAML_Invalid(t *testing.T) {
	_, err := LoadYAML([]byte("models: [unclosed"))
	assert.ErrorContains(t, err, "parse policy yaml")

	_, err = LoadYAML([]byte("profile: staging"))
	assert.True(t, errs.IsValidationError(err))

	_, err = LoadYAML([]byte("models:\n  Order:\n    fields:\n      x:\n        action: scramble\n"))
	assert.True(t, errs.IsValidationError(err))
}

func TestLoadCUE_NonConcrete(t *testing.T) {
	_, err := LoadCUE([]byte(`version: string`), "policy.cue")
	assert.Error(t, err)
}
