package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/querygate/internal/audit"
	"github.com/roach88/querygate/internal/testutil"
)

const shopPolicy = `version: "2024-01"
profile: internal
writes_enabled: true
models:
  Order:
    row:
      tenant_field: tenant_id
      soft_delete_field: deleted_at
    fields:
      ssn:
        action: deny
      email:
        action: mask
        mask_pattern: "{first1}***"
    write:
      update: true
      max_affected_rows: 1
  Customer:
    row:
      tenant_field: tenant_id
`

// shopEnv is a seeded shop database plus a config file pointing at it.
type shopEnv struct {
	dir    string
	db     string
	policy string
	config string
}

func newShopEnv(t *testing.T) shopEnv {
	t.Helper()
	env := shopEnv{dir: t.TempDir(), db: testutil.ShopDB(t)}
	env.policy = filepath.Join(env.dir, "policy.yaml")
	require.NoError(t, os.WriteFile(env.policy, []byte(shopPolicy), 0o600))

	env.config = filepath.Join(env.dir, "querygate.yaml")
	cfg := fmt.Sprintf(`database:
  driver: sqlite3
  dsn: %q
  models:
    customers: Customer
    orders: Order
    order_items: OrderItem
policy:
  file: %q
log:
  level: error
`, env.db, env.policy)
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o600))
	return env
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return buf.String(), err
}

func decodeResponse(t *testing.T, out string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp
}

const orderQuery = `{"model":"Order","select":["id","status","email"],"order_by":[{"field":"id"}]}`

func TestCall_QueryText(t *testing.T) {
	env := newShopEnv(t)

	out, err := execute(t, "call", "query", "-c", env.config,
		"--tenant", "acme", "--user", "u1", "--args", orderQuery)
	require.NoError(t, err)

	assert.Contains(t, out, "✓ ok")
	assert.Contains(t, out, "Rows: 4")
	assert.Contains(t, out, `"status": "shipped"`)
	assert.Contains(t, out, `"email": "a***"`)
	assert.NotContains(t, out, "ada@acme.test")
}

func TestCall_QueryJSON(t *testing.T) {
	env := newShopEnv(t)

	out, err := execute(t, "--format", "json", "call", "query", "-c", env.config,
		"--tenant", "acme", "--args", orderQuery)
	require.NoError(t, err)

	resp := decodeResponse(t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)

	result := resp.Data.(map[string]any)
	assert.Equal(t, true, result["ok"])
	meta := result["meta"].(map[string]any)
	assert.EqualValues(t, 4, meta["row_count"])
	rows := result["data"].(map[string]any)["data"].([]any)
	require.Len(t, rows, 4)
	for _, row := range rows {
		assert.NotContains(t, row, "ssn")
	}
}

func TestCall_FlagsOverrideConfig(t *testing.T) {
	env := newShopEnv(t)
	other := testutil.ShopDB(t)
	_, err := execute(t, "call", "update", "-c", env.config, "--db", other, "--tenant", "acme",
		"--args", `{"model":"Order","id":1,"data":{"status":"refunded"}}`)
	require.NoError(t, err)

	// The update went to --db, so the configured database is unchanged.
	out, err := execute(t, "--format", "json", "call", "get", "-c", env.config, "--tenant", "acme",
		"--args", `{"model":"Order","id":1}`)
	require.NoError(t, err)
	result := decodeResponse(t, out).Data.(map[string]any)
	assert.Equal(t, "paid", result["data"].(map[string]any)["data"].(map[string]any)["status"])
}

func TestCall_ToolFailureExitsOne(t *testing.T) {
	env := newShopEnv(t)

	out, err := execute(t, "--format", "json", "call", "query", "-c", env.config,
		"--args", `{"model":"Order"}`)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse(t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "TENANT_SCOPE_REQUIRED", resp.Error.Code)
}

func TestCall_DeniedFieldText(t *testing.T) {
	env := newShopEnv(t)

	out, err := execute(t, "call", "query", "-c", env.config, "--tenant", "acme",
		"--args", `{"model":"Order","where":[{"field":"ssn","op":"eq","value":"111-11-1111"}]}`)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ FIELD_NOT_ALLOWED")
}

func TestCall_CommandErrors(t *testing.T) {
	env := newShopEnv(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "invalid args JSON",
			args:    []string{"call", "query", "-c", env.config, "--args", "{not json"},
			wantErr: "invalid --args JSON",
		},
		{
			name:    "missing config file",
			args:    []string{"call", "query", "-c", filepath.Join(env.dir, "missing.yaml")},
			wantErr: "invalid configuration",
		},
		{
			name:    "unknown driver",
			args:    []string{"call", "query", "-c", env.config, "--driver", "oracle"},
			wantErr: "invalid configuration",
		},
		{
			name:    "missing policy file",
			args:    []string{"call", "query", "-c", env.config, "--policy", filepath.Join(env.dir, "nope.yaml")},
			wantErr: "failed to load policy",
		},
		{
			name:    "no tool",
			args:    []string{"call", "-c", env.config},
			wantErr: "accepts 1 arg",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			if tt.name != "no tool" {
				assert.Equal(t, ExitCommandError, GetExitCode(err))
			}
		})
	}
}

func TestCall_AuditAndRecord(t *testing.T) {
	env := newShopEnv(t)
	auditDB := filepath.Join(env.dir, "audit.db")
	log := filepath.Join(env.dir, "calls.jsonl")

	_, err := execute(t, "call", "query", "-c", env.config, "--tenant", "acme", "--user", "u1",
		"--args", orderQuery, "--audit-db", auditDB, "--record", log, "--request-id", "req-1")
	require.NoError(t, err)
	_, err = execute(t, "call", "query", "-c", env.config,
		"--args", orderQuery, "--audit-db", auditDB, "--record", log)
	require.Error(t, err)

	calls, err := audit.LoadFile(log)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "req-1", calls[0].RequestID)
	assert.Equal(t, "acme", calls[0].Principal.TenantID)
	assert.True(t, calls[0].OK)
	assert.False(t, calls[1].OK)
	assert.Equal(t, "TENANT_SCOPE_REQUIRED", calls[1].ErrorCode)

	store, err := audit.OpenSQLite(auditDB)
	require.NoError(t, err)
	defer store.Close()
	n, err := store.Count(t.Context(), audit.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestParseArgs(t *testing.T) {
	got, err := parseArgs("  ")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = parseArgs("null")
	require.NoError(t, err)
	assert.NotNil(t, got)

	got, err = parseArgs(`{"model":"Order","take":5}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"model": "Order", "take": float64(5)}, got)

	_, err = parseArgs(`[1,2]`)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
