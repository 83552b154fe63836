package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `name: count_orders
description: "Counts acme's live orders"
fixture: shop
principal:
  tenant_id: acme
  user_id: u1
policy:
  profile: internal
  models:
    Order:
      row:
        tenant_field: tenant_id
        soft_delete_field: deleted_at
flow:
  - call: aggregate
    args: {model: Order, operation: count}
    expect:
      data: {value: 4}
assertions:
  - type: trace_count
    tool: aggregate
    count: 1
`

const failingScenario = `name: wrong_count
description: "Expects the wrong number of orders"
fixture: shop
principal:
  tenant_id: acme
policy:
  profile: internal
  models:
    Order:
      row:
        tenant_field: tenant_id
flow:
  - call: aggregate
    args: {model: Order, operation: count}
    expect:
      data: {value: 99}
`

func scenarioDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return dir
}

func TestTestCommand_Passing(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"count_orders.yaml": passingScenario})

	out, err := execute(t, "test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ count_orders")
	assert.Contains(t, out, "Results: 1 passed, 0 failed, 1 total")
}

func TestTestCommand_Failing(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"count_orders.yaml": passingScenario,
		"wrong_count.yaml":  failingScenario,
	})

	out, err := execute(t, "--format", "json", "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse(t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTestFailed, resp.Error.Code)
	result := resp.Data.(map[string]any)
	assert.EqualValues(t, 1, result["passed"])
	assert.EqualValues(t, 1, result["failed"])
}

func TestTestCommand_Filter(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"count_orders.yaml": passingScenario,
		"wrong_count.yaml":  failingScenario,
	})

	out, err := execute(t, "test", dir, "--filter", "count_*")
	require.NoError(t, err)
	assert.Contains(t, out, "Results: 1 passed, 0 failed, 1 total")

	_, err = execute(t, "test", dir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommand_GoldenRoundTrip(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"count_orders.yaml": passingScenario})
	golden := filepath.Join(dir, "golden", "count_orders.golden")

	out, err := execute(t, "test", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ count_orders (golden updated)")
	require.FileExists(t, golden)

	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario_name":"count_orders"`)

	// The golden directory is not scanned for scenarios.
	_, err = execute(t, "test", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(golden, []byte(`{"scenario_name":"count_orders","trace":[]}`), 0o600))
	out, err = execute(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommand_BadScenarioAndDirs(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"broken.yaml": "name: broken\nflow: []\nbogus: true\n"})

	out, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")

	_, err = execute(t, "test", filepath.Join(dir, "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err = execute(t, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommand_HarnessScenarios(t *testing.T) {
	// Scenarios shipped with the harness have their goldens elsewhere, so
	// only their expectations are checked here.
	out, err := execute(t, "test", filepath.Join("..", "harness", "testdata", "scenarios"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ acme_reads")
	assert.Contains(t, out, "✓ approved_create")
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("s", "golden", "a.golden"), goldenFilePath(filepath.Join("s", "a.yaml")))
	assert.Equal(t, filepath.Join("s", "golden", "b.golden"), goldenFilePath(filepath.Join("s", "b.yml")))
}
