package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordCalls records one successful and one failed query into a log.
func recordCalls(t *testing.T, env shopEnv) string {
	t.Helper()
	log := filepath.Join(env.dir, "calls.jsonl")
	_, err := execute(t, "call", "query", "-c", env.config, "--tenant", "acme",
		"--args", orderQuery, "--record", log)
	require.NoError(t, err)
	_, err = execute(t, "call", "aggregate", "-c", env.config, "--tenant", "acme",
		"--args", `{"model":"Order","operation":"sum","field":"total_cents"}`, "--record", log)
	require.NoError(t, err)
	_, err = execute(t, "call", "query", "-c", env.config,
		"--args", `{"model":"Order"}`, "--record", log)
	require.Error(t, err)
	return log
}

func TestReplay_AllMatch(t *testing.T) {
	env := newShopEnv(t)
	log := recordCalls(t, env)

	out, err := execute(t, "replay", "-c", env.config, "--log", log)
	require.NoError(t, err)
	assert.Contains(t, out, "Replayed 3 call(s): 3 matched, 0 differ")
	assert.Contains(t, out, "✓ All replayed calls match")
}

func TestReplay_DetectsDrift(t *testing.T) {
	env := newShopEnv(t)
	log := recordCalls(t, env)

	// Change the data the recorded query saw.
	_, err := execute(t, "call", "update", "-c", env.config, "--tenant", "acme",
		"--args", `{"model":"Order","id":1,"data":{"status":"refunded"}}`)
	require.NoError(t, err)

	out, err := execute(t, "--format", "json", "replay", "-c", env.config, "--log", log)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse(t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeReplay, resp.Error.Code)

	report := resp.Data.(map[string]any)
	assert.EqualValues(t, 3, report["total"])
	assert.EqualValues(t, 1, report["mismatched"])
	first := report["results"].([]any)[0].(map[string]any)
	assert.Equal(t, false, first["match"])
	assert.Equal(t, "output_differs", first["kind"])
}

func TestReplay_FilterAndStop(t *testing.T) {
	env := newShopEnv(t)
	log := recordCalls(t, env)

	out, err := execute(t, "replay", "-c", env.config, "--log", log, "--tool", "aggregate", "-v")
	require.NoError(t, err)
	assert.Contains(t, out, "Replayed 1 call(s)")
	assert.Contains(t, out, "✓ ")

	out, err = execute(t, "replay", "-c", env.config, "--log", log, "--tool", "delete")
	require.NoError(t, err)
	assert.Contains(t, out, "No recorded calls found.")
}

func TestReplay_CommandErrors(t *testing.T) {
	env := newShopEnv(t)

	_, err := execute(t, "replay", "-c", env.config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"log" not set`)

	_, err = execute(t, "replay", "-c", env.config, "--log", filepath.Join(env.dir, "missing.jsonl"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	bad := filepath.Join(env.dir, "bad.jsonl")
	require.NoError(t, os.WriteFile(bad, []byte("{not json\n"), 0o600))
	_, err = execute(t, "replay", "-c", env.config, "--log", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load call log")
}

func TestDeterminism_Stable(t *testing.T) {
	env := newShopEnv(t)
	log := recordCalls(t, env)

	out, err := execute(t, "determinism", "-c", env.config, "--log", log, "--runs", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "Checked 3 call(s) x 4 runs: 0 nondeterministic")

	out, err = execute(t, "--format", "json", "determinism", "-c", env.config, "--log", log)
	require.NoError(t, err)
	resp := decodeResponse(t, out)
	assert.Equal(t, "ok", resp.Status)
	report := resp.Data.(map[string]any)
	assert.EqualValues(t, 3, report["total"])
	assert.EqualValues(t, 0, report["nondeterministic"])
	for _, r := range report["results"].([]any) {
		assert.EqualValues(t, 3, r.(map[string]any)["runs"])
	}
}

func TestDeterminism_RejectsSingleRun(t *testing.T) {
	env := newShopEnv(t)
	log := recordCalls(t, env)

	_, err := execute(t, "determinism", "-c", env.config, "--log", log, "--runs", "1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "--runs must be at least 2")
}
