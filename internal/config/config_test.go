package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/querygate/internal/policy"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, policy.ProfileProd, cfg.Policy.Profile)
	assert.Equal(t, AuditNone, cfg.Audit.Backend)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "querygate.yaml", `
database:
  driver: pgx
  dsn: postgres://localhost/shop
policy:
  profile: internal
schema_ttl: 30s
audit:
  backend: sqlite
  dsn: audit.db
  async: true
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/shop", cfg.Database.DSN)
	assert.Equal(t, policy.ProfileInternal, cfg.Policy.Profile)
	assert.Equal(t, 30*time.Second, cfg.SchemaTTL)
	assert.Equal(t, AuditSQLite, cfg.Audit.Backend)
	assert.True(t, cfg.Audit.Async)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched keys keep their defaults
	assert.Equal(t, 10_000, cfg.Audit.BufferSize)
	assert.Equal(t, "json", cfg.Log.Encoding)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "querygate.yaml", "log:\n  level: debug\n")
	t.Setenv("QUERYGATE_LOG_LEVEL", "warn")
	t.Setenv("QUERYGATE_AUDIT_BUFFER_SIZE", "64")
	t.Setenv("QUERYGATE_AUDIT_ASYNC", "true")
	t.Setenv("QUERYGATE_SCHEMA_TTL", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 64, cfg.Audit.BufferSize)
	assert.True(t, cfg.Audit.Async)
	assert.Equal(t, time.Minute, cfg.SchemaTTL)
}

func TestApplyEnv_IgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("QUERYGATE_AUDIT_BUFFER_SIZE", "lots")
	t.Setenv("QUERYGATE_SCHEMA_TTL", "soon")

	cfg := Default()
	cfg.ApplyEnv()

	assert.Equal(t, 10_000, cfg.Audit.BufferSize)
	assert.Equal(t, 5*time.Minute, cfg.SchemaTTL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"unknown profile", func(c *Config) { c.Policy.Profile = "staging" }, "policy.profile"},
		{"profile ignored with file", func(c *Config) { c.Policy.Profile = "staging"; c.Policy.File = "p.yaml" }, ""},
		{"watch without file", func(c *Config) { c.Policy.Watch = true }, "policy.watch"},
		{"bad pagination", func(c *Config) { c.Pagination = "pages" }, "pagination"},
		{"negative ttl", func(c *Config) { c.SchemaTTL = -time.Second }, "schema_ttl"},
		{"audit dsn required", func(c *Config) { c.Audit.Backend = AuditPostgres }, "audit.dsn"},
		{"unknown audit backend", func(c *Config) { c.Audit.Backend = "s3" }, "audit.backend"},
		{"redis url required", func(c *Config) { c.Approval.Backend = ApprovalRedis }, "approval.redis_url"},
		{"unknown approval backend", func(c *Config) { c.Approval.Backend = "slack" }, "approval.backend"},
		{"negative claim lease", func(c *Config) { c.Approval.ClaimLease = -time.Second }, "approval.claim_lease"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	path := writeFile(t, "bad.yaml", "database: [\n")
	_, err = Load(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestLoadPolicy(t *testing.T) {
	cfg := Default()
	cfg.Policy.Profile = policy.ProfileDev
	p, err := cfg.LoadPolicy()
	require.NoError(t, err)
	assert.Equal(t, policy.ProfileDev, p.Profile)
	assert.True(t, p.WritesEnabled)

	cfg.Policy.File = writeFile(t, "policy.yaml", `
profile: prod
models:
  orders:
    allowed: true
    readable: true
`)
	p, err = cfg.LoadPolicy()
	require.NoError(t, err)
	assert.Equal(t, policy.ProfileProd, p.Profile)
	mp, ok := p.Model("orders")
	require.True(t, ok)
	assert.True(t, mp.Allowed)
}
