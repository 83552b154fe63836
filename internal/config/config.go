// Package config loads process configuration for querygate.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file, and QUERYGATE_* environment variables. Command-line
// flags are applied on top by the cli package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/querygate/internal/planner"
	"github.com/roach88/querygate/internal/policy"
	"github.com/roach88/querygate/internal/querysql"
)

// Audit backends.
const (
	AuditNone       = "none"
	AuditMemory     = "memory"
	AuditSQLite     = "sqlite"
	AuditPostgres   = "postgres"
	AuditClickHouse = "clickhouse"
)

// Approval backends.
const (
	ApprovalMemory = "memory"
	ApprovalRedis  = "redis"
)

// Config is the full process configuration.
type Config struct {
	Database   Database      `yaml:"database"`
	Policy     Policy        `yaml:"policy"`
	Pagination string        `yaml:"pagination"`
	SchemaTTL  time.Duration `yaml:"schema_ttl"`
	Audit      Audit         `yaml:"audit"`
	Approval   Approval      `yaml:"approval"`
	Log        Log           `yaml:"log"`

	// CursorSecret keys cursor checksums. Empty leaves cursors unkeyed,
	// which only detects accidental corruption.
	CursorSecret string `yaml:"cursor_secret"`
}

// Database selects the database/sql driver and DSN the adapter opens.
// Models renames tables to model names; unlisted tables keep their name.
type Database struct {
	Driver string            `yaml:"driver"`
	DSN    string            `yaml:"dsn"`
	Schema string            `yaml:"schema"`
	Models map[string]string `yaml:"models"`
}

// Policy points at a policy file. Without a file the named profile is
// used as-is, which exposes no models.
type Policy struct {
	File    string `yaml:"file"`
	Profile string `yaml:"profile"`
	Watch   bool   `yaml:"watch"`
}

// Audit configures where audit records go.
type Audit struct {
	Backend       string        `yaml:"backend"`
	DSN           string        `yaml:"dsn"`
	Async         bool          `yaml:"async"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Approval configures the approval gate for writes.
type Approval struct {
	Backend   string        `yaml:"backend"`
	RedisURL  string        `yaml:"redis_url"`
	KeyPrefix string        `yaml:"key_prefix"`
	Poll      time.Duration `yaml:"poll_interval"`

	// ClaimLease is how long an executing claim holds before another
	// caller may take the request over.
	ClaimLease time.Duration `yaml:"claim_lease"`
}

// Log configures the process logger.
type Log struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// Default returns the built-in configuration: a local SQLite database,
// the prod profile and no audit persistence.
func Default() Config {
	return Config{
		Database:   Database{Driver: "sqlite3", DSN: "querygate.db"},
		Policy:     Policy{Profile: policy.ProfileProd},
		Pagination: string(planner.PaginateKeyset),
		SchemaTTL:  5 * time.Minute,
		Audit: Audit{
			Backend:       AuditNone,
			BufferSize:    10_000,
			FlushInterval: 100 * time.Millisecond,
		},
		Approval: Approval{Backend: ApprovalMemory, KeyPrefix: "querygate:approval:", Poll: 50 * time.Millisecond, ClaimLease: 2 * time.Minute},
		Log:      Log{Level: "info", Encoding: "json"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 -- config path is operator-supplied
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from QUERYGATE_* variables that are set.
func (c *Config) ApplyEnv() {
	c.Database.Driver = envOrDefault("QUERYGATE_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = envOrDefault("QUERYGATE_DB_DSN", c.Database.DSN)
	c.Database.Schema = envOrDefault("QUERYGATE_DB_SCHEMA", c.Database.Schema)

	c.Policy.File = envOrDefault("QUERYGATE_POLICY_FILE", c.Policy.File)
	c.Policy.Profile = envOrDefault("QUERYGATE_PROFILE", c.Policy.Profile)
	c.Policy.Watch = envOrDefaultBool("QUERYGATE_POLICY_WATCH", c.Policy.Watch)

	c.Pagination = envOrDefault("QUERYGATE_PAGINATION", c.Pagination)
	c.SchemaTTL = envOrDefaultDuration("QUERYGATE_SCHEMA_TTL", c.SchemaTTL)

	c.Audit.Backend = envOrDefault("QUERYGATE_AUDIT_BACKEND", c.Audit.Backend)
	c.Audit.DSN = envOrDefault("QUERYGATE_AUDIT_DSN", c.Audit.DSN)
	c.Audit.Async = envOrDefaultBool("QUERYGATE_AUDIT_ASYNC", c.Audit.Async)
	c.Audit.BufferSize = envOrDefaultInt("QUERYGATE_AUDIT_BUFFER_SIZE", c.Audit.BufferSize)
	c.Audit.FlushInterval = envOrDefaultDuration("QUERYGATE_AUDIT_FLUSH_INTERVAL", c.Audit.FlushInterval)

	c.Approval.Backend = envOrDefault("QUERYGATE_APPROVAL_BACKEND", c.Approval.Backend)
	c.Approval.RedisURL = envOrDefault("QUERYGATE_REDIS_URL", c.Approval.RedisURL)
	c.Approval.KeyPrefix = envOrDefault("QUERYGATE_APPROVAL_KEY_PREFIX", c.Approval.KeyPrefix)
	c.Approval.ClaimLease = envOrDefaultDuration("QUERYGATE_APPROVAL_CLAIM_LEASE", c.Approval.ClaimLease)

	c.Log.Level = envOrDefault("QUERYGATE_LOG_LEVEL", c.Log.Level)
	c.Log.Encoding = envOrDefault("QUERYGATE_LOG_ENCODING", c.Log.Encoding)
	c.CursorSecret = envOrDefault("QUERYGATE_CURSOR_SECRET", c.CursorSecret)
}

// Validate checks enumerated values and the settings each backend needs.
func (c Config) Validate() error {
	if _, err := querysql.ParseDialect(c.Database.Driver); err != nil {
		return fmt.Errorf("database.driver: %w", err)
	}
	if c.Policy.File == "" {
		if _, ok := policy.ProfileByName(c.Policy.Profile); !ok {
			return fmt.Errorf("policy.profile: unknown profile %q", c.Policy.Profile)
		}
	}
	if c.Policy.Watch && c.Policy.File == "" {
		return fmt.Errorf("policy.watch: requires policy.file")
	}
	if _, err := planner.ParsePagination(c.Pagination); err != nil {
		return fmt.Errorf("pagination: %w", err)
	}
	if c.SchemaTTL < 0 {
		return fmt.Errorf("schema_ttl: must not be negative")
	}

	switch c.Audit.Backend {
	case AuditNone, AuditMemory:
	case AuditSQLite, AuditPostgres, AuditClickHouse:
		if c.Audit.DSN == "" {
			return fmt.Errorf("audit.dsn: required for backend %q", c.Audit.Backend)
		}
	default:
		return fmt.Errorf("audit.backend: unknown backend %q", c.Audit.Backend)
	}

	switch c.Approval.Backend {
	case ApprovalMemory:
	case ApprovalRedis:
		if c.Approval.RedisURL == "" {
			return fmt.Errorf("approval.redis_url: required for backend %q", ApprovalRedis)
		}
	default:
		return fmt.Errorf("approval.backend: unknown backend %q", c.Approval.Backend)
	}
	if c.Approval.ClaimLease < 0 {
		return fmt.Errorf("approval.claim_lease: must not be negative")
	}
	return nil
}

// LoadPolicy builds the configured policy: the file when one is set,
// otherwise the bare profile.
func (c Config) LoadPolicy() (*policy.Policy, error) {
	if c.Policy.File != "" {
		return policy.LoadFile(c.Policy.File)
	}
	return policy.NewBuilder().FromProfile(c.Policy.Profile).Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
