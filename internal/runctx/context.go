// Package runctx carries the identity and request metadata a tool call
// executes under.
//
// A RunContext is a value. The With methods return modified copies, so a
// context handed to one call can never be mutated by another.
package runctx

import (
	"maps"
	"slices"
	"time"
)

// Principal is the authenticated identity a request executes as.
// Roles are opaque strings; only policy predicates interpret them.
type Principal struct {
	TenantID string         `json:"tenant_id,omitempty"`
	UserID   string         `json:"user_id,omitempty"`
	Roles    []string       `json:"roles,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewPrincipal copies roles and drops duplicates, keeping first-seen order.
func NewPrincipal(tenantID, userID string, roles ...string) Principal {
	seen := make(map[string]bool, len(roles))
	var out []string
	for _, r := range roles {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return Principal{TenantID: tenantID, UserID: userID, Roles: out}
}

// HasRole reports whether the principal carries role.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// HasAnyRole reports whether the principal carries at least one of roles.
func (p Principal) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy: the roles slice and metadata map are
// not shared with the receiver.
func (p Principal) Clone() Principal {
	p.Roles = slices.Clone(p.Roles)
	p.Metadata = maps.Clone(p.Metadata)
	return p
}

// RunContext is everything a tool call needs besides its input.
type RunContext struct {
	Principal Principal
	// DB is the adapter-specific handle (e.g. *sql.DB). The core never
	// inspects it.
	DB        any
	RequestID string
	TraceID   string
	Timestamp time.Time
	Metadata  map[string]any
}

// Option configures New.
type Option func(*RunContext)

// WithIDGenerator generates the request id with gen instead of UUIDv7.
func WithIDGenerator(gen IDGenerator) Option {
	return func(rc *RunContext) {
		if rc.RequestID == "" {
			rc.RequestID = gen.Generate()
		}
	}
}

// WithTimestamp fixes the context timestamp.
func WithTimestamp(ts time.Time) Option {
	return func(rc *RunContext) { rc.Timestamp = ts.UTC() }
}

// WithRequest sets the request id.
func WithRequest(id string) Option {
	return func(rc *RunContext) { rc.RequestID = id }
}

// WithHandle sets the adapter handle.
func WithHandle(db any) Option {
	return func(rc *RunContext) { rc.DB = db }
}

// New builds a RunContext. A request id is generated when none is given,
// and the timestamp defaults to now.
func New(p Principal, opts ...Option) RunContext {
	rc := RunContext{Principal: p.Clone()}
	for _, opt := range opts {
		opt(&rc)
	}
	if rc.RequestID == "" {
		rc.RequestID = UUIDv7Generator{}.Generate()
	}
	if rc.Timestamp.IsZero() {
		rc.Timestamp = time.Now().UTC()
	}
	return rc
}

// WithPrincipal returns a copy executing as p.
func (rc RunContext) WithPrincipal(p Principal) RunContext {
	rc.Principal = p.Clone()
	rc.Metadata = maps.Clone(rc.Metadata)
	return rc
}

// WithRequestID returns a copy with a new request id.
func (rc RunContext) WithRequestID(id string) RunContext {
	rc.Principal = rc.Principal.Clone()
	rc.Metadata = maps.Clone(rc.Metadata)
	rc.RequestID = id
	return rc
}

// WithTraceID returns a copy with a trace id.
func (rc RunContext) WithTraceID(id string) RunContext {
	rc.Principal = rc.Principal.Clone()
	rc.Metadata = maps.Clone(rc.Metadata)
	rc.TraceID = id
	return rc
}

// WithDB returns a copy bound to another adapter handle.
func (rc RunContext) WithDB(db any) RunContext {
	rc.Principal = rc.Principal.Clone()
	rc.Metadata = maps.Clone(rc.Metadata)
	rc.DB = db
	return rc
}

// WithMetadata returns a copy with key set in its metadata.
func (rc RunContext) WithMetadata(key string, value any) RunContext {
	rc.Principal = rc.Principal.Clone()
	md := make(map[string]any, len(rc.Metadata)+1)
	maps.Copy(md, rc.Metadata)
	md[key] = value
	rc.Metadata = md
	return rc
}

// TenantID is shorthand for rc.Principal.TenantID.
func (rc RunContext) TenantID() string {
	return rc.Principal.TenantID
}
