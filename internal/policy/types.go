// Package policy defines what an agent may see and do, per model.
//
// A Policy is assembled by a Builder (directly, from a profile, or from a
// YAML/CUE document) and is treated as immutable once built: every method
// on *Policy is a read, and a reload swaps the whole value through a Holder.
package policy

import "maps"

// FieldAction decides what happens to a field value on the way out.
type FieldAction string

const (
	ActionAllow FieldAction = "allow"
	ActionDeny  FieldAction = "deny"
	ActionMask  FieldAction = "mask"
	ActionHash  FieldAction = "hash"
)

// Valid reports whether a is one of the four actions.
func (a FieldAction) Valid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionMask, ActionHash:
		return true
	}
	return false
}

// RedactStrategy is the profile-level treatment of sensitive fields that
// carry no explicit action.
type RedactStrategy string

const (
	// StrategyDeny nulls sensitive fields and rejects selecting denied ones.
	StrategyDeny RedactStrategy = "deny"
	// StrategyMask masks sensitive fields; denied fields read as null.
	StrategyMask RedactStrategy = "mask"
)

// Policy is the complete, versioned access configuration for one mount.
type Policy struct {
	Version            string
	Profile            string
	Models             map[string]ModelPolicy
	RequireTenantScope bool
	WritesEnabled      bool
	RedactStrategy     RedactStrategy
	DefaultFieldAction FieldAction
	Budget             Budget
}

// ModelPolicy governs one model.
type ModelPolicy struct {
	Allowed   bool
	Readable  bool
	Fields    map[string]FieldPolicy
	Relations map[string]RelationPolicy
	Row       RowPolicy
	Budget    *Budget
	Write     WritePolicy
	// AccessRule is an optional CEL predicate over tenant_id, user_id,
	// roles and model. The model is hidden when it evaluates to false.
	AccessRule string
}

// FieldPolicy is the per-field redaction rule.
type FieldPolicy struct {
	Action      FieldAction `json:"action,omitempty" yaml:"action,omitempty"`
	MaskPattern string      `json:"mask_pattern,omitempty" yaml:"mask_pattern,omitempty"`
	// Sensitive fields without an Action follow the policy RedactStrategy.
	Sensitive bool `json:"sensitive,omitempty" yaml:"sensitive,omitempty"`
}

// RelationPolicy governs traversal of one relation through include.
type RelationPolicy struct {
	Allowed bool `json:"allowed" yaml:"allowed"`
	MaxTake int  `json:"max_take,omitempty" yaml:"max_take,omitempty"`
}

// RowPolicy configures scope injection for a model.
type RowPolicy struct {
	TenantField     string `json:"tenant_field,omitempty" yaml:"tenant_field,omitempty"`
	OwnerField      string `json:"owner_field,omitempty" yaml:"owner_field,omitempty"`
	SoftDeleteField string `json:"soft_delete_field,omitempty" yaml:"soft_delete_field,omitempty"`
	IncludeDeleted  bool   `json:"include_deleted,omitempty" yaml:"include_deleted,omitempty"`
	// RequireTenant overrides Policy.RequireTenantScope for this model.
	RequireTenant *bool `json:"require_tenant,omitempty" yaml:"require_tenant,omitempty"`
}

// Budget holds the numeric ceilings for a read.
type Budget struct {
	MaxRows            int `json:"max_rows,omitempty" yaml:"max_rows,omitempty"`
	MaxSelectFields    int `json:"max_select_fields,omitempty" yaml:"max_select_fields,omitempty"`
	MaxIncludesDepth   int `json:"max_includes_depth,omitempty" yaml:"max_includes_depth,omitempty"`
	MaxComplexityScore int `json:"max_complexity_score,omitempty" yaml:"max_complexity_score,omitempty"`
	StatementTimeoutMS int `json:"statement_timeout_ms,omitempty" yaml:"statement_timeout_ms,omitempty"`
}

// Merge returns b with every non-zero field of override applied. A zero
// MaxIncludesDepth cannot be expressed as an override.
func (b Budget) Merge(override *Budget) Budget {
	if override == nil {
		return b
	}
	if override.MaxRows > 0 {
		b.MaxRows = override.MaxRows
	}
	if override.MaxSelectFields > 0 {
		b.MaxSelectFields = override.MaxSelectFields
	}
	if override.MaxIncludesDepth > 0 {
		b.MaxIncludesDepth = override.MaxIncludesDepth
	}
	if override.MaxComplexityScore > 0 {
		b.MaxComplexityScore = override.MaxComplexityScore
	}
	if override.StatementTimeoutMS > 0 {
		b.StatementTimeoutMS = override.StatementTimeoutMS
	}
	return b
}

// WritePolicy governs mutations on a model.
type WritePolicy struct {
	Create          bool `json:"create,omitempty" yaml:"create,omitempty"`
	Update          bool `json:"update,omitempty" yaml:"update,omitempty"`
	Delete          bool `json:"delete,omitempty" yaml:"delete,omitempty"`
	RequireApproval bool `json:"require_approval,omitempty" yaml:"require_approval,omitempty"`
	// MaxAffectedRows caps update/delete; zero means one row.
	MaxAffectedRows int `json:"max_affected_rows,omitempty" yaml:"max_affected_rows,omitempty"`
}

// Allows reports whether op (create/update/delete) is enabled.
func (w WritePolicy) Allows(op string) bool {
	switch op {
	case "create":
		return w.Create
	case "update":
		return w.Update
	case "delete":
		return w.Delete
	}
	return false
}

// AffectedRowsLimit is MaxAffectedRows with the one-row default applied.
func (w WritePolicy) AffectedRowsLimit() int {
	if w.MaxAffectedRows <= 0 {
		return 1
	}
	return w.MaxAffectedRows
}

func (mp ModelPolicy) clone() ModelPolicy {
	mp.Fields = maps.Clone(mp.Fields)
	mp.Relations = maps.Clone(mp.Relations)
	if mp.Budget != nil {
		b := *mp.Budget
		mp.Budget = &b
	}
	if mp.Row.RequireTenant != nil {
		v := *mp.Row.RequireTenant
		mp.Row.RequireTenant = &v
	}
	return mp
}

func (p *Policy) clone() *Policy {
	out := *p
	out.Models = make(map[string]ModelPolicy, len(p.Models))
	for name, mp := range p.Models {
		out.Models[name] = mp.clone()
	}
	return &out
}
