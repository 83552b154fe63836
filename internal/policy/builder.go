package policy

import (
	"fmt"
	"sort"

	"github.com/roach88/querygate/internal/dsl"
	"github.com/roach88/querygate/internal/errs"
)

// Builder assembles a Policy fluently. Errors are collected and reported
// by Build, so chains never need intermediate checks.
//
// Example:
//
//	p, err := policy.NewBuilder().
//		FromProfile("prod").
//		Model("Order",
//			policy.TenantScope("tenant_id"),
//			policy.Field("card_number", policy.ActionDeny),
//			policy.Relation("customer", 10)).
//		Build()
type Builder struct {
	p    Policy
	errs []error
}

// ModelOption configures one model in Builder.Model.
type ModelOption func(*ModelPolicy)

// NewBuilder starts from the prod profile.
func NewBuilder() *Builder {
	b := &Builder{p: Policy{
		Models:             make(map[string]ModelPolicy),
		DefaultFieldAction: ActionAllow,
	}}
	return b.FromProfile(ProfileProd)
}

// FromProfile resets the policy-wide defaults to the named profile. Models
// already declared are kept.
func (b *Builder) FromProfile(name string) *Builder {
	prof, ok := ProfileByName(name)
	if !ok {
		b.errs = append(b.errs, errs.Validation("profile", fmt.Sprintf("unknown profile %q", name)))
		return b
	}
	b.p.Profile = prof.Name
	b.p.Budget = prof.Budget
	b.p.RequireTenantScope = prof.RequireTenantScope
	b.p.WritesEnabled = prof.WritesEnabled
	b.p.RedactStrategy = prof.RedactStrategy
	return b
}

// Version tags the policy.
func (b *Builder) Version(v string) *Builder {
	b.p.Version = v
	return b
}

// Budget replaces the policy-wide budget.
func (b *Builder) Budget(budget Budget) *Builder {
	b.p.Budget = budget
	return b
}

// RequireTenantScope sets the policy-wide tenant requirement.
func (b *Builder) RequireTenantScope(required bool) *Builder {
	b.p.RequireTenantScope = required
	return b
}

// WritesEnabled toggles mutations for the whole policy.
func (b *Builder) WritesEnabled(enabled bool) *Builder {
	b.p.WritesEnabled = enabled
	return b
}

// RedactStrategy sets how sensitive fields without an action are treated.
func (b *Builder) RedactStrategy(s RedactStrategy) *Builder {
	b.p.RedactStrategy = s
	return b
}

// DefaultFieldAction sets the action for fields with no policy at all.
func (b *Builder) DefaultFieldAction(a FieldAction) *Builder {
	b.p.DefaultFieldAction = a
	return b
}

// Model declares (or extends) an allowed, readable model.
func (b *Builder) Model(name string, opts ...ModelOption) *Builder {
	mp, ok := b.p.Models[name]
	if !ok {
		mp = ModelPolicy{Allowed: true, Readable: true}
	}
	for _, opt := range opts {
		opt(&mp)
	}
	b.p.Models[name] = mp
	return b
}

// Field sets the action for one field.
func Field(name string, action FieldAction) ModelOption {
	return func(mp *ModelPolicy) {
		setField(mp, name, FieldPolicy{Action: action})
	}
}

// MaskedField masks a field with a {firstN}/{lastN} pattern.
func MaskedField(name, pattern string) ModelOption {
	return func(mp *ModelPolicy) {
		setField(mp, name, FieldPolicy{Action: ActionMask, MaskPattern: pattern})
	}
}

// SensitiveField marks a field whose treatment follows the redact strategy.
func SensitiveField(name string) ModelOption {
	return func(mp *ModelPolicy) {
		setField(mp, name, FieldPolicy{Sensitive: true})
	}
}

// Relation allows include traversal of a relation. maxTake of zero keeps
// the DSL default.
func Relation(name string, maxTake int) ModelOption {
	return func(mp *ModelPolicy) {
		if mp.Relations == nil {
			mp.Relations = make(map[string]RelationPolicy)
		}
		mp.Relations[name] = RelationPolicy{Allowed: true, MaxTake: maxTake}
	}
}

// TenantScope pins rows to the principal's tenant through field.
func TenantScope(field string) ModelOption {
	return func(mp *ModelPolicy) { mp.Row.TenantField = field }
}

// OwnerScope pins rows to the principal's user through field.
func OwnerScope(field string) ModelOption {
	return func(mp *ModelPolicy) { mp.Row.OwnerField = field }
}

// SoftDelete hides rows whose field is non-null.
func SoftDelete(field string) ModelOption {
	return func(mp *ModelPolicy) { mp.Row.SoftDeleteField = field }
}

// IncludeDeleted opts the model out of soft-delete filtering.
func IncludeDeleted() ModelOption {
	return func(mp *ModelPolicy) { mp.Row.IncludeDeleted = true }
}

// RequireTenant overrides the policy-wide tenant requirement for a model.
func RequireTenant(required bool) ModelOption {
	return func(mp *ModelPolicy) { mp.Row.RequireTenant = &required }
}

// Writes sets the model's write policy.
func Writes(w WritePolicy) ModelOption {
	return func(mp *ModelPolicy) { mp.Write = w }
}

// ModelBudget overrides budget fields for one model.
func ModelBudget(budget Budget) ModelOption {
	return func(mp *ModelPolicy) { mp.Budget = &budget }
}

// AccessRule attaches a CEL visibility predicate.
func AccessRule(expr string) ModelOption {
	return func(mp *ModelPolicy) { mp.AccessRule = expr }
}

// WriteOnly hides the model from read tools.
func WriteOnly() ModelOption {
	return func(mp *ModelPolicy) { mp.Readable = false }
}

// Denied keeps a model declared but not allowed.
func Denied() ModelOption {
	return func(mp *ModelPolicy) { mp.Allowed = false }
}

func setField(mp *ModelPolicy, name string, fp FieldPolicy) {
	if mp.Fields == nil {
		mp.Fields = make(map[string]FieldPolicy)
	}
	mp.Fields[name] = fp
}

// Build validates and returns an independent copy of the policy.
func (b *Builder) Build() (*Policy, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if err := validate(&b.p); err != nil {
		return nil, err
	}
	return b.p.clone(), nil
}

func validate(p *Policy) error {
	if err := validateBudget("budget", p.Budget, true); err != nil {
		return err
	}
	switch p.RedactStrategy {
	case StrategyDeny, StrategyMask:
	default:
		return errs.Validation("redact_strategy", fmt.Sprintf("must be deny or mask, got %q", p.RedactStrategy))
	}
	if !p.DefaultFieldAction.Valid() {
		return errs.Validation("default_field_action", fmt.Sprintf("invalid action %q", p.DefaultFieldAction))
	}

	names := make([]string, 0, len(p.Models))
	for name := range p.Models {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		mp := p.Models[name]
		path := "models." + name
		if _, err := dsl.ValidateFieldName(path, name); err != nil {
			return err
		}
		for field, fp := range mp.Fields {
			fpath := path + ".fields." + field
			if _, err := dsl.ValidateFieldName(fpath, field); err != nil {
				return err
			}
			if fp.Action != "" && !fp.Action.Valid() {
				return errs.Validation(fpath, fmt.Sprintf("invalid action %q", fp.Action))
			}
			if fp.MaskPattern != "" && fp.Action != ActionMask {
				return errs.Validation(fpath, "mask_pattern requires action mask")
			}
		}
		for rel, rp := range mp.Relations {
			rpath := path + ".relations." + rel
			if _, err := dsl.ValidateFieldName(rpath, rel); err != nil {
				return err
			}
			if rp.MaxTake < 0 || rp.MaxTake > dsl.MaxTake {
				return errs.Validation(rpath, fmt.Sprintf("max_take must be in [0,%d]", dsl.MaxTake))
			}
		}
		for key, field := range map[string]string{
			"tenant_field":      mp.Row.TenantField,
			"owner_field":       mp.Row.OwnerField,
			"soft_delete_field": mp.Row.SoftDeleteField,
		} {
			if field == "" {
				continue
			}
			if _, err := dsl.ValidateFieldName(path+".row."+key, field); err != nil {
				return err
			}
		}
		if mp.Budget != nil {
			if err := validateBudget(path+".budget", *mp.Budget, false); err != nil {
				return err
			}
		}
		if mp.Write.MaxAffectedRows < 0 {
			return errs.Validation(path+".write.max_affected_rows", "must be non-negative")
		}
		if mp.AccessRule != "" {
			if _, err := loadOrCompileAccessRule(mp.AccessRule); err != nil {
				return errs.Validation(path+".access_rule", err.Error())
			}
		}
	}
	return nil
}

// validateBudget checks ranges. Overrides may leave fields at zero.
func validateBudget(path string, b Budget, complete bool) error {
	checks := []struct {
		name  string
		value int
	}{
		{"max_rows", b.MaxRows},
		{"max_select_fields", b.MaxSelectFields},
		{"max_complexity_score", b.MaxComplexityScore},
	}
	for _, c := range checks {
		if c.value < 0 || (complete && c.value == 0) {
			return errs.Validation(path+"."+c.name, fmt.Sprintf("must be positive, got %d", c.value))
		}
	}
	if b.MaxIncludesDepth < 0 {
		return errs.Validation(path+".max_includes_depth", "must be non-negative")
	}
	if b.StatementTimeoutMS < 0 {
		return errs.Validation(path+".statement_timeout_ms", "must be non-negative")
	}
	return nil
}
