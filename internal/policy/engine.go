package policy

import (
	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/runctx"
	"github.com/roach88/querygate/internal/schema"
)

// Model returns the policy for a model, if declared.
func (p *Policy) Model(name string) (ModelPolicy, bool) {
	mp, ok := p.Models[name]
	return mp, ok
}

// CheckModel fails with MODEL_NOT_ALLOWED unless the model is declared,
// allowed, and its access rule (if any) admits principal.
func (p *Policy) CheckModel(principal runctx.Principal, model string) error {
	mp, ok := p.Models[model]
	if !ok || !mp.Allowed {
		return errs.ModelNotAllowed(model)
	}
	if mp.AccessRule == "" {
		return nil
	}
	allowed, err := evalAccessRule(mp.AccessRule, model, principal)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, err, "evaluate access rule for %s", model)
	}
	if !allowed {
		return errs.ModelNotAllowed(model).With("reason", "access rule")
	}
	return nil
}

// CheckRead is CheckModel plus the model's read switch.
func (p *Policy) CheckRead(principal runctx.Principal, model string) error {
	if err := p.CheckModel(principal, model); err != nil {
		return err
	}
	if !p.Models[model].Readable {
		return errs.ModelNotAllowed(model).With("reason", "not readable")
	}
	return nil
}

// VisibleModels filters names down to the models principal may read.
func (p *Policy) VisibleModels(principal runctx.Principal, names []string) []string {
	var out []string
	for _, name := range names {
		if p.CheckRead(principal, name) == nil {
			out = append(out, name)
		}
	}
	return out
}

// ResolveField resolves the effective rule for a field: an explicit action
// wins, a sensitive field follows the redact strategy, and anything else
// gets DefaultFieldAction.
func (p *Policy) ResolveField(model, field string) FieldPolicy {
	if mp, ok := p.Models[model]; ok {
		if fp, ok := mp.Fields[field]; ok {
			if fp.Action != "" {
				return fp
			}
			if fp.Sensitive {
				return FieldPolicy{Action: p.strategyAction(), Sensitive: true}
			}
		}
	}
	if p.DefaultFieldAction == "" {
		return FieldPolicy{Action: ActionAllow}
	}
	return FieldPolicy{Action: p.DefaultFieldAction}
}

func (p *Policy) strategyAction() FieldAction {
	if p.RedactStrategy == StrategyMask {
		return ActionMask
	}
	return ActionDeny
}

// ResolveSelect returns the fields a read will fetch.
//
// An empty request selects every schema field that is not denied, in sorted
// order. Requested fields must exist in the schema. Under the deny strategy
// requesting a denied field is FIELD_NOT_ALLOWED; under mask it is fetched
// and later redacted to null.
func (p *Policy) ResolveSelect(model string, requested []string, mm schema.ModelMetadata) ([]string, error) {
	if len(requested) == 0 {
		var out []string
		for _, f := range mm.FieldNames() {
			if p.ResolveField(model, f).Action != ActionDeny {
				out = append(out, f)
			}
		}
		return out, nil
	}

	out := make([]string, 0, len(requested))
	for _, f := range requested {
		if !mm.HasField(f) {
			return nil, errs.FieldNotAllowed(model, f).With("reason", "unknown field")
		}
		if p.ResolveField(model, f).Action == ActionDeny && p.RedactStrategy != StrategyMask {
			return nil, errs.FieldNotAllowed(model, f)
		}
		out = append(out, f)
	}
	return out, nil
}

// CheckPredicateField guards fields used in where, order_by and aggregates.
// Only unredacted fields qualify: a filter or sort on a denied, masked or
// hashed field would reveal the raw value one comparison at a time.
func (p *Policy) CheckPredicateField(model, field string, mm schema.ModelMetadata) error {
	if !mm.HasField(field) {
		return errs.FieldNotAllowed(model, field).With("reason", "unknown field")
	}
	switch p.ResolveField(model, field).Action {
	case ActionDeny:
		return errs.FieldNotAllowed(model, field)
	case ActionMask, ActionHash:
		return errs.FieldNotAllowed(model, field).With("reason", "redacted field")
	}
	return nil
}

// CheckRelation returns the relation policy or RELATION_NOT_ALLOWED.
func (p *Policy) CheckRelation(model, relation string) (RelationPolicy, error) {
	mp, ok := p.Models[model]
	if !ok {
		return RelationPolicy{}, errs.ModelNotAllowed(model)
	}
	rp, ok := mp.Relations[relation]
	if !ok || !rp.Allowed {
		return RelationPolicy{}, errs.RelationNotAllowed(model, relation)
	}
	return rp, nil
}

// CheckWrite returns the model's write policy or WRITE_DISABLED.
func (p *Policy) CheckWrite(model, operation string) (WritePolicy, error) {
	if !p.WritesEnabled {
		return WritePolicy{}, errs.WriteDisabled(operation, model)
	}
	mp, ok := p.Models[model]
	if !ok || !mp.Allowed {
		return WritePolicy{}, errs.ModelNotAllowed(model)
	}
	if !mp.Write.Allows(operation) {
		return WritePolicy{}, errs.WriteDisabled(operation, model)
	}
	return mp.Write, nil
}

// EffectiveBudget merges the model override onto the policy budget.
func (p *Policy) EffectiveBudget(model string) Budget {
	return p.Budget.Merge(p.Models[model].Budget)
}

// RequiresTenant reports whether reads of model must carry a tenant id.
// The per-model override wins; otherwise the policy-wide flag applies to
// models with a tenant field.
func (p *Policy) RequiresTenant(model string) bool {
	mp := p.Models[model]
	if mp.Row.RequireTenant != nil {
		return *mp.Row.RequireTenant
	}
	return p.RequireTenantScope && mp.Row.TenantField != ""
}

// AnyWritable reports whether at least one model enables any write.
func (p *Policy) AnyWritable() bool {
	if !p.WritesEnabled {
		return false
	}
	for _, mp := range p.Models {
		if mp.Allowed && (mp.Write.Create || mp.Write.Update || mp.Write.Delete) {
			return true
		}
	}
	return false
}
