// Package scope derives the row filters a principal is confined to.
//
// Scope filters come only from policy and identity, never from request
// input, and MergeFilters always places them ahead of user filters.
package scope

import (
	"github.com/roach88/querygate/internal/dsl"
	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/policy"
	"github.com/roach88/querygate/internal/runctx"
)

// Injector computes scope filters under one policy.
type Injector struct {
	policy *policy.Policy
}

// NewInjector creates an injector for p.
func NewInjector(p *policy.Policy) *Injector {
	return &Injector{policy: p}
}

// ScopeFilters returns tenant, owner and soft-delete filters for model, in
// that order. A filter is emitted only when both the policy field and the
// identity value are present.
func (in *Injector) ScopeFilters(model string, rc runctx.RunContext) []dsl.FilterClause {
	mp, ok := in.policy.Model(model)
	if !ok {
		return nil
	}
	row := mp.Row

	var filters []dsl.FilterClause
	if row.TenantField != "" && rc.Principal.TenantID != "" {
		filters = append(filters, dsl.FilterClause{Field: row.TenantField, Op: dsl.OpEq, Value: rc.Principal.TenantID})
	}
	if row.OwnerField != "" && rc.Principal.UserID != "" {
		filters = append(filters, dsl.FilterClause{Field: row.OwnerField, Op: dsl.OpEq, Value: rc.Principal.UserID})
	}
	if row.SoftDeleteField != "" && !row.IncludeDeleted {
		filters = append(filters, dsl.FilterClause{Field: row.SoftDeleteField, Op: dsl.OpIsNull, Value: true})
	}
	return filters
}

// Require fails with TENANT_SCOPE_REQUIRED when model needs a tenant and
// the principal has none.
func (in *Injector) Require(model string, rc runctx.RunContext) error {
	if in.policy.RequiresTenant(model) && rc.Principal.TenantID == "" {
		return errs.TenantScopeRequired(model)
	}
	return nil
}

// MergeFilters is the only sanctioned way to combine scope and user
// filters: scope first, then user. Neither input is modified.
func MergeFilters(user, scope []dsl.FilterClause) []dsl.FilterClause {
	out := make([]dsl.FilterClause, 0, len(scope)+len(user))
	out = append(out, scope...)
	out = append(out, user...)
	return out
}
