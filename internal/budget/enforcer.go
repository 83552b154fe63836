package budget

import (
	"github.com/roach88/querygate/internal/dsl"
	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/policy"
)

// Enforcer checks requests against one effective budget.
//
// Checks run in a fixed order and stop at the first violation: max_rows,
// max_select_fields, max_includes_depth, complexity_score. Every violation
// is a QUERY_BUDGET_EXCEEDED error carrying {budget_type, limit, requested}
// so a caller can shrink the request and retry.
type Enforcer struct {
	budget policy.Budget
	scorer *Scorer
}

// NewEnforcer creates an enforcer. A nil scorer uses DefaultWeights.
func NewEnforcer(b policy.Budget, scorer *Scorer) *Enforcer {
	if scorer == nil {
		scorer = NewScorer(DefaultWeights())
	}
	return &Enforcer{budget: b, scorer: scorer}
}

// Budget returns the budget being enforced.
func (e *Enforcer) Budget() policy.Budget {
	return e.budget
}

// Enforce checks a query request. Only explicitly selected fields count
// toward max_select_fields.
func (e *Enforcer) Enforce(req dsl.QueryRequest) error {
	if err := e.check(errs.BudgetMaxRows, e.budget.MaxRows, req.Take); err != nil {
		return err
	}
	if err := e.check(errs.BudgetMaxSelectFields, e.budget.MaxSelectFields, len(req.Select)); err != nil {
		return err
	}
	if err := e.checkIncludes(len(req.Include)); err != nil {
		return err
	}
	return e.check(errs.BudgetComplexityScore, e.budget.MaxComplexityScore, e.scorer.Score(req))
}

// EnforceGet checks a single-row lookup.
func (e *Enforcer) EnforceGet(req dsl.GetRequest) error {
	if err := e.check(errs.BudgetMaxSelectFields, e.budget.MaxSelectFields, len(req.Select)); err != nil {
		return err
	}
	if err := e.checkIncludes(len(req.Include)); err != nil {
		return err
	}
	return e.check(errs.BudgetComplexityScore, e.budget.MaxComplexityScore, e.scorer.ScoreGet(req))
}

// EnforceAggregate checks an aggregate request.
func (e *Enforcer) EnforceAggregate(req dsl.AggregateRequest) error {
	return e.check(errs.BudgetComplexityScore, e.budget.MaxComplexityScore, e.scorer.ScoreAggregate(req))
}

// Score exposes the scorer for decision logging.
func (e *Enforcer) Score(req dsl.QueryRequest) int {
	return e.scorer.Score(req)
}

// EffectiveLimit clamps a requested row count to the budget. Zero or a
// negative value means "default": min(dsl.DefaultTake, max_rows).
func (e *Enforcer) EffectiveLimit(requested int) int {
	if requested <= 0 {
		requested = dsl.DefaultTake
	}
	if e.budget.MaxRows > 0 && requested > e.budget.MaxRows {
		return e.budget.MaxRows
	}
	return requested
}

// check enforces a ceiling; a non-positive limit is treated as unset.
func (e *Enforcer) check(budgetType string, limit, requested int) error {
	if limit > 0 && requested > limit {
		return errs.BudgetExceeded(budgetType, limit, requested)
	}
	return nil
}

// checkIncludes always applies, since zero means no includes at all.
func (e *Enforcer) checkIncludes(n int) error {
	if n > e.budget.MaxIncludesDepth {
		return errs.BudgetExceeded(errs.BudgetMaxIncludesDepth, e.budget.MaxIncludesDepth, n)
	}
	return nil
}
