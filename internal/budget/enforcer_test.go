package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/roach88/querygate/internal/dsl"
	"github.com/roach88/querygate/internal/errs"
	"github.com/roach88/querygate/internal/policy"
)

func prodBudget() policy.Budget {
	prof, _ := policy.ProfileByName(policy.ProfileProd)
	return prof.Budget
}

func requireBudgetError(t require.TestingT, err error, budgetType string, limit, requested int) {
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeQueryBudgetExceeded, e.Code)
	assert.Equal(t, map[string]any{
		"budget_type": budgetType,
		"limit":       limit,
		"requested":   requested,
	}, e.Details)
}

// TestEnforce_MaxRows covers take=101 against max_rows=100.
func TestEnforce_MaxRows(t *testing.T) {
	e := NewEnforcer(prodBudget(), nil)

	assert.NoError(t, e.Enforce(dsl.QueryRequest{Model: "Order", Take: 100}))
	requireBudgetError(t, e.Enforce(dsl.QueryRequest{Model: "Order", Take: 101}), "max_rows", 100, 101)
}

func TestEnforce_SelectFields(t *testing.T) {
	e := NewEnforcer(policy.Budget{MaxRows: 10, MaxSelectFields: 2, MaxIncludesDepth: 1, MaxComplexityScore: 1000}, nil)

	assert.NoError(t, e.Enforce(dsl.QueryRequest{Take: 1, Select: []string{"a", "b"}}))
	requireBudgetError(t, e.Enforce(dsl.QueryRequest{Take: 1, Select: []string{"a", "b", "c"}}), "max_select_fields", 2, 3)
}

func TestEnforce_Includes(t *testing.T) {
	e := NewEnforcer(policy.Budget{MaxRows: 10, MaxSelectFields: 10, MaxIncludesDepth: 0, MaxComplexityScore: 1000}, nil)
	requireBudgetError(t, e.Enforce(dsl.QueryRequest{Take: 1, Include: []dsl.IncludeClause{{Relation: "items"}}}), "max_includes_depth", 0, 1)
}

func TestEnforce_ComplexityScore(t *testing.T) {
	e := NewEnforcer(policy.Budget{MaxRows: 10, MaxSelectFields: 10, MaxIncludesDepth: 5, MaxComplexityScore: 12}, nil)
	req := dsl.QueryRequest{Take: 1, Include: []dsl.IncludeClause{{Relation: "items", Select: []string{"sku"}}}}

	// 1 base + 10 include + 1 include field
	assert.NoError(t, e.Enforce(req))
	requireBudgetError(t, e.Enforce(dsl.QueryRequest{Take: 1, Include: append(req.Include, dsl.IncludeClause{Relation: "x"})}), "complexity_score", 12, 22)
}

// TestEnforce_FailsFastInOrder verifies only the first violation is
// reported when several apply.
func TestEnforce_FailsFastInOrder(t *testing.T) {
	e := NewEnforcer(policy.Budget{MaxRows: 1, MaxSelectFields: 1, MaxIncludesDepth: 0, MaxComplexityScore: 1}, nil)
	req := dsl.QueryRequest{Take: 5, Select: []string{"a", "b"}, Include: []dsl.IncludeClause{{Relation: "r"}}}
	requireBudgetError(t, e.Enforce(req), "max_rows", 1, 5)

	req.Take = 1
	requireBudgetError(t, e.Enforce(req), "max_select_fields", 1, 2)

	req.Select = nil
	requireBudgetError(t, e.Enforce(req), "max_includes_depth", 0, 1)

	req.Include = nil
	req.OrderBy = []dsl.OrderClause{{Field: "id", Direction: dsl.Asc}}
	requireBudgetError(t, e.Enforce(req), "complexity_score", 1, 3)
}

func TestEffectiveLimit(t *testing.T) {
	e := NewEnforcer(policy.Budget{MaxRows: 100}, nil)
	assert.Equal(t, 25, e.EffectiveLimit(0))
	assert.Equal(t, 10, e.EffectiveLimit(10))
	assert.Equal(t, 100, e.EffectiveLimit(500))

	small := NewEnforcer(policy.Budget{MaxRows: 5}, nil)
	assert.Equal(t, 5, small.EffectiveLimit(0))
}

func TestEnforceGetAndAggregate(t *testing.T) {
	e := NewEnforcer(policy.Budget{MaxRows: 10, MaxSelectFields: 1, MaxIncludesDepth: 0, MaxComplexityScore: 4}, nil)

	assert.NoError(t, e.EnforceGet(dsl.GetRequest{ID: 1, Select: []string{"a"}}))
	requireBudgetError(t, e.EnforceGet(dsl.GetRequest{ID: 1, Select: []string{"a", "b"}}), "max_select_fields", 1, 2)

	assert.NoError(t, e.EnforceAggregate(dsl.AggregateRequest{Operation: dsl.AggSum, Field: "total"}))
	requireBudgetError(t, e.EnforceAggregate(dsl.AggregateRequest{
		Operation: dsl.AggCount,
		Where:     []dsl.FilterClause{{Field: "name", Op: dsl.OpContains, Value: "x"}},
	}), "complexity_score", 4, 6)
}

// TestEnforce_Monotonic verifies requests at a limit pass and one step past
// it fails.
func TestEnforce_Monotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := policy.Budget{
			MaxRows:            rapid.IntRange(1, 1000).Draw(t, "max_rows"),
			MaxSelectFields:    rapid.IntRange(1, 50).Draw(t, "max_select_fields"),
			MaxIncludesDepth:   rapid.IntRange(0, 3).Draw(t, "max_includes_depth"),
			MaxComplexityScore: 10_000,
		}
		e := NewEnforcer(b, nil)

		fields := make([]string, b.MaxSelectFields)
		for i := range fields {
			fields[i] = "f"
		}
		incs := make([]dsl.IncludeClause, b.MaxIncludesDepth)
		atLimit := dsl.QueryRequest{Take: b.MaxRows, Select: fields, Include: incs}
		require.NoError(t, e.Enforce(atLimit))

		over := atLimit
		over.Take++
		requireBudgetError(t, e.Enforce(over), "max_rows", b.MaxRows, b.MaxRows+1)

		over = atLimit
		over.Select = append(append([]string(nil), fields...), "extra")
		requireBudgetError(t, e.Enforce(over), "max_select_fields", b.MaxSelectFields, b.MaxSelectFields+1)

		over = atLimit
		over.Include = append(append([]dsl.IncludeClause(nil), incs...), dsl.IncludeClause{})
		requireBudgetError(t, e.Enforce(over), "max_includes_depth", b.MaxIncludesDepth, b.MaxIncludesDepth+1)
	})
}
