package queryir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSelect() Select {
	return Select{
		From:    "orders",
		Columns: []Column{{Name: "id"}, {Name: "total_cents", Alias: "total"}},
		Filter:  Compare{Column: "tenant_id", Op: OpEq, Value: "acme"},
		OrderBy: []Order{{Column: "created_at", Desc: true}},
		Key:     "id",
		Limit:   26,
	}
}

func problems(t *testing.T, q Query) []string {
	t.Helper()
	err := Validate(q)
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	return ve.Problems
}

func TestValidate_Select(t *testing.T) {
	assert.NoError(t, Validate(validSelect()))
	sel := validSelect()
	assert.NoError(t, Validate(&sel), "pointer nodes are accepted")
}

func TestValidate_SelectProblems(t *testing.T) {
	sel := validSelect()
	sel.Columns = nil
	sel.Key = ""
	sel.Limit = -1

	got := problems(t, sel)
	assert.Len(t, got, 3)
	assert.Contains(t, got[0], "explicit columns")
	assert.Contains(t, got[1], "key column")
	assert.Contains(t, got[2], "negative limit")
}

func TestValidate_RejectsUnsafeIdentifiers(t *testing.T) {
	tests := []struct {
		name string
		q    Query
	}{
		{"table", Select{From: "orders; DROP", Columns: []Column{{Name: "id"}}, Key: "id"}},
		{"column", Select{From: "orders", Columns: []Column{{Name: `id"`}}, Key: "id"}},
		{"alias", Select{From: "orders", Columns: []Column{{Name: "id", Alias: "a b"}}, Key: "id"}},
		{"predicate", Delete{From: "orders", Filter: IsNull{Column: "1x"}}},
		{"nested", Select{From: "orders", Columns: []Column{{Name: "id"}}, Key: "id",
			Filter: Or{Predicates: []Predicate{And{Predicates: []Predicate{Compare{Column: "a--", Op: OpEq, Value: 1}}}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := problems(t, tt.q)
			require.Len(t, got, 1)
			assert.Contains(t, got[0], "not a valid identifier")
		})
	}
}

func TestIsIdentifier(t *testing.T) {
	for _, ok := range []string{"id", "_x", "order_items", "A1"} {
		assert.True(t, IsIdentifier(ok), ok)
	}
	for _, bad := range []string{"", "1a", "a.b", "a-b", `a"`, "a`", "é"} {
		assert.False(t, IsIdentifier(bad), bad)
	}
}

func TestValidate_Aggregate(t *testing.T) {
	assert.NoError(t, Validate(Aggregate{From: "orders", Func: AggCount}))
	assert.NoError(t, Validate(Aggregate{From: "orders", Func: AggSum, Column: "total"}))

	got := problems(t, Aggregate{From: "orders", Func: AggAvg})
	assert.Equal(t, []string{"AVG requires a column"}, got)

	got = problems(t, Aggregate{From: "orders", Func: "MEDIAN"})
	assert.Equal(t, []string{`unknown aggregate "MEDIAN"`}, got)
}

func TestValidate_MutationsRequireFilter(t *testing.T) {
	assert.Equal(t, []string{"update requires a filter"},
		problems(t, Update{Table: "orders", Set: []Assignment{{Column: "status", Value: "paid"}}}))
	assert.Equal(t, []string{"delete requires a filter"}, problems(t, Delete{From: "orders"}))
	assert.NoError(t, Validate(Delete{From: "orders", Filter: Compare{Column: "id", Op: OpEq, Value: int64(1)}}))
}

func TestValidate_Assignments(t *testing.T) {
	got := problems(t, Insert{Into: "orders", Values: []Assignment{{Column: "a", Value: 1}, {Column: "a", Value: 2}}})
	assert.Equal(t, []string{`column "a" assigned twice`}, got)

	got = problems(t, Insert{Into: "orders"})
	assert.Equal(t, []string{"no assignments"}, got)
}

func TestValidate_Predicates(t *testing.T) {
	base := Select{From: "t", Columns: []Column{{Name: "id"}}, Key: "id"}

	tests := []struct {
		name   string
		filter Predicate
		want   string
	}{
		{"nil compare value", Compare{Column: "a", Op: OpEq}, `comparison on "a" with nil value`},
		{"unknown op", Compare{Column: "a", Op: "~", Value: 1}, `unknown comparison "~"`},
		{"empty in", In{Column: "a"}, `empty IN list on "a"`},
		{"between bound", Between{Column: "a", Low: 1}, `between on "a" with nil bound`},
		{"like mode", Like{Column: "a", Mode: "glob", Value: "x"}, `unknown like mode "glob"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := base
			sel.Filter = tt.filter
			assert.Equal(t, []string{tt.want}, problems(t, sel))
		})
	}
}

func TestValidate_NilQuery(t *testing.T) {
	assert.Equal(t, []string{"nil query"}, problems(t, nil))
}

func TestConjoin(t *testing.T) {
	a := Compare{Column: "a", Op: OpEq, Value: 1}
	b := IsNull{Column: "b"}

	assert.Nil(t, Conjoin())
	assert.Nil(t, Conjoin(nil, nil))
	assert.Equal(t, a, Conjoin(nil, a))
	assert.Equal(t, And{Predicates: []Predicate{a, b}}, Conjoin(a, nil, b))
	assert.Equal(t, And{Predicates: []Predicate{a, b, a}}, Conjoin(And{Predicates: []Predicate{a, b}}, a))
}

func TestColumn_OutputName(t *testing.T) {
	assert.Equal(t, "id", Column{Name: "id"}.OutputName())
	assert.Equal(t, "total", Column{Name: "total_cents", Alias: "total"}.OutputName())
}
