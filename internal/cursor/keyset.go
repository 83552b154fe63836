package cursor

import "github.com/roach88/querygate/internal/dsl"

// KeysetCondition is a disjunction of conjunctive branches. A row is past
// the cursor when it satisfies every clause of at least one branch.
type KeysetCondition struct {
	Branches [][]dsl.FilterClause
}

// IsEmpty reports whether the condition constrains nothing.
func (k KeysetCondition) IsEmpty() bool {
	return len(k.Branches) == 0
}

// BuildKeysetCondition builds the lexicographic "after the cursor" predicate
// for the given order. Branch i pins every earlier field to its cursor value
// and requires field i to be strictly beyond it. Order fields without a
// cursor value are skipped.
//
// NULL sorts below every value. A nil cursor value pins its field with
// is_null, and a field reported by nullable gains an is_null branch when
// the page moves toward lower values. nullable may be nil.
func BuildKeysetCondition(values map[string]any, order []dsl.OrderClause, dir Direction, nullable func(field string) bool) KeysetCondition {
	var cond KeysetCondition
	var prefix []dsl.FilterClause
	branch := func(last dsl.FilterClause) {
		b := make([]dsl.FilterClause, 0, len(prefix)+1)
		b = append(b, prefix...)
		cond.Branches = append(cond.Branches, append(b, last))
	}

	for _, o := range order {
		v, ok := values[o.Field]
		if !ok {
			continue
		}
		op := strictOp(o.Direction, dir)
		if v == nil {
			// Nothing is below NULL; everything non-null is above it.
			if op == dsl.OpGt {
				branch(dsl.FilterClause{Field: o.Field, Op: dsl.OpIsNull, Value: false})
			}
			prefix = append(prefix, dsl.FilterClause{Field: o.Field, Op: dsl.OpIsNull, Value: true})
			continue
		}
		branch(dsl.FilterClause{Field: o.Field, Op: op, Value: v})
		if op == dsl.OpLt && nullable != nil && nullable(o.Field) {
			branch(dsl.FilterClause{Field: o.Field, Op: dsl.OpIsNull, Value: true})
		}
		prefix = append(prefix, dsl.FilterClause{Field: o.Field, Op: dsl.OpEq, Value: v})
	}
	return cond
}

func strictOp(sort dsl.SortDirection, dir Direction) dsl.FilterOp {
	ascending := sort != dsl.Desc
	if dir == Backward {
		ascending = !ascending
	}
	if ascending {
		return dsl.OpGt
	}
	return dsl.OpLt
}
