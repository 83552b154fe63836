package queryir

import (
	"fmt"
	"strings"
)

// ValidationError lists every structural problem found in a plan.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid plan: " + strings.Join(e.Problems, "; ")
}

// Validate checks a plan's structure: identifiers are plain names, required
// parts are present and mutations are always filtered. It returns nil or a
// *ValidationError.
//
// Validate is a pure function with no side effects.
func Validate(query Query) error {
	v := &validator{}
	v.validateQuery(query)
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: v.problems}
}

// IsIdentifier reports whether s is safe to quote as a table or column
// name: an ASCII letter or underscore followed by letters, digits or
// underscores.
func IsIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// validator accumulates problems during traversal.
type validator struct {
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) identifier(role, name string) {
	if !IsIdentifier(name) {
		v.addProblem("%s %q is not a valid identifier", role, name)
	}
}

func (v *validator) validateQuery(q Query) {
	switch query := q.(type) {
	case nil:
		v.addProblem("nil query")
	case Select:
		v.validateSelect(query)
	case *Select:
		v.validateSelect(*query)
	case Aggregate:
		v.validateAggregate(query)
	case *Aggregate:
		v.validateAggregate(*query)
	case Insert:
		v.identifier("table", query.Into)
		v.assignments(query.Values)
		if query.Returning != "" {
			v.identifier("returning column", query.Returning)
		}
	case Update:
		v.identifier("table", query.Table)
		v.assignments(query.Set)
		v.requiredFilter("update", query.Filter)
	case Delete:
		v.identifier("table", query.From)
		v.requiredFilter("delete", query.Filter)
	default:
		v.addProblem("unknown query type %T", q)
	}
}

func (v *validator) validateSelect(sel Select) {
	v.identifier("table", sel.From)
	if len(sel.Columns) == 0 {
		v.addProblem("select requires explicit columns")
	}
	for _, c := range sel.Columns {
		v.identifier("column", c.Name)
		if c.Alias != "" {
			v.identifier("alias", c.Alias)
		}
	}
	for _, o := range sel.OrderBy {
		v.identifier("order column", o.Column)
	}
	if sel.Key == "" {
		v.addProblem("select requires a key column for stable ordering")
	} else {
		v.identifier("key column", sel.Key)
	}
	if sel.Limit < 0 {
		v.addProblem("negative limit %d", sel.Limit)
	}
	if sel.Offset < 0 {
		v.addProblem("negative offset %d", sel.Offset)
	}
	v.validatePredicate(sel.Filter)
}

func (v *validator) validateAggregate(agg Aggregate) {
	v.identifier("table", agg.From)
	switch agg.Func {
	case AggCount:
	case AggSum, AggAvg, AggMin, AggMax:
		if agg.Column == "" {
			v.addProblem("%s requires a column", agg.Func)
		}
	default:
		v.addProblem("unknown aggregate %q", agg.Func)
	}
	if agg.Column != "" {
		v.identifier("column", agg.Column)
	}
	v.validatePredicate(agg.Filter)
}

func (v *validator) assignments(as []Assignment) {
	if len(as) == 0 {
		v.addProblem("no assignments")
	}
	seen := make(map[string]bool, len(as))
	for _, a := range as {
		v.identifier("column", a.Column)
		if seen[a.Column] {
			v.addProblem("column %q assigned twice", a.Column)
		}
		seen[a.Column] = true
	}
}

func (v *validator) requiredFilter(kind string, p Predicate) {
	if p == nil {
		v.addProblem("%s requires a filter", kind)
		return
	}
	v.validatePredicate(p)
}

// validatePredicate recursively validates a predicate node. A nil
// predicate means no filter.
func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case nil:
	case Compare:
		v.identifier("column", pred.Column)
		switch pred.Op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		default:
			v.addProblem("unknown comparison %q", pred.Op)
		}
		if pred.Value == nil {
			v.addProblem("comparison on %q with nil value", pred.Column)
		}
	case In:
		v.identifier("column", pred.Column)
		if len(pred.Values) == 0 {
			v.addProblem("empty IN list on %q", pred.Column)
		}
	case Between:
		v.identifier("column", pred.Column)
		if pred.Low == nil || pred.High == nil {
			v.addProblem("between on %q with nil bound", pred.Column)
		}
	case IsNull:
		v.identifier("column", pred.Column)
	case Like:
		v.identifier("column", pred.Column)
		switch pred.Mode {
		case LikeContains, LikePrefix, LikeSuffix:
		default:
			v.addProblem("unknown like mode %q", pred.Mode)
		}
	case And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	case Or:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	default:
		v.addProblem("unknown predicate type %T", p)
	}
}
