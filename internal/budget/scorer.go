// Package budget scores read requests and enforces numeric ceilings on
// them before anything is compiled.
package budget

import "github.com/roach88/querygate/internal/dsl"

// Weights are the per-shape costs used by Scorer.
type Weights struct {
	Base         int `json:"base" yaml:"base"`
	Field        int `json:"field" yaml:"field"`
	Filter       int `json:"filter" yaml:"filter"`
	StringFilter int `json:"string_filter" yaml:"string_filter"`
	InPerItem    int `json:"in_per_item" yaml:"in_per_item"`
	Between      int `json:"between" yaml:"between"`
	Include      int `json:"include" yaml:"include"`
	Order        int `json:"order" yaml:"order"`
}

// DefaultWeights returns the stock weights.
func DefaultWeights() Weights {
	return Weights{
		Base:         1,
		Field:        1,
		Filter:       2,
		StringFilter: 5,
		InPerItem:    1,
		Between:      3,
		Include:      10,
		Order:        2,
	}
}

// Scorer estimates query cost from request shape.
type Scorer struct {
	w Weights
}

// NewScorer creates a scorer with w.
func NewScorer(w Weights) *Scorer {
	return &Scorer{w: w}
}

// Weights returns the scorer's weights.
func (s *Scorer) Weights() Weights {
	return s.w
}

// Score computes the complexity of a query:
//
//	base + fields*field + Σ filter + Σ (include + its fields + its filters) + orders*order
func (s *Scorer) Score(req dsl.QueryRequest) int {
	score := s.w.Base
	score += len(req.Select) * s.w.Field
	score += s.filters(req.Where)
	score += s.includes(req.Include)
	score += len(req.OrderBy) * s.w.Order
	return score
}

// ScoreGet scores a single-row lookup.
func (s *Scorer) ScoreGet(req dsl.GetRequest) int {
	return s.w.Base + len(req.Select)*s.w.Field + s.includes(req.Include)
}

// ScoreAggregate scores an aggregate; the aggregated field counts as one
// selected field.
func (s *Scorer) ScoreAggregate(req dsl.AggregateRequest) int {
	score := s.w.Base + s.filters(req.Where)
	if req.Field != "" {
		score += s.w.Field
	}
	return score
}

func (s *Scorer) includes(incs []dsl.IncludeClause) int {
	score := 0
	for _, inc := range incs {
		score += s.w.Include
		score += len(inc.Select) * s.w.Field
		score += s.filters(inc.Where)
	}
	return score
}

func (s *Scorer) filters(fs []dsl.FilterClause) int {
	score := 0
	for _, f := range fs {
		score += s.filter(f)
	}
	return score
}

func (s *Scorer) filter(f dsl.FilterClause) int {
	switch {
	case f.Op.IsStringOp():
		return s.w.StringFilter
	case f.Op.IsListOp():
		n := 0
		if list, ok := f.Value.([]any); ok {
			n = len(list)
		}
		return s.w.Filter + n*s.w.InPerItem
	case f.Op == dsl.OpBetween:
		return s.w.Between
	default:
		return s.w.Filter
	}
}
