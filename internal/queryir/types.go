package queryir

// Query is a sealed interface for plan nodes that produce a statement.
// Only types in this package can implement Query.
type Query interface {
	queryNode()
}

// Predicate is a sealed interface for filter expressions.
// Only types in this package can implement Predicate.
type Predicate interface {
	predicateNode()
}

// Column is one projected column. Alias is the model field name the value
// is returned under; an empty Alias means the column name is used.
type Column struct {
	Name  string
	Alias string
}

// OutputName returns the name a row value is keyed by.
func (c Column) OutputName() string {
	if c.Alias != "" {
		return c.Alias
	}
	return c.Name
}

// Order is one sort column.
type Order struct {
	Column string
	Desc   bool
}

// Select reads rows from one table.
type Select struct {
	From    string
	Columns []Column
	Filter  Predicate
	OrderBy []Order

	// Key is the primary-key column used as the final sort tie-break.
	Key string

	// Limit of zero means no limit.
	Limit  int
	Offset int
}

func (Select) queryNode() {}

// AggFunc is an aggregate function.
type AggFunc string

const (
	AggCount AggFunc = "COUNT"
	AggSum   AggFunc = "SUM"
	AggAvg   AggFunc = "AVG"
	AggMin   AggFunc = "MIN"
	AggMax   AggFunc = "MAX"
)

// Aggregate computes one value and the matching row count.
// An empty Column with AggCount counts rows.
type Aggregate struct {
	From   string
	Func   AggFunc
	Column string
	Filter Predicate
}

func (Aggregate) queryNode() {}

// Assignment sets one column in an Insert or Update.
type Assignment struct {
	Column string
	Value  any
}

// Insert adds one row. Returning names a column the backend should hand
// back when the dialect supports it.
type Insert struct {
	Into      string
	Values    []Assignment
	Returning string
}

func (Insert) queryNode() {}

// Update changes the rows matching Filter. Filter is required.
type Update struct {
	Table  string
	Set    []Assignment
	Filter Predicate
}

func (Update) queryNode() {}

// Delete removes the rows matching Filter. Filter is required.
type Delete struct {
	From   string
	Filter Predicate
}

func (Delete) queryNode() {}

// CompareOp is a binary comparison operator.
type CompareOp string

const (
	OpEq  CompareOp = "="
	OpNe  CompareOp = "<>"
	OpLt  CompareOp = "<"
	OpLte CompareOp = "<="
	OpGt  CompareOp = ">"
	OpGte CompareOp = ">="
)

// Compare is "column op value".
type Compare struct {
	Column string
	Op     CompareOp
	Value  any
}

func (Compare) predicateNode() {}

// In is "column IN (values)", or NOT IN when Negate is set.
type In struct {
	Column string
	Values []any
	Negate bool
}

func (In) predicateNode() {}

// Between is an inclusive range test.
type Between struct {
	Column string
	Low    any
	High   any
}

func (Between) predicateNode() {}

// IsNull is "column IS NULL", or IS NOT NULL when Negate is set.
type IsNull struct {
	Column string
	Negate bool
}

func (IsNull) predicateNode() {}

// LikeMode selects where Value must appear.
type LikeMode string

const (
	LikeContains LikeMode = "contains"
	LikePrefix   LikeMode = "prefix"
	LikeSuffix   LikeMode = "suffix"
)

// Like is a substring match. Value is matched literally; backends escape
// any wildcard characters it contains.
type Like struct {
	Column string
	Mode   LikeMode
	Value  string
}

func (Like) predicateNode() {}

// And is a conjunction. An empty And is true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or is a disjunction. An empty Or is false.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Conjoin builds an And from ps, dropping nils, splicing nested Ands and
// collapsing a single predicate. It returns nil when nothing remains.
func Conjoin(ps ...Predicate) Predicate {
	var out []Predicate
	for _, p := range ps {
		switch pred := p.(type) {
		case nil:
		case And:
			out = append(out, pred.Predicates...)
		default:
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return And{Predicates: out}
	}
}
