// Package queryir is the plan representation between the planner and SQL
// generation.
//
// The planner turns a policy-checked DSL request into a queryir value; a
// backend compiles that value into its own query language. Nothing in this
// package knows about policy, principals or dialects. By the time a plan
// exists every field name has been resolved to a physical column and every
// scope filter has been merged in ahead of user filters.
//
// NODES:
//
// Queries:
//   - Select(from, columns, filter, order, limit, offset)
//   - Aggregate(from, func, column, filter)
//   - Insert(into, assignments, returning)
//   - Update(table, assignments, filter)
//   - Delete(from, filter)
//
// Predicates:
//   - Compare(column, op, value) for =, <>, <, <=, >, >=
//   - In(column, values, negate)
//   - Between(column, low, high)
//   - IsNull(column, negate)
//   - Like(column, mode, value) for contains, prefix and suffix matches
//   - And(predicates), Or(predicates)
//
// SEALED INTERFACES:
//
// Query and Predicate are sealed with unexported marker methods, so only
// this package can add node types and backends can switch exhaustively:
//
//	switch q := query.(type) {
//	case Select:
//	    // rows
//	case Aggregate:
//	    // one value
//	default:
//	    // mutation nodes
//	}
//
// VALUES:
//
// Literal values are the normalized DSL scalars (string, int64, float64,
// bool). They are never rendered into query text; backends must pass them
// as bound parameters.
//
// ORDERING:
//
// Every Select names its Key column. Backends append the key as the final
// sort column when the plan's OrderBy does not already include it, so two
// runs over the same data return rows in the same order.
package queryir
