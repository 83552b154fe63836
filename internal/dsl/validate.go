package dsl

import (
	"fmt"
	"math"
	"strings"

	"github.com/roach88/querygate/internal/errs"
)

// forbiddenSequences are rejected anywhere in a field or model name. SQL is
// generated by adapters with quoted identifiers, so this is a second line of
// defense rather than the primary one.
var forbiddenSequences = []string{";", "--", "/*", "*/", "'", `"`, "`"}

// ValidateFieldName checks an identifier supplied by the caller.
// path names the offending input location in the returned error.
func ValidateFieldName(path, name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", errs.Validation(path, "must not be empty")
	}
	for _, seq := range forbiddenSequences {
		if strings.Contains(trimmed, seq) {
			return "", errs.Validation(path, fmt.Sprintf("contains forbidden sequence %q", seq))
		}
	}
	return trimmed, nil
}

// Validate checks a query request and fills defaults. It is called by
// ParseQuery; callers constructing requests in Go should call it too.
func (r QueryRequest) Validate() (QueryRequest, error) {
	model, err := ValidateFieldName("model", r.Model)
	if err != nil {
		return r, err
	}
	r.Model = model

	if r.Select, err = validateNames("select", r.Select); err != nil {
		return r, err
	}
	if r.Where, err = validateFilters("where", r.Where); err != nil {
		return r, err
	}
	if r.OrderBy, err = validateOrder(r.OrderBy); err != nil {
		return r, err
	}
	if r.Include, err = validateIncludes(r.Include); err != nil {
		return r, err
	}
	if r.Take, err = validateTake("take", r.Take); err != nil {
		return r, err
	}
	r.Cursor = strings.TrimSpace(r.Cursor)
	return r, nil
}

// Validate checks a get request.
func (r GetRequest) Validate() (GetRequest, error) {
	model, err := ValidateFieldName("model", r.Model)
	if err != nil {
		return r, err
	}
	r.Model = model
	if r.ID, err = validateID(r.ID); err != nil {
		return r, err
	}
	if r.Select, err = validateNames("select", r.Select); err != nil {
		return r, err
	}
	if r.Include, err = validateIncludes(r.Include); err != nil {
		return r, err
	}
	return r, nil
}

// Validate checks an aggregate request. The operation is case-normalized and
// a field is required for every operation except count.
func (r AggregateRequest) Validate() (AggregateRequest, error) {
	model, err := ValidateFieldName("model", r.Model)
	if err != nil {
		return r, err
	}
	r.Model = model

	op := AggregateOp(strings.ToLower(strings.TrimSpace(string(r.Operation))))
	if !isAggregateOp(op) {
		return r, errs.Validation("operation",
			fmt.Sprintf("must be one of %v, got %q", AggregateOps, r.Operation))
	}
	r.Operation = op

	if strings.TrimSpace(r.Field) == "" {
		if op != AggCount {
			return r, errs.Validation("field", fmt.Sprintf("is required for %s", op))
		}
		r.Field = ""
	} else if r.Field, err = ValidateFieldName("field", r.Field); err != nil {
		return r, err
	}

	if r.Where, err = validateFilters("where", r.Where); err != nil {
		return r, err
	}
	return r, nil
}

// Validate checks a create request.
func (r CreateRequest) Validate() (CreateRequest, error) {
	model, err := ValidateFieldName("model", r.Model)
	if err != nil {
		return r, err
	}
	r.Model = model
	r.Data, err = validateData(r.Data)
	return r, err
}

// Validate checks an update request.
func (r UpdateRequest) Validate() (UpdateRequest, error) {
	model, err := ValidateFieldName("model", r.Model)
	if err != nil {
		return r, err
	}
	r.Model = model
	if r.ID, err = validateID(r.ID); err != nil {
		return r, err
	}
	r.Data, err = validateData(r.Data)
	return r, err
}

// Validate checks a delete request.
func (r DeleteRequest) Validate() (DeleteRequest, error) {
	model, err := ValidateFieldName("model", r.Model)
	if err != nil {
		return r, err
	}
	r.Model = model
	r.ID, err = validateID(r.ID)
	return r, err
}

// Validate checks one filter clause, normalizing its operator and value.
func (f FilterClause) Validate(path string) (FilterClause, error) {
	field, err := ValidateFieldName(path+".field", f.Field)
	if err != nil {
		return f, err
	}
	f.Field = field

	op, ok := ParseFilterOp(string(f.Op))
	if !ok {
		return f, errs.Validation(path+".op", fmt.Sprintf("must be one of %v, got %q", FilterOps, f.Op))
	}
	f.Op = op
	f.Value = NormalizeValue(f.Value)

	valuePath := path + ".value"
	switch {
	case op == OpIsNull:
		switch v := f.Value.(type) {
		case nil:
			f.Value = true
		case bool:
		default:
			return f, errs.Validation(valuePath, fmt.Sprintf("is_null takes a boolean, got %T", v))
		}
	case op.IsListOp():
		list, ok := f.Value.([]any)
		if !ok || len(list) == 0 {
			return f, errs.Validation(valuePath, fmt.Sprintf("%s takes a non-empty list", op))
		}
		for i, item := range list {
			if !isScalar(item) || item == nil {
				return f, errs.Validation(fmt.Sprintf("%s[%d]", valuePath, i), "must be a non-null scalar")
			}
		}
	case op == OpBetween:
		list, ok := f.Value.([]any)
		if !ok || len(list) != 2 {
			return f, errs.Validation(valuePath, "between takes a two-element list")
		}
		if list[0] == nil || list[1] == nil || !isScalar(list[0]) || !isScalar(list[1]) {
			return f, errs.Validation(valuePath, "between bounds must be non-null scalars")
		}
	case op.IsStringOp():
		if _, ok := f.Value.(string); !ok {
			return f, errs.Validation(valuePath, fmt.Sprintf("%s takes a string", op))
		}
	default:
		if f.Value == nil {
			return f, errs.Validation(valuePath, fmt.Sprintf("%s takes a non-null value; use is_null", op))
		}
		if !isScalar(f.Value) {
			return f, errs.Validation(valuePath, fmt.Sprintf("%s takes a scalar", op))
		}
	}
	return f, nil
}

func validateNames(path string, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for i, n := range names {
		name, err := ValidateFieldName(fmt.Sprintf("%s[%d]", path, i), n)
		if err != nil {
			return nil, err
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

func validateFilters(path string, filters []FilterClause) ([]FilterClause, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	out := make([]FilterClause, len(filters))
	for i, f := range filters {
		v, err := f.Validate(fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func validateOrder(order []OrderClause) ([]OrderClause, error) {
	if len(order) == 0 {
		return nil, nil
	}
	out := make([]OrderClause, len(order))
	for i, o := range order {
		path := fmt.Sprintf("order_by[%d]", i)
		field, err := ValidateFieldName(path+".field", o.Field)
		if err != nil {
			return nil, err
		}
		dir := SortDirection(strings.ToLower(strings.TrimSpace(string(o.Direction))))
		switch dir {
		case "":
			dir = Asc
		case Asc, Desc:
		default:
			return nil, errs.Validation(path+".direction", fmt.Sprintf("must be asc or desc, got %q", o.Direction))
		}
		out[i] = OrderClause{Field: field, Direction: dir}
	}
	return out, nil
}

func validateIncludes(includes []IncludeClause) ([]IncludeClause, error) {
	if len(includes) == 0 {
		return nil, nil
	}
	out := make([]IncludeClause, len(includes))
	for i, inc := range includes {
		path := fmt.Sprintf("include[%d]", i)
		rel, err := ValidateFieldName(path+".relation", inc.Relation)
		if err != nil {
			return nil, err
		}
		inc.Relation = rel
		if inc.Select, err = validateNames(path+".select", inc.Select); err != nil {
			return nil, err
		}
		if inc.Where, err = validateFilters(path+".where", inc.Where); err != nil {
			return nil, err
		}
		if inc.Take, err = validateTake(path+".take", inc.Take); err != nil {
			return nil, err
		}
		out[i] = inc
	}
	return out, nil
}

// validateTake applies the default for an unset take (zero) and bounds it.
func validateTake(path string, take int) (int, error) {
	if take == 0 {
		return DefaultTake, nil
	}
	if take < MinTake || take > MaxTake {
		return 0, errs.Validation(path, fmt.Sprintf("must be between %d and %d, got %d", MinTake, MaxTake, take))
	}
	return take, nil
}

func validateID(id any) (any, error) {
	id = NormalizeValue(id)
	switch v := id.(type) {
	case nil:
		return nil, errs.Validation("id", "is required")
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, errs.Validation("id", "must not be empty")
		}
	case int64, float64, bool:
	default:
		return nil, errs.Validation("id", fmt.Sprintf("must be a scalar, got %T", id))
	}
	return id, nil
}

func validateData(data map[string]any) (map[string]any, error) {
	if len(data) == 0 {
		return nil, errs.Validation("data", "must not be empty")
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		name, err := ValidateFieldName("data."+k, k)
		if err != nil {
			return nil, err
		}
		out[name] = NormalizeValue(v)
	}
	return out, nil
}

func isAggregateOp(op AggregateOp) bool {
	for _, known := range AggregateOps {
		if op == known {
			return true
		}
	}
	return false
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, int64, float64, int, int32:
		return true
	}
	return false
}

// NormalizeValue converts integral JSON numbers to int64 and recurses into
// lists and objects. Other values are returned unchanged.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) && val >= math.MinInt64 && val < math.MaxInt64 {
			return int64(val)
		}
		return val
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = NormalizeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = NormalizeValue(item)
		}
		return out
	}
	return v
}
