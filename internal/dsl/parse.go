package dsl

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/querygate/internal/errs"
)

// Wire shapes distinguish an omitted take (default) from an explicit zero
// (invalid), which the public types cannot.
type queryWire struct {
	Model   string         `json:"model"`
	Select  []string       `json:"select"`
	Where   []FilterClause `json:"where"`
	OrderBy []OrderClause  `json:"order_by"`
	Include []includeWire  `json:"include"`
	Take    *int           `json:"take"`
	Cursor  string         `json:"cursor"`
}

type includeWire struct {
	Relation string         `json:"relation"`
	Select   []string       `json:"select"`
	Where    []FilterClause `json:"where"`
	Take     *int           `json:"take"`
}

type getWire struct {
	Model   string        `json:"model"`
	ID      any           `json:"id"`
	Select  []string      `json:"select"`
	Include []includeWire `json:"include"`
}

// ParseQuery decodes and validates raw tool arguments as a QueryRequest.
func ParseQuery(raw map[string]any) (QueryRequest, error) {
	var w queryWire
	if err := decode(raw, &w); err != nil {
		return QueryRequest{}, err
	}
	take, err := explicitTake("take", w.Take)
	if err != nil {
		return QueryRequest{}, err
	}
	includes, err := wireIncludes(w.Include)
	if err != nil {
		return QueryRequest{}, err
	}
	return QueryRequest{
		Model:   w.Model,
		Select:  w.Select,
		Where:   w.Where,
		OrderBy: w.OrderBy,
		Include: includes,
		Take:    take,
		Cursor:  w.Cursor,
	}.Validate()
}

// ParseGet decodes and validates raw tool arguments as a GetRequest.
func ParseGet(raw map[string]any) (GetRequest, error) {
	var w getWire
	if err := decode(raw, &w); err != nil {
		return GetRequest{}, err
	}
	includes, err := wireIncludes(w.Include)
	if err != nil {
		return GetRequest{}, err
	}
	return GetRequest{
		Model:   w.Model,
		ID:      w.ID,
		Select:  w.Select,
		Include: includes,
	}.Validate()
}

// ParseAggregate decodes and validates raw tool arguments as an AggregateRequest.
func ParseAggregate(raw map[string]any) (AggregateRequest, error) {
	var r AggregateRequest
	if err := decode(raw, &r); err != nil {
		return AggregateRequest{}, err
	}
	return r.Validate()
}

// ParseCreate decodes and validates raw tool arguments as a CreateRequest.
func ParseCreate(raw map[string]any) (CreateRequest, error) {
	var r CreateRequest
	if err := decode(raw, &r); err != nil {
		return CreateRequest{}, err
	}
	return r.Validate()
}

// ParseUpdate decodes and validates raw tool arguments as an UpdateRequest.
func ParseUpdate(raw map[string]any) (UpdateRequest, error) {
	var r UpdateRequest
	if err := decode(raw, &r); err != nil {
		return UpdateRequest{}, err
	}
	return r.Validate()
}

// ParseDelete decodes and validates raw tool arguments as a DeleteRequest.
func ParseDelete(raw map[string]any) (DeleteRequest, error) {
	var r DeleteRequest
	if err := decode(raw, &r); err != nil {
		return DeleteRequest{}, err
	}
	return r.Validate()
}

func wireIncludes(in []includeWire) ([]IncludeClause, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]IncludeClause, len(in))
	for i, w := range in {
		take, err := explicitTake(fmt.Sprintf("include[%d].take", i), w.Take)
		if err != nil {
			return nil, err
		}
		out[i] = IncludeClause{Relation: w.Relation, Select: w.Select, Where: w.Where, Take: take}
	}
	return out, nil
}

// explicitTake maps an omitted take to zero (defaulted later) and rejects an
// explicit zero or negative value.
func explicitTake(path string, take *int) (int, error) {
	if take == nil {
		return 0, nil
	}
	if *take < MinTake {
		return 0, errs.Validation(path, fmt.Sprintf("must be between %d and %d, got %d", MinTake, MaxTake, *take))
	}
	return *take, nil
}

// decode round-trips raw through encoding/json into dst, rejecting unknown
// keys and reporting type mismatches as validation errors.
func decode(raw map[string]any, dst any) error {
	if raw == nil {
		return errs.Validation("arguments", "must be an object")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return errs.Validation("arguments", err.Error())
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	return nil
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "arguments"
		}
		return errs.Validation(field, fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value))
	}
	const unknownPrefix = "json: unknown field "
	if msg := err.Error(); strings.HasPrefix(msg, unknownPrefix) {
		return errs.Validation(strings.Trim(strings.TrimPrefix(msg, unknownPrefix), `"`), "unknown field")
	}
	return errs.Validation("arguments", err.Error())
}
