// Package errs defines the error taxonomy shared by every querygate layer.
//
// Internal layers (validation, policy, scoping, budgets, adapters) return
// *Error values; only the tool runtime boundary converts them into failed
// tool results. Callers branch on Code, never on message text.
package errs

import (
	"errors"
	"fmt"
)

// Code categorizes a failure. Codes are part of the external contract and
// are surfaced verbatim to agents.
type Code string

const (
	CodeModelNotAllowed         Code = "MODEL_NOT_ALLOWED"
	CodeFieldNotAllowed         Code = "FIELD_NOT_ALLOWED"
	CodeRelationNotAllowed      Code = "RELATION_NOT_ALLOWED"
	CodeTenantScopeRequired     Code = "TENANT_SCOPE_REQUIRED"
	CodeQueryTooBroad           Code = "QUERY_TOO_BROAD"
	CodeQueryBudgetExceeded     Code = "QUERY_BUDGET_EXCEEDED"
	CodeWriteDisabled           Code = "WRITE_DISABLED"
	CodeWriteApprovalRequired   Code = "WRITE_APPROVAL_REQUIRED"
	CodeMaxAffectedRowsExceeded Code = "MAX_AFFECTED_ROWS_EXCEEDED"
	CodeValidation              Code = "VALIDATION_ERROR"
	CodeAuthentication          Code = "AUTHENTICATION_ERROR"
	CodeInternal                Code = "INTERNAL_ERROR"

	CodeToolNotFound     Code = "TOOL_NOT_FOUND"
	CodeInvalidCursor    Code = "INVALID_CURSOR"
	CodeNotFound         Code = "NOT_FOUND"
	CodeApprovalRejected Code = "APPROVAL_REJECTED"
	CodeUnsupported      Code = "UNSUPPORTED"
	CodeAdapter          Code = "ADAPTER_ERROR"
)

// Budget types reported in QUERY_BUDGET_EXCEEDED details.
const (
	BudgetMaxRows          = "max_rows"
	BudgetMaxSelectFields  = "max_select_fields"
	BudgetMaxIncludesDepth = "max_includes_depth"
	BudgetComplexityScore  = "complexity_score"
)

// Error is a categorized failure with structured details.
type Error struct {
	// Code identifies the failure category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Details carries machine-readable context (field, limit, approval id...).
	Details map[string]any

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps err.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// With returns a copy of e with an extra detail entry.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal for uncategorized errors. A nil error has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// ModelNotAllowed reports a model that the policy hides or that the
// principal may not access.
func ModelNotAllowed(model string) *Error {
	return &Error{
		Code:    CodeModelNotAllowed,
		Message: fmt.Sprintf("model %q is not accessible", model),
		Details: map[string]any{"model": model},
	}
}

// FieldNotAllowed reports a field that may not be selected or filtered.
func FieldNotAllowed(model, field string) *Error {
	return &Error{
		Code:    CodeFieldNotAllowed,
		Message: fmt.Sprintf("field %q on model %q is not accessible", field, model),
		Details: map[string]any{"model": model, "field": field},
	}
}

// RelationNotAllowed reports a relation include the policy forbids.
func RelationNotAllowed(model, relation string) *Error {
	return &Error{
		Code:    CodeRelationNotAllowed,
		Message: fmt.Sprintf("relation %q on model %q is not accessible", relation, model),
		Details: map[string]any{"model": model, "relation": relation},
	}
}

// TenantScopeRequired reports a tenant-scoped model queried without a tenant.
func TenantScopeRequired(model string) *Error {
	return &Error{
		Code:    CodeTenantScopeRequired,
		Message: fmt.Sprintf("model %q requires a tenant-scoped principal", model),
		Details: map[string]any{"model": model},
	}
}

// QueryTooBroad reports a request that would touch an unbounded row set.
func QueryTooBroad(model, reason string) *Error {
	return &Error{
		Code:    CodeQueryTooBroad,
		Message: fmt.Sprintf("query on %q is too broad: %s", model, reason),
		Details: map[string]any{"model": model, "reason": reason},
	}
}

// BudgetExceeded reports a budget violation with the stable
// {budget_type, limit, requested} payload agents use to self-correct.
func BudgetExceeded(budgetType string, limit, requested int) *Error {
	return &Error{
		Code:    CodeQueryBudgetExceeded,
		Message: fmt.Sprintf("%s budget exceeded: requested %d, limit %d", budgetType, requested, limit),
		Details: map[string]any{
			"budget_type": budgetType,
			"limit":       limit,
			"requested":   requested,
		},
	}
}

// WriteDisabled reports a mutation against a policy with writes disabled.
func WriteDisabled(operation, model string) *Error {
	return &Error{
		Code:    CodeWriteDisabled,
		Message: fmt.Sprintf("%s on %q is disabled by policy", operation, model),
		Details: map[string]any{"operation": operation, "model": model},
	}
}

// WriteApprovalRequired reports a mutation deferred to an approval gate.
// approvalID is empty when the request was not submitted.
func WriteApprovalRequired(operation, model, approvalID string) *Error {
	e := &Error{
		Code:    CodeWriteApprovalRequired,
		Message: fmt.Sprintf("%s on %q requires approval", operation, model),
		Details: map[string]any{"operation": operation, "model": model},
	}
	if approvalID != "" {
		e.Details["approval_id"] = approvalID
	}
	return e
}

// MaxAffectedRowsExceeded reports a mutation touching more rows than allowed.
func MaxAffectedRowsExceeded(model string, limit int, affected int64) *Error {
	return &Error{
		Code:    CodeMaxAffectedRowsExceeded,
		Message: fmt.Sprintf("mutation on %q would affect %d rows (limit %d)", model, affected, limit),
		Details: map[string]any{"model": model, "limit": limit, "affected": affected},
	}
}

// Validation reports malformed input, naming the offending field path.
func Validation(field, reason string) *Error {
	return &Error{
		Code:    CodeValidation,
		Message: fmt.Sprintf("invalid %s: %s", field, reason),
		Details: map[string]any{"field": field, "reason": reason},
	}
}

// Authentication reports a missing or unusable identity.
func Authentication(reason string) *Error {
	return &Error{Code: CodeAuthentication, Message: reason}
}

// Internal wraps an unanticipated failure.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

// IsValidationError reports whether err is a validation failure.
func IsValidationError(err error) bool { return Is(err, CodeValidation) }

// IsBudgetError reports whether err is a budget violation.
func IsBudgetError(err error) bool { return Is(err, CodeQueryBudgetExceeded) }

// IsPolicyError reports whether err is one of the policy-violation kinds.
func IsPolicyError(err error) bool {
	switch CodeOf(err) {
	case CodeModelNotAllowed, CodeFieldNotAllowed, CodeRelationNotAllowed,
		CodeTenantScopeRequired, CodeQueryTooBroad, CodeQueryBudgetExceeded,
		CodeWriteDisabled, CodeWriteApprovalRequired, CodeMaxAffectedRowsExceeded:
		return true
	}
	return false
}
