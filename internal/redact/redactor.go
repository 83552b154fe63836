// Package redact sanitizes result records after execution.
//
// Redaction runs once, on the way out: the database sees real values and
// only the emitted record is transformed. Null values pass through every
// action untouched.
package redact

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/roach88/querygate/internal/canon"
	"github.com/roach88/querygate/internal/policy"
)

// FingerprintPrefix marks a hashed value.
const FingerprintPrefix = "sha256:"

// Redactor applies one model's field policies.
type Redactor struct {
	policy *policy.Policy
	model  string
}

// New creates a redactor for model under p.
func New(p *policy.Policy, model string) *Redactor {
	return &Redactor{policy: p, model: model}
}

// RedactRecord returns a new record with every field mapped through its
// action. Denied fields stay present with a nil value.
func (r *Redactor) RedactRecord(record map[string]any) map[string]any {
	if record == nil {
		return nil
	}
	out := make(map[string]any, len(record))
	for field, value := range record {
		out[field] = r.RedactValue(field, value)
	}
	return out
}

// RedactRecords redacts each record.
func (r *Redactor) RedactRecords(records []map[string]any) []map[string]any {
	out := make([]map[string]any, len(records))
	for i, rec := range records {
		out[i] = r.RedactRecord(rec)
	}
	return out
}

// RedactValue applies the field's action to one value.
func (r *Redactor) RedactValue(field string, value any) any {
	if value == nil {
		return nil
	}
	fp := r.policy.ResolveField(r.model, field)
	switch fp.Action {
	case policy.ActionAllow:
		return value
	case policy.ActionDeny:
		return nil
	case policy.ActionMask:
		s := stringForm(value)
		if fp.MaskPattern != "" {
			return MaskPattern(s, fp.MaskPattern)
		}
		return AutoMask(s)
	case policy.ActionHash:
		return Fingerprint(value)
	default:
		// Unknown actions fail closed.
		return nil
	}
}

// Fingerprint returns "sha256:" plus 64 hex characters of a
// domain-separated SHA-256 over the value's string form. A value that is
// already a fingerprint is returned unchanged.
func Fingerprint(value any) string {
	s := stringForm(value)
	if IsFingerprint(s) {
		return s
	}
	return FingerprintPrefix + canon.HashWithDomain(canon.DomainFingerprint, []byte(s))
}

// IsFingerprint reports whether s has the Fingerprint shape.
func IsFingerprint(s string) bool {
	hexPart, ok := strings.CutPrefix(s, FingerprintPrefix)
	if !ok || len(hexPart) != 64 {
		return false
	}
	if strings.ToLower(hexPart) != hexPart {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}

// stringForm renders strings as-is and everything else as canonical JSON,
// so 42 and int64(42) hash alike.
func stringForm(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	data, err := canon.MarshalCanonical(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(data)
}
