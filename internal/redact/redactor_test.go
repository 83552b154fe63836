package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/roach88/querygate/internal/policy"
)

func newRedactor(t *testing.T, strategy policy.RedactStrategy) *Redactor {
	t.Helper()
	p, err := policy.NewBuilder().
		RedactStrategy(strategy).
		Model("User",
			policy.Field("name", policy.ActionAllow),
			policy.Field("ssn", policy.ActionDeny),
			policy.Field("email", policy.ActionMask),
			policy.Field("phone", policy.ActionMask),
			policy.MaskedField("card", "****-{last4}"),
			policy.Field("account_id", policy.ActionHash),
			policy.SensitiveField("salary")).
		Build()
	require.NoError(t, err)
	return New(p, "User")
}

// TestAutoMask_Scenarios pins the email and phone masks.
func TestAutoMask_Scenarios(t *testing.T) {
	assert.Equal(t, "j***@example.com", AutoMask("john@example.com"))
	assert.Equal(t, "+1*******901", AutoMask("+12345678901"))
}

func TestAutoMask_Shapes(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"@example.com", "***@example.com"},
		{"555-123-4567", "55*******567"},
		{"12345", "1***5"},
		{"secret", "s****t"},
		{"ab", "**"},
		{"a", "*"},
		{"", ""},
		{"héllo", "h***o"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AutoMask(tt.in), tt.in)
	}
}

func TestMaskPattern(t *testing.T) {
	assert.Equal(t, "****-4242", MaskPattern("4111111111114242", "****-{last4}"))
	assert.Equal(t, "41..42", MaskPattern("4111111111114242", "{first2}..{last2}"))
	assert.Equal(t, "[ab]", MaskPattern("ab", "[{first5}]"), "N beyond length clamps")
	assert.Equal(t, "{middle3}", MaskPattern("abcdef", "{middle3}"), "unknown tokens are literal")
}

func TestRedactRecord_Actions(t *testing.T) {
	r := newRedactor(t, policy.StrategyDeny)
	out := r.RedactRecord(map[string]any{
		"name":       "John",
		"ssn":        "123-45-6789",
		"email":      "john@example.com",
		"phone":      "+12345678901",
		"card":       "4111111111114242",
		"account_id": int64(42),
		"salary":     90000,
		"unlisted":   "kept",
	})

	assert.Equal(t, "John", out["name"])
	require.Contains(t, out, "ssn", "denied fields stay present")
	assert.Nil(t, out["ssn"])
	assert.Equal(t, "j***@example.com", out["email"])
	assert.Equal(t, "+1*******901", out["phone"])
	assert.Equal(t, "****-4242", out["card"])
	assert.Equal(t, Fingerprint(42), out["account_id"])
	assert.Nil(t, out["salary"], "sensitive follows the deny strategy")
	assert.Equal(t, "kept", out["unlisted"])
}

func TestRedactRecord_MaskStrategy(t *testing.T) {
	r := newRedactor(t, policy.StrategyMask)
	out := r.RedactRecord(map[string]any{"salary": 90000})
	assert.Equal(t, "9***0", out["salary"])
}

func TestRedactRecord_NilPassesThrough(t *testing.T) {
	r := newRedactor(t, policy.StrategyDeny)
	out := r.RedactRecord(map[string]any{"email": nil, "account_id": nil, "name": nil})
	assert.Equal(t, map[string]any{"email": nil, "account_id": nil, "name": nil}, out)
	assert.Nil(t, r.RedactRecord(nil))
}

func TestRedactRecord_DoesNotMutateInput(t *testing.T) {
	r := newRedactor(t, policy.StrategyDeny)
	in := map[string]any{"ssn": "123"}
	_ = r.RedactRecord(in)
	assert.Equal(t, "123", in["ssn"])
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("alice")
	assert.True(t, IsFingerprint(fp))
	assert.Len(t, fp, len(FingerprintPrefix)+64)
	assert.Equal(t, fp, Fingerprint("alice"), "stable across calls")
	assert.NotEqual(t, fp, Fingerprint("bob"))
	assert.Equal(t, Fingerprint(int64(7)), Fingerprint(7))
	assert.Equal(t, fp, Fingerprint(fp), "fingerprints pass through")

	assert.False(t, IsFingerprint("sha256:xyz"))
	assert.False(t, IsFingerprint("md5:"+fp[len(FingerprintPrefix):]))
}

// TestRedact_IdempotentOnDenyAndHash verifies a second pass changes
// nothing for DENY and HASH fields.
func TestRedact_IdempotentOnDenyAndHash(t *testing.T) {
	r := newRedactor(t, policy.StrategyDeny)

	rapid.Check(t, func(t *rapid.T) {
		rec := map[string]any{
			"ssn":        rapid.String().Draw(t, "ssn"),
			"account_id": rapid.OneOf(rapid.Just[any](nil), rapid.Map(rapid.Int64(), func(v int64) any { return v }), rapid.Map(rapid.String(), func(s string) any { return s })).Draw(t, "account_id"),
		}
		once := r.RedactRecord(rec)
		twice := r.RedactRecord(once)
		assert.Equal(t, once, twice)
	})
}

// TestRedact_MaskIsNotIdempotent documents that masking an already masked
// value masks it again.
func TestRedact_MaskIsNotIdempotent(t *testing.T) {
	r := newRedactor(t, policy.StrategyDeny)
	once := r.RedactRecord(map[string]any{"phone": "+12345678901"})
	twice := r.RedactRecord(once)
	assert.Equal(t, "+1*******901", once["phone"])
	assert.Equal(t, "+**********1", twice["phone"])
}
