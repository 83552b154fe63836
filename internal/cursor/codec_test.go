package cursor

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/roach88/querygate/internal/errs"
)

// TestOffset_RoundTrip covers encode_offset(100) then decode.
func TestOffset_RoundTrip(t *testing.T) {
	c := NewCodec([]byte("s3cret"))
	tok, err := c.EncodeOffset(100)
	require.NoError(t, err)

	got, err := c.DecodeOffset(tok)
	require.NoError(t, err)
	assert.Equal(t, 100, got)
}

func TestOffset_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		secret := rapid.SliceOfN(rapid.Byte(), 0, 96).Draw(t, "secret")
		offset := rapid.IntRange(0, 1<<40).Draw(t, "offset")
		c := NewCodec(secret)

		tok, err := c.EncodeOffset(offset)
		require.NoError(t, err)
		got, err := c.DecodeOffset(tok)
		require.NoError(t, err)
		assert.Equal(t, offset, got)
	})
}

func TestKeyset_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fields := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z_]{1,10}`), 1, 4, func(s string) string { return s }).Draw(t, "fields")
		values := make(map[string]any, len(fields))
		for _, f := range fields {
			if rapid.Bool().Draw(t, "is_string_"+f) {
				values[f] = rapid.StringMatching(`[a-zA-Z0-9 ]{0,12}`).Draw(t, "s_"+f)
			} else {
				values[f] = rapid.Int64().Draw(t, "i_"+f)
			}
		}
		dir := rapid.SampledFrom([]Direction{Forward, Backward}).Draw(t, "dir")
		c := NewCodec([]byte("k"))

		tok, err := c.EncodeKeyset(values, fields, dir)
		require.NoError(t, err)
		ks, err := c.DecodeKeyset(tok)
		require.NoError(t, err)
		assert.Equal(t, values, ks.Values)
		assert.Equal(t, dir, ks.Direction)
	})
}

func TestKeyset_DropsNonOrderFields(t *testing.T) {
	c := NewCodec(nil)
	tok, err := c.EncodeKeyset(map[string]any{
		"created_at": "2024-01-01",
		"id":         int64(42),
		"email":      "leak@example.com",
	}, []string{"created_at", "id"}, Forward)
	require.NoError(t, err)

	ks, err := c.DecodeKeyset(tok)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"created_at": "2024-01-01", "id": int64(42)}, ks.Values)
	assert.NotContains(t, string(decodeEnvelope(t, tok).Payload), "leak")
}

func TestKeyset_FloatValueSurvives(t *testing.T) {
	c := NewCodec(nil)
	tok, err := c.EncodeKeyset(map[string]any{"score": 1.5}, []string{"score"}, Backward)
	require.NoError(t, err)

	ks, err := c.DecodeKeyset(tok)
	require.NoError(t, err)
	assert.Equal(t, 1.5, ks.Values["score"])
	assert.Equal(t, Backward, ks.Direction)
}

// TestDecode_WrongSecret verifies a token minted under one secret fails
// checksum verification under another.
func TestDecode_WrongSecret(t *testing.T) {
	tok, err := NewCodec([]byte("alpha")).EncodeOffset(10)
	require.NoError(t, err)

	_, err = NewCodec([]byte("beta")).DecodeOffset(tok)
	requireCursorError(t, err, ReasonInvalidChecksum)

	_, err = NewCodec(nil).DecodeOffset(tok)
	requireCursorError(t, err, ReasonInvalidChecksum)
}

// TestDecode_TypeMismatch verifies an offset token is rejected by the
// keyset decoder and vice versa.
func TestDecode_TypeMismatch(t *testing.T) {
	c := NewCodec([]byte("k"))

	off, err := c.EncodeOffset(5)
	require.NoError(t, err)
	_, err = c.DecodeKeyset(off)
	requireCursorError(t, err, ReasonTypeMismatch)

	ks, err := c.EncodeKeyset(map[string]any{"id": 1}, []string{"id"}, Forward)
	require.NoError(t, err)
	_, err = c.DecodeOffset(ks)
	requireCursorError(t, err, ReasonTypeMismatch)
}

// TestDecode_TamperedPayload rewrites the offset inside a valid token while
// keeping the original checksum.
func TestDecode_TamperedPayload(t *testing.T) {
	c := NewCodec([]byte("k"))
	tok, err := c.EncodeOffset(100)
	require.NoError(t, err)

	env := decodeEnvelope(t, tok)
	env.Payload = json.RawMessage(`{"offset":0}`)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	forged := base64.RawURLEncoding.EncodeToString(raw)

	_, err = c.DecodeOffset(forged)
	requireCursorError(t, err, ReasonInvalidChecksum)
}

// TestDecode_KindSwapDetected verifies the kind is covered by the checksum.
func TestDecode_KindSwapDetected(t *testing.T) {
	c := NewCodec([]byte("k"))
	tok, err := c.EncodeOffset(3)
	require.NoError(t, err)

	env := decodeEnvelope(t, tok)
	env.Kind = KindKeyset
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = c.DecodeKeyset(base64.RawURLEncoding.EncodeToString(raw))
	requireCursorError(t, err, ReasonInvalidChecksum)
}

func TestDecode_Malformed(t *testing.T) {
	c := NewCodec(nil)
	for _, tok := range []string{
		"",
		"!!!not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("not json")),
		base64.RawURLEncoding.EncodeToString([]byte(`{"t":"offset"}`)),
	} {
		_, err := c.DecodeOffset(tok)
		requireCursorError(t, err, ReasonMalformed)
	}
}

func TestEncodeOffset_Negative(t *testing.T) {
	_, err := NewCodec(nil).EncodeOffset(-1)
	require.Error(t, err)
	assert.True(t, errs.IsValidationError(err))
}

func TestEncode_URLSafe(t *testing.T) {
	tok, err := NewCodec(nil).EncodeKeyset(map[string]any{"name": "a/b+c?"}, []string{"name"}, Forward)
	require.NoError(t, err)
	assert.NotContains(t, tok, "=")
	assert.NotContains(t, tok, "+")
	assert.NotContains(t, tok, "/")
}

func decodeEnvelope(t *testing.T, tok string) envelope {
	t.Helper()
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func requireCursorError(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeInvalidCursor), "got %v", err)
	assert.Equal(t, reason, Reason(err))
}
