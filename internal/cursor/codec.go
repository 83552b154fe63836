// Package cursor encodes opaque pagination tokens.
//
// Two kinds exist, offset and keyset, and they are never interchangeable at
// decode time. Every token carries a BLAKE2b-256 checksum over its kind and
// canonical payload, keyed with the server secret when one is configured.
// A token that fails verification is an error, never a reset to the first
// page.
package cursor

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/roach88/querygate/internal/canon"
	"github.com/roach88/querygate/internal/errs"
)

// Kind tags the payload of a token.
type Kind string

const (
	KindOffset Kind = "offset"
	KindKeyset Kind = "keyset"
)

// Direction is the paging direction of a keyset cursor.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// Failure reasons reported in the "reason" detail of an INVALID_CURSOR error.
const (
	ReasonInvalidChecksum = "invalid checksum"
	ReasonTypeMismatch    = "cursor type mismatch"
	ReasonMalformed       = "malformed cursor"
)

// Keyset is the decoded payload of a keyset cursor.
type Keyset struct {
	Values    map[string]any `json:"values"`
	Direction Direction      `json:"direction"`
}

type offsetPayload struct {
	Offset int `json:"offset"`
}

type envelope struct {
	Kind     Kind            `json:"t"`
	Payload  json.RawMessage `json:"p"`
	Checksum string          `json:"c"`
}

// Codec encodes and verifies cursors. The zero value is an unkeyed codec.
type Codec struct {
	key []byte
}

// NewCodec creates a codec. A nil or empty secret yields unkeyed digests.
// Secrets longer than the BLAKE2b key limit are reduced with an unkeyed
// digest first.
func NewCodec(secret []byte) *Codec {
	if len(secret) == 0 {
		return &Codec{}
	}
	key := append([]byte(nil), secret...)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &Codec{key: key}
}

// CursorError builds an INVALID_CURSOR error with a stable reason.
func CursorError(reason string) *errs.Error {
	return errs.New(errs.CodeInvalidCursor, "%s", reason).With("reason", reason)
}

// Reason extracts the cursor failure reason from err, or "".
func Reason(err error) string {
	e, ok := errs.As(err)
	if !ok || e.Code != errs.CodeInvalidCursor {
		return ""
	}
	r, _ := e.Details["reason"].(string)
	return r
}

// EncodeOffset encodes a non-negative row offset.
func (c *Codec) EncodeOffset(offset int) (string, error) {
	if offset < 0 {
		return "", errs.Validation("cursor", fmt.Sprintf("offset must be non-negative, got %d", offset))
	}
	return c.encode(KindOffset, map[string]any{"offset": offset})
}

// DecodeOffset verifies token and returns its offset.
func (c *Codec) DecodeOffset(token string) (int, error) {
	payload, err := c.decode(token, KindOffset)
	if err != nil {
		return 0, err
	}
	var p offsetPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Offset < 0 {
		return 0, CursorError(ReasonMalformed)
	}
	return p.Offset, nil
}

// EncodeKeyset encodes the last-seen sort key. Values whose key is not one
// of orderFields are dropped.
func (c *Codec) EncodeKeyset(values map[string]any, orderFields []string, dir Direction) (string, error) {
	if dir == "" {
		dir = Forward
	}
	if dir != Forward && dir != Backward {
		return "", errs.Validation("cursor", fmt.Sprintf("invalid direction %q", dir))
	}
	kept := make(map[string]any, len(orderFields))
	for _, f := range orderFields {
		if v, ok := values[f]; ok {
			kept[f] = v
		}
	}
	return c.encode(KindKeyset, map[string]any{
		"values":    kept,
		"direction": string(dir),
	})
}

// DecodeKeyset verifies token and returns its keyset. Integral numbers come
// back as int64, others as float64.
func (c *Codec) DecodeKeyset(token string) (Keyset, error) {
	payload, err := c.decode(token, KindKeyset)
	if err != nil {
		return Keyset{}, err
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw struct {
		Values    map[string]any `json:"values"`
		Direction Direction      `json:"direction"`
	}
	if err := dec.Decode(&raw); err != nil {
		return Keyset{}, CursorError(ReasonMalformed)
	}
	if raw.Direction != Forward && raw.Direction != Backward {
		return Keyset{}, CursorError(ReasonMalformed)
	}

	values := make(map[string]any, len(raw.Values))
	for k, v := range raw.Values {
		values[k] = fromJSONNumber(v)
	}
	return Keyset{Values: values, Direction: raw.Direction}, nil
}

func (c *Codec) encode(kind Kind, payload any) (string, error) {
	data, err := canon.MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s cursor: %w", kind, err)
	}
	sum, err := c.checksum(kind, data)
	if err != nil {
		return "", err
	}
	env, err := json.Marshal(envelope{Kind: kind, Payload: data, Checksum: sum})
	if err != nil {
		return "", fmt.Errorf("encode %s cursor: %w", kind, err)
	}
	return base64.RawURLEncoding.EncodeToString(env), nil
}

// decode verifies the checksum first, then the kind, and returns the
// canonical payload bytes.
func (c *Codec) decode(token string, want Kind) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, CursorError(ReasonMalformed)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Kind == "" || len(env.Payload) == 0 {
		return nil, CursorError(ReasonMalformed)
	}

	// Re-canonicalize so verification does not depend on the exact bytes a
	// client sent back.
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, CursorError(ReasonMalformed)
	}
	data, err := canon.MarshalCanonical(payload)
	if err != nil {
		return nil, CursorError(ReasonMalformed)
	}

	want256, err := c.checksum(env.Kind, data)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(want256), []byte(env.Checksum)) != 1 {
		return nil, CursorError(ReasonInvalidChecksum)
	}
	if env.Kind != want {
		return nil, CursorError(ReasonTypeMismatch).
			With("expected", string(want)).
			With("actual", string(env.Kind))
	}
	return data, nil
}

func (c *Codec) checksum(kind Kind, payload []byte) (string, error) {
	h, err := blake2b.New256(c.key)
	if err != nil {
		return "", fmt.Errorf("cursor checksum: %w", err)
	}
	h.Write([]byte(canon.DomainCursor))
	h.Write([]byte{0x00})
	h.Write([]byte(kind))
	h.Write([]byte{0x00})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fromJSONNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
