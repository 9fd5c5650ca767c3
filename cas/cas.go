// Package cas provides content-addressing utilities: BLAKE3 hashing,
// canonical JSON serialization and the derived ids used for definitions
// and template copies.
package cas

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Now returns the current UTC time truncated to millisecond precision, the
// resolution every persisted timestamp uses.
func Now() time.Time {
	return time.UnixMilli(NowMs()).UTC()
}

// CanonicalJSON converts a value to canonical JSON (stable key ordering).
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var obj any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}

	return canonicalMarshal(obj)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		return marshalSortedMap(val)
	case []any:
		return marshalArray(val)
	default:
		return json.Marshal(v)
	}
}

func marshalSortedMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := canonicalMarshal(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalArray(arr []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		valBytes, err := canonicalMarshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// Normalize round-trips v through JSON so in-memory field values have the
// same shape as values read back from a backend (float64 numbers,
// []any lists, map[string]any objects, RFC 3339 strings for times).
func Normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Equal reports whether a and b have the same canonical JSON encoding.
func Equal(a, b any) bool {
	ja, err := CanonicalJSON(a)
	if err != nil {
		return false
	}
	jb, err := CanonicalJSON(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// Clone deep-copies a JSON-shaped value. Maps and lists are copied
// recursively; scalars are returned as is.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneFields(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}

// CloneFields deep-copies a field map. A nil map stays nil.
func CloneFields(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Clone(v)
	}
	return out
}

// Blake3Hash computes a BLAKE3 hash of the input and returns it as bytes.
func Blake3Hash(data []byte) []byte {
	hash := blake3.Sum256(data)
	return hash[:]
}

// Blake3HashHex computes a BLAKE3 hash and returns it as a hex string.
func Blake3HashHex(data []byte) string {
	return hex.EncodeToString(Blake3Hash(data))
}

// NodeID computes the content-addressed id of a typed payload:
// blake3(kind + "\n" + canonicalJSON(payload)).
func NodeID(kind string, payload any) ([]byte, error) {
	canonicalPayload, err := CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}

	data := append([]byte(kind+"\n"), canonicalPayload...)
	return Blake3Hash(data), nil
}

// NodeIDHex computes the content-addressed id and returns it as hex.
func NodeIDHex(kind string, payload any) (string, error) {
	id, err := NodeID(kind, payload)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id), nil
}

// DefinitionIDHex is the content address of a definition payload. Two
// definitions with the same block type and fields share one id.
func DefinitionIDHex(blockType string, fields map[string]any) (string, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	return NodeIDHex("definition:"+blockType, fields)
}

// DeriveKeyHex returns a stable 20-character id derived from the given
// parts. The same parts always produce the same id.
func DeriveKeyHex(parts ...string) string {
	h := blake3.New(32, nil)
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:20]
}

// HexToBytes converts a hex string to bytes.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to hex string.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}
