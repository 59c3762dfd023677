// Package canon implements the gateway's canonical JSON encoding and the
// SHA-256 hashing built on top of it. Every component that needs a
// deterministic digest of a Go value — the action hash, the record hash
// chain, the manifest content hash — goes through Canonicalize so that two
// semantically equal values always produce the same bytes.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"policygateway/internal/domain"
)

// Canonicalize renders v as canonical JSON: object keys sorted
// lexicographically at every level, no insignificant whitespace, and
// numbers normalized so that an int-valued float64 (3.0) encodes the same
// as the literal integer 3. NaN and Inf are rejected since they have no
// JSON representation.
func Canonicalize(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, norm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize walks v (as produced by json.Marshal/Unmarshal-shaped data or
// plain Go maps/slices) into a tree of map[string]any / []any / scalars,
// rejecting values canonical JSON cannot express.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("canon: non-finite float %v cannot be canonicalized", t)
		}
		return t, nil
	case float32:
		return normalize(float64(t))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		// Fall back through JSON marshal/unmarshal to collapse structs,
		// pointers and typed maps/slices into the generic shape above.
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("canon: marshal %T: %w", t, err)
		}
		var generic any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&generic); err != nil {
			return nil, fmt.Errorf("canon: decode %T: %w", t, err)
		}
		return normalizeNumber(generic)
	}
}

// normalizeNumber walks output from a json.Number-aware decode, converting
// json.Number into int64 or float64 as appropriate, and recursing through
// maps/slices produced by the standard decoder.
func normalizeNumber(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("canon: invalid number %q", t.String())
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("canon: non-finite float %v cannot be canonicalized", f)
		}
		return f, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			nv, err := normalizeNumber(val)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			nv, err := normalizeNumber(val)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return t, nil
	}
}

// writeEscapedString writes s as a double-quoted JSON string literal with
// every byte above ASCII printable range (0x7E) escaped as \uXXXX (with a
// surrogate pair for runes outside the BMP), rather than relying on
// encoding/json.Marshal's default of emitting raw UTF-8 for non-ASCII
// text. Canonical encoding must be byte-identical across implementations
// regardless of how they each choose to represent non-ASCII runes, so the
// canonical form always escapes them instead of leaving that choice open.
func writeEscapedString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			switch {
			case r < 0x20:
				fmt.Fprintf(buf, `\u%04x`, r)
			case r <= 0x7E:
				buf.WriteRune(r)
			case r > 0xFFFF:
				r -= 0x10000
				hi := 0xD800 + (r >> 10)
				lo := 0xDC00 + (r & 0x3FF)
				fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
			default:
				fmt.Fprintf(buf, `\u%04x`, r)
			}
		}
	}
	buf.WriteByte('"')
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		writeEscapedString(buf, t)
		return nil
	case int64:
		fmt.Fprintf(buf, "%d", t)
		return nil
	case int:
		fmt.Fprintf(buf, "%d", t)
		return nil
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			fmt.Fprintf(buf, "%d", int64(t))
			return nil
		}
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeEscapedString(buf, k)
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		return fmt.Errorf("canon: cannot encode %T", t)
	}
}

// HashCanonical returns the SHA-256 digest of v's canonical encoding.
func HashCanonical(v any) ([32]byte, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// ActionHash computes the action_hash of a: only type, tool, params and
// (if present) amount/currency participate — counterparty and any
// execution context are deliberately excluded so that the same
// logical action always hashes the same way regardless of who it's with.
func ActionHash(a domain.Action) ([32]byte, error) {
	return HashCanonical(a.HashInput())
}
