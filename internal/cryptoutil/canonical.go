// Package cryptoutil implements the canonical signing form and Ed25519
// sign/verify primitives shared by every signed envelope in the system.
package cryptoutil

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonical returns the deterministic signing form of a JSON object: keys
// sorted lexicographically at every level, no insignificant whitespace,
// with the top-level "signature" key removed. This mirrors
// build_base_event's sign-before-inserting-signature sequence: the envelope
// is marshaled to a generic map, the signature key is deleted if present,
// then the map is re-marshaled through sortedMarshal.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for canonicalization: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("unmarshal for canonicalization: %w", err)
	}
	if m, ok := generic.(map[string]any); ok {
		delete(m, "signature")
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
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
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// Sign returns the Ed25519 signature over the canonical form of v.
func Sign(priv ed25519.PrivateKey, v any) ([]byte, error) {
	form, err := Canonical(v)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, form), nil
}

// Verify reports whether sig is a valid Ed25519 signature over the
// canonical form of v under pub.
func Verify(pub ed25519.PublicKey, v any, sig []byte) (bool, error) {
	form, err := Canonical(v)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, form, sig), nil
}
