// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of envelopes, audit entries, and
// idempotency keys. Two semantically identical payloads must hash to the same
// digest regardless of field order, Unicode representation, or volatile
// fields such as regenerated timestamps.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// DefaultVolatileFields are stripped before key derivation so retried calls
// with regenerated values still collide correctly.
var DefaultVolatileFields = []string{"timestamp", "occurred_at", "created_at", "trace_id"}

// JCS returns the RFC 8785 canonical JSON representation of v.
// Struct json tags are respected: v is marshalled with encoding/json first,
// then transformed into canonical form.
func JCS(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return canonical, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON form of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns a hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// NormalizeString returns the NFC normal form of s. Visually identical strings
// with different Unicode compositions must produce identical keys.
func NormalizeString(s string) string {
	return norm.NFC.String(s)
}

// Normalize walks v and NFC-normalizes every string key and value.
// Maps and slices are copied; other values pass through unchanged.
func Normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return NormalizeString(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[NormalizeString(k)] = Normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	default:
		return v
	}
}

// StripVolatile returns a deep copy of m with the named fields removed at
// every nesting level. If no fields are given, DefaultVolatileFields is used.
func StripVolatile(m map[string]interface{}, fields ...string) map[string]interface{} {
	if len(fields) == 0 {
		fields = DefaultVolatileFields
	}
	drop := make(map[string]bool, len(fields))
	for _, f := range fields {
		drop[f] = true
	}
	return stripMap(m, drop)
}

func stripMap(m map[string]interface{}, drop map[string]bool) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if drop[k] {
			continue
		}
		switch t := v.(type) {
		case map[string]interface{}:
			out[k] = stripMap(t, drop)
		case []interface{}:
			cp := make([]interface{}, len(t))
			for i, el := range t {
				if em, ok := el.(map[string]interface{}); ok {
					cp[i] = stripMap(em, drop)
				} else {
					cp[i] = el
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
