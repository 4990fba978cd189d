// Package canonicaljson produces the deterministic JSON form every hash and
// signature in the gateway is computed over: RFC 8785 (JSON Canonicalization
// Scheme) with keys sorted, minimal separators, and UTF-8 free of HTML or
// non-ASCII escaping.
package canonicaljson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal returns the canonical JSON encoding of v. v is first encoded with
// encoding/json (honoring struct tags), then the text is canonicalized per
// RFC 8785, which also undoes the standard library's HTML escaping.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicaljson: encode failed: %w", err)
	}
	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: transform failed: %w", err)
	}
	return out, nil
}

// MarshalString returns the canonical form of v as a string.
func MarshalString(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Transform canonicalizes raw, which must already be valid JSON text.
// Use this when the bytes were persisted verbatim and must hash as written
// modulo canonical form, without a decode/re-encode round trip.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of data exactly as given.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
