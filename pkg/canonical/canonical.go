// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 hashing for ledger entries and HTTP body digests.
//
// The whole chain's verifiability depends on every writer and verifier
// producing identical bytes for the same entry, so the canonical form is
// pinned here: object keys sorted lexicographically by Unicode code point,
// minimal string escaping (no HTML escaping), absent optional fields omitted
// rather than emitted as null, timestamps as RFC 3339 UTC with microsecond
// precision and a Z suffix.
package canonical

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the RFC 8785 canonical JSON encoding of v.
// Optional fields on v must carry omitempty tags: absence means omission.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Hash canonicalizes v and returns the SHA-256 hex digest of the result.
func Hash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// BodyDigest returns the value of the Digest header for an HTTP request body,
// in the form "SHA-256=<base64>".
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}
