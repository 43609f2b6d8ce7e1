// Package httpsig implements the HTTP Message Signature subset used for
// federated delivery: RSA-SHA256 (PKCS#1 v1.5) over the covered headers
// (request-target), host, date and digest, plus a SHA-256 body digest.
package httpsig

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ehrenfest-quantum/quasi-board/pkg/canonical"
)

// CoveredHeaders is the fixed header set every signature must cover.
const CoveredHeaders = "(request-target) host date digest"

// Headers carries the signature material for an outbound request.
type Headers struct {
	Date      string
	Digest    string
	Signature string
}

// Apply writes the signature headers onto req.
func (h Headers) Apply(req *http.Request) {
	req.Header.Set("Date", h.Date)
	req.Header.Set("Digest", h.Digest)
	req.Header.Set("Signature", h.Signature)
}

// Signer produces signature headers for outbound requests. Two
// implementations exist: RSASigner and StubSigner. Callers select one at
// construction time and must never treat stub output as verifiable.
type Signer interface {
	Sign(method, path, host string, body []byte) (Headers, error)
	KeyID() string
	// Capable reports whether signatures are cryptographically valid.
	Capable() bool
}

// RSASigner signs with a 2048-bit RSA private key.
type RSASigner struct {
	priv  *rsa.PrivateKey
	keyID string
	clock func() time.Time
}

// NewRSASigner wraps priv under the given key id (the actor key URL,
// e.g. https://host/quasi-board#main-key).
func NewRSASigner(priv *rsa.PrivateKey, keyID string) *RSASigner {
	return &RSASigner{priv: priv, keyID: keyID, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *RSASigner) WithClock(clock func() time.Time) *RSASigner {
	s.clock = clock
	return s
}

func (s *RSASigner) KeyID() string { return s.keyID }
func (s *RSASigner) Capable() bool { return true }

func (s *RSASigner) Sign(method, path, host string, body []byte) (Headers, error) {
	date := s.clock().UTC().Format(http.TimeFormat)
	digest := canonical.BodyDigest(body)

	base := signatureBase(method, path, host, date, digest)
	hashed := sha256.Sum256([]byte(base))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.priv, crypto.SHA256, hashed[:])
	if err != nil {
		return Headers{}, fmt.Errorf("httpsig: sign: %w", err)
	}

	return Headers{
		Date:      date,
		Digest:    digest,
		Signature: signatureHeader(s.keyID, base64.StdEncoding.EncodeToString(sig)),
	}, nil
}

// StubSigner emits syntactically valid but unverifiable signatures when no
// key material is available. Capable() is false; verifiers in stub mode
// refuse everything.
type StubSigner struct {
	keyID string
}

func NewStubSigner(keyID string) *StubSigner { return &StubSigner{keyID: keyID} }

func (s *StubSigner) KeyID() string { return s.keyID }
func (s *StubSigner) Capable() bool { return false }

func (s *StubSigner) Sign(method, path, host string, body []byte) (Headers, error) {
	return Headers{
		Date:      time.Now().UTC().Format(http.TimeFormat),
		Digest:    canonical.BodyDigest(body),
		Signature: signatureHeader(s.keyID, "STUB_SIGNATURE_key_material_unavailable"),
	}, nil
}

// signatureBase builds the signed string over the fixed covered header set.
func signatureBase(method, path, host, date, digest string) string {
	return fmt.Sprintf("(request-target): %s %s\nhost: %s\ndate: %s\ndigest: %s",
		strings.ToLower(method), path, host, date, digest)
}

func signatureHeader(keyID, signature string) string {
	return fmt.Sprintf(`keyId="%s",algorithm="rsa-sha256",headers="%s",signature="%s"`,
		keyID, CoveredHeaders, signature)
}
