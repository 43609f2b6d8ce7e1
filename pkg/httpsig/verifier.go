package httpsig

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ehrenfest-quantum/quasi-board/pkg/canonical"
)

// MaxDateSkew bounds how far a signed Date header may drift from local time.
const MaxDateSkew = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("httpsig: missing Signature header")
	ErrStubMode         = errors.New("httpsig: verification unavailable in stub mode")
)

// Verifier checks inbound HTTP Message Signatures, fetching signer public
// keys through a KeyCache. A stub-mode verifier refuses all signatures.
type Verifier struct {
	keys  *KeyCache
	stub  bool
	clock func() time.Time
}

// NewVerifier creates a verifier backed by keys.
func NewVerifier(keys *KeyCache) *Verifier {
	return &Verifier{keys: keys, clock: time.Now}
}

// NewStubVerifier creates a verifier that rejects every signature. Used when
// the signer is running in stub mode: stub signatures must never verify.
func NewStubVerifier() *Verifier {
	return &Verifier{stub: true, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify checks the Signature header of r against body. It requires the
// four covered headers, a Date within MaxDateSkew, a matching body digest,
// and a valid RSA-SHA256 signature under the key fetched via keyId. On a
// bad signature the cached key is evicted (the signer may have rotated);
// there is no re-fetch within the same request.
func (v *Verifier) Verify(r *http.Request, body []byte) error {
	if v.stub {
		return ErrStubMode
	}

	sigHeader := r.Header.Get("Signature")
	if sigHeader == "" {
		return ErrMissingSignature
	}
	params := parseSignatureHeader(sigHeader)

	keyID := params["keyId"]
	if keyID == "" {
		return errors.New("httpsig: signature missing keyId")
	}

	covered := strings.Fields(params["headers"])
	if err := requireCovered(covered); err != nil {
		return err
	}

	if err := v.checkDate(r.Header.Get("Date")); err != nil {
		return err
	}

	if err := checkDigest(r.Header.Get("Digest"), body); err != nil {
		return err
	}

	base, err := buildVerificationBase(r, covered)
	if err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(params["signature"])
	if err != nil {
		return fmt.Errorf("httpsig: malformed signature encoding: %w", err)
	}

	pemStr, err := v.keys.Get(r.Context(), keyID)
	if err != nil {
		return fmt.Errorf("httpsig: key fetch: %w", err)
	}
	pub, err := ParsePublicKeyPEM(pemStr)
	if err != nil {
		return fmt.Errorf("httpsig: key %s: %w", keyID, err)
	}

	hashed := sha256.Sum256([]byte(base))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], sig); err != nil {
		// Tolerate key rotation: drop the cached key so the next request
		// fetches a fresh one. Never retried within this request.
		v.keys.Evict(keyID)
		return fmt.Errorf("httpsig: signature invalid: %w", err)
	}
	return nil
}

func (v *Verifier) checkDate(date string) error {
	if date == "" {
		return errors.New("httpsig: missing Date header")
	}
	t, err := http.ParseTime(date)
	if err != nil {
		return fmt.Errorf("httpsig: malformed Date header: %w", err)
	}
	skew := v.clock().Sub(t)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxDateSkew {
		return fmt.Errorf("httpsig: date skew %s exceeds %s", skew, MaxDateSkew)
	}
	return nil
}

func checkDigest(digest string, body []byte) error {
	if digest == "" {
		return errors.New("httpsig: missing Digest header")
	}
	expected := canonical.BodyDigest(body)
	if subtle.ConstantTimeCompare([]byte(digest), []byte(expected)) != 1 {
		return errors.New("httpsig: digest does not match body")
	}
	return nil
}

func requireCovered(covered []string) error {
	required := []string{"(request-target)", "host", "date", "digest"}
	for _, want := range required {
		found := false
		for _, h := range covered {
			if h == want {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("httpsig: required covered header %q absent", want)
		}
	}
	return nil
}

// buildVerificationBase reconstructs the signed string from the received
// request, honoring the header order declared in the signature.
func buildVerificationBase(r *http.Request, covered []string) (string, error) {
	lines := make([]string, 0, len(covered))
	for _, h := range covered {
		switch h {
		case "(request-target)":
			lines = append(lines, fmt.Sprintf("(request-target): %s %s",
				strings.ToLower(r.Method), r.URL.RequestURI()))
		case "host":
			lines = append(lines, "host: "+r.Host)
		default:
			val := r.Header.Get(h)
			if val == "" {
				return "", fmt.Errorf("httpsig: covered header %q absent from request", h)
			}
			lines = append(lines, strings.ToLower(h)+": "+val)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// parseSignatureHeader splits `keyId="...",algorithm="...",...` into a map.
func parseSignatureHeader(header string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		params[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return params
}

// ParsePublicKeyPEM decodes a PEM-encoded RSA public key (PKIX or PKCS#1).
func ParsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaPub, nil
	}
	return x509.ParsePKCS1PublicKey(block.Bytes)
}
