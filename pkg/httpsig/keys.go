package httpsig

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "private_key.pem"
	publicKeyFile  = "public_key.pem"
	rsaKeyBits     = 2048
)

// LoadOrCreateKeypair returns the actor RSA keypair from dataDir, generating
// and persisting a fresh 2048-bit pair on first run. Keys are regenerated
// only by operator action (deleting the files).
func LoadOrCreateKeypair(dataDir string) (*rsa.PrivateKey, error) {
	privPath := filepath.Join(dataDir, privateKeyFile)

	if data, err := os.ReadFile(privPath); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("httpsig: %s: no PEM block", privPath)
		}
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("httpsig: %s: %w", privPath, err)
		}
		return priv, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("httpsig: read %s: %w", privPath, err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("httpsig: generate keypair: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("httpsig: write %s: %w", privPath, err)
	}

	pubPEM, err := EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	pubPath := filepath.Join(dataDir, publicKeyFile)
	if err := os.WriteFile(pubPath, []byte(pubPEM), 0o644); err != nil {
		return nil, fmt.Errorf("httpsig: write %s: %w", pubPath, err)
	}
	return priv, nil
}

// EncodePublicKeyPEM renders pub as a PKIX PEM block, the format served in
// the actor document.
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("httpsig: marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
