// Package keys holds the image signing key material.
//
// The development key pair is embedded so a freshly built device simulator
// and host tool agree out of the box. Production devices are configured
// with their own public key file.
package keys

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	_ "embed"
	"encoding/pem"
	"fmt"
	"os"
)

//go:embed dev-ecdsa-p256-pub.der
var devPublicKeyDER []byte

//go:embed dev-ecdsa-p256.pem
var devPrivateKeyPEM []byte

// DevPublicKey returns the DER-encoded development public key
func DevPublicKey() []byte {
	return bytes.Clone(devPublicKeyDER)
}

// DevPrivateKeyPEM returns the PEM-encoded development private key
func DevPrivateKeyPEM() []byte {
	return bytes.Clone(devPrivateKeyPEM)
}

// Generate creates a new P-256 signing key
func Generate() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate P-256 key: %w", err)
	}
	return key, nil
}

// ParsePrivateKey decodes a PEM private key in PKCS#8 or SEC 1 form
func ParsePrivateKey(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key")
	}

	switch block.Type {
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 key: %w", err)
		}
		ek, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, want ECDSA", k)
		}
		return checkCurve(ek)
	case "EC PRIVATE KEY":
		ek, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC key: %w", err)
		}
		return checkCurve(ek)
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

func checkCurve(k *ecdsa.PrivateKey) (*ecdsa.PrivateKey, error) {
	if k.Curve != elliptic.P256() {
		return nil, fmt.Errorf("key curve is %s, want P-256", k.Curve.Params().Name)
	}
	return k, nil
}

// EncodePrivateKey returns key as a PKCS#8 PEM block
func EncodePrivateKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// MarshalPublicKey returns the DER SubjectPublicKeyInfo for pub
func MarshalPublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return der, nil
}

// KeyHash returns the SHA-256 of a DER public key, as stored in the image trailer
func KeyHash(pubDER []byte) [sha256.Size]byte {
	return sha256.Sum256(pubDER)
}

// LoadPublicKeyFile reads a public key in PEM or DER form and returns the DER bytes
func LoadPublicKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "PUBLIC KEY" {
			return nil, fmt.Errorf("unsupported PEM block %q in %s", block.Type, path)
		}
		return block.Bytes, nil
	}
	return data, nil
}

// EncodePublicKey returns a DER public key as a PEM block
func EncodePublicKey(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}
