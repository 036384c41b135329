package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidKey is returned when PEM, key type, or secret is invalid.
var ErrInvalidKey = errors.New("invalid key")

// minHMACSecretLen is the shortest HS256 secret accepted (256 bits).
const minHMACSecretLen = 32

// SigningKey is the process-wide key material for session tokens. It is built once at
// startup and never mutated.
type SigningKey struct {
	method jwt.SigningMethod
	sign   interface{}
	verify interface{}
}

// NewHMACKey returns an HS256 key. The secret must be at least 32 bytes.
func NewHMACKey(secret []byte) (SigningKey, error) {
	if len(secret) < minHMACSecretLen {
		return SigningKey{}, ErrInvalidKey
	}
	b := make([]byte, len(secret))
	copy(b, secret)
	return SigningKey{method: jwt.SigningMethodHS256, sign: b, verify: b}, nil
}

// NewAsymmetricKey returns an RS256 or ES256 key from a private/public pair of the same type.
func NewAsymmetricKey(priv crypto.Signer, pub crypto.PublicKey) (SigningKey, error) {
	if priv == nil || pub == nil {
		return SigningKey{}, ErrInvalidKey
	}
	switch p := pub.(type) {
	case *rsa.PublicKey:
		if _, ok := priv.Public().(*rsa.PublicKey); !ok {
			return SigningKey{}, ErrInvalidKey
		}
		return SigningKey{method: jwt.SigningMethodRS256, sign: priv, verify: p}, nil
	case *ecdsa.PublicKey:
		privPub, ok := priv.Public().(*ecdsa.PublicKey)
		if !ok || p.Curve != elliptic.P256() || privPub.Curve != elliptic.P256() {
			return SigningKey{}, ErrInvalidKey
		}
		return SigningKey{method: jwt.SigningMethodES256, sign: priv, verify: p}, nil
	default:
		return SigningKey{}, ErrInvalidKey
	}
}

// LoadSigningKey picks the key source from configuration: an asymmetric PEM pair when
// privatePEM is set, otherwise the HS256 secret.
func LoadSigningKey(secret, privatePEM, publicPEM string) (SigningKey, error) {
	if strings.TrimSpace(privatePEM) != "" {
		priv, err := ParsePrivateKey(privatePEM)
		if err != nil {
			return SigningKey{}, err
		}
		pub, err := ParsePublicKey(publicPEM)
		if err != nil {
			return SigningKey{}, err
		}
		return NewAsymmetricKey(priv, pub)
	}
	return NewHMACKey([]byte(secret))
}

// LoadPEM reads content from path if s does not look like inline PEM; otherwise returns s as bytes.
func LoadPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(s), nil
	}
	return os.ReadFile(s)
}

// ParsePrivateKey parses a PEM-encoded private key (RSA or ECDSA). s may be inline PEM or a file path.
func ParsePrivateKey(s string) (crypto.Signer, error) {
	block, err := decodePEM(s)
	if err != nil {
		return nil, err
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, ErrInvalidKey
		}
		return signer, nil
	default:
		return nil, ErrInvalidKey
	}
}

// ParsePublicKey parses a PEM-encoded public key (RSA or ECDSA). s may be inline PEM or a file path.
func ParsePublicKey(s string) (crypto.PublicKey, error) {
	block, err := decodePEM(s)
	if err != nil {
		return nil, err
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	default:
		return nil, ErrInvalidKey
	}
}

func decodePEM(s string) (*pem.Block, error) {
	pemBytes, err := LoadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidKey
	}
	return block, nil
}
