package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// fixedClock returns a clock pinned to t that tests can move.
type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

func newTestCodec(t *testing.T, clock *fixedClock) *Codec {
	t.Helper()
	key, err := NewHMACKey([]byte(testSecret))
	if err != nil {
		t.Fatalf("NewHMACKey: %v", err)
	}
	return NewCodec(key, "test-issuer", "test-audience", WithClock(clock.Now))
}

// pemPair marshals signer and its public key to PKCS8/PKIX PEM strings.
func pemPair(t *testing.T, signer crypto.Signer) (string, string) {
	t.Helper()
	privDER, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	priv := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pub := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return string(priv), string(pub)
}

func newRSASigner(t *testing.T) crypto.Signer {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return k
}

func newECSigner(t *testing.T, curve elliptic.Curve) crypto.Signer {
	t.Helper()
	k, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	return k
}
