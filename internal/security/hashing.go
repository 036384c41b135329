package security

import (
	"crypto/rand"

	"golang.org/x/crypto/bcrypt"
)

// Hasher hashes and verifies passwords using bcrypt. Callers must not log or
// persist plaintext passwords.
type Hasher struct {
	Cost int

	// dummy is a hash of random bytes at Cost, compared against when no real hash exists.
	dummy []byte
}

// NewHasher returns a Hasher with the given bcrypt cost, clamped to 4–31.
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	h := &Hasher{Cost: cost}
	filler := make([]byte, 32)
	_, _ = rand.Read(filler)
	h.dummy, _ = bcrypt.GenerateFromPassword(filler, cost)
	return h
}

// Hash produces a bcrypt hash of password suitable for storage.
func (h *Hasher) Hash(password []byte) (string, error) {
	b, err := bcrypt.GenerateFromPassword(password, h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify reports whether password matches hash. An empty hash (unknown or disabled
// account) still pays for a full bcrypt comparison so both paths take the same time.
func (h *Hasher) Verify(hash string, password []byte) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(h.dummy, password)
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), password) == nil
}
