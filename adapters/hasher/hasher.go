// Package hasher hashes account passwords behind ports.Hasher.
package hasher

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/leafwise/leafmeter/ports"
)

// Bcrypt derives password digests with bcrypt.
type Bcrypt struct {
	cost int
}

// NewBcrypt returns a bcrypt hasher. A cost outside bcrypt's valid
// range falls back to the library default.
func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost}
}

// Hash derives a digest of password.
func (h *Bcrypt) Hash(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), h.cost)
}

// Compare reports whether password matches digest.
func (h *Bcrypt) Compare(digest []byte, password string) bool {
	return bcrypt.CompareHashAndPassword(digest, []byte(password)) == nil
}

// Fake stores passwords verbatim so auth tests stay fast. Never wire
// it outside tests.
type Fake struct{}

func (Fake) Hash(password string) ([]byte, error) {
	return []byte(password), nil
}

func (Fake) Compare(digest []byte, password string) bool {
	return string(digest) == password
}

// Ensure interface compliance.
var (
	_ ports.Hasher = (*Bcrypt)(nil)
	_ ports.Hasher = Fake{}
)
