package password

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const DefaultCost = 12

type Hasher struct {
	cost int
}

func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	return &Hasher{cost: cost}
}

func (h *Hasher) Hash(raw string) (string, error) {
	if raw == "" {
		return "", ErrEmpty
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", ErrTooLong
		}
		return "", fmt.Errorf("hash password: %w", err)
	}

	return string(hash), nil
}

// Verify reports whether raw matches hash. A malformed hash never matches.
func (h *Hasher) Verify(raw, hash string) bool {
	if raw == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}

// Dummy returns a hash of a random secret at the hasher's cost. Comparing against
// it burns the same time as a real verification when the account does not exist.
func (h *Hasher) Dummy() string {
	hash, err := bcrypt.GenerateFromPassword([]byte("peerhub-dummy-credential"), h.cost)
	if err != nil {
		return ""
	}
	return string(hash)
}
