package auth

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const DefaultBcryptCost = 10

type PasswordHasher struct {
	cost int

	dummyOnce sync.Once
	dummy     []byte
}

func NewPasswordHasher(cost int) (*PasswordHasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &PasswordHasher{cost: cost}, nil
}

func (h *PasswordHasher) Hash(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Verify never returns an error: a malformed hash is a mismatch.
func (h *PasswordHasher) Verify(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// VerifyDummy burns the same work as Verify against a throwaway hash so that
// a lookup miss costs about as much as a password mismatch.
func (h *PasswordHasher) VerifyDummy(plain string) {
	h.dummyOnce.Do(func() {
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), h.cost)
	})
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(plain))
}
