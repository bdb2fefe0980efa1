package auth

import (
	"context"
	"strings"
	"time"
)

// UserStore is the identity-store collaborator. Lookups of a missing user
// return ErrUserNotFound; Create returns ErrEmailTaken on a unique clash.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (User, error)
	GetByID(ctx context.Context, id string) (User, error)
	Create(ctx context.Context, now time.Time, in NewUser) (User, error)
	UpdatePasswordHash(ctx context.Context, now time.Time, id string, hash string) error
	Delete(ctx context.Context, id string) error
	// List returns every user, oldest first.
	List(ctx context.Context) ([]User, error)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
