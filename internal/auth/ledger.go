package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"
)

const (
	DefaultRefreshTTL = 7 * 24 * time.Hour

	// 40 random bytes, hex encoded: 320 bits of entropy per secret.
	refreshSecretBytes = 40
)

// Ledger persists refresh-token records.
//
// Revoke is a conditional write: it only succeeds while the row is still
// active at now, and reports ErrRefreshTokenInactive when nothing matched.
// Create reports ErrUserNotFound when the owner no longer exists.
// That single write is what makes concurrent rotations of one token have
// exactly one winner.
type Ledger interface {
	Create(ctx context.Context, now time.Time, in NewRefreshToken) (RefreshToken, error)
	FindBySecret(ctx context.Context, secret string) (RefreshToken, error)
	Revoke(ctx context.Context, now time.Time, id string, successorID string) error
	RevokeChain(ctx context.Context, now time.Time, chainID string) (int64, error)
	DeleteAllForUser(ctx context.Context, userID string) error
	DeleteStale(ctx context.Context, expiredBefore, revokedBefore time.Time, batchSize int) (int64, error)
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secretHashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
