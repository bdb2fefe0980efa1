package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is a process-local Ledger for development and tests.
type MemoryLedger struct {
	mu       sync.Mutex
	ttl      time.Duration
	byID     map[string]*RefreshToken
	idByHash map[string]string
}

func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	if ttl == 0 {
		ttl = DefaultRefreshTTL
	}
	return &MemoryLedger{
		ttl:      ttl,
		byID:     make(map[string]*RefreshToken),
		idByHash: make(map[string]string),
	}
}

func (l *MemoryLedger) Create(_ context.Context, now time.Time, in NewRefreshToken) (RefreshToken, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return RefreshToken{}, fmt.Errorf("generate refresh token id: %w", err)
	}
	secret, err := randomToken(refreshSecretBytes)
	if err != nil {
		return RefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}

	chainID := in.ChainID
	if chainID == "" {
		chainID = id.String()
	}

	now = now.UTC()
	record := RefreshToken{
		ID:          id.String(),
		UserID:      in.UserID,
		ChainID:     chainID,
		SecretHash:  hashSecret(secret),
		CreatedByIP: in.CreatedByIP,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.ttl),
	}

	l.mu.Lock()
	stored := record
	l.byID[record.ID] = &stored
	l.idByHash[record.SecretHash] = record.ID
	l.mu.Unlock()

	record.Secret = secret
	return record, nil
}

func (l *MemoryLedger) FindBySecret(_ context.Context, secret string) (RefreshToken, error) {
	hash := hashSecret(secret)

	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.idByHash[hash]
	if !ok {
		return RefreshToken{}, ErrRefreshTokenNotFound
	}
	record := l.byID[id]
	if !secretHashEqual(record.SecretHash, hash) {
		return RefreshToken{}, ErrRefreshTokenNotFound
	}
	return copyToken(record), nil
}

func (l *MemoryLedger) Revoke(_ context.Context, now time.Time, id string, successorID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.byID[id]
	if !ok || !record.IsActive(now) {
		return ErrRefreshTokenInactive
	}

	revokedAt := now.UTC()
	record.RevokedAt = &revokedAt
	if successorID != "" {
		successor := successorID
		record.ReplacedBy = &successor
	}
	return nil
}

func (l *MemoryLedger) RevokeChain(_ context.Context, now time.Time, chainID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var revoked int64
	for _, record := range l.byID {
		if record.ChainID != chainID || record.RevokedAt != nil {
			continue
		}
		revokedAt := now.UTC()
		record.RevokedAt = &revokedAt
		revoked++
	}
	return revoked, nil
}

func (l *MemoryLedger) DeleteAllForUser(_ context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, record := range l.byID {
		if record.UserID == userID {
			delete(l.idByHash, record.SecretHash)
			delete(l.byID, id)
		}
	}
	return nil
}

func (l *MemoryLedger) DeleteStale(_ context.Context, expiredBefore, revokedBefore time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stale := make([]*RefreshToken, 0)
	for _, record := range l.byID {
		if record.ExpiresAt.Before(expiredBefore) || (record.RevokedAt != nil && record.RevokedAt.Before(revokedBefore)) {
			stale = append(stale, record)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if len(stale) > batchSize {
		stale = stale[:batchSize]
	}

	for _, record := range stale {
		delete(l.idByHash, record.SecretHash)
		delete(l.byID, record.ID)
	}
	return int64(len(stale)), nil
}

// Chain returns every record sharing chainID, oldest first.
func (l *MemoryLedger) Chain(chainID string) []RefreshToken {
	l.mu.Lock()
	defer l.mu.Unlock()

	chain := make([]RefreshToken, 0)
	for _, record := range l.byID {
		if record.ChainID == chainID {
			chain = append(chain, copyToken(record))
		}
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].ID < chain[j].ID })
	return chain
}

func copyToken(record *RefreshToken) RefreshToken {
	out := *record
	if record.RevokedAt != nil {
		revokedAt := *record.RevokedAt
		out.RevokedAt = &revokedAt
	}
	if record.ReplacedBy != nil {
		replacedBy := *record.ReplacedBy
		out.ReplacedBy = &replacedBy
	}
	return out
}
