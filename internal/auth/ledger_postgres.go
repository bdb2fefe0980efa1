package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PostgresLedger struct {
	db  *sql.DB
	ttl time.Duration
}

func NewPostgresLedger(db *sql.DB, ttl time.Duration) *PostgresLedger {
	if ttl == 0 {
		ttl = DefaultRefreshTTL
	}
	return &PostgresLedger{db: db, ttl: ttl}
}

func (r *PostgresLedger) Create(ctx context.Context, now time.Time, in NewRefreshToken) (RefreshToken, error) {
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
		ExpiresAt:   now.Add(r.ttl),
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, chain_id, token_hash, created_by_ip, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, record.ID, record.UserID, record.ChainID, record.SecretHash, nullIfEmpty(record.CreatedByIP), record.CreatedAt, record.ExpiresAt)
	if err != nil {
		if hasPgCode(err, pgForeignKeyViolation) {
			return RefreshToken{}, ErrUserNotFound
		}
		return RefreshToken{}, fmt.Errorf("insert refresh token: %w", err)
	}

	record.Secret = secret
	return record, nil
}

func (r *PostgresLedger) FindBySecret(ctx context.Context, secret string) (RefreshToken, error) {
	hash := hashSecret(secret)

	var (
		record     RefreshToken
		createdBy  sql.NullString
		revokedAt  sql.NullTime
		replacedBy sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, chain_id, token_hash, created_by_ip, created_at, expires_at, revoked_at, replaced_by
		FROM auth_refresh_tokens
		WHERE token_hash = $1
	`, hash).Scan(
		&record.ID,
		&record.UserID,
		&record.ChainID,
		&record.SecretHash,
		&createdBy,
		&record.CreatedAt,
		&record.ExpiresAt,
		&revokedAt,
		&replacedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshToken{}, ErrRefreshTokenNotFound
		}
		return RefreshToken{}, fmt.Errorf("read refresh token: %w", err)
	}
	if !secretHashEqual(record.SecretHash, hash) {
		return RefreshToken{}, ErrRefreshTokenNotFound
	}

	record.CreatedByIP = createdBy.String
	record.CreatedAt = record.CreatedAt.UTC()
	record.ExpiresAt = record.ExpiresAt.UTC()
	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		record.RevokedAt = &value
	}
	if replacedBy.Valid {
		value := replacedBy.String
		record.ReplacedBy = &value
	}

	return record, nil
}

func (r *PostgresLedger) Revoke(ctx context.Context, now time.Time, id string, successorID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2, replaced_by = $3
		WHERE id = $1 AND revoked_at IS NULL AND expires_at > $2
	`, id, now.UTC(), nullIfEmpty(successorID))
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke refresh token rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRefreshTokenInactive
	}

	return nil
}

func (r *PostgresLedger) RevokeChain(ctx context.Context, now time.Time, chainID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2
		WHERE chain_id = $1 AND revoked_at IS NULL
	`, chainID, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke refresh token chain: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke refresh token chain rows affected: %w", err)
	}

	return affected, nil
}

func (r *PostgresLedger) DeleteAllForUser(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM auth_refresh_tokens
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("delete refresh tokens for user: %w", err)
	}

	return nil
}

func (r *PostgresLedger) DeleteStale(ctx context.Context, expiredBefore, revokedBefore time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_tokens
			WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $2)
			ORDER BY created_at ASC
			LIMIT $3
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, expiredBefore.UTC(), revokedBefore.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale refresh tokens rows affected: %w", err)
	}

	return affected, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
