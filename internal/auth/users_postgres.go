package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgInvalidTextEncoding = "22P02"
)

type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

func (r *PostgresUserStore) GetByEmail(ctx context.Context, email string) (User, error) {
	return r.getOne(ctx, `
		SELECT id, username, email, password_hash, role, created_at, updated_at
		FROM users
		WHERE email = $1
	`, normalizeEmail(email))
}

func (r *PostgresUserStore) GetByID(ctx context.Context, id string) (User, error) {
	return r.getOne(ctx, `
		SELECT id, username, email, password_hash, role, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id)
}

func (r *PostgresUserStore) getOne(ctx context.Context, query string, arg string) (User, error) {
	var user User
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || hasPgCode(err, pgInvalidTextEncoding) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}

	return user, nil
}

func (r *PostgresUserStore) Create(ctx context.Context, now time.Time, in NewUser) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now = now.UTC()
	user := User{
		ID:           id.String(),
		Username:     strings.TrimSpace(in.Username),
		Email:        normalizeEmail(in.Email),
		PasswordHash: in.PasswordHash,
		Role:         in.Role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, user.ID, user.Username, user.Email, user.PasswordHash, string(user.Role), now)
	if err != nil {
		if hasPgCode(err, pgUniqueViolation) {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return user, nil
}

func (r *PostgresUserStore) UpdatePasswordHash(ctx context.Context, now time.Time, id string, hash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, id, hash, now.UTC())
	if err != nil {
		if hasPgCode(err, pgInvalidTextEncoding) {
			return ErrUserNotFound
		}
		return fmt.Errorf("update password hash: %w", err)
	}
	return requireAffected(res)
}

// Delete removes the user; auth_refresh_tokens rows go with it through the
// ON DELETE CASCADE foreign key.
func (r *PostgresUserStore) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		if hasPgCode(err, pgInvalidTextEncoding) {
			return ErrUserNotFound
		}
		return fmt.Errorf("delete user: %w", err)
	}
	return requireAffected(res)
}

func (r *PostgresUserStore) List(ctx context.Context) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, username, email, password_hash, role, created_at, updated_at
		FROM users
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(
			&user.ID,
			&user.Username,
			&user.Email,
			&user.PasswordHash,
			&user.Role,
			&user.CreatedAt,
			&user.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	return users, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func hasPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
