package auth

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// User is the identity-store record. PasswordHash never leaves this package
// in a response; use Summary for anything client-facing.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type NewUser struct {
	Username     string
	Email        string
	PasswordHash string
	Role         Role
}

type UserSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
}

func (u User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Username: u.Username, Email: u.Email, Role: u.Role}
}

// Identity is the set of claims carried by an access token.
type Identity struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
}

// Session is what login and refresh hand back to the client.
type Session struct {
	AccessToken  string      `json:"token"`
	RefreshToken string      `json:"refreshToken"`
	ExpiresIn    int64       `json:"expiresIn"`
	User         UserSummary `json:"user"`
}

// RefreshToken is one ledger row. Secret holds the plaintext bearer value and
// is only populated on the record returned by Ledger.Create; storage keeps the
// SHA-256 of it in SecretHash.
type RefreshToken struct {
	ID          string
	UserID      string
	ChainID     string
	SecretHash  string
	Secret      string
	CreatedByIP string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RevokedAt   *time.Time
	ReplacedBy  *string
}

type NewRefreshToken struct {
	UserID      string
	ChainID     string
	CreatedByIP string
}

func (t RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t RefreshToken) IsActive(now time.Time) bool {
	return t.RevokedAt == nil && !t.IsExpired(now)
}

// Rotated reports whether the token was retired by a successful refresh, as
// opposed to an explicit revocation.
func (t RefreshToken) Rotated() bool {
	return t.RevokedAt != nil && t.ReplacedBy != nil
}
