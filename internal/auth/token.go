package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultAccessTTL = 4 * time.Hour

	accessTokenType = "access"
)

type accessClaims struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
	Type   string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies stateless HS256 access tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("access token signing secret is empty")
	}
	if ttl <= 0 {
		ttl = DefaultAccessTTL
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &TokenIssuer{secret: key, ttl: ttl, now: time.Now}, nil
}

func (i *TokenIssuer) WithClock(now func() time.Time) {
	if now != nil {
		i.now = now
	}
}

func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

func (i *TokenIssuer) Issue(id Identity) (string, error) {
	now := i.now().UTC()
	claims := accessClaims{
		UserID: id.UserID,
		Email:  id.Email,
		Role:   id.Role,
		Type:   accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return encoded, nil
}

// Verify returns ErrExpiredToken for a well-signed token past its expiry and
// ErrInvalidSignature for anything else that fails to validate.
func (i *TokenIssuer) Verify(tokenString string) (Identity, error) {
	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidSignature
	}
	if !token.Valid || claims.Type != accessTokenType || claims.UserID == "" {
		return Identity{}, ErrInvalidSignature
	}

	return Identity{UserID: claims.UserID, Email: claims.Email, Role: claims.Role}, nil
}
