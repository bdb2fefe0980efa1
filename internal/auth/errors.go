package auth

import "errors"

var (
	// Returned for an unknown email and for a wrong password alike.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// Returned for an unknown, rotated, revoked or expired refresh secret.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email or username already registered")

	ErrExpiredToken     = errors.New("access token expired")
	ErrInvalidSignature = errors.New("access token invalid")

	// Ledger-level outcomes. The service folds both into ErrInvalidRefreshToken.
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenInactive = errors.New("refresh token not active")
)
