package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Logger is the subset of observability.Logger the service writes to.
type Logger interface {
	Info(message string, fields map[string]any)
	Warn(message string, fields map[string]any)
	Error(message string, fields map[string]any)
}

// Recorder receives one event per authentication outcome.
type Recorder interface {
	AuthEvent(operation, outcome string)
}

type nopLogger struct{}

func (nopLogger) Info(string, map[string]any)  {}
func (nopLogger) Warn(string, map[string]any)  {}
func (nopLogger) Error(string, map[string]any) {}

type nopRecorder struct{}

func (nopRecorder) AuthEvent(string, string) {}

// Service is the rotation engine: it runs login, refresh and revocation
// against the ledger, the identity store and the token issuer.
type Service struct {
	users  UserStore
	ledger Ledger
	hasher *PasswordHasher
	issuer *TokenIssuer

	now                func() time.Time
	revokeChainOnReuse bool
	logger             Logger
	recorder           Recorder
}

func NewService(users UserStore, ledger Ledger, hasher *PasswordHasher, issuer *TokenIssuer) *Service {
	return &Service{
		users:    users,
		ledger:   ledger,
		hasher:   hasher,
		issuer:   issuer,
		now:      time.Now,
		logger:   nopLogger{},
		recorder: nopRecorder{},
	}
}

func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) WithObservability(logger Logger, recorder Recorder) {
	if logger != nil {
		s.logger = logger
	}
	if recorder != nil {
		s.recorder = recorder
	}
}

// WithReuseChainRevocation makes a replayed rotated token revoke every active
// token of its chain. Off by default.
func (s *Service) WithReuseChainRevocation(enabled bool) {
	s.revokeChainOnReuse = enabled
}

func (s *Service) Register(ctx context.Context, username, email, password string) (UserSummary, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return UserSummary{}, err
	}

	user, err := s.users.Create(ctx, s.now(), NewUser{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         RoleUser,
	})
	if err != nil {
		s.recorder.AuthEvent("register", outcomeOf(err))
		return UserSummary{}, err
	}

	s.recorder.AuthEvent("register", "success")
	return user.Summary(), nil
}

func (s *Service) Login(ctx context.Context, email, password, clientIP string) (Session, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.hasher.VerifyDummy(password)
			s.recorder.AuthEvent("login", "invalid_credentials")
			return Session{}, ErrInvalidCredentials
		}
		s.recorder.AuthEvent("login", "error")
		return Session{}, err
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		s.recorder.AuthEvent("login", "invalid_credentials")
		return Session{}, ErrInvalidCredentials
	}

	access, err := s.issuer.Issue(identityOf(user))
	if err != nil {
		s.recorder.AuthEvent("login", "error")
		return Session{}, err
	}

	refresh, err := s.ledger.Create(ctx, s.now(), NewRefreshToken{UserID: user.ID, CreatedByIP: clientIP})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.recorder.AuthEvent("login", "invalid_credentials")
			return Session{}, ErrInvalidCredentials
		}
		s.recorder.AuthEvent("login", "error")
		return Session{}, err
	}

	s.recorder.AuthEvent("login", "success")
	return s.session(access, refresh.Secret, user), nil
}

// Refresh exchanges an active refresh secret for a new pair. The presented
// token is retired with a conditional write after its successor exists; if
// another request retired it first, the successor is revoked again and the
// caller gets ErrInvalidRefreshToken.
func (s *Service) Refresh(ctx context.Context, secret, clientIP string) (Session, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		s.recorder.AuthEvent("refresh", "invalid")
		return Session{}, ErrInvalidRefreshToken
	}

	now := s.now()
	current, err := s.ledger.FindBySecret(ctx, secret)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			s.recorder.AuthEvent("refresh", "invalid")
			return Session{}, ErrInvalidRefreshToken
		}
		s.recorder.AuthEvent("refresh", "error")
		return Session{}, err
	}

	if !current.IsActive(now) {
		if current.Rotated() {
			s.handleReuse(ctx, now, current, clientIP)
		}
		s.recorder.AuthEvent("refresh", "invalid")
		return Session{}, ErrInvalidRefreshToken
	}

	user, err := s.users.GetByID(ctx, current.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.recorder.AuthEvent("refresh", "user_not_found")
			return Session{}, ErrUserNotFound
		}
		s.recorder.AuthEvent("refresh", "error")
		return Session{}, err
	}

	successor, err := s.ledger.Create(ctx, now, NewRefreshToken{
		UserID:      user.ID,
		ChainID:     current.ChainID,
		CreatedByIP: clientIP,
	})
	if err != nil {
		// The owner was deleted after GetByID.
		if errors.Is(err, ErrUserNotFound) {
			s.recorder.AuthEvent("refresh", "user_not_found")
			return Session{}, ErrUserNotFound
		}
		s.recorder.AuthEvent("refresh", "error")
		return Session{}, err
	}

	if err := s.ledger.Revoke(ctx, now, current.ID, successor.ID); err != nil {
		if errors.Is(err, ErrRefreshTokenInactive) {
			s.discardSuccessor(ctx, now, successor)
			s.recorder.AuthEvent("refresh", "lost_race")
			return Session{}, ErrInvalidRefreshToken
		}
		s.recorder.AuthEvent("refresh", "error")
		return Session{}, err
	}

	access, err := s.issuer.Issue(identityOf(user))
	if err != nil {
		s.recorder.AuthEvent("refresh", "error")
		return Session{}, err
	}

	s.recorder.AuthEvent("refresh", "success")
	return s.session(access, successor.Secret, user), nil
}

// Logout explicitly revokes one active refresh token. replacedBy stays unset.
func (s *Service) Logout(ctx context.Context, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ErrInvalidRefreshToken
	}

	now := s.now()
	current, err := s.ledger.FindBySecret(ctx, secret)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			s.recorder.AuthEvent("logout", "invalid")
			return ErrInvalidRefreshToken
		}
		s.recorder.AuthEvent("logout", "error")
		return err
	}
	if !current.IsActive(now) {
		s.recorder.AuthEvent("logout", "invalid")
		return ErrInvalidRefreshToken
	}

	if err := s.ledger.Revoke(ctx, now, current.ID, ""); err != nil {
		if errors.Is(err, ErrRefreshTokenInactive) {
			s.recorder.AuthEvent("logout", "invalid")
			return ErrInvalidRefreshToken
		}
		s.recorder.AuthEvent("logout", "error")
		return err
	}

	s.recorder.AuthEvent("logout", "success")
	return nil
}

// ChangePassword replaces the caller's credential hash and revokes every
// refresh token the user holds. Access tokens already issued stay valid until
// they expire.
func (s *Service) ChangePassword(ctx context.Context, userID, newPassword string) error {
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		s.recorder.AuthEvent("change_password", "error")
		return err
	}

	if err := s.users.UpdatePasswordHash(ctx, s.now(), userID, hash); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.recorder.AuthEvent("change_password", "user_not_found")
			return ErrUserNotFound
		}
		s.recorder.AuthEvent("change_password", "error")
		return err
	}

	if err := s.RevokeAll(ctx, userID); err != nil {
		s.recorder.AuthEvent("change_password", "error")
		return err
	}

	s.recorder.AuthEvent("change_password", "success")
	s.logger.Info("password_changed", map[string]any{"user_id": userID})
	return nil
}

func (s *Service) ListUsers(ctx context.Context) ([]UserSummary, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]UserSummary, 0, len(users))
	for _, user := range users {
		summaries = append(summaries, user.Summary())
	}
	return summaries, nil
}

func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	if err := s.ledger.DeleteAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("revoke all refresh tokens: %w", err)
	}
	return nil
}

// DeleteUser removes the account and then purges its refresh tokens. The
// purge is best-effort: a refresh for a deleted owner already fails with
// ErrUserNotFound.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	if err := s.users.Delete(ctx, userID); err != nil {
		return err
	}

	if err := s.RevokeAll(ctx, userID); err != nil {
		s.logger.Error("revoke_all_after_delete_failed", map[string]any{"user_id": userID, "error": err.Error()})
	}
	s.logger.Info("user_deleted", map[string]any{"user_id": userID})
	return nil
}

func (s *Service) VerifyAccessToken(token string) (Identity, error) {
	return s.issuer.Verify(token)
}

// PurgeStaleTokens deletes expired tokens and tokens revoked longer ago than
// retention.
func (s *Service) PurgeStaleTokens(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	now := s.now().UTC()
	return s.ledger.DeleteStale(ctx, now, now.Add(-retention), batchSize)
}

// BootstrapAdmin makes sure an admin account exists for email. An existing
// account only gets its password hash replaced.
func (s *Service) BootstrapAdmin(ctx context.Context, username, email, password string) error {
	email = normalizeEmail(email)
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)

	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}
	if username == "" {
		username = strings.SplitN(email, "@", 2)[0]
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}

	existing, err := s.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if existing.Role != RoleAdmin {
			s.logger.Warn("bootstrap_admin_not_admin", map[string]any{"user_id": existing.ID})
		}
		return s.users.UpdatePasswordHash(ctx, s.now(), existing.ID, hash)
	case errors.Is(err, ErrUserNotFound):
		_, err := s.users.Create(ctx, s.now(), NewUser{
			Username:     username,
			Email:        email,
			PasswordHash: hash,
			Role:         RoleAdmin,
		})
		return err
	default:
		return err
	}
}

func (s *Service) handleReuse(ctx context.Context, now time.Time, token RefreshToken, clientIP string) {
	fields := map[string]any{
		"user_id":  token.UserID,
		"chain_id": token.ChainID,
		"ip":       clientIP,
	}
	s.recorder.AuthEvent("refresh", "reuse_detected")

	if !s.revokeChainOnReuse {
		s.logger.Warn("refresh_token_reuse_detected", fields)
		return
	}

	revoked, err := s.ledger.RevokeChain(ctx, now, token.ChainID)
	if err != nil {
		fields["error"] = err.Error()
		s.logger.Error("refresh_chain_revoke_failed", fields)
		return
	}
	fields["revoked"] = revoked
	s.logger.Warn("refresh_token_reuse_detected", fields)
}

func (s *Service) discardSuccessor(ctx context.Context, now time.Time, successor RefreshToken) {
	if err := s.ledger.Revoke(context.WithoutCancel(ctx), now, successor.ID, ""); err != nil {
		s.logger.Error("discard_refresh_successor_failed", map[string]any{
			"user_id":  successor.UserID,
			"chain_id": successor.ChainID,
			"error":    err.Error(),
		})
	}
}

func (s *Service) session(access, refresh string, user User) Session {
	return Session{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.issuer.TTL().Seconds()),
		User:         user.Summary(),
	}
}

func identityOf(user User) Identity {
	return Identity{UserID: user.ID, Email: user.Email, Role: user.Role}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrEmailTaken):
		return "conflict"
	default:
		return "error"
	}
}
