package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordedEvent struct {
	operation string
	outcome   string
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *fakeRecorder) AuthEvent(operation, outcome string) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{operation, outcome})
	r.mu.Unlock()
}

func (r *fakeRecorder) count(operation, outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.operation == operation && e.outcome == outcome {
			n++
		}
	}
	return n
}

type loggedEntry struct {
	level   string
	message string
	fields  map[string]any
}

type fakeLogger struct {
	mu      sync.Mutex
	entries []loggedEntry
}

func (l *fakeLogger) log(level, message string, fields map[string]any) {
	l.mu.Lock()
	l.entries = append(l.entries, loggedEntry{level, message, fields})
	l.mu.Unlock()
}

func (l *fakeLogger) Info(message string, fields map[string]any)  { l.log("info", message, fields) }
func (l *fakeLogger) Warn(message string, fields map[string]any)  { l.log("warn", message, fields) }
func (l *fakeLogger) Error(message string, fields map[string]any) { l.log("error", message, fields) }

func (l *fakeLogger) find(message string) (loggedEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.message == message {
			return e, true
		}
	}
	return loggedEntry{}, false
}

type serviceFixture struct {
	service  *Service
	users    *MemoryUserStore
	ledger   *MemoryLedger
	clock    *fakeClock
	logger   *fakeLogger
	recorder *fakeRecorder
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	clock := newFakeClock()
	hasher, err := NewPasswordHasher(bcrypt.MinCost)
	require.NoError(t, err)
	issuer := newTestIssuer(t, clock)

	users := NewMemoryUserStore()
	ledger := NewMemoryLedger(DefaultRefreshTTL)
	logger := &fakeLogger{}
	recorder := &fakeRecorder{}

	service := NewService(users, ledger, hasher, issuer)
	service.WithClock(clock.Now)
	service.WithObservability(logger, recorder)

	return &serviceFixture{
		service:  service,
		users:    users,
		ledger:   ledger,
		clock:    clock,
		logger:   logger,
		recorder: recorder,
	}
}

func (f *serviceFixture) register(t *testing.T, email, password string) UserSummary {
	t.Helper()
	user, err := f.service.Register(context.Background(), strings.SplitN(email, "@", 2)[0], email, password)
	require.NoError(t, err)
	return user
}

func (f *serviceFixture) findToken(t *testing.T, secret string) RefreshToken {
	t.Helper()
	record, err := f.ledger.FindBySecret(context.Background(), secret)
	require.NoError(t, err)
	return record
}

func TestService_Register(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	user, err := f.service.Register(ctx, "alice", " Alice@Example.com ", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, RoleUser, user.Role)
	assert.NotEmpty(t, user.ID)

	stored, err := f.users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "secret1", stored.PasswordHash)

	_, err = f.service.Register(ctx, "alice2", "alice@example.com", "secret1")
	require.ErrorIs(t, err, ErrEmailTaken)
	assert.Equal(t, 1, f.recorder.count("register", "conflict"))
}

func TestService_LoginIssuesPair(t *testing.T) {
	f := newServiceFixture(t)
	user := f.register(t, "a@x.io", "pw123456")

	session, err := f.service.Login(context.Background(), "a@x.io", "pw123456", "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, session.AccessToken)
	assert.Len(t, session.RefreshToken, refreshSecretBytes*2)
	assert.Equal(t, user, session.User)
	assert.Equal(t, int64(DefaultAccessTTL.Seconds()), session.ExpiresIn)

	identity, err := f.service.VerifyAccessToken(session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: user.ID, Email: "a@x.io", Role: RoleUser}, identity)

	record := f.findToken(t, session.RefreshToken)
	assert.Equal(t, user.ID, record.UserID)
	assert.Equal(t, record.ID, record.ChainID)
	assert.Equal(t, "10.0.0.1", record.CreatedByIP)
	assert.Equal(t, f.clock.Now().Add(DefaultRefreshTTL), record.ExpiresAt)
	assert.True(t, record.IsActive(f.clock.Now()))
	assert.NotEqual(t, session.RefreshToken, record.SecretHash)
}

func TestService_LoginFailuresAreIndistinguishable(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "a@x.io", "pw123456")
	ctx := context.Background()

	_, errUnknown := f.service.Login(ctx, "nobody@x.io", "pw123456", "")
	_, errWrong := f.service.Login(ctx, "a@x.io", "wrong-password", "")

	require.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	require.ErrorIs(t, errWrong, ErrInvalidCredentials)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
	assert.Equal(t, 2, f.recorder.count("login", "invalid_credentials"))
}

func TestService_LoginFailureCreatesNoRefreshToken(t *testing.T) {
	f := newServiceFixture(t)
	user := f.register(t, "a@x.io", "pw123456")

	_, err := f.service.Login(context.Background(), "a@x.io", "nope", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	f.ledger.mu.Lock()
	defer f.ledger.mu.Unlock()
	for _, record := range f.ledger.byID {
		assert.NotEqual(t, user.ID, record.UserID)
	}
}

func TestService_RotationScenario(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "a@x.io", "pw123456")
	ctx := context.Background()

	login, err := f.service.Login(ctx, "a@x.io", "pw123456", "1.1.1.1")
	require.NoError(t, err)
	r0 := login.RefreshToken

	first, err := f.service.Refresh(ctx, r0, "2.2.2.2")
	require.NoError(t, err)
	r1 := first.RefreshToken
	assert.NotEqual(t, r0, r1)

	_, err = f.service.Refresh(ctx, r0, "3.3.3.3")
	require.ErrorIs(t, err, ErrInvalidRefreshToken)

	second, err := f.service.Refresh(ctx, r1, "2.2.2.2")
	require.NoError(t, err)
	r2 := second.RefreshToken

	rec0 := f.findToken(t, r0)
	rec1 := f.findToken(t, r1)
	rec2 := f.findToken(t, r2)

	require.NotNil(t, rec0.ReplacedBy)
	require.NotNil(t, rec1.ReplacedBy)
	assert.Equal(t, rec1.ID, *rec0.ReplacedBy)
	assert.Equal(t, rec2.ID, *rec1.ReplacedBy)
	assert.Nil(t, rec2.ReplacedBy)
	assert.Nil(t, rec2.RevokedAt)

	assert.Equal(t, rec0.ChainID, rec1.ChainID)
	assert.Equal(t, rec0.ChainID, rec2.ChainID)
	assert.Equal(t, "2.2.2.2", rec1.CreatedByIP)

	chain := f.ledger.Chain(rec0.ChainID)
	require.Len(t, chain, 3)
	active := 0
	for _, record := range chain {
		if record.IsActive(f.clock.Now()) {
			active++
		}
	}
	assert.Equal(t, 1, active)

	_, err = f.service.VerifyAccessToken(second.AccessToken)
	require.NoError(t, err)
}

func TestService_RefreshUnknownAndEmpty(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.Refresh(ctx, "", "")
	require.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = f.service.Refresh(ctx, "deadbeef", "")
	require.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestService_RefreshExpired(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "a@x.io", "pw123456")
	ctx := context.Background()

	login, err := f.service.Login(ctx, "a@x.io", "pw123456", "")
	require.NoError(t, err)

	f.clock.Advance(DefaultRefreshTTL)

	_, err = f.service.Refresh(ctx, login.RefreshToken, "")
	require.ErrorIs(t, err, ErrInvalidRefreshToken)

	record := f.findToken(t, login.RefreshToken)
	assert.Nil(t, record.RevokedAt)
	assert.Nil(t, record.ReplacedBy)
}

func TestService_RefreshJustBeforeExpiry(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "a@x.io", "pw123456")
	ctx := context.Background()

	login, err := f.service.Login(ctx, "a@x.io", "pw123456", "")
	require.NoError(t, err)

	f.clock.Advance(DefaultRefreshTTL - time.Second)

	session, err := f.service.Refresh(ctx, login.RefreshToken, "")
	require.NoError(t, err)

	successor := f.findToken(t, session.RefreshToken)
	assert.Equal(t, f.clock.Now().Add(DefaultRefreshTTL), successor.ExpiresAt)
}

func TestService_RefreshDeletedUser(t *testing.T) {
	f := newServiceFixture(t)
	user := f.register(t, "a@x.io", "pw123456")
	ctx := context.Background()

	login, err := f.service.Login(ctx, "a@x.io", "pw123456", "")
	require.NoError(t, err)

	require.NoError(t, f.users.Delete(ctx, user.ID))

	_, err = f.service.Refresh(ctx, login.RefreshToken, "")
	require.ErrorIs(t, err, ErrUserNotFound)

	record := f.findToken(t, login.RefreshToken)
	assert.Nil(t, record.RevokedAt)
}

func TestService_AccessTokenSurvivesRevocation(t *testing.T) {
	f := newServiceFixture(t)
	user := f.register(t, "a@x.io", "pw123456")
	ctx := context.Background()

	login, err := f.service.Login(ctx, "a@x.io", "pw123456", "")
	require.NoError(t, err)

	require.NoError(t, f.service.RevokeAll(ctx, user.ID))

	_, err = f.service.Refresh(ctx, login.RefreshToken, "")
	require.ErrorIs(t, err, ErrInvalidRefreshToken)

	identity, err := f.service.VerifyAccessToken(login.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, identity.UserID)
}

func TestService_RevokeAllOnlyTouchesOwner(t *testing.T) {
	f := newServiceFixture(t)
	alice := f.register(t, "alice@x.io", "pw123456")
	f.register(t, "bob@x.io", "pw123456")
	ctx := context.Background()

	a1, err := f.service.Login(ctx, "alice@x.io", "pw123456", "")
	require.NoError(t, err)
	a2, err := f.service.Login(ctx, "alice@x.io", "pw123456", "")
	require.NoError(t, err)
	b1, err := f.service.Login(ctx, "bob@x.io", "pw123456", "")
	require.NoError(t, err)

	require.NoError(t, f.service.RevokeAll(ctx, alice.ID))

	_, err = f.service.Refresh(ctx, a1.RefreshToken, "")
	require.ErrorIs(t, err, ErrInvalidRefreshToken)
	_, err = f.service.Refresh(ctx, a2.RefreshToken, "")
	require.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = f.service.Refresh(ctx, b1.RefreshToken, "")
	require.NoError(t, err)

	require.NoError(t, f.service.RevokeAll(ctx, "no-such-user"))
}

func TestService_Logout(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "a@x.io", "pw123456")
	ctx := context.Background()

	login, err := f.service.Login(ctx, "a@x.io", "pw123456", "")
	require.NoError(t, err)

	require.NoError(t, f.service.Logout(ctx, login.RefreshToken))

	record := f.findToken(t, login.RefreshToken)
	require.NotNil(t, record.RevokedAt)
	assert.Nil(t, record.ReplacedBy)
	assert.False(t, record.Rotated())

	require.ErrorIs(t, f.service.Logout(ctx, login.RefreshToken), ErrInvalidRefreshToken)
	require.ErrorIs(t, f.service.Logout(ctx, "unknown"), ErrInvalidRefreshToken)

	_, err = f.service.Refresh(ctx, login.RefreshToken, "")
	require.ErrorIs(t, err, ErrInvalidRefreshToken)
	_, found := f.logger.find("refresh_token_reuse_detected")
	assert.False(t, found)
}

func TestService_DeleteUserCascades(t *testing.T) {
	f := newServiceFixture(t)
	user := f.register(t, "a@x.io", "pw123456")
	ctx := context.Background()

	login, err := f.service.Login(ctx, "a@x.io", "pw123456", "")
	require.NoError(t, err)

	require.NoError(t, f.service.DeleteUser(ctx, user.ID))

	_, err = f.ledger.FindBySecret(ctx, login.RefreshToken)
	require.ErrorIs(t, err, ErrRefreshTokenNotFound)

	_, err = f.service.Refresh(ctx, login.RefreshToken, "")
	require.ErrorIs(t, err, ErrInvalidRefreshToken)

	require.ErrorIs(t, f.service.DeleteUser(ctx, user.ID), ErrUserNotFound)
}

func TestService_ConcurrentRefreshHasOneWinner(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "a@x.io", "pw123456")
	ctx := context.Background()

	login, err := f.service.Login(ctx, "a@x.io", "pw123456", "")
	require.NoError(t, err)

	const workers = 16
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		successes atomic.Int32
		winners   = make(chan string, workers)
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			session, err := f.service.Refresh(ctx, login.RefreshToken, "")
			if err == nil {
				successes.Add(1)
				winners <- session.RefreshToken
				return
			}
			assert.ErrorIs(t, err, ErrInvalidRefreshToken)
		}()
	}
	close(start)
	wg.Wait()
	close(winners)

	require.Equal(t, int32(1), successes.Load())
	winner := <-winners

	root := f.findToken(t, login.RefreshToken)
	chain := f.ledger.Chain(root.ChainID)
	active := make([]RefreshToken, 0, 1)
	for _, record := range chain {
		if record.IsActive(f.clock.Now()) {
			active = append(active, record)
		}
	}
	require.Len(t, active, 1)

	successor := f.findToken(t, winner)
	assert.Equal(t, successor.ID, active[0].ID)
	require.NotNil(t, root.ReplacedBy)
	assert.Equal(t, successor.ID, *root.ReplacedBy)
}

// raceLedger lets a competing rotation land between FindBySecret and Revoke.
type raceLedger struct {
	*MemoryLedger
	beforeRevoke func()
	once         sync.Once
}

func (l *raceLedger) Revoke(ctx context.Context, now time.Time, id string, successorID string) error {
	if successorID != "" {
		l.once.Do(l.beforeRevoke)
	}
	return l.MemoryLedger.Revoke(ctx, now, id, successorID)
}

func TestService_RefreshLosingRaceDiscardsSuccessor(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "a@x.io", "pw123456")
	ctx := context.Background()

	login, err := f.service.Login(ctx, "a@x.io", "pw123456", "")
	require.NoError(t, err)
	root := f.findToken(t, login.RefreshToken)

	ledger := &raceLedger{MemoryLedger: f.ledger}
	ledger.beforeRevoke = func() {
		require.NoError(t, f.ledger.Revoke(ctx, f.clock.Now(), root.ID, "someone-else"))
	}
	f.service.ledger = ledger

	_, err = f.service.Refresh(ctx, login.RefreshToken, "")
	require.ErrorIs(t, err, ErrInvalidRefreshToken)
	assert.Equal(t, 1, f.recorder.count("refresh", "lost_race"))

	for _, record := range f.ledger.Chain(root.ChainID) {
		assert.False(t, record.IsActive(f.clock.Now()), record.ID)
	}
}

func TestService_ReuseDetectionWithoutChainRevocation(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "a@x.io", "pw123456")
	ctx := context.Background()

	login, err := f.service.Login(ctx, "a@x.io", "pw123456", "9.9.9.9")
	require.NoError(t, err)
	next, err := f.service.Refresh(ctx, login.RefreshToken, "")
	require.NoError(t, err)

	_, err = f.service.Refresh(ctx, login.RefreshToken, "6.6.6.6")
	require.ErrorIs(t, err, ErrInvalidRefreshToken)

	entry, found := f.logger.find("refresh_token_reuse_detected")
	require.True(t, found)
	assert.Equal(t, "warn", entry.level)
	assert.Equal(t, "6.6.6.6", entry.fields["ip"])
	assert.Equal(t, 1, f.recorder.count("refresh", "reuse_detected"))

	_, err = f.service.Refresh(ctx, next.RefreshToken, "")
	require.NoError(t, err)
}

func TestService_ReuseDetectionRevokesChainWhenEnabled(t *testing.T) {
	f := newServiceFixture(t)
	f.service.WithReuseChainRevocation(true)
	f.register(t, "a@x.io", "pw123456")
	ctx := context.Background()

	login, err := f.service.Login(ctx, "a@x.io", "pw123456", "")
	require.NoError(t, err)
	next, err := f.service.Refresh(ctx, login.RefreshToken, "")
	require.NoError(t, err)

	other, err := f.service.Login(ctx, "a@x.io", "pw123456", "")
	require.NoError(t, err)

	_, err = f.service.Refresh(ctx, login.RefreshToken, "")
	require.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = f.service.Refresh(ctx, next.RefreshToken, "")
	require.ErrorIs(t, err, ErrInvalidRefreshToken)

	entry, found := f.logger.find("refresh_token_reuse_detected")
	require.True(t, found)
	assert.Equal(t, int64(1), entry.fields["revoked"])

	_, err = f.service.Refresh(ctx, other.RefreshToken, "")
	require.NoError(t, err)
}

func TestService_PurgeStaleTokens(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "a@x.io", "pw123456")
	ctx := context.Background()

	old, err := f.service.Login(ctx, "a@x.io", "pw123456", "")
	require.NoError(t, err)
	rotated, err := f.service.Login(ctx, "a@x.io", "pw123456", "")
	require.NoError(t, err)
	_, err = f.service.Refresh(ctx, rotated.RefreshToken, "")
	require.NoError(t, err)

	f.clock.Advance(DefaultRefreshTTL + time.Hour)

	fresh, err := f.service.Login(ctx, "a@x.io", "pw123456", "")
	require.NoError(t, err)

	deleted, err := f.service.PurgeStaleTokens(ctx, 14*24*time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	_, err = f.ledger.FindBySecret(ctx, old.RefreshToken)
	require.ErrorIs(t, err, ErrRefreshTokenNotFound)
	f.findToken(t, fresh.RefreshToken)
}

func TestService_BootstrapAdmin(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.BootstrapAdmin(ctx, "", "", ""))
	require.Error(t, f.service.BootstrapAdmin(ctx, "", "root@x.io", ""))

	require.NoError(t, f.service.BootstrapAdmin(ctx, "", "Root@x.io", "first-pass"))
	admin, err := f.users.GetByEmail(ctx, "root@x.io")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, admin.Role)
	assert.Equal(t, "root", admin.Username)

	require.NoError(t, f.service.BootstrapAdmin(ctx, "root", "root@x.io", "second-pass"))

	_, err = f.service.Login(ctx, "root@x.io", "first-pass", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	session, err := f.service.Login(ctx, "root@x.io", "second-pass", "")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, session.User.Role)
}

type failingLedger struct {
	*MemoryLedger
	err error
}

func (l *failingLedger) Create(context.Context, time.Time, NewRefreshToken) (RefreshToken, error) {
	return RefreshToken{}, l.err
}

func TestService_LoginLedgerFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "a@x.io", "pw123456")
	boom := errors.New("ledger down")
	f.service.ledger = &failingLedger{MemoryLedger: f.ledger, err: boom}

	_, err := f.service.Login(context.Background(), "a@x.io", "pw123456", "")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, f.recorder.count("login", "error"))
}

func TestService_RefreshOwnerDeletedBeforeSuccessorInsert(t *testing.T) {
	f := newServiceFixture(t)
	user := f.register(t, "a@x.io", "pw123456")
	now := f.clock.Now()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	f.service.ledger = NewPostgresLedger(db, time.Hour)

	mock.ExpectQuery(`FROM auth_refresh_tokens`).
		WithArgs(hashSecret("secret")).
		WillReturnRows(sqlmock.NewRows(refreshColumns).
			AddRow("t1", user.ID, "c1", hashSecret("secret"), nil, now, now.Add(time.Hour), nil, nil))
	mock.ExpectExec(`INSERT INTO auth_refresh_tokens`).
		WillReturnError(&pgconn.PgError{Code: pgForeignKeyViolation})

	_, err = f.service.Refresh(context.Background(), "secret", "")
	require.ErrorIs(t, err, ErrUserNotFound)
	assert.Equal(t, 1, f.recorder.count("refresh", "user_not_found"))
	assert.Zero(t, f.recorder.count("refresh", "error"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestService_LoginOwnerDeletedBeforeTokenInsert(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "a@x.io", "pw123456")
	f.service.ledger = &failingLedger{MemoryLedger: f.ledger, err: ErrUserNotFound}

	_, err := f.service.Login(context.Background(), "a@x.io", "pw123456", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, 1, f.recorder.count("login", "invalid_credentials"))
}

func TestService_ChangePasswordRevokesRefreshTokens(t *testing.T) {
	f := newServiceFixture(t)
	user := f.register(t, "a@x.io", "pw123456")
	ctx := context.Background()

	first, err := f.service.Login(ctx, "a@x.io", "pw123456", "")
	require.NoError(t, err)
	second, err := f.service.Login(ctx, "a@x.io", "pw123456", "")
	require.NoError(t, err)

	require.NoError(t, f.service.ChangePassword(ctx, user.ID, "brand-new-pw"))
	assert.Equal(t, 1, f.recorder.count("change_password", "success"))

	for _, secret := range []string{first.RefreshToken, second.RefreshToken} {
		_, err := f.service.Refresh(ctx, secret, "")
		require.ErrorIs(t, err, ErrInvalidRefreshToken)
	}

	_, err = f.service.Login(ctx, "a@x.io", "pw123456", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.service.Login(ctx, "a@x.io", "brand-new-pw", "")
	require.NoError(t, err)

	_, err = f.service.VerifyAccessToken(first.AccessToken)
	require.NoError(t, err)
}

func TestService_ChangePasswordUnknownUser(t *testing.T) {
	f := newServiceFixture(t)

	err := f.service.ChangePassword(context.Background(), "missing", "brand-new-pw")
	require.ErrorIs(t, err, ErrUserNotFound)
	assert.Equal(t, 1, f.recorder.count("change_password", "user_not_found"))
}

func TestService_ListUsers(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	users, err := f.service.ListUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	alice := f.register(t, "alice@x.io", "pw123456")
	f.clock.Advance(time.Minute)
	bob := f.register(t, "bob@x.io", "pw123456")

	users, err = f.service.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []UserSummary{alice, bob}, users)
}
