package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"session-core/internal/auth"
	"session-core/internal/db"
	"session-core/internal/maintenance"
	"session-core/internal/observability"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// Logger defaults to JSON on stdout.
	Logger *observability.Logger
}

type Runtime struct {
	Config  Config
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}
	getenv := options.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	logger := options.Logger
	if logger == nil {
		logger = observability.NewLogger()
	}

	cfg, err := LoadConfig(getenv)
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Env); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	var closers []func() error
	closeAll := func() error {
		var firstErr error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	var (
		users    auth.UserStore
		ledger   auth.Ledger
		database *sql.DB
	)
	switch cfg.StorageDriver {
	case StorageMemory:
		users = auth.NewMemoryUserStore()
		ledger = auth.NewMemoryLedger(cfg.RefreshTTL)
		logger.Warn("memory_storage_enabled", map[string]any{"env": cfg.Env})
	default:
		database, err = db.Open(context.Background(), cfg.DatabaseURL, cfg.Pool)
		if err != nil {
			return nil, err
		}
		closers = append(closers, database.Close)

		if options.RunMigrations {
			if err := db.RunMigrations(context.Background(), database); err != nil {
				_ = closeAll()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}

		users = auth.NewPostgresUserStore(database)
		ledger = auth.NewPostgresLedger(database, cfg.RefreshTTL)
	}

	hasher, err := auth.NewPasswordHasher(cfg.BcryptCost)
	if err != nil {
		_ = closeAll()
		return nil, &ConfigurationError{Key: "BCRYPT_COST", Reason: err.Error()}
	}
	issuer, err := auth.NewTokenIssuer(cfg.JWTSecret, cfg.AccessTTL)
	if err != nil {
		_ = closeAll()
		return nil, &ConfigurationError{Key: "JWT_SECRET", Reason: err.Error()}
	}

	metrics := observability.NewMetrics()

	authService := auth.NewService(users, ledger, hasher, issuer)
	authService.WithObservability(logger, metrics)
	authService.WithReuseChainRevocation(cfg.ReuseRevokesChain)

	if err := authService.BootstrapAdmin(context.Background(), cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	loginLimiter, closeLimiter := newLoginLimiter(cfg, logger)
	if closeLimiter != nil {
		closers = append(closers, closeLimiter)
	}

	authHandler := auth.NewHandler(authService)
	cleanupHandler := maintenance.NewCleanupHandler(
		authService,
		logger,
		cfg.CronSecret,
		cfg.RefreshTokenRetention,
		cfg.CleanupBatchSize,
	)

	bearer := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(authService, h)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(authService, auth.RequireRole(auth.RoleAdmin, h))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/users/register", authHandler.Register)
	mux.Handle("POST /api/users/login", auth.LoginRateLimitMiddleware(loginLimiter, logger, http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /api/users/refresh-token", authHandler.Refresh)
	mux.HandleFunc("POST /api/users/logout", authHandler.Logout)
	mux.Handle("GET /api/users/me", bearer(authHandler.Me))
	mux.Handle("PUT /api/users/update", bearer(authHandler.UpdatePassword))
	mux.Handle("GET /api/users", admin(authHandler.ListUsers))
	mux.Handle("DELETE /api/users/{id}", admin(authHandler.DeleteUser))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))
	mux.Handle("GET /metrics", metrics.Handler())

	handler := observability.RecoverMiddleware(logger,
		observability.ClientIPMiddleware(cfg.TrustedProxyHops,
			observability.RequestLoggingMiddleware(logger,
				metrics.Middleware(mux))))

	closers = append([]func() error{func() error {
		observability.FlushSentry()
		return nil
	}}, closers...)

	return &Runtime{
		Config:  cfg,
		Handler: handler,
		Close:   closeAll,
	}, nil
}

// newLoginLimiter shares the throttle through Redis when it is reachable and
// keeps it in process otherwise.
func newLoginLimiter(cfg Config, logger *observability.Logger) (auth.LoginLimiter, func() error) {
	memory := auth.NewMemoryLoginLimiter(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow)
	if cfg.RedisURL == "" {
		return memory, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("redis_url_parse_failed", map[string]any{"error": err.Error()})
		return memory, nil
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("redis_ping_failed", map[string]any{"error": err.Error()})
		_ = client.Close()
		return memory, nil
	}

	return auth.NewRedisLoginLimiter(client, cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow), client.Close
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if database != nil {
			if err := database.PingContext(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
