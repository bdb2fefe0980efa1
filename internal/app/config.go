package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"session-core/internal/auth"
	"session-core/internal/db"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// ConfigurationError is a startup failure caused by the environment.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
}

type Config struct {
	Env       string
	Port      string
	SentryDSN string

	// TrustedProxyHops is how many proxies in front of the service append
	// to X-Forwarded-For. Zero ignores the header.
	TrustedProxyHops int

	StorageDriver string
	DatabaseURL   string
	Pool          db.PoolConfig

	JWTSecret             []byte
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	BcryptCost            int
	ReuseRevokesChain     bool
	LoginRateLimitMax     int
	LoginRateLimitWindow  time.Duration
	RedisURL              string
	CronSecret            string
	RefreshTokenRetention time.Duration
	CleanupBatchSize      int
	AdminEmail            string
	AdminUsername         string
	AdminPassword         string
}

// LoadConfig reads the process configuration through getenv. Malformed
// numbers fall back to their defaults.
func LoadConfig(getenv func(string) string) (Config, error) {
	env := envReader(getenv)

	secret := env.str("JWT_SECRET", "")
	if secret == "" {
		return Config{}, &ConfigurationError{Key: "JWT_SECRET", Reason: "is required"}
	}

	cfg := Config{
		Env:       env.str("APP_ENV", "development"),
		Port:      env.str("PORT", "8080"),
		SentryDSN: env.str("SENTRY_DSN", ""),

		TrustedProxyHops: env.count("TRUSTED_PROXY_HOPS", 1),

		StorageDriver: strings.ToLower(env.str("STORAGE_DRIVER", StoragePostgres)),
		DatabaseURL:   env.str("DATABASE_URL", ""),
		Pool: db.PoolConfig{
			MaxOpenConns:    env.integer("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    env.integer("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: env.minutes("DB_CONN_MAX_LIFETIME_MINUTES", 30),
			ConnMaxIdleTime: env.minutes("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		},

		JWTSecret:             []byte(secret),
		AccessTTL:             env.minutes("ACCESS_TOKEN_TTL_MINUTES", 240),
		RefreshTTL:            env.hours("REFRESH_TOKEN_TTL_HOURS", 168),
		BcryptCost:            env.integer("BCRYPT_COST", auth.DefaultBcryptCost),
		ReuseRevokesChain:     env.boolean("REFRESH_REUSE_REVOKES_CHAIN", false),
		LoginRateLimitMax:     env.integer("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateLimitWindow:  env.seconds("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
		RedisURL:              env.str("REDIS_URL", ""),
		CronSecret:            env.str("CRON_SECRET", ""),
		RefreshTokenRetention: env.days("AUTH_REFRESH_TOKEN_RETENTION_DAYS", 14),
		CleanupBatchSize:      env.integer("AUTH_CLEANUP_BATCH_SIZE", 500),
		AdminEmail:            env.str("ADMIN_EMAIL", ""),
		AdminUsername:         env.str("ADMIN_USERNAME", ""),
		AdminPassword:         env.str("ADMIN_PASSWORD", ""),
	}

	switch cfg.StorageDriver {
	case StorageMemory:
	case StoragePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, &ConfigurationError{Key: "DATABASE_URL", Reason: "is required for the postgres storage driver"}
		}
	default:
		return Config{}, &ConfigurationError{Key: "STORAGE_DRIVER", Reason: fmt.Sprintf("unknown driver %q", cfg.StorageDriver)}
	}

	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		return Config{}, &ConfigurationError{
			Key:    "BCRYPT_COST",
			Reason: fmt.Sprintf("must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost),
		}
	}

	return cfg, nil
}

// EnvBoolOrDefault reads a flag straight from the process environment.
func EnvBoolOrDefault(name string, fallback bool) bool {
	return envReader(os.Getenv).boolean(name, fallback)
}

type envReader func(string) string

func (e envReader) str(name, fallback string) string {
	value := strings.TrimSpace(e(name))
	if value == "" {
		return fallback
	}
	return value
}

func (e envReader) integer(name string, fallback int) int {
	value := strings.TrimSpace(e(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// count accepts zero, unlike integer.
func (e envReader) count(name string, fallback int) int {
	value := strings.TrimSpace(e(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func (e envReader) minutes(name string, fallback int) time.Duration {
	return time.Duration(e.integer(name, fallback)) * time.Minute
}

func (e envReader) hours(name string, fallback int) time.Duration {
	return time.Duration(e.integer(name, fallback)) * time.Hour
}

func (e envReader) days(name string, fallback int) time.Duration {
	return time.Duration(e.integer(name, fallback)) * 24 * time.Hour
}

func (e envReader) seconds(name string, fallback int) time.Duration {
	return time.Duration(e.integer(name, fallback)) * time.Second
}

func (e envReader) boolean(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(e(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
