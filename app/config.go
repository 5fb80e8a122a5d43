package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"peerhub/internal/auth"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMongo    = "mongo"
	StoreDriverMemory   = "memory"

	RevocationDriverMemory = "memory"
	RevocationDriverRedis  = "redis"
)

type RateLimit struct {
	Max    int
	Window time.Duration
}

type AdminConfig struct {
	UniversityID string
	Email        string
	Name         string
	Password     string
}

// Config is everything Build reads from the environment.
type Config struct {
	Env string

	StoreDriver       string
	DatabaseURL       string
	MongoURI          string
	MongoDatabase     string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	RevocationDriver     string
	RedisURL             string
	RevocationMaxEntries int

	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration

	LoginMaxAttempts int
	LoginLock        time.Duration
	ResetTicketTTL   time.Duration
	BcryptCost       int
	EmailDomain      string
	Guard            auth.GuardConfig

	ResetWebhookURL    string
	ResetWebhookSecret string
	ResetURLBase       string

	CronSecret       string
	CleanupBatchSize int
	SentryDSN        string

	Admin AdminConfig

	APILimit      RateLimit
	LoginLimit    RateLimit
	RegisterLimit RateLimit
	StrictLimit   RateLimit
}

func LoadConfig() (Config, error) {
	cfg := Config{
		Env:           envOrDefault("APP_ENV", "development"),
		StoreDriver:   strings.ToLower(envOrDefault("STORE_DRIVER", StoreDriverPostgres)),
		MongoDatabase: envOrDefault("MONGO_DATABASE", "peerhub"),

		DBMaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),

		RevocationDriver:     strings.ToLower(envOrDefault("REVOCATION_DRIVER", RevocationDriverMemory)),
		RevocationMaxEntries: envIntOrDefault("REVOCATION_MAX_ENTRIES", 10000),

		AccessTTL:  envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTTL: envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),

		LoginMaxAttempts: envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		LoginLock:        envMinutesOrDefault("LOGIN_LOCK_MINUTES", 120),
		ResetTicketTTL:   envMinutesOrDefault("RESET_TICKET_TTL_MINUTES", 10),
		BcryptCost:       envIntOrDefault("BCRYPT_COST", 12),
		EmailDomain:      envOrDefault("ALLOWED_EMAIL_DOMAIN", auth.DefaultEmailDomain),
		Guard: auth.GuardConfig{
			CheckRevocation:     EnvBoolOrDefault("GUARD_CHECK_REVOCATION", true),
			CheckPasswordChange: EnvBoolOrDefault("GUARD_CHECK_PASSWORD_CHANGE", true),
			RejectLocked:        EnvBoolOrDefault("GUARD_REJECT_LOCKED", false),
		},

		ResetWebhookURL:    envOrDefault("RESET_WEBHOOK_URL", ""),
		ResetWebhookSecret: envOrDefault("RESET_WEBHOOK_SECRET", ""),
		ResetURLBase:       envOrDefault("RESET_URL_BASE", ""),

		CronSecret:       os.Getenv("CRON_SECRET"),
		CleanupBatchSize: envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
		SentryDSN:        os.Getenv("SENTRY_DSN"),

		Admin: AdminConfig{
			UniversityID: os.Getenv("ADMIN_UNIVERSITY_ID"),
			Email:        os.Getenv("ADMIN_EMAIL"),
			Name:         os.Getenv("ADMIN_NAME"),
			Password:     os.Getenv("ADMIN_PASSWORD"),
		},

		APILimit: RateLimit{
			Max:    envIntOrDefault("API_RATE_LIMIT_MAX", 100),
			Window: envMinutesOrDefault("API_RATE_LIMIT_WINDOW_MINUTES", 15),
		},
		LoginLimit: RateLimit{
			Max:    envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 20),
			Window: envMinutesOrDefault("LOGIN_RATE_LIMIT_WINDOW_MINUTES", 15),
		},
		RegisterLimit: RateLimit{
			Max:    envIntOrDefault("REGISTER_RATE_LIMIT_MAX", 10),
			Window: envMinutesOrDefault("REGISTER_RATE_LIMIT_WINDOW_MINUTES", 60),
		},
		StrictLimit: RateLimit{
			Max:    envIntOrDefault("STRICT_RATE_LIMIT_MAX", 10),
			Window: envMinutesOrDefault("STRICT_RATE_LIMIT_WINDOW_MINUTES", 60),
		},
	}

	var err error
	if cfg.AccessSecret, err = mustEnv("JWT_SECRET"); err != nil {
		return Config{}, err
	}
	if cfg.RefreshSecret, err = mustEnv("JWT_REFRESH_SECRET"); err != nil {
		return Config{}, err
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return Config{}, fmt.Errorf("JWT_SECRET and JWT_REFRESH_SECRET must differ")
	}

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL, err = mustEnv("DATABASE_URL"); err != nil {
			return Config{}, err
		}
	case StoreDriverMongo:
		if cfg.MongoURI, err = mustEnv("MONGO_URI"); err != nil {
			return Config{}, err
		}
	case StoreDriverMemory:
	default:
		return Config{}, fmt.Errorf("unsupported STORE_DRIVER: %s", cfg.StoreDriver)
	}

	switch cfg.RevocationDriver {
	case RevocationDriverRedis:
		if cfg.RedisURL, err = mustEnv("REDIS_URL"); err != nil {
			return Config{}, err
		}
	case RevocationDriverMemory:
	default:
		return Config{}, fmt.Errorf("unsupported REVOCATION_DRIVER: %s", cfg.RevocationDriver)
	}

	if cfg.ResetWebhookURL != "" && cfg.ResetWebhookSecret == "" {
		return Config{}, fmt.Errorf("RESET_WEBHOOK_SECRET is required with RESET_WEBHOOK_URL")
	}

	return cfg, nil
}

func (c Config) Development() bool {
	return c.Env == "development"
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
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
