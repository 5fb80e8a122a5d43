package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"peerhub/internal/account"
	"peerhub/internal/auth"
	"peerhub/internal/db"
	"peerhub/internal/maintenance"
	"peerhub/internal/notify"
	"peerhub/internal/observability"
	"peerhub/internal/password"
	"peerhub/internal/revocation"
	"peerhub/internal/token"
)

const startupTimeout = 15 * time.Second

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

type pinger interface {
	Ping(ctx context.Context) error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Env); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll()
		return nil, err
	}

	repo, closeRepo, err := openRepository(ctx, cfg, options.RunMigrations, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeRepo)

	revoked, closeRevoked, err := openRevocation(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeRevoked)

	sender, err := newResetSender(cfg, logger)
	if err != nil {
		return fail(err)
	}

	metrics := observability.NewMetrics()

	store := account.NewStore(repo, password.NewHasher(cfg.BcryptCost)).
		WithLockout(cfg.LoginMaxAttempts, cfg.LoginLock).
		WithResetTicketTTL(cfg.ResetTicketTTL)
	tokens := token.NewService(cfg.AccessSecret, cfg.RefreshSecret).
		WithTTL(cfg.AccessTTL, cfg.RefreshTTL)

	rules := auth.DefaultRules()
	rules.EmailDomain = cfg.EmailDomain

	authService := auth.NewService(store, tokens, revoked, sender, logger, metrics).
		WithRules(rules).
		WithResetURLBase(cfg.ResetURLBase)

	admin := cfg.Admin
	if err := authService.BootstrapAdmin(ctx, admin.UniversityID, admin.Email, admin.Name, admin.Password); err != nil {
		return fail(fmt.Errorf("bootstrap admin: %w", err))
	}

	guard := auth.NewGuard(tokens, store, revoked, cfg.Guard, logger, metrics)
	authHandler := auth.NewHandler(authService, logger)
	cleanupHandler := maintenance.NewCleanupHandler(store, logger, cfg.CronSecret, cfg.CleanupBatchSize)

	mux := http.NewServeMux()
	auth.Mount(mux, authHandler, guard, auth.Limiters{
		Login: auth.NewRateLimiter("login", "too many login attempts, please try again after 15 minutes",
			cfg.LoginLimit.Max, cfg.LoginLimit.Window, metrics).SkipSuccessful(),
		Register: auth.NewRateLimiter("register", "too many registration attempts, please try again later",
			cfg.RegisterLimit.Max, cfg.RegisterLimit.Window, metrics),
		Strict: auth.NewRateLimiter("strict", "too many requests for this operation, please try again later",
			cfg.StrictLimit.Max, cfg.StrictLimit.Window, metrics),
	})
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(healthDeps(store, revoked)...))
	mux.Handle("GET /metrics", metrics.Handler())

	apiLimiter := auth.NewRateLimiter("api", "too many requests from this IP, please try again later",
		cfg.APILimit.Max, cfg.APILimit.Window, metrics)

	handler := observability.SecurityHeadersMiddleware(observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger, apiLimiter.Middleware(mux))))

	logger.Info("app_ready", map[string]any{
		"env":               cfg.Env,
		"store_driver":      cfg.StoreDriver,
		"revocation_driver": cfg.RevocationDriver,
	})

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return closeAll()
		},
	}, nil
}

func openRepository(ctx context.Context, cfg Config, runMigrations bool, logger *observability.Logger) (account.Repository, func() error, error) {
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		database, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}

		database.SetMaxOpenConns(cfg.DBMaxOpenConns)
		database.SetMaxIdleConns(cfg.DBMaxIdleConns)
		database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

		if err := database.PingContext(ctx); err != nil {
			_ = database.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}

		if runMigrations {
			if err := db.RunMigrations(ctx, database); err != nil {
				_ = database.Close()
				return nil, nil, fmt.Errorf("run migrations: %w", err)
			}
		}

		return account.NewPostgresRepository(database), database.Close, nil

	case StoreDriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() error { return client.Disconnect(context.Background()) }

		if err := client.Ping(ctx, nil); err != nil {
			_ = disconnect()
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}

		repo := account.NewMongoRepository(client.Database(cfg.MongoDatabase))
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = disconnect()
			return nil, nil, err
		}

		return repo, disconnect, nil

	case StoreDriverMemory:
		logger.Warn("memory_store_enabled", map[string]any{"env": cfg.Env})
		return account.NewMemoryRepository(), func() error { return nil }, nil
	}

	return nil, nil, fmt.Errorf("unsupported STORE_DRIVER: %s", cfg.StoreDriver)
}

func openRevocation(ctx context.Context, cfg Config) (revocation.Store, func() error, error) {
	if cfg.RevocationDriver != RevocationDriverRedis {
		return revocation.NewMemory(cfg.RevocationMaxEntries), func() error { return nil }, nil
	}

	store, err := revocation.NewRedisFromURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	return store, store.Close, nil
}

func newResetSender(cfg Config, logger *observability.Logger) (notify.Sender, error) {
	if cfg.ResetWebhookURL == "" {
		return notify.NewLogSender(logger, cfg.Development()), nil
	}

	sender, err := notify.NewWebhookSender(cfg.ResetWebhookURL, cfg.ResetWebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("init reset webhook: %w", err)
	}
	return sender, nil
}

func healthDeps(store *account.Store, revoked revocation.Store) []pinger {
	deps := []pinger{store}
	if p, ok := revoked.(pinger); ok {
		deps = append(deps, p)
	}
	return deps
}

func healthHandler(deps ...pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		for _, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
