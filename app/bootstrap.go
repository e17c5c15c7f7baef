package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"authgate/internal/auth"
	"authgate/internal/autherr"
	"authgate/internal/config"
	"authgate/internal/db"
	"authgate/internal/maintenance"
	"authgate/internal/memstore"
	"authgate/internal/observability"
	"authgate/internal/ratelimit"
	"authgate/internal/session"
	"authgate/internal/signing"
	"authgate/internal/token"
)

type Options struct {
	LoadDotEnv bool
}

type Runtime struct {
	Config  config.Config
	Handler http.Handler
	Logger  *observability.Logger
	Cleaner *maintenance.Cleaner
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	cfg, err := config.Load(options.LoadDotEnv)
	if err != nil {
		return nil, err
	}
	return BuildWith(context.Background(), cfg)
}

// BuildWith wires every component from cfg. Without DATABASE_URL the
// credential and session stores live in memory; without REDIS_URL so do the
// rate limit counters.
func BuildWith(ctx context.Context, cfg config.Config) (*Runtime, error) {
	logger := observability.NewLogger(cfg.LogLevel)

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	var (
		err     error
		closers []func() error
	)
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		observability.FlushSentry()
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll()
		return nil, err
	}

	var (
		database    *sql.DB
		credentials auth.CredentialStore
		sessions    session.Store
	)
	if cfg.Memory() {
		logger.Warn("memory_stores_enabled", map[string]any{"reason": "DATABASE_URL is empty"})
		credentials = memstore.NewCredentialStore()
		sessions = memstore.NewSessionStore()
	} else {
		database, err = openDatabase(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, database.Close)

		repo := auth.NewRepository(database)
		credentials = repo
		sessions = repo
	}

	var (
		redisClient *redis.Client
		limiter     ratelimit.Limiter
		nonces      signing.NonceStore
		sweepers    []maintenance.Sweeper
	)
	if cfg.RedisURL != "" {
		redisClient, err = openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, redisClient.Close)
		limiter = ratelimit.NewRedisLimiter(redisClient, "authgate:ratelimit")
		nonces = signing.NewRedisNonceStore(redisClient, "authgate:nonce")
	} else {
		memoryLimiter, err := ratelimit.NewMemoryLimiter(ratelimit.DefaultMaxKeys)
		if err != nil {
			return fail(err)
		}
		limiter = memoryLimiter
		sweepers = append(sweepers, memoryLimiter)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	algorithm, err := token.ParseAlgorithm(cfg.JWTAlgorithm)
	if err != nil {
		return fail(err)
	}
	issuer, err := token.NewIssuer(token.Config{
		Secret:    []byte(cfg.JWTSecret),
		Algorithm: algorithm,
		TTL:       cfg.AccessTokenTTL,
	})
	if err != nil {
		return fail(fmt.Errorf("init token issuer: %w", err))
	}

	manager := session.NewManager(sessions, issuer, session.Config{
		TTL:          cfg.SessionTTL,
		StoreTimeout: cfg.StoreTimeout,
	}, session.WithReuseHook(func(_ context.Context, presented session.RefreshToken) {
		metrics.RefreshReuseTotal.Inc()
		logger.Warn("refresh_token_reuse_detected", map[string]any{
			"user_id":          presented.UserID,
			"session_id":       presented.SessionID,
			"refresh_token_id": presented.ID,
		})
	}))

	authService := auth.NewService(credentials, auth.NewBcryptHasher(cfg.BcryptCost), manager)
	authService.WithLockoutConfig(cfg.LoginMaxAttempts, cfg.LoginLock)
	authService.WithStoreTimeout(cfg.StoreTimeout)

	if err := authService.BootstrapFromEnv(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		return fail(fmt.Errorf("bootstrap admin: %w", err))
	}

	authHandler := auth.NewHandler(authService, logger, metrics)
	authn := auth.NewAuthenticator(issuer, manager, logger, metrics)

	cleaner := maintenance.NewCleaner(manager, logger, metrics, sweepers...)
	cleaner.WithRetention(cfg.Retention, 0)
	cleanupHandler := maintenance.NewCleanupHandler(cleaner, cfg.CronSecret)

	observeLimit := ratelimit.WithObserver(func(scope string, d ratelimit.Decision, err error) {
		decision := "allowed"
		switch {
		case err != nil:
			decision = "error"
			logger.Error("rate_limit_check_failed", map[string]any{"scope": scope, "error": err.Error()})
		case !d.Allowed:
			decision = "denied"
		}
		metrics.RateLimitDecisionsTotal.WithLabelValues(scope, decision).Inc()
	})
	loginLimit := ratelimit.NewMiddleware(limiter, "login", cfg.LoginRateLimit, ratelimit.ByIP, observeLimit)
	refreshLimit := ratelimit.NewMiddleware(limiter, "refresh", cfg.RateLimit, ratelimit.ByIP, observeLimit)
	userLimit := ratelimit.NewMiddleware(limiter, "user", cfg.RateLimit, auth.ByUser, observeLimit, ratelimit.FailOpen())

	authed := func(h http.HandlerFunc) http.Handler {
		return authn.Middleware(userLimit.Wrap(h))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginLimit.Wrap(http.HandlerFunc(authHandler.Login)))
	mux.Handle("POST /auth/refresh", refreshLimit.Wrap(http.HandlerFunc(authHandler.Refresh)))
	mux.Handle("POST /auth/logout", refreshLimit.Wrap(http.HandlerFunc(authHandler.Logout)))
	mux.Handle("POST /auth/logout-all", authed(authHandler.LogoutAll))
	mux.Handle("GET /auth/sessions", authed(authHandler.ListSessions))
	mux.Handle("DELETE /auth/sessions/{id}", authed(authHandler.RevokeSession))
	mux.Handle("POST /auth/sessions/revoke-others", authed(authHandler.RevokeOtherSessions))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", healthHandler(database, redisClient))

	if len(cfg.SigningKey) > 0 {
		signer, err := signing.NewSigner(cfg.SigningKey)
		if err != nil {
			return fail(fmt.Errorf("init request signer: %w", err))
		}
		verifier := signing.NewMiddleware(signer, cfg.SigningMaxAge, nonces, func(err error) {
			metrics.SignatureVerificationsTotal.WithLabelValues(autherr.Label(err)).Inc()
		})
		mux.Handle("POST /internal/signature/verify", verifier.Wrap(http.HandlerFunc(signatureVerified)))
	}

	handler := observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger, metrics.Middleware(mux)))

	return &Runtime{
		Config:  cfg,
		Handler: handler,
		Logger:  logger,
		Cleaner: cleaner,
		Close:   closeAll,
	}, nil
}

func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(10)
	database.SetMaxIdleConns(5)
	database.SetConnMaxLifetime(30 * time.Minute)
	database.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	return database, nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func signatureVerified(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func healthHandler(database *sql.DB, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}

		var err error
		if database != nil {
			err = database.PingContext(ctx)
		}
		if err == nil && redisClient != nil {
			err = redisClient.Ping(ctx).Err()
		}
		if err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}

		writeJSON(w, status, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
