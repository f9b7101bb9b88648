package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authsession/internal/config"
	"authsession/internal/database"
	"authsession/internal/middleware"
	"authsession/internal/modules/auth"
	jwtsvc "authsession/internal/pkg/jwt"
	"authsession/internal/pkg/logger"
	"authsession/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAuthRuntimeConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel, cfg.AppEnv)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("auth cookie config",
		zap.Bool("secure", cfg.CookieSecure),
		zap.String("same_site", cfg.CookieSameSite),
		zap.String("path", cfg.CookiePath),
	)

	db, err := database.Connect(cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	locker, closeLocker, err := newUserLocker(cfg, log)
	if err != nil {
		log.Fatal("session lock init failed", zap.Error(err))
	}
	defer closeLocker()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	jwtService := jwtsvc.New(cfg.JWTSecret, cfg.JWTAccessTTL, cfg.RefreshTTL)
	userRepo := repository.NewUserRepository(db)
	tokenRepo := repository.NewRefreshTokenRepository(db)

	engine := auth.NewEngine(db, tokenRepo, locker, jwtService, cfg.EngineConfig(), log, auth.NewMetrics(reg))
	authService := auth.NewService(userRepo, engine)
	authHandler := auth.NewHandler(authService, engine, cfg.CookieConfig())

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.ErrorLogger(log), middleware.RequestLogger(log), middleware.CORS(cfg.CORSOrigins))

	r.GET("/healthz", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1")
	{
		authHandler.RegisterPublicRoutes(v1)

		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(jwtService))
		authHandler.RegisterProtectedRoutes(protected)

		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(jwtService), middleware.AdminOnly())
		authHandler.RegisterAdminRoutes(admin)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("starting HTTP server", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("HTTP server forced to shutdown", zap.Error(err))
	}
}

// newUserLocker picks the per-user lock. auto means advisory locks on
// PostgreSQL and the in-process lock on SQLite.
func newUserLocker(cfg *config.AuthRuntimeConfig, log *zap.Logger) (repository.UserLocker, func(), error) {
	noop := func() {}
	postgres := database.IsPostgresDSN(cfg.DatabaseURL)

	switch cfg.SessionLockBackend {
	case config.LockBackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, noop, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("ping redis: %w", err)
		}
		log.Info("session lock backend", zap.String("backend", config.LockBackendRedis))
		return repository.NewRedisLocker(client, cfg.SessionLockTTL), func() { _ = client.Close() }, nil
	case config.LockBackendPostgres:
		if !postgres {
			return nil, noop, errors.New("SESSION_LOCK_BACKEND=postgres requires a PostgreSQL DATABASE_URL")
		}
		log.Info("session lock backend", zap.String("backend", config.LockBackendPostgres))
		return repository.NewPostgresAdvisoryLocker(), noop, nil
	case config.LockBackendLocal:
		log.Warn("session lock backend is process-local; run a single replica")
		return repository.NewLocalLocker(), noop, nil
	default:
		if postgres {
			log.Info("session lock backend", zap.String("backend", config.LockBackendPostgres))
			return repository.NewPostgresAdvisoryLocker(), noop, nil
		}
		log.Info("session lock backend", zap.String("backend", config.LockBackendLocal))
		return repository.NewLocalLocker(), noop, nil
	}
}
