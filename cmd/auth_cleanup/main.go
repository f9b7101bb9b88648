package main

import (
	"context"
	"fmt"
	"time"

	"authsession/internal/config"
	"authsession/internal/database"
	"authsession/internal/modules/auth"
	jwtsvc "authsession/internal/pkg/jwt"
	"authsession/internal/pkg/logger"
	"authsession/internal/repository"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// auth_cleanup deletes refresh tokens that expired or were revoked longer
// than REFRESH_RETENTION ago. Meant to run from cron.
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

	db, err := database.Connect(cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}

	engine := auth.NewEngine(
		db,
		repository.NewRefreshTokenRepository(db),
		repository.NewLocalLocker(),
		jwtsvc.New(cfg.JWTSecret, cfg.JWTAccessTTL, cfg.RefreshTTL),
		cfg.EngineConfig(),
		log,
		nil,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	deleted, err := engine.CleanupExpiredTokens(ctx)
	if err != nil {
		log.Fatal("cleanup refresh_tokens failed", zap.Error(err))
	}

	log.Info("auth cleanup completed", zap.Int64("refresh_tokens", deleted))
}
