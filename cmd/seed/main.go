package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"authsession/internal/config"
	"authsession/internal/database"
	"authsession/internal/domain"
	"authsession/internal/modules/auth"
	"authsession/internal/pkg/logger"
	"authsession/internal/repository"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	email := flag.String("email", os.Getenv("SEED_EMAIL"), "user email")
	password := flag.String("password", os.Getenv("SEED_PASSWORD"), "user password")
	name := flag.String("name", "", "display name")
	role := flag.String("role", string(domain.RoleClient), "client or admin")
	flag.Parse()

	cfg, err := config.LoadAuthRuntimeConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel, cfg.AppEnv)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	if *email == "" || *password == "" {
		log.Fatal("email and password are required (flags or SEED_EMAIL/SEED_PASSWORD)")
	}
	userRole := domain.UserRole(*role)
	if userRole != domain.RoleClient && userRole != domain.RoleAdmin {
		log.Fatal("unknown role", zap.String("role", *role))
	}

	db, err := database.Connect(cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatal("hash password failed", zap.Error(err))
	}

	user := &domain.User{
		Email:        *email,
		PasswordHash: hash,
		Role:         userRole,
		Name:         *name,
	}
	err = repository.NewUserRepository(db).Create(context.Background(), user)
	switch {
	case errors.Is(err, repository.ErrUserExists):
		log.Info("user already exists", zap.String("email", user.Email))
	case err != nil:
		log.Fatal("create user failed", zap.Error(err))
	default:
		log.Info("user created", zap.Int64("id", user.ID), zap.String("email", user.Email), zap.String("role", string(user.Role)))
	}
}
