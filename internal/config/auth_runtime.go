package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"authsession/internal/modules/auth"
)

const (
	defaultJWTAccessTTL       = "15m"
	defaultRefreshTTL         = "168h"
	defaultRefreshRetention   = "720h"
	defaultStoreTimeout       = "5s"
	defaultSessionLockTTL     = "10s"
	defaultMaxSessions        = "5"
	defaultRotationEnabled    = "true"
	defaultReuseDetection     = "true"
	defaultLockBackend        = LockBackendAuto
	defaultCookieSecure       = "false"
	defaultCookieSameSite     = "Lax"
	defaultCookiePath         = "/api/v1/auth"
	defaultLogLevel           = "info"
	defaultHTTPAddr           = ":8080"
	defaultDatabaseURL        = "file:authsession.db?_pragma=busy_timeout(5000)"
	defaultJWTSecret          = "change-me-jwt-secret"
	defaultRefreshTokenPepper = "change-me-refresh-pepper"
)

// Session lock backends.
const (
	LockBackendAuto     = "auto"
	LockBackendPostgres = "postgres"
	LockBackendLocal    = "local"
	LockBackendRedis    = "redis"
)

type AuthRuntimeConfig struct {
	AppEnv      string
	LogLevel    string
	HTTPAddr    string
	DatabaseURL string
	CORSOrigins []string

	JWTSecret          string
	JWTAccessTTL       time.Duration
	RefreshTTL         time.Duration
	RefreshTokenPepper string

	MaxSessions           int
	RotationEnabled       bool
	ReuseDetectionEnabled bool
	RefreshRetention      time.Duration
	StoreTimeout          time.Duration

	SessionLockBackend string
	SessionLockTTL     time.Duration
	RedisURL           string

	CookieSecure   bool
	CookieSameSite string
	CookiePath     string
}

func LoadAuthRuntimeConfig() (*AuthRuntimeConfig, error) {
	cfg := &AuthRuntimeConfig{}
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = strings.TrimSpace(os.Getenv("ENV"))
	}
	if appEnv == "" {
		appEnv = "dev"
	}
	cfg.AppEnv = strings.ToLower(appEnv)

	cfg.LogLevel = strings.TrimSpace(getEnv("LOG_LEVEL", defaultLogLevel))
	cfg.HTTPAddr = strings.TrimSpace(getEnv("HTTP_ADDR", defaultHTTPAddr))
	cfg.DatabaseURL = strings.TrimSpace(getEnv("DATABASE_URL", defaultDatabaseURL))
	cfg.CORSOrigins = splitList(os.Getenv("CORS_ALLOWED_ORIGINS"))

	cfg.JWTSecret = strings.TrimSpace(getEnv("JWT_SECRET", defaultJWTSecret))
	cfg.RefreshTokenPepper = strings.TrimSpace(getEnv("REFRESH_TOKEN_PEPPER", defaultRefreshTokenPepper))

	var err error
	if cfg.JWTAccessTTL, err = parseDurationEnv("JWT_ACCESS_TTL", defaultJWTAccessTTL); err != nil {
		return nil, err
	}
	if cfg.RefreshTTL, err = parseDurationEnv("REFRESH_TTL", defaultRefreshTTL); err != nil {
		return nil, err
	}
	if cfg.RefreshRetention, err = parseDurationEnv("REFRESH_RETENTION", defaultRefreshRetention); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = parseDurationEnv("STORE_TIMEOUT", defaultStoreTimeout); err != nil {
		return nil, err
	}
	if cfg.SessionLockTTL, err = parseDurationEnv("SESSION_LOCK_TTL", defaultSessionLockTTL); err != nil {
		return nil, err
	}
	if cfg.MaxSessions, err = parseIntEnv("MAX_SESSIONS", defaultMaxSessions); err != nil {
		return nil, err
	}

	cfg.RotationEnabled = parseBoolEnv("REFRESH_ROTATION_ENABLED", defaultRotationEnabled)
	cfg.ReuseDetectionEnabled = parseBoolEnv("REFRESH_REUSE_DETECTION_ENABLED", defaultReuseDetection)

	cfg.SessionLockBackend = strings.ToLower(strings.TrimSpace(getEnv("SESSION_LOCK_BACKEND", defaultLockBackend)))
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))

	cfg.CookieSecure = parseBoolEnv("COOKIE_SECURE", defaultCookieSecure)
	cfg.CookieSameSite = strings.TrimSpace(getEnv("COOKIE_SAMESITE", defaultCookieSameSite))
	cfg.CookiePath = strings.TrimSpace(getEnv("COOKIE_PATH", defaultCookiePath))

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validateConfig(cfg *AuthRuntimeConfig) error {
	if cfg.JWTAccessTTL <= 0 {
		return fmt.Errorf("JWT_ACCESS_TTL must be > 0")
	}
	if cfg.RefreshTTL <= 0 {
		return fmt.Errorf("REFRESH_TTL must be > 0")
	}
	if cfg.RefreshRetention < 0 {
		return fmt.Errorf("REFRESH_RETENTION must be >= 0")
	}
	if cfg.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be > 0")
	}
	if cfg.MaxSessions < 1 {
		return fmt.Errorf("MAX_SESSIONS must be >= 1")
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must not be empty")
	}

	switch cfg.SessionLockBackend {
	case LockBackendAuto, LockBackendPostgres, LockBackendLocal:
	case LockBackendRedis:
		if cfg.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SESSION_LOCK_BACKEND=redis")
		}
		if cfg.SessionLockTTL <= cfg.StoreTimeout {
			return fmt.Errorf("SESSION_LOCK_TTL must be greater than STORE_TIMEOUT")
		}
	default:
		return fmt.Errorf("SESSION_LOCK_BACKEND must be one of: auto, postgres, local, redis")
	}

	if cfg.CookiePath == "" {
		return fmt.Errorf("COOKIE_PATH must not be empty")
	}
	if cfg.CookieSameSite == "" {
		return fmt.Errorf("COOKIE_SAMESITE must not be empty")
	}
	sameSite := strings.ToLower(cfg.CookieSameSite)
	if sameSite != "lax" && sameSite != "none" && sameSite != "strict" {
		return fmt.Errorf("COOKIE_SAMESITE must be one of: Lax, None, Strict")
	}
	if sameSite == "none" && !cfg.CookieSecure {
		return fmt.Errorf("COOKIE_SECURE must be true when COOKIE_SAMESITE=None")
	}

	if isProdLike(cfg.AppEnv) {
		if isEmptyOrDefault(cfg.JWTSecret, defaultJWTSecret) {
			return fmt.Errorf("in prod/release JWT_SECRET must be set and not default")
		}
		if isEmptyOrDefault(cfg.RefreshTokenPepper, defaultRefreshTokenPepper) {
			return fmt.Errorf("in prod/release REFRESH_TOKEN_PEPPER must be set and not default")
		}
		if !cfg.CookieSecure {
			return fmt.Errorf("in prod/release COOKIE_SECURE must be true")
		}
	}

	return nil
}

// IsProduction reports whether the environment is prod-like.
func (c *AuthRuntimeConfig) IsProduction() bool {
	return isProdLike(c.AppEnv)
}

// EngineConfig projects the runtime settings onto the token engine.
func (c *AuthRuntimeConfig) EngineConfig() auth.EngineConfig {
	return auth.EngineConfig{
		AccessTTL:             c.JWTAccessTTL,
		RefreshTTL:            c.RefreshTTL,
		MaxSessions:           c.MaxSessions,
		RotationEnabled:       c.RotationEnabled,
		ReuseDetectionEnabled: c.ReuseDetectionEnabled,
		RetentionWindow:       c.RefreshRetention,
		StoreTimeout:          c.StoreTimeout,
		RefreshTokenPepper:    c.RefreshTokenPepper,
	}
}

func (c *AuthRuntimeConfig) CookieConfig() auth.CookieConfig {
	return auth.CookieConfig{
		Name:     "refresh_token",
		Path:     c.CookiePath,
		Secure:   c.CookieSecure,
		SameSite: sameSiteMode(c.CookieSameSite),
		MaxAge:   int(c.RefreshTTL / time.Second),
	}
}

func sameSiteMode(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func isProdLike(env string) bool {
	env = strings.ToLower(strings.TrimSpace(env))
	return env == "prod" || env == "production" || env == "release"
}

func isEmptyOrDefault(v, def string) bool {
	trimmed := strings.TrimSpace(v)
	return trimmed == "" || trimmed == def
}

func parseDurationEnv(name, fallback string) (time.Duration, error) {
	value := strings.TrimSpace(getEnv(name, fallback))
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, value, err)
	}
	return d, nil
}

func parseIntEnv(name, fallback string) (int, error) {
	value := strings.TrimSpace(getEnv(name, fallback))
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, value, err)
	}
	return n, nil
}

func parseBoolEnv(name, fallback string) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(name, fallback)))
	return value == "1" || value == "true" || value == "yes" || value == "on"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
