package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitoshi/karmahub/internal/auth"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string
	RedisURL    string

	// Identity Provider
	AuthProviderURL     string
	AuthProviderAnonKey string
	ProviderTimeout     time.Duration

	// Auth policy
	AuthPreset           string
	RequireEmailVerified *bool
	SignInMax            int
	SignInWindow         time.Duration
	SignUpMax            int
	SignUpWindow         time.Duration

	// Session
	SessionSecret string
	SessionMaxAge time.Duration
	EngineIdleTTL time.Duration

	// Rate Limit
	RateLimitAuthIP int

	// Logging
	LogLevel         string
	LogRetentionDays int

	// Server
	ServerPort string
	BaseURL    string
	TrustProxy bool // リバースプロキシのX-Forwarded-Forを信頼する

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込むが、既存の環境変数は上書きしない。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", slog.String("error", err.Error()))
	}

	cfg := &Config{}

	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.AuthProviderURL = strings.TrimRight(required("AUTH_PROVIDER_URL"), "/")
	cfg.AuthProviderAnonKey = required("AUTH_PROVIDER_ANON_KEY")
	cfg.SessionSecret = required("SESSION_SECRET")
	cfg.BaseURL = strings.TrimRight(required("BASE_URL"), "/")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.AuthPreset = getEnvString("AUTH_PRESET", auth.PresetSecure)
	cfg.RequireEmailVerified = getEnvBoolPtr("REQUIRE_EMAIL_VERIFIED")
	cfg.SignInMax = getEnvInt("RATE_LIMIT_SIGNIN_MAX", 0)
	cfg.SignInWindow = getEnvDuration("RATE_LIMIT_SIGNIN_WINDOW", 0)
	cfg.SignUpMax = getEnvInt("RATE_LIMIT_SIGNUP_MAX", 0)
	cfg.SignUpWindow = getEnvDuration("RATE_LIMIT_SIGNUP_WINDOW", 0)
	cfg.SessionMaxAge = getEnvDuration("SESSION_MAX_AGE", 24*time.Hour)
	cfg.EngineIdleTTL = getEnvDuration("ENGINE_IDLE_TTL", 30*time.Minute)
	cfg.RateLimitAuthIP = getEnvInt("RATE_LIMIT_AUTH_IP", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.LogRetentionDays = getEnvInt("LOG_RETENTION_DAYS", 90)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	if tp := getEnvBoolPtr("TRUST_PROXY"); tp != nil {
		cfg.TrustProxy = *tp
	}
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if len(cfg.SessionSecret) < 32 {
		return nil, fmt.Errorf("SESSION_SECRET must be at least 32 bytes")
	}

	return cfg, nil
}

// AuthConfig はプリセットに個別の上書き設定を適用したAuth Policy Engineの設定を返す。
func (c *Config) AuthConfig() (auth.Config, error) {
	ac, err := auth.PresetConfig(c.AuthPreset)
	if err != nil {
		return auth.Config{}, err
	}

	if c.RequireEmailVerified != nil {
		ac.RequireEmailVerified = *c.RequireEmailVerified
	}
	if c.SignInMax > 0 {
		ac.RateLimits.SignIn.Max = c.SignInMax
	}
	if c.SignInWindow > 0 {
		ac.RateLimits.SignIn.Window = c.SignInWindow
	}
	if c.SignUpMax > 0 {
		ac.RateLimits.SignUp.Max = c.SignUpMax
	}
	if c.SignUpWindow > 0 {
		ac.RateLimits.SignUp.Window = c.SignUpWindow
	}

	return ac.WithBaseURL(c.BaseURL), nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvBoolPtr は未設定または解釈できない場合にnilを返す。
func getEnvBoolPtr(key string) *bool {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}
