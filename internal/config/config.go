package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// BaaS
	BaaSURL        string
	BaaSAnonKey    string
	BaaSServiceKey string

	// Redis（未設定の場合はインメモリキャッシュを使う）
	RedisURL string

	// Session
	SessionMaxAge  int
	ManagerIdleTTL time.Duration

	// Identity
	AdminCheckTimeout time.Duration
	SignOutTimeout    time.Duration
	FunctionTimeout   time.Duration

	// Import
	FetchTimeout time.Duration
	FetchMaxSize int64

	// Rate Limit
	RateLimitGeneral int
	RateLimitSignIn  int
	RateLimitContact int

	// Analysis
	AnalysisBatchInterval    time.Duration
	AnalysisAPIInterval      time.Duration
	AnalysisMaxCallsPerCycle int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaaSURL = strings.TrimRight(os.Getenv("BAAS_URL"), "/")
	if cfg.BaaSURL == "" {
		missing = append(missing, "BAAS_URL")
	}

	cfg.BaaSAnonKey = os.Getenv("BAAS_ANON_KEY")
	if cfg.BaaSAnonKey == "" {
		missing = append(missing, "BAAS_ANON_KEY")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.BaaSServiceKey = getEnvString("BAAS_SERVICE_KEY", "")
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.ManagerIdleTTL = getEnvDuration("MANAGER_IDLE_TTL", 30*time.Minute)
	cfg.AdminCheckTimeout = getEnvDuration("ADMIN_CHECK_TIMEOUT", 10*time.Second)
	cfg.SignOutTimeout = getEnvDuration("SIGN_OUT_TIMEOUT", 5*time.Second)
	cfg.FunctionTimeout = getEnvDuration("FUNCTION_TIMEOUT", 15*time.Second)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSignIn = getEnvInt("RATE_LIMIT_SIGN_IN", 10)
	cfg.RateLimitContact = getEnvInt("RATE_LIMIT_CONTACT", 5)
	cfg.AnalysisBatchInterval = getEnvDuration("ANALYSIS_BATCH_INTERVAL", 10*time.Minute)
	cfg.AnalysisAPIInterval = getEnvDuration("ANALYSIS_API_INTERVAL", 2*time.Second)
	cfg.AnalysisMaxCallsPerCycle = getEnvInt("ANALYSIS_MAX_CALLS_PER_CYCLE", 50)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// AuthBaseURL は認証APIのベースURLを返す。
func (c *Config) AuthBaseURL() string {
	return c.BaaSURL + "/auth/v1"
}

// FunctionsBaseURL はサーバーレスファンクションのベースURLを返す。
func (c *Config) FunctionsBaseURL() string {
	return c.BaaSURL + "/functions/v1"
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
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
