// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ApplyMode はパッチの反映方式。
type ApplyMode string

const (
	// ApplyModeDirect はイベントフックの処理中にディレクトリへ直接反映する。
	ApplyModeDirect ApplyMode = "direct"
	// ApplyModeQueue はパッチをキューに積み、workerが非同期に反映する。
	ApplyModeQueue ApplyMode = "queue"
)

// SecretSourceKind はシークレットの取得元。
type SecretSourceKind string

const (
	// SecretSourceAWS はAWS Secrets Managerから取得する。
	SecretSourceAWS SecretSourceKind = "aws"
	// SecretSourceEnv は環境変数から取得する。ローカル開発用。
	SecretSourceEnv SecretSourceKind = "env"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Directory
	SCIMURL           string
	SCIMPageSize      int
	SCIMTimeout       time.Duration
	SCIMRetryAttempts int
	SCIMRetryBase     time.Duration
	SCIMRateLimit     float64

	// Reconcile
	GroupPrefix        string
	ApplyMaxConcurrent int
	ApplyMode          ApplyMode

	// Secret
	SecretSource   SecretSourceKind
	SecretID       string
	SecretEnvVar   string
	SecretCacheTTL time.Duration
	SCIMKeyField   string
	HookTokenField string

	// Database
	DatabaseURL string

	// Queue
	QueuePollInterval time.Duration
	QueueMaxAttempts  int

	// Retention
	RetentionDays   int
	CleanupInterval time.Duration

	// Server
	ServerPort    string
	HookRateLimit int

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.SCIMURL = os.Getenv("SCIM_URL")
	if cfg.SCIMURL == "" {
		missing = append(missing, "SCIM_URL")
	}

	cfg.GroupPrefix = os.Getenv("GROUP_PREFIX")
	if cfg.GroupPrefix == "" {
		missing = append(missing, "GROUP_PREFIX")
	}

	cfg.ApplyMode = ApplyMode(getEnvString("APPLY_MODE", string(ApplyModeDirect)))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.ApplyMode == ApplyModeQueue && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	switch cfg.ApplyMode {
	case ApplyModeDirect, ApplyModeQueue:
	default:
		return nil, fmt.Errorf("invalid APPLY_MODE %q: must be %q or %q", cfg.ApplyMode, ApplyModeDirect, ApplyModeQueue)
	}

	cfg.SecretSource = SecretSourceKind(getEnvString("SECRET_SOURCE", string(SecretSourceAWS)))
	switch cfg.SecretSource {
	case SecretSourceAWS, SecretSourceEnv:
	default:
		return nil, fmt.Errorf("invalid SECRET_SOURCE %q: must be %q or %q", cfg.SecretSource, SecretSourceAWS, SecretSourceEnv)
	}

	// Optional fields with defaults
	cfg.SCIMPageSize = getEnvInt("SCIM_PAGE_SIZE", 50)
	cfg.SCIMTimeout = getEnvDuration("SCIM_TIMEOUT", 10*time.Second)
	cfg.SCIMRetryAttempts = getEnvInt("SCIM_RETRY_ATTEMPTS", 3)
	cfg.SCIMRetryBase = getEnvDuration("SCIM_RETRY_BASE", 200*time.Millisecond)
	cfg.SCIMRateLimit = getEnvFloat("SCIM_RATE_LIMIT", 20)
	cfg.ApplyMaxConcurrent = getEnvInt("APPLY_MAX_CONCURRENT", 4)
	cfg.SecretID = getEnvString("SECRET_ID", "app/okta-to-aws-sso")
	cfg.SecretEnvVar = getEnvString("SECRET_ENV_VAR", "GROUPSYNC_SECRET")
	cfg.SecretCacheTTL = getEnvDuration("SECRET_CACHE_TTL", 5*time.Minute)
	cfg.SCIMKeyField = getEnvString("SCIM_KEY_FIELD", "aws_sso_scim_key")
	cfg.HookTokenField = getEnvString("HOOK_TOKEN_FIELD", "auth_token_for_okta")
	cfg.QueuePollInterval = getEnvDuration("QUEUE_POLL_INTERVAL", time.Second)
	cfg.QueueMaxAttempts = getEnvInt("QUEUE_MAX_ATTEMPTS", 5)
	cfg.RetentionDays = getEnvInt("RETENTION_DAYS", 30)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.HookRateLimit = getEnvInt("HOOK_RATE_LIMIT", 600)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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
