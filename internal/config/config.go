package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidehook/tidehook/pkg/types"
)

// Config holds the process runtime configuration loaded from env vars and
// mounted files. Secrets support *_FILE variants for mounted volumes.
type Config struct {
	ListenAddr  string // ingress + management API
	HealthAddr  string
	MetricsAddr string

	// HMAC keys, one per provider. An empty key disables the provider.
	PaymentsSecret string
	IdentitySecret string
	SourceSecret   string
	EmailSecret    string

	ReplayTolerance time.Duration
	HandlerTimeout  time.Duration
	APITimeout      time.Duration

	MaxRetryAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	DatabasePath string
	RedisAddr    string // empty: in-process queue

	// Source-control API access. Token and GitHub App auth are mutually
	// exclusive; the App takes precedence when both are set.
	GitHubAPIBaseURL     string
	GitHubToken          string
	GitHubTokenSealed    string // sealed with TokenSealKey; takes effect when GitHubToken is empty
	GitHubAppID          int64
	GitHubInstallationID int64
	GitHubAppKeyFile     string

	// TokenSealKey is the 32-byte AEAD key (base64) for sealing stored API tokens.
	TokenSealKey []byte

	ShutdownGrace time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":8080"),
		HealthAddr:  envOr("HEALTH_ADDR", ":8082"),
		MetricsAddr: envOr("METRICS_ADDR", ":8083"),

		PaymentsSecret: secretEnv("PAYMENTS_WEBHOOK_SECRET"),
		IdentitySecret: secretEnv("IDENTITY_WEBHOOK_SECRET"),
		SourceSecret:   secretEnv("SOURCE_WEBHOOK_SECRET"),
		EmailSecret:    secretEnv("EMAIL_WEBHOOK_SECRET"),

		DatabasePath: envOr("DATABASE_PATH", "tidehook.db"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),

		GitHubAPIBaseURL:  envOr("GITHUB_API_URL", "https://api.github.com"),
		GitHubToken:       secretEnv("GITHUB_TOKEN"),
		GitHubTokenSealed: os.Getenv("GITHUB_TOKEN_SEALED"),
		GitHubAppKeyFile:  os.Getenv("GITHUB_APP_KEY_FILE"),
	}

	cfg.ReplayTolerance = msEnv("REPLAY_TOLERANCE_MS", 300_000)
	cfg.HandlerTimeout = msEnv("HANDLER_TIMEOUT_MS", 30_000)
	cfg.APITimeout = msEnv("API_TIMEOUT_MS", 10_000)
	cfg.RetryBaseDelay = msEnv("RETRY_BASE_DELAY_MS", 1_000)
	cfg.RetryMaxDelay = msEnv("RETRY_MAX_DELAY_MS", 60_000)
	cfg.ShutdownGrace = msEnv("SHUTDOWN_GRACE_MS", 10_000)

	cfg.MaxRetryAttempts = 5
	if v := os.Getenv("MAX_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRetryAttempts = n
		}
	}

	cfg.GitHubAppID, _ = strconv.ParseInt(os.Getenv("GITHUB_APP_ID"), 10, 64)
	cfg.GitHubInstallationID, _ = strconv.ParseInt(os.Getenv("GITHUB_INSTALLATION_ID"), 10, 64)

	if sealKey := os.Getenv("TOKEN_SEAL_KEY"); sealKey != "" {
		key, err := base64.StdEncoding.DecodeString(sealKey)
		if err != nil {
			return nil, fmt.Errorf("TOKEN_SEAL_KEY is not valid base64: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("TOKEN_SEAL_KEY must decode to 32 bytes, got %d", len(key))
		}
		cfg.TokenSealKey = key
	}

	if cfg.PaymentsSecret == "" && cfg.IdentitySecret == "" && cfg.SourceSecret == "" && cfg.EmailSecret == "" {
		return nil, fmt.Errorf("no webhook secrets configured; set at least one of PAYMENTS_WEBHOOK_SECRET, IDENTITY_WEBHOOK_SECRET, SOURCE_WEBHOOK_SECRET, EMAIL_WEBHOOK_SECRET")
	}

	return cfg, nil
}

// Secret returns the HMAC key for a provider, or "" when the provider is disabled.
func (c *Config) Secret(p types.Provider) string {
	switch p {
	case types.ProviderPayments:
		return c.PaymentsSecret
	case types.ProviderIdentity:
		return c.IdentitySecret
	case types.ProviderSourceControl:
		return c.SourceSecret
	case types.ProviderEmail:
		return c.EmailSecret
	}
	return ""
}

// GitHubAppKey reads the GitHub App private key from the mounted file.
func (c *Config) GitHubAppKey() []byte {
	if c.GitHubAppKeyFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.GitHubAppKeyFile)
	if err != nil {
		return nil
	}
	return data
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// secretEnv reads KEY, falling back to the contents of the file named by KEY_FILE.
func secretEnv(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if path := os.Getenv(key + "_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}
	return ""
}

func msEnv(key string, def int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(def) * time.Millisecond
}
