// Package config provides configuration management for SideCoder.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the SideCoder coordinator service.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7080").
	ServerAddr string

	// DataDir is the directory for persistent data (per-session SQLite DBs).
	DataDir string

	// EncryptionKey is a hex-encoded 32-byte key used to encrypt
	// version-control access tokens at rest.
	EncryptionKey string

	// InternalCallbackSecret authenticates inbound service-to-service calls
	// (HMAC bearer tokens on all non-public routes).
	InternalCallbackSecret string

	// ProviderAPISecret signs outbound bearer tokens for the sandbox
	// provider API. Kept distinct from InternalCallbackSecret.
	ProviderAPISecret string

	// ProviderBaseURL is the base URL of the sandbox provider service.
	ProviderBaseURL string

	// PublicBaseURL is the externally reachable base URL sandboxes use to
	// connect their WebSocket back to the coordinator.
	PublicBaseURL string

	// GitHub App identity used to mint installation tokens for git pushes.
	GitHubAppID          string
	GitHubAppPrivateKey  string // PEM-encoded RSA private key
	GitHubInstallationID int64

	// GitHubWebhookSecret verifies inbound GitHub webhook signatures.
	GitHubWebhookSecret string

	// SlackBotToken enables completion notifications back to Slack threads.
	SlackBotToken string

	// DefaultModel is the language model used when a session or message
	// does not override it.
	DefaultModel string

	// InactivityTimeout is how long a session may sit idle with no client
	// or agent activity before its sandbox is snapshotted and stopped.
	InactivityTimeout time.Duration

	// HeartbeatThreshold marks a sandbox stale when its last heartbeat is
	// older than this.
	HeartbeatThreshold time.Duration

	// ConnectTimeout bounds the connecting->ready window; a sandbox that has
	// not connected its socket by then is failed.
	ConnectTimeout time.Duration

	// PushTimeout bounds the push request/response round trip.
	PushTimeout time.Duration

	// Circuit breaker policy for transient provider failures.
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration

	// WarmInterval is the minimum spacing between warm-triggered spawn
	// attempts for one session.
	WarmInterval time.Duration
}

// Load creates a Config from environment variables with sensible defaults.
func Load() (*Config, error) {
	dataDir := envOr("SIDECODER_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:             envOr("SIDECODER_ADDR", ":7080"),
		DataDir:                dataDir,
		EncryptionKey:          os.Getenv("SIDECODER_ENCRYPTION_KEY"),
		InternalCallbackSecret: os.Getenv("INTERNAL_CALLBACK_SECRET"),
		ProviderAPISecret:      os.Getenv("PROVIDER_API_SECRET"),
		ProviderBaseURL:        envOr("SIDECODER_PROVIDER_URL", "http://localhost:8090"),
		PublicBaseURL:          envOr("SIDECODER_PUBLIC_URL", "http://localhost:7080"),
		GitHubAppID:            os.Getenv("GITHUB_APP_ID"),
		GitHubAppPrivateKey:    os.Getenv("GITHUB_APP_PRIVATE_KEY"),
		GitHubInstallationID:   envOrInt64("GITHUB_INSTALLATION_ID", 0),
		GitHubWebhookSecret:    os.Getenv("GITHUB_WEBHOOK_SECRET"),
		SlackBotToken:          os.Getenv("SLACK_BOT_TOKEN"),
		DefaultModel:           envOr("SIDECODER_DEFAULT_MODEL", "claude-sonnet-4-5"),
		InactivityTimeout:      envOrDuration("SIDECODER_INACTIVITY_TIMEOUT", 10*time.Minute),
		HeartbeatThreshold:     envOrDuration("SIDECODER_HEARTBEAT_THRESHOLD", 90*time.Second),
		ConnectTimeout:         envOrDuration("SIDECODER_CONNECT_TIMEOUT", 2*time.Minute),
		PushTimeout:            envOrDuration("SIDECODER_PUSH_TIMEOUT", 180*time.Second),
		BreakerThreshold:       envOrInt("SIDECODER_BREAKER_THRESHOLD", 3),
		BreakerWindow:          envOrDuration("SIDECODER_BREAKER_WINDOW", time.Minute),
		BreakerCooldown:        envOrDuration("SIDECODER_BREAKER_COOLDOWN", 5*time.Minute),
		WarmInterval:           envOrDuration("SIDECODER_WARM_INTERVAL", 30*time.Second),
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("SIDECODER_ENCRYPTION_KEY is required")
	}
	if len(c.EncryptionKey) != 64 {
		return fmt.Errorf("SIDECODER_ENCRYPTION_KEY must be 64 hex characters (32 bytes)")
	}
	if c.InternalCallbackSecret == "" {
		return fmt.Errorf("INTERNAL_CALLBACK_SECRET is required")
	}
	if c.ProviderAPISecret == "" {
		return fmt.Errorf("PROVIDER_API_SECRET is required")
	}
	return nil
}

// SlackEnabled returns true if Slack notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != ""
}

// GitHubAppEnabled returns true if the GitHub App identity is configured.
func (c *Config) GitHubAppEnabled() bool {
	return c.GitHubAppID != "" && c.GitHubAppPrivateKey != "" && c.GitHubInstallationID != 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sidecoder"
	}
	return filepath.Join(home, ".sidecoder")
}
