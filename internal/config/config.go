// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// maxTimeoutGrace caps how long a turn may outlive a transport header
// timeout while streaming events keep arriving.
const maxTimeoutGrace = 15 * time.Minute

// Config holds all application configuration.
type Config struct {
	Port    string
	DBPath  string
	WorkDir string // Default working directory for new sessions

	Runtime RuntimeConfig
	Lark    LarkConfig
	Render  RenderConfig
	Sandbox SandboxConfig
	Audit   AuditConfig

	// TimeoutGrace is how long to keep a turn alive after a prompt header
	// timeout as long as streaming events continue. Capped at 15 minutes.
	TimeoutGrace time.Duration

	// DedupTTL bounds the redelivery window for inbound platform events.
	DedupTTL time.Duration
}

// RuntimeConfig selects and configures the agent backend.
type RuntimeConfig struct {
	Backend             string // "server" (streaming) or "sandbox" (containerized one-shot)
	BaseURL             string
	PromptHeaderTimeout time.Duration
}

// LarkConfig holds chat-platform credentials and endpoints.
type LarkConfig struct {
	AppID             string
	AppSecret         string
	VerificationToken string
	EncryptKey        string
	APIBase           string
}

// RenderConfig controls the throttled streaming projection.
type RenderConfig struct {
	Interval time.Duration // Minimum gap between streamed card updates
	MaxBytes int           // Per-message byte ceiling before truncation
}

// SandboxConfig configures the containerized fallback runtime.
type SandboxConfig struct {
	Image       string
	Runtime     string // Docker runtime: "" = default (runc), "runsc" = gVisor
	MountRoot   string // Working directories must live under this root
	TurnTimeout time.Duration
	ReapTTL     time.Duration
}

// AuditConfig controls NDJSON transcript logging.
type AuditConfig struct {
	Enabled   bool
	Path      string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("AUDIT_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:    getEnv("PORT", "8080"),
		DBPath:  getEnv("DB_PATH", "./data/courier.db"),
		WorkDir: getEnv("WORK_DIR", "./workspaces"),
		Runtime: RuntimeConfig{
			Backend:             strings.ToLower(getEnv("RUNTIME_BACKEND", "server")),
			BaseURL:             getEnv("RUNTIME_BASE_URL", "http://localhost:4096"),
			PromptHeaderTimeout: getEnvDuration("RUNTIME_PROMPT_HEADER_TIMEOUT", 2*time.Minute),
		},
		Lark: LarkConfig{
			AppID:             strings.TrimSpace(os.Getenv("LARK_APP_ID")),
			AppSecret:         strings.TrimSpace(os.Getenv("LARK_APP_SECRET")),
			VerificationToken: strings.TrimSpace(os.Getenv("LARK_VERIFICATION_TOKEN")),
			EncryptKey:        strings.TrimSpace(os.Getenv("LARK_ENCRYPT_KEY")),
			APIBase:           getEnv("LARK_API_BASE", "https://open.larksuite.com/open-apis"),
		},
		Render: RenderConfig{
			Interval: getEnvDuration("RENDER_INTERVAL", 1200*time.Millisecond),
			MaxBytes: getEnvInt("RENDER_MAX_BYTES", 150*1024),
		},
		Sandbox: SandboxConfig{
			Image:       getEnv("SANDBOX_IMAGE", "agent-sandbox:latest"),
			Runtime:     getEnv("SANDBOX_RUNTIME", ""),
			MountRoot:   getEnv("SANDBOX_MOUNT_ROOT", "/workspaces"),
			TurnTimeout: getEnvDuration("SANDBOX_TURN_TIMEOUT", 5*time.Minute),
			ReapTTL:     getEnvDuration("SANDBOX_REAP_TTL", 30*time.Minute),
		},
		Audit: AuditConfig{
			Enabled:   getEnvBool("AUDIT_ENABLED", true),
			Path:      getEnv("AUDIT_PATH", "./data/logs/transcript.ndjson"),
			QueueSize: queueSize,
		},
		TimeoutGrace: getEnvDuration("TIMEOUT_GRACE", 5*time.Minute),
		DedupTTL:     getEnvDuration("DEDUP_TTL", 8*time.Hour),
	}

	if cfg.TimeoutGrace > maxTimeoutGrace {
		cfg.TimeoutGrace = maxTimeoutGrace
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Runtime.Backend {
	case "server", "sandbox":
	default:
		return fmt.Errorf("RUNTIME_BACKEND must be \"server\" or \"sandbox\", got %q", c.Runtime.Backend)
	}
	if c.Runtime.Backend == "server" && c.Runtime.BaseURL == "" {
		return fmt.Errorf("RUNTIME_BASE_URL cannot be empty for the server backend")
	}
	if c.Render.Interval <= 0 {
		return fmt.Errorf("RENDER_INTERVAL must be > 0")
	}
	if c.Render.MaxBytes <= 0 {
		return fmt.Errorf("RENDER_MAX_BYTES must be > 0")
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		return fmt.Errorf("AUDIT_PATH cannot be empty when auditing is enabled")
	}
	if c.TimeoutGrace < 0 {
		return fmt.Errorf("TIMEOUT_GRACE cannot be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
