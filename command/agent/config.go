package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/secretdrop/sirr/sirr"
)

const (
	// DefaultPort is the HTTP bind port when SIRR_PORT is unset.
	DefaultPort = 39999

	// KeyFileName is the sibling key file inside the data directory.
	KeyFileName = "sirr.key"

	// DBFileName is the embedded database inside the data directory.
	DBFileName = "sirr.db"
)

// Config is the daemon configuration, built from environment variables with
// optional CLI flag overrides on top.
type Config struct {
	// Host is the bind address (SIRR_HOST).
	Host string

	// Port is the bind port (SIRR_PORT).
	Port int

	// APIKey write-protects the mutating and enumerating routes
	// (SIRR_API_KEY). Empty leaves all routes open.
	APIKey string

	// LicenseKey lifts the free-tier record cap (SIRR_LICENSE_KEY).
	LicenseKey string

	// LicenseValidatorURL points at an online license validation service
	// (SIRR_LICENSE_VALIDATOR_URL). Empty disables online validation.
	LicenseValidatorURL string

	// FreeTierLimit caps active records on the free tier
	// (SIRR_FREE_TIER_LIMIT).
	FreeTierLimit int

	// DataDir holds sirr.key and sirr.db (SIRR_DATA_DIR).
	DataDir string

	// CORSOrigins is the comma-separated browser origin allowlist
	// (SIRR_CORS_ORIGINS). Empty allows any origin.
	CORSOrigins []string

	// LogLevel is one of error, warn, info, debug, or verbose
	// (SIRR_LOG_LEVEL).
	LogLevel string

	// WebhookSecret signs per-secret URL deliveries (SIRR_WEBHOOK_SECRET).
	WebhookSecret string

	// WebhookAllowedOrigins is the webhook URL prefix allowlist
	// (SIRR_WEBHOOK_ALLOWED_ORIGINS). Empty disables webhook targets
	// entirely.
	WebhookAllowedOrigins []string

	// TrustedProxies lists peer CIDRs whose X-Forwarded-For and X-Real-IP
	// headers are trusted for audit attribution (SIRR_TRUSTED_PROXIES).
	TrustedProxies []string

	// RedactAuditKeys replaces key names in audit query responses with a
	// short digest (SIRR_REDACT_AUDIT_KEYS).
	RedactAuditKeys bool

	// SweepInterval is how often the background sweep runs
	// (SIRR_SWEEP_INTERVAL, seconds).
	SweepInterval time.Duration

	// NoBanner suppresses the startup banner (NO_BANNER).
	NoBanner bool
}

// DefaultConfig reads the environment into a Config.
func DefaultConfig() *Config {
	c := &Config{
		Host:                  envOr("SIRR_HOST", "0.0.0.0"),
		Port:                  envInt("SIRR_PORT", DefaultPort),
		APIKey:                os.Getenv("SIRR_API_KEY"),
		LicenseKey:            os.Getenv("SIRR_LICENSE_KEY"),
		LicenseValidatorURL:   os.Getenv("SIRR_LICENSE_VALIDATOR_URL"),
		FreeTierLimit:         envInt("SIRR_FREE_TIER_LIMIT", sirr.DefaultFreeTierLimit),
		DataDir:               os.Getenv("SIRR_DATA_DIR"),
		CORSOrigins:           envList("SIRR_CORS_ORIGINS"),
		LogLevel:              envOr("SIRR_LOG_LEVEL", "warn"),
		WebhookSecret:         os.Getenv("SIRR_WEBHOOK_SECRET"),
		WebhookAllowedOrigins: envList("SIRR_WEBHOOK_ALLOWED_ORIGINS"),
		TrustedProxies:        envList("SIRR_TRUSTED_PROXIES"),
		RedactAuditKeys:       envBool("SIRR_REDACT_AUDIT_KEYS"),
		SweepInterval:         time.Duration(envInt("SIRR_SWEEP_INTERVAL", 300)) * time.Second,
		NoBanner:              envBool("NO_BANNER"),
	}
	return c
}

// ResolveDataDir returns the configured data directory or the per-user
// default, creating it if needed.
func (c *Config) ResolveDataDir() (string, error) {
	dir := c.DataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".local", "share", "sirr")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("could not create data directory %s: %w", dir, err)
	}
	return dir, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(name string) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return raw == "1"
	}
	return b
}

func envList(name string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
