// Package config loads the daemon's environment-derived configuration into
// an immutable snapshot, with a small set of hot-reloadable fields guarded
// by a mutex for the scheduler and dispatcher to share safely.
package config

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Config holds all daemon configuration from environment variables.
// Mutable fields are protected by an RWMutex and must be accessed via
// getter/setter methods at runtime, since the scheduler goroutine reads
// them while HTTP handlers may write them.
type Config struct {
	// Persistence
	StateDir string
	DBPath   string

	// HTTP
	BindAddr         string
	PublicURL        string
	DebugPayloadPath string

	// Provider webhook
	WebhookPrefix string
	WebhookSecret string

	// Legacy single-token trigger
	LegacyToken string

	// Admin gating
	AdminHeaderName  string
	AdminHeaderValue string
	DevBypassAdmin   bool

	// Manual units
	ManualUnits     string // comma-separated
	ManualUnitsFile string // optional YAML catalogue, see SPEC_FULL.md §1

	// Self-update
	SelfUpdateCommand string
	SelfUpdateCron    string
	SelfUpdateDryRun  bool

	// Report ingester
	ReportDir string

	// Observability
	LogJSON        bool
	MetricsEnabled bool

	// Audit
	AuditSync bool

	// mu protects the mutable runtime fields below.
	mu                 sync.RWMutex
	autoUpdateInterval time.Duration
	manualLockGrace    time.Duration
	degraded           bool
	degradedReasons    []string
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		StateDir:          envStr("X_STATE_DIR", "/var/lib/pod-upgrade-trigger"),
		DBPath:            envStr("X_DB_URL", ""),
		BindAddr:          envStr("X_HTTP_BIND", ":8080"),
		PublicURL:         envStr("X_PUBLIC_URL", ""),
		DebugPayloadPath:  envStr("X_DEBUG_PAYLOAD_PATH", ""),
		WebhookPrefix:     envStr("X_WEBHOOK_PREFIX", "gh"),
		WebhookSecret:     envStr("X_WEBHOOK_SECRET", ""),
		LegacyToken:       envStr("X_LEGACY_TOKEN", ""),
		AdminHeaderName:   envStr("X_ADMIN_HEADER_NAME", "X-Forwarded-User"),
		AdminHeaderValue:  envStr("X_ADMIN_HEADER_VALUE", ""),
		DevBypassAdmin:    envBool("X_DEV_OPEN_ADMIN", false),
		ManualUnits:       envStr("X_MANUAL_UNITS", ""),
		ManualUnitsFile:   envStr("X_UNITS_FILE", ""),
		SelfUpdateCommand: envStr("X_SELF_UPDATE_COMMAND", ""),
		SelfUpdateCron:    envStr("X_SELF_UPDATE_CRON", ""),
		SelfUpdateDryRun:  envBool("X_SELF_UPDATE_DRY_RUN", false),
		ReportDir:         envStr("X_REPORT_DIR", ""),
		LogJSON:           envBool("X_LOG_JSON", true),
		MetricsEnabled:    envBool("X_METRICS_ENABLED", false),
		AuditSync:         envBool("X_AUDIT_SYNC", false),

		autoUpdateInterval: envDuration("X_AUTO_UPDATE_INTERVAL", 15*time.Minute),
		manualLockGrace:    envDuration("X_MANUAL_LOCK_GRACE", 0),
	}
}

// NewTestConfig creates a Config with sensible defaults for testing.
func NewTestConfig() *Config {
	return &Config{
		StateDir:           "/tmp/pod-upgrade-trigger-test",
		BindAddr:           ":0",
		WebhookPrefix:      "gh",
		AdminHeaderName:    "X-Forwarded-User",
		AdminHeaderValue:   "admin",
		autoUpdateInterval: 15 * time.Minute,
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.AutoUpdateInterval() <= 0 {
		errs = append(errs, fmt.Errorf("X_AUTO_UPDATE_INTERVAL must be > 0"))
	}
	if c.ManualLockGrace() < 0 {
		errs = append(errs, fmt.Errorf("X_MANUAL_LOCK_GRACE must be >= 0"))
	}
	if c.WebhookPrefix == "" {
		errs = append(errs, fmt.Errorf("X_WEBHOOK_PREFIX must not be empty"))
	}
	if !c.DevBypassAdmin && c.AdminHeaderValue == "" {
		errs = append(errs, fmt.Errorf("X_ADMIN_HEADER_VALUE is required unless X_DEV_OPEN_ADMIN is set"))
	}
	return errors.Join(errs...)
}

// Values returns the redacted env snapshot backing GET /api/config.
// Secrets are never echoed back in full — only a short fingerprint so an
// operator can confirm which value is loaded without exposing it.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"X_STATE_DIR":            c.StateDir,
		"X_DB_URL":               c.DBPath,
		"X_HTTP_BIND":            c.BindAddr,
		"X_PUBLIC_URL":           c.PublicURL,
		"X_WEBHOOK_PREFIX":       c.WebhookPrefix,
		"X_WEBHOOK_SECRET":       fingerprint(c.WebhookSecret),
		"X_LEGACY_TOKEN":         fingerprint(c.LegacyToken),
		"X_ADMIN_HEADER_NAME":    c.AdminHeaderName,
		"X_ADMIN_HEADER_VALUE":   fingerprint(c.AdminHeaderValue),
		"X_DEV_OPEN_ADMIN":       fmt.Sprintf("%t", c.DevBypassAdmin),
		"X_MANUAL_UNITS":         c.ManualUnits,
		"X_SELF_UPDATE_COMMAND":  c.SelfUpdateCommand,
		"X_SELF_UPDATE_CRON":     c.SelfUpdateCron,
		"X_SELF_UPDATE_DRY_RUN":  fmt.Sprintf("%t", c.SelfUpdateDryRun),
		"X_REPORT_DIR":           c.ReportDir,
		"X_LOG_JSON":             fmt.Sprintf("%t", c.LogJSON),
		"X_METRICS_ENABLED":      fmt.Sprintf("%t", c.MetricsEnabled),
		"X_AUDIT_SYNC":           fmt.Sprintf("%t", c.AuditSync),
		"X_AUTO_UPDATE_INTERVAL": c.AutoUpdateInterval().String(),
		"X_MANUAL_LOCK_GRACE":    c.ManualLockGrace().String(),
	}
}

// fingerprint returns an empty string for an unset secret, or "fp_" followed
// by an 8-hex-char blake2b-derived fingerprint otherwise — enough to tell two configured
// secrets apart without ever revealing either.
func fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(secret))
	return fmt.Sprintf("fp_%x", sum[:4])
}

// AdminHeaderMatches performs a constant-time comparison of the forwarded
// admin header value against the configured value.
func (c *Config) AdminHeaderMatches(got string) bool {
	if c.AdminHeaderValue == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(c.AdminHeaderValue)) == 1
}

// The accessors below satisfy internal/authgate.Config. They exist because
// that package depends on an interface rather than this concrete struct
// (to avoid an import cycle with internal/config), and Go interfaces match
// on method sets, not field names.

// WebhookSecretValue returns the configured provider-webhook HMAC secret.
func (c *Config) WebhookSecretValue() string { return c.WebhookSecret }

// WebhookPrefixValue returns the configured provider-webhook path prefix.
func (c *Config) WebhookPrefixValue() string { return c.WebhookPrefix }

// AdminHeaderNameValue returns the configured forwarded-admin header name.
func (c *Config) AdminHeaderNameValue() string { return c.AdminHeaderName }

// DevBypassAdminValue reports whether dev-mode admin bypass is enabled.
func (c *Config) DevBypassAdminValue() bool { return c.DevBypassAdmin }

// DebugPayloadPathValue returns the configured webhook-mismatch debug path.
func (c *Config) DebugPayloadPathValue() string { return c.DebugPayloadPath }

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// ManualUnitNames splits the comma-separated manual unit list.
func (c *Config) ManualUnitNames() []string {
	if c.ManualUnits == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(c.ManualUnits, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// AutoUpdateInterval returns the current scheduler poll interval (thread-safe).
func (c *Config) AutoUpdateInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.autoUpdateInterval
}

// SetAutoUpdateInterval updates the poll interval at runtime (thread-safe).
func (c *Config) SetAutoUpdateInterval(d time.Duration) {
	c.mu.Lock()
	c.autoUpdateInterval = d
	c.mu.Unlock()
}

// ManualLockGrace returns the configured manual lock grace period
// (thread-safe). It is validated and reported by Values; no request path
// reads it to wait on a held image lock.
func (c *Config) ManualLockGrace() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manualLockGrace
}

// SetManualLockGrace updates the manual lock grace period (thread-safe).
func (c *Config) SetManualLockGrace(d time.Duration) {
	c.mu.Lock()
	c.manualLockGrace = d
	c.mu.Unlock()
}

// MarkDegraded flips the daemon into degraded mode with a set of reasons,
// surfaced by GET /health. Idempotent; reasons accumulate without duplicates.
func (c *Config) MarkDegraded(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.degraded = true
	for _, r := range c.degradedReasons {
		if r == reason {
			return
		}
	}
	c.degradedReasons = append(c.degradedReasons, reason)
}

// Degraded reports whether the daemon is running in degraded mode, and why.
func (c *Config) Degraded() (bool, []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reasons := make([]string, len(c.degradedReasons))
	copy(reasons, c.degradedReasons)
	return c.degraded, reasons
}
