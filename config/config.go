// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with only a bot token.
// An optional TOML file named by CONFIG_FILE is applied before the environment,
// so env vars always win. For the bot token itself, use ValidateDiscordReady.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/onnwee/voicelabel/naming"
)

type Config struct {
	// Discord
	DiscordToken string

	// Naming
	IdleLabels       []string
	IdleMode         naming.IdleMode
	OtherErrorPolicy naming.OtherErrorPolicy
	RateLimitBackoff time.Duration
	RenameTimeout    time.Duration

	// Jobs
	RetrySweepInterval time.Duration
	PollInterval       time.Duration
	PollConcurrency    int
	StaleAfter         time.Duration
	EvictionInterval   time.Duration

	// Database; empty keeps state in memory only.
	DBDsn string

	// HTTP
	HTTPAddr      string
	AdminToken    string
	AdminUsername string
	AdminPassword string

	// Admin rate limiting per client IP
	AdminRateLimitEnabled  bool
	AdminRateLimitRequests int
	AdminRateLimitWindow   time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// fileConfig is the TOML layout accepted via CONFIG_FILE.
type fileConfig struct {
	IdleLabels         []string `toml:"idle_labels"`
	IdleMode           string   `toml:"idle_mode"`
	OtherErrorPolicy   string   `toml:"other_error_policy"`
	RateLimitBackoff   string   `toml:"rate_limit_backoff"`
	RenameTimeout      string   `toml:"rename_timeout"`
	RetrySweepInterval string   `toml:"retry_sweep_interval"`
	PollInterval       string   `toml:"poll_interval"`
	PollConcurrency    int      `toml:"poll_concurrency"`
	StaleAfter         string   `toml:"stale_after"`
	EvictionInterval   string   `toml:"eviction_interval"`
	HTTPAddr           string   `toml:"http_addr"`

	AdminRateLimitEnabled  *bool  `toml:"admin_rate_limit_enabled"`
	AdminRateLimitRequests int    `toml:"admin_rate_limit_requests"`
	AdminRateLimitWindow   string `toml:"admin_rate_limit_window"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		IdleLabels:         []string{naming.DefaultIdleLabel},
		OtherErrorPolicy:   naming.OtherErrorDrop,
		RateLimitBackoff:   naming.DefaultRateLimitBackoff,
		RenameTimeout:      naming.DefaultRenameTimeout,
		RetrySweepInterval: naming.DefaultRetryInterval,
		PollInterval:       naming.DefaultPollInterval,
		PollConcurrency:    naming.DefaultPollConcurrency,
		StaleAfter:         naming.DefaultStaleAfter,
		EvictionInterval:   naming.DefaultEvictionInterval,
		HTTPAddr:           ":8080",

		AdminRateLimitEnabled:  true,
		AdminRateLimitRequests: 10,
		AdminRateLimitWindow:   time.Minute,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads CONFIG_FILE (if set) and then environment variables over the defaults.
// It doesn't fail if the Discord token is missing; use ValidateDiscordReady() when you
// need the gateway. Call Validate() before using the result.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.DiscordToken = strings.TrimSpace(os.Getenv("DISCORD_TOKEN"))
	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.AdminUsername = os.Getenv("ADMIN_USERNAME")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")

	if v := os.Getenv("IDLE_LABELS"); v != "" {
		cfg.IdleLabels = splitLabels(v)
	}
	if v := os.Getenv("IDLE_MODE"); v != "" {
		m, err := naming.ParseIdleMode(v)
		if err != nil {
			return nil, fmt.Errorf("invalid IDLE_MODE: %w", err)
		}
		cfg.IdleMode = m
	}
	if v := os.Getenv("OTHER_ERROR_POLICY"); v != "" {
		p, err := naming.ParseOtherErrorPolicy(v)
		if err != nil {
			return nil, fmt.Errorf("invalid OTHER_ERROR_POLICY: %w", err)
		}
		cfg.OtherErrorPolicy = p
	}
	if v := os.Getenv("POLL_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_CONCURRENCY: %w", err)
		}
		cfg.PollConcurrency = n
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_ENABLED: %w", err)
		}
		cfg.AdminRateLimitEnabled = b
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS_PER_IP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_REQUESTS_PER_IP: %w", err)
		}
		cfg.AdminRateLimitRequests = n
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_WINDOW_SECONDS: %w", err)
		}
		cfg.AdminRateLimitWindow = time.Duration(n) * time.Second
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"RATE_LIMIT_BACKOFF", &cfg.RateLimitBackoff},
		{"RENAME_TIMEOUT", &cfg.RenameTimeout},
		{"RETRY_SWEEP_INTERVAL", &cfg.RetrySweepInterval},
		{"POLL_INTERVAL", &cfg.PollInterval},
		{"STALE_AFTER", &cfg.StaleAfter},
		{"EVICTION_INTERVAL", &cfg.EvictionInterval},
	}
	for _, d := range durations {
		if err := parseDuration(os.Getenv(d.env), d.dst); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.env, err)
		}
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if len(fc.IdleLabels) > 0 {
		c.IdleLabels = cleanLabels(fc.IdleLabels)
	}
	if fc.IdleMode != "" {
		m, err := naming.ParseIdleMode(fc.IdleMode)
		if err != nil {
			return fmt.Errorf("config file idle_mode: %w", err)
		}
		c.IdleMode = m
	}
	if fc.OtherErrorPolicy != "" {
		p, err := naming.ParseOtherErrorPolicy(fc.OtherErrorPolicy)
		if err != nil {
			return fmt.Errorf("config file other_error_policy: %w", err)
		}
		c.OtherErrorPolicy = p
	}
	if fc.PollConcurrency != 0 {
		c.PollConcurrency = fc.PollConcurrency
	}
	if fc.HTTPAddr != "" {
		c.HTTPAddr = fc.HTTPAddr
	}
	if fc.AdminRateLimitEnabled != nil {
		c.AdminRateLimitEnabled = *fc.AdminRateLimitEnabled
	}
	if fc.AdminRateLimitRequests != 0 {
		c.AdminRateLimitRequests = fc.AdminRateLimitRequests
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"rate_limit_backoff", fc.RateLimitBackoff, &c.RateLimitBackoff},
		{"rename_timeout", fc.RenameTimeout, &c.RenameTimeout},
		{"retry_sweep_interval", fc.RetrySweepInterval, &c.RetrySweepInterval},
		{"poll_interval", fc.PollInterval, &c.PollInterval},
		{"stale_after", fc.StaleAfter, &c.StaleAfter},
		{"eviction_interval", fc.EvictionInterval, &c.EvictionInterval},
		{"admin_rate_limit_window", fc.AdminRateLimitWindow, &c.AdminRateLimitWindow},
	}
	for _, d := range durations {
		if err := parseDuration(d.val, d.dst); err != nil {
			return fmt.Errorf("config file %s: %w", d.key, err)
		}
	}
	return nil
}

// parseDuration leaves dst untouched when v is empty.
func parseDuration(v string, dst *time.Duration) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func splitLabels(v string) []string {
	return cleanLabels(strings.Split(v, ","))
}

func cleanLabels(in []string) []string {
	out := make([]string, 0, len(in))
	for _, l := range in {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if len(c.IdleLabels) == 0 {
		return errors.New("idle label pool must not be empty")
	}
	for _, l := range c.IdleLabels {
		if len([]rune(l)) > naming.MaxLabelLength {
			return fmt.Errorf("idle label %q exceeds %d characters", l, naming.MaxLabelLength)
		}
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"RATE_LIMIT_BACKOFF", c.RateLimitBackoff},
		{"RENAME_TIMEOUT", c.RenameTimeout},
		{"RETRY_SWEEP_INTERVAL", c.RetrySweepInterval},
		{"STALE_AFTER", c.StaleAfter},
		{"EVICTION_INTERVAL", c.EvictionInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.d)
		}
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("POLL_INTERVAL must not be negative, got %s", c.PollInterval)
	}
	if c.PollConcurrency < 1 {
		return fmt.Errorf("POLL_CONCURRENCY must be at least 1, got %d", c.PollConcurrency)
	}
	switch c.IdleMode {
	case naming.IdleModePool, naming.IdleModeOriginal:
	default:
		return fmt.Errorf("unknown idle mode %d", c.IdleMode)
	}
	if c.AdminRateLimitEnabled {
		if c.AdminRateLimitRequests < 1 {
			return fmt.Errorf("RATE_LIMIT_REQUESTS_PER_IP must be at least 1, got %d", c.AdminRateLimitRequests)
		}
		if c.AdminRateLimitWindow <= 0 {
			return fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be positive, got %s", c.AdminRateLimitWindow)
		}
	}
	switch c.OtherErrorPolicy {
	case naming.OtherErrorDrop, naming.OtherErrorRetry:
	default:
		return fmt.Errorf("unknown other error policy %d", c.OtherErrorPolicy)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		return errors.New("ADMIN_USERNAME and ADMIN_PASSWORD must be set together")
	}
	return nil
}

// ValidateDiscordReady checks the fields required to connect to the gateway.
func (c *Config) ValidateDiscordReady() error {
	if c.DiscordToken == "" {
		return errors.New("missing discord env: require DISCORD_TOKEN")
	}
	return nil
}

// AdminEnabled reports whether any admin credential is configured.
func (c *Config) AdminEnabled() bool {
	return c.AdminToken != "" || (c.AdminUsername != "" && c.AdminPassword != "")
}
