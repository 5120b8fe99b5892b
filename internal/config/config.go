// Package config loads engine configuration from environment variables,
// with optional .env support via godotenv. Configuration is read once at startup;
// rotation is handled by restarting the process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/oasisops/oasis/internal/oasiserr"
	"github.com/rs/zerolog/log"
)

// Config is the complete engine configuration.
type Config struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Telemetry store
	DataDir string
	DBPath  string

	// Scheduling
	CheckInterval    time.Duration // detection window, also the tick period
	InvocationBudget time.Duration // hard wall-clock budget per invocation

	// Detection
	BaselineDays       int     // trailing reference depth, excluding the most recent day
	MinBaselineSamples int     // minimum reference buckets before a baseline counts
	RatioThreshold     float64 // observed/baseline ratio that flags an anomaly
	AbsoluteDelta      float64 // per-minute delta that flags an anomaly regardless of ratio
	ZeroBaselineFloor  float64 // per-minute floor for zero-baseline services

	// Correlation
	DedupWindow  time.Duration
	Dependencies map[string][]string // service -> downstream dependencies

	// Advisory
	AdvisoryProvider string // "openai" or "anthropic"
	AdvisoryModel    string
	AdvisoryAPIKey   string
	AdvisoryBaseURL  string
	AdvisoryTimeout  time.Duration

	// Notifications
	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string
	SMTPStartTLS  bool
	EmailFrom     string
	EmailTo       []string
	NotifyRetries int

	// Approval endpoint
	PublicURL  string
	ListenAddr string

	// Remediation
	ActionEndpoint string // external action capability; empty enables dry-run
	ActionRetries  int
	ActionTimeout  time.Duration
}

// Defaults mirrors the operator-tunable knobs; every threshold here is a
// starting point, not a mandate.
func Defaults() *Config {
	return &Config{
		LogLevel:           "info",
		LogFormat:          "auto",
		DataDir:            "/var/lib/oasis",
		CheckInterval:      15 * time.Minute,
		InvocationBudget:   10 * time.Minute,
		BaselineDays:       7,
		MinBaselineSamples: 3,
		RatioThreshold:     5.0,
		AbsoluteDelta:      30.0,
		ZeroBaselineFloor:  10.0,
		DedupWindow:        time.Hour,
		AdvisoryProvider:   "openai",
		AdvisoryTimeout:    120 * time.Second,
		SMTPPort:           587,
		SMTPStartTLS:       true,
		NotifyRetries:      3,
		ListenAddr:         ":8787",
		ActionRetries:      3,
		ActionTimeout:      30 * time.Second,
	}
}

// Load reads configuration from the environment. A .env file in the working
// directory or at OASIS_ENV_FILE is applied first without overriding
// already-set variables.
func Load() (*Config, error) {
	if envFile := os.Getenv("OASIS_ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, oasiserr.Configuration("load env file", err)
		}
	} else if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env from working directory")
	}

	cfg := Defaults()

	if v := os.Getenv("OASIS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OASIS_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("OASIS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("OASIS_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	var err error
	if cfg.CheckInterval, err = envDuration("OASIS_CHECK_INTERVAL", cfg.CheckInterval); err != nil {
		return nil, err
	}
	if cfg.InvocationBudget, err = envDuration("OASIS_INVOCATION_BUDGET", cfg.InvocationBudget); err != nil {
		return nil, err
	}
	if cfg.DedupWindow, err = envDuration("OASIS_DEDUP_WINDOW", cfg.DedupWindow); err != nil {
		return nil, err
	}
	if cfg.AdvisoryTimeout, err = envDuration("OASIS_ADVISORY_TIMEOUT", cfg.AdvisoryTimeout); err != nil {
		return nil, err
	}
	if cfg.ActionTimeout, err = envDuration("OASIS_ACTION_TIMEOUT", cfg.ActionTimeout); err != nil {
		return nil, err
	}

	if cfg.BaselineDays, err = envInt("OASIS_BASELINE_DAYS", cfg.BaselineDays); err != nil {
		return nil, err
	}
	if cfg.MinBaselineSamples, err = envInt("OASIS_MIN_BASELINE_SAMPLES", cfg.MinBaselineSamples); err != nil {
		return nil, err
	}
	if cfg.NotifyRetries, err = envInt("OASIS_NOTIFY_RETRIES", cfg.NotifyRetries); err != nil {
		return nil, err
	}
	if cfg.ActionRetries, err = envInt("OASIS_ACTION_RETRIES", cfg.ActionRetries); err != nil {
		return nil, err
	}
	if cfg.SMTPPort, err = envInt("OASIS_SMTP_PORT", cfg.SMTPPort); err != nil {
		return nil, err
	}

	if cfg.RatioThreshold, err = envFloat("OASIS_RATIO_THRESHOLD", cfg.RatioThreshold); err != nil {
		return nil, err
	}
	if cfg.AbsoluteDelta, err = envFloat("OASIS_ABSOLUTE_DELTA", cfg.AbsoluteDelta); err != nil {
		return nil, err
	}
	if cfg.ZeroBaselineFloor, err = envFloat("OASIS_ZERO_BASELINE_FLOOR", cfg.ZeroBaselineFloor); err != nil {
		return nil, err
	}

	cfg.AdvisoryProvider = envOr("OASIS_ADVISORY_PROVIDER", cfg.AdvisoryProvider)
	cfg.AdvisoryModel = os.Getenv("OASIS_ADVISORY_MODEL")
	cfg.AdvisoryAPIKey = os.Getenv("OASIS_ADVISORY_API_KEY")
	cfg.AdvisoryBaseURL = os.Getenv("OASIS_ADVISORY_BASE_URL")

	cfg.SMTPHost = os.Getenv("OASIS_SMTP_HOST")
	cfg.SMTPUsername = os.Getenv("OASIS_SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("OASIS_SMTP_PASSWORD")
	if v := os.Getenv("OASIS_SMTP_STARTTLS"); v != "" {
		cfg.SMTPStartTLS = parseBool(v)
	}
	cfg.EmailFrom = os.Getenv("OASIS_EMAIL_FROM")
	if v := os.Getenv("OASIS_EMAIL_TO"); v != "" {
		cfg.EmailTo = splitAndTrim(v)
	}

	cfg.PublicURL = strings.TrimRight(os.Getenv("OASIS_PUBLIC_URL"), "/")
	cfg.ListenAddr = envOr("OASIS_LISTEN_ADDR", cfg.ListenAddr)
	cfg.ActionEndpoint = os.Getenv("OASIS_ACTION_ENDPOINT")

	if v := os.Getenv("OASIS_SERVICE_DEPENDENCIES"); v != "" {
		cfg.Dependencies = parseDependencies(v)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = cfg.DataDir + "/oasis.db"
	}

	// Validation is the caller's job: the simulator runs fine without
	// an advisory capability, the engine does not.
	return cfg, nil
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if c.CheckInterval <= 0 {
		return oasiserr.Configuration("validate", fmt.Errorf("check interval must be positive"))
	}
	if c.RatioThreshold <= 1 {
		return oasiserr.Configuration("validate", fmt.Errorf("ratio threshold must exceed 1.0, got %v", c.RatioThreshold))
	}
	if c.DedupWindow <= 0 {
		return oasiserr.Configuration("validate", fmt.Errorf("dedup window must be positive"))
	}
	if c.AdvisoryAPIKey == "" && c.AdvisoryBaseURL == "" {
		return oasiserr.Configuration("validate", fmt.Errorf("advisory capability requires OASIS_ADVISORY_API_KEY or OASIS_ADVISORY_BASE_URL"))
	}
	if c.SMTPHost != "" {
		if c.EmailFrom == "" || len(c.EmailTo) == 0 {
			return oasiserr.Configuration("validate", fmt.Errorf("email notifications require OASIS_EMAIL_FROM and OASIS_EMAIL_TO"))
		}
	}
	return nil
}

// EmailEnabled reports whether SMTP delivery is configured.
func (c *Config) EmailEnabled() bool {
	return c.SMTPHost != ""
}

// parseDependencies parses "api-gateway:auth-service|product-service,auth-service:user-db".
func parseDependencies(raw string) map[string][]string {
	deps := make(map[string][]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		svc := strings.TrimSpace(parts[0])
		if svc == "" {
			continue
		}
		if len(parts) == 1 || strings.TrimSpace(parts[1]) == "" {
			deps[svc] = nil
			continue
		}
		for _, dep := range strings.Split(parts[1], "|") {
			if dep = strings.TrimSpace(dep); dep != "" {
				deps[svc] = append(deps[svc], dep)
			}
		}
	}
	return deps
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, oasiserr.Configuration(key, err)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, oasiserr.Configuration(key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, oasiserr.Configuration(key, err)
	}
	return f, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitAndTrim(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
