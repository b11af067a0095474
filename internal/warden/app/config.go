package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DatabaseFile  string // Optional: path to SQLite database file (default: ./warden.db)
	ProxyListFile string // Optional: path to the egress route list (one URL per line)

	ProviderBaseURL  string // Optional: provider API root override (tests, staging)
	ProviderTokenURL string // Optional: OAuth token endpoint override
	OAuthClientID    string // Optional: refresh grant client id override
	RequestRate      int    // Optional: provider requests per second (default: 5)

	SweepIntervalHours int      // Sweep cadence, hour-aligned (default: 6)
	SweepWindowDays    int      // Restrict sweeps to recently created accounts (0 = all)
	SweepConcurrency   int      // Parallel accounts per sweep (default: 3)
	SweepOnStart       bool     // Fire one sweep immediately on startup
	SweepReportTo      []string // Report mail recipients (empty disables the mail)

	NightlyHour        int  // Daily reconciliation hour (default: 3)
	NightlyMinute      int  // Daily reconciliation minute (default: 0)
	NightlyConcurrency int  // Parallel accounts per reconciliation (default: 3)
	NightlyOnStart     bool // Fire one reconciliation immediately on startup

	LockTTL time.Duration // Per-account lock TTL (default: 10m)

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTLS      bool // Implicit TLS on connect (SMTPS)
	SMTPStartTLS bool // Upgrade a plaintext connection via STARTTLS

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 1h)
}

func LoadConfig() Config {
	return Config{
		DatabaseFile:  getEnvOrDefault("WARDEN_DATABASE_FILE", "warden.db"),
		ProxyListFile: os.Getenv("WARDEN_PROXY_LIST_FILE"),

		ProviderBaseURL:  os.Getenv("WARDEN_PROVIDER_BASE_URL"),
		ProviderTokenURL: os.Getenv("WARDEN_PROVIDER_TOKEN_URL"),
		OAuthClientID:    os.Getenv("WARDEN_OAUTH_CLIENT_ID"),
		RequestRate:      getEnvIntOrDefault("WARDEN_REQUEST_RATE", 5),

		SweepIntervalHours: getEnvIntOrDefault("WARDEN_SWEEP_INTERVAL_HOURS", 6),
		SweepWindowDays:    getEnvIntOrDefault("WARDEN_SWEEP_WINDOW_DAYS", 30),
		SweepConcurrency:   getEnvIntOrDefault("WARDEN_SWEEP_CONCURRENCY", 3),
		SweepOnStart:       getEnvBoolOrDefault("WARDEN_SWEEP_ON_START", false),
		SweepReportTo:      splitList(os.Getenv("WARDEN_SWEEP_REPORT_TO")),

		NightlyHour:        getEnvIntOrDefault("WARDEN_NIGHTLY_HOUR", 3),
		NightlyMinute:      getEnvIntOrDefault("WARDEN_NIGHTLY_MINUTE", 0),
		NightlyConcurrency: getEnvIntOrDefault("WARDEN_NIGHTLY_CONCURRENCY", 3),
		NightlyOnStart:     getEnvBoolOrDefault("WARDEN_NIGHTLY_ON_START", false),

		LockTTL: getEnvDurationOrDefault("WARDEN_LOCK_TTL", 10*time.Minute),

		SMTPHost:     os.Getenv("WARDEN_SMTP_HOST"),
		SMTPPort:     getEnvIntOrDefault("WARDEN_SMTP_PORT", 587),
		SMTPUsername: os.Getenv("WARDEN_SMTP_USERNAME"),
		SMTPPassword: os.Getenv("WARDEN_SMTP_PASSWORD"),
		SMTPFrom:     os.Getenv("WARDEN_SMTP_FROM"),
		SMTPTLS:      getEnvBoolOrDefault("WARDEN_SMTP_TLS", false),
		SMTPStartTLS: getEnvBoolOrDefault("WARDEN_SMTP_STARTTLS", false),

		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if boolValue, err := strconv.ParseBool(value); err == nil {
		return boolValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Try parsing as integer minutes
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
