package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config stores runtime configuration for the fleetwatch service.
type Config struct {
	MarzbanURL         string
	AdminUser          string
	AdminPass          string
	TokenTTL           time.Duration
	RequestTimeout     time.Duration
	InsecureSkipVerify bool
	DemoMode           bool

	PollInterval     time.Duration
	AgentPort        int
	AgentScheme      string
	ProbeTimeout     time.Duration
	ProbePaths       []string
	ProbeConcurrency int
	MonitorPort      int

	HTTPListenAddr   string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	PageTitle        string
	WebDir           string

	TelegramEnabled  bool
	TelegramToken    string
	TelegramChatID   string
	TelegramAPIURL   string
	TelegramRate     float64
	RedisURL         string
	ReminderInterval time.Duration

	HistoryPath      string
	HistoryRetention time.Duration

	LogLevel  string
	LogFormat string
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		TokenTTL:         300 * time.Second,
		RequestTimeout:   10 * time.Second,
		PollInterval:     5 * time.Second,
		AgentScheme:      "http",
		ProbeTimeout:     5 * time.Second,
		ProbePaths:       []string{"/connections", "/clients", "/status"},
		ProbeConcurrency: 32,
		MonitorPort:      8443,
		HTTPListenAddr:   ":8023",
		HTTPReadTimeout:  10 * time.Second,
		HTTPWriteTimeout: 10 * time.Second,
		PageTitle:        "Fleetwatch",
		TelegramAPIURL:   "https://api.telegram.org",
		TelegramRate:     1,
		RedisURL:         "redis://localhost:6379/0",
		ReminderInterval: 6 * time.Hour,
		HistoryPath:      "fleetwatch-history.db",
		HistoryRetention: 7 * 24 * time.Hour,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load reads the optional YAML file named by FLEETWATCH_CONFIG, then applies
// environment variables on top.
func Load() (Config, error) {
	return LoadFile(strings.TrimSpace(os.Getenv("FLEETWATCH_CONFIG")))
}

// LoadFile is Load with an explicit config file path. An empty path skips
// the file.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.MarzbanURL = stringFromEnv("MARZBAN_URL", cfg.MarzbanURL)
	cfg.AdminUser = stringFromEnv("MARZBAN_ADMIN_USER", cfg.AdminUser)
	cfg.TokenTTL = durationFromEnv("MARZBAN_TOKEN_TTL", cfg.TokenTTL)
	cfg.RequestTimeout = durationFromEnv("MARZBAN_TIMEOUT", cfg.RequestTimeout)
	cfg.InsecureSkipVerify = boolFromEnv("MARZBAN_INSECURE_SKIP_VERIFY", cfg.InsecureSkipVerify)

	cfg.PollInterval = durationFromEnv("POLL_INTERVAL", cfg.PollInterval)
	cfg.AgentPort = intFromEnv("IP_AGENT_PORT", cfg.AgentPort)
	cfg.AgentScheme = strings.ToLower(stringFromEnv("IP_AGENT_SCHEME", cfg.AgentScheme))
	cfg.ProbeTimeout = durationFromEnv("FLEETWATCH_PROBE_TIMEOUT", cfg.ProbeTimeout)
	cfg.ProbePaths = listFromEnv("FLEETWATCH_PROBE_PATHS", cfg.ProbePaths)
	cfg.ProbeConcurrency = intFromEnv("FLEETWATCH_PROBE_CONCURRENCY", cfg.ProbeConcurrency)
	cfg.MonitorPort = intFromEnv("MONITOR_PORT", cfg.MonitorPort)

	if port := intFromEnv("APP_PORT", 0); port > 0 {
		cfg.HTTPListenAddr = ":" + strconv.Itoa(port)
	}
	cfg.HTTPListenAddr = stringFromEnv("FLEETWATCH_LISTEN_ADDRESS", cfg.HTTPListenAddr)
	cfg.HTTPReadTimeout = durationFromEnv("FLEETWATCH_READ_TIMEOUT", cfg.HTTPReadTimeout)
	cfg.HTTPWriteTimeout = durationFromEnv("FLEETWATCH_WRITE_TIMEOUT", cfg.HTTPWriteTimeout)
	cfg.PageTitle = stringFromEnv("FLEETWATCH_TITLE", cfg.PageTitle)
	cfg.WebDir = stringFromEnv("FLEETWATCH_WEB_DIR", cfg.WebDir)

	cfg.TelegramEnabled = boolFromEnv("TELEGRAM_ENABLED", cfg.TelegramEnabled)
	cfg.TelegramToken = stringFromEnv("TELEGRAM_BOT_TOKEN", cfg.TelegramToken)
	cfg.TelegramChatID = stringFromEnv("TELEGRAM_CHAT_ID", cfg.TelegramChatID)
	cfg.TelegramAPIURL = stringFromEnv("TELEGRAM_API_URL", cfg.TelegramAPIURL)
	cfg.TelegramRate = floatFromEnv("TELEGRAM_RATE", cfg.TelegramRate)
	cfg.RedisURL = stringFromEnv("REDIS_URL", cfg.RedisURL)

	// The legacy variable counts hours; the new one takes a Go duration.
	if hours := floatFromEnv("NODE_REMINDER_INTERVAL", -1); hours >= 0 {
		cfg.ReminderInterval = time.Duration(hours * float64(time.Hour))
	}
	cfg.ReminderInterval = durationFromEnv("FLEETWATCH_REMINDER_INTERVAL", cfg.ReminderInterval)

	cfg.HistoryPath = stringFromEnv("FLEETWATCH_HISTORY_PATH", cfg.HistoryPath)
	cfg.HistoryRetention = durationFromEnv("FLEETWATCH_HISTORY_RETENTION", cfg.HistoryRetention)

	cfg.LogLevel = stringFromEnv("FLEETWATCH_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = stringFromEnv("FLEETWATCH_LOG_FORMAT", cfg.LogFormat)

	if err := finish(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func finish(cfg *Config) error {
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be > 0")
	}
	if cfg.ProbeTimeout <= 0 {
		return fmt.Errorf("FLEETWATCH_PROBE_TIMEOUT must be > 0")
	}
	if cfg.ProbeConcurrency <= 0 {
		return fmt.Errorf("FLEETWATCH_PROBE_CONCURRENCY must be > 0")
	}
	if cfg.AgentScheme != "http" && cfg.AgentScheme != "https" {
		return fmt.Errorf("IP_AGENT_SCHEME must be http or https, got %q", cfg.AgentScheme)
	}
	if cfg.AgentPort < 0 || cfg.AgentPort > 65535 {
		return fmt.Errorf("IP_AGENT_PORT out of range: %d", cfg.AgentPort)
	}
	if cfg.ReminderInterval < 0 {
		return fmt.Errorf("reminder interval must not be negative")
	}

	cfg.DemoMode = cfg.MarzbanURL == ""
	if cfg.DemoMode {
		return nil
	}

	parsedURL, err := url.Parse(cfg.MarzbanURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("MARZBAN_URL must be a valid absolute URL")
	}
	cfg.MarzbanURL = strings.TrimRight(parsedURL.String(), "/")

	pass, err := loadAdminPassword(cfg.AdminPass)
	if err != nil {
		return err
	}
	cfg.AdminPass = pass
	return nil
}

// loadAdminPassword prefers MARZBAN_ADMIN_PASS, then the file named by
// MARZBAN_ADMIN_PASS_FILE, then the config file value. No password at all is
// allowed: the service then polls unauthenticated.
func loadAdminPassword(fromFile string) (string, error) {
	if pass := strings.TrimSpace(os.Getenv("MARZBAN_ADMIN_PASS")); pass != "" {
		return pass, nil
	}

	secretPath := strings.TrimSpace(os.Getenv("MARZBAN_ADMIN_PASS_FILE"))
	if secretPath == "" {
		return fromFile, nil
	}

	secretData, err := os.ReadFile(secretPath)
	if err != nil {
		return "", fmt.Errorf("failed to read MARZBAN_ADMIN_PASS_FILE: %w", err)
	}

	pass := strings.TrimSpace(string(secretData))
	if pass == "" {
		return "", fmt.Errorf("MARZBAN_ADMIN_PASS_FILE is empty")
	}

	return pass, nil
}

func parseDuration(value string) (time.Duration, bool) {
	parsed, err := time.ParseDuration(value)
	if err == nil {
		return parsed, true
	}

	// Accept plain numbers as seconds for convenience (e.g. "2" => 2s, "0.5" => 500ms).
	if seconds, parseErr := strconv.ParseFloat(value, 64); parseErr == nil && seconds >= 0 {
		return time.Duration(seconds * float64(time.Second)), true
	}

	return 0, false
}

func durationFromEnv(name string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}

	if parsed, ok := parseDuration(value); ok {
		return parsed
	}

	return fallback
}

func boolFromEnv(name string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}

	switch strings.ToLower(value) {
	case "yes", "on":
		return true
	case "no", "off":
		return false
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}

	return parsed
}

func intFromEnv(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}

	return parsed
}

func floatFromEnv(name string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}

	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}

	return parsed
}

func stringFromEnv(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}

	return value
}

func listFromEnv(name string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}

	out := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
