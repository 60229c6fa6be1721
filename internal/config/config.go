package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	cronlib "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	otelx "github.com/basket/organizer/internal/otel"
)

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
	// OwnerChatID receives nudges and digests. Zero means the first allowed id.
	OwnerChatID int64 `yaml:"owner_chat_id"`
	PollTimeout int   `yaml:"poll_timeout_seconds"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// QueueConfig bounds the inbox.
type QueueConfig struct {
	MaxNew           int    `yaml:"max_new"`
	MaxTotal         int    `yaml:"max_total"`
	BackpressureMode string `yaml:"backpressure_mode"` // reject | off
	MaxAttempts      int    `yaml:"max_attempts"`
	ClaimLeaseSec    int    `yaml:"claim_lease_sec"`
	BatchSize        int    `yaml:"batch_size"`
	ItemTimeoutSec   int    `yaml:"item_timeout_sec"`
}

type CalendarConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Provider              string `yaml:"provider"` // google | memory
	CalendarID            string `yaml:"calendar_id"`
	CredentialsFile       string `yaml:"credentials_file"`
	TokenPrefix           string `yaml:"token_prefix"`
	MeetingDefaultMinutes int    `yaml:"meeting_default_minutes"`
	MaxAttempts           int    `yaml:"max_attempts"`
	PendingStaleSec       int    `yaml:"pending_stale_sec"`
	RequestTimeoutSec     int    `yaml:"request_timeout_sec"`
	BatchSize             int    `yaml:"batch_size"`
}

type CronConfig struct {
	// Jobs overrides the schedule of named jobs, e.g. daily-digest: "0 8 * * *".
	Jobs      map[string]string `yaml:"jobs"`
	NudgeMode string            `yaml:"nudge_mode"` // off | daily | due_day
}

type APIKeyEntry struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

// AuthConfig lists API keys accepted by the gateway in addition to AuthToken.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type GatewayConfig struct {
	AuthToken       string          `yaml:"auth_token"`
	AllowOrigins    []string        `yaml:"allow_origins"`
	MaxRequestBytes int64           `yaml:"max_request_bytes"`
	Auth            AuthConfig      `yaml:"auth"`
	CORS            CORSConfig      `yaml:"cors"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	LocalTZOffsetMin int     `yaml:"local_tz_offset_min"`
	InvariantMode    string  `yaml:"invariant_mode"` // raise | warn
	MinConfidence    float64 `yaml:"min_confidence"`
	ClarifyTTLSec    int     `yaml:"clarify_ttl_sec"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	RetentionTaskEventsDays int `yaml:"retention_task_events_days"`
	RetentionAuditLogDays   int `yaml:"retention_audit_log_days"`

	Queue     QueueConfig    `yaml:"queue"`
	Calendar  CalendarConfig `yaml:"calendar"`
	Cron      CronConfig     `yaml:"cron"`
	Channels  ChannelsConfig `yaml:"channels"`
	Gateway   GatewayConfig  `yaml:"gateway"`
	Telemetry otelx.Config   `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change runtime
// behaviour. It is logged at startup and after each reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|tz=%d|inv=%s|conf=%g|queue=%d/%d/%s/%d/%d|cal=%t/%s/%d/%d|nudge=%s|jobs=%v",
		c.BindAddr, c.LogLevel, c.DBPath, c.LocalTZOffsetMin, c.InvariantMode, c.MinConfidence,
		c.Queue.MaxNew, c.Queue.MaxTotal, c.Queue.BackpressureMode, c.Queue.MaxAttempts, c.Queue.ClaimLeaseSec,
		c.Calendar.Enabled, c.Calendar.Provider, c.Calendar.MeetingDefaultMinutes, c.Calendar.MaxAttempts,
		c.Cron.NudgeMode, c.Cron.Jobs)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:                "127.0.0.1:18790",
		LogLevel:                "info",
		LocalTZOffsetMin:        180,
		InvariantMode:           "raise",
		MinConfidence:           0.5,
		ClarifyTTLSec:           180,
		DrainTimeoutSeconds:     5,
		RetentionTaskEventsDays: 90,
		RetentionAuditLogDays:   365,
		Queue: QueueConfig{
			MaxNew:           200,
			MaxTotal:         1000,
			BackpressureMode: "reject",
			MaxAttempts:      5,
			ClaimLeaseSec:    60,
			BatchSize:        10,
			ItemTimeoutSec:   30,
		},
		Calendar: CalendarConfig{
			Provider:              "google",
			CalendarID:            "primary",
			TokenPrefix:           "organizer",
			MeetingDefaultMinutes: 30,
			MaxAttempts:           5,
			PendingStaleSec:       120,
			RequestTimeoutSec:     10,
			BatchSize:             20,
		},
		Cron: CronConfig{NudgeMode: "daily"},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{PollTimeout: 30},
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("ORGANIZER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".organizer")
}

// Load reads <home>/config.yaml, applies env overrides and defaults, and
// validates the result. A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create organizer home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes a starter config.yaml when none exists.
func WriteDefault(homeDir string) (string, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	cfg := defaultConfig()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create organizer home: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return path, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "organizer.db")
	}
	cfg.InvariantMode = strings.ToLower(strings.TrimSpace(cfg.InvariantMode))
	if cfg.InvariantMode == "" {
		cfg.InvariantMode = def.InvariantMode
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.ClarifyTTLSec <= 0 {
		cfg.ClarifyTTLSec = def.ClarifyTTLSec
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}

	q := &cfg.Queue
	q.BackpressureMode = strings.ToLower(strings.TrimSpace(q.BackpressureMode))
	if q.BackpressureMode == "" {
		q.BackpressureMode = def.Queue.BackpressureMode
	}
	if q.MaxNew <= 0 {
		q.MaxNew = def.Queue.MaxNew
	}
	if q.MaxTotal <= 0 {
		q.MaxTotal = def.Queue.MaxTotal
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = def.Queue.MaxAttempts
	}
	if q.ClaimLeaseSec <= 0 {
		q.ClaimLeaseSec = def.Queue.ClaimLeaseSec
	}
	if q.BatchSize <= 0 {
		q.BatchSize = def.Queue.BatchSize
	}
	if q.ItemTimeoutSec <= 0 {
		q.ItemTimeoutSec = def.Queue.ItemTimeoutSec
	}

	c := &cfg.Calendar
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = def.Calendar.Provider
	}
	if c.CalendarID == "" {
		c.CalendarID = def.Calendar.CalendarID
	}
	if c.TokenPrefix == "" {
		c.TokenPrefix = def.Calendar.TokenPrefix
	}
	if c.MeetingDefaultMinutes <= 0 {
		c.MeetingDefaultMinutes = def.Calendar.MeetingDefaultMinutes
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.Calendar.MaxAttempts
	}
	if c.PendingStaleSec <= 0 {
		c.PendingStaleSec = def.Calendar.PendingStaleSec
	}
	if c.RequestTimeoutSec <= 0 {
		c.RequestTimeoutSec = def.Calendar.RequestTimeoutSec
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.Calendar.BatchSize
	}

	cfg.Cron.NudgeMode = strings.ToLower(strings.TrimSpace(cfg.Cron.NudgeMode))
	if cfg.Cron.NudgeMode == "" {
		cfg.Cron.NudgeMode = def.Cron.NudgeMode
	}
	tg := &cfg.Channels.Telegram
	if tg.PollTimeout <= 0 {
		tg.PollTimeout = def.Channels.Telegram.PollTimeout
	}
	if tg.OwnerChatID == 0 && len(tg.AllowedIDs) > 0 {
		tg.OwnerChatID = tg.AllowedIDs[0]
	}
}

var specParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

func validate(cfg *Config) error {
	switch cfg.InvariantMode {
	case "raise", "warn":
	default:
		return fmt.Errorf("invariant_mode %q: must be raise or warn", cfg.InvariantMode)
	}
	switch cfg.Queue.BackpressureMode {
	case "reject", "off":
	default:
		return fmt.Errorf("queue.backpressure_mode %q: must be reject or off", cfg.Queue.BackpressureMode)
	}
	if cfg.MinConfidence > 1 {
		return fmt.Errorf("min_confidence %g: must be within (0, 1]", cfg.MinConfidence)
	}
	if cfg.LocalTZOffsetMin < -14*60 || cfg.LocalTZOffsetMin > 14*60 {
		return fmt.Errorf("local_tz_offset_min %d: out of range", cfg.LocalTZOffsetMin)
	}
	if cfg.Queue.MaxNew > cfg.Queue.MaxTotal {
		return fmt.Errorf("queue.max_new (%d) must not exceed queue.max_total (%d)", cfg.Queue.MaxNew, cfg.Queue.MaxTotal)
	}
	switch cfg.Calendar.Provider {
	case "google", "memory":
	default:
		return fmt.Errorf("calendar.provider %q: must be google or memory", cfg.Calendar.Provider)
	}
	switch cfg.Cron.NudgeMode {
	case "off", "daily", "due_day":
	default:
		return fmt.Errorf("cron.nudge_mode %q: must be off, daily or due_day", cfg.Cron.NudgeMode)
	}
	for name, spec := range cfg.Cron.Jobs {
		if _, err := specParser.Parse(spec); err != nil {
			return fmt.Errorf("cron.jobs.%s: invalid spec %q: %w", name, spec, err)
		}
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram.enabled requires a token (TELEGRAM_TOKEN)")
	}
	return nil
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func envString(name string, dst *string) {
	if raw := os.Getenv(name); raw != "" {
		*dst = raw
	}
}

func applyEnvOverrides(cfg *Config) {
	envString("ORGANIZER_BIND_ADDR", &cfg.BindAddr)
	envString("ORGANIZER_LOG_LEVEL", &cfg.LogLevel)
	envString("ORGANIZER_DB_PATH", &cfg.DBPath)
	envString("ORGANIZER_INVARIANT_MODE", &cfg.InvariantMode)
	envInt("ORGANIZER_LOCAL_TZ_OFFSET_MIN", &cfg.LocalTZOffsetMin)
	envInt("ORGANIZER_DRAIN_TIMEOUT_SECONDS", &cfg.DrainTimeoutSeconds)

	envInt("ORGANIZER_QUEUE_MAX_NEW", &cfg.Queue.MaxNew)
	envInt("ORGANIZER_QUEUE_MAX_TOTAL", &cfg.Queue.MaxTotal)
	envString("ORGANIZER_BACKPRESSURE_MODE", &cfg.Queue.BackpressureMode)
	envInt("ORGANIZER_MAX_ATTEMPTS", &cfg.Queue.MaxAttempts)
	envInt("ORGANIZER_CLAIM_LEASE_SEC", &cfg.Queue.ClaimLeaseSec)

	envInt("ORGANIZER_MEETING_DEFAULT_MINUTES", &cfg.Calendar.MeetingDefaultMinutes)
	envInt("ORGANIZER_CALENDAR_MAX_ATTEMPTS", &cfg.Calendar.MaxAttempts)
	envString("ORGANIZER_CALENDAR_ID", &cfg.Calendar.CalendarID)
	envString("ORGANIZER_CALENDAR_CREDENTIALS", &cfg.Calendar.CredentialsFile)

	envString("ORGANIZER_AUTH_TOKEN", &cfg.Gateway.AuthToken)
	envString("TELEGRAM_TOKEN", &cfg.Channels.Telegram.Token)
}
