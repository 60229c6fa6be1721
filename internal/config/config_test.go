package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/organizer/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ORGANIZER_HOME", home)
	return home
}

func TestLoad_FromOrganizerHome(t *testing.T) {
	home := writeConfig(t, `
bind_addr: 127.0.0.1:9000
local_tz_offset_min: 120
queue:
  max_new: 5
  max_total: 50
calendar:
  enabled: true
  provider: memory
channels:
  telegram:
    allowed_ids: [1001, 1002]
cron:
  jobs:
    daily-digest: "0 8 * * *"
`)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home || cfg.NeedsGenesis {
		t.Fatalf("home = %q genesis=%v", cfg.HomeDir, cfg.NeedsGenesis)
	}
	if cfg.BindAddr != "127.0.0.1:9000" || cfg.LocalTZOffsetMin != 120 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Queue.MaxNew != 5 || cfg.Queue.MaxTotal != 50 || cfg.Queue.MaxAttempts != 5 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Calendar.Provider != "memory" || cfg.Calendar.MeetingDefaultMinutes != 30 {
		t.Fatalf("calendar = %+v", cfg.Calendar)
	}
	if cfg.Channels.Telegram.OwnerChatID != 1001 {
		t.Fatalf("owner chat = %d, want first allowed id", cfg.Channels.Telegram.OwnerChatID)
	}
	if cfg.DBPath != filepath.Join(home, "organizer.db") {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.Cron.Jobs["daily-digest"] != "0 8 * * *" {
		t.Fatalf("cron jobs = %v", cfg.Cron.Jobs)
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	t.Setenv("ORGANIZER_HOME", filepath.Join(t.TempDir(), "fresh"))
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis for a missing config.yaml")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	writeConfig(t, "")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LocalTZOffsetMin != 180 {
		t.Errorf("local_tz_offset_min = %d, want 180", cfg.LocalTZOffsetMin)
	}
	if cfg.InvariantMode != "raise" || cfg.Queue.BackpressureMode != "reject" {
		t.Errorf("modes = %q %q", cfg.InvariantMode, cfg.Queue.BackpressureMode)
	}
	if cfg.MinConfidence != 0.5 || cfg.ClarifyTTLSec != 180 {
		t.Errorf("engine defaults = %g %d", cfg.MinConfidence, cfg.ClarifyTTLSec)
	}
	if cfg.Queue.ClaimLeaseSec != 60 || cfg.Calendar.MaxAttempts != 5 {
		t.Errorf("lease=%d calendar attempts=%d", cfg.Queue.ClaimLeaseSec, cfg.Calendar.MaxAttempts)
	}
	if cfg.Cron.NudgeMode != "daily" {
		t.Errorf("nudge mode = %q", cfg.Cron.NudgeMode)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	writeConfig(t, "bind_addr: 127.0.0.1:1111\ninvariant_mode: raise\n")
	t.Setenv("ORGANIZER_BIND_ADDR", "0.0.0.0:2222")
	t.Setenv("ORGANIZER_INVARIANT_MODE", "WARN")
	t.Setenv("ORGANIZER_QUEUE_MAX_NEW", "7")
	t.Setenv("ORGANIZER_CLAIM_LEASE_SEC", "not-a-number")
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("ORGANIZER_AUTH_TOKEN", "s3cret")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:2222" {
		t.Errorf("bind = %q", cfg.BindAddr)
	}
	if cfg.InvariantMode != "warn" {
		t.Errorf("invariant mode = %q", cfg.InvariantMode)
	}
	if cfg.Queue.MaxNew != 7 {
		t.Errorf("max_new = %d", cfg.Queue.MaxNew)
	}
	if cfg.Queue.ClaimLeaseSec != 60 {
		t.Errorf("unparseable env must keep the default, got %d", cfg.Queue.ClaimLeaseSec)
	}
	if cfg.Channels.Telegram.Token != "123:abc" || cfg.Gateway.AuthToken != "s3cret" {
		t.Errorf("secrets not applied: %+v %+v", cfg.Channels.Telegram, cfg.Gateway)
	}
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	tests := map[string]string{
		"invariant":    "invariant_mode: maybe\n",
		"backpressure": "queue:\n  backpressure_mode: drop\n",
		"limits":       "queue:\n  max_new: 10\n  max_total: 5\n",
		"tz":           "local_tz_offset_min: 2000\n",
		"nudge":        "cron:\n  nudge_mode: hourly\n",
		"cron":         "cron:\n  jobs:\n    daily-digest: \"every morning\"\n",
		"provider":     "calendar:\n  provider: outlook\n",
		"telegram":     "channels:\n  telegram:\n    enabled: true\n",
		"confidence":   "min_confidence: 1.5\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			writeConfig(t, body)
			t.Setenv("TELEGRAM_TOKEN", "")
			if _, err := config.Load(); err == nil {
				t.Fatalf("expected error for %q", strings.TrimSpace(body))
			}
		})
	}
}

func TestFingerprint_ChangesWithSettings(t *testing.T) {
	writeConfig(t, "")
	a, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint is not stable")
	}
	b.Queue.MaxNew++
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint ignores queue limits")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("fingerprint = %q", a.Fingerprint())
	}
}

func TestWriteDefault_CreatesLoadableConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "new")
	t.Setenv("ORGANIZER_HOME", home)
	path, err := config.WriteDefault(home)
	if err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	if path != config.ConfigPath(home) {
		t.Fatalf("path = %q", path)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.NeedsGenesis || cfg.Queue.MaxTotal != 1000 {
		t.Fatalf("cfg = %+v", cfg)
	}
}
