package doctor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/organizer/internal/config"
	"github.com/basket/organizer/internal/persistence"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{HomeDir: home, DBPath: filepath.Join(home, "organizer.db")}
}

func TestRun_InvalidConfigSkipsTheRest(t *testing.T) {
	d := Run(context.Background(), nil, errors.New("invariant_mode must be raise or warn"), "test")
	if !d.Failed() {
		t.Fatal("expected a failed diagnosis")
	}
	if d.Results[0].Name != "Config" || d.Results[0].Status != StatusFail {
		t.Fatalf("config result = %+v", d.Results[0])
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Errorf("%s = %s, want SKIP", r.Name, r.Status)
		}
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	if r := checkDatabase(ctx, cfg); r.Status != StatusWarn {
		t.Fatalf("missing db = %+v", r)
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store.Close()
	if r := checkDatabase(ctx, cfg); r.Status != StatusPass {
		t.Fatalf("fresh db = %+v", r)
	}
}

func TestCheckCalendarCredentials(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "")

	if r := checkCalendarCredentials(ctx, cfg); r.Status != StatusSkip {
		t.Fatalf("disabled = %+v", r)
	}

	cfg.Calendar.Enabled = true
	cfg.Calendar.Provider = "google"
	cfg.Calendar.CredentialsFile = filepath.Join(cfg.HomeDir, "missing.json")
	if r := checkCalendarCredentials(ctx, cfg); r.Status != StatusFail {
		t.Fatalf("missing file = %+v", r)
	}

	creds := filepath.Join(cfg.HomeDir, "sa.json")
	if err := os.WriteFile(creds, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Calendar.CredentialsFile = creds
	if r := checkCalendarCredentials(ctx, cfg); r.Status != StatusWarn {
		t.Fatalf("world readable = %+v", r)
	}
	if err := os.Chmod(creds, 0o600); err != nil {
		t.Fatal(err)
	}
	if r := checkCalendarCredentials(ctx, cfg); r.Status != StatusPass {
		t.Fatalf("private file = %+v", r)
	}
}

func TestCheckTelegramToken(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	if r := checkTelegramToken(ctx, cfg); r.Status != StatusSkip {
		t.Fatalf("disabled = %+v", r)
	}
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = "not-a-token"
	if r := checkTelegramToken(ctx, cfg); r.Status != StatusFail {
		t.Fatalf("malformed = %+v", r)
	}
	cfg.Channels.Telegram.Token = "123456:ABCdefGHIjklMNOpqrSTUvwx"
	if r := checkTelegramToken(ctx, cfg); r.Status != StatusWarn {
		t.Fatalf("no allowlist = %+v", r)
	}
	cfg.Channels.Telegram.AllowedIDs = []int64{1001}
	cfg.Channels.Telegram.OwnerChatID = 1001
	if r := checkTelegramToken(ctx, cfg); r.Status != StatusPass {
		t.Fatalf("valid = %+v", r)
	}
}

func TestCheckNetwork_SkipsWithoutIntegrations(t *testing.T) {
	if r := checkNetwork(context.Background(), testConfig(t)); r.Status != StatusSkip {
		t.Fatalf("result = %+v", r)
	}
}

func TestCheckNetwork_CanceledContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.Telegram.Enabled = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r := checkNetwork(ctx, cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL for canceled context, got %+v", r)
	}
}

func TestPrint(t *testing.T) {
	d := Diagnosis{
		System:  SystemInfo{Version: "v1"},
		Results: []CheckResult{{Name: "Home", Status: StatusPass, Message: "ok", Detail: "more"}},
	}
	var plain, colored bytes.Buffer
	Print(&plain, d, false)
	Print(&colored, d, true)
	if !strings.Contains(plain.String(), "[PASS] Home") || !strings.Contains(plain.String(), "more") {
		t.Fatalf("plain = %q", plain.String())
	}
	if !strings.Contains(colored.String(), "\x1b[32mPASS") {
		t.Fatalf("colored = %q", colored.String())
	}
}
