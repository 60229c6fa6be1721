package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/basket/organizer/internal/config"
	"github.com/basket/organizer/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks. loadErr is the error config.Load
// returned, if any; cfg may be nil in that case.
func Run(ctx context.Context, cfg *config.Config, loadErr error, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkConfig(cfg, loadErr))
	if loadErr != nil {
		cfg = nil
	}
	checks := []func(context.Context, *config.Config) CheckResult{
		checkHome,
		checkDatabase,
		checkCalendarCredentials,
		checkTelegramToken,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(cfg *config.Config, loadErr error) CheckResult {
	if loadErr != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration invalid", Detail: loadErr.Error()}
	}
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, defaults in use",
			Detail: "Run `organizer init` to write one"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail: cfg.Fingerprint()}
}

func checkHome(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Home", Status: StatusSkip, Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return CheckResult{Name: "Home", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", cfg.HomeDir, err)}
	}
	f, err := os.CreateTemp(cfg.HomeDir, ".write_test")
	if err != nil {
		return CheckResult{Name: "Home", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return CheckResult{Name: "Home", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.DBPath); errors.Is(err, fs.ErrNotExist) {
		return CheckResult{Name: "Database", Status: StatusWarn, Message: fmt.Sprintf("%s does not exist yet", cfg.DBPath),
			Detail: "It is created on first start"}
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	depth, err := store.QueueDepths(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	detail := fmt.Sprintf("new=%d claimed=%d failed=%d dead=%d", depth.New, depth.Claimed, depth.Failed, depth.Dead)
	if depth.Dead > 0 {
		return CheckResult{Name: "Database", Status: StatusWarn, Message: fmt.Sprintf("%d dead inbox items", depth.Dead),
			Detail: detail + "; requeue with POST /api/inbox/{id}/retry"}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: detail}
}

func checkCalendarCredentials(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Calendar", Status: StatusSkip, Message: "Config missing"}
	}
	cal := cfg.Calendar
	if !cal.Enabled {
		return CheckResult{Name: "Calendar", Status: StatusSkip, Message: "Calendar sync disabled"}
	}
	if cal.Provider == "memory" {
		return CheckResult{Name: "Calendar", Status: StatusWarn, Message: "Memory provider in use, events are not persisted"}
	}
	path := cal.CredentialsFile
	source := "calendar.credentials_file"
	if path == "" {
		path = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
		source = "GOOGLE_APPLICATION_CREDENTIALS"
	}
	if path == "" {
		return CheckResult{Name: "Calendar", Status: StatusFail, Message: "No credentials file configured",
			Detail: "Set calendar.credentials_file or GOOGLE_APPLICATION_CREDENTIALS"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return CheckResult{Name: "Calendar", Status: StatusFail, Message: fmt.Sprintf("%s unreadable: %v", source, err)}
	}
	if info.Mode().Perm()&0o077 != 0 {
		return CheckResult{Name: "Calendar", Status: StatusWarn, Message: fmt.Sprintf("%s is readable by other users", path),
			Detail: "chmod 600 " + path}
	}
	return CheckResult{Name: "Calendar", Status: StatusPass, Message: fmt.Sprintf("Credentials at %s, calendar %q", path, cal.CalendarID)}
}

var telegramToken = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{20,}$`)

func checkTelegramToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Config missing"}
	}
	tg := cfg.Channels.Telegram
	if !tg.Enabled {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Telegram disabled"}
	}
	if !telegramToken.MatchString(tg.Token) {
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: "Bot token is malformed",
			Detail: "Expected <bot id>:<secret>; set TELEGRAM_TOKEN"}
	}
	if len(tg.AllowedIDs) == 0 {
		return CheckResult{Name: "Telegram", Status: StatusWarn, Message: "No allowed chat ids, every message will be denied"}
	}
	return CheckResult{Name: "Telegram", Status: StatusPass,
		Message: fmt.Sprintf("Token set, %d allowed chats, owner %d", len(tg.AllowedIDs), tg.OwnerChatID)}
}

// checkNetwork resolves the hosts of the enabled integrations.
func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	var hosts []string
	if cfg.Calendar.Enabled && cfg.Calendar.Provider == "google" {
		hosts = append(hosts, "www.googleapis.com")
	}
	if cfg.Channels.Telegram.Enabled {
		hosts = append(hosts, "api.telegram.org")
	}
	if len(hosts) == 0 {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "No external integrations enabled"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var details []string
	for _, host := range hosts {
		start := time.Now()
		addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
		latency := time.Since(start)
		if err != nil {
			return CheckResult{
				Name:    "Network",
				Status:  StatusFail,
				Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
				Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
			}
		}
		details = append(details, fmt.Sprintf("%s=%d addrs/%dms", host, len(addrs), latency.Milliseconds()))
	}
	return CheckResult{Name: "Network", Status: StatusPass, Message: fmt.Sprintf("Resolved %d hosts", len(hosts)),
		Detail: strings.Join(details, ", ")}
}

// Print writes a human readable report. color adds ANSI status colors.
func Print(w io.Writer, d Diagnosis, color bool) {
	fmt.Fprintf(w, "organizer %s (%s/%s, %s)\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
	for _, r := range d.Results {
		status := r.Status
		if color {
			status = colorize(r.Status)
		}
		fmt.Fprintf(w, "[%s] %-10s %s\n", status, r.Name, r.Message)
		if r.Detail != "" {
			fmt.Fprintf(w, "       %s\n", r.Detail)
		}
	}
}

func colorize(status string) string {
	code := "0"
	switch status {
	case StatusPass:
		code = "32"
	case StatusWarn:
		code = "33"
	case StatusFail:
		code = "31"
	case StatusSkip:
		code = "90"
	}
	return "\x1b[" + code + "m" + status + "\x1b[0m"
}
