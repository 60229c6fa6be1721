package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/organizer/internal/shared"
)

// Decisions recorded in the audit trail.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionWarn  = "warn"
	DecisionFatal = "fatal"
)

type entry struct {
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id"`
	Decision      string `json:"decision"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
	ConfigVersion string `json:"config_version,omitempty"`
	Subject       string `json:"subject,omitempty"`
}

var (
	mu            sync.Mutex
	file          *os.File
	db            *sql.DB
	configVersion string
	warnCount     atomic.Int64
	denyCount     atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

// SetConfigVersion stamps subsequent entries with the active config fingerprint.
func SetConfigVersion(v string) {
	mu.Lock()
	defer mu.Unlock()
	configVersion = v
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// WarnCount returns the number of warn decisions (invariant violations let
// through in warn mode) since startup.
func WarnCount() int64 {
	return warnCount.Load()
}

// DenyCount returns the number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one entry to audit.jsonl and, when a DB is attached, to the
// audit_log table. Reason and subject are redacted first.
func Record(ctx context.Context, decision, action, reason, subject string) {
	switch decision {
	case DecisionWarn:
		warnCount.Add(1)
	case DecisionDeny:
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:       traceID,
			Decision:      decision,
			Action:        action,
			Reason:        reason,
			ConfigVersion: configVersion,
			Subject:       subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, config_version)
			VALUES (?, ?, ?, ?, ?, ?);
		`, traceID, subject, action, decision, reason, configVersion)
	}
}
