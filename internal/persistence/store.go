package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/basket/organizer/internal/audit"
	"github.com/basket/organizer/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "org-v1-2026-03-01-inbox-tasks"

	// v2 adds goals, cycles, regulations and the task parent/goal columns.
	schemaVersionV2  = 2
	schemaChecksumV2 = "org-v2-2026-03-08-goals-cycles-regulations"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	busyRetries = 5
)

// Reason codes recorded on inbox failures.
const (
	ReasonRetryProcessorError   = "RETRY_PROCESSOR_ERROR"
	ReasonDeadLetterMaxAttempts = "DEAD_LETTER_MAX_ATTEMPTS"
)

// timeLayout is fixed width so TEXT comparison in SQL orders like time.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// dateLayout is the local calendar date format used for goals, runs and digests.
const dateLayout = "2006-01-02"

type Store struct {
	db     *sql.DB
	bus    *bus.Bus // may be nil in tests
	logger *slog.Logger

	now           atomic.Pointer[func() time.Time]
	invariantMode atomic.Value // InvariantMode
	offsetMinutes atomic.Int64
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".organizer", "organizer.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, logger: slog.Default()}
	clock := time.Now
	store.now.Store(&clock)
	store.invariantMode.Store(InvariantRaise)
	store.offsetMinutes.Store(180)

	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetLogger replaces the logger used for invariant warnings.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the wall clock. Tests use it to step past leases.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now.Store(&now)
}

// SetLocalOffset sets the fixed offset, in minutes east of UTC, used for
// local-day arithmetic (time blocks, goal due dates, digests).
func (s *Store) SetLocalOffset(minutes int) {
	s.offsetMinutes.Store(int64(minutes))
}

// LocalOffset returns the fixed local offset.
func (s *Store) LocalOffset() time.Duration {
	return time.Duration(s.offsetMinutes.Load()) * time.Minute
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return (*s.now.Load())().UTC()
}

// Location returns a fixed zone for the configured local offset.
func (s *Store) Location() *time.Location {
	off := int(s.LocalOffset() / time.Second)
	return time.FixedZone(fmt.Sprintf("UTC%+03d:%02d", off/3600, abs(off%3600)/60), off)
}

// Today returns the local calendar date for the store clock.
func (s *Store) Today() string {
	return s.Now().In(s.Location()).Format(dateLayout)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		// Rows written by SQLite defaults use "YYYY-MM-DD HH:MM:SS".
		if t2, err2 := time.Parse(time.DateTime, v); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("parse time %q: %w", v, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func scanNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func scanNullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// withTx runs f in a write transaction, retrying the whole unit on BUSY.
func (s *Store) withTx(ctx context.Context, name string, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s tx: %w", name, err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := f(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s tx: %w", name, err)
		}
		return nil
	})
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

type migration struct {
	version    int
	checksum   string
	statements []string
}

var migrations = []migration{
	{
		version:  schemaVersionV1,
		checksum: schemaChecksumV1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS inbox_queue (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				source TEXT NOT NULL,
				origin_chat_id INTEGER NOT NULL,
				origin_update_id INTEGER NOT NULL,
				kind TEXT NOT NULL DEFAULT 'text',
				payload TEXT NOT NULL DEFAULT '{}',
				status TEXT NOT NULL DEFAULT 'NEW'
					CHECK (status IN ('NEW', 'CLAIMED', 'DONE', 'FAILED', 'DEAD')),
				priority INTEGER NOT NULL DEFAULT 100,
				attempts INTEGER NOT NULL DEFAULT 0,
				last_error TEXT,
				claimed_by TEXT,
				claimed_at TEXT,
				lease_until TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE (source, origin_chat_id, origin_update_id)
			);`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				title TEXT NOT NULL,
				title_folded TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'NEW'
					CHECK (status IN ('NEW', 'IN_PROGRESS', 'DONE', 'FAILED')),
				state TEXT NOT NULL DEFAULT 'NEW'
					CHECK (state IN ('NEW', 'PLANNED', 'SCHEDULED', 'DONE', 'FAILED', 'CANCELLED')),
				planned_at TEXT,
				calendar_correlation TEXT,
				calendar_attempts INTEGER NOT NULL DEFAULT 0,
				source_msg_id TEXT UNIQUE,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				completed_at TEXT
			);`,
			`CREATE TABLE IF NOT EXISTS subtasks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id INTEGER NOT NULL REFERENCES tasks(id),
				title TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'NEW'
					CHECK (status IN ('NEW', 'IN_PROGRESS', 'DONE', 'FAILED')),
				source_msg_id TEXT UNIQUE,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				completed_at TEXT
			);`,
			`CREATE TABLE IF NOT EXISTS task_events (
				event_id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id INTEGER NOT NULL REFERENCES tasks(id),
				trace_id TEXT NOT NULL DEFAULT '-',
				event_type TEXT NOT NULL,
				state_from TEXT,
				state_to TEXT NOT NULL,
				payload_json TEXT NOT NULL DEFAULT '{}',
				created_at TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS time_blocks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id INTEGER NOT NULL REFERENCES tasks(id),
				start_at TEXT NOT NULL,
				end_at TEXT NOT NULL,
				created_at TEXT NOT NULL,
				CHECK (start_at < end_at)
			);`,
			`CREATE TABLE IF NOT EXISTS kv_store (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				trace_id TEXT NOT NULL DEFAULT '-',
				subject TEXT,
				action TEXT NOT NULL,
				decision TEXT NOT NULL,
				reason TEXT,
				config_version TEXT,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_inbox_claimable ON inbox_queue(status, priority, id);`,
			`CREATE INDEX IF NOT EXISTS idx_inbox_lease ON inbox_queue(status, lease_until);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, id);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_planned ON tasks(planned_at);`,
			`CREATE INDEX IF NOT EXISTS idx_subtasks_task ON subtasks(task_id);`,
			`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
			`CREATE INDEX IF NOT EXISTS idx_time_blocks_start ON time_blocks(start_at, end_at);`,
			`CREATE INDEX IF NOT EXISTS idx_time_blocks_task ON time_blocks(task_id);`,
		},
	},
	{
		version:  schemaVersionV2,
		checksum: schemaChecksumV2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS cycles (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				type TEXT NOT NULL CHECK (type IN ('MONTHLY', 'QUARTERLY', 'CUSTOM')),
				period_key TEXT NOT NULL,
				start_date TEXT,
				end_date TEXT,
				status TEXT NOT NULL DEFAULT 'OPEN' CHECK (status IN ('OPEN', 'DONE', 'SKIPPED')),
				summary TEXT,
				source_msg_id TEXT UNIQUE,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				closed_at TEXT
			);`,
			`CREATE TABLE IF NOT EXISTS goals (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				cycle_id INTEGER REFERENCES cycles(id),
				title TEXT NOT NULL,
				success_criteria TEXT NOT NULL DEFAULT '',
				planned_end_date TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE', 'DONE', 'DROPPED')),
				continued_from_goal_id INTEGER REFERENCES goals(id),
				source_msg_id TEXT UNIQUE,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				completed_at TEXT
			);`,
			`CREATE TABLE IF NOT EXISTS goal_reschedule_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				goal_id INTEGER NOT NULL REFERENCES goals(id),
				old_end_date TEXT NOT NULL,
				new_end_date TEXT NOT NULL,
				changed_at TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS regulations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				title TEXT NOT NULL,
				day_of_month INTEGER NOT NULL CHECK (day_of_month BETWEEN 1 AND 31),
				due_time_local TEXT NOT NULL DEFAULT '10:00',
				status TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE', 'DISABLED', 'ARCHIVED')),
				source_msg_id TEXT UNIQUE,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS regulation_runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				regulation_id INTEGER NOT NULL REFERENCES regulations(id),
				period_key TEXT NOT NULL,
				due_date TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'OPEN' CHECK (status IN ('OPEN', 'DONE', 'SKIPPED', 'MISSED')),
				task_id INTEGER REFERENCES tasks(id),
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				completed_at TEXT,
				UNIQUE (regulation_id, period_key)
			);`,
			`CREATE TABLE IF NOT EXISTS nudge_ack (
				nudge_key TEXT NOT NULL,
				day TEXT NOT NULL,
				acked_at TEXT NOT NULL,
				PRIMARY KEY (nudge_key, day)
			);`,
			`ALTER TABLE tasks ADD COLUMN goal_id INTEGER REFERENCES goals(id);`,
			`ALTER TABLE tasks ADD COLUMN parent_type TEXT;`,
			`ALTER TABLE tasks ADD COLUMN parent_id INTEGER;`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_goal ON tasks(goal_id);`,
			`CREATE INDEX IF NOT EXISTS idx_goals_status_end ON goals(status, planned_end_date);`,
			`CREATE INDEX IF NOT EXISTS idx_goal_reschedules_goal ON goal_reschedule_events(goal_id);`,
			`CREATE INDEX IF NOT EXISTS idx_cycles_status ON cycles(status, type, period_key);`,
			`CREATE INDEX IF NOT EXISTS idx_regulation_runs_status ON regulation_runs(status, due_date);`,
		},
	},
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("schema ledger missing version %d", m.version)
			}
			if err != nil {
				return fmt.Errorf("read schema migration checksum: %w", err)
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
			}
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum)
			VALUES (?, ?);
		`, m.version, m.checksum); err != nil {
			return fmt.Errorf("insert schema migration ledger: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	if maxVersion < schemaVersionLatest {
		audit.Record(context.Background(), audit.DecisionAllow, "data.migration", "migration_applied",
			fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", maxVersion, schemaVersionLatest, schemaChecksumLatest))
	}
	return nil
}

// SchemaVersion reports the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, string, error) {
	var version int
	var checksum string
	err := s.db.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;
	`).Scan(&version, &checksum)
	if err != nil {
		return 0, "", fmt.Errorf("read schema version: %w", err)
	}
	return version, checksum, nil
}

// Ping verifies the database answers a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1;`).Scan(&one); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
	`, key, val)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet retrieves a value from the kv_store. Returns empty string if key not found.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

// KVSetIfAbsent stores val only when key is unset and reports whether it wrote.
func (s *Store) KVSetIfAbsent(ctx context.Context, key, val string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO NOTHING;
	`, key, val)
	if err != nil {
		return false, fmt.Errorf("kv set if absent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv set if absent rows: %w", err)
	}
	return n == 1, nil
}

// KVDelete removes key. Missing keys are not an error.
func (s *Store) KVDelete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return fmt.Sprintf("%016x", h.Sum64())
}

var digitRuns = regexp.MustCompile(`[0-9]+`)

// errorFingerprint groups failures whose messages differ only in ids and numbers.
func errorFingerprint(errMsg string) string {
	normalized := digitRuns.ReplaceAllString(strings.ToLower(strings.TrimSpace(errMsg)), "#")
	return hashString(normalized)
}
