package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/basket/organizer/internal/audit"
	"github.com/basket/organizer/internal/bus"
	"github.com/basket/organizer/internal/calendar"
	"github.com/basket/organizer/internal/config"
	"github.com/basket/organizer/internal/cron"
	"github.com/basket/organizer/internal/engine"
	otelx "github.com/basket/organizer/internal/otel"
	"github.com/basket/organizer/internal/persistence"
	"github.com/basket/organizer/internal/telemetry"
)

// startupError carries the reason code reported by fatalStartup.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

// app is the wired runtime shared by serve and tick.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	bus       *bus.Bus
	otel      *otelx.Provider
	metrics   *otelx.Metrics
	store     *persistence.Store
	engine    *engine.Engine
	validator *engine.EnvelopeValidator
	processor *engine.Processor
	syncer    *calendar.Syncer
	scheduler *cron.Scheduler

	backpressure atomic.Pointer[persistence.Backpressure]
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: bus.New()}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var err error
	a.otel, err = otelx.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, &startupError{"E_OTEL_INIT", err}
	}
	a.metrics, err = otelx.NewMetrics(a.otel.Meter)
	if err != nil {
		return nil, &startupError{"E_METRICS_INIT", err}
	}

	mode, err := persistence.ParseInvariantMode(cfg.InvariantMode)
	if err != nil {
		return nil, &startupError{"E_CONFIG_INVALID", err}
	}
	a.store, err = persistence.Open(cfg.DBPath, a.bus)
	if err != nil {
		return nil, &startupError{"E_STORE_OPEN", err}
	}
	a.store.SetLogger(logger)
	a.store.SetLocalOffset(cfg.LocalTZOffsetMin)
	a.store.SetInvariantMode(mode)
	audit.SetDB(a.store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	reaped, err := a.store.ReapExpiredLeases(ctx)
	if err != nil {
		return nil, &startupError{"E_RECOVERY_SCAN", err}
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "leases_reaped", reaped)

	a.setBackpressure(cfg.Queue)

	a.engine = engine.New(engine.Config{
		Store:         a.store,
		Logger:        logger,
		Tracer:        a.otel.Tracer,
		Metrics:       a.metrics,
		MinConfidence: cfg.MinConfidence,
		ClarifyTTL:    time.Duration(cfg.ClarifyTTLSec) * time.Second,
	})
	a.validator, err = engine.NewEnvelopeValidator()
	if err != nil {
		return nil, &startupError{"E_SCHEMA_COMPILE", err}
	}
	a.processor = engine.NewProcessor(engine.ProcessorConfig{
		Store:       a.store,
		Engine:      a.engine,
		Interpreter: engine.NewInboxInterpreter(a.validator),
		Bus:         a.bus,
		Logger:      logger,
		Tracer:      a.otel.Tracer,
		Metrics:     a.metrics,
		BatchSize:   cfg.Queue.BatchSize,
		Lease:       time.Duration(cfg.Queue.ClaimLeaseSec) * time.Second,
		MaxAttempts: cfg.Queue.MaxAttempts,
		ItemTimeout: time.Duration(cfg.Queue.ItemTimeoutSec) * time.Second,
	})

	if cfg.Calendar.Enabled {
		provider, err := newCalendarProvider(ctx, cfg.Calendar)
		if err != nil {
			return nil, &startupError{"E_CALENDAR_INIT", err}
		}
		a.syncer = calendar.NewSyncer(calendar.Config{
			Store:          a.store,
			Provider:       provider,
			Logger:         logger,
			Tracer:         a.otel.Tracer,
			Metrics:        a.metrics,
			Bus:            a.bus,
			BatchSize:      cfg.Calendar.BatchSize,
			PendingStale:   time.Duration(cfg.Calendar.PendingStaleSec) * time.Second,
			MaxAttempts:    cfg.Calendar.MaxAttempts,
			EventDuration:  time.Duration(cfg.Calendar.MeetingDefaultMinutes) * time.Minute,
			RequestTimeout: time.Duration(cfg.Calendar.RequestTimeoutSec) * time.Second,
			TokenPrefix:    cfg.Calendar.TokenPrefix,
		})
		logger.Info("calendar sync enabled", "provider", cfg.Calendar.Provider, "calendar_id", cfg.Calendar.CalendarID)
	}

	a.scheduler = cron.NewScheduler(cron.Config{
		Logger:   logger,
		Tracer:   a.otel.Tracer,
		Metrics:  a.metrics,
		Location: a.store.Location(),
	})
	if err := cron.RegisterJobs(a.scheduler, cron.JobsConfig{
		Store:                  a.store,
		Processor:              a.processor,
		Syncer:                 a.syncer,
		Bus:                    a.bus,
		Logger:                 logger,
		Specs:                  cfg.Cron.Jobs,
		NudgeMode:              cfg.Cron.NudgeMode,
		TaskEventRetentionDays: cfg.RetentionTaskEventsDays,
		AuditRetentionDays:     cfg.RetentionAuditLogDays,
	}); err != nil {
		return nil, &startupError{"E_CRON_REGISTER", err}
	}
	ready = true
	return a, nil
}

func newCalendarProvider(ctx context.Context, cal config.CalendarConfig) (calendar.Provider, error) {
	if cal.Provider == "memory" {
		return calendar.NewMemoryProvider(), nil
	}
	creds := cal.CredentialsFile
	if creds == "" {
		creds = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	p, err := calendar.NewGoogleProvider(ctx, calendar.GoogleConfig{
		CalendarID:      cal.CalendarID,
		CredentialsFile: creds,
	})
	if err != nil {
		return nil, fmt.Errorf("google calendar: %w", err)
	}
	return p, nil
}

// Backpressure returns the admission limits currently in effect.
func (a *app) Backpressure() persistence.Backpressure {
	if bp := a.backpressure.Load(); bp != nil {
		return *bp
	}
	return persistence.Backpressure{}
}

func (a *app) setBackpressure(q config.QueueConfig) {
	a.backpressure.Store(&persistence.Backpressure{
		MaxNew:   q.MaxNew,
		MaxTotal: q.MaxTotal,
		Mode:     q.BackpressureMode,
	})
}

func (a *app) watchConfig(ctx context.Context, w *config.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			a.reload(ctx, ev)
		}
	}
}

// reload applies the settings that can change without a restart. Bind
// address, database path and channel credentials need a restart.
func (a *app) reload(ctx context.Context, ev config.ReloadEvent) {
	next, err := config.Load()
	if err != nil {
		a.logger.Warn("config reload rejected, keeping previous settings", "path", ev.Path, "error", err)
		audit.Record(ctx, audit.DecisionDeny, "config.reload", err.Error(), ev.Path)
		return
	}
	mode, err := persistence.ParseInvariantMode(next.InvariantMode)
	if err != nil {
		a.logger.Warn("config reload rejected", "error", err)
		return
	}
	if next.BindAddr != a.cfg.BindAddr || next.DBPath != a.cfg.DBPath {
		a.logger.Warn("bind_addr and db_path changes apply after restart")
	}

	a.store.SetInvariantMode(mode)
	a.store.SetLocalOffset(next.LocalTZOffsetMin)
	a.setBackpressure(next.Queue)
	a.processor.SetMaxAttempts(next.Queue.MaxAttempts)
	telemetry.SetLevel(next.LogLevel)

	fp := next.Fingerprint()
	audit.SetConfigVersion(fp)
	audit.Record(ctx, audit.DecisionAllow, "config.reload", "applied", fp)
	a.bus.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{Fingerprint: fp})
	a.logger.Info("config reloaded", "fingerprint", fp, "invariant_mode", next.InvariantMode, "log_level", next.LogLevel)
	a.cfg = next
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.otel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.otel.Shutdown(ctx)
	}
}
