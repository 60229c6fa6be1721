package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/organizer/internal/audit"
	"github.com/basket/organizer/internal/bus"
	otelx "github.com/basket/organizer/internal/otel"
	"github.com/basket/organizer/internal/persistence"
	"github.com/basket/organizer/internal/shared"
)

// Config holds the dependencies and limits of the Syncer.
type Config struct {
	Store    *persistence.Store
	Provider Provider
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otelx.Metrics
	Bus      *bus.Bus

	BatchSize      int           // tasks per tick; default 20
	PendingStale   time.Duration // age after which a PENDING claim is retaken; default 2m
	MaxAttempts    int           // create attempts before FAILED; default 5
	EventDuration  time.Duration // default 30m
	RequestTimeout time.Duration // per provider call; default 10s
	TokenPrefix    string
}

// Syncer runs the create, update and cancel ticks.
type Syncer struct {
	store    *persistence.Store
	provider Provider
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otelx.Metrics
	bus      *bus.Bus
	workerID string

	batchSize      int
	pendingStale   time.Duration
	maxAttempts    int
	eventDuration  time.Duration
	requestTimeout time.Duration
	tokenPrefix    string
}

// TickStats summarises one tick.
type TickStats struct {
	Examined  int
	Succeeded int
	Failed    int
	Skipped   int
}

func NewSyncer(cfg Config) *Syncer {
	s := &Syncer{
		store:          cfg.Store,
		provider:       cfg.Provider,
		logger:         cfg.Logger,
		tracer:         cfg.Tracer,
		metrics:        cfg.Metrics,
		bus:            cfg.Bus,
		workerID:       shared.NewWorkerID("calendar"),
		batchSize:      cfg.BatchSize,
		pendingStale:   cfg.PendingStale,
		maxAttempts:    cfg.MaxAttempts,
		eventDuration:  cfg.EventDuration,
		requestTimeout: cfg.RequestTimeout,
		tokenPrefix:    cfg.TokenPrefix,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	if s.metrics == nil {
		s.metrics = otelx.NoopMetrics()
	}
	if s.batchSize <= 0 {
		s.batchSize = 20
	}
	if s.pendingStale <= 0 {
		s.pendingStale = 2 * time.Minute
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 5
	}
	if s.eventDuration <= 0 {
		s.eventDuration = 30 * time.Minute
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = 10 * time.Second
	}
	if s.tokenPrefix == "" {
		s.tokenPrefix = DefaultTokenPrefix
	}
	return s
}

// call runs one provider operation under the request timeout, inside a client
// span, and counts the outcome.
func (s *Syncer) call(ctx context.Context, op string, taskID int64, fn func(context.Context) Result) Result {
	ctx, span := otelx.StartClientSpan(ctx, s.tracer, "calendar."+op, otelx.AttrTaskID.Int64(taskID))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	res := fn(ctx)
	span.SetAttributes(attribute.Int("http.status_code", res.HTTPStatus), otelx.AttrOutcome.String(res.Outcome()))
	if !res.OK && !res.NotFound() {
		span.SetStatus(codes.Error, res.String())
	}
	s.metrics.CalendarCalls.Add(ctx, 1, metric.WithAttributes(
		otelx.AttrOp.String(op), otelx.AttrOutcome.String(res.Outcome())))
	return res
}

func (s *Syncer) publish(taskID int64, op string, res Result) {
	s.bus.Publish(bus.TopicCalendarSynced, bus.CalendarSyncedEvent{
		TaskID:     taskID,
		Op:         op,
		Outcome:    res.Outcome(),
		ExternalID: res.ExternalID,
		HTTPStatus: res.HTTPStatus,
	})
}

// CreateTick creates events for PLANNED tasks without a correlation, and
// retakes PENDING claims that went stale. The provider is asked for the
// token before inserting, so a create that succeeded remotely but was never
// recorded is adopted instead of duplicated.
func (s *Syncer) CreateTick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	tasks, err := s.store.ListCalendarCreateCandidates(ctx, s.pendingStale, s.batchSize)
	if err != nil {
		return stats, fmt.Errorf("list create candidates: %w", err)
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Examined++
		claim := persistence.Pending(s.store.Now(), s.workerID)
		ok, err := s.store.ClaimCalendarCreate(ctx, task.ID, task.Correlation, claim)
		if err != nil {
			return stats, err
		}
		if !ok {
			stats.Skipped++
			continue
		}

		ev := EventFor(task, s.tokenPrefix, s.eventDuration)
		res := s.call(ctx, "create", task.ID, func(ctx context.Context) Result {
			found := s.provider.Lookup(ctx, ev.Token)
			if found.OK || !found.NotFound() {
				return found
			}
			return s.provider.Create(ctx, ev)
		})
		s.publish(task.ID, "create", res)

		if res.OK {
			if _, err := s.store.MarkCalendarLinked(ctx, task.ID, claim, res.ExternalID, *task.PlannedAt); err != nil {
				return stats, err
			}
			stats.Succeeded++
			s.logger.Info("calendar event created", "task_id", task.ID, "external_id", res.ExternalID)
			continue
		}

		stats.Failed++
		attempts, exhausted, err := s.store.RecordCalendarCreateFailure(ctx, task.ID, claim, s.maxAttempts, res.String())
		if err != nil {
			return stats, err
		}
		s.logger.Warn("calendar create failed",
			"task_id", task.ID, "status", res.HTTPStatus, "attempts", attempts, "exhausted", exhausted, "error", res.Err)
		if exhausted {
			audit.Record(ctx, audit.DecisionWarn, "calendar.exhausted", res.String(), fmt.Sprintf("task:%d", task.ID))
		}
	}
	return stats, nil
}

// UpdateTick patches events of tasks re-planned after scheduling. A missing
// event drops the link so the create tick makes a new one.
func (s *Syncer) UpdateTick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	tasks, err := s.store.ListCalendarUpdateCandidates(ctx, s.batchSize)
	if err != nil {
		return stats, fmt.Errorf("list update candidates: %w", err)
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Examined++
		extID := task.Correlation.ExternalID
		ev := EventFor(task, s.tokenPrefix, s.eventDuration)
		res := s.call(ctx, "patch", task.ID, func(ctx context.Context) Result {
			return s.provider.Patch(ctx, extID, ev)
		})
		s.publish(task.ID, "update", res)

		switch {
		case res.OK:
			if _, err := s.store.MarkCalendarPatched(ctx, task.ID, extID, *task.PlannedAt); err != nil {
				return stats, err
			}
			stats.Succeeded++
		case res.NotFound():
			if _, err := s.store.ClearCalendarLinkOnNotFound(ctx, task.ID, extID); err != nil {
				return stats, err
			}
			stats.Succeeded++
			s.logger.Info("calendar event vanished, link cleared", "task_id", task.ID, "external_id", extID)
		default:
			stats.Failed++
			s.logger.Warn("calendar patch failed", "task_id", task.ID, "status", res.HTTPStatus, "error", res.Err)
		}
	}
	return stats, nil
}

// CancelTick removes events of CANCELLED tasks and clears their
// correlation. It never changes task state.
func (s *Syncer) CancelTick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	tasks, err := s.store.ListCalendarCancelCandidates(ctx, s.pendingStale, s.batchSize)
	if err != nil {
		return stats, fmt.Errorf("list cancel candidates: %w", err)
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Examined++
		observed := task.Correlation
		res := s.call(ctx, "delete", task.ID, func(ctx context.Context) Result {
			extID := observed.ExternalID
			if observed.Kind != persistence.CorrelationLinked {
				found := s.provider.Lookup(ctx, TokenFor(s.tokenPrefix, task.ID))
				if !found.OK {
					return found
				}
				extID = found.ExternalID
			}
			return s.provider.Delete(ctx, extID)
		})
		s.publish(task.ID, "cancel", res)

		if !res.OK && !res.NotFound() {
			stats.Failed++
			s.logger.Warn("calendar delete failed", "task_id", task.ID, "status", res.HTTPStatus, "error", res.Err)
			continue
		}
		cleared, err := s.store.ClearCalendarCorrelation(ctx, task.ID, observed)
		if err != nil {
			return stats, err
		}
		if !cleared {
			stats.Skipped++
			continue
		}
		stats.Succeeded++
	}
	return stats, nil
}
