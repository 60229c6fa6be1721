package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/organizer/internal/bus"
	otelx "github.com/basket/organizer/internal/otel"
	"github.com/basket/organizer/internal/persistence"
	"github.com/basket/organizer/internal/shared"
)

// ProcessorConfig holds the queue worker dependencies and limits.
type ProcessorConfig struct {
	Store       *persistence.Store
	Engine      *Engine
	Interpreter Interpreter
	Bus         *bus.Bus
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Metrics     *otelx.Metrics

	BatchSize   int           // items claimed per run; default 10
	Lease       time.Duration // default 60s
	MaxAttempts int           // default persistence.DefaultMaxAttempts
	ItemTimeout time.Duration // per item; default 30s
}

// Processor drains the inbox in claimed batches.
type Processor struct {
	store    *persistence.Store
	engine   *Engine
	interp   Interpreter
	bus      *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otelx.Metrics
	workerID string

	batchSize   int
	lease       time.Duration
	maxAttempts atomic.Int64
	itemTimeout time.Duration

	lastError atomic.Pointer[string]
}

// RunStats summarises one Run.
type RunStats struct {
	Claimed   int
	Applied   int
	Clarified int
	Rejected  int
	Retried   int
	Dead      int
}

// Status is the worker view served by the health endpoint.
type Status struct {
	WorkerID  string `json:"worker_id"`
	LastError string `json:"last_error,omitempty"`
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	p := &Processor{
		store:       cfg.Store,
		engine:      cfg.Engine,
		interp:      cfg.Interpreter,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
		metrics:     cfg.Metrics,
		workerID:    shared.NewWorkerID("inbox"),
		batchSize:   cfg.BatchSize,
		lease:       cfg.Lease,
		itemTimeout: cfg.ItemTimeout,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "engine", "worker_id", p.workerID)
	if p.tracer == nil {
		p.tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	if p.metrics == nil {
		p.metrics = otelx.NoopMetrics()
	}
	if p.batchSize <= 0 {
		p.batchSize = 10
	}
	if p.lease <= 0 {
		p.lease = 60 * time.Second
	}
	if p.itemTimeout <= 0 {
		p.itemTimeout = 30 * time.Second
	}
	p.SetMaxAttempts(cfg.MaxAttempts)
	return p
}

// SetMaxAttempts changes the dead-letter threshold; non-positive means the default.
func (p *Processor) SetMaxAttempts(n int) {
	if n <= 0 {
		n = persistence.DefaultMaxAttempts
	}
	p.maxAttempts.Store(int64(n))
}

func (p *Processor) Status() Status {
	st := Status{WorkerID: p.workerID}
	if msg := p.lastError.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}

func (p *Processor) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	p.lastError.Store(&msg)
}

// Run claims one batch and handles its items in claim order. Store errors on
// claim are returned; per-item faults are recorded against the item.
func (p *Processor) Run(ctx context.Context) (RunStats, error) {
	var stats RunStats
	ctx = shared.WithWorkerID(ctx, p.workerID)
	items, err := p.store.Claim(ctx, p.workerID, p.batchSize, p.lease)
	if err != nil {
		p.setLastError(err)
		return stats, fmt.Errorf("claim inbox batch: %w", err)
	}
	stats.Claimed = len(items)
	if len(items) > 0 {
		p.metrics.InboxClaimed.Add(ctx, int64(len(items)))
	}
	for _, item := range items {
		if ctx.Err() != nil {
			// Unhandled items keep their lease and are reclaimed after it expires.
			return stats, ctx.Err()
		}
		outcome := p.handle(ctx, item)
		switch outcome {
		case "applied":
			stats.Applied++
		case "clarify":
			stats.Clarified++
		case "rejected":
			stats.Rejected++
		case "retry":
			stats.Retried++
		case "dead":
			stats.Dead++
		}
		p.metrics.InboxOutcomes.Add(ctx, 1, metric.WithAttributes(otelx.AttrOutcome.String(outcome)))
	}
	return stats, nil
}

func (p *Processor) handle(ctx context.Context, item persistence.InboxItem) string {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithChatID(ctx, item.ChatID)
	ctx = shared.WithSourceMsgID(ctx, item.SourceMsgID())

	ctx, span := otelx.StartSpan(ctx, p.tracer, "inbox.process",
		otelx.AttrInboxItemID.Int64(item.ID),
		otelx.AttrSource.String(item.Source),
		otelx.AttrTraceID.String(traceID),
	)
	defer span.End()

	itemCtx, cancel := context.WithTimeout(ctx, p.itemTimeout)
	defer cancel()

	logger := p.logger.With("trace_id", traceID, "item_id", item.ID, "kind", item.Kind)

	env, err := p.interp.Interpret(itemCtx, item)
	var resp Response
	var invalid *ValidationError
	switch {
	case errors.As(err, &invalid):
		resp = failure(CodeInvalidEnvelope, "%s", invalid.Message)
	case err != nil:
		return p.fail(ctx, span, logger, item, err)
	default:
		env.TraceID = traceID
		resp, err = p.engine.Apply(itemCtx, env)
		if err != nil {
			return p.fail(ctx, span, logger, item, err)
		}
	}

	if err := p.store.Complete(ctx, item.ID, p.workerID); err != nil {
		// A lost lease means another worker owns the item now; the command
		// itself is idempotent by source_msg_id.
		logger.Warn("complete inbox item failed", "error", err)
		p.setLastError(err)
		span.RecordError(err)
		return "retry"
	}

	p.publishResult(traceID, item, env.Command.Intent, resp)
	switch {
	case resp.OK:
		return "applied"
	case resp.IsClarification():
		return "clarify"
	}
	logger.Info("command rejected", "error_code", resp.ErrorCode, "message", resp.UserMessage)
	return "rejected"
}

func (p *Processor) fail(ctx context.Context, span trace.Span, logger *slog.Logger, item persistence.InboxItem, cause error) string {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	p.setLastError(cause)

	decision, err := p.store.Fail(ctx, item.ID, p.workerID, cause.Error(), int(p.maxAttempts.Load()))
	if err != nil {
		logger.Error("record inbox failure", "error", err, "cause", cause)
		return "retry"
	}
	if decision.Outcome != persistence.InboxDead {
		logger.Warn("inbox item failed, will retry", "attempt", decision.Attempt, "error", cause)
		return "retry"
	}
	// Store.Fail audits the dead letter and publishes inbox.dead.
	logger.Error("inbox item dead-lettered", "attempts", decision.Attempt, "error", cause)
	return "dead"
}

func (p *Processor) publishResult(traceID string, item persistence.InboxItem, intent string, resp Response) {
	topic := bus.TopicCommandFailed
	switch {
	case resp.OK:
		topic = bus.TopicCommandApplied
	case resp.IsClarification():
		topic = bus.TopicCommandClarify
	}
	p.bus.Publish(topic, bus.CommandResultEvent{
		TraceID:    traceID,
		Source:     item.Source,
		ChatID:     item.ChatID,
		Intent:     intent,
		OK:         resp.OK,
		Message:    resp.UserMessage,
		Question:   resp.ClarifyingQuestion,
		Choices:    resp.Choices,
		ReplyToken: resp.ReplyToken,
	})
}
