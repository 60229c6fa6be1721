// Package engine turns command envelopes into store mutations and structured
// responses, and drains the inbox in batches.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/organizer/internal/bus"
	otelx "github.com/basket/organizer/internal/otel"
	"github.com/basket/organizer/internal/persistence"
	"github.com/basket/organizer/internal/shared"
)

const (
	DefaultMinConfidence = 0.5
	DefaultClarifyTTL    = 180 * time.Second

	pendingKeyPrefix = "clarify:"
)

// Config holds the engine dependencies.
type Config struct {
	Store   *persistence.Store
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelx.Metrics

	MinConfidence float64       // below this a command is confirmed first; default 0.5
	ClarifyTTL    time.Duration // lifetime of a pending question; default 180s
}

// Engine applies commands one at a time. Apply and Answer share a mutex so
// direct HTTP submissions and the queue worker never interleave writes.
type Engine struct {
	store    *persistence.Store
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otelx.Metrics
	registry map[string]Intent

	mu            sync.Mutex
	minConfidence float64
	clarifyTTL    time.Duration
}

func New(cfg Config) *Engine {
	e := &Engine{
		store:         cfg.Store,
		logger:        cfg.Logger,
		tracer:        cfg.Tracer,
		metrics:       cfg.Metrics,
		registry:      builtinIntents(),
		minConfidence: cfg.MinConfidence,
		clarifyTTL:    cfg.ClarifyTTL,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "engine")
	if e.tracer == nil {
		e.tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	if e.metrics == nil {
		e.metrics = otelx.NoopMetrics()
	}
	if e.minConfidence <= 0 {
		e.minConfidence = DefaultMinConfidence
	}
	if e.clarifyTTL <= 0 {
		e.clarifyTTL = DefaultClarifyTTL
	}
	return e
}

// Store exposes the backing store to handlers and the processor.
func (e *Engine) Store() *persistence.Store { return e.store }

// Intents lists the registered intent names, aliases included.
func (e *Engine) Intents() []string {
	names := make([]string, 0, len(e.registry))
	for name := range e.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply runs one command. Clarifications and rejected mutations come back as
// a Response; only store or transport faults are returned as errors.
func (e *Engine) Apply(ctx context.Context, env Envelope) (Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if env.Reply != nil {
		return e.answer(ctx, env.Reply.Token, env.Reply.ChoiceID)
	}
	return e.apply(ctx, env)
}

func (e *Engine) apply(ctx context.Context, env Envelope) (Response, error) {
	if env.TraceID != "" {
		ctx = shared.WithTraceID(ctx, env.TraceID)
	} else if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	if env.SourceMsgID != "" {
		ctx = shared.WithSourceMsgID(ctx, env.SourceMsgID)
	}
	intentName := env.Command.Intent

	ctx, span := otelx.StartSpan(ctx, e.tracer, "command.apply",
		otelx.AttrIntent.String(intentName),
		otelx.AttrSource.String(env.Source),
		otelx.AttrTraceID.String(shared.TraceID(ctx)),
	)
	defer span.End()

	resp, err := e.dispatch(ctx, env)
	result := resultLabel(resp, err)
	span.SetAttributes(otelx.AttrResult.String(result))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.metrics.CommandsApplied.Add(ctx, 1, metric.WithAttributes(
		otelx.AttrIntent.String(intentName), otelx.AttrResult.String(result)))

	e.logger.Info("command applied",
		"trace_id", shared.TraceID(ctx),
		"intent", intentName,
		"source_msg_id", env.SourceMsgID,
		"result", result,
	)
	return resp, err
}

func (e *Engine) dispatch(ctx context.Context, env Envelope) (Response, error) {
	cmd := env.Command
	if cmd.Entities == nil {
		cmd.Entities = Entities{}
	}
	intent, ok := e.registry[cmd.Intent]
	if !ok {
		return failure(CodeUnknownIntent, "unknown intent %q", cmd.Intent), nil
	}

	if intent.Mutates && cmd.ConfidenceOrDefault() < e.minConfidence {
		return e.ask(ctx, env, pendingConfirm, "", clarify(
			fmt.Sprintf("Did you mean %s?", describe(intent.Name, cmd.Entities)),
			bus.Choice{ID: "yes", Label: "Yes"},
			bus.Choice{ID: "no", Label: "No"},
		))
	}

	for _, f := range intent.Required {
		if !f.satisfied(cmd.Entities) {
			return clarify(f.Question), nil
		}
	}

	resp, err := intent.Handle(ctx, e, env.SourceMsgID, cmd)
	if err != nil {
		if r, ok := domainFailure(err); ok {
			return r, nil
		}
		return Response{}, err
	}
	if resp.IsClarification() && len(resp.Choices) > 0 && resp.ReplyToken == "" {
		return e.ask(ctx, env, pendingChoice, "task_ref.chosen_id", resp)
	}
	return resp, nil
}

func resultLabel(resp Response, err error) string {
	switch {
	case err != nil:
		return "error"
	case resp.OK:
		return "ok"
	case resp.IsClarification():
		return "clarify"
	}
	return "failed"
}

func describe(intent string, ents Entities) string {
	if title := ents.String("title"); title != "" {
		return fmt.Sprintf("%s %q", intent, title)
	}
	return intent
}

// Pending clarifications live in the kv store so an answer survives restarts.

const (
	pendingConfirm = "confirm"
	pendingChoice  = "choice"
)

type pendingQuestion struct {
	Kind      string    `json:"kind"`
	Field     string    `json:"field,omitempty"`
	Envelope  Envelope  `json:"envelope"`
	ExpiresAt time.Time `json:"expires_at"`
	Choices   []string  `json:"choices"`
}

func (e *Engine) ask(ctx context.Context, env Envelope, kind, field string, resp Response) (Response, error) {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	ids := make([]string, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		ids = append(ids, c.ID)
	}
	raw, err := json.Marshal(pendingQuestion{
		Kind:      kind,
		Field:     field,
		Envelope:  env,
		ExpiresAt: e.store.Now().Add(e.clarifyTTL),
		Choices:   ids,
	})
	if err != nil {
		return Response{}, fmt.Errorf("encode pending question: %w", err)
	}
	if err := e.store.KVSet(ctx, pendingKeyPrefix+token, string(raw)); err != nil {
		return Response{}, err
	}
	resp.ReplyToken = token
	return resp, nil
}

// Answer resolves a pending question with the chosen id and re-applies the
// original command. Expired or unknown tokens and choices outside the offered
// set are failures, not errors.
func (e *Engine) Answer(ctx context.Context, token, choiceID string) (Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.answer(ctx, token, choiceID)
}

func (e *Engine) answer(ctx context.Context, token, choiceID string) (Response, error) {
	key := pendingKeyPrefix + token
	raw, err := e.store.KVGet(ctx, key)
	if err != nil {
		return Response{}, err
	}
	if raw == "" {
		return failure(CodeClarifyExpired, "that question is no longer open"), nil
	}
	var q pendingQuestion
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		e.logger.Warn("dropping unreadable pending question", "token", token, "error", err)
		_ = e.store.KVDelete(ctx, key)
		return failure(CodeClarifyExpired, "that question is no longer open"), nil
	}
	if !e.store.Now().Before(q.ExpiresAt) {
		if err := e.store.KVDelete(ctx, key); err != nil {
			return Response{}, err
		}
		return failure(CodeClarifyExpired, "that question expired, please send the command again"), nil
	}
	offered := false
	for _, id := range q.Choices {
		if id == choiceID {
			offered = true
			break
		}
	}
	if !offered {
		return failure(CodeInvalidInput, "%q is not one of the offered choices", choiceID), nil
	}
	if err := e.store.KVDelete(ctx, key); err != nil {
		return Response{}, err
	}

	env := q.Envelope
	env.Command.Entities = env.Command.Entities.Clone()
	switch q.Kind {
	case pendingConfirm:
		if choiceID != "yes" {
			return failure(CodeDeclined, "ok, nothing changed"), nil
		}
		one := 1.0
		env.Command.Confidence = &one
	case pendingChoice:
		ref := env.Command.Entities.Map("task_ref")
		if ref == nil {
			ref = Entities{}
		} else {
			ref = ref.Clone()
		}
		ref["chosen_id"] = choiceID
		env.Command.Entities["task_ref"] = map[string]any(ref)
	}
	return e.apply(ctx, env)
}
