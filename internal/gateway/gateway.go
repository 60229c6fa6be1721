// Package gateway serves the organizer's HTTP surface: health, read-only
// projections over the store, command submission, and live bus events.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/basket/organizer/internal/bus"
	"github.com/basket/organizer/internal/config"
	"github.com/basket/organizer/internal/cron"
	"github.com/basket/organizer/internal/engine"
	otelx "github.com/basket/organizer/internal/otel"
	"github.com/basket/organizer/internal/persistence"
	"github.com/basket/organizer/internal/shared"
)

// Stable app error codes carried in JSON error bodies.
const (
	ErrCodeInvalid      = 1000
	ErrCodeUnauthorized = 4010
	ErrCodeNotFound     = 4040
	ErrCodeBackpressure = 4290
	ErrCodeRateLimited  = 4291
	ErrCodeInternal     = 5000
)

type Config struct {
	Store     *persistence.Store
	Engine    *engine.Engine
	Validator *engine.EnvelopeValidator
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otelx.Metrics

	// MetricsHandler serves /metrics; nil disables the route.
	MetricsHandler http.Handler

	// Backpressure returns the limits in effect; it is a function so a
	// config reload applies without rebuilding the server.
	Backpressure func() persistence.Backpressure

	// Optional status sources for /healthz.
	WorkerStatus func() engine.Status
	Jobs         func() []cron.JobStatus

	AuthToken       string
	Auth            config.AuthConfig
	CORS            config.CORSConfig
	RateLimit       config.RateLimitConfig
	MaxRequestBytes int64

	// AllowOrigins lists Origin patterns accepted for cross-origin WebSockets.
	AllowOrigins []string

	ConfigFingerprint string
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *otelx.Metrics
	auth      *AuthMiddleware
	rateLimit *RateLimitMiddleware
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func New(cfg Config) *Server {
	s := &Server{cfg: cfg, logger: cfg.Logger, metrics: cfg.Metrics}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "gateway")
	if s.metrics == nil {
		s.metrics = otelx.NoopMetrics()
	}
	if s.cfg.Backpressure == nil {
		s.cfg.Backpressure = func() persistence.Backpressure { return persistence.Backpressure{Mode: "off"} }
	}
	s.auth = NewAuthMiddleware(cfg.AuthToken, cfg.Auth)
	s.rateLimit = NewRateLimitMiddleware(cfg.RateLimit, s.metrics)
	return s
}

// RateLimiter exposes the limiter so main can start bucket eviction.
func (s *Server) RateLimiter() *RateLimitMiddleware { return s.rateLimit }

// Routes returns the bare mux without middleware.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/events", s.handleEventStream)
	if s.cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.cfg.MetricsHandler)
	}

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/subtasks", s.handleSubtasks)
	mux.HandleFunc("GET /api/timeblocks", s.handleTimeBlocks)
	mux.HandleFunc("GET /api/goals", s.handleGoals)
	mux.HandleFunc("GET /api/cycles/active", s.handleActiveCycle)
	mux.HandleFunc("GET /api/regulations", s.handleRegulations)
	mux.HandleFunc("GET /api/regulations/runs", s.handleRegulationRuns)
	mux.HandleFunc("GET /api/digest", s.handleDigest)
	mux.HandleFunc("GET /api/inbox", s.handleListInbox)
	mux.HandleFunc("GET /api/inbox/depth", s.handleInboxDepth)

	mux.HandleFunc("POST /api/commands", s.handleSubmitCommand)
	mux.HandleFunc("POST /api/inbox", s.handleEnqueue)
	mux.HandleFunc("POST /api/inbox/{id}/retry", s.handleRetryDead)
	return mux
}

// Handler returns the full middleware chain: otelhttp server spans, CORS,
// body limit, auth, rate limit.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Routes()
	h = s.rateLimit.Wrap(h)
	h = s.auth.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	h = withTraceID(h)
	return otelhttp.NewHandler(h, "gateway",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// withTraceID stamps a trace id on the request context and echoes it.
func withTraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := strings.TrimSpace(r.Header.Get("X-Trace-Id"))
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set("X-Trace-Id", traceID)
		next.ServeHTTP(w, r.WithContext(shared.WithTraceID(r.Context(), traceID)))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := s.cfg.Store.Ping(ctx) == nil
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"invariant_mode":     s.cfg.Store.InvariantMode(),
	}
	if dbOK {
		if depth, err := s.cfg.Store.QueueDepths(ctx); err == nil {
			payload["queue"] = depth
		}
	}
	if s.cfg.WorkerStatus != nil {
		payload["worker"] = s.cfg.WorkerStatus()
	}
	if s.cfg.Jobs != nil {
		payload["jobs"] = s.cfg.Jobs()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// wsFrame is one bus event as sent to WebSocket and SSE clients.
type wsFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleWS streams bus events to the client. ?topic= selects a prefix; the
// default is every topic. Client messages are ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "event bus not configured")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws: client connected", "topic", sub.Topic(), "trace_id", shared.TraceID(r.Context()))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ws: client disconnected")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, wsFrame{Topic: ev.Topic, Payload: ev.Payload})
			cancel()
			if err != nil {
				s.logger.Warn("ws: write failed, closing", "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}
