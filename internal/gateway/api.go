package gateway

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/organizer/internal/audit"
	"github.com/basket/organizer/internal/engine"
	"github.com/basket/organizer/internal/persistence"
	"github.com/basket/organizer/internal/shared"
)

// storeError maps store errors onto HTTP statuses.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, persistence.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, ErrCodeInvalid, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if key := q.Get("source_msg_id"); key != "" {
		task, err := s.cfg.Store.GetTaskBySourceMsgID(r.Context(), key)
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	filter := persistence.TaskFilter{Limit: queryLimit(r, 100)}
	if raw := q.Get("status"); raw != "" {
		st, err := persistence.NormalizeStatus(raw)
		if err != nil {
			storeError(w, err)
			return
		}
		filter.Status = st
	}
	if raw := q.Get("state"); raw != "" {
		st, err := persistence.ParseState(raw)
		if err != nil {
			storeError(w, err)
			return
		}
		filter.State = st
	}
	if raw := q.Get("goal_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalid, "goal_id must be an integer")
			return
		}
		filter.GoalID = &id
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), filter)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalid, "task id must be an integer")
		return
	}
	detail, err := s.cfg.Store.GetTaskDetail(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleSubtasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if key := q.Get("source_msg_id"); key != "" {
		sub, err := s.cfg.Store.GetSubtaskBySourceMsgID(r.Context(), key)
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sub)
		return
	}
	taskID, err := strconv.ParseInt(q.Get("task_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalid, "source_msg_id or task_id is required")
		return
	}
	subs, err := s.cfg.Store.ListSubtasks(r.Context(), taskID)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subtasks": subs})
}

func (s *Server) handleTimeBlocks(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = s.cfg.Store.Today()
	}
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalid, "date must be YYYY-MM-DD")
		return
	}
	blocks, err := s.cfg.Store.ListTimeBlocksForDay(r.Context(), date)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": date, "time_blocks": blocks})
}

func (s *Server) handleGoals(w http.ResponseWriter, r *http.Request) {
	goals, err := s.cfg.Store.ListGoals(r.Context(), r.URL.Query().Get("filter"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"goals": goals})
}

func (s *Server) handleActiveCycle(w http.ResponseWriter, r *http.Request) {
	cycle, err := s.cfg.Store.GetActiveCycle(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	goals, err := s.cfg.Store.ListGoalsForCycle(r.Context(), cycle.ID)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycle": cycle, "goals": goals})
}

func (s *Server) handleRegulations(w http.ResponseWriter, r *http.Request) {
	regs, err := s.cfg.Store.ListRegulations(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"regulations": regs})
}

func (s *Server) handleRegulationRuns(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = s.cfg.Store.CurrentPeriod()
	}
	runs, err := s.cfg.Store.ListRuns(r.Context(), period)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"period": period, "runs": runs})
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	d, err := s.cfg.Store.DailyDigest(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleInboxDepth(w http.ResponseWriter, r *http.Request) {
	d, err := s.cfg.Store.QueueDepths(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListInbox(w http.ResponseWriter, r *http.Request) {
	status := persistence.InboxStatus(strings.ToUpper(r.URL.Query().Get("status")))
	if status == "" {
		status = persistence.InboxDead
	}
	items, err := s.cfg.Store.ListInbox(r.Context(), status, queryLimit(r, 50))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRetryDead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalid, "item id must be an integer")
		return
	}
	if err := s.cfg.Store.RetryDead(r.Context(), id); err != nil {
		storeError(w, err)
		return
	}
	audit.Record(r.Context(), audit.DecisionAllow, "inbox.retry", "operator requeued dead item", "inbox:"+strconv.FormatInt(id, 10))
	writeJSON(w, http.StatusOK, map[string]any{"item_id": id, "status": persistence.InboxNew})
}

func (s *Server) readEnvelope(w http.ResponseWriter, r *http.Request) ([]byte, engine.Envelope, bool) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodeInvalid, "request body too large")
		return nil, engine.Envelope{}, false
	}
	env, err := s.cfg.Validator.Parse(raw)
	if err != nil {
		var invalid *engine.ValidationError
		if errors.As(err, &invalid) {
			writeJSON(w, http.StatusBadRequest, engine.Response{
				UserMessage: invalid.Message,
				ErrorCode:   engine.CodeInvalidEnvelope,
			})
			return nil, engine.Envelope{}, false
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return nil, engine.Envelope{}, false
	}
	return raw, env, true
}

// handleSubmitCommand applies one envelope synchronously. Domain outcomes,
// including clarifications and rejections, are 200 responses; only store
// faults are 5xx.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	_, env, ok := s.readEnvelope(w, r)
	if !ok {
		return
	}
	if env.Source == "" {
		env.Source = "http"
	}
	env.TraceID = shared.TraceID(r.Context())
	resp, err := s.cfg.Engine.Apply(r.Context(), env)
	if err != nil {
		s.logger.Error("command submission failed", "error", err, "trace_id", env.TraceID)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEnqueue queues an envelope for the worker. The inbox identity comes
// from source_msg_id ("http:<chat>:<update>") when both parts are numeric;
// otherwise a time-based update id is used and delivery is not deduplicated.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	raw, env, ok := s.readEnvelope(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	depth, err := s.cfg.Store.Admit(ctx, s.cfg.Backpressure())
	if errors.Is(err, persistence.ErrOverloaded) {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"code":  ErrCodeBackpressure,
			"error": "queue is overloaded, retry in a minute",
			"queue": depth,
		})
		return
	}
	if err != nil {
		storeError(w, err)
		return
	}

	chatID, updateID := envelopeIdentity(env.SourceMsgID)
	res, err := s.cfg.Store.Enqueue(ctx, persistence.EnqueueParams{
		Source:   "http",
		ChatID:   chatID,
		UpdateID: updateID,
		Kind:     persistence.KindCommand,
		Payload:  raw,
	})
	if err != nil {
		storeError(w, err)
		return
	}
	if res.Inserted {
		s.metrics.InboxEnqueued.Add(ctx, 1)
	}
	status := http.StatusAccepted
	if !res.Inserted {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func envelopeIdentity(sourceMsgID string) (chatID, updateID int64) {
	parts := strings.Split(sourceMsgID, ":")
	if len(parts) == 3 && parts[0] == "http" {
		c, errC := strconv.ParseInt(parts[1], 10, 64)
		u, errU := strconv.ParseInt(parts[2], 10, 64)
		if errC == nil && errU == nil {
			return c, u
		}
	}
	return 0, time.Now().UnixNano()
}
