package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/basket/organizer/internal/bus"
	"github.com/basket/organizer/internal/shared"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// TaskState is the lifecycle source of truth.
type TaskState string

const (
	StateNew       TaskState = "NEW"
	StatePlanned   TaskState = "PLANNED"
	StateScheduled TaskState = "SCHEDULED"
	StateDone      TaskState = "DONE"
	StateFailed    TaskState = "FAILED"
	StateCancelled TaskState = "CANCELLED"
)

// TaskStatus is the operational status shown to the user. It shares the
// vocabulary with subtasks.
type TaskStatus string

const (
	StatusNew        TaskStatus = "NEW"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusDone       TaskStatus = "DONE"
	StatusFailed     TaskStatus = "FAILED"
)

var allowedTransitions = map[TaskState]map[TaskState]struct{}{
	StateNew: {
		StatePlanned: {},
		StateDone:    {}, // unplanned tasks can be completed directly
	},
	StatePlanned: {
		StateScheduled: {}, // calendar create or patch succeeded
		StateDone:      {},
		StateCancelled: {},
	},
	StateScheduled: {
		StatePlanned:   {}, // re-plan
		StateDone:      {},
		StateFailed:    {},
		StateCancelled: {},
	},
}

// Terminal reports whether no transition leaves s.
func (s TaskState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

func canTransition(from, to TaskState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// statusAliases maps legacy and human spellings onto the canonical status.
var statusAliases = map[string]TaskStatus{
	"NEW":         StatusNew,
	"INBOX":       StatusNew,
	"TODO":        StatusNew,
	"IN_PROGRESS": StatusInProgress,
	"IN PROGRESS": StatusInProgress,
	"IN-PROGRESS": StatusInProgress,
	"DOING":       StatusInProgress,
	"DONE":        StatusDone,
	"COMPLETE":    StatusDone,
	"COMPLETED":   StatusDone,
	"FAILED":      StatusFailed,
}

// NormalizeStatus maps an ingest-time status spelling to the canonical value.
func NormalizeStatus(raw string) (TaskStatus, error) {
	if st, ok := statusAliases[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q: %w", raw, ErrInvalidInput)
}

// ParseState accepts a canonical state name; CANCELED is accepted for CANCELLED.
func ParseState(raw string) (TaskState, error) {
	st := TaskState(strings.ToUpper(strings.TrimSpace(raw)))
	if st == "CANCELED" {
		st = StateCancelled
	}
	switch st {
	case StateNew, StatePlanned, StateScheduled, StateDone, StateFailed, StateCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown task state %q: %w", raw, ErrInvalidInput)
}

// Task parent types.
const (
	ParentProject       = "project"
	ParentCycle         = "cycle"
	ParentRegulationRun = "regulation_run"
)

type Task struct {
	ID               int64       `json:"id"`
	Title            string      `json:"title"`
	Status           TaskStatus  `json:"status"`
	State            TaskState   `json:"state"`
	PlannedAt        *time.Time  `json:"planned_at,omitempty"`
	Correlation      Correlation `json:"calendar_correlation"`
	CalendarAttempts int         `json:"calendar_attempts"`
	SourceMsgID      string      `json:"source_msg_id,omitempty"`
	GoalID           *int64      `json:"goal_id,omitempty"`
	ParentType       string      `json:"parent_type,omitempty"`
	ParentID         *int64      `json:"parent_id,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
}

type TaskEvent struct {
	EventID   int64     `json:"event_id"`
	TaskID    int64     `json:"task_id"`
	TraceID   string    `json:"trace_id"`
	EventType string    `json:"event_type"`
	StateFrom TaskState `json:"state_from,omitempty"`
	StateTo   TaskState `json:"state_to"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

type NewTask struct {
	Title       string
	SourceMsgID string
	GoalID      *int64
	ParentType  string
	ParentID    *int64
	PlannedAt   *time.Time
}

type TaskUpdate struct {
	Title  *string
	GoalID *int64
}

type TaskFilter struct {
	Status TaskStatus
	State  TaskState
	GoalID *int64
	Limit  int
}

const taskColumns = `id, title, status, state, planned_at, calendar_correlation, calendar_attempts,
	COALESCE(source_msg_id, ''), goal_id, COALESCE(parent_type, ''), parent_id,
	created_at, updated_at, completed_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		plannedAt, correlation, completedAt sql.NullString
		goalID, parentID                    sql.NullInt64
		createdAt, updatedAt                string
	)
	if err := scanFn(
		&task.ID,
		&task.Title,
		&task.Status,
		&task.State,
		&plannedAt,
		&correlation,
		&task.CalendarAttempts,
		&task.SourceMsgID,
		&goalID,
		&task.ParentType,
		&parentID,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return err
	}
	var err error
	if task.PlannedAt, err = scanNullTime(plannedAt); err != nil {
		return err
	}
	if task.CompletedAt, err = scanNullTime(completedAt); err != nil {
		return err
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return err
	}
	task.Correlation = ParseCorrelation(correlation)
	task.GoalID = scanNullInt64(goalID)
	task.ParentID = scanNullInt64(parentID)
	return nil
}

func getTask(ctx context.Context, q queryer, taskID int64) (Task, error) {
	var t Task
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// FoldTitle canonicalises a title for matching: NFKC, Unicode case folding and
// collapsed whitespace. SQLite LIKE only folds ASCII.
func FoldTitle(title string) string {
	return cases.Fold().String(strings.Join(strings.Fields(norm.NFKC.String(title)), " "))
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID int64, from, to TaskState, eventType string, payload any) error {
	body := "{}"
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal task event payload: %w", err)
		}
		body = string(b)
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		if key := shared.SourceMsgID(ctx); key != "" {
			traceID = key
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?);
	`, taskID, traceID, eventType, string(from), string(to), body, formatTime(s.Now()))
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx moves a task to `to` when its current state is one of
// allowedFrom. The update is conditional on the state read in the same
// transaction. It returns ok=false without error when the task is missing or
// in a state outside allowedFrom.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID int64,
	allowedFrom []TaskState,
	to TaskState,
	eventType string,
	payload any,
) (TaskState, bool, error) {
	var current TaskState
	if err := tx.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return current, false, nil
	}
	if !canTransition(current, to) {
		return current, false, &TransitionError{Entity: "task", ID: taskID, From: string(current), To: string(to)}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?;
	`, to, formatTime(s.Now()), taskID, current)
	if err != nil {
		return current, false, fmt.Errorf("update task transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return current, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if n != 1 {
		return current, false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, eventType, payload); err != nil {
		return current, false, err
	}
	return current, true, nil
}

func (s *Store) publishTransition(taskID int64, from, to TaskState, reason string) {
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:   taskID,
		OldState: string(from),
		NewState: string(to),
		Reason:   reason,
	})
}

func validParentType(pt string) bool {
	switch pt {
	case "", ParentProject, ParentCycle, ParentRegulationRun:
		return true
	}
	return false
}

func sameParent(t Task, in NewTask) bool {
	if t.ParentType != in.ParentType {
		return false
	}
	if (t.ParentID == nil) != (in.ParentID == nil) {
		return false
	}
	return t.ParentID == nil || *t.ParentID == *in.ParentID
}

// CreateTask inserts a task in state NEW, or PLANNED when PlannedAt is set.
// A repeated SourceMsgID returns the existing task with created=false; if the
// replay names a different parent that is an invariant violation.
func (s *Store) CreateTask(ctx context.Context, in NewTask) (Task, bool, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.SourceMsgID = strings.TrimSpace(in.SourceMsgID)
	if in.Title == "" {
		return Task{}, false, fmt.Errorf("create task: title is required: %w", ErrInvalidInput)
	}
	if !validParentType(in.ParentType) {
		return Task{}, false, fmt.Errorf("create task: unknown parent type %q: %w", in.ParentType, ErrInvalidInput)
	}

	var (
		task       Task
		created    bool
		violations []*InvariantError
	)
	err := s.withTx(ctx, "create task", func(tx *sql.Tx) error {
		var err error
		task, created, violations, err = s.createTaskTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return Task{}, false, err
	}
	s.reportViolations(ctx, violations)
	if created && task.State == StatePlanned {
		s.publishTransition(task.ID, StateNew, StatePlanned, "created planned")
	}
	return task, created, nil
}

func (s *Store) createTaskTx(ctx context.Context, tx *sql.Tx, in NewTask) (Task, bool, []*InvariantError, error) {
	var task Task
	if in.SourceMsgID != "" {
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE source_msg_id = ?;`, in.SourceMsgID)
		err := scanTask(row.Scan, &task)
		if err == nil {
			if sameParent(task, in) {
				return task, false, nil, nil
			}
			v, err := s.enforce(InvariantSourceMsgParent,
				"source_msg_id %s already created task %d under a different parent", in.SourceMsgID, task.ID)
			if err != nil {
				return Task{}, false, nil, err
			}
			return task, false, []*InvariantError{v}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Task{}, false, nil, fmt.Errorf("select task by source_msg_id: %w", err)
		}
	}
	if in.GoalID != nil {
		if err := requireRow(ctx, tx, `SELECT 1 FROM goals WHERE id = ?;`, *in.GoalID, "goal"); err != nil {
			return Task{}, false, nil, err
		}
	}

	now := formatTime(s.Now())
	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (title, title_folded, status, state, source_msg_id, goal_id, parent_type, parent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, in.Title, FoldTitle(in.Title), StatusNew, StateNew, nullString(in.SourceMsgID),
		nullInt64(in.GoalID), nullString(in.ParentType), nullInt64(in.ParentID), now, now)
	if err != nil {
		return Task{}, false, nil, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Task{}, false, nil, fmt.Errorf("task last insert id: %w", err)
	}
	if err := s.appendTaskEventTx(ctx, tx, id, "", StateNew, "task.created", map[string]any{"title": in.Title}); err != nil {
		return Task{}, false, nil, err
	}
	if in.PlannedAt != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET planned_at = ? WHERE id = ?;`, formatTime(*in.PlannedAt), id); err != nil {
			return Task{}, false, nil, fmt.Errorf("set planned_at: %w", err)
		}
		_, ok, err := s.transitionTaskTx(ctx, tx, id, []TaskState{StateNew}, StatePlanned, "task.planned",
			map[string]any{"planned_at": formatTime(*in.PlannedAt)})
		if err != nil {
			return Task{}, false, nil, err
		}
		if !ok {
			return Task{}, false, nil, fmt.Errorf("plan new task %d: state changed concurrently", id)
		}
	}
	task, err = getTask(ctx, tx, id)
	if err != nil {
		return Task{}, false, nil, err
	}
	return task, true, nil, nil
}

func requireRow(ctx context.Context, tx *sql.Tx, query string, id int64, entity string) error {
	var one int
	if err := tx.QueryRowContext(ctx, query, id).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s %d: %w", entity, id, ErrNotFound)
		}
		return fmt.Errorf("check %s exists: %w", entity, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID int64) (Task, error) {
	return getTask(ctx, s.db, taskID)
}

func (s *Store) GetTaskBySourceMsgID(ctx context.Context, sourceMsgID string) (Task, error) {
	var t Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE source_msg_id = ?;`, sourceMsgID)
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("task with source_msg_id %q: %w", sourceMsgID, ErrNotFound)
		}
		return Task{}, fmt.Errorf("get task by source_msg_id: %w", err)
	}
	return t, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// ListTasks returns tasks matching every non-empty filter field, newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if f.GoalID != nil {
		where = append(where, "goal_id = ?")
		args = append(args, *f.GoalID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, f.Limit)
	return s.queryTasks(ctx, query, args...)
}

// FindTaskCandidates matches ref against task ids and folded titles. An exact
// id match sorts first and is returned even for terminal tasks; title matches
// only consider open tasks. Remaining rows are newest first.
func (s *Store) FindTaskCandidates(ctx context.Context, ref string, limit int) ([]Task, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	idMatch := int64(-1)
	if n, err := strconv.ParseInt(strings.TrimPrefix(ref, "#"), 10, 64); err == nil {
		idMatch = n
	}
	pattern := "%" + escapeLike(FoldTitle(ref)) + "%"
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ?
		   OR (title_folded LIKE ? ESCAPE '\' AND state NOT IN (?, ?, ?))
		ORDER BY CASE WHEN id = ? THEN 0 ELSE 1 END, id DESC
		LIMIT ?;
	`, idMatch, pattern, StateDone, StateFailed, StateCancelled, idMatch, limit)
}

func escapeLike(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(v)
}

// UpdateTask changes title and/or goal link. State is not touched.
func (s *Store) UpdateTask(ctx context.Context, taskID int64, u TaskUpdate) (Task, error) {
	var task Task
	err := s.withTx(ctx, "update task", func(tx *sql.Tx) error {
		current, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		now := formatTime(s.Now())
		changes := map[string]any{}
		if u.Title != nil {
			title := strings.TrimSpace(*u.Title)
			if title == "" {
				return fmt.Errorf("update task: title is empty: %w", ErrInvalidInput)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET title = ?, title_folded = ?, updated_at = ? WHERE id = ?;
			`, title, FoldTitle(title), now, taskID); err != nil {
				return fmt.Errorf("update task title: %w", err)
			}
			changes["title"] = title
		}
		if u.GoalID != nil {
			if err := requireRow(ctx, tx, `SELECT 1 FROM goals WHERE id = ?;`, *u.GoalID, "goal"); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET goal_id = ?, updated_at = ? WHERE id = ?;`, *u.GoalID, now, taskID); err != nil {
				return fmt.Errorf("update task goal: %w", err)
			}
			changes["goal_id"] = *u.GoalID
		}
		if len(changes) > 0 {
			if err := s.appendTaskEventTx(ctx, tx, taskID, current.State, current.State, "task.updated", changes); err != nil {
				return err
			}
		}
		task, err = getTask(ctx, tx, taskID)
		return err
	})
	return task, err
}

// PlanTask records a planning intent. NEW moves to PLANNED, SCHEDULED moves
// back to PLANNED so the update tick patches the event, and PLANNED keeps its
// state with the new time. A FAILED calendar marker is reset so the create
// tick tries again.
func (s *Store) PlanTask(ctx context.Context, taskID int64, plannedAt time.Time) (Task, error) {
	var (
		task Task
		from TaskState
	)
	err := s.withTx(ctx, "plan task", func(tx *sql.Tx) error {
		current, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		from = current.State
		if current.State.Terminal() {
			return &TransitionError{Entity: "task", ID: taskID, From: string(current.State), To: string(StatePlanned)}
		}

		now := formatTime(s.Now())
		payload := map[string]any{"planned_at": formatTime(plannedAt)}
		if current.PlannedAt != nil {
			payload["previous_planned_at"] = formatTime(*current.PlannedAt)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET planned_at = ?, updated_at = ? WHERE id = ?;`,
			formatTime(plannedAt), now, taskID); err != nil {
			return fmt.Errorf("set planned_at: %w", err)
		}
		if current.Correlation.Kind == CorrelationFailed {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET calendar_correlation = NULL, calendar_attempts = 0 WHERE id = ? AND calendar_correlation = ?;
			`, taskID, failedMarker); err != nil {
				return fmt.Errorf("reset failed correlation: %w", err)
			}
			payload["calendar_reset"] = true
		}

		switch current.State {
		case StatePlanned:
			if err := s.appendTaskEventTx(ctx, tx, taskID, StatePlanned, StatePlanned, "task.replanned", payload); err != nil {
				return err
			}
		default:
			eventType := "task.planned"
			if current.State == StateScheduled {
				eventType = "task.replanned"
			}
			_, ok, err := s.transitionTaskTx(ctx, tx, taskID, []TaskState{current.State}, StatePlanned, eventType, payload)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("plan task %d: state changed concurrently", taskID)
			}
		}
		task, err = getTask(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	if from != StatePlanned {
		s.publishTransition(taskID, from, StatePlanned, "plan")
	}
	return task, nil
}

// CompleteTask moves a NEW, PLANNED or SCHEDULED task to DONE. Completing an
// already DONE task is a no-op. Open subtasks violate an invariant.
func (s *Store) CompleteTask(ctx context.Context, taskID int64) (Task, error) {
	var (
		task       Task
		from       TaskState
		changed    bool
		violations []*InvariantError
	)
	err := s.withTx(ctx, "complete task", func(tx *sql.Tx) error {
		changed, violations = false, nil
		current, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		from = current.State
		if current.State == StateDone {
			task = current
			return nil
		}
		if !canTransition(current.State, StateDone) {
			return &TransitionError{Entity: "task", ID: taskID, From: string(current.State), To: string(StateDone)}
		}

		var open int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM subtasks WHERE task_id = ? AND status != ?;
		`, taskID, StatusDone).Scan(&open); err != nil {
			return fmt.Errorf("count open subtasks: %w", err)
		}
		if open > 0 {
			v, err := s.enforce(InvariantOpenSubtasks, "task %d has %d open subtasks", taskID, open)
			if err != nil {
				return err
			}
			violations = append(violations, v)
		}

		_, ok, err := s.transitionTaskTx(ctx, tx, taskID, []TaskState{current.State}, StateDone, "task.completed",
			map[string]any{"open_subtasks": open})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("complete task %d: state changed concurrently", taskID)
		}
		now := formatTime(s.Now())
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, completed_at = COALESCE(completed_at, ?), updated_at = ? WHERE id = ?;
		`, StatusDone, now, now, taskID); err != nil {
			return fmt.Errorf("mark task done: %w", err)
		}
		changed = true
		task, err = getTask(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	s.reportViolations(ctx, violations)
	if changed {
		s.publishTransition(taskID, from, StateDone, "complete")
	}
	return task, nil
}

// CancelTask moves a PLANNED or SCHEDULED task to CANCELLED. The calendar
// cancel tick deletes any linked event afterwards.
func (s *Store) CancelTask(ctx context.Context, taskID int64) (Task, error) {
	return s.terminate(ctx, taskID, StateCancelled, "task.cancelled", "", nil)
}

// FailTask moves a SCHEDULED task to FAILED.
func (s *Store) FailTask(ctx context.Context, taskID int64, reason string) (Task, error) {
	return s.terminate(ctx, taskID, StateFailed, "task.failed", StatusFailed, map[string]any{"reason": reason})
}

func (s *Store) terminate(ctx context.Context, taskID int64, to TaskState, eventType string, status TaskStatus, payload any) (Task, error) {
	var (
		task    Task
		from    TaskState
		changed bool
	)
	err := s.withTx(ctx, eventType, func(tx *sql.Tx) error {
		changed = false
		current, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		from = current.State
		if current.State == to {
			task = current
			return nil
		}
		if !canTransition(current.State, to) {
			return &TransitionError{Entity: "task", ID: taskID, From: string(current.State), To: string(to)}
		}
		_, ok, err := s.transitionTaskTx(ctx, tx, taskID, []TaskState{current.State}, to, eventType, payload)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s %d: state changed concurrently", eventType, taskID)
		}
		if status != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?;`, status, taskID); err != nil {
				return fmt.Errorf("set task status: %w", err)
			}
		}
		changed = true
		task, err = getTask(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	if changed {
		s.publishTransition(taskID, from, to, eventType)
	}
	return task, nil
}

// SetTaskStatus updates the operational status. DONE is routed through
// CompleteTask so the subtask invariant and lifecycle stay consistent.
func (s *Store) SetTaskStatus(ctx context.Context, taskID int64, status TaskStatus) (Task, error) {
	if status == StatusDone {
		return s.CompleteTask(ctx, taskID)
	}
	var task Task
	err := s.withTx(ctx, "set task status", func(tx *sql.Tx) error {
		current, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if current.State.Terminal() {
			return &TransitionError{Entity: "task", ID: taskID, From: string(current.State), To: "status " + string(status)}
		}
		if current.Status != status {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?;`,
				status, formatTime(s.Now()), taskID); err != nil {
				return fmt.Errorf("update task status: %w", err)
			}
			if err := s.appendTaskEventTx(ctx, tx, taskID, current.State, current.State, "task.status_changed",
				map[string]any{"from": current.Status, "to": status}); err != nil {
				return err
			}
		}
		task, err = getTask(ctx, tx, taskID)
		return err
	})
	return task, err
}

func (s *Store) ListTaskEvents(ctx context.Context, taskID int64) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, trace_id, event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var createdAt string
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.TraceID, &ev.EventType, &ev.StateFrom, &ev.StateTo, &ev.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task events: %w", err)
	}
	return out, nil
}

// TaskStateCounts returns the number of tasks per lifecycle state.
func (s *Store) TaskStateCounts(ctx context.Context) (map[TaskState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM tasks GROUP BY state;`)
	if err != nil {
		return nil, fmt.Errorf("task state counts: %w", err)
	}
	defer rows.Close()
	out := make(map[TaskState]int)
	for rows.Next() {
		var st TaskState
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan task state count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}
