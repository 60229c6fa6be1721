package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type GoalStatus string

const (
	GoalActive  GoalStatus = "ACTIVE"
	GoalDone    GoalStatus = "DONE"
	GoalDropped GoalStatus = "DROPPED"
)

// Goal query filters.
const (
	GoalFilterActive  = "active"
	GoalFilterOverdue = "overdue"
	GoalFilterDueSoon = "due_soon"
	GoalFilterAtRisk  = "at_risk"
)

// At-risk thresholds.
const (
	atRiskDueWithinDays  = 3
	atRiskIdleDays       = 3
	atRiskBlockAheadDays = 2
	atRiskReschedules    = 3
)

type Goal struct {
	ID                  int64      `json:"id"`
	CycleID             *int64     `json:"cycle_id,omitempty"`
	Title               string     `json:"title"`
	SuccessCriteria     string     `json:"success_criteria,omitempty"`
	PlannedEndDate      string     `json:"planned_end_date"`
	Status              GoalStatus `json:"status"`
	ContinuedFromGoalID *int64     `json:"continued_from_goal_id,omitempty"`
	SourceMsgID         string     `json:"source_msg_id,omitempty"`
	RescheduleCount     int        `json:"reschedule_count"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// Overdue is derived, never stored.
func (g Goal) Overdue(today string) bool {
	return g.Status == GoalActive && today > g.PlannedEndDate
}

type RescheduleEvent struct {
	ID         int64     `json:"id"`
	GoalID     int64     `json:"goal_id"`
	OldEndDate string    `json:"old_end_date"`
	NewEndDate string    `json:"new_end_date"`
	ChangedAt  time.Time `json:"changed_at"`
}

type NewGoal struct {
	CycleID             *int64
	Title               string
	SuccessCriteria     string
	PlannedEndDate      string
	SourceMsgID         string
	ContinuedFromGoalID *int64
}

type GoalUpdate struct {
	Title           *string
	SuccessCriteria *string
}

const goalColumns = `g.id, g.cycle_id, g.title, g.success_criteria, g.planned_end_date, g.status,
	g.continued_from_goal_id, COALESCE(g.source_msg_id, ''),
	(SELECT COUNT(1) FROM goal_reschedule_events r WHERE r.goal_id = g.id),
	g.created_at, g.updated_at, g.completed_at`

func scanGoal(scanFn func(dest ...any) error, g *Goal) error {
	var (
		cycleID, continuedFrom sql.NullInt64
		createdAt, updatedAt   string
		completedAt            sql.NullString
	)
	if err := scanFn(&g.ID, &cycleID, &g.Title, &g.SuccessCriteria, &g.PlannedEndDate, &g.Status,
		&continuedFrom, &g.SourceMsgID, &g.RescheduleCount, &createdAt, &updatedAt, &completedAt); err != nil {
		return err
	}
	g.CycleID = scanNullInt64(cycleID)
	g.ContinuedFromGoalID = scanNullInt64(continuedFrom)
	var err error
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}
	if g.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return err
	}
	g.CompletedAt, err = scanNullTime(completedAt)
	return err
}

func getGoal(ctx context.Context, q queryer, id int64) (Goal, error) {
	var g Goal
	row := q.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals g WHERE g.id = ?;`, id)
	if err := scanGoal(row.Scan, &g); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Goal{}, fmt.Errorf("goal %d: %w", id, ErrNotFound)
		}
		return Goal{}, fmt.Errorf("get goal: %w", err)
	}
	return g, nil
}

// ValidDate reports whether v is a YYYY-MM-DD calendar date.
func ValidDate(v string) bool {
	_, err := time.Parse(dateLayout, v)
	return err == nil
}

// AddDays shifts a YYYY-MM-DD date by n days.
func AddDays(date string, n int) string {
	d, err := time.Parse(dateLayout, date)
	if err != nil {
		return date
	}
	return d.AddDate(0, 0, n).Format(dateLayout)
}

// CreateGoal inserts an ACTIVE goal. A repeated SourceMsgID returns the
// existing goal with created=false.
func (s *Store) CreateGoal(ctx context.Context, in NewGoal) (Goal, bool, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return Goal{}, false, fmt.Errorf("create goal: title is required: %w", ErrInvalidInput)
	}
	if !ValidDate(in.PlannedEndDate) {
		return Goal{}, false, fmt.Errorf("create goal: planned_end_date %q: %w", in.PlannedEndDate, ErrInvalidInput)
	}
	var (
		goal    Goal
		created bool
	)
	err := s.withTx(ctx, "create goal", func(tx *sql.Tx) error {
		created = false
		if in.SourceMsgID != "" {
			row := tx.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals g WHERE g.source_msg_id = ?;`, in.SourceMsgID)
			err := scanGoal(row.Scan, &goal)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("select goal by source_msg_id: %w", err)
			}
		}
		if in.CycleID != nil {
			if err := requireRow(ctx, tx, `SELECT 1 FROM cycles WHERE id = ?;`, *in.CycleID, "cycle"); err != nil {
				return err
			}
		}
		now := formatTime(s.Now())
		res, err := tx.ExecContext(ctx, `
			INSERT INTO goals (cycle_id, title, success_criteria, planned_end_date, status, continued_from_goal_id, source_msg_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, nullInt64(in.CycleID), in.Title, strings.TrimSpace(in.SuccessCriteria), in.PlannedEndDate, GoalActive,
			nullInt64(in.ContinuedFromGoalID), nullString(in.SourceMsgID), now, now)
		if err != nil {
			return fmt.Errorf("insert goal: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("goal last insert id: %w", err)
		}
		goal, err = getGoal(ctx, tx, id)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	return goal, created, err
}

func (s *Store) GetGoal(ctx context.Context, goalID int64) (Goal, error) {
	return getGoal(ctx, s.db, goalID)
}

func (s *Store) UpdateGoal(ctx context.Context, goalID int64, u GoalUpdate) (Goal, error) {
	var goal Goal
	err := s.withTx(ctx, "update goal", func(tx *sql.Tx) error {
		if _, err := getGoal(ctx, tx, goalID); err != nil {
			return err
		}
		now := formatTime(s.Now())
		if u.Title != nil {
			title := strings.TrimSpace(*u.Title)
			if title == "" {
				return fmt.Errorf("update goal: title is empty: %w", ErrInvalidInput)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE goals SET title = ?, updated_at = ? WHERE id = ?;`, title, now, goalID); err != nil {
				return fmt.Errorf("update goal title: %w", err)
			}
		}
		if u.SuccessCriteria != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE goals SET success_criteria = ?, updated_at = ? WHERE id = ?;`,
				strings.TrimSpace(*u.SuccessCriteria), now, goalID); err != nil {
				return fmt.Errorf("update goal criteria: %w", err)
			}
		}
		var err error
		goal, err = getGoal(ctx, tx, goalID)
		return err
	})
	return goal, err
}

// RescheduleGoal moves an ACTIVE goal's deadline and appends the change to
// its history. Rescheduling to the same date is a no-op.
func (s *Store) RescheduleGoal(ctx context.Context, goalID int64, newEndDate string) (Goal, error) {
	if !ValidDate(newEndDate) {
		return Goal{}, fmt.Errorf("reschedule goal: date %q: %w", newEndDate, ErrInvalidInput)
	}
	var goal Goal
	err := s.withTx(ctx, "reschedule goal", func(tx *sql.Tx) error {
		current, err := getGoal(ctx, tx, goalID)
		if err != nil {
			return err
		}
		if current.Status != GoalActive {
			return &TransitionError{Entity: "goal", ID: goalID, From: string(current.Status), To: "reschedule"}
		}
		if current.PlannedEndDate == newEndDate {
			goal = current
			return nil
		}
		now := formatTime(s.Now())
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO goal_reschedule_events (goal_id, old_end_date, new_end_date, changed_at)
			VALUES (?, ?, ?, ?);
		`, goalID, current.PlannedEndDate, newEndDate, now); err != nil {
			return fmt.Errorf("insert reschedule event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE goals SET planned_end_date = ?, updated_at = ? WHERE id = ? AND status = ?;
		`, newEndDate, now, goalID, GoalActive); err != nil {
			return fmt.Errorf("update goal end date: %w", err)
		}
		goal, err = getGoal(ctx, tx, goalID)
		return err
	})
	return goal, err
}

// CloseGoal moves an ACTIVE goal to DONE or DROPPED. Closing again with the
// same status is a no-op; DONE and DROPPED never replace each other.
func (s *Store) CloseGoal(ctx context.Context, goalID int64, status GoalStatus) (Goal, error) {
	if status != GoalDone && status != GoalDropped {
		return Goal{}, fmt.Errorf("close goal: status %q: %w", status, ErrInvalidInput)
	}
	var goal Goal
	err := s.withTx(ctx, "close goal", func(tx *sql.Tx) error {
		current, err := getGoal(ctx, tx, goalID)
		if err != nil {
			return err
		}
		if current.Status == status {
			goal = current
			return nil
		}
		if current.Status != GoalActive {
			return &TransitionError{Entity: "goal", ID: goalID, From: string(current.Status), To: string(status)}
		}
		now := formatTime(s.Now())
		var completedAt sql.NullString
		if status == GoalDone {
			completedAt = sql.NullString{String: now, Valid: true}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE goals SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?;
		`, status, completedAt, now, goalID, GoalActive)
		if err != nil {
			return fmt.Errorf("close goal: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("close goal %d: status changed concurrently", goalID)
		}
		goal, err = getGoal(ctx, tx, goalID)
		return err
	})
	return goal, err
}

// LinkTaskToGoal sets tasks.goal_id.
func (s *Store) LinkTaskToGoal(ctx context.Context, taskID, goalID int64) (Task, error) {
	return s.UpdateTask(ctx, taskID, TaskUpdate{GoalID: &goalID})
}

func (s *Store) ListGoalReschedules(ctx context.Context, goalID int64) ([]RescheduleEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, goal_id, old_end_date, new_end_date, changed_at
		FROM goal_reschedule_events WHERE goal_id = ? ORDER BY id ASC;
	`, goalID)
	if err != nil {
		return nil, fmt.Errorf("list goal reschedules: %w", err)
	}
	defer rows.Close()
	var out []RescheduleEvent
	for rows.Next() {
		var ev RescheduleEvent
		var changedAt string
		if err := rows.Scan(&ev.ID, &ev.GoalID, &ev.OldEndDate, &ev.NewEndDate, &changedAt); err != nil {
			return nil, fmt.Errorf("scan reschedule event: %w", err)
		}
		if ev.ChangedAt, err = parseTime(changedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reschedule events: %w", err)
	}
	return out, nil
}

func (s *Store) queryGoals(ctx context.Context, query string, args ...any) ([]Goal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer rows.Close()
	var out []Goal
	for rows.Next() {
		var g Goal
		if err := scanGoal(rows.Scan, &g); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate goals: %w", err)
	}
	return out, nil
}

// ListGoals returns ACTIVE goals matching filter relative to the local today.
func (s *Store) ListGoals(ctx context.Context, filter string) ([]Goal, error) {
	today := s.Today()
	switch filter {
	case "", GoalFilterActive:
		return s.queryGoals(ctx, `
			SELECT `+goalColumns+` FROM goals g WHERE g.status = ? ORDER BY g.planned_end_date ASC, g.id ASC;
		`, GoalActive)
	case GoalFilterOverdue:
		return s.queryGoals(ctx, `
			SELECT `+goalColumns+` FROM goals g
			WHERE g.status = ? AND g.planned_end_date < ?
			ORDER BY g.planned_end_date ASC, g.id ASC;
		`, GoalActive, today)
	case GoalFilterDueSoon:
		return s.queryGoals(ctx, `
			SELECT `+goalColumns+` FROM goals g
			WHERE g.status = ? AND g.planned_end_date BETWEEN ? AND ?
			ORDER BY g.planned_end_date ASC, g.id ASC;
		`, GoalActive, today, AddDays(today, 1))
	case GoalFilterAtRisk:
		return s.atRiskGoals(ctx, today)
	default:
		return nil, fmt.Errorf("unknown goal filter %q: %w", filter, ErrInvalidInput)
	}
}

// atRiskGoals returns ACTIVE goals due within three days (not yet overdue)
// that show no recent movement, have no time block coming up, or were
// rescheduled repeatedly.
func (s *Store) atRiskGoals(ctx context.Context, today string) ([]Goal, error) {
	candidates, err := s.queryGoals(ctx, `
		SELECT `+goalColumns+` FROM goals g
		WHERE g.status = ? AND g.planned_end_date BETWEEN ? AND ?
		ORDER BY g.planned_end_date ASC, g.id ASC;
	`, GoalActive, today, AddDays(today, atRiskDueWithinDays))
	if err != nil {
		return nil, err
	}
	now := s.Now()
	idleSince := formatTime(now.AddDate(0, 0, -atRiskIdleDays))
	blockUntil := formatTime(now.AddDate(0, 0, atRiskBlockAheadDays))

	var out []Goal
	for _, g := range candidates {
		if g.RescheduleCount >= atRiskReschedules {
			out = append(out, g)
			continue
		}
		var moved, planned int
		if err := s.db.QueryRowContext(ctx, `
			SELECT
				(SELECT COUNT(1) FROM tasks t
				 WHERE t.goal_id = ? AND (t.updated_at >= ? OR t.completed_at >= ?))
				+ (SELECT COUNT(1) FROM time_blocks b JOIN tasks t ON t.id = b.task_id
				 WHERE t.goal_id = ? AND b.created_at >= ?),
				(SELECT COUNT(1) FROM time_blocks b JOIN tasks t ON t.id = b.task_id
				 WHERE t.goal_id = ? AND b.start_at >= ? AND b.start_at < ?);
		`, g.ID, idleSince, idleSince, g.ID, idleSince, g.ID, formatTime(now), blockUntil).Scan(&moved, &planned); err != nil {
			return nil, fmt.Errorf("goal risk signals: %w", err)
		}
		if moved == 0 || planned == 0 {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *Store) ListGoalsForCycle(ctx context.Context, cycleID int64) ([]Goal, error) {
	return s.queryGoals(ctx, `
		SELECT `+goalColumns+` FROM goals g WHERE g.cycle_id = ? ORDER BY g.id ASC;
	`, cycleID)
}
