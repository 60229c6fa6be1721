package persistence

import (
	"context"
	"fmt"
	"time"
)

// Digest is the daily summary shown to the user.
type Digest struct {
	Date               string `json:"date"`
	GoalsActive        int    `json:"goals_active"`
	GoalsOverdue       int    `json:"goals_overdue"`
	GoalsDueSoon       int    `json:"goals_due_soon"`
	GoalsAtRisk        int    `json:"goals_at_risk"`
	TasksToday         int    `json:"tasks_today"`
	TasksTomorrow      int    `json:"tasks_tomorrow"`
	TasksActiveTotal   int    `json:"tasks_active_total"`
	OpenRegulationRuns int    `json:"open_regulation_runs"`
}

// DailyDigest computes the digest for the local today. Active tasks are
// those whose state is not DONE, FAILED or CANCELLED.
func (s *Store) DailyDigest(ctx context.Context) (Digest, error) {
	today := s.Today()
	d := Digest{Date: today}

	if err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(1),
			COALESCE(SUM(CASE WHEN planned_end_date < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN planned_end_date BETWEEN ? AND ? THEN 1 ELSE 0 END), 0)
		FROM goals WHERE status = ?;
	`, today, today, AddDays(today, 1), GoalActive).Scan(&d.GoalsActive, &d.GoalsOverdue, &d.GoalsDueSoon); err != nil {
		return Digest{}, fmt.Errorf("digest goals: %w", err)
	}
	atRisk, err := s.atRiskGoals(ctx, today)
	if err != nil {
		return Digest{}, err
	}
	d.GoalsAtRisk = len(atRisk)

	todayStart, todayEnd, err := s.DayBounds(today)
	if err != nil {
		return Digest{}, err
	}
	tomorrowEnd := todayEnd.AddDate(0, 0, 1)
	if err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(1),
			COALESCE(SUM(CASE WHEN planned_at >= ? AND planned_at < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN planned_at >= ? AND planned_at < ? THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE state NOT IN (?, ?, ?);
	`, formatTime(todayStart), formatTime(todayEnd), formatTime(todayEnd), formatTime(tomorrowEnd),
		StateDone, StateFailed, StateCancelled).Scan(&d.TasksActiveTotal, &d.TasksToday, &d.TasksTomorrow); err != nil {
		return Digest{}, fmt.Errorf("digest tasks: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM regulation_runs WHERE status = ? AND due_date <= ?;
	`, RunOpen, today).Scan(&d.OpenRegulationRuns); err != nil {
		return Digest{}, fmt.Errorf("digest regulation runs: %w", err)
	}
	return d, nil
}

// ListTasksPlannedOn returns open tasks planned within a local date.
func (s *Store) ListTasksPlannedOn(ctx context.Context, date string) ([]Task, error) {
	start, end, err := s.DayBounds(date)
	if err != nil {
		return nil, err
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE planned_at >= ? AND planned_at < ? AND state NOT IN (?, ?, ?)
		ORDER BY planned_at ASC, id ASC;
	`, formatTime(start), formatTime(end), StateDone, StateFailed, StateCancelled)
}

// Nudge kinds.
const (
	NudgeGoalOverdue = "goal_overdue"
	NudgeGoalAtRisk  = "goal_at_risk"
)

// GoalNudge is a reminder derived from the digest for one goal.
type GoalNudge struct {
	Key            string `json:"key"`
	Kind           string `json:"kind"`
	GoalID         int64  `json:"goal_id"`
	Title          string `json:"title"`
	PlannedEndDate string `json:"planned_end_date"`
}

// ListGoalNudges returns overdue and at-risk goal reminders not yet
// acknowledged today.
func (s *Store) ListGoalNudges(ctx context.Context) ([]GoalNudge, error) {
	today := s.Today()
	overdue, err := s.ListGoals(ctx, GoalFilterOverdue)
	if err != nil {
		return nil, err
	}
	atRisk, err := s.atRiskGoals(ctx, today)
	if err != nil {
		return nil, err
	}
	var candidates []GoalNudge
	for _, g := range overdue {
		candidates = append(candidates, GoalNudge{
			Key: fmt.Sprintf("goal:%d:%s", g.ID, NudgeGoalOverdue), Kind: NudgeGoalOverdue,
			GoalID: g.ID, Title: g.Title, PlannedEndDate: g.PlannedEndDate,
		})
	}
	for _, g := range atRisk {
		candidates = append(candidates, GoalNudge{
			Key: fmt.Sprintf("goal:%d:%s", g.ID, NudgeGoalAtRisk), Kind: NudgeGoalAtRisk,
			GoalID: g.ID, Title: g.Title, PlannedEndDate: g.PlannedEndDate,
		})
	}

	acked := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT nudge_key FROM nudge_ack WHERE day = ?;`, today)
	if err != nil {
		return nil, fmt.Errorf("list nudge acks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan nudge ack: %w", err)
		}
		acked[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nudge acks: %w", err)
	}

	out := candidates[:0]
	for _, n := range candidates {
		if !acked[n.Key] {
			out = append(out, n)
		}
	}
	return out, nil
}

// AckNudge silences a nudge for the rest of the local day.
func (s *Store) AckNudge(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO nudge_ack (nudge_key, day, acked_at) VALUES (?, ?, ?)
		ON CONFLICT(nudge_key, day) DO NOTHING;
	`, key, s.Today(), formatTime(s.Now())); err != nil {
		return fmt.Errorf("ack nudge: %w", err)
	}
	return nil
}

type RetentionResult struct {
	PurgedTaskEvents int64
	PurgedAuditLogs  int64
}

// RunRetention deletes task events of terminal tasks and audit rows older
// than the given number of days. Zero disables a category. Inbox items are
// never purged.
func (s *Store) RunRetention(ctx context.Context, taskEventDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult

	if taskEventDays > 0 {
		cutoff := s.Now().AddDate(0, 0, -taskEventDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM task_events
			WHERE created_at < ?
			  AND task_id IN (SELECT id FROM tasks WHERE state IN (?, ?, ?));
		`, formatTime(cutoff), StateDone, StateFailed, StateCancelled)
		if err != nil {
			return result, fmt.Errorf("purge task_events: %w", err)
		}
		result.PurgedTaskEvents, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := s.Now().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff.Format(time.DateTime))
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}
