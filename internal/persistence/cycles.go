package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type CycleType string

const (
	CycleMonthly   CycleType = "MONTHLY"
	CycleQuarterly CycleType = "QUARTERLY"
	CycleCustom    CycleType = "CUSTOM"
)

type CycleStatus string

const (
	CycleOpen    CycleStatus = "OPEN"
	CycleDone    CycleStatus = "DONE"
	CycleSkipped CycleStatus = "SKIPPED"
)

type CycleSummary struct {
	GoalsTotal   int `json:"goals_total"`
	GoalsDone    int `json:"goals_done"`
	GoalsOverdue int `json:"goals_overdue"`
}

type Cycle struct {
	ID          int64         `json:"id"`
	Type        CycleType     `json:"type"`
	PeriodKey   string        `json:"period_key"`
	StartDate   string        `json:"start_date,omitempty"`
	EndDate     string        `json:"end_date,omitempty"`
	Status      CycleStatus   `json:"status"`
	Summary     *CycleSummary `json:"summary,omitempty"`
	SourceMsgID string        `json:"source_msg_id,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ClosedAt    *time.Time    `json:"closed_at,omitempty"`
}

type NewCycle struct {
	Type        CycleType
	PeriodKey   string
	StartDate   string
	EndDate     string
	SourceMsgID string
}

const cycleColumns = `id, type, period_key, COALESCE(start_date, ''), COALESCE(end_date, ''), status,
	summary, COALESCE(source_msg_id, ''), created_at, updated_at, closed_at`

func scanCycle(scanFn func(dest ...any) error, c *Cycle) error {
	var (
		summary, closedAt    sql.NullString
		createdAt, updatedAt string
	)
	if err := scanFn(&c.ID, &c.Type, &c.PeriodKey, &c.StartDate, &c.EndDate, &c.Status,
		&summary, &c.SourceMsgID, &createdAt, &updatedAt, &closedAt); err != nil {
		return err
	}
	if summary.Valid && summary.String != "" {
		var sum CycleSummary
		if err := json.Unmarshal([]byte(summary.String), &sum); err != nil {
			return fmt.Errorf("decode cycle summary: %w", err)
		}
		c.Summary = &sum
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return err
	}
	c.ClosedAt, err = scanNullTime(closedAt)
	return err
}

func getCycle(ctx context.Context, q queryer, where string, args ...any) (Cycle, error) {
	var c Cycle
	row := q.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE `+where, args...)
	if err := scanCycle(row.Scan, &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Cycle{}, fmt.Errorf("cycle: %w", ErrNotFound)
		}
		return Cycle{}, fmt.Errorf("get cycle: %w", err)
	}
	return c, nil
}

// PeriodBounds derives start and end dates from a period key: "2026-03" for
// MONTHLY, "2026-Q1" for QUARTERLY. CUSTOM cycles carry explicit dates.
func PeriodBounds(typ CycleType, key string) (string, string, error) {
	switch typ {
	case CycleMonthly:
		start, err := time.Parse("2006-01", key)
		if err != nil {
			return "", "", fmt.Errorf("monthly period %q: %w", key, ErrInvalidInput)
		}
		return start.Format(dateLayout), start.AddDate(0, 1, -1).Format(dateLayout), nil
	case CycleQuarterly:
		yearPart, qPart, ok := strings.Cut(key, "-Q")
		year, err1 := strconv.Atoi(yearPart)
		q, err2 := strconv.Atoi(qPart)
		if !ok || err1 != nil || err2 != nil || q < 1 || q > 4 {
			return "", "", fmt.Errorf("quarterly period %q: %w", key, ErrInvalidInput)
		}
		start := time.Date(year, time.Month((q-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
		return start.Format(dateLayout), start.AddDate(0, 3, -1).Format(dateLayout), nil
	}
	return "", "", nil
}

// StartCycle opens a cycle. A replayed SourceMsgID, or an OPEN cycle with
// the same type and period key, is returned with created=false.
func (s *Store) StartCycle(ctx context.Context, in NewCycle) (Cycle, bool, error) {
	in.Type = CycleType(strings.ToUpper(strings.TrimSpace(string(in.Type))))
	in.PeriodKey = strings.TrimSpace(in.PeriodKey)
	switch in.Type {
	case CycleMonthly, CycleQuarterly, CycleCustom:
	default:
		return Cycle{}, false, fmt.Errorf("start cycle: type %q: %w", in.Type, ErrInvalidInput)
	}
	if in.PeriodKey == "" {
		return Cycle{}, false, fmt.Errorf("start cycle: period_key is required: %w", ErrInvalidInput)
	}
	if in.StartDate == "" && in.EndDate == "" {
		start, end, err := PeriodBounds(in.Type, in.PeriodKey)
		if err != nil {
			return Cycle{}, false, err
		}
		in.StartDate, in.EndDate = start, end
	}
	for _, d := range []string{in.StartDate, in.EndDate} {
		if d != "" && !ValidDate(d) {
			return Cycle{}, false, fmt.Errorf("start cycle: date %q: %w", d, ErrInvalidInput)
		}
	}

	var (
		cycle   Cycle
		created bool
	)
	err := s.withTx(ctx, "start cycle", func(tx *sql.Tx) error {
		created = false
		if in.SourceMsgID != "" {
			c, err := getCycle(ctx, tx, `source_msg_id = ?;`, in.SourceMsgID)
			if err == nil {
				cycle = c
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		c, err := getCycle(ctx, tx, `status = ? AND type = ? AND period_key = ? ORDER BY id DESC LIMIT 1;`,
			CycleOpen, in.Type, in.PeriodKey)
		if err == nil {
			cycle = c
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := formatTime(s.Now())
		res, err := tx.ExecContext(ctx, `
			INSERT INTO cycles (type, period_key, start_date, end_date, status, source_msg_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, in.Type, in.PeriodKey, nullString(in.StartDate), nullString(in.EndDate), CycleOpen,
			nullString(in.SourceMsgID), now, now)
		if err != nil {
			return fmt.Errorf("insert cycle: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("cycle last insert id: %w", err)
		}
		cycle, err = getCycle(ctx, tx, `id = ?;`, id)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	return cycle, created, err
}

func (s *Store) GetCycle(ctx context.Context, cycleID int64) (Cycle, error) {
	return getCycle(ctx, s.db, `id = ?;`, cycleID)
}

// GetActiveCycle returns the most recent OPEN cycle.
func (s *Store) GetActiveCycle(ctx context.Context) (Cycle, error) {
	return getCycle(ctx, s.db, `status = ? ORDER BY id DESC LIMIT 1;`, CycleOpen)
}

// CloseCycle moves an OPEN cycle to DONE or SKIPPED and stores a goal
// summary. Closing again with the same status is a no-op.
func (s *Store) CloseCycle(ctx context.Context, cycleID int64, status CycleStatus) (Cycle, error) {
	if status != CycleDone && status != CycleSkipped {
		return Cycle{}, fmt.Errorf("close cycle: status %q: %w", status, ErrInvalidInput)
	}
	today := s.Today()
	var cycle Cycle
	err := s.withTx(ctx, "close cycle", func(tx *sql.Tx) error {
		current, err := getCycle(ctx, tx, `id = ?;`, cycleID)
		if err != nil {
			return err
		}
		if current.Status == status {
			cycle = current
			return nil
		}
		if current.Status != CycleOpen {
			return &TransitionError{Entity: "cycle", ID: cycleID, From: string(current.Status), To: string(status)}
		}
		var sum CycleSummary
		if err := tx.QueryRowContext(ctx, `
			SELECT
				COUNT(1),
				COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN status = ? AND planned_end_date < ? THEN 1 ELSE 0 END), 0)
			FROM goals WHERE cycle_id = ?;
		`, GoalDone, GoalActive, today, cycleID).Scan(&sum.GoalsTotal, &sum.GoalsDone, &sum.GoalsOverdue); err != nil {
			return fmt.Errorf("summarise cycle goals: %w", err)
		}
		raw, err := json.Marshal(sum)
		if err != nil {
			return fmt.Errorf("encode cycle summary: %w", err)
		}
		now := formatTime(s.Now())
		if _, err := tx.ExecContext(ctx, `
			UPDATE cycles SET status = ?, summary = ?, closed_at = ?, updated_at = ? WHERE id = ? AND status = ?;
		`, status, string(raw), now, now, cycleID, CycleOpen); err != nil {
			return fmt.Errorf("close cycle: %w", err)
		}
		cycle, err = getCycle(ctx, tx, `id = ?;`, cycleID)
		return err
	})
	return cycle, err
}

// ContinueGoal copies an ACTIVE goal into another cycle, linking the copy
// back to its origin. The original goal is left as is. Continuing the same
// goal into the same cycle twice returns the first copy.
func (s *Store) ContinueGoal(ctx context.Context, goalID, cycleID int64, plannedEndDate string) (Goal, bool, error) {
	src, err := s.GetGoal(ctx, goalID)
	if err != nil {
		return Goal{}, false, err
	}
	if src.Status != GoalActive {
		return Goal{}, false, &TransitionError{Entity: "goal", ID: goalID, From: string(src.Status), To: "continue"}
	}
	cycle, err := s.GetCycle(ctx, cycleID)
	if err != nil {
		return Goal{}, false, err
	}
	if plannedEndDate == "" {
		plannedEndDate = cycle.EndDate
	}
	if plannedEndDate == "" {
		plannedEndDate = src.PlannedEndDate
	}

	existing, err := s.queryGoals(ctx, `
		SELECT `+goalColumns+` FROM goals g
		WHERE g.continued_from_goal_id = ? AND g.cycle_id = ?
		ORDER BY g.id ASC LIMIT 1;
	`, goalID, cycleID)
	if err != nil {
		return Goal{}, false, err
	}
	if len(existing) > 0 {
		return existing[0], false, nil
	}
	return s.CreateGoal(ctx, NewGoal{
		CycleID:             &cycleID,
		Title:               src.Title,
		SuccessCriteria:     src.SuccessCriteria,
		PlannedEndDate:      plannedEndDate,
		ContinuedFromGoalID: &goalID,
	})
}
