package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type RegulationStatus string

const (
	RegulationActive   RegulationStatus = "ACTIVE"
	RegulationDisabled RegulationStatus = "DISABLED"
	RegulationArchived RegulationStatus = "ARCHIVED"
)

type RunStatus string

const (
	RunOpen    RunStatus = "OPEN"
	RunDone    RunStatus = "DONE"
	RunSkipped RunStatus = "SKIPPED"
	RunMissed  RunStatus = "MISSED"
)

const defaultDueTimeLocal = "10:00"

// Regulation is a monthly recurring obligation due on a fixed day.
type Regulation struct {
	ID           int64            `json:"id"`
	Title        string           `json:"title"`
	DayOfMonth   int              `json:"day_of_month"`
	DueTimeLocal string           `json:"due_time_local"`
	Status       RegulationStatus `json:"status"`
	SourceMsgID  string           `json:"source_msg_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

type RegulationRun struct {
	ID           int64      `json:"id"`
	RegulationID int64      `json:"regulation_id"`
	Title        string     `json:"title"`
	PeriodKey    string     `json:"period_key"`
	DueDate      string     `json:"due_date"`
	Status       RunStatus  `json:"status"`
	TaskID       *int64     `json:"task_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type NewRegulation struct {
	Title        string
	DayOfMonth   int
	DueTimeLocal string
	SourceMsgID  string
}

const regulationColumns = `id, title, day_of_month, due_time_local, status, COALESCE(source_msg_id, ''), created_at, updated_at`

const runColumns = `r.id, r.regulation_id, g.title, r.period_key, r.due_date, r.status, r.task_id,
	r.created_at, r.updated_at, r.completed_at`

func scanRegulation(scanFn func(dest ...any) error, r *Regulation) error {
	var createdAt, updatedAt string
	if err := scanFn(&r.ID, &r.Title, &r.DayOfMonth, &r.DueTimeLocal, &r.Status, &r.SourceMsgID, &createdAt, &updatedAt); err != nil {
		return err
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}
	r.UpdatedAt, err = parseTime(updatedAt)
	return err
}

func scanRun(scanFn func(dest ...any) error, r *RegulationRun) error {
	var (
		taskID               sql.NullInt64
		createdAt, updatedAt string
		completedAt          sql.NullString
	)
	if err := scanFn(&r.ID, &r.RegulationID, &r.Title, &r.PeriodKey, &r.DueDate, &r.Status, &taskID,
		&createdAt, &updatedAt, &completedAt); err != nil {
		return err
	}
	r.TaskID = scanNullInt64(taskID)
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return err
	}
	r.CompletedAt, err = scanNullTime(completedAt)
	return err
}

func getRegulation(ctx context.Context, q queryer, id int64) (Regulation, error) {
	var r Regulation
	row := q.QueryRowContext(ctx, `SELECT `+regulationColumns+` FROM regulations WHERE id = ?;`, id)
	if err := scanRegulation(row.Scan, &r); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Regulation{}, fmt.Errorf("regulation %d: %w", id, ErrNotFound)
		}
		return Regulation{}, fmt.Errorf("get regulation: %w", err)
	}
	return r, nil
}

func getRun(ctx context.Context, q queryer, id int64) (RegulationRun, error) {
	var r RegulationRun
	row := q.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM regulation_runs r JOIN regulations g ON g.id = r.regulation_id WHERE r.id = ?;
	`, id)
	if err := scanRun(row.Scan, &r); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RegulationRun{}, fmt.Errorf("regulation run %d: %w", id, ErrNotFound)
		}
		return RegulationRun{}, fmt.Errorf("get regulation run: %w", err)
	}
	return r, nil
}

func validClock(v string) bool {
	_, err := time.Parse("15:04", v)
	return err == nil
}

func (s *Store) CreateRegulation(ctx context.Context, in NewRegulation) (Regulation, bool, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return Regulation{}, false, fmt.Errorf("create regulation: title is required: %w", ErrInvalidInput)
	}
	if in.DayOfMonth < 1 || in.DayOfMonth > 31 {
		return Regulation{}, false, fmt.Errorf("create regulation: day_of_month %d: %w", in.DayOfMonth, ErrInvalidInput)
	}
	if in.DueTimeLocal == "" {
		in.DueTimeLocal = defaultDueTimeLocal
	}
	if !validClock(in.DueTimeLocal) {
		return Regulation{}, false, fmt.Errorf("create regulation: due_time_local %q: %w", in.DueTimeLocal, ErrInvalidInput)
	}

	var (
		reg     Regulation
		created bool
	)
	err := s.withTx(ctx, "create regulation", func(tx *sql.Tx) error {
		created = false
		if in.SourceMsgID != "" {
			row := tx.QueryRowContext(ctx, `SELECT `+regulationColumns+` FROM regulations WHERE source_msg_id = ?;`, in.SourceMsgID)
			err := scanRegulation(row.Scan, &reg)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("select regulation by source_msg_id: %w", err)
			}
		}
		now := formatTime(s.Now())
		res, err := tx.ExecContext(ctx, `
			INSERT INTO regulations (title, day_of_month, due_time_local, status, source_msg_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, in.Title, in.DayOfMonth, in.DueTimeLocal, RegulationActive, nullString(in.SourceMsgID), now, now)
		if err != nil {
			return fmt.Errorf("insert regulation: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("regulation last insert id: %w", err)
		}
		reg, err = getRegulation(ctx, tx, id)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	return reg, created, err
}

// ArchiveRegulation stops future runs. Existing runs are kept.
func (s *Store) ArchiveRegulation(ctx context.Context, regulationID int64) (Regulation, error) {
	var reg Regulation
	err := s.withTx(ctx, "archive regulation", func(tx *sql.Tx) error {
		if _, err := getRegulation(ctx, tx, regulationID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE regulations SET status = ?, updated_at = ? WHERE id = ? AND status != ?;
		`, RegulationArchived, formatTime(s.Now()), regulationID, RegulationArchived); err != nil {
			return fmt.Errorf("archive regulation: %w", err)
		}
		var err error
		reg, err = getRegulation(ctx, tx, regulationID)
		return err
	})
	return reg, err
}

func (s *Store) GetRegulation(ctx context.Context, regulationID int64) (Regulation, error) {
	return getRegulation(ctx, s.db, regulationID)
}

// ListRegulations returns regulations that are not archived.
func (s *Store) ListRegulations(ctx context.Context) ([]Regulation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+regulationColumns+` FROM regulations WHERE status != ? ORDER BY day_of_month ASC, id ASC;
	`, RegulationArchived)
	if err != nil {
		return nil, fmt.Errorf("list regulations: %w", err)
	}
	defer rows.Close()
	var out []Regulation
	for rows.Next() {
		var r Regulation
		if err := scanRegulation(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan regulation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate regulations: %w", err)
	}
	return out, nil
}

// CurrentPeriod returns the local month as YYYY-MM.
func (s *Store) CurrentPeriod() string {
	return s.Now().In(s.Location()).Format("2006-01")
}

// DueDateFor clamps day to the length of the month named by period.
func DueDateFor(period string, day int) (string, error) {
	month, err := time.Parse("2006-01", period)
	if err != nil {
		return "", fmt.Errorf("period %q: %w", period, ErrInvalidInput)
	}
	last := month.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(month.Year(), month.Month(), day, 0, 0, 0, 0, time.UTC).Format(dateLayout), nil
}

// EnsureRuns creates the OPEN run for every ACTIVE regulation in period, each
// with a planned task at the regulation's local due time. Runs that already
// exist are left alone. It returns the number of runs created.
func (s *Store) EnsureRuns(ctx context.Context, period string) (int, error) {
	if _, err := DueDateFor(period, 1); err != nil {
		return 0, err
	}
	var (
		created int
		planned []int64
	)
	err := s.withTx(ctx, "ensure regulation runs", func(tx *sql.Tx) error {
		created, planned = 0, nil
		rows, err := tx.QueryContext(ctx, `SELECT `+regulationColumns+` FROM regulations WHERE status = ? ORDER BY id ASC;`, RegulationActive)
		if err != nil {
			return fmt.Errorf("select active regulations: %w", err)
		}
		var regs []Regulation
		for rows.Next() {
			var r Regulation
			if err := scanRegulation(rows.Scan, &r); err != nil {
				rows.Close()
				return fmt.Errorf("scan regulation: %w", err)
			}
			regs = append(regs, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate regulations: %w", err)
		}

		now := formatTime(s.Now())
		for _, reg := range regs {
			dueDate, err := DueDateFor(period, reg.DayOfMonth)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO regulation_runs (regulation_id, period_key, due_date, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(regulation_id, period_key) DO NOTHING;
			`, reg.ID, period, dueDate, RunOpen, now, now)
			if err != nil {
				return fmt.Errorf("insert regulation run: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("regulation run rows: %w", err)
			}
			if n == 0 {
				continue
			}
			runID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("regulation run last insert id: %w", err)
			}

			due, err := time.ParseInLocation(dateLayout+" 15:04", dueDate+" "+reg.DueTimeLocal, s.Location())
			if err != nil {
				return fmt.Errorf("regulation %d due time: %w", reg.ID, err)
			}
			task, _, _, err := s.createTaskTx(ctx, tx, NewTask{
				Title:       reg.Title,
				SourceMsgID: fmt.Sprintf("regulation:%d:%s", reg.ID, period),
				ParentType:  ParentRegulationRun,
				ParentID:    &runID,
				PlannedAt:   &due,
			})
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE regulation_runs SET task_id = ? WHERE id = ?;`, task.ID, runID); err != nil {
				return fmt.Errorf("link regulation run task: %w", err)
			}
			created++
			planned = append(planned, task.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range planned {
		s.publishTransition(id, StateNew, StatePlanned, "regulation run")
	}
	return created, nil
}

func (s *Store) GetRun(ctx context.Context, runID int64) (RegulationRun, error) {
	return getRun(ctx, s.db, runID)
}

// CompleteRun marks an OPEN run DONE and completes its task when the task
// lifecycle allows it.
func (s *Store) CompleteRun(ctx context.Context, runID int64) (RegulationRun, error) {
	run, changed, err := s.closeRun(ctx, runID, RunDone)
	if err != nil || !changed || run.TaskID == nil {
		return run, err
	}
	if _, err := s.CompleteTask(ctx, *run.TaskID); err != nil {
		if !errors.Is(err, ErrIllegalTransition) && !errors.Is(err, ErrInvariant) {
			return run, err
		}
		s.logger.Warn("regulation run task left open", "run_id", runID, "task_id", *run.TaskID, "error", err)
	}
	return run, nil
}

// SkipRun marks an OPEN run SKIPPED and cancels its task when allowed.
func (s *Store) SkipRun(ctx context.Context, runID int64) (RegulationRun, error) {
	run, changed, err := s.closeRun(ctx, runID, RunSkipped)
	if err != nil || !changed || run.TaskID == nil {
		return run, err
	}
	if _, err := s.CancelTask(ctx, *run.TaskID); err != nil {
		if !errors.Is(err, ErrIllegalTransition) {
			return run, err
		}
		s.logger.Warn("regulation run task left open", "run_id", runID, "task_id", *run.TaskID, "error", err)
	}
	return run, nil
}

func (s *Store) closeRun(ctx context.Context, runID int64, status RunStatus) (RegulationRun, bool, error) {
	var (
		run     RegulationRun
		changed bool
	)
	err := s.withTx(ctx, "close regulation run", func(tx *sql.Tx) error {
		changed = false
		current, err := getRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if current.Status == status {
			run = current
			return nil
		}
		if current.Status != RunOpen {
			return &TransitionError{Entity: "regulation_run", ID: runID, From: string(current.Status), To: string(status)}
		}
		now := formatTime(s.Now())
		var completedAt sql.NullString
		if status == RunDone {
			completedAt = sql.NullString{String: now, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE regulation_runs SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?;
		`, status, completedAt, now, runID, RunOpen); err != nil {
			return fmt.Errorf("close regulation run: %w", err)
		}
		changed = true
		run, err = getRun(ctx, tx, runID)
		return err
	})
	return run, changed, err
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]RegulationRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query regulation runs: %w", err)
	}
	defer rows.Close()
	var out []RegulationRun
	for rows.Next() {
		var r RegulationRun
		if err := scanRun(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan regulation run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate regulation runs: %w", err)
	}
	return out, nil
}

// ListRuns lists runs of a period (YYYY-MM), earliest due first.
func (s *Store) ListRuns(ctx context.Context, period string) ([]RegulationRun, error) {
	return s.queryRuns(ctx, `
		SELECT `+runColumns+`
		FROM regulation_runs r JOIN regulations g ON g.id = r.regulation_id
		WHERE r.period_key = ?
		ORDER BY r.due_date ASC, r.id ASC;
	`, period)
}

// ListOpenRunsDue lists OPEN runs due on date, plus overdue ones when
// includeOverdue is set.
func (s *Store) ListOpenRunsDue(ctx context.Context, date string, includeOverdue bool) ([]RegulationRun, error) {
	cond := `r.due_date = ?`
	if includeOverdue {
		cond = `r.due_date <= ?`
	}
	return s.queryRuns(ctx, `
		SELECT `+runColumns+`
		FROM regulation_runs r JOIN regulations g ON g.id = r.regulation_id
		WHERE r.status = ? AND `+cond+`
		ORDER BY r.due_date ASC, r.id ASC;
	`, RunOpen, date)
}
