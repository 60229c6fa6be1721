package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Calendar sync writes only calendar_correlation, calendar_attempts and the
// PLANNED -> SCHEDULED transition. Every write is conditional on the
// correlation value the caller observed, so two ticks racing on the same task
// cannot both win.

func (s *Store) filterCorrelated(tasks []Task, keep func(Task) bool, limit int) []Task {
	out := tasks[:0]
	for _, t := range tasks {
		if !keep(t) {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ListCalendarCreateCandidates returns PLANNED tasks with a planned_at and no
// correlation, plus those whose pending claim is older than pendingStale.
func (s *Store) ListCalendarCreateCandidates(ctx context.Context, pendingStale time.Duration, limit int) ([]Task, error) {
	tasks, err := s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE state = ?
		  AND planned_at IS NOT NULL
		  AND (calendar_correlation IS NULL OR calendar_correlation LIKE ?)
		ORDER BY id ASC;
	`, StatePlanned, pendingPrefix+"%")
	if err != nil {
		return nil, err
	}
	now := s.Now()
	return s.filterCorrelated(tasks, func(t Task) bool {
		return t.Correlation.IsUnset() || t.Correlation.StaleSince(now, pendingStale)
	}, limit), nil
}

// ClaimCalendarCreate swaps the observed correlation for a pending claim. It
// reports false when another writer got there first or the task left PLANNED.
func (s *Store) ClaimCalendarCreate(ctx context.Context, taskID int64, observed, claim Correlation) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET calendar_correlation = ?, updated_at = ?
		WHERE id = ? AND state = ? AND planned_at IS NOT NULL AND calendar_correlation IS ?;
	`, claim.Encode(), formatTime(s.Now()), taskID, StatePlanned, observed.Encode())
	if err != nil {
		return false, fmt.Errorf("claim calendar create: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim calendar create rows: %w", err)
	}
	return n == 1, nil
}

// MarkCalendarLinked replaces a pending claim with the external id. The task
// moves to SCHEDULED only if it is still PLANNED for the same planned_at the
// event was created with; otherwise it stays PLANNED and the update tick
// patches the event.
func (s *Store) MarkCalendarLinked(ctx context.Context, taskID int64, claim Correlation, externalID string, plannedAt time.Time) (bool, error) {
	var linked, scheduled bool
	err := s.withTx(ctx, "calendar link", func(tx *sql.Tx) error {
		linked, scheduled = false, false
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET calendar_correlation = ?, calendar_attempts = 0, updated_at = ?
			WHERE id = ? AND calendar_correlation = ?;
		`, Linked(externalID).Encode(), formatTime(s.Now()), taskID, claim.Encode())
		if err != nil {
			return fmt.Errorf("link calendar event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("link calendar rows: %w", err)
		}
		if n != 1 {
			return nil
		}
		linked = true

		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		payload := map[string]any{"external_id": externalID}
		if task.State != StatePlanned || task.PlannedAt == nil || !task.PlannedAt.Equal(plannedAt) {
			return s.appendTaskEventTx(ctx, tx, taskID, task.State, task.State, "calendar.linked", payload)
		}
		_, scheduled, err = s.transitionTaskTx(ctx, tx, taskID, []TaskState{StatePlanned}, StateScheduled, "calendar.scheduled", payload)
		return err
	})
	if err != nil {
		return false, err
	}
	if scheduled {
		s.publishTransition(taskID, StatePlanned, StateScheduled, "calendar create")
	}
	return linked, nil
}

// RecordCalendarCreateFailure counts a failed create against the claim. Below
// maxAttempts the pending marker stays so the task is retried once it goes
// stale; at the limit the correlation becomes FAILED and the task stays PLANNED.
func (s *Store) RecordCalendarCreateFailure(ctx context.Context, taskID int64, claim Correlation, maxAttempts int, reason string) (int, bool, error) {
	var (
		attempts  int
		exhausted bool
	)
	err := s.withTx(ctx, "calendar create failure", func(tx *sql.Tx) error {
		attempts, exhausted = 0, false
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET calendar_attempts = calendar_attempts + 1, updated_at = ?
			WHERE id = ? AND calendar_correlation = ?;
		`, formatTime(s.Now()), taskID, claim.Encode())
		if err != nil {
			return fmt.Errorf("count calendar failure: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("count calendar failure rows: %w", err)
		}
		if n != 1 {
			return nil
		}
		var state TaskState
		if err := tx.QueryRowContext(ctx, `SELECT calendar_attempts, state FROM tasks WHERE id = ?;`, taskID).Scan(&attempts, &state); err != nil {
			return fmt.Errorf("read calendar attempts: %w", err)
		}
		if maxAttempts <= 0 || attempts < maxAttempts {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET calendar_correlation = ? WHERE id = ? AND calendar_correlation = ?;
		`, Failed().Encode(), taskID, claim.Encode()); err != nil {
			return fmt.Errorf("mark calendar failed: %w", err)
		}
		exhausted = true
		return s.appendTaskEventTx(ctx, tx, taskID, state, state, "calendar.failed",
			map[string]any{"attempts": attempts, "reason": reason})
	})
	return attempts, exhausted, err
}

// ListCalendarUpdateCandidates returns PLANNED tasks already linked to an
// external event, i.e. re-planned after scheduling.
func (s *Store) ListCalendarUpdateCandidates(ctx context.Context, limit int) ([]Task, error) {
	tasks, err := s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE state = ?
		  AND planned_at IS NOT NULL
		  AND calendar_correlation IS NOT NULL
		  AND calendar_correlation NOT LIKE ?
		  AND calendar_correlation != ?
		ORDER BY id ASC;
	`, StatePlanned, pendingPrefix+"%", failedMarker)
	if err != nil {
		return nil, err
	}
	return s.filterCorrelated(tasks, func(t Task) bool {
		return t.Correlation.Kind == CorrelationLinked
	}, limit), nil
}

// MarkCalendarPatched moves a PLANNED task back to SCHEDULED after a
// successful patch, provided link and planned_at are unchanged.
func (s *Store) MarkCalendarPatched(ctx context.Context, taskID int64, externalID string, plannedAt time.Time) (bool, error) {
	var scheduled bool
	err := s.withTx(ctx, "calendar patched", func(tx *sql.Tx) error {
		scheduled = false
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Correlation.Kind != CorrelationLinked || task.Correlation.ExternalID != externalID || task.PlannedAt == nil || !task.PlannedAt.Equal(plannedAt) {
			return nil
		}
		_, scheduled, err = s.transitionTaskTx(ctx, tx, taskID, []TaskState{StatePlanned}, StateScheduled, "calendar.scheduled",
			map[string]any{"external_id": externalID, "patched": true})
		return err
	})
	if err != nil {
		return false, err
	}
	if scheduled {
		s.publishTransition(taskID, StatePlanned, StateScheduled, "calendar patch")
	}
	return scheduled, nil
}

// ClearCalendarLinkOnNotFound drops a link whose external event no longer
// exists. State is left alone so a PLANNED task is recreated by the create tick.
func (s *Store) ClearCalendarLinkOnNotFound(ctx context.Context, taskID int64, externalID string) (bool, error) {
	return s.clearCorrelation(ctx, taskID, Linked(externalID), "calendar.unlinked")
}

// ListCalendarCancelCandidates returns CANCELLED tasks still carrying a
// correlation. Pending claims only count once stale.
func (s *Store) ListCalendarCancelCandidates(ctx context.Context, pendingStale time.Duration, limit int) ([]Task, error) {
	tasks, err := s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE state = ? AND calendar_correlation IS NOT NULL
		ORDER BY id ASC;
	`, StateCancelled)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	return s.filterCorrelated(tasks, func(t Task) bool {
		if t.Correlation.Kind == CorrelationPending {
			return t.Correlation.StaleSince(now, pendingStale)
		}
		return !t.Correlation.IsUnset()
	}, limit), nil
}

// ClearCalendarCorrelation sets the correlation to NULL if it still equals observed.
func (s *Store) ClearCalendarCorrelation(ctx context.Context, taskID int64, observed Correlation) (bool, error) {
	return s.clearCorrelation(ctx, taskID, observed, "calendar.cleared")
}

func (s *Store) clearCorrelation(ctx context.Context, taskID int64, observed Correlation, eventType string) (bool, error) {
	var cleared bool
	err := s.withTx(ctx, eventType, func(tx *sql.Tx) error {
		cleared = false
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET calendar_correlation = NULL, calendar_attempts = 0, updated_at = ?
			WHERE id = ? AND calendar_correlation IS ?;
		`, formatTime(s.Now()), taskID, observed.Encode())
		if err != nil {
			return fmt.Errorf("clear calendar correlation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("clear calendar correlation rows: %w", err)
		}
		if n != 1 {
			return nil
		}
		cleared = true
		var state TaskState
		if err := tx.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?;`, taskID).Scan(&state); err != nil {
			return fmt.Errorf("read task state: %w", err)
		}
		return s.appendTaskEventTx(ctx, tx, taskID, state, state, eventType,
			map[string]any{"previous": observed.String()})
	})
	return cleared, err
}
