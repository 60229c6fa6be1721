package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type TimeBlock struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	StartAt   time.Time `json:"start_at"`
	EndAt     time.Time `json:"end_at"`
	CreatedAt time.Time `json:"created_at"`
}

const timeBlockColumns = `id, task_id, start_at, end_at, created_at`

func scanTimeBlock(scanFn func(dest ...any) error, b *TimeBlock) error {
	var start, end, created string
	if err := scanFn(&b.ID, &b.TaskID, &start, &end, &created); err != nil {
		return err
	}
	var err error
	if b.StartAt, err = parseTime(start); err != nil {
		return err
	}
	if b.EndAt, err = parseTime(end); err != nil {
		return err
	}
	b.CreatedAt, err = parseTime(created)
	return err
}

// localDay returns the UTC bounds of the local day containing t.
func (s *Store) localDay(t time.Time) (time.Time, time.Time) {
	local := t.In(s.Location())
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.Location())
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

// DayBounds returns the UTC bounds of a local calendar date (YYYY-MM-DD).
func (s *Store) DayBounds(date string) (time.Time, time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, date, s.Location())
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse date %q: %w", date, ErrInvalidInput)
	}
	return d.UTC(), d.AddDate(0, 0, 1).UTC(), nil
}

func (s *Store) checkInterval(start, end time.Time) (time.Time, time.Time, error) {
	if !start.Before(end) {
		return time.Time{}, time.Time{}, ErrInvalidInterval
	}
	dayStart, dayEnd := s.localDay(start)
	if end.After(dayEnd) {
		return time.Time{}, time.Time{}, ErrCrossesDay
	}
	return dayStart, dayEnd, nil
}

func (s *Store) checkOverlapTx(ctx context.Context, tx *sql.Tx, start, end, dayStart, dayEnd time.Time, exclude int64) error {
	var b TimeBlock
	row := tx.QueryRowContext(ctx, `
		SELECT `+timeBlockColumns+`
		FROM time_blocks
		WHERE start_at < ? AND end_at > ?
		  AND start_at < ? AND end_at > ?
		  AND id != ?
		ORDER BY start_at ASC
		LIMIT 1;
	`, formatTime(end), formatTime(start), formatTime(dayEnd), formatTime(dayStart), exclude)
	err := scanTimeBlock(row.Scan, &b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check time block overlap: %w", err)
	}
	return &OverlapError{Conflict: b}
}

func getTimeBlock(ctx context.Context, q queryer, id int64) (TimeBlock, error) {
	var b TimeBlock
	row := q.QueryRowContext(ctx, `SELECT `+timeBlockColumns+` FROM time_blocks WHERE id = ?;`, id)
	if err := scanTimeBlock(row.Scan, &b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TimeBlock{}, fmt.Errorf("time block %d: %w", id, ErrNotFound)
		}
		return TimeBlock{}, fmt.Errorf("get time block: %w", err)
	}
	return b, nil
}

// CreateTimeBlock allocates [start, end) to a task. The interval must stay
// inside one local day and must not overlap any other block that day.
func (s *Store) CreateTimeBlock(ctx context.Context, taskID int64, start, end time.Time) (TimeBlock, error) {
	dayStart, dayEnd, err := s.checkInterval(start, end)
	if err != nil {
		return TimeBlock{}, err
	}
	var b TimeBlock
	err = s.withTx(ctx, "create time block", func(tx *sql.Tx) error {
		if err := requireRow(ctx, tx, `SELECT 1 FROM tasks WHERE id = ?;`, taskID, "task"); err != nil {
			return err
		}
		if err := s.checkOverlapTx(ctx, tx, start, end, dayStart, dayEnd, 0); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO time_blocks (task_id, start_at, end_at, created_at)
			VALUES (?, ?, ?, ?);
		`, taskID, formatTime(start), formatTime(end), formatTime(s.Now()))
		if err != nil {
			return fmt.Errorf("insert time block: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("time block last insert id: %w", err)
		}
		b, err = getTimeBlock(ctx, tx, id)
		return err
	})
	return b, err
}

// MoveTimeBlock changes a block's interval. The block itself is excluded from
// the overlap check.
func (s *Store) MoveTimeBlock(ctx context.Context, blockID int64, start, end time.Time) (TimeBlock, error) {
	dayStart, dayEnd, err := s.checkInterval(start, end)
	if err != nil {
		return TimeBlock{}, err
	}
	var b TimeBlock
	err = s.withTx(ctx, "move time block", func(tx *sql.Tx) error {
		if _, err := getTimeBlock(ctx, tx, blockID); err != nil {
			return err
		}
		if err := s.checkOverlapTx(ctx, tx, start, end, dayStart, dayEnd, blockID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE time_blocks SET start_at = ?, end_at = ? WHERE id = ?;
		`, formatTime(start), formatTime(end), blockID); err != nil {
			return fmt.Errorf("move time block: %w", err)
		}
		b, err = getTimeBlock(ctx, tx, blockID)
		return err
	})
	return b, err
}

func (s *Store) DeleteTimeBlock(ctx context.Context, blockID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM time_blocks WHERE id = ?;`, blockID)
	if err != nil {
		return fmt.Errorf("delete time block: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete time block rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("time block %d: %w", blockID, ErrNotFound)
	}
	return nil
}

func (s *Store) GetTimeBlock(ctx context.Context, blockID int64) (TimeBlock, error) {
	return getTimeBlock(ctx, s.db, blockID)
}

func (s *Store) queryTimeBlocks(ctx context.Context, query string, args ...any) ([]TimeBlock, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query time blocks: %w", err)
	}
	defer rows.Close()
	var out []TimeBlock
	for rows.Next() {
		var b TimeBlock
		if err := scanTimeBlock(rows.Scan, &b); err != nil {
			return nil, fmt.Errorf("scan time block: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate time blocks: %w", err)
	}
	return out, nil
}

// ListTimeBlocksForDay lists blocks on a local date, earliest first.
func (s *Store) ListTimeBlocksForDay(ctx context.Context, date string) ([]TimeBlock, error) {
	dayStart, dayEnd, err := s.DayBounds(date)
	if err != nil {
		return nil, err
	}
	return s.queryTimeBlocks(ctx, `
		SELECT `+timeBlockColumns+`
		FROM time_blocks
		WHERE start_at < ? AND end_at > ?
		ORDER BY start_at ASC, id ASC;
	`, formatTime(dayEnd), formatTime(dayStart))
}

func (s *Store) ListTimeBlocksForTask(ctx context.Context, taskID int64) ([]TimeBlock, error) {
	return s.queryTimeBlocks(ctx, `
		SELECT `+timeBlockColumns+` FROM time_blocks WHERE task_id = ? ORDER BY start_at ASC, id ASC;
	`, taskID)
}
