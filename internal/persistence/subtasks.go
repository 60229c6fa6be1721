package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Subtask struct {
	ID          int64      `json:"id"`
	TaskID      int64      `json:"task_id"`
	Title       string     `json:"title"`
	Status      TaskStatus `json:"status"`
	SourceMsgID string     `json:"source_msg_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type NewSubtask struct {
	TaskID      int64
	Title       string
	SourceMsgID string
}

const subtaskColumns = `id, task_id, title, status, COALESCE(source_msg_id, ''), created_at, updated_at, completed_at`

func scanSubtask(scanFn func(dest ...any) error, st *Subtask) error {
	var createdAt, updatedAt string
	var completedAt sql.NullString
	if err := scanFn(&st.ID, &st.TaskID, &st.Title, &st.Status, &st.SourceMsgID, &createdAt, &updatedAt, &completedAt); err != nil {
		return err
	}
	var err error
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return err
	}
	st.CompletedAt, err = scanNullTime(completedAt)
	return err
}

func getSubtask(ctx context.Context, q queryer, id int64) (Subtask, error) {
	var st Subtask
	row := q.QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id = ?;`, id)
	if err := scanSubtask(row.Scan, &st); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subtask{}, fmt.Errorf("subtask %d: %w", id, ErrNotFound)
		}
		return Subtask{}, fmt.Errorf("get subtask: %w", err)
	}
	return st, nil
}

// CreateSubtask adds a checklist item to a task. Tasks in DONE, FAILED or
// CANCELLED never accept new subtasks. A replayed SourceMsgID returns the
// existing row; replaying it against another task violates an invariant.
func (s *Store) CreateSubtask(ctx context.Context, in NewSubtask) (Subtask, bool, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.SourceMsgID = strings.TrimSpace(in.SourceMsgID)
	if in.Title == "" {
		return Subtask{}, false, fmt.Errorf("create subtask: title is required: %w", ErrInvalidInput)
	}

	var (
		st         Subtask
		created    bool
		violations []*InvariantError
	)
	err := s.withTx(ctx, "create subtask", func(tx *sql.Tx) error {
		created, violations = false, nil
		if in.SourceMsgID != "" {
			row := tx.QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE source_msg_id = ?;`, in.SourceMsgID)
			err := scanSubtask(row.Scan, &st)
			if err == nil {
				if st.TaskID != in.TaskID {
					v, err := s.enforce(InvariantSubtaskSourceMsg,
						"source_msg_id %s already created subtask %d under task %d", in.SourceMsgID, st.ID, st.TaskID)
					if err != nil {
						return err
					}
					violations = append(violations, v)
				}
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("select subtask by source_msg_id: %w", err)
			}
		}

		task, err := getTask(ctx, tx, in.TaskID)
		if err != nil {
			return err
		}
		if task.State.Terminal() {
			return &InvariantError{
				Code:    InvariantSubtaskTerminalTask,
				Message: fmt.Sprintf("task %d is %s", task.ID, task.State),
			}
		}

		now := formatTime(s.Now())
		res, err := tx.ExecContext(ctx, `
			INSERT INTO subtasks (task_id, title, status, source_msg_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, in.TaskID, in.Title, StatusNew, nullString(in.SourceMsgID), now, now)
		if err != nil {
			return fmt.Errorf("insert subtask: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("subtask last insert id: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, in.TaskID, task.State, task.State, "subtask.created",
			map[string]any{"subtask_id": id, "title": in.Title}); err != nil {
			return err
		}
		st, err = getSubtask(ctx, tx, id)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return Subtask{}, false, err
	}
	s.reportViolations(ctx, violations)
	return st, created, nil
}

// CompleteSubtask marks a subtask DONE. Repeating it is a no-op and keeps the
// first completed_at.
func (s *Store) CompleteSubtask(ctx context.Context, subtaskID int64) (Subtask, error) {
	return s.SetSubtaskStatus(ctx, subtaskID, StatusDone)
}

func (s *Store) SetSubtaskStatus(ctx context.Context, subtaskID int64, status TaskStatus) (Subtask, error) {
	var st Subtask
	err := s.withTx(ctx, "set subtask status", func(tx *sql.Tx) error {
		current, err := getSubtask(ctx, tx, subtaskID)
		if err != nil {
			return err
		}
		if current.Status == status {
			st = current
			return nil
		}
		now := formatTime(s.Now())
		if status == StatusDone {
			_, err = tx.ExecContext(ctx, `
				UPDATE subtasks SET status = ?, completed_at = COALESCE(completed_at, ?), updated_at = ? WHERE id = ?;
			`, status, now, now, subtaskID)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE subtasks SET status = ?, updated_at = ? WHERE id = ?;
			`, status, now, subtaskID)
		}
		if err != nil {
			return fmt.Errorf("update subtask status: %w", err)
		}
		var taskState TaskState
		if err := tx.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?;`, current.TaskID).Scan(&taskState); err != nil {
			return fmt.Errorf("select subtask parent: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, current.TaskID, taskState, taskState, "subtask.status_changed",
			map[string]any{"subtask_id": subtaskID, "from": current.Status, "to": status}); err != nil {
			return err
		}
		st, err = getSubtask(ctx, tx, subtaskID)
		return err
	})
	return st, err
}

func (s *Store) GetSubtask(ctx context.Context, subtaskID int64) (Subtask, error) {
	return getSubtask(ctx, s.db, subtaskID)
}

func (s *Store) ListSubtasks(ctx context.Context, taskID int64) ([]Subtask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	var out []Subtask
	for rows.Next() {
		var st Subtask
		if err := scanSubtask(rows.Scan, &st); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtasks: %w", err)
	}
	return out, nil
}
