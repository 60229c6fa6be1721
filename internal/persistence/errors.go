package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a row addressed by id or key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrOverloaded is returned by Admit when the inbox is past a backpressure threshold.
	ErrOverloaded = errors.New("inbox overloaded")

	// ErrLeaseLost is returned when a worker completes or fails an item it no longer holds.
	ErrLeaseLost = errors.New("inbox lease lost")

	ErrIllegalTransition = errors.New("illegal transition")
	ErrInvariant         = errors.New("invariant violation")
	ErrInvalidInput      = errors.New("invalid input")

	ErrInvalidInterval = errors.New("time block start must be before end")
	ErrCrossesDay      = errors.New("time block crosses a local day boundary")
	ErrOverlap         = errors.New("time block overlaps an existing block")
)

// TransitionError reports a state change that the entity's FSM does not allow.
// Nothing is written when it is returned.
type TransitionError struct {
	Entity string
	ID     int64
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for %s %d", e.From, e.To, e.Entity, e.ID)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// Invariant codes.
const (
	InvariantOpenSubtasks        = "open_subtasks"
	InvariantSubtaskTerminalTask = "subtask_under_terminal_task"
	InvariantSourceMsgParent     = "source_msg_id_parent_mismatch"
	InvariantSubtaskSourceMsg    = "subtask_source_msg_id_reused"
)

// InvariantError is a domain invariant violation. In warn mode the same value
// is logged and audited instead of being returned.
type InvariantError struct {
	Code    string
	Message string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant %s: %s", e.Code, e.Message)
}

func (e *InvariantError) Unwrap() error { return ErrInvariant }

// OverlapError carries the block that a new or moved interval collides with.
type OverlapError struct {
	Conflict TimeBlock
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("time block overlaps block %d [%s, %s)",
		e.Conflict.ID, e.Conflict.StartAt.Format("15:04"), e.Conflict.EndAt.Format("15:04"))
}

func (e *OverlapError) Unwrap() error { return ErrOverlap }

// notFoundOr maps sql.ErrNoRows to ErrNotFound and wraps anything else.
func notFoundOr(err error, what, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
