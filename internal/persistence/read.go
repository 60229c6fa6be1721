package persistence

import "context"

// TaskDetail is a task with its subtasks and time blocks.
type TaskDetail struct {
	Task
	Subtasks   []Subtask   `json:"subtasks"`
	TimeBlocks []TimeBlock `json:"time_blocks"`
}

func (s *Store) GetTaskDetail(ctx context.Context, taskID int64) (TaskDetail, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return TaskDetail{}, err
	}
	subtasks, err := s.ListSubtasks(ctx, taskID)
	if err != nil {
		return TaskDetail{}, err
	}
	blocks, err := s.ListTimeBlocksForTask(ctx, taskID)
	if err != nil {
		return TaskDetail{}, err
	}
	if subtasks == nil {
		subtasks = []Subtask{}
	}
	if blocks == nil {
		blocks = []TimeBlock{}
	}
	return TaskDetail{Task: task, Subtasks: subtasks, TimeBlocks: blocks}, nil
}

// GetSubtaskBySourceMsgID fetches a subtask by its idempotency key.
func (s *Store) GetSubtaskBySourceMsgID(ctx context.Context, sourceMsgID string) (Subtask, error) {
	var st Subtask
	row := s.db.QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE source_msg_id = ?;`, sourceMsgID)
	if err := scanSubtask(row.Scan, &st); err != nil {
		return Subtask{}, notFoundOr(err, "subtask with source_msg_id "+sourceMsgID, "get subtask by source_msg_id")
	}
	return st, nil
}
