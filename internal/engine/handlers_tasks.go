package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/organizer/internal/persistence"
)

func optionalID(ents Entities, key string) *int64 {
	if id, ok := ents.Int(key); ok {
		return &id
	}
	return nil
}

func handleTaskCreate(ctx context.Context, e *Engine, sourceMsgID string, cmd Command) (Response, error) {
	in := persistence.NewTask{
		Title:       cmd.Entities.String("title"),
		SourceMsgID: sourceMsgID,
		GoalID:      optionalID(cmd.Entities, "goal_id"),
	}
	at, ok, err := cmd.Entities.When("", e.store.Location())
	if err != nil {
		return failure(CodeInvalidInput, "%s", err.Error()), nil
	}
	if ok {
		in.PlannedAt = &at
	}
	task, created, err := e.store.CreateTask(ctx, in)
	if err != nil {
		return Response{}, err
	}
	if !created {
		return success(task, "Task #%d already exists: %s", task.ID, task.Title), nil
	}
	if task.PlannedAt != nil {
		return success(task, "Task #%d created: %s, planned for %s", task.ID, task.Title, e.localTime(*task.PlannedAt)), nil
	}
	return success(task, "Task #%d created: %s", task.ID, task.Title), nil
}

func handleTaskUpdate(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	task, resp, err := e.resolveTask(ctx, cmd.Entities, false)
	if resp != nil || err != nil {
		return deref(resp), err
	}
	var u persistence.TaskUpdate
	title := cmd.Entities.String("new_title")
	if title == "" {
		title = cmd.Entities.String("title")
	}
	if title != "" {
		u.Title = &title
	}
	u.GoalID = optionalID(cmd.Entities, "goal_id")
	updated, err := e.store.UpdateTask(ctx, task.ID, u)
	if err != nil {
		return Response{}, err
	}
	return success(updated, "Task #%d updated", updated.ID), nil
}

func handleTaskPlan(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	at, _, err := cmd.Entities.When("", e.store.Location())
	if err != nil {
		return failure(CodeInvalidInput, "%s", err.Error()), nil
	}
	task, resp, err := e.resolveTask(ctx, cmd.Entities, true)
	if resp != nil || err != nil {
		return deref(resp), err
	}
	planned, err := e.store.PlanTask(ctx, task.ID, at)
	if err != nil {
		return Response{}, err
	}
	return success(planned, "Task #%d planned for %s", planned.ID, e.localTime(at)), nil
}

func handleTaskComplete(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	task, resp, err := e.resolveTask(ctx, cmd.Entities, true)
	if resp != nil || err != nil {
		return deref(resp), err
	}
	done, err := e.store.CompleteTask(ctx, task.ID)
	if err != nil {
		return Response{}, err
	}
	return success(done, "Task #%d done: %s", done.ID, done.Title), nil
}

func handleTaskCancel(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	task, resp, err := e.resolveTask(ctx, cmd.Entities, true)
	if resp != nil || err != nil {
		return deref(resp), err
	}
	cancelled, err := e.store.CancelTask(ctx, task.ID)
	if err != nil {
		return Response{}, err
	}
	return success(cancelled, "Task #%d cancelled", cancelled.ID), nil
}

func handleTaskFail(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	task, resp, err := e.resolveTask(ctx, cmd.Entities, true)
	if resp != nil || err != nil {
		return deref(resp), err
	}
	failed, err := e.store.FailTask(ctx, task.ID, cmd.Entities.String("reason"))
	if err != nil {
		return Response{}, err
	}
	return success(failed, "Task #%d marked failed", failed.ID), nil
}

func handleTaskSetStatus(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	status, err := persistence.NormalizeStatus(cmd.Entities.String("status"))
	if err != nil {
		return failure(CodeInvalidInput, "unknown status %q, use NEW, IN_PROGRESS or DONE", cmd.Entities.String("status")), nil
	}
	if status == persistence.StatusFailed {
		return failure(CodeInvalidInput, "use task.fail to mark a task failed"), nil
	}
	task, resp, err := e.resolveTask(ctx, cmd.Entities, true)
	if resp != nil || err != nil {
		return deref(resp), err
	}
	updated, err := e.store.SetTaskStatus(ctx, task.ID, status)
	if err != nil {
		return Response{}, err
	}
	return success(updated, "Task #%d is %s", updated.ID, updated.Status), nil
}

func handleTaskLinkGoal(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	goalID, _ := cmd.Entities.Int("goal_id")
	task, resp, err := e.resolveTask(ctx, cmd.Entities, true)
	if resp != nil || err != nil {
		return deref(resp), err
	}
	linked, err := e.store.LinkTaskToGoal(ctx, task.ID, goalID)
	if err != nil {
		return Response{}, err
	}
	return success(linked, "Task #%d linked to goal #%d", linked.ID, goalID), nil
}

func handleTaskList(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	var f persistence.TaskFilter
	if raw := cmd.Entities.String("status"); raw != "" {
		st, err := persistence.NormalizeStatus(raw)
		if err != nil {
			return failure(CodeInvalidInput, "unknown status %q", raw), nil
		}
		f.Status = st
	}
	if raw := cmd.Entities.String("state"); raw != "" {
		st, err := persistence.ParseState(raw)
		if err != nil {
			return failure(CodeInvalidInput, "unknown state %q", raw), nil
		}
		f.State = st
	}
	if n, ok := cmd.Entities.Int("limit"); ok {
		f.Limit = int(n)
	}
	tasks, err := e.store.ListTasks(ctx, f)
	if err != nil {
		return Response{}, err
	}
	if len(tasks) == 0 {
		return success([]persistence.Task{}, "No tasks"), nil
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "#%d %s [%s]\n", t.ID, e.taskLabel(t), t.State)
	}
	return success(tasks, "%s", strings.TrimRight(b.String(), "\n")), nil
}

func handleTaskGet(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	task, resp, err := e.resolveTask(ctx, cmd.Entities, true)
	if resp != nil || err != nil {
		return deref(resp), err
	}
	detail, err := e.store.GetTaskDetail(ctx, task.ID)
	if err != nil {
		return Response{}, err
	}
	return success(detail, "#%d %s [%s, %s], %d subtasks, %d blocks",
		detail.ID, e.taskLabel(detail.Task), detail.State, detail.Status, len(detail.Subtasks), len(detail.TimeBlocks)), nil
}

func handleSubtaskCreate(ctx context.Context, e *Engine, sourceMsgID string, cmd Command) (Response, error) {
	task, resp, err := e.resolveTask(ctx, cmd.Entities, false)
	if resp != nil || err != nil {
		return deref(resp), err
	}
	title := cmd.Entities.String("subtask_title")
	if title == "" {
		title = cmd.Entities.String("title")
	}
	st, created, err := e.store.CreateSubtask(ctx, persistence.NewSubtask{
		TaskID:      task.ID,
		Title:       title,
		SourceMsgID: sourceMsgID,
	})
	if err != nil {
		return Response{}, err
	}
	if !created {
		return success(st, "Subtask #%d already exists", st.ID), nil
	}
	return success(st, "Subtask #%d added to task #%d: %s", st.ID, task.ID, st.Title), nil
}

func handleSubtaskComplete(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	id, ok := cmd.Entities.Int("subtask_id")
	if !ok {
		return failure(CodeInvalidInput, "subtask_id must be a number"), nil
	}
	st, err := e.store.CompleteSubtask(ctx, id)
	if err != nil {
		return Response{}, err
	}
	return success(st, "Subtask #%d done", st.ID), nil
}

func handleSubtaskList(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	task, resp, err := e.resolveTask(ctx, cmd.Entities, true)
	if resp != nil || err != nil {
		return deref(resp), err
	}
	subs, err := e.store.ListSubtasks(ctx, task.ID)
	if err != nil {
		return Response{}, err
	}
	if len(subs) == 0 {
		return success([]persistence.Subtask{}, "Task #%d has no subtasks", task.ID), nil
	}
	var b strings.Builder
	for _, st := range subs {
		fmt.Fprintf(&b, "#%d %s [%s]\n", st.ID, st.Title, st.Status)
	}
	return success(subs, "%s", strings.TrimRight(b.String(), "\n")), nil
}

func deref(r *Response) Response {
	if r == nil {
		return Response{}
	}
	return *r
}
