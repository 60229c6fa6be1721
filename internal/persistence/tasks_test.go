package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/organizer/internal/persistence"
	"github.com/basket/organizer/internal/shared"
)

func plannedTask(t *testing.T, store *persistence.Store, title string, at time.Time) persistence.Task {
	t.Helper()
	task, created, err := store.CreateTask(context.Background(), persistence.NewTask{Title: title, PlannedAt: &at})
	if err != nil || !created {
		t.Fatalf("create planned task: %v (created=%v)", err, created)
	}
	if task.State != persistence.StatePlanned {
		t.Fatalf("state = %s, want PLANNED", task.State)
	}
	return task
}

func TestTasks_CreateIsIdempotentBySourceMsgID(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first, created, err := store.CreateTask(ctx, persistence.NewTask{Title: "Buy milk", SourceMsgID: "tg:1001:5001"})
	if err != nil || !created {
		t.Fatalf("first create = %v, %v", created, err)
	}
	second, created, err := store.CreateTask(ctx, persistence.NewTask{Title: "Buy milk again", SourceMsgID: "tg:1001:5001"})
	if err != nil || created {
		t.Fatalf("replay create = %v, %v", created, err)
	}
	if second.ID != first.ID || second.Title != "Buy milk" {
		t.Fatalf("replay returned %+v", second)
	}
	if first.State != persistence.StateNew || first.Status != persistence.StatusNew {
		t.Fatalf("new task = %s/%s", first.State, first.Status)
	}
	got, err := store.GetTaskBySourceMsgID(ctx, "tg:1001:5001")
	if err != nil || got.ID != first.ID {
		t.Fatalf("GetTaskBySourceMsgID = %+v, %v", got, err)
	}
}

func TestTasks_ReplayUnderDifferentParentViolatesInvariant(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	parent := int64(7)
	if _, _, err := store.CreateTask(ctx, persistence.NewTask{Title: "x", SourceMsgID: "tg:1:1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, _, err := store.CreateTask(ctx, persistence.NewTask{Title: "x", SourceMsgID: "tg:1:1", ParentType: persistence.ParentProject, ParentID: &parent})
	var inv *persistence.InvariantError
	if !errors.As(err, &inv) || inv.Code != persistence.InvariantSourceMsgParent {
		t.Fatalf("expected parent mismatch invariant, got %v", err)
	}

	store.SetInvariantMode(persistence.InvariantWarn)
	task, created, err := store.CreateTask(ctx, persistence.NewTask{Title: "x", SourceMsgID: "tg:1:1", ParentType: persistence.ParentProject, ParentID: &parent})
	if err != nil || created || task.ParentType != "" {
		t.Fatalf("warn mode replay = %+v, %v, %v", task, created, err)
	}
}

func TestTasks_PlanFromNew(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task, _, err := store.CreateTask(ctx, persistence.NewTask{Title: "write report"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	planned, err := store.PlanTask(shared.WithTraceID(ctx, "trace-plan"), task.ID, at)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if planned.State != persistence.StatePlanned || planned.PlannedAt == nil || !planned.PlannedAt.Equal(at) {
		t.Fatalf("planned = %+v", planned)
	}

	events, err := store.ListTaskEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	last := events[1]
	if last.StateFrom != persistence.StateNew || last.StateTo != persistence.StatePlanned || last.TraceID != "trace-plan" {
		t.Fatalf("plan event = %+v", last)
	}
}

func TestTasks_ReplanScheduledGoesBackToPlanned(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	task := plannedTask(t, store, "dentist", at)

	claim := persistence.Pending(store.Now(), "w1")
	if ok, err := store.ClaimCalendarCreate(ctx, task.ID, persistence.Unset(), claim); err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	if _, err := store.MarkCalendarLinked(ctx, task.ID, claim, "evt1", at); err != nil {
		t.Fatalf("link: %v", err)
	}
	task, _ = store.GetTask(ctx, task.ID)
	if task.State != persistence.StateScheduled {
		t.Fatalf("state = %s", task.State)
	}

	replanned, err := store.PlanTask(ctx, task.ID, at.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	if replanned.State != persistence.StatePlanned {
		t.Fatalf("replanned state = %s", replanned.State)
	}
	if replanned.Correlation.Kind != persistence.CorrelationLinked || replanned.Correlation.ExternalID != "evt1" {
		t.Fatalf("replan must keep the link, got %v", replanned.Correlation)
	}
}

func TestTasks_ReplanResetsFailedCorrelation(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	task := plannedTask(t, store, "call bank", at)

	claim := persistence.Pending(store.Now(), "w1")
	if ok, _ := store.ClaimCalendarCreate(ctx, task.ID, persistence.Unset(), claim); !ok {
		t.Fatal("claim failed")
	}
	if _, exhausted, err := store.RecordCalendarCreateFailure(ctx, task.ID, claim, 1, "503"); err != nil || !exhausted {
		t.Fatalf("failure = %v, %v", exhausted, err)
	}

	replanned, err := store.PlanTask(ctx, task.ID, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	if !replanned.Correlation.IsUnset() || replanned.CalendarAttempts != 0 || replanned.State != persistence.StatePlanned {
		t.Fatalf("replanned = %+v", replanned)
	}
}

func TestTasks_CompleteBlockedByOpenSubtasks(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := plannedTask(t, store, "move house", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	st, _, err := store.CreateSubtask(ctx, persistence.NewSubtask{TaskID: task.ID, Title: "pack books"})
	if err != nil {
		t.Fatalf("create subtask: %v", err)
	}

	_, err = store.CompleteTask(ctx, task.ID)
	var inv *persistence.InvariantError
	if !errors.As(err, &inv) || inv.Code != persistence.InvariantOpenSubtasks {
		t.Fatalf("expected open subtasks invariant, got %v", err)
	}
	after, _ := store.GetTask(ctx, task.ID)
	if after.State != persistence.StatePlanned || after.Status != persistence.StatusNew || after.CompletedAt != nil {
		t.Fatalf("task changed despite rejection: %+v", after)
	}

	if _, err := store.CompleteSubtask(ctx, st.ID); err != nil {
		t.Fatalf("complete subtask: %v", err)
	}
	done, err := store.CompleteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.State != persistence.StateDone || done.Status != persistence.StatusDone || done.CompletedAt == nil {
		t.Fatalf("done task = %+v", done)
	}

	again, err := store.CompleteTask(ctx, task.ID)
	if err != nil || !again.CompletedAt.Equal(*done.CompletedAt) {
		t.Fatalf("repeat complete = %+v, %v", again, err)
	}
}

func TestTasks_CompleteWithOpenSubtasksInWarnMode(t *testing.T) {
	store, _ := openTestStore(t)
	store.SetInvariantMode(persistence.InvariantWarn)
	ctx := context.Background()
	task := plannedTask(t, store, "ship it", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	if _, _, err := store.CreateSubtask(ctx, persistence.NewSubtask{TaskID: task.ID, Title: "tests"}); err != nil {
		t.Fatalf("create subtask: %v", err)
	}
	done, err := store.CompleteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("warn mode complete: %v", err)
	}
	if done.State != persistence.StateDone {
		t.Fatalf("state = %s", done.State)
	}
}

func TestTasks_IllegalTransitionsChangeNothing(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task, _, err := store.CreateTask(ctx, persistence.NewTask{Title: "unplanned"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = store.FailTask(ctx, task.ID, "x")
	var terr *persistence.TransitionError
	if !errors.As(err, &terr) || terr.From != "NEW" || terr.To != "FAILED" {
		t.Fatalf("fail from NEW = %v", err)
	}
	if _, err := store.FailTask(ctx, task.ID, "x"); !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("fail from NEW = %v", err)
	}
	if _, err := store.CancelTask(ctx, task.ID); !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("cancel from NEW = %v", err)
	}

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if _, err := store.PlanTask(ctx, task.ID, at); err != nil {
		t.Fatalf("plan: %v", err)
	}
	if _, err := store.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := store.PlanTask(ctx, task.ID, at); !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("plan after cancel = %v", err)
	}
	if _, err := store.CompleteTask(ctx, task.ID); !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("complete after cancel = %v", err)
	}
	if _, err := store.SetTaskStatus(ctx, task.ID, persistence.StatusInProgress); !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("status on cancelled task = %v", err)
	}
	final, _ := store.GetTask(ctx, task.ID)
	if final.State != persistence.StateCancelled {
		t.Fatalf("state = %s", final.State)
	}
	if _, err := store.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("repeat cancel should be a no-op: %v", err)
	}
}

func TestTasks_FailFromScheduled(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	task := plannedTask(t, store, "renew passport", at)
	if _, err := store.FailTask(ctx, task.ID, "x"); !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("fail from PLANNED = %v", err)
	}
	claim := persistence.Pending(store.Now(), "w")
	store.ClaimCalendarCreate(ctx, task.ID, persistence.Unset(), claim)
	store.MarkCalendarLinked(ctx, task.ID, claim, "evt", at)

	failed, err := store.FailTask(ctx, task.ID, "office closed")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.State != persistence.StateFailed || failed.Status != persistence.StatusFailed {
		t.Fatalf("failed = %+v", failed)
	}
}

func TestTasks_SetStatus(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task := plannedTask(t, store, "taxes", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	got, err := store.SetTaskStatus(ctx, task.ID, persistence.StatusInProgress)
	if err != nil || got.Status != persistence.StatusInProgress || got.State != persistence.StatePlanned {
		t.Fatalf("set in progress = %+v, %v", got, err)
	}
	got, err = store.SetTaskStatus(ctx, task.ID, persistence.StatusDone)
	if err != nil || got.State != persistence.StateDone {
		t.Fatalf("set done = %+v, %v", got, err)
	}
}

func TestTasks_FindCandidates(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	titles := []string{"Buy milk", "Buy bread", "Call mom", "МОЛОКО купить"}
	var ids []int64
	for _, title := range titles {
		task, _, err := store.CreateTask(ctx, persistence.NewTask{Title: title})
		if err != nil {
			t.Fatalf("create %q: %v", title, err)
		}
		ids = append(ids, task.ID)
	}

	got, err := store.FindTaskCandidates(ctx, "buy", 5)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 || got[0].ID != ids[1] || got[1].ID != ids[0] {
		t.Fatalf("buy candidates = %+v", got)
	}

	got, _ = store.FindTaskCandidates(ctx, "молоко", 5)
	if len(got) != 1 || got[0].ID != ids[3] {
		t.Fatalf("unicode candidates = %+v", got)
	}

	got, _ = store.FindTaskCandidates(ctx, "#3", 5)
	if len(got) == 0 || got[0].ID != 3 {
		t.Fatalf("id candidates = %+v", got)
	}

	got, _ = store.FindTaskCandidates(ctx, "100%", 5)
	if len(got) != 0 {
		t.Fatalf("LIKE wildcard leaked: %+v", got)
	}
}

func TestTasks_UpdateTitleAndGoal(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task, _, _ := store.CreateTask(ctx, persistence.NewTask{Title: "draft"})
	goal, _, err := store.CreateGoal(ctx, persistence.NewGoal{Title: "Ship v1", PlannedEndDate: "2026-03-31"})
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	title := "final draft"
	updated, err := store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{Title: &title, GoalID: &goal.ID})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "final draft" || updated.GoalID == nil || *updated.GoalID != goal.ID {
		t.Fatalf("updated = %+v", updated)
	}
	missing := int64(999)
	if _, err := store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{GoalID: &missing}); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("unknown goal = %v", err)
	}
	if got, _ := store.FindTaskCandidates(ctx, "FINAL", 5); len(got) != 1 {
		t.Fatalf("folded title not updated: %+v", got)
	}
}

func TestSubtasks_Invariants(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := plannedTask(t, store, "a", at)
	b := plannedTask(t, store, "b", at)

	st, created, err := store.CreateSubtask(ctx, persistence.NewSubtask{TaskID: a.ID, Title: "step", SourceMsgID: "tg:1:10"})
	if err != nil || !created {
		t.Fatalf("create subtask = %v, %v", created, err)
	}
	replay, created, err := store.CreateSubtask(ctx, persistence.NewSubtask{TaskID: a.ID, Title: "step", SourceMsgID: "tg:1:10"})
	if err != nil || created || replay.ID != st.ID {
		t.Fatalf("replay = %+v, %v, %v", replay, created, err)
	}

	_, _, err = store.CreateSubtask(ctx, persistence.NewSubtask{TaskID: b.ID, Title: "step", SourceMsgID: "tg:1:10"})
	var inv *persistence.InvariantError
	if !errors.As(err, &inv) || inv.Code != persistence.InvariantSubtaskSourceMsg {
		t.Fatalf("key reuse under another task = %v", err)
	}

	if _, err := store.CompleteSubtask(ctx, st.ID); err != nil {
		t.Fatalf("complete subtask: %v", err)
	}
	first, _ := store.GetSubtask(ctx, st.ID)
	again, err := store.CompleteSubtask(ctx, st.ID)
	if err != nil || !again.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("repeat complete = %+v, %v", again, err)
	}
	if got, _ := store.GetSubtaskBySourceMsgID(ctx, "tg:1:10"); got.ID != st.ID {
		t.Fatalf("by key = %+v", got)
	}

	if _, err := store.CompleteTask(ctx, a.ID); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	_, _, err = store.CreateSubtask(ctx, persistence.NewSubtask{TaskID: a.ID, Title: "late"})
	if !errors.As(err, &inv) || inv.Code != persistence.InvariantSubtaskTerminalTask {
		t.Fatalf("subtask under DONE = %v", err)
	}

	// Warn mode never relaxes the terminal-task rule.
	store.SetInvariantMode(persistence.InvariantWarn)
	if _, _, err := store.CreateSubtask(ctx, persistence.NewSubtask{TaskID: a.ID, Title: "late"}); !errors.Is(err, persistence.ErrInvariant) {
		t.Fatalf("subtask under DONE in warn mode = %v", err)
	}
}

func TestTaskDetail(t *testing.T) {
	store, _ := openTestStore(t)
	store.SetLocalOffset(0)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	task := plannedTask(t, store, "detail", at)
	store.CreateSubtask(ctx, persistence.NewSubtask{TaskID: task.ID, Title: "one"})
	if _, err := store.CreateTimeBlock(ctx, task.ID, at, at.Add(30*time.Minute)); err != nil {
		t.Fatalf("time block: %v", err)
	}
	detail, err := store.GetTaskDetail(ctx, task.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if len(detail.Subtasks) != 1 || len(detail.TimeBlocks) != 1 || detail.Title != "detail" {
		t.Fatalf("detail = %+v", detail)
	}
	if _, err := store.GetTaskDetail(ctx, 999); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("missing detail = %v", err)
	}
}

func TestTasks_CompleteUnplannedTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task, _, err := store.CreateTask(ctx, persistence.NewTask{Title: "buy milk", SourceMsgID: "tg:1001:7001"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.State != persistence.StateNew {
		t.Fatalf("state = %s, want NEW", task.State)
	}

	done, err := store.CompleteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("complete from NEW: %v", err)
	}
	if done.State != persistence.StateDone || done.Status != persistence.StatusDone || done.CompletedAt == nil {
		t.Fatalf("completed task = %+v", done)
	}
	if _, err := store.PlanTask(ctx, task.ID, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)); !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("plan after done = %v", err)
	}
}

func TestTasks_CompleteUnplannedWithOpenSubtask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	task, _, _ := store.CreateTask(ctx, persistence.NewTask{Title: "pack for trip"})
	if _, _, err := store.CreateSubtask(ctx, persistence.NewSubtask{TaskID: task.ID, Title: "passport"}); err != nil {
		t.Fatalf("create subtask: %v", err)
	}

	_, err := store.CompleteTask(ctx, task.ID)
	var ierr *persistence.InvariantError
	if !errors.As(err, &ierr) || ierr.Code != persistence.InvariantOpenSubtasks {
		t.Fatalf("complete with open subtask = %v", err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.State != persistence.StateNew {
		t.Fatalf("state = %s, want NEW", got.State)
	}
}
