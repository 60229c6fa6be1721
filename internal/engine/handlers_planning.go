package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/organizer/internal/persistence"
)

const defaultBlockMinutes = 30

// blockInterval reads start plus end, or start plus duration_min.
func blockInterval(ents Entities, loc *time.Location) (time.Time, time.Time, error) {
	start, _, err := ents.When("start", loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, ok, err := ents.When("end", loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !ok {
		minutes := int64(defaultBlockMinutes)
		if n, ok := ents.Int("duration_min"); ok {
			minutes = n
		}
		end = start.Add(time.Duration(minutes) * time.Minute)
	}
	return start, end, nil
}

func handleBlockCreate(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	start, end, err := blockInterval(cmd.Entities, e.store.Location())
	if err != nil {
		return failure(CodeInvalidInput, "%s", err.Error()), nil
	}
	task, resp, err := e.resolveTask(ctx, cmd.Entities, true)
	if resp != nil || err != nil {
		return deref(resp), err
	}
	b, err := e.store.CreateTimeBlock(ctx, task.ID, start, end)
	if err != nil {
		return Response{}, err
	}
	return success(b, "Block #%d for task #%d: %s-%s", b.ID, task.ID,
		e.localTime(b.StartAt), b.EndAt.In(e.store.Location()).Format("15:04")), nil
}

func handleBlockMove(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	id, _ := cmd.Entities.Int("block_id")
	current, err := e.store.GetTimeBlock(ctx, id)
	if err != nil {
		return Response{}, err
	}
	var start, end time.Time
	if delta, ok := cmd.Entities.Int("delta_min"); ok && !cmd.Entities.Has("start") {
		shift := time.Duration(delta) * time.Minute
		start, end = current.StartAt.Add(shift), current.EndAt.Add(shift)
	} else {
		if !cmd.Entities.Has("end") && !cmd.Entities.Has("duration_min") {
			cmd.Entities = cmd.Entities.Clone()
			cmd.Entities["duration_min"] = int64(current.EndAt.Sub(current.StartAt) / time.Minute)
		}
		start, end, err = blockInterval(cmd.Entities, e.store.Location())
		if err != nil {
			return failure(CodeInvalidInput, "%s", err.Error()), nil
		}
	}
	b, err := e.store.MoveTimeBlock(ctx, id, start, end)
	if err != nil {
		return Response{}, err
	}
	return success(b, "Block #%d moved to %s-%s", b.ID,
		e.localTime(b.StartAt), b.EndAt.In(e.store.Location()).Format("15:04")), nil
}

func handleBlockDelete(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	id, _ := cmd.Entities.Int("block_id")
	if err := e.store.DeleteTimeBlock(ctx, id); err != nil {
		return Response{}, err
	}
	return success(map[string]int64{"block_id": id}, "Block #%d deleted", id), nil
}

func handleBlockList(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	date := cmd.Entities.String("date")
	if date == "" {
		date = e.store.Today()
	}
	if !persistence.ValidDate(date) {
		return failure(CodeInvalidInput, "date %q must be YYYY-MM-DD", date), nil
	}
	blocks, err := e.store.ListTimeBlocksForDay(ctx, date)
	if err != nil {
		return Response{}, err
	}
	if len(blocks) == 0 {
		return success([]persistence.TimeBlock{}, "No blocks on %s", date), nil
	}
	loc := e.store.Location()
	var b strings.Builder
	for _, blk := range blocks {
		fmt.Fprintf(&b, "#%d %s-%s task #%d\n", blk.ID,
			blk.StartAt.In(loc).Format("15:04"), blk.EndAt.In(loc).Format("15:04"), blk.TaskID)
	}
	return success(blocks, "%s", strings.TrimRight(b.String(), "\n")), nil
}

func endDate(ents Entities) string {
	if d := ents.String("planned_end_date"); d != "" {
		return d
	}
	return ents.String("date")
}

func handleGoalCreate(ctx context.Context, e *Engine, sourceMsgID string, cmd Command) (Response, error) {
	cycleID := optionalID(cmd.Entities, "cycle_id")
	if cycleID == nil && cmd.Entities.String("cycle") == "active" {
		c, err := e.store.GetActiveCycle(ctx)
		if err != nil {
			return Response{}, err
		}
		cycleID = &c.ID
	}
	g, created, err := e.store.CreateGoal(ctx, persistence.NewGoal{
		CycleID:         cycleID,
		Title:           cmd.Entities.String("title"),
		SuccessCriteria: cmd.Entities.String("success_criteria"),
		PlannedEndDate:  endDate(cmd.Entities),
		SourceMsgID:     sourceMsgID,
	})
	if err != nil {
		return Response{}, err
	}
	if !created {
		return success(g, "Goal #%d already exists", g.ID), nil
	}
	return success(g, "Goal #%d created: %s, due %s", g.ID, g.Title, g.PlannedEndDate), nil
}

func handleGoalUpdate(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	id, _ := cmd.Entities.Int("goal_id")
	var u persistence.GoalUpdate
	if cmd.Entities.Has("title") {
		title := cmd.Entities.String("title")
		u.Title = &title
	}
	if cmd.Entities.Has("success_criteria") {
		crit := cmd.Entities.String("success_criteria")
		u.SuccessCriteria = &crit
	}
	g, err := e.store.UpdateGoal(ctx, id, u)
	if err != nil {
		return Response{}, err
	}
	return success(g, "Goal #%d updated", g.ID), nil
}

func handleGoalReschedule(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	id, _ := cmd.Entities.Int("goal_id")
	g, err := e.store.RescheduleGoal(ctx, id, endDate(cmd.Entities))
	if err != nil {
		return Response{}, err
	}
	return success(g, "Goal #%d now due %s (rescheduled %d times)", g.ID, g.PlannedEndDate, g.RescheduleCount), nil
}

func handleGoalClose(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	id, _ := cmd.Entities.Int("goal_id")
	status := persistence.GoalStatus(strings.ToUpper(cmd.Entities.String("status")))
	if status != persistence.GoalDone && status != persistence.GoalDropped {
		return failure(CodeInvalidInput, "close a goal as DONE or DROPPED"), nil
	}
	g, err := e.store.CloseGoal(ctx, id, status)
	if err != nil {
		return Response{}, err
	}
	return success(g, "Goal #%d is %s", g.ID, g.Status), nil
}

func handleGoalList(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	filter := strings.ToLower(cmd.Entities.String("filter"))
	goals, err := e.store.ListGoals(ctx, filter)
	if err != nil {
		return Response{}, err
	}
	if len(goals) == 0 {
		return success([]persistence.Goal{}, "No goals"), nil
	}
	today := e.store.Today()
	var b strings.Builder
	for _, g := range goals {
		mark := ""
		if g.Overdue(today) {
			mark = " (overdue)"
		}
		fmt.Fprintf(&b, "#%d %s, due %s%s\n", g.ID, g.Title, g.PlannedEndDate, mark)
	}
	return success(goals, "%s", strings.TrimRight(b.String(), "\n")), nil
}

func handleCycleCreate(ctx context.Context, e *Engine, sourceMsgID string, cmd Command) (Response, error) {
	c, created, err := e.store.StartCycle(ctx, persistence.NewCycle{
		Type:        persistence.CycleType(cmd.Entities.String("type")),
		PeriodKey:   cmd.Entities.String("period_key"),
		StartDate:   cmd.Entities.String("start_date"),
		EndDate:     cmd.Entities.String("end_date"),
		SourceMsgID: sourceMsgID,
	})
	if err != nil {
		return Response{}, err
	}
	if !created {
		return success(c, "Cycle #%d %s is already open", c.ID, c.PeriodKey), nil
	}
	return success(c, "Cycle #%d %s started (%s to %s)", c.ID, c.PeriodKey, c.StartDate, c.EndDate), nil
}

func handleCycleClose(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	id, ok := cmd.Entities.Int("cycle_id")
	if !ok {
		active, err := e.store.GetActiveCycle(ctx)
		if err != nil {
			return Response{}, err
		}
		id = active.ID
	}
	status := persistence.CycleDone
	if raw := cmd.Entities.String("status"); raw != "" {
		status = persistence.CycleStatus(strings.ToUpper(raw))
	}
	c, err := e.store.CloseCycle(ctx, id, status)
	if err != nil {
		return Response{}, err
	}
	msg := fmt.Sprintf("Cycle #%d is %s", c.ID, c.Status)
	if c.Summary != nil {
		msg += fmt.Sprintf(": %d/%d goals done, %d overdue", c.Summary.GoalsDone, c.Summary.GoalsTotal, c.Summary.GoalsOverdue)
	}
	return success(c, "%s", msg), nil
}

func handleCycleActive(ctx context.Context, e *Engine, _ string, _ Command) (Response, error) {
	c, err := e.store.GetActiveCycle(ctx)
	if err != nil {
		return Response{}, err
	}
	goals, err := e.store.ListGoalsForCycle(ctx, c.ID)
	if err != nil {
		return Response{}, err
	}
	return success(map[string]any{"cycle": c, "goals": goals},
		"Cycle #%d %s (%s to %s), %d goals", c.ID, c.PeriodKey, c.StartDate, c.EndDate, len(goals)), nil
}

func handleCycleContinueGoal(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	goalID, _ := cmd.Entities.Int("goal_id")
	cycleID, ok := cmd.Entities.Int("cycle_id")
	if !ok {
		active, err := e.store.GetActiveCycle(ctx)
		if err != nil {
			return Response{}, err
		}
		cycleID = active.ID
	}
	g, created, err := e.store.ContinueGoal(ctx, goalID, cycleID, endDate(cmd.Entities))
	if err != nil {
		return Response{}, err
	}
	if !created {
		return success(g, "Goal #%d already continues #%d in cycle #%d", g.ID, goalID, cycleID), nil
	}
	return success(g, "Goal #%d continues #%d in cycle #%d, due %s", g.ID, goalID, cycleID, g.PlannedEndDate), nil
}

func handleRegCreate(ctx context.Context, e *Engine, sourceMsgID string, cmd Command) (Response, error) {
	day, ok := cmd.Entities.Int("day_of_month")
	if !ok {
		return failure(CodeInvalidInput, "day_of_month must be a number between 1 and 31"), nil
	}
	r, created, err := e.store.CreateRegulation(ctx, persistence.NewRegulation{
		Title:        cmd.Entities.String("title"),
		DayOfMonth:   int(day),
		DueTimeLocal: cmd.Entities.String("due_time"),
		SourceMsgID:  sourceMsgID,
	})
	if err != nil {
		return Response{}, err
	}
	if !created {
		return success(r, "Regulation #%d already exists", r.ID), nil
	}
	return success(r, "Regulation #%d created: %s, due on day %d at %s", r.ID, r.Title, r.DayOfMonth, r.DueTimeLocal), nil
}

func handleRegArchive(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	id, _ := cmd.Entities.Int("regulation_id")
	r, err := e.store.ArchiveRegulation(ctx, id)
	if err != nil {
		return Response{}, err
	}
	return success(r, "Regulation #%d archived", r.ID), nil
}

func handleRegComplete(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	id, _ := cmd.Entities.Int("run_id")
	run, err := e.store.CompleteRun(ctx, id)
	if err != nil {
		return Response{}, err
	}
	return success(run, "%s for %s done", run.Title, run.PeriodKey), nil
}

func handleRegSkip(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	id, _ := cmd.Entities.Int("run_id")
	run, err := e.store.SkipRun(ctx, id)
	if err != nil {
		return Response{}, err
	}
	return success(run, "%s for %s skipped", run.Title, run.PeriodKey), nil
}

func handleRegStatus(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	period := cmd.Entities.String("period")
	if period == "" {
		period = e.store.CurrentPeriod()
	}
	runs, err := e.store.ListRuns(ctx, period)
	if err != nil {
		return Response{}, err
	}
	if len(runs) == 0 {
		return success([]persistence.RegulationRun{}, "No regulation runs for %s", period), nil
	}
	var b strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&b, "run #%d %s, due %s [%s]\n", r.ID, r.Title, r.DueDate, r.Status)
	}
	return success(runs, "%s", strings.TrimRight(b.String(), "\n")), nil
}

func handleDigest(ctx context.Context, e *Engine, _ string, _ Command) (Response, error) {
	d, err := e.store.DailyDigest(ctx)
	if err != nil {
		return Response{}, err
	}
	return success(d, "%s", FormatDigest(d)), nil
}

func handleNudgeAck(ctx context.Context, e *Engine, _ string, cmd Command) (Response, error) {
	if err := e.store.AckNudge(ctx, cmd.Entities.String("key")); err != nil {
		return Response{}, err
	}
	return success(nil, "Reminder silenced for today"), nil
}

// FormatDigest renders a digest as chat text.
func FormatDigest(d persistence.Digest) string {
	return fmt.Sprintf("Digest for %s\nGoals: %d active, %d overdue, %d due soon, %d at risk\nTasks: %d today, %d tomorrow, %d open\nRegulations open: %d",
		d.Date, d.GoalsActive, d.GoalsOverdue, d.GoalsDueSoon, d.GoalsAtRisk,
		d.TasksToday, d.TasksTomorrow, d.TasksActiveTotal, d.OpenRegulationRuns)
}
