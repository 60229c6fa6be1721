package engine

import "context"

// HandlerFunc applies one command. sourceMsgID is the idempotency key of the
// delivery; it is empty for commands that carry none.
type HandlerFunc func(ctx context.Context, e *Engine, sourceMsgID string, cmd Command) (Response, error)

// Field is one required argument. It is satisfied when any of Keys is set.
type Field struct {
	Keys     []string
	Question string
}

func (f Field) satisfied(ents Entities) bool {
	for _, k := range f.Keys {
		if ents.Has(k) {
			return true
		}
	}
	return false
}

// Intent describes a command the engine understands.
type Intent struct {
	Name     string
	Required []Field
	Mutates  bool
	Handle   HandlerFunc
}

func need(question string, keys ...string) Field {
	return Field{Keys: keys, Question: question}
}

var (
	needTaskRef  = need("Which task do you mean?", "task_id", "task_ref", "title")
	needTaskID   = need("Which task do you mean?", "task_id", "task_ref")
	needWhen     = need("When should it happen? (YYYY-MM-DD HH:MM)", "planned_at", "date")
	needGoalID   = need("Which goal? Send its number.", "goal_id")
	needCycleID  = need("Which cycle? Send its number.", "cycle_id")
	needBlockID  = need("Which time block? Send its number.", "block_id")
	needRunID    = need("Which regulation run? Send its number.", "run_id")
	needEndDate  = need("By when should it be done? (YYYY-MM-DD)", "planned_end_date", "date")
	needSubtitle = need("What is the subtask?", "subtask_title", "title")
)

func builtinIntents() map[string]Intent {
	intents := []Intent{
		{Name: "task.create", Mutates: true, Handle: handleTaskCreate,
			Required: []Field{need("What should the task be called?", "title")}},
		{Name: "task.update", Mutates: true, Handle: handleTaskUpdate,
			Required: []Field{needTaskID, need("What should change? Send a new title or goal.", "title", "new_title", "goal_id")}},
		{Name: "task.plan", Mutates: true, Handle: handleTaskPlan, Required: []Field{needTaskRef, needWhen}},
		{Name: "task.complete", Mutates: true, Handle: handleTaskComplete, Required: []Field{needTaskRef}},
		{Name: "task.cancel", Mutates: true, Handle: handleTaskCancel, Required: []Field{needTaskRef}},
		{Name: "task.fail", Mutates: true, Handle: handleTaskFail, Required: []Field{needTaskRef}},
		{Name: "task.set_status", Mutates: true, Handle: handleTaskSetStatus,
			Required: []Field{needTaskRef, need("Which status? NEW, IN_PROGRESS or DONE.", "status")}},
		{Name: "task.link_goal", Mutates: true, Handle: handleTaskLinkGoal, Required: []Field{needTaskRef, needGoalID}},
		{Name: "task.list", Handle: handleTaskList},
		{Name: "task.get", Handle: handleTaskGet, Required: []Field{needTaskRef}},

		{Name: "subtask.create", Mutates: true, Handle: handleSubtaskCreate, Required: []Field{needTaskID, needSubtitle}},
		{Name: "subtask.complete", Mutates: true, Handle: handleSubtaskComplete,
			Required: []Field{need("Which subtask? Send its number.", "subtask_id")}},
		{Name: "subtask.list", Handle: handleSubtaskList, Required: []Field{needTaskRef}},

		{Name: "timeblock.create", Mutates: true, Handle: handleBlockCreate,
			Required: []Field{needTaskRef, need("When does the block start? (YYYY-MM-DD HH:MM)", "start")}},
		{Name: "timeblock.move", Mutates: true, Handle: handleBlockMove,
			Required: []Field{needBlockID, need("Where should it move? Send a new start or a shift in minutes.", "start", "delta_min")}},
		{Name: "timeblock.delete", Mutates: true, Handle: handleBlockDelete, Required: []Field{needBlockID}},
		{Name: "timeblock.list", Handle: handleBlockList},

		{Name: "goal.create", Mutates: true, Handle: handleGoalCreate,
			Required: []Field{need("What is the goal?", "title"), needEndDate}},
		{Name: "goal.update", Mutates: true, Handle: handleGoalUpdate,
			Required: []Field{needGoalID, need("What should change? Send a new title or success criteria.", "title", "success_criteria")}},
		{Name: "goal.reschedule", Mutates: true, Handle: handleGoalReschedule, Required: []Field{needGoalID, needEndDate}},
		{Name: "goal.close", Mutates: true, Handle: handleGoalClose,
			Required: []Field{needGoalID, need("Close it as DONE or DROPPED?", "status")}},
		{Name: "goal.list", Handle: handleGoalList},

		{Name: "cycle.create", Mutates: true, Handle: handleCycleCreate,
			Required: []Field{need("Which kind of cycle? MONTHLY, QUARTERLY or CUSTOM.", "type"),
				need("Which period? For example 2026-03 or 2026-Q1.", "period_key")}},
		{Name: "cycle.close", Mutates: true, Handle: handleCycleClose},
		{Name: "cycle.get_active", Handle: handleCycleActive},
		{Name: "cycle.continue_goal", Mutates: true, Handle: handleCycleContinueGoal, Required: []Field{needGoalID}},

		{Name: "reg.create", Mutates: true, Handle: handleRegCreate,
			Required: []Field{need("What is the regulation?", "title"),
				need("Which day of the month is it due? (1-31)", "day_of_month")}},
		{Name: "reg.archive", Mutates: true, Handle: handleRegArchive,
			Required: []Field{need("Which regulation? Send its number.", "regulation_id")}},
		{Name: "reg.complete", Mutates: true, Handle: handleRegComplete, Required: []Field{needRunID}},
		{Name: "reg.skip", Mutates: true, Handle: handleRegSkip, Required: []Field{needRunID}},
		{Name: "reg.status", Handle: handleRegStatus},

		{Name: "state.get", Handle: handleDigest},
		{Name: "digest.get", Handle: handleDigest},
		{Name: "nudge.ack", Mutates: true, Handle: handleNudgeAck, Required: []Field{need("Which reminder?", "key")}},
	}

	reg := make(map[string]Intent, len(intents)+2)
	for _, in := range intents {
		reg[in.Name] = in
	}
	alias := func(name, target string) {
		in := reg[target]
		in.Name = name
		reg[name] = in
	}
	alias("task.reschedule", "task.plan")
	// Older clients still send task.move with a status.
	alias("task.move", "task.set_status")
	return reg
}
