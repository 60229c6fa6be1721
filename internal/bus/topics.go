package bus

// Inbox topics.
const (
	TopicInboxEnqueued = "inbox.enqueued"
	TopicInboxDead     = "inbox.dead"
)

// Command topics. The Telegram adapter subscribes to the "command." prefix to
// render replies for items that originated in chat.
const (
	TopicCommandApplied = "command.applied"
	TopicCommandClarify = "command.clarify"
	TopicCommandFailed  = "command.failed"
)

// Task and calendar topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicCalendarSynced   = "calendar.synced"
)

// Outbound notification topics.
const (
	TopicNudgeRegulation = "nudge.regulation"
	TopicNudgeGoal       = "nudge.goal"
	TopicDigestDaily     = "digest.daily"
)

// TopicConfigReloaded is published after a config file change was applied.
const TopicConfigReloaded = "config.reloaded"

// InboxEnqueuedEvent is published when an adapter inserted a new inbox item.
type InboxEnqueuedEvent struct {
	ItemID   int64
	Source   string
	ChatID   int64
	Kind     string
	DepthNew int
}

// InboxDeadEvent is published when an item exhausted its attempts.
type InboxDeadEvent struct {
	ItemID   int64
	Source   string
	ChatID   int64
	Attempts int
	Error    string
}

// Choice is one enumerated answer to a clarifying question.
type Choice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// CommandResultEvent is published after the engine handled one command.
// ReplyToken is set for clarifications so the adapter can tie a button press
// back to the pending question.
type CommandResultEvent struct {
	TraceID    string
	Source     string
	ChatID     int64
	Intent     string
	OK         bool
	Message    string
	Question   string
	Choices    []Choice
	ReplyToken string
}

// TaskStateChangedEvent is published on every task lifecycle transition.
type TaskStateChangedEvent struct {
	TaskID   int64
	OldState string
	NewState string
	Reason   string
}

// CalendarSyncedEvent is published for each calendar side effect outcome.
type CalendarSyncedEvent struct {
	TaskID     int64
	Op         string // create, update or cancel
	Outcome    string
	ExternalID string
	HTTPStatus int
}

// RegulationNudgeEvent lists open regulation runs that need attention.
type RegulationNudgeEvent struct {
	Date  string
	Items []RegulationNudgeItem
}

// RegulationNudgeItem is one open run in a nudge.
type RegulationNudgeItem struct {
	RunID   int64
	Title   string
	DueDate string
	Overdue bool
}

// GoalNudgeEvent lists overdue and at-risk goals not acknowledged today.
type GoalNudgeEvent struct {
	Date  string
	Items []GoalNudgeItem
}

// GoalNudgeItem is one goal reminder. Key is what nudge.ack takes.
type GoalNudgeItem struct {
	Key            string
	Kind           string
	GoalID         int64
	Title          string
	PlannedEndDate string
}

// DigestEvent carries the daily summary counters.
type DigestEvent struct {
	Date          string
	GoalsActive   int
	GoalsOverdue  int
	GoalsDueSoon  int
	GoalsAtRisk   int
	TasksToday    int
	TasksTomorrow int
	TasksActive   int
	OpenRegRuns   int
}

// ConfigReloadedEvent reports the fingerprint of the configuration now in effect.
type ConfigReloadedEvent struct {
	Fingerprint string
}
