package cron

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/organizer/internal/bus"
	"github.com/basket/organizer/internal/calendar"
	"github.com/basket/organizer/internal/engine"
	"github.com/basket/organizer/internal/persistence"
)

// Job names.
const (
	JobQueueDrain       = "queue-drain"
	JobQueueReaper      = "queue-reaper"
	JobCalendarCreate   = "calendar-create"
	JobCalendarUpdate   = "calendar-update"
	JobCalendarCancel   = "calendar-cancel"
	JobRegulationEnsure = "regulation-ensure"
	JobRegNudge         = "reg-nudge"
	JobGoalNudge        = "goal-nudge"
	JobDailyDigest      = "daily-digest"
	JobRetention        = "retention"
)

// Nudge modes.
const (
	NudgeOff     = "off"
	NudgeDaily   = "daily"
	NudgeDueDay  = "due_day"
	maxDrainRuns = 20
)

// DefaultSpecs are the schedules used when the config names none.
var DefaultSpecs = map[string]string{
	JobQueueDrain:       "@every 2s",
	JobQueueReaper:      "@every 30s",
	JobCalendarCreate:   "@every 15s",
	JobCalendarUpdate:   "@every 30s",
	JobCalendarCancel:   "@every 30s",
	JobRegulationEnsure: "@every 1h",
	JobRegNudge:         "*/10 * * * *",
	JobGoalNudge:        "30 9 * * *",
	JobDailyDigest:      "0 9 * * *",
	JobRetention:        "0 3 * * *",
}

// JobsConfig wires the organizer's periodic work.
type JobsConfig struct {
	Store     *persistence.Store
	Processor *engine.Processor
	Syncer    *calendar.Syncer // nil disables the calendar jobs
	Bus       *bus.Bus
	Logger    *slog.Logger

	Specs     map[string]string // overrides DefaultSpecs per job
	NudgeMode string            // off, daily or due_day; default daily

	TaskEventRetentionDays int
	AuditRetentionDays     int
}

// RegisterJobs adds every configured job to s.
func RegisterJobs(s *Scheduler, cfg JobsConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cron")
	spec := func(name string) string {
		if v := cfg.Specs[name]; v != "" {
			return v
		}
		return DefaultSpecs[name]
	}

	jobs := []Job{
		{Name: JobQueueReaper, Run: reaperJob(cfg.Store, logger)},
		{Name: JobRegulationEnsure, Run: ensureRunsJob(cfg.Store, logger)},
		{Name: JobDailyDigest, Run: digestJob(cfg.Store, cfg.Bus)},
		{Name: JobRetention, Run: retentionJob(cfg.Store, logger, cfg.TaskEventRetentionDays, cfg.AuditRetentionDays)},
	}
	if cfg.Processor != nil {
		jobs = append(jobs, Job{Name: JobQueueDrain, Run: drainJob(cfg.Processor)})
	}
	if cfg.Syncer != nil {
		jobs = append(jobs,
			Job{Name: JobCalendarCreate, Run: tickJob(cfg.Syncer.CreateTick)},
			Job{Name: JobCalendarUpdate, Run: tickJob(cfg.Syncer.UpdateTick)},
			Job{Name: JobCalendarCancel, Run: tickJob(cfg.Syncer.CancelTick)},
		)
	}
	switch mode := cfg.NudgeMode; mode {
	case NudgeOff:
	case "", NudgeDaily, NudgeDueDay:
		jobs = append(jobs,
			Job{Name: JobRegNudge, Run: regNudgeJob(cfg.Store, cfg.Bus, mode != NudgeDueDay)},
			Job{Name: JobGoalNudge, Run: goalNudgeJob(cfg.Store, cfg.Bus)},
		)
	default:
		return fmt.Errorf("cron: unknown nudge mode %q", mode)
	}

	for _, j := range jobs {
		j.Spec = spec(j.Name)
		if err := s.Add(j); err != nil {
			return err
		}
	}
	return nil
}

// drainJob runs processor batches until the queue has nothing claimable.
func drainJob(p *engine.Processor) JobFunc {
	return func(ctx context.Context) error {
		for range maxDrainRuns {
			stats, err := p.Run(ctx)
			if err != nil {
				return err
			}
			if stats.Claimed == 0 {
				return nil
			}
		}
		return nil
	}
}

func reaperJob(store *persistence.Store, logger *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		n, err := store.ReapExpiredLeases(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Warn("requeued inbox items with expired leases", "count", n)
		}
		return nil
	}
}

func tickJob(tick func(context.Context) (calendar.TickStats, error)) JobFunc {
	return func(ctx context.Context) error {
		_, err := tick(ctx)
		return err
	}
}

func ensureRunsJob(store *persistence.Store, logger *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		period := store.CurrentPeriod()
		n, err := store.EnsureRuns(ctx, period)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("regulation runs created", "period", period, "count", n)
		}
		return nil
	}
}

// regNudgeJob publishes open runs due today, once per local day.
func regNudgeJob(store *persistence.Store, b *bus.Bus, includeOverdue bool) JobFunc {
	return func(ctx context.Context) error {
		today := store.Today()
		runs, err := store.ListOpenRunsDue(ctx, today, includeOverdue)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			return nil
		}
		first, err := store.KVSetIfAbsent(ctx, "nudge:reg:"+today, store.Now().Format("15:04:05"))
		if err != nil || !first {
			return err
		}
		ev := bus.RegulationNudgeEvent{Date: today}
		for _, r := range runs {
			ev.Items = append(ev.Items, bus.RegulationNudgeItem{
				RunID:   r.ID,
				Title:   r.Title,
				DueDate: r.DueDate,
				Overdue: r.DueDate < today,
			})
		}
		b.Publish(bus.TopicNudgeRegulation, ev)
		return nil
	}
}

func goalNudgeJob(store *persistence.Store, b *bus.Bus) JobFunc {
	return func(ctx context.Context) error {
		nudges, err := store.ListGoalNudges(ctx)
		if err != nil || len(nudges) == 0 {
			return err
		}
		ev := bus.GoalNudgeEvent{Date: store.Today()}
		for _, n := range nudges {
			ev.Items = append(ev.Items, bus.GoalNudgeItem{
				Key:            n.Key,
				Kind:           n.Kind,
				GoalID:         n.GoalID,
				Title:          n.Title,
				PlannedEndDate: n.PlannedEndDate,
			})
		}
		b.Publish(bus.TopicNudgeGoal, ev)
		return nil
	}
}

func digestJob(store *persistence.Store, b *bus.Bus) JobFunc {
	return func(ctx context.Context) error {
		d, err := store.DailyDigest(ctx)
		if err != nil {
			return err
		}
		b.Publish(bus.TopicDigestDaily, bus.DigestEvent{
			Date:          d.Date,
			GoalsActive:   d.GoalsActive,
			GoalsOverdue:  d.GoalsOverdue,
			GoalsDueSoon:  d.GoalsDueSoon,
			GoalsAtRisk:   d.GoalsAtRisk,
			TasksToday:    d.TasksToday,
			TasksTomorrow: d.TasksTomorrow,
			TasksActive:   d.TasksActiveTotal,
			OpenRegRuns:   d.OpenRegulationRuns,
		})
		return nil
	}
}

func retentionJob(store *persistence.Store, logger *slog.Logger, taskEventDays, auditDays int) JobFunc {
	return func(ctx context.Context) error {
		res, err := store.RunRetention(ctx, taskEventDays, auditDays)
		if err != nil {
			return err
		}
		if res.PurgedTaskEvents > 0 || res.PurgedAuditLogs > 0 {
			logger.Info("retention purge", "task_events", res.PurgedTaskEvents, "audit_logs", res.PurgedAuditLogs)
		}
		return nil
	}
}
