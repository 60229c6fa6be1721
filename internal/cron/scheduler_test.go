package cron_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/organizer/internal/bus"
	"github.com/basket/organizer/internal/cron"
	"github.com/basket/organizer/internal/engine"
	"github.com/basket/organizer/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "organizer.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	// 08:00 UTC is 11:00 local at the default offset.
	store.SetClock(func() time.Time { return time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC) })
	return store
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{Logger: slog.Default()})
	var runs atomic.Int32
	if err := sched.Add(cron.Job{Name: "tick", Spec: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool { return runs.Load() >= 1 })

	jobs := sched.Jobs()
	if len(jobs) != 1 || jobs[0].Name != "tick" || jobs[0].NextRun.IsZero() {
		t.Fatalf("Jobs() = %+v", jobs)
	}
}

func TestScheduler_SkipsOverlappingRun(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	if err := sched.Add(cron.Job{Name: "slow", Spec: "@every 1h", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sched.RunOnce(context.Background(), "slow") }()
	<-started

	if err := sched.RunOnce(context.Background(), "slow"); !errors.Is(err, cron.ErrJobRunning) {
		t.Fatalf("second RunOnce = %v, want ErrJobRunning", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}

	st := sched.Jobs()[0]
	if st.Runs != 1 || st.Skipped != 1 || st.Running {
		t.Fatalf("status = %+v", st)
	}
}

func TestScheduler_RecoversPanicAndRecordsError(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{})
	if err := sched.Add(cron.Job{Name: "boom", Spec: "@daily", Run: func(context.Context) error {
		panic("kaput")
	}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := sched.RunOnce(context.Background(), "boom"); err == nil {
		t.Fatal("expected error from panicking job")
	}
	if st := sched.Jobs()[0]; st.LastError == "" || st.Running {
		t.Fatalf("status = %+v", st)
	}
	// The guard is released after a panic.
	if err := sched.RunOnce(context.Background(), "boom"); errors.Is(err, cron.ErrJobRunning) {
		t.Fatal("running flag leaked after panic")
	}
}

func TestScheduler_AddValidates(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{})
	noop := func(context.Context) error { return nil }
	if err := sched.Add(cron.Job{Name: "bad", Spec: "not a cron", Run: noop}); err == nil {
		t.Fatal("expected invalid spec error")
	}
	if err := sched.Add(cron.Job{Name: "a", Spec: "0 9 * * *", Run: noop}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := sched.Add(cron.Job{Name: "a", Spec: "0 9 * * *", Run: noop}); err == nil {
		t.Fatal("expected duplicate name error")
	}
	if err := sched.RunOnce(context.Background(), "missing"); !errors.Is(err, cron.ErrUnknownJob) {
		t.Fatalf("RunOnce(missing) = %v", err)
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	next, err := cron.NextRunTime("0 9 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if want := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
	if _, err := cron.NextRunTime("61 * * * *", after); err == nil {
		t.Fatal("expected error for out-of-range minute")
	}
}

func TestRegisterJobs_RegNudgeOncePerDay(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	ctx := context.Background()
	sub := b.Subscribe(bus.TopicNudgeRegulation)
	defer b.Unsubscribe(sub)

	if _, _, err := store.CreateRegulation(ctx, persistence.NewRegulation{Title: "pay taxes", DayOfMonth: 15}); err != nil {
		t.Fatalf("CreateRegulation: %v", err)
	}
	sched := cron.NewScheduler(cron.Config{})
	if err := cron.RegisterJobs(sched, cron.JobsConfig{Store: store, Bus: b, NudgeMode: cron.NudgeDueDay}); err != nil {
		t.Fatalf("RegisterJobs: %v", err)
	}
	if err := sched.RunOnce(ctx, cron.JobRegulationEnsure); err != nil {
		t.Fatalf("regulation-ensure: %v", err)
	}

	for range 2 {
		if err := sched.RunOnce(ctx, cron.JobRegNudge); err != nil {
			t.Fatalf("reg-nudge: %v", err)
		}
	}

	select {
	case ev := <-sub.Ch():
		nudge := ev.Payload.(bus.RegulationNudgeEvent)
		if nudge.Date != "2026-03-15" || len(nudge.Items) != 1 || nudge.Items[0].Title != "pay taxes" || nudge.Items[0].Overdue {
			t.Fatalf("nudge = %+v", nudge)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no nudge published")
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("second nudge on the same day: %+v", ev.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegisterJobs_NudgeOffAndUnknownMode(t *testing.T) {
	store := openTestStore(t, nil)
	sched := cron.NewScheduler(cron.Config{})
	if err := cron.RegisterJobs(sched, cron.JobsConfig{Store: store, NudgeMode: cron.NudgeOff}); err != nil {
		t.Fatalf("RegisterJobs: %v", err)
	}
	for _, j := range sched.Jobs() {
		if j.Name == cron.JobRegNudge || j.Name == cron.JobGoalNudge || j.Name == cron.JobCalendarCreate {
			t.Fatalf("job %s registered unexpectedly", j.Name)
		}
	}
	if err := cron.RegisterJobs(cron.NewScheduler(cron.Config{}), cron.JobsConfig{Store: store, NudgeMode: "hourly"}); err == nil {
		t.Fatal("expected error for unknown nudge mode")
	}
}

func TestRegisterJobs_DailyDigest(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	ctx := context.Background()
	sub := b.Subscribe(bus.TopicDigestDaily)
	defer b.Unsubscribe(sub)

	if _, _, err := store.CreateTask(ctx, persistence.NewTask{Title: "write report", SourceMsgID: "tg:1:1"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	sched := cron.NewScheduler(cron.Config{})
	if err := cron.RegisterJobs(sched, cron.JobsConfig{
		Store: store, Bus: b,
		Specs: map[string]string{cron.JobDailyDigest: "0 8 * * *"},
	}); err != nil {
		t.Fatalf("RegisterJobs: %v", err)
	}
	for _, j := range sched.Jobs() {
		if j.Name == cron.JobDailyDigest && j.Spec != "0 8 * * *" {
			t.Fatalf("spec override ignored: %s", j.Spec)
		}
	}
	if err := sched.RunOnce(ctx, cron.JobDailyDigest); err != nil {
		t.Fatalf("daily-digest: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		d := ev.Payload.(bus.DigestEvent)
		if d.Date != "2026-03-15" || d.TasksActive != 1 {
			t.Fatalf("digest = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no digest published")
	}
}

func TestRegisterJobs_QueueDrain(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	ctx := context.Background()

	v, err := engine.NewEnvelopeValidator()
	if err != nil {
		t.Fatalf("NewEnvelopeValidator: %v", err)
	}
	proc := engine.NewProcessor(engine.ProcessorConfig{
		Store:       store,
		Engine:      engine.New(engine.Config{Store: store}),
		Interpreter: engine.NewInboxInterpreter(v),
		Bus:         b,
		BatchSize:   2,
	})
	for i := range 5 {
		payload, _ := json.Marshal(engine.TextPayload{Text: "/task item"})
		if _, err := store.Enqueue(ctx, persistence.EnqueueParams{
			Source: "tg", ChatID: 1001, UpdateID: int64(100 + i), Kind: persistence.KindText, Payload: payload,
		}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	sched := cron.NewScheduler(cron.Config{})
	if err := cron.RegisterJobs(sched, cron.JobsConfig{Store: store, Processor: proc, Bus: b}); err != nil {
		t.Fatalf("RegisterJobs: %v", err)
	}
	if err := sched.RunOnce(ctx, cron.JobQueueDrain); err != nil {
		t.Fatalf("queue-drain: %v", err)
	}
	depth, err := store.QueueDepths(ctx)
	if err != nil {
		t.Fatalf("QueueDepths: %v", err)
	}
	if depth.New != 0 || depth.Done != 5 {
		t.Fatalf("depth = %+v", depth)
	}
}

func TestRegisterJobs_GoalNudgeUntilAcked(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	ctx := context.Background()
	sub := b.Subscribe(bus.TopicNudgeGoal)
	defer b.Unsubscribe(sub)

	g, _, err := store.CreateGoal(ctx, persistence.NewGoal{Title: "ship v1", PlannedEndDate: "2026-03-01"})
	if err != nil {
		t.Fatalf("CreateGoal: %v", err)
	}
	sched := cron.NewScheduler(cron.Config{})
	if err := cron.RegisterJobs(sched, cron.JobsConfig{Store: store, Bus: b}); err != nil {
		t.Fatalf("RegisterJobs: %v", err)
	}
	if err := sched.RunOnce(ctx, cron.JobGoalNudge); err != nil {
		t.Fatalf("goal-nudge: %v", err)
	}

	var key string
	select {
	case ev := <-sub.Ch():
		nudge := ev.Payload.(bus.GoalNudgeEvent)
		for _, it := range nudge.Items {
			if it.GoalID == g.ID && it.Kind == persistence.NudgeGoalOverdue {
				key = it.Key
			}
		}
		if key == "" {
			t.Fatalf("overdue goal missing from nudge %+v", nudge)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no goal nudge published")
	}

	if err := store.AckNudge(ctx, key); err != nil {
		t.Fatalf("AckNudge: %v", err)
	}
	if err := sched.RunOnce(ctx, cron.JobGoalNudge); err != nil {
		t.Fatalf("goal-nudge after ack: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		for _, it := range ev.Payload.(bus.GoalNudgeEvent).Items {
			if it.Key == key {
				t.Fatalf("acked nudge repeated: %+v", it)
			}
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegisterJobs_Retention(t *testing.T) {
	store := openTestStore(t, nil)
	sched := cron.NewScheduler(cron.Config{})
	if err := cron.RegisterJobs(sched, cron.JobsConfig{
		Store: store, TaskEventRetentionDays: 30, AuditRetentionDays: 90,
	}); err != nil {
		t.Fatalf("RegisterJobs: %v", err)
	}
	if err := sched.RunOnce(context.Background(), cron.JobRetention); err != nil {
		t.Fatalf("retention: %v", err)
	}
	if err := sched.RunOnce(context.Background(), "no-such-job"); !errors.Is(err, cron.ErrUnknownJob) {
		t.Fatalf("unknown job = %v", err)
	}
}
