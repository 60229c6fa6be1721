package calendar_test

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/organizer/internal/bus"
	"github.com/basket/organizer/internal/calendar"
	"github.com/basket/organizer/internal/persistence"
)

type fixture struct {
	store    *persistence.Store
	provider *calendar.MemoryProvider
	syncer   *calendar.Syncer
	bus      *bus.Bus

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "organizer.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{store: store, provider: calendar.NewMemoryProvider(), bus: b,
		now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	store.SetClock(f.clock)
	f.syncer = calendar.NewSyncer(calendar.Config{
		Store:        store,
		Provider:     f.provider,
		Bus:          b,
		MaxAttempts:  maxAttempts,
		PendingStale: 2 * time.Minute,
	})
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) plannedTask(t *testing.T, title string, at time.Time) persistence.Task {
	t.Helper()
	task, _, err := f.store.CreateTask(context.Background(), persistence.NewTask{Title: title, PlannedAt: &at})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (f *fixture) task(t *testing.T, id int64) persistence.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %d: %v", id, err)
	}
	return task
}

func TestCreateTick_IsIdempotent(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	task := f.plannedTask(t, "dentist", at)

	stats, err := f.syncer.CreateTick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Succeeded != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	got := f.task(t, task.ID)
	if got.State != persistence.StateScheduled || got.Correlation.Kind != persistence.CorrelationLinked {
		t.Fatalf("after tick = %+v", got)
	}
	ev, ok := f.provider.Event(got.Correlation.ExternalID)
	if !ok {
		t.Fatalf("event %s not stored", got.Correlation.ExternalID)
	}
	if !ev.Start.Equal(at) || !ev.End.Equal(at.Add(30*time.Minute)) || ev.Token != calendar.TokenFor("", task.ID) {
		t.Fatalf("event = %+v", ev)
	}

	if _, err := f.syncer.CreateTick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if n := f.provider.Calls("create"); n != 1 {
		t.Fatalf("create calls = %d, want 1", n)
	}
}

func TestCreateTick_AdoptsEventFromLostResponse(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	task := f.plannedTask(t, "lost response", at)

	// An earlier worker claimed the task and created the event, then died
	// before recording the id.
	claim := persistence.Pending(f.clock(), "dead-worker")
	if ok, _ := f.store.ClaimCalendarCreate(ctx, task.ID, persistence.Unset(), claim); !ok {
		t.Fatal("claim failed")
	}
	remote := f.provider.Create(ctx, calendar.EventFor(task, "", 30*time.Minute))

	if stats, _ := f.syncer.CreateTick(ctx); stats.Examined != 0 {
		t.Fatalf("fresh pending claim was retaken: %+v", stats)
	}
	f.advance(3 * time.Minute)
	if _, err := f.syncer.CreateTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got := f.task(t, task.ID)
	if got.Correlation.ExternalID != remote.ExternalID || got.State != persistence.StateScheduled {
		t.Fatalf("after adopt = %+v", got)
	}
	if n := f.provider.Calls("create"); n != 1 {
		t.Fatalf("create calls = %d, want 1", n)
	}
	if f.provider.Len() != 1 {
		t.Fatalf("provider holds %d events", f.provider.Len())
	}
}

func TestCreateTick_RetriesThenExhausts(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	task := f.plannedTask(t, "flaky", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	f.provider.FailNext("create", http.StatusServiceUnavailable, 1)
	stats, err := f.syncer.CreateTick(ctx)
	if err != nil || stats.Failed != 1 {
		t.Fatalf("first tick = %+v, %v", stats, err)
	}
	got := f.task(t, task.ID)
	if got.Correlation.Kind != persistence.CorrelationPending || got.CalendarAttempts != 1 {
		t.Fatalf("after first failure = %+v", got)
	}

	f.advance(3 * time.Minute)
	f.provider.FailNext("create", 0, 1)
	if _, err := f.syncer.CreateTick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	got = f.task(t, task.ID)
	if got.Correlation.Kind != persistence.CorrelationFailed || got.State != persistence.StatePlanned {
		t.Fatalf("after exhaustion = %+v", got)
	}

	f.advance(time.Hour)
	if stats, _ := f.syncer.CreateTick(ctx); stats.Examined != 0 {
		t.Fatalf("exhausted task retried: %+v", stats)
	}

	// Re-planning resets the marker and the next tick succeeds.
	if _, err := f.store.PlanTask(ctx, task.ID, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("replan: %v", err)
	}
	if stats, _ := f.syncer.CreateTick(ctx); stats.Succeeded != 1 {
		t.Fatalf("tick after replan = %+v", stats)
	}
	if got := f.task(t, task.ID); got.State != persistence.StateScheduled {
		t.Fatalf("state = %s", got.State)
	}
}

func TestUpdateTick_PatchesReplannedTask(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	task := f.plannedTask(t, "sync", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	f.syncer.CreateTick(ctx)

	moved := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	if _, err := f.store.PlanTask(ctx, task.ID, moved); err != nil {
		t.Fatalf("replan: %v", err)
	}
	stats, err := f.syncer.UpdateTick(ctx)
	if err != nil || stats.Succeeded != 1 {
		t.Fatalf("update = %+v, %v", stats, err)
	}
	got := f.task(t, task.ID)
	if got.State != persistence.StateScheduled {
		t.Fatalf("state = %s", got.State)
	}
	ev, _ := f.provider.Event(got.Correlation.ExternalID)
	if !ev.Start.Equal(moved) {
		t.Fatalf("event start = %s", ev.Start)
	}
	if n := f.provider.Calls("create"); n != 1 {
		t.Fatalf("create calls = %d", n)
	}
}

func TestUpdateTick_NotFoundClearsLinkAndRecreates(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	task := f.plannedTask(t, "vanishing", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	f.syncer.CreateTick(ctx)
	first := f.task(t, task.ID).Correlation.ExternalID

	f.store.PlanTask(ctx, task.ID, time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC))
	f.provider.Remove(first)

	if _, err := f.syncer.UpdateTick(ctx); err != nil {
		t.Fatalf("update: %v", err)
	}
	got := f.task(t, task.ID)
	if !got.Correlation.IsUnset() || got.State != persistence.StatePlanned {
		t.Fatalf("after 404 = %+v", got)
	}

	if _, err := f.syncer.CreateTick(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	got = f.task(t, task.ID)
	if got.State != persistence.StateScheduled || got.Correlation.ExternalID == first {
		t.Fatalf("after recreate = %+v", got)
	}
}

func TestUpdateTick_OtherFailureLeavesTask(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	task := f.plannedTask(t, "x", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	f.syncer.CreateTick(ctx)
	f.store.PlanTask(ctx, task.ID, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	before := f.task(t, task.ID)

	f.provider.FailNext("patch", http.StatusInternalServerError, 1)
	stats, _ := f.syncer.UpdateTick(ctx)
	if stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	after := f.task(t, task.ID)
	if after.State != before.State || after.Correlation.ExternalID != before.Correlation.ExternalID {
		t.Fatalf("task changed: %+v", after)
	}
}

func TestCancelTick_DeletesAndConverges(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	linked := f.plannedTask(t, "linked", at)
	f.syncer.CreateTick(ctx)

	failed := f.plannedTask(t, "failed", at)
	f.provider.FailNext("create", http.StatusBadRequest, 1)
	f.syncer.CreateTick(ctx)
	if got := f.task(t, failed.ID); got.Correlation.Kind != persistence.CorrelationFailed {
		t.Fatalf("setup: %+v", got)
	}

	for _, id := range []int64{linked.ID, failed.ID} {
		if _, err := f.store.CancelTask(ctx, id); err != nil {
			t.Fatalf("cancel %d: %v", id, err)
		}
	}

	f.provider.FailNext("delete", http.StatusInternalServerError, 1)
	stats, err := f.syncer.CancelTick(ctx)
	if err != nil {
		t.Fatalf("cancel tick: %v", err)
	}
	if stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("first cancel tick = %+v", stats)
	}
	if got := f.task(t, linked.ID); got.Correlation.IsUnset() {
		t.Fatal("failed delete cleared the link")
	}
	if got := f.task(t, failed.ID); !got.Correlation.IsUnset() {
		t.Fatalf("failed marker not cleared: %+v", got)
	}

	if _, err := f.syncer.CancelTick(ctx); err != nil {
		t.Fatalf("second cancel tick: %v", err)
	}
	got := f.task(t, linked.ID)
	if !got.Correlation.IsUnset() || got.State != persistence.StateCancelled {
		t.Fatalf("after cancel = %+v", got)
	}
	if f.provider.Len() != 0 {
		t.Fatalf("provider still holds %d events", f.provider.Len())
	}
}

func TestCancelTick_NotFoundIsSuccess(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	task := f.plannedTask(t, "already gone", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	f.syncer.CreateTick(ctx)
	f.provider.Remove(f.task(t, task.ID).Correlation.ExternalID)
	f.store.CancelTask(ctx, task.ID)

	if _, err := f.syncer.CancelTick(ctx); err != nil {
		t.Fatalf("cancel tick: %v", err)
	}
	if got := f.task(t, task.ID); !got.Correlation.IsUnset() {
		t.Fatalf("correlation = %v", got.Correlation)
	}
}

func TestSyncer_PublishesOutcomes(t *testing.T) {
	f := newFixture(t, 5)
	sub := f.bus.Subscribe("calendar.")
	defer f.bus.Unsubscribe(sub)
	task := f.plannedTask(t, "observed", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	f.syncer.CreateTick(context.Background())

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.CalendarSyncedEvent)
		if !ok || payload.TaskID != task.ID || payload.Op != "create" || payload.Outcome != "ok" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no calendar.synced event")
	}
}

func TestResultClassification(t *testing.T) {
	cases := []struct {
		res       calendar.Result
		notFound  bool
		retryable bool
		outcome   string
	}{
		{calendar.Result{OK: true}, false, false, "ok"},
		{calendar.Failure(404, nil), true, false, "not_found"},
		{calendar.Failure(410, nil), true, false, "not_found"},
		{calendar.Failure(0, context.DeadlineExceeded), false, true, "retryable"},
		{calendar.Failure(429, nil), false, true, "retryable"},
		{calendar.Failure(503, nil), false, true, "retryable"},
		{calendar.Failure(400, nil), false, false, "error"},
	}
	for _, tc := range cases {
		if tc.res.NotFound() != tc.notFound || tc.res.Retryable() != tc.retryable || tc.res.Outcome() != tc.outcome {
			t.Errorf("%s: notFound=%v retryable=%v outcome=%s", tc.res, tc.res.NotFound(), tc.res.Retryable(), tc.res.Outcome())
		}
	}
}
