package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/organizer/internal/persistence"
)

func TestCalendar_CreateClaimLinksAndSchedules(t *testing.T) {
	store, _ := openTestStore(t)
	clock := newTestClock(store, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	task := plannedTask(t, store, "standup", at)

	cands, err := store.ListCalendarCreateCandidates(ctx, 2*time.Minute, 10)
	if err != nil || len(cands) != 1 || cands[0].ID != task.ID {
		t.Fatalf("create candidates = %+v, %v", cands, err)
	}

	claim := persistence.Pending(clock.Now(), "worker-a")
	ok, err := store.ClaimCalendarCreate(ctx, task.ID, persistence.Unset(), claim)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	// A second tick that observed the same unset value loses the race.
	ok, err = store.ClaimCalendarCreate(ctx, task.ID, persistence.Unset(), persistence.Pending(clock.Now(), "worker-b"))
	if err != nil || ok {
		t.Fatalf("second claim = %v, %v", ok, err)
	}
	if cands, _ := store.ListCalendarCreateCandidates(ctx, 2*time.Minute, 10); len(cands) != 0 {
		t.Fatalf("fresh pending claim must not be a candidate: %+v", cands)
	}

	linked, err := store.MarkCalendarLinked(ctx, task.ID, claim, "evt123", at)
	if err != nil || !linked {
		t.Fatalf("link = %v, %v", linked, err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.State != persistence.StateScheduled || got.Correlation.ExternalID != "evt123" {
		t.Fatalf("linked task = %+v", got)
	}

	// The stale claim can no longer overwrite the link.
	if linked, _ := store.MarkCalendarLinked(ctx, task.ID, claim, "evt999", at); linked {
		t.Fatal("stale claim overwrote link")
	}
}

func TestCalendar_LinkAfterReplanStaysPlanned(t *testing.T) {
	store, _ := openTestStore(t)
	clock := newTestClock(store, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	task := plannedTask(t, store, "review", at)

	claim := persistence.Pending(clock.Now(), "w")
	store.ClaimCalendarCreate(ctx, task.ID, persistence.Unset(), claim)
	moved := at.Add(time.Hour)
	if _, err := store.PlanTask(ctx, task.ID, moved); err != nil {
		t.Fatalf("replan: %v", err)
	}
	if linked, err := store.MarkCalendarLinked(ctx, task.ID, claim, "evt1", at); err != nil || !linked {
		t.Fatalf("link = %v, %v", linked, err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.State != persistence.StatePlanned {
		t.Fatalf("state = %s, want PLANNED", got.State)
	}

	updates, err := store.ListCalendarUpdateCandidates(ctx, 10)
	if err != nil || len(updates) != 1 || updates[0].ID != task.ID {
		t.Fatalf("update candidates = %+v, %v", updates, err)
	}
	if ok, _ := store.MarkCalendarPatched(ctx, task.ID, "evt1", at); ok {
		t.Fatal("patch with stale planned_at must not schedule")
	}
	ok, err := store.MarkCalendarPatched(ctx, task.ID, "evt1", moved)
	if err != nil || !ok {
		t.Fatalf("patch = %v, %v", ok, err)
	}
	got, _ = store.GetTask(ctx, task.ID)
	if got.State != persistence.StateScheduled {
		t.Fatalf("state after patch = %s", got.State)
	}
}

func TestCalendar_FailuresRetryThenExhaust(t *testing.T) {
	store, _ := openTestStore(t)
	clock := newTestClock(store, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()
	task := plannedTask(t, store, "flaky", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	observed := persistence.Unset()
	for attempt := 1; attempt <= 3; attempt++ {
		claim := persistence.Pending(clock.Now(), "w")
		ok, err := store.ClaimCalendarCreate(ctx, task.ID, observed, claim)
		if err != nil || !ok {
			t.Fatalf("attempt %d claim = %v, %v", attempt, ok, err)
		}
		n, exhausted, err := store.RecordCalendarCreateFailure(ctx, task.ID, claim, 3, "provider 503")
		if err != nil {
			t.Fatalf("attempt %d failure: %v", attempt, err)
		}
		if n != attempt || exhausted != (attempt == 3) {
			t.Fatalf("attempt %d: attempts=%d exhausted=%v", attempt, n, exhausted)
		}
		if attempt < 3 {
			if cands, _ := store.ListCalendarCreateCandidates(ctx, 2*time.Minute, 10); len(cands) != 0 {
				t.Fatalf("retry before pending went stale: %+v", cands)
			}
			clock.Advance(3 * time.Minute)
			cands, _ := store.ListCalendarCreateCandidates(ctx, 2*time.Minute, 10)
			if len(cands) != 1 {
				t.Fatalf("stale pending not offered for retry")
			}
			observed = cands[0].Correlation
		}
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Correlation.Kind != persistence.CorrelationFailed || got.State != persistence.StatePlanned {
		t.Fatalf("exhausted task = %+v", got)
	}
	clock.Advance(time.Hour)
	if cands, _ := store.ListCalendarCreateCandidates(ctx, 2*time.Minute, 10); len(cands) != 0 {
		t.Fatalf("failed task offered again: %+v", cands)
	}
}

func TestCalendar_NotFoundClearsLink(t *testing.T) {
	store, _ := openTestStore(t)
	clock := newTestClock(store, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	task := plannedTask(t, store, "gone", at)
	claim := persistence.Pending(clock.Now(), "w")
	store.ClaimCalendarCreate(ctx, task.ID, persistence.Unset(), claim)
	store.MarkCalendarLinked(ctx, task.ID, claim, "evt404", at)
	store.PlanTask(ctx, task.ID, at.Add(time.Hour))

	if ok, err := store.ClearCalendarLinkOnNotFound(ctx, task.ID, "other"); err != nil || ok {
		t.Fatalf("clear with wrong id = %v, %v", ok, err)
	}
	ok, err := store.ClearCalendarLinkOnNotFound(ctx, task.ID, "evt404")
	if err != nil || !ok {
		t.Fatalf("clear = %v, %v", ok, err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if !got.Correlation.IsUnset() || got.State != persistence.StatePlanned {
		t.Fatalf("after clear = %+v", got)
	}
	cands, _ := store.ListCalendarCreateCandidates(ctx, 2*time.Minute, 10)
	if len(cands) != 1 || cands[0].ID != task.ID {
		t.Fatalf("unlinked task should be recreated: %+v", cands)
	}
}

func TestCalendar_CancelCandidates(t *testing.T) {
	store, _ := openTestStore(t)
	clock := newTestClock(store, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	linkedTask := plannedTask(t, store, "linked", at)
	claim := persistence.Pending(clock.Now(), "w")
	store.ClaimCalendarCreate(ctx, linkedTask.ID, persistence.Unset(), claim)
	store.MarkCalendarLinked(ctx, linkedTask.ID, claim, "evtA", at)

	pendingTask := plannedTask(t, store, "pending", at)
	store.ClaimCalendarCreate(ctx, pendingTask.ID, persistence.Unset(), persistence.Pending(clock.Now(), "w"))

	plain := plannedTask(t, store, "plain", at)
	for _, id := range []int64{linkedTask.ID, pendingTask.ID, plain.ID} {
		if _, err := store.CancelTask(ctx, id); err != nil {
			t.Fatalf("cancel %d: %v", id, err)
		}
	}

	cands, err := store.ListCalendarCancelCandidates(ctx, 2*time.Minute, 10)
	if err != nil || len(cands) != 1 || cands[0].ID != linkedTask.ID {
		t.Fatalf("cancel candidates = %+v, %v", cands, err)
	}
	clock.Advance(5 * time.Minute)
	cands, _ = store.ListCalendarCancelCandidates(ctx, 2*time.Minute, 10)
	if len(cands) != 2 {
		t.Fatalf("stale pending should be a cancel candidate: %+v", cands)
	}

	ok, err := store.ClearCalendarCorrelation(ctx, linkedTask.ID, cands[0].Correlation)
	if err != nil || !ok {
		t.Fatalf("clear = %v, %v", ok, err)
	}
	got, _ := store.GetTask(ctx, linkedTask.ID)
	if !got.Correlation.IsUnset() || got.State != persistence.StateCancelled {
		t.Fatalf("after clear = %+v", got)
	}
}
