package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/basket/organizer/internal/bus"
	"github.com/basket/organizer/internal/engine"
	"github.com/basket/organizer/internal/persistence"
)

func newProcessor(t *testing.T, h *harness, interp engine.Interpreter, maxAttempts int) *engine.Processor {
	t.Helper()
	if interp == nil {
		v, err := engine.NewEnvelopeValidator()
		if err != nil {
			t.Fatalf("NewEnvelopeValidator: %v", err)
		}
		interp = engine.NewInboxInterpreter(v)
	}
	return engine.NewProcessor(engine.ProcessorConfig{
		Store:       h.store,
		Engine:      h.engine,
		Interpreter: interp,
		Bus:         h.bus,
		MaxAttempts: maxAttempts,
	})
}

func enqueue(t *testing.T, h *harness, updateID int64, kind string, payload any) persistence.EnqueueResult {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	res, err := h.store.Enqueue(context.Background(), persistence.EnqueueParams{
		Source: "tg", ChatID: 1001, UpdateID: updateID, Kind: kind, Payload: raw,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return res
}

func nextResult(t *testing.T, sub *bus.Subscription) (string, bus.CommandResultEvent) {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		res, ok := ev.Payload.(bus.CommandResultEvent)
		if !ok {
			t.Fatalf("payload on %s is %T", ev.Topic, ev.Payload)
		}
		return ev.Topic, res
	case <-time.After(2 * time.Second):
		t.Fatal("no command result published")
	}
	return "", bus.CommandResultEvent{}
}

func TestProcessor_AppliesTextItemOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.bus.Subscribe("command.")
	defer h.bus.Unsubscribe(sub)
	p := newProcessor(t, h, nil, 0)

	first := enqueue(t, h, 5001, persistence.KindText, engine.TextPayload{Text: "/task pay rent"})
	if again := enqueue(t, h, 5001, persistence.KindText, engine.TextPayload{Text: "/task pay rent"}); again.Inserted || again.ItemID != first.ItemID {
		t.Fatalf("duplicate delivery inserted: %+v", again)
	}

	stats, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Claimed != 1 || stats.Applied != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	topic, res := nextResult(t, sub)
	if topic != bus.TopicCommandApplied || res.ChatID != 1001 || res.Intent != "task.create" {
		t.Fatalf("event %s %+v", topic, res)
	}

	task, err := h.store.GetTaskBySourceMsgID(ctx, "tg:1001:5001")
	if err != nil {
		t.Fatalf("task by source_msg_id: %v", err)
	}
	if task.Title != "pay rent" {
		t.Fatalf("title = %q", task.Title)
	}
	item, err := h.store.GetInboxItem(ctx, first.ItemID)
	if err != nil {
		t.Fatalf("GetInboxItem: %v", err)
	}
	if item.Status != persistence.InboxDone {
		t.Fatalf("item status = %s, want DONE", item.Status)
	}

	// Nothing left to claim.
	if stats, _ := p.Run(ctx); stats.Claimed != 0 {
		t.Fatalf("second run claimed %d items", stats.Claimed)
	}
}

func TestProcessor_InvalidEnvelopeIsCompletedAsFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.bus.Subscribe("command.")
	defer h.bus.Unsubscribe(sub)
	p := newProcessor(t, h, nil, 0)

	res := enqueue(t, h, 7, persistence.KindCommand, map[string]any{"command": map[string]any{"intent": ""}})
	stats, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Rejected != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	topic, ev := nextResult(t, sub)
	if topic != bus.TopicCommandFailed || ev.OK {
		t.Fatalf("event %s %+v", topic, ev)
	}
	item, _ := h.store.GetInboxItem(ctx, res.ItemID)
	if item.Status != persistence.InboxDone {
		t.Fatalf("item status = %s, want DONE", item.Status)
	}
}

func TestProcessor_ClarificationRoundTripThroughCallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.bus.Subscribe("command.")
	defer h.bus.Unsubscribe(sub)
	p := newProcessor(t, h, nil, 0)

	h.createTask(t, "renew passport")
	target := h.createTask(t, "renew car insurance")

	enqueue(t, h, 10, persistence.KindText, engine.TextPayload{Text: "/done renew"})
	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	topic, ev := nextResult(t, sub)
	if topic != bus.TopicCommandClarify || ev.ReplyToken == "" || len(ev.Choices) != 2 {
		t.Fatalf("event %s %+v", topic, ev)
	}

	enqueue(t, h, 11, persistence.KindCallback, engine.CallbackPayload{
		Data: engine.CallbackData(ev.ReplyToken, strconv.FormatInt(target.ID, 10)),
	})
	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	topic, ev = nextResult(t, sub)
	if topic != bus.TopicCommandApplied {
		t.Fatalf("event %s %+v", topic, ev)
	}
	got, _ := h.store.GetTask(ctx, target.ID)
	if got.State != persistence.StateDone {
		t.Fatalf("state = %s, want DONE", got.State)
	}
}

type failingInterpreter struct{ err error }

func (f failingInterpreter) Interpret(context.Context, persistence.InboxItem) (engine.Envelope, error) {
	return engine.Envelope{}, f.err
}

func TestProcessor_TransportErrorsRetryThenDeadLetter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dead := h.bus.Subscribe(bus.TopicInboxDead)
	defer h.bus.Unsubscribe(dead)
	p := newProcessor(t, h, failingInterpreter{err: errors.New("database is locked")}, 2)

	res := enqueue(t, h, 1, persistence.KindText, engine.TextPayload{Text: "x"})

	stats, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Retried != 1 {
		t.Fatalf("first run stats = %+v", stats)
	}
	item, _ := h.store.GetInboxItem(ctx, res.ItemID)
	if item.Status != persistence.InboxFailed || item.Attempts != 1 {
		t.Fatalf("after first failure: %s attempts=%d", item.Status, item.Attempts)
	}
	if p.Status().LastError == "" {
		t.Fatal("last error not recorded")
	}

	stats, err = p.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Dead != 1 {
		t.Fatalf("second run stats = %+v", stats)
	}
	item, _ = h.store.GetInboxItem(ctx, res.ItemID)
	if item.Status != persistence.InboxDead {
		t.Fatalf("status = %s, want DEAD", item.Status)
	}
	select {
	case ev := <-dead.Ch():
		if ev.Payload.(bus.InboxDeadEvent).ItemID != res.ItemID {
			t.Fatalf("dead event = %+v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no inbox.dead event")
	}
}
