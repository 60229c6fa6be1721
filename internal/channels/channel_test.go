package channels_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/organizer/internal/bus"
	"github.com/basket/organizer/internal/channels"
	"github.com/basket/organizer/internal/engine"
	"github.com/basket/organizer/internal/persistence"
)

var _ channels.Channel = (*channels.TelegramChannel)(nil)

const (
	ownerChat   int64 = 1001
	strangeChat int64 = 666
)

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	answers  []string
	polls    []tgbotapi.UpdateConfig
	batches  [][]tgbotapi.Update
	failNext bool
}

func (f *fakeBot) GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	f.mu.Lock()
	f.polls = append(f.polls, cfg)
	if f.failNext {
		f.failNext = false
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	if len(f.batches) > 0 {
		next := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return next, nil
	}
	f.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	return nil, nil
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := c.(tgbotapi.CallbackConfig); ok {
		f.answers = append(f.answers, cb.Text)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

func (f *fakeBot) pollConfigs() []tgbotapi.UpdateConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.UpdateConfig(nil), f.polls...)
}

type harness struct {
	store *persistence.Store
	bus   *bus.Bus
	bot   *fakeBot
	ch    *channels.TelegramChannel
}

func newHarness(t *testing.T, mutate ...func(*channels.TelegramConfig)) *harness {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "organizer.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	fixed := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return fixed })

	bot := &fakeBot{}
	cfg := channels.TelegramConfig{
		AllowedIDs:  []int64{ownerChat},
		OwnerChatID: ownerChat,
		PollTimeout: time.Second,
		Store:       store,
		Bus:         b,
		Bot:         bot,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return &harness{store: store, bus: b, bot: bot, ch: channels.NewTelegramChannel(cfg)}
}

func textUpdate(updateID int, chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: updateID,
		Message: &tgbotapi.Message{
			MessageID: updateID,
			Chat:      &tgbotapi.Chat{ID: chatID},
			From:      &tgbotapi.User{ID: chatID},
			Text:      text,
		},
	}
}

func callbackUpdate(updateID int, chatID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: updateID,
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb-1",
			From:    &tgbotapi.User{ID: chatID},
			Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID}},
			Data:    data,
		},
	}
}

func (h *harness) newItems(t *testing.T) []persistence.InboxItem {
	t.Helper()
	items, err := h.store.ListInbox(context.Background(), persistence.InboxNew, 50)
	if err != nil {
		t.Fatalf("ListInbox: %v", err)
	}
	return items
}

func lastText(t *testing.T, bot *fakeBot) string {
	t.Helper()
	msgs := bot.messages()
	if len(msgs) == 0 {
		t.Fatal("no message sent")
	}
	return msgs[len(msgs)-1].Text
}

func TestTelegramChannel_Name(t *testing.T) {
	h := newHarness(t)
	if got := h.ch.Name(); got != "telegram" {
		t.Fatalf("Name() = %q, want telegram", got)
	}
}

func TestHandleUpdate_EnqueuesTextOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.ch.HandleUpdate(ctx, textUpdate(5001, ownerChat, "/task pay rent")); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if got := lastText(t, h.bot); got != "accepted, queue 1" {
		t.Fatalf("reply = %q", got)
	}
	if err := h.ch.HandleUpdate(ctx, textUpdate(5001, ownerChat, "/task pay rent")); err != nil {
		t.Fatalf("HandleUpdate replay: %v", err)
	}
	if got := lastText(t, h.bot); got != "already accepted" {
		t.Fatalf("replay reply = %q", got)
	}

	items := h.newItems(t)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	it := items[0]
	if it.Source != channels.Source || it.ChatID != ownerChat || it.UpdateID != 5001 || it.Kind != persistence.KindText {
		t.Fatalf("item = %+v", it)
	}
	if !strings.Contains(string(it.Payload), "pay rent") {
		t.Fatalf("payload = %s", it.Payload)
	}
}

func TestHandleUpdate_DeniesUnknownChat(t *testing.T) {
	h := newHarness(t)
	if err := h.ch.HandleUpdate(context.Background(), textUpdate(1, strangeChat, "hello")); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if len(h.newItems(t)) != 0 || len(h.bot.messages()) != 0 {
		t.Fatal("denied chat produced an item or a reply")
	}
}

func TestHandleUpdate_BackpressureRepliesOverload(t *testing.T) {
	h := newHarness(t, func(c *channels.TelegramConfig) {
		c.Backpressure = func() persistence.Backpressure {
			return persistence.Backpressure{MaxNew: 1, MaxTotal: 10, Mode: "reject"}
		}
	})
	ctx := context.Background()
	if err := h.ch.HandleUpdate(ctx, textUpdate(1, ownerChat, "first")); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if err := h.ch.HandleUpdate(ctx, textUpdate(2, ownerChat, "second")); err != nil {
		t.Fatalf("overloaded update must be consumed, got %v", err)
	}
	if got := lastText(t, h.bot); !strings.Contains(got, "overloaded") {
		t.Fatalf("reply = %q", got)
	}
	if n := len(h.newItems(t)); n != 1 {
		t.Fatalf("items = %d, want 1", n)
	}
}

func TestHandleUpdate_Callback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.ch.HandleUpdate(ctx, callbackUpdate(10, ownerChat, engine.CallbackData("tok", "2"))); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if err := h.ch.HandleUpdate(ctx, callbackUpdate(11, ownerChat, "hitl:x:approve")); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	items := h.newItems(t)
	if len(items) != 1 || items[0].Kind != persistence.KindCallback {
		t.Fatalf("items = %+v", items)
	}
	h.bot.mu.Lock()
	answers := append([]string(nil), h.bot.answers...)
	h.bot.mu.Unlock()
	if len(answers) != 2 || answers[0] != "accepted" || answers[1] != "unknown button" {
		t.Fatalf("answers = %v", answers)
	}
}

func TestRenderEvent_ClarificationKeyboard(t *testing.T) {
	h := newHarness(t)
	h.ch.RenderEvent(bus.Event{Topic: bus.TopicCommandClarify, Payload: bus.CommandResultEvent{
		Source:     channels.Source,
		ChatID:     ownerChat,
		Question:   "Which task?",
		ReplyToken: "tok9",
		Choices:    []bus.Choice{{ID: "3", Label: "#3 rent"}, {ID: "4", Label: "#4 taxes"}},
	}})
	msgs := h.bot.messages()
	if len(msgs) != 1 || msgs[0].Text != "Which task?" {
		t.Fatalf("messages = %+v", msgs)
	}
	kb, ok := msgs[0].ReplyMarkup.(*tgbotapi.InlineKeyboardMarkup)
	if !ok || len(kb.InlineKeyboard) != 2 {
		t.Fatalf("reply markup = %#v", msgs[0].ReplyMarkup)
	}
	btn := kb.InlineKeyboard[1][0]
	if btn.Text != "#4 taxes" || btn.CallbackData == nil || *btn.CallbackData != "clarify:tok9:4" {
		t.Fatalf("button = %+v", btn)
	}
}

func TestRenderEvent_RoutesBySourceAndOwner(t *testing.T) {
	h := newHarness(t)
	h.ch.RenderEvent(bus.Event{Topic: bus.TopicCommandApplied, Payload: bus.CommandResultEvent{
		Source: "http", ChatID: ownerChat, Message: "created",
	}})
	if len(h.bot.messages()) != 0 {
		t.Fatal("http results must not be sent to chat")
	}

	h.ch.RenderEvent(bus.Event{Topic: bus.TopicNudgeRegulation, Payload: bus.RegulationNudgeEvent{
		Date:  "2026-03-15",
		Items: []bus.RegulationNudgeItem{{RunID: 4, Title: "pay taxes", DueDate: "2026-03-10", Overdue: true}},
	}})
	msgs := h.bot.messages()
	if len(msgs) != 1 || msgs[0].ChatID != ownerChat {
		t.Fatalf("nudge messages = %+v", msgs)
	}
	if !strings.Contains(msgs[0].Text, "#4 pay taxes, due 2026-03-10 (overdue)") {
		t.Fatalf("nudge text = %q", msgs[0].Text)
	}

	h.ch.RenderEvent(bus.Event{Topic: bus.TopicDigestDaily, Payload: bus.DigestEvent{Date: "2026-03-15", TasksToday: 3}})
	if got := lastText(t, h.bot); !strings.HasPrefix(got, "Digest for 2026-03-15") || !strings.Contains(got, "3 today") {
		t.Fatalf("digest text = %q", got)
	}
}

func TestRenderEvent_NoOwnerDropsNotifications(t *testing.T) {
	h := newHarness(t, func(c *channels.TelegramConfig) { c.OwnerChatID = 0 })
	h.ch.RenderEvent(bus.Event{Topic: bus.TopicNudgeGoal, Payload: bus.GoalNudgeEvent{
		Date:  "2026-03-15",
		Items: []bus.GoalNudgeItem{{Key: "goal:1:goal_overdue", Kind: persistence.NudgeGoalOverdue, GoalID: 1, Title: "ship"}},
	}})
	if len(h.bot.messages()) != 0 {
		t.Fatal("notification sent without an owner chat")
	}
}

func TestFormatGoalNudge(t *testing.T) {
	got := channels.FormatGoalNudge(bus.GoalNudgeEvent{
		Date: "2026-03-15",
		Items: []bus.GoalNudgeItem{
			{Key: "goal:1:goal_overdue", Kind: persistence.NudgeGoalOverdue, GoalID: 1, Title: "ship v1", PlannedEndDate: "2026-03-01"},
			{Key: "goal:2:goal_at_risk", Kind: persistence.NudgeGoalAtRisk, GoalID: 2, Title: "read", PlannedEndDate: "2026-03-20"},
		},
	})
	for _, want := range []string{"#1 ship v1, overdue", "/ack goal:1:goal_overdue", "#2 read, at risk"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
}

func TestStart_ResumesAndPersistsOffset(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.store.KVSet(ctx, channels.OffsetKey, "41"); err != nil {
		t.Fatalf("KVSet: %v", err)
	}
	h.bot.batches = [][]tgbotapi.Update{{textUpdate(41, ownerChat, "buy bread"), textUpdate(42, ownerChat, "call mom")}}

	done := make(chan error, 1)
	go func() { done <- h.ch.Start(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		v, err := h.store.KVGet(ctx, channels.OffsetKey)
		if err == nil && v == "43" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("offset = %q, want 43", v)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}

	polls := h.bot.pollConfigs()
	if polls[0].Offset != 41 || polls[0].Timeout != 1 {
		t.Fatalf("first poll = %+v", polls[0])
	}
	if len(polls) > 1 && polls[1].Offset != 43 {
		t.Fatalf("second poll offset = %d, want 43", polls[1].Offset)
	}
	if n := len(h.newItems(t)); n != 2 {
		t.Fatalf("items = %d, want 2", n)
	}
}

func TestStart_RepliesToProcessedCommand(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	validator, err := engine.NewEnvelopeValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	proc := engine.NewProcessor(engine.ProcessorConfig{
		Store:       h.store,
		Engine:      engine.New(engine.Config{Store: h.store}),
		Interpreter: engine.NewInboxInterpreter(validator),
		Bus:         h.bus,
	})
	h.bot.batches = [][]tgbotapi.Update{{textUpdate(7, ownerChat, "/task water plants")}}

	done := make(chan error, 1)
	go func() { done <- h.ch.Start(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for len(h.newItems(t)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("item was never enqueued")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := proc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for {
		found := false
		for _, m := range h.bot.messages() {
			if m.ChatID == ownerChat && strings.Contains(m.Text, "water plants") {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no result reply; sent %+v", h.bot.messages())
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
