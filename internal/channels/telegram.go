package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/organizer/internal/audit"
	"github.com/basket/organizer/internal/bus"
	"github.com/basket/organizer/internal/engine"
	otelx "github.com/basket/organizer/internal/otel"
	"github.com/basket/organizer/internal/persistence"
	"github.com/basket/organizer/internal/shared"
)

// Source is the inbox source name for Telegram items.
const Source = "tg"

// OffsetKey is the kv key holding the next update offset.
const OffsetKey = "telegram:offset"

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// BotAPI is the subset of *tgbotapi.BotAPI the adapter uses.
type BotAPI interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type TelegramConfig struct {
	Token       string
	AllowedIDs  []int64
	OwnerChatID int64
	PollTimeout time.Duration // long-poll timeout; default 30s

	Store   *persistence.Store
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otelx.Metrics

	// Backpressure returns the admission limits in effect.
	Backpressure func() persistence.Backpressure

	// Bot overrides the client built from Token.
	Bot BotAPI
}

// TelegramChannel turns chat messages and button presses into inbox items
// and renders command results, nudges and digests back into chat.
type TelegramChannel struct {
	cfg        TelegramConfig
	allowedIDs map[int64]struct{}
	logger     *slog.Logger
	metrics    *otelx.Metrics
	bot        BotAPI
}

func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.Backpressure == nil {
		cfg.Backpressure = func() persistence.Backpressure { return persistence.Backpressure{Mode: "off"} }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otelx.NoopMetrics()
	}
	return &TelegramChannel{
		cfg:        cfg,
		allowedIDs: allowed,
		logger:     logger.With("component", "telegram"),
		metrics:    metrics,
		bot:        cfg.Bot,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Start polls until ctx is canceled. Poll errors back off from 1s to 30s.
func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.bot == nil {
		api, err := tgbotapi.NewBotAPI(t.cfg.Token)
		if err != nil {
			return fmt.Errorf("telegram init failed: %w", err)
		}
		t.logger.Info("telegram bot started", "user", api.Self.UserName)
		t.bot = api
	}

	if t.cfg.Bus != nil {
		b := t.cfg.Bus
		subs := []*bus.Subscription{
			b.Subscribe("command."),
			b.Subscribe("nudge."),
			b.Subscribe("digest."),
			b.Subscribe(bus.TopicInboxDead),
		}
		go t.watchEvents(ctx, subs)
	}

	offset := t.loadOffset(ctx)
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}
		u := tgbotapi.NewUpdate(offset)
		u.Timeout = int(t.cfg.PollTimeout / time.Second)
		u.AllowedUpdates = []string{"message", "callback_query"}

		updates, err := t.bot.GetUpdates(u)
		if err != nil {
			t.logger.Warn("telegram poll failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		for _, update := range updates {
			if err := t.HandleUpdate(ctx, update); err != nil {
				// Keep the offset so the update is redelivered by the next poll.
				t.logger.Error("telegram update not accepted", "update_id", update.UpdateID, "error", err)
				break
			}
			offset = update.UpdateID + 1
			if err := t.cfg.Store.KVSet(ctx, OffsetKey, strconv.Itoa(offset)); err != nil {
				t.logger.Warn("persist telegram offset", "error", err)
			}
		}
	}
}

func (t *TelegramChannel) loadOffset(ctx context.Context) int {
	raw, err := t.cfg.Store.KVGet(ctx, OffsetKey)
	if err != nil || raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		t.logger.Warn("ignoring unreadable telegram offset", "value", raw)
		return 0
	}
	return n
}

// HandleUpdate admits and enqueues one update. It returns an error only for
// store faults; denied, empty and overloaded updates are consumed.
func (t *TelegramChannel) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	switch {
	case update.Message != nil:
		return t.handleMessage(ctx, int64(update.UpdateID), update.Message)
	case update.CallbackQuery != nil:
		return t.handleCallback(ctx, int64(update.UpdateID), update.CallbackQuery)
	}
	return nil
}

func (t *TelegramChannel) allowed(ctx context.Context, chatID int64) bool {
	if _, ok := t.allowedIDs[chatID]; ok {
		return true
	}
	t.logger.Warn("telegram access denied", "chat_id", chatID)
	audit.Record(ctx, audit.DecisionDeny, "telegram.access", "chat not in allowlist", strconv.FormatInt(chatID, 10))
	return false
}

func (t *TelegramChannel) handleMessage(ctx context.Context, updateID int64, msg *tgbotapi.Message) error {
	if msg.Chat == nil {
		return nil
	}
	chatID := msg.Chat.ID
	if !t.allowed(ctx, chatID) {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}
	payload, err := json.Marshal(engine.TextPayload{Text: text})
	if err != nil {
		return err
	}
	res, ok, err := t.enqueue(ctx, chatID, updateID, persistence.KindText, payload)
	if err != nil || !ok {
		return err
	}
	if res.Inserted {
		t.reply(chatID, fmt.Sprintf("accepted, queue %d", res.DepthNew))
	} else {
		t.reply(chatID, "already accepted")
	}
	return nil
}

func (t *TelegramChannel) handleCallback(ctx context.Context, updateID int64, query *tgbotapi.CallbackQuery) error {
	if query.Message == nil || query.Message.Chat == nil {
		return nil
	}
	chatID := query.Message.Chat.ID
	if !t.allowed(ctx, chatID) {
		return nil
	}
	if _, _, ok := engine.ParseCallbackData(query.Data); !ok {
		t.answerCallback(query.ID, "unknown button")
		return nil
	}
	payload, err := json.Marshal(engine.CallbackPayload{Data: query.Data})
	if err != nil {
		return err
	}
	res, ok, err := t.enqueue(ctx, chatID, updateID, persistence.KindCallback, payload)
	if err != nil {
		return err
	}
	switch {
	case !ok:
		t.answerCallback(query.ID, "busy, try again in a minute")
	case res.Inserted:
		t.answerCallback(query.ID, "accepted")
	default:
		t.answerCallback(query.ID, "already accepted")
	}
	return nil
}

// enqueue runs admission then inserts the item. ok is false when the queue
// is overloaded; the user has been told and the update is consumed.
func (t *TelegramChannel) enqueue(ctx context.Context, chatID, updateID int64, kind string, payload []byte) (persistence.EnqueueResult, bool, error) {
	ctx = shared.WithChatID(ctx, chatID)
	if _, err := t.cfg.Store.Admit(ctx, t.cfg.Backpressure()); err != nil {
		if errors.Is(err, persistence.ErrOverloaded) {
			t.logger.Warn("telegram message rejected by backpressure", "chat_id", chatID, "error", err)
			if kind == persistence.KindText {
				t.reply(chatID, "Queue is overloaded, please retry in a minute.")
			}
			return persistence.EnqueueResult{}, false, nil
		}
		return persistence.EnqueueResult{}, false, err
	}
	res, err := t.cfg.Store.Enqueue(ctx, persistence.EnqueueParams{
		Source:   Source,
		ChatID:   chatID,
		UpdateID: updateID,
		Kind:     kind,
		Payload:  payload,
	})
	if err != nil {
		return persistence.EnqueueResult{}, false, err
	}
	if res.Inserted {
		t.metrics.InboxEnqueued.Add(ctx, 1)
	}
	return res, true, nil
}

// watchEvents renders bus events into chat until ctx is done. subs holds the
// command, nudge, digest and dead-letter subscriptions in that order.
func (t *TelegramChannel) watchEvents(ctx context.Context, subs []*bus.Subscription) {
	defer func() {
		for _, s := range subs {
			t.cfg.Bus.Unsubscribe(s)
		}
	}()
	commands, nudges, digests, dead := subs[0], subs[1], subs[2], subs[3]

	for {
		var ev bus.Event
		var ok bool
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-commands.Ch():
		case ev, ok = <-nudges.Ch():
		case ev, ok = <-digests.Ch():
		case ev, ok = <-dead.Ch():
		}
		if !ok {
			return
		}
		t.RenderEvent(ev)
	}
}

// RenderEvent sends the chat message for one bus event, if any.
func (t *TelegramChannel) RenderEvent(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.CommandResultEvent:
		if p.Source != Source || p.ChatID == 0 {
			return
		}
		if ev.Topic == bus.TopicCommandClarify && p.Question != "" {
			t.send(p.ChatID, p.Question, choiceKeyboard(p.ReplyToken, p.Choices))
			return
		}
		if p.Message != "" {
			t.reply(p.ChatID, p.Message)
		}
	case bus.InboxDeadEvent:
		if p.Source != Source || p.ChatID == 0 {
			return
		}
		t.reply(p.ChatID, fmt.Sprintf("Could not process your message after %d attempts.", p.Attempts))
	case bus.RegulationNudgeEvent:
		t.toOwner(FormatRegulationNudge(p))
	case bus.GoalNudgeEvent:
		t.toOwner(FormatGoalNudge(p))
	case bus.DigestEvent:
		t.toOwner(engine.FormatDigest(persistence.Digest{
			Date:               p.Date,
			GoalsActive:        p.GoalsActive,
			GoalsOverdue:       p.GoalsOverdue,
			GoalsDueSoon:       p.GoalsDueSoon,
			GoalsAtRisk:        p.GoalsAtRisk,
			TasksToday:         p.TasksToday,
			TasksTomorrow:      p.TasksTomorrow,
			TasksActiveTotal:   p.TasksActive,
			OpenRegulationRuns: p.OpenRegRuns,
		}))
	}
}

// FormatRegulationNudge renders open regulation runs with their commands.
func FormatRegulationNudge(ev bus.RegulationNudgeEvent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Regulations open on %s:", ev.Date)
	for _, it := range ev.Items {
		fmt.Fprintf(&sb, "\n#%d %s, due %s", it.RunID, it.Title, it.DueDate)
		if it.Overdue {
			sb.WriteString(" (overdue)")
		}
	}
	sb.WriteString("\nReply /regdone <n> or /regskip <n>.")
	return sb.String()
}

// FormatGoalNudge renders goal reminders with the key that silences each.
func FormatGoalNudge(ev bus.GoalNudgeEvent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goals needing attention on %s:", ev.Date)
	for _, it := range ev.Items {
		label := "at risk"
		if it.Kind == persistence.NudgeGoalOverdue {
			label = "overdue"
		}
		fmt.Fprintf(&sb, "\n#%d %s, %s (planned end %s). /ack %s", it.GoalID, it.Title, label, it.PlannedEndDate, it.Key)
	}
	return sb.String()
}

func choiceKeyboard(token string, choices []bus.Choice) *tgbotapi.InlineKeyboardMarkup {
	if token == "" || len(choices) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(choices))
	for _, c := range choices {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(c.Label, engine.CallbackData(token, c.ID)),
		))
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &kb
}

func (t *TelegramChannel) toOwner(text string) {
	if t.cfg.OwnerChatID == 0 {
		t.logger.Debug("no owner chat configured, dropping notification")
		return
	}
	t.reply(t.cfg.OwnerChatID, text)
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	t.send(chatID, text, nil)
}

func (t *TelegramChannel) send(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	if t.bot == nil {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if keyboard != nil {
		msg.ReplyMarkup = keyboard
	}
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "chat_id", chatID, "error", err)
	}
}

func (t *TelegramChannel) answerCallback(queryID, text string) {
	if t.bot == nil {
		return
	}
	if _, err := t.bot.Request(tgbotapi.NewCallback(queryID, text)); err != nil {
		t.logger.Warn("failed to answer callback", "error", err)
	}
}
