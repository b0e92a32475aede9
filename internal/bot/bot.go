// Package bot connects the chat transport to the turn pipeline: it polls
// for updates, enforces the allow-list, routes commands and delivers replies.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	cmdpkg "github.com/stupiduntilnot/verabot/internal/commander"
	"github.com/stupiduntilnot/verabot/internal/control"
	"github.com/stupiduntilnot/verabot/internal/db"
	"github.com/stupiduntilnot/verabot/internal/format"
	"github.com/stupiduntilnot/verabot/internal/generation"
	"github.com/stupiduntilnot/verabot/internal/kv"
	"github.com/stupiduntilnot/verabot/internal/metrics"
	"github.com/stupiduntilnot/verabot/internal/notes"
	"github.com/stupiduntilnot/verabot/internal/pipeline"
)

const (
	RefusalReply        = "Я работаю только для своей хозяйки 💅"
	StartReply          = "Привет! Я твой личный помощник. Чем могу помочь?"
	ClearReply          = "История диалога очищена! Начинаем с чистого листа. 🧹"
	DownloadFailedReply = "Не удалось загрузить файл 😢"

	offsetKey = "bot_offset"
)

type Pipeline interface {
	Run(ctx context.Context, in pipeline.Input) pipeline.Reply
}

type History interface {
	Clear(ctx context.Context, userID int64)
}

type Notes interface {
	Add(ctx context.Context, userID int64, text string) (int64, error)
	List(ctx context.Context, userID int64) ([]notes.Note, error)
	Delete(ctx context.Context, userID, id int64) error
	Clear(ctx context.Context, userID int64) error
}

type Preferences interface {
	Get(ctx context.Context, userID int64, key string) string
	Set(ctx context.Context, userID int64, key, value string) error
	Reset(ctx context.Context, userID int64, key string) error
}

// Assistant covers the generation operations commands call directly.
type Assistant interface {
	GenerateDeep(ctx context.Context, question string) generation.Deep
	Translate(ctx context.Context, text string) generation.Completion
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
	Model(slot generation.Slot) string
}

type Personas interface {
	Names() []string
	Has(variant string) bool
}

type Deps struct {
	Commander cmdpkg.Commander
	Pipeline  Pipeline
	History   History
	Notes     Notes
	Prefs     Preferences
	Assistant Assistant
	Personas  Personas
	// State persists the polling offset. Optional.
	State   kv.Store
	Events  pipeline.EventLogger
	Metrics *metrics.Metrics
}

type Options struct {
	// AllowedIDs are the users the bot answers. Everyone else gets the
	// refusal; an empty list refuses everyone.
	AllowedIDs []int64
	// PollTimeout is the getUpdates long-poll timeout in seconds.
	PollTimeout   int
	Sleep         time.Duration
	DropPending   bool
	PendingWindow time.Duration
	PendingMax    int
	MaxConcurrent int64
	// JobTimeout bounds one handled update, delivery included. A job keeps
	// running after Run's context is cancelled until it finishes or this
	// expires.
	JobTimeout time.Duration
	// Breaker guards the polling loop. Defaults to 5 failures / 30s.
	Breaker *control.CircuitBreaker
	Now     func() time.Time
}

type Bot struct {
	deps    Deps
	opts    Options
	allowed map[int64]bool
	lanes   *lanes
	breaker *control.CircuitBreaker
	logger  *zap.Logger
}

func New(deps Deps, opts Options, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Sleep <= 0 {
		opts.Sleep = time.Second
	}
	if opts.PendingMax <= 0 {
		opts.PendingMax = 50
	}
	if opts.PendingWindow <= 0 {
		opts.PendingWindow = 10 * time.Minute
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = pipeline.DefaultTimeout + 30*time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Breaker == nil {
		opts.Breaker = control.NewCircuitBreaker(5, 30*time.Second)
	}
	b := &Bot{
		deps:    deps,
		opts:    opts,
		allowed: make(map[int64]bool, len(opts.AllowedIDs)),
		lanes:   newLanes(opts.MaxConcurrent, opts.JobTimeout),
		breaker: opts.Breaker,
		logger:  logger.Named("bot"),
	}
	for _, id := range opts.AllowedIDs {
		b.allowed[id] = true
	}
	b.breaker.OnTransition = b.circuitTransition
	return b
}

// Run registers the command menu and polls for updates until ctx is done.
// It returns after in-flight turns have finished.
func (b *Bot) Run(ctx context.Context) error {
	defer b.lanes.wait()

	if err := b.deps.Commander.SetMyCommands(ctx, Menu()); err != nil {
		b.logger.Warn("failed to register command menu", zap.Error(err))
	}

	offset := b.loadOffset(ctx)
	if offset == 0 && b.opts.DropPending {
		bootstrapped, err := b.bootstrapOffset(ctx)
		if err != nil {
			b.logger.Warn("bootstrap offset failed", zap.Error(err))
		} else {
			offset = bootstrapped
		}
	}
	b.logger.Info("bot running",
		zap.Int64("offset", offset),
		zap.Int("allowed_users", len(b.allowed)),
		zap.Int64("max_concurrent", b.opts.MaxConcurrent))

	failures := 0
	for ctx.Err() == nil {
		if !b.breaker.Allow(b.opts.Now()) {
			control.Sleep(ctx, b.opts.Sleep)
			continue
		}

		updates, err := b.deps.Commander.GetUpdates(ctx, offset, b.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			b.deps.Metrics.RecordPollError()
			b.breaker.RecordFailure(classifyError(err), b.opts.Now())
			b.logger.Warn("getUpdates failed", zap.Int("failures", failures), zap.Error(err))
			control.Sleep(ctx, control.Backoff(failures, b.opts.Sleep))
			continue
		}
		failures = 0
		b.breaker.RecordSuccess()

		if len(updates) == 0 {
			control.Sleep(ctx, b.opts.Sleep)
			continue
		}
		b.deps.Metrics.RecordUpdates(len(updates))
		for _, u := range updates {
			offset = u.UpdateID + 1
			b.Dispatch(ctx, u)
		}
		b.saveOffset(ctx, offset)
	}
	b.logger.Info("bot stopping", zap.Int64("offset", offset))
	return nil
}

// Dispatch queues an update on its sender's lane.
func (b *Bot) Dispatch(ctx context.Context, u cmdpkg.Update) {
	msg := u.Message
	if msg == nil {
		return
	}
	userID := msg.SenderID()
	if !b.allowed[userID] {
		b.deps.Metrics.RecordDenied()
		b.logger.Info("message refused", zap.Int64("user_id", userID))
		b.lanes.submit(ctx, userID, func(ctx context.Context) {
			b.deliver(ctx, msg.Chat.ID, plain(RefusalReply), nil)
		})
		return
	}
	b.lanes.submit(ctx, userID, func(ctx context.Context) { b.handle(ctx, msg) })
}

func (b *Bot) handle(ctx context.Context, msg *cmdpkg.Message) {
	userID := msg.SenderID()
	chatID := msg.Chat.ID
	logger := b.logger.With(zap.Int64("user_id", userID), zap.Int64("message_id", msg.MessageID))

	if msg.Text != nil {
		if name, args, ok := parseCommand(*msg.Text); ok {
			if cmd, known := commandsByName[name]; known {
				b.runCommand(ctx, cmd, &request{userID: userID, chatID: chatID, args: args})
				return
			}
		}
	}

	var in pipeline.Input
	switch {
	case msg.Voice != nil:
		b.chatAction(ctx, chatID, cmdpkg.ActionTyping)
		audio, err := b.deps.Commander.DownloadFile(ctx, msg.Voice.FileID)
		if err != nil {
			logger.Warn("voice download failed", zap.Error(err))
			b.deliver(ctx, chatID, plain(DownloadFailedReply), nil)
			return
		}
		in = pipeline.Input{UserID: userID, Kind: pipeline.KindVoice, Audio: audio}
	case len(msg.Photo) > 0:
		b.chatAction(ctx, chatID, cmdpkg.ActionTyping)
		largest := msg.Photo[len(msg.Photo)-1]
		image, err := b.deps.Commander.DownloadFile(ctx, largest.FileID)
		if err != nil {
			logger.Warn("photo download failed", zap.Error(err))
			b.deliver(ctx, chatID, plain(DownloadFailedReply), nil)
			return
		}
		in = pipeline.Input{UserID: userID, Kind: pipeline.KindPhoto, Text: msg.Caption, Image: image}
	case msg.Text != nil && strings.TrimSpace(*msg.Text) != "":
		b.chatAction(ctx, chatID, cmdpkg.ActionTyping)
		in = pipeline.Input{UserID: userID, Kind: pipeline.KindText, Text: *msg.Text}
	default:
		logger.Debug("ignoring unsupported message")
		return
	}

	reply := b.deps.Pipeline.Run(ctx, in)
	if err := b.deliver(ctx, chatID, reply, nil); err != nil {
		logger.Error("reply delivery failed", zap.Error(err))
	}
}

// deliver sends reply as HTML and retries once as plain text when that
// fails or when the reply could not be formatted.
func (b *Bot) deliver(ctx context.Context, chatID int64, reply pipeline.Reply, buttons [][]cmdpkg.Button) error {
	if reply.HTML != "" {
		err := b.deps.Commander.SendMessage(ctx, cmdpkg.OutgoingMessage{
			ChatID:    chatID,
			Text:      reply.HTML,
			ParseMode: cmdpkg.ParseModeHTML,
			Buttons:   buttons,
		})
		if err == nil {
			b.deps.Metrics.RecordReply("html")
			b.logEvent(db.EventReplySent, map[string]any{"chat_id": chatID, "parse_mode": "html"})
			return nil
		}
		b.logger.Warn("html send failed, retrying as plain text", zap.Int64("chat_id", chatID), zap.Error(err))
		b.logEvent(db.EventReplyFallback, map[string]any{"chat_id": chatID, "error": truncate(err.Error(), 500)})
	} else {
		b.logEvent(db.EventReplyFallback, map[string]any{"chat_id": chatID, "error": "format failed"})
	}

	err := b.deps.Commander.SendMessage(ctx, cmdpkg.OutgoingMessage{
		ChatID:  chatID,
		Text:    reply.Plain,
		Buttons: buttons,
	})
	if err != nil {
		return fmt.Errorf("telegram send plain chat_id=%d: %w", chatID, err)
	}
	b.deps.Metrics.RecordReply("plain_fallback")
	b.logEvent(db.EventReplySent, map[string]any{"chat_id": chatID, "parse_mode": "plain"})
	return nil
}

func (b *Bot) chatAction(ctx context.Context, chatID int64, action string) {
	if err := b.deps.Commander.SendChatAction(ctx, chatID, action); err != nil {
		b.logger.Debug("chat action failed", zap.String("action", action), zap.Error(err))
	}
}

func (b *Bot) circuitTransition(from, to control.CircuitState, errClass string) {
	b.logger.Warn("poll circuit transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("error_class", errClass))
	switch to {
	case control.CircuitOpen:
		b.logEvent(db.EventCircuitOpened, map[string]any{
			"error_class":      errClass,
			"threshold":        b.breaker.Threshold,
			"cooldown_seconds": int(b.breaker.Cooldown.Seconds()),
		})
	case control.CircuitHalfOpen:
		b.logEvent(db.EventCircuitHalf, map[string]any{"error_class": errClass})
	case control.CircuitClosed:
		b.logEvent(db.EventCircuitClosed, map[string]any{"recovered": true})
	}
}

func (b *Bot) logEvent(eventType string, payload map[string]any) {
	if b.deps.Events == nil {
		return
	}
	if _, err := b.deps.Events.Log(nil, eventType, payload); err != nil {
		b.logger.Warn("event log failed", zap.String("event", eventType), zap.Error(err))
	}
}

func (b *Bot) loadOffset(ctx context.Context) int64 {
	if b.deps.State == nil {
		return 0
	}
	raw, err := b.deps.State.Get(ctx, offsetKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			b.logger.Warn("failed to load offset", zap.Error(err))
		}
		return 0
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		b.logger.Warn("ignoring malformed offset", zap.String("value", raw))
		return 0
	}
	return offset
}

func (b *Bot) saveOffset(ctx context.Context, offset int64) {
	if b.deps.State == nil {
		return
	}
	if err := b.deps.State.Set(ctx, offsetKey, strconv.FormatInt(offset, 10), 0); err != nil {
		b.logger.Warn("failed to save offset", zap.Int64("offset", offset), zap.Error(err))
	}
}

// bootstrapOffset skips the backlog on a fresh start: updates older than
// the pending window are dropped and at most PendingMax recent ones kept.
func (b *Bot) bootstrapOffset(ctx context.Context) (int64, error) {
	updates, err := b.deps.Commander.GetUpdates(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}

	cutoff := b.opts.Now().Add(-b.opts.PendingWindow).Unix()

	var inWindow []cmdpkg.Update
	for _, u := range updates {
		if u.Message != nil && u.Message.Date >= cutoff {
			inWindow = append(inWindow, u)
		}
	}

	if len(inWindow) == 0 {
		return updates[len(updates)-1].UpdateID + 1, nil
	}

	if len(inWindow) > b.opts.PendingMax {
		inWindow = inWindow[len(inWindow)-b.opts.PendingMax:]
	}

	return inWindow[0].UpdateID, nil
}

func classifyError(err error) string {
	if err == nil {
		return "unknown"
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "telegram ", "commander"):
		return "command_source_api"
	case containsAny(msg, "openai ", "provider", "model"):
		return "provider_api"
	case containsAny(msg, "sqlite", "db", "database"):
		return "db"
	default:
		return "unknown"
	}
}

func containsAny(s string, parts ...string) bool {
	for _, p := range parts {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// plain wraps fixed text as a reply.
func plain(s string) pipeline.Reply {
	return pipeline.Reply{HTML: format.Escape(s), Plain: s}
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	return string([]rune(s)[:maxChars]) + "..."
}
