// Package pipeline runs one conversation turn: an inbound text, voice or
// photo message becomes a formatted reply, with history, optional search
// context and generation in between. Delivery belongs to the caller.
package pipeline

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	ctxpkg "github.com/stupiduntilnot/verabot/internal/context"
	"github.com/stupiduntilnot/verabot/internal/db"
	"github.com/stupiduntilnot/verabot/internal/format"
	"github.com/stupiduntilnot/verabot/internal/generation"
	"github.com/stupiduntilnot/verabot/internal/metrics"
	"github.com/stupiduntilnot/verabot/internal/prefs"
	"github.com/stupiduntilnot/verabot/internal/search"
)

// Kind is the type of inbound message.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
	KindPhoto Kind = "photo"
)

// Turn outcomes, used for events and metrics.
const (
	OutcomeOK               = "ok"
	OutcomeGenerationFailed = "generation_failed"
	OutcomeVisionFailed     = "vision_failed"
	OutcomeEmptyTranscript  = "empty_transcript"
)

const (
	// EmptyTranscriptReply is sent when a voice message yields no text.
	EmptyTranscriptReply = "Не удалось распознать голосовое сообщение 😢"

	photoMarker = "[Фото]"
	photoHeader = "Анализ изображения:"

	DefaultWindow  = 5
	DefaultTimeout = 180 * time.Second
)

// Input is one inbound user event.
type Input struct {
	UserID int64
	Kind   Kind
	// Text is the message text, or the caption for photos.
	Text  string
	Audio []byte
	Image []byte
	// Parent is the event the turn is recorded under. Nil uses the log root.
	Parent *int64
}

// Reply is the rendered result of a turn. HTML is empty when the text could
// not be formatted; Plain is always set.
type Reply struct {
	HTML  string
	Plain string
}

// History is the per-user message log.
type History interface {
	Append(ctx context.Context, userID int64, msg ctxpkg.Message)
	Read(ctx context.Context, userID int64, limit int) []ctxpkg.Message
}

type Searcher interface {
	Search(ctx context.Context, query string) search.Context
}

type Generator interface {
	GenerateWith(ctx context.Context, slot generation.Slot, history []ctxpkg.Message, variant string) generation.Completion
	AnalyzeImage(ctx context.Context, image []byte, caption string) generation.Completion
}

// Preferences resolves per-user settings, falling back to defaults.
type Preferences interface {
	Get(ctx context.Context, userID int64, key string) string
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) string
}

// EventLogger records events. *db.EventLog satisfies it.
type EventLogger interface {
	Log(parentID *int64, eventType string, payload map[string]any) (int64, error)
}

// Deps are the collaborators of a Pipeline. Search, Voice, Events and
// Metrics are optional.
type Deps struct {
	History   History
	Search    Searcher
	Generator Generator
	Prefs     Preferences
	Voice     Transcriber
	Events    EventLogger
	Metrics   *metrics.Metrics
}

type Options struct {
	// Window is how many recent messages are sent to the model.
	Window    int
	Injection ctxpkg.InjectionMode
	// Timeout bounds the whole turn.
	Timeout time.Duration
	Now     func() time.Time
}

// Pipeline processes turns. Safe for concurrent use; ordering per user is
// the caller's responsibility.
type Pipeline struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
}

func New(deps Deps, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Injection == "" {
		opts.Injection = ctxpkg.InjectInsert
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{deps: deps, opts: opts, logger: logger.Named("pipeline")}
}

// turn carries per-turn state through the stages.
type turn struct {
	id      string
	in      Input
	eventID *int64
	logger  *zap.Logger
	outcome string
	model   string
	tokens  [2]int
}

// Run processes one turn and returns the reply to deliver. Backend failures
// are converted to fallback text; Run itself never fails.
func (p *Pipeline) Run(ctx context.Context, in Input) Reply {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	defer p.deps.Metrics.TurnStarted()()

	t := &turn{
		id:      uuid.NewString(),
		in:      in,
		outcome: OutcomeOK,
	}
	t.logger = p.logger.With(
		zap.String("turn_id", t.id),
		zap.Int64("user_id", in.UserID),
		zap.String("kind", string(in.Kind)),
	)
	start := p.opts.Now()
	t.eventID = p.logEvent(in.Parent, db.EventTurnStarted, map[string]any{
		"turn_id": t.id,
		"user_id": in.UserID,
		"kind":    string(in.Kind),
		"text":    truncate(in.Text, 1000),
	})
	t.logger.Debug("turn started")

	var reply Reply
	switch in.Kind {
	case KindVoice:
		reply = p.runVoice(ctx, t)
	case KindPhoto:
		reply = p.runPhoto(ctx, t)
	default:
		reply = p.runText(ctx, t, in.Text, true)
	}

	latency := p.opts.Now().Sub(start)
	p.logEvent(t.eventID, db.EventTurnCompleted, map[string]any{
		"turn_id":       t.id,
		"outcome":       t.outcome,
		"model_name":    t.model,
		"latency_ms":    latency.Milliseconds(),
		"input_tokens":  t.tokens[0],
		"output_tokens": t.tokens[1],
	})
	p.deps.Metrics.RecordTurn(string(in.Kind), t.outcome, latency)
	t.logger.Info("turn completed",
		zap.String("outcome", t.outcome),
		zap.String("model", t.model),
		zap.Duration("latency", latency))
	return reply
}

// runText appends the user message, generates with an optional search block
// and records the reply. Search only runs for typed text.
func (p *Pipeline) runText(ctx context.Context, t *turn, text string, allowSearch bool) Reply {
	userID := t.in.UserID
	p.deps.History.Append(ctx, userID, ctxpkg.User(text))
	window := p.deps.History.Read(ctx, userID, p.opts.Window)
	if len(window) == 0 {
		window = []ctxpkg.Message{ctxpkg.User(text)}
	}

	if allowSearch && p.deps.Search != nil && search.NeedsSearch(text) {
		query := search.NormalizeQuery(text, p.opts.Now())
		sc := p.deps.Search.Search(ctx, query)
		p.deps.Metrics.RecordSearch(string(sc.Outcome))
		p.logEvent(t.eventID, db.EventSearchExecuted, map[string]any{
			"turn_id": t.id,
			"query":   truncate(query, 300),
			"outcome": string(sc.Outcome),
		})
		t.logger.Debug("search executed", zap.String("query", query), zap.String("outcome", string(sc.Outcome)))
		window = ctxpkg.Inject(window, sc.Frame(), p.opts.Injection)
	}

	variant := p.pref(ctx, userID, prefs.Mode)
	slot, ok := generation.ParseSlot(p.pref(ctx, userID, prefs.Model))
	if !ok {
		slot = generation.SlotDefault
	}
	c := p.deps.Generator.GenerateWith(ctx, slot, window, variant)
	t.model = c.Model
	t.tokens = [2]int{c.InputTokens, c.OutputTokens}
	if c.Err != nil {
		t.outcome = OutcomeGenerationFailed
		p.deps.Metrics.RecordGenerationFailure("chat")
		t.logger.Warn("generation failed, replying with fallback", zap.Error(c.Err))
	}

	p.deps.History.Append(ctx, userID, ctxpkg.Assistant(c.Text))
	return render(c.Text)
}

func (p *Pipeline) runVoice(ctx context.Context, t *turn) Reply {
	var transcript string
	if p.deps.Voice != nil {
		transcript = strings.TrimSpace(p.deps.Voice.Transcribe(ctx, t.in.Audio))
	}
	if transcript == "" {
		t.outcome = OutcomeEmptyTranscript
		t.logger.Info("empty transcript")
		return Reply{HTML: format.Escape(EmptyTranscriptReply), Plain: EmptyTranscriptReply}
	}
	t.logger.Debug("voice transcribed", zap.String("transcript", truncate(transcript, 200)))

	answer := p.runText(ctx, t, transcript, false)
	out := Reply{Plain: "🎤 " + transcript + "\n\n" + answer.Plain}
	if answer.HTML != "" {
		out.HTML = "🎤 <i>" + format.Escape(transcript) + "</i>\n\n" + answer.HTML
	}
	return out
}

func (p *Pipeline) runPhoto(ctx context.Context, t *turn) Reply {
	userID := t.in.UserID
	caption := strings.TrimSpace(t.in.Text)
	marker := photoMarker
	if caption != "" {
		marker += ": " + caption
	}

	c := p.deps.Generator.AnalyzeImage(ctx, t.in.Image, caption)
	t.model = c.Model
	t.tokens = [2]int{c.InputTokens, c.OutputTokens}
	if c.Err != nil {
		t.outcome = OutcomeVisionFailed
		p.deps.Metrics.RecordGenerationFailure("vision")
		t.logger.Warn("image analysis failed, replying with fallback", zap.Error(c.Err))
	}

	p.deps.History.Append(ctx, userID, ctxpkg.User(marker))
	p.deps.History.Append(ctx, userID, ctxpkg.Assistant(c.Text))

	analysis := render(c.Text)
	out := Reply{Plain: "🖼 " + photoHeader + "\n\n" + analysis.Plain}
	if analysis.HTML != "" {
		out.HTML = "🖼 <b>" + photoHeader + "</b>\n\n" + analysis.HTML
	}
	return out
}

func (p *Pipeline) pref(ctx context.Context, userID int64, key string) string {
	if p.deps.Prefs == nil {
		return ""
	}
	return p.deps.Prefs.Get(ctx, userID, key)
}

func (p *Pipeline) logEvent(parent *int64, eventType string, payload map[string]any) *int64 {
	if p.deps.Events == nil {
		return parent
	}
	id, err := p.deps.Events.Log(parent, eventType, payload)
	if err != nil {
		p.logger.Warn("event log failed", zap.String("event", eventType), zap.Error(err))
		return parent
	}
	if id == 0 {
		return parent
	}
	return &id
}

// render formats text for HTML delivery, leaving HTML empty when the markup
// cannot be converted safely.
func render(text string) Reply {
	html, err := format.Format(text)
	if err != nil {
		return Reply{Plain: text}
	}
	return Reply{HTML: html, Plain: text}
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	return string([]rune(s)[:maxChars]) + "..."
}
