package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmdpkg "github.com/stupiduntilnot/verabot/internal/commander"
	"github.com/stupiduntilnot/verabot/internal/control"
	"github.com/stupiduntilnot/verabot/internal/db"
	"github.com/stupiduntilnot/verabot/internal/dummy"
	"github.com/stupiduntilnot/verabot/internal/generation"
	"github.com/stupiduntilnot/verabot/internal/kv"
	"github.com/stupiduntilnot/verabot/internal/kv/sqlitekv"
	"github.com/stupiduntilnot/verabot/internal/metrics"
	"github.com/stupiduntilnot/verabot/internal/notes"
	"github.com/stupiduntilnot/verabot/internal/persona"
	"github.com/stupiduntilnot/verabot/internal/pipeline"
	"github.com/stupiduntilnot/verabot/internal/prefs"
)

const owner = 7

type stubPipeline struct {
	mu     sync.Mutex
	inputs []pipeline.Input
	reply  pipeline.Reply
}

func (p *stubPipeline) Run(ctx context.Context, in pipeline.Input) pipeline.Reply {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = append(p.inputs, in)
	return p.reply
}

func (p *stubPipeline) Inputs() []pipeline.Input {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pipeline.Input(nil), p.inputs...)
}

type stubHistory struct{ cleared []int64 }

func (h *stubHistory) Clear(ctx context.Context, userID int64) { h.cleared = append(h.cleared, userID) }

type stubAssistant struct {
	deep      generation.Deep
	translate generation.Completion
	image     []byte
	imageErr  error
	prompts   []string
}

func (a *stubAssistant) GenerateDeep(ctx context.Context, q string) generation.Deep {
	a.prompts = append(a.prompts, q)
	return a.deep
}

func (a *stubAssistant) Translate(ctx context.Context, text string) generation.Completion {
	a.prompts = append(a.prompts, text)
	return a.translate
}

func (a *stubAssistant) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	a.prompts = append(a.prompts, prompt)
	return a.image, a.imageErr
}

func (a *stubAssistant) Model(slot generation.Slot) string { return "m-" + string(slot) }

type eventRecorder struct {
	mu    sync.Mutex
	types []string
}

func (r *eventRecorder) Log(parent *int64, eventType string, payload map[string]any) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
	return int64(len(r.types)), nil
}

func (r *eventRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

type fixture struct {
	bot       *Bot
	commander *dummy.Commander
	pipeline  *stubPipeline
	history   *stubHistory
	assistant *stubAssistant
	events    *eventRecorder
	notes     *notes.Store
	prefs     *prefs.Store
	state     kv.Store
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T, pollScript, sendScript string) *fixture {
	t.Helper()
	database, err := db.OpenDB(t.TempDir() + "/bot.db")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.InitSchema(database))
	backend := sqlitekv.New(database)

	commander, err := dummy.NewCommander(pollScript, sendScript)
	require.NoError(t, err)
	commander.UserID = owner

	f := &fixture{
		commander: commander,
		pipeline:  &stubPipeline{reply: pipeline.Reply{HTML: "<b>hi</b>", Plain: "**hi**"}},
		history:   &stubHistory{},
		assistant: &stubAssistant{},
		events:    &eventRecorder{},
		notes:     notes.New(backend, nil),
		prefs:     prefs.New(backend, map[string]string{prefs.Mode: persona.Cute}, nil),
		state:     backend,
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	f.bot = New(Deps{
		Commander: commander,
		Pipeline:  f.pipeline,
		History:   f.history,
		Notes:     f.notes,
		Prefs:     f.prefs,
		Assistant: f.assistant,
		Personas:  persona.New("base", map[string]string{persona.Cute: "c", persona.Pro: "p"}),
		State:     backend,
		Events:    f.events,
		Metrics:   f.metrics,
	}, Options{
		AllowedIDs: []int64{owner},
		Sleep:      5 * time.Millisecond,
	}, nil)
	return f
}

func textMsg(from int64, text string) *cmdpkg.Message {
	return &cmdpkg.Message{
		MessageID: 1,
		From:      &cmdpkg.User{ID: from},
		Chat:      cmdpkg.Chat{ID: from},
		Text:      &text,
	}
}

// send handles one message synchronously and returns the replies sent.
func (f *fixture) send(t *testing.T, text string) []cmdpkg.OutgoingMessage {
	t.Helper()
	before := len(f.commander.Sent())
	f.bot.handle(context.Background(), textMsg(owner, text))
	return f.commander.Sent()[before:]
}

func (f *fixture) lastText(t *testing.T, text string) string {
	t.Helper()
	sent := f.send(t, text)
	require.NotEmpty(t, sent, "no reply to %q", text)
	return sent[len(sent)-1].Text
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in, name, args string
		ok             bool
	}{
		{"/start", "start", "", true},
		{"/Note  buy milk ", "note", "buy milk", true},
		{"/mode@vera_bot pro", "mode", "pro", true},
		{"/note\nline one\nline two", "note", "line one\nline two", true},
		{"hello /start", "", "", false},
		{"/", "", "", false},
		{"/@bot", "", "", false},
	}
	for _, c := range cases {
		name, args, ok := parseCommand(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		assert.Equal(t, c.name, name, c.in)
		assert.Equal(t, c.args, args, c.in)
	}
}

func TestDispatch_RefusesStrangers(t *testing.T) {
	f := newFixture(t, "", "")
	f.bot.Dispatch(context.Background(), cmdpkg.Update{UpdateID: 1, Message: textMsg(99, "hi")})
	f.bot.lanes.wait()

	sent := f.commander.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, RefusalReply, sent[0].Text)
	assert.Equal(t, int64(99), sent[0].ChatID)
	assert.Empty(t, f.pipeline.Inputs())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DeniedTotal))
}

func TestDispatch_EmptyAllowListRefusesEveryone(t *testing.T) {
	f := newFixture(t, "", "")
	f.bot.allowed = map[int64]bool{}
	f.bot.Dispatch(context.Background(), cmdpkg.Update{UpdateID: 1, Message: textMsg(owner, "hi")})
	f.bot.lanes.wait()
	assert.Empty(t, f.pipeline.Inputs())
}

func TestHandle_TextGoesThroughPipeline(t *testing.T) {
	f := newFixture(t, "", "")
	sent := f.send(t, "как дела?")

	require.Equal(t, []pipeline.Input{{UserID: owner, Kind: pipeline.KindText, Text: "как дела?"}}, f.pipeline.Inputs())
	require.Len(t, sent, 1)
	assert.Equal(t, "<b>hi</b>", sent[0].Text)
	assert.Equal(t, cmdpkg.ParseModeHTML, sent[0].ParseMode)
	assert.Equal(t, []string{cmdpkg.ActionTyping}, f.commander.Actions())
	assert.Equal(t, []string{db.EventReplySent}, f.events.Types())
}

func TestHandle_UnknownCommandIsText(t *testing.T) {
	f := newFixture(t, "", "")
	f.send(t, "/weather now")
	require.Len(t, f.pipeline.Inputs(), 1)
	assert.Equal(t, "/weather now", f.pipeline.Inputs()[0].Text)
}

func TestDeliver_FallsBackToPlainText(t *testing.T) {
	f := newFixture(t, "", "err:bad_request,ok")
	sent := f.send(t, "hi")

	require.Len(t, sent, 1)
	assert.Equal(t, "**hi**", sent[0].Text)
	assert.Empty(t, sent[0].ParseMode)
	assert.Equal(t, []string{db.EventReplyFallback, db.EventReplySent}, f.events.Types())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RepliesTotal.WithLabelValues("plain_fallback")))
}

func TestDeliver_UnformattedReplyGoesPlain(t *testing.T) {
	f := newFixture(t, "", "")
	f.pipeline.reply = pipeline.Reply{Plain: "raw <text>"}
	sent := f.send(t, "hi")

	require.Len(t, sent, 1)
	assert.Equal(t, "raw <text>", sent[0].Text)
	assert.Empty(t, sent[0].ParseMode)
}

func TestDeliver_BothAttemptsFail(t *testing.T) {
	f := newFixture(t, "", "err:a,err:b")
	err := f.bot.deliver(context.Background(), owner, plain("x"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram send plain")
}

func TestHandle_Voice(t *testing.T) {
	f := newFixture(t, "", "")
	f.commander.Files["v1"] = []byte("ogg")
	f.bot.handle(context.Background(), &cmdpkg.Message{
		From:  &cmdpkg.User{ID: owner},
		Chat:  cmdpkg.Chat{ID: owner},
		Voice: &cmdpkg.Voice{FileID: "v1"},
	})
	require.Len(t, f.pipeline.Inputs(), 1)
	in := f.pipeline.Inputs()[0]
	assert.Equal(t, pipeline.KindVoice, in.Kind)
	assert.Equal(t, []byte("ogg"), in.Audio)
}

func TestHandle_VoiceDownloadFailure(t *testing.T) {
	f := newFixture(t, "", "")
	f.bot.handle(context.Background(), &cmdpkg.Message{
		From:  &cmdpkg.User{ID: owner},
		Chat:  cmdpkg.Chat{ID: owner},
		Voice: &cmdpkg.Voice{FileID: "missing"},
	})
	assert.Empty(t, f.pipeline.Inputs())
	sent := f.commander.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, DownloadFailedReply, sent[0].Text)
}

func TestHandle_PhotoUsesLargestSize(t *testing.T) {
	f := newFixture(t, "", "")
	f.commander.Files["small"] = []byte("s")
	f.commander.Files["large"] = []byte("l")
	f.bot.handle(context.Background(), &cmdpkg.Message{
		From:    &cmdpkg.User{ID: owner},
		Chat:    cmdpkg.Chat{ID: owner},
		Caption: "что это",
		Photo:   []cmdpkg.PhotoSize{{FileID: "small", Width: 90}, {FileID: "large", Width: 1280}},
	})
	require.Len(t, f.pipeline.Inputs(), 1)
	in := f.pipeline.Inputs()[0]
	assert.Equal(t, pipeline.KindPhoto, in.Kind)
	assert.Equal(t, []byte("l"), in.Image)
	assert.Equal(t, "что это", in.Text)
}

func TestCommands_StartHelpClear(t *testing.T) {
	f := newFixture(t, "", "")
	assert.Equal(t, StartReply, f.lastText(t, "/start"))
	assert.Contains(t, f.lastText(t, "/help"), "/clearnotes - ")
	assert.Equal(t, ClearReply, f.lastText(t, "/clear"))
	assert.Equal(t, []int64{owner}, f.history.cleared)
	assert.Empty(t, f.pipeline.Inputs())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CommandsTotal.WithLabelValues("clear")))
}

func TestCommands_Notes(t *testing.T) {
	f := newFixture(t, "", "")
	assert.Equal(t, "У тебя пока нет заметок.", f.lastText(t, "/notes"))
	assert.Equal(t, "Напиши текст заметки: /note &lt;текст&gt;", f.lastText(t, "/note"))
	assert.Equal(t, "📝 Заметка #1 сохранена", f.lastText(t, "/note купить молоко"))
	assert.Equal(t, "📝 Заметка #2 сохранена", f.lastText(t, "/note позвонить маме"))
	assert.Equal(t, "📋 Твои заметки:\n\n1. купить молоко\n2. позвонить маме", f.lastText(t, "/notes"))

	assert.Equal(t, "🗑 Заметка #1 удалена", f.lastText(t, "/delnote 1"))
	assert.Equal(t, "Заметка #1 не найдена", f.lastText(t, "/delnote 1"))
	assert.Equal(t, "Укажи номер заметки: /delnote &lt;номер&gt;", f.lastText(t, "/delnote abc"))
	assert.Equal(t, "📋 Твои заметки:\n\n2. позвонить маме", f.lastText(t, "/notes"))

	assert.Equal(t, "Все заметки удалены 🧹", f.lastText(t, "/clearnotes"))
	assert.Equal(t, "📝 Заметка #1 сохранена", f.lastText(t, "/note снова"))
}

func TestCommands_Mode(t *testing.T) {
	f := newFixture(t, "", "")
	sent := f.send(t, "/mode")
	require.Len(t, sent, 1)
	assert.Equal(t, "🎭 Текущий режим: <b>cute</b>\nВыбери режим:", sent[0].Text)
	assert.Equal(t, [][]cmdpkg.Button{{
		{Text: "✅ cute", Data: "/mode cute"},
		{Text: "pro", Data: "/mode pro"},
	}}, sent[0].Buttons)

	assert.Equal(t, "Режим переключён на «pro»", f.lastText(t, "/mode PRO"))
	assert.Equal(t, persona.Pro, f.prefs.Get(context.Background(), owner, prefs.Mode))
	assert.Contains(t, f.lastText(t, "/mode evil"), "Доступные: cute, pro")
	assert.Equal(t, persona.Pro, f.prefs.Get(context.Background(), owner, prefs.Mode))
}

func TestCommands_Model(t *testing.T) {
	f := newFixture(t, "", "")
	ctx := context.Background()
	assert.Contains(t, f.lastText(t, "/model"), "Текущая модель: default (m-default)")
	assert.Equal(t, "Модель для диалога: deep (m-deep)", f.lastText(t, "/model deep"))
	assert.Equal(t, "deep", f.prefs.Get(ctx, owner, prefs.Model))
	assert.Contains(t, f.lastText(t, "/model gpt-99"), "Неизвестная модель")
	assert.Equal(t, "Модель сброшена на стандартную.", f.lastText(t, "/model reset"))
	assert.Equal(t, "", f.prefs.Get(ctx, owner, prefs.Model))
}

func TestCommands_Think(t *testing.T) {
	f := newFixture(t, "", "")
	f.assistant.deep = generation.Deep{Deliberation: "2 < 3", Answer: "**да**"}
	sent := f.send(t, "/think 2 меньше 3?")
	require.Len(t, sent, 1)
	assert.Equal(t, "🧠 <blockquote expandable>2 &lt; 3</blockquote>\n\n<b>да</b>", sent[0].Text)
	assert.Equal(t, []string{"2 меньше 3?"}, f.assistant.prompts)
	assert.Contains(t, f.commander.Actions(), cmdpkg.ActionTyping)
}

func TestCommands_Translate(t *testing.T) {
	f := newFixture(t, "", "")
	f.assistant.translate = generation.Completion{Text: "hello"}
	assert.Equal(t, "🌍 hello", f.lastText(t, "/translate привет"))

	f.assistant.translate = generation.Completion{Text: generation.FallbackTranslate, Err: errors.New("boom")}
	assert.Equal(t, "🌍 "+generation.FallbackTranslate, f.lastText(t, "/translate привет"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.GenerationFailures.WithLabelValues("translate")))
}

func TestCommands_Image(t *testing.T) {
	f := newFixture(t, "", "")
	f.assistant.image = []byte{0x89, 'P', 'N', 'G'}
	sent := f.send(t, "/image кот в шляпе")
	assert.Empty(t, sent)
	assert.Equal(t, [][]byte{{0x89, 'P', 'N', 'G'}}, f.commander.Photos())
	assert.Contains(t, f.commander.Actions(), cmdpkg.ActionUploadPhoto)

	f.assistant.imageErr = generation.ErrNoImage
	assert.Equal(t, "Не удалось сгенерировать изображение 😔", f.lastText(t, "/image кот"))
}

func TestRun_PollsDispatchesAndPersistsOffset(t *testing.T) {
	f := newFixture(t, "msg:привет,ok", "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.bot.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.commander.Sent()) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.Len(t, f.commander.Commands(), len(commands))
	raw, err := f.state.Get(context.Background(), offsetKey)
	require.NoError(t, err)
	assert.Equal(t, "3", raw)

	// A restarted bot resumes from the stored offset.
	assert.Equal(t, int64(3), f.bot.loadOffset(context.Background()))
}

func TestRun_CircuitOpensOnPollFailures(t *testing.T) {
	f := newFixture(t, "err:command_source_api", "")
	f.bot.breaker = control.NewCircuitBreaker(1, time.Hour)
	f.bot.breaker.OnTransition = f.bot.circuitTransition

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.bot.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, typ := range f.events.Types() {
			if typ == db.EventCircuitOpened {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, control.CircuitOpen, f.bot.breaker.State())
	assert.Equal(t, "command_source_api", f.bot.breaker.OpenedClass())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PollErrorsTotal))
}

type backlogCommander struct {
	*dummy.Commander
	updates []cmdpkg.Update
}

func (c *backlogCommander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	return c.updates, nil
}

func TestBootstrapOffset(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	at := func(id int64, age time.Duration) cmdpkg.Update {
		return cmdpkg.Update{UpdateID: id, Message: &cmdpkg.Message{Date: now.Add(-age).Unix()}}
	}
	cases := []struct {
		name    string
		updates []cmdpkg.Update
		max     int
		want    int64
	}{
		{"empty", nil, 50, 0},
		{"all stale", []cmdpkg.Update{at(10, time.Hour), at(11, time.Hour)}, 50, 12},
		{"keeps window", []cmdpkg.Update{at(10, time.Hour), at(11, time.Minute), at(12, 0)}, 50, 11},
		{"caps count", []cmdpkg.Update{at(10, time.Minute), at(11, time.Minute), at(12, 0)}, 2, 11},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			base, _ := dummy.NewCommander("", "")
			b := New(Deps{Commander: &backlogCommander{Commander: base, updates: c.updates}}, Options{
				PendingWindow: 10 * time.Minute,
				PendingMax:    c.max,
				Now:           func() time.Time { return now },
			}, nil)
			got, err := b.bootstrapOffset(context.Background())
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestClassifyError(t *testing.T) {
	cases := map[string]string{
		"telegram getUpdates request failed: EOF": "command_source_api",
		"dummy commander error class=x":           "command_source_api",
		"openai non-success status=500 body=":     "provider_api",
		"insert event x: sqlite busy":             "db",
		"something else":                          "unknown",
	}
	for msg, want := range cases {
		assert.Equal(t, want, classifyError(errors.New(msg)), msg)
	}
	assert.Equal(t, "unknown", classifyError(nil))
}
