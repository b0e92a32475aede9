package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"

	cmdpkg "github.com/stupiduntilnot/verabot/internal/commander"
	"github.com/stupiduntilnot/verabot/internal/db"
	"github.com/stupiduntilnot/verabot/internal/format"
	"github.com/stupiduntilnot/verabot/internal/generation"
	"github.com/stupiduntilnot/verabot/internal/notes"
	"github.com/stupiduntilnot/verabot/internal/pipeline"
	"github.com/stupiduntilnot/verabot/internal/prefs"
)

type request struct {
	userID int64
	chatID int64
	args   string
}

// response is what a command sends back. A zero reply sends nothing.
type response struct {
	reply   pipeline.Reply
	buttons [][]cmdpkg.Button
}

type command struct {
	name        string
	description string
	run         func(b *Bot, ctx context.Context, r *request) response
}

var (
	commands       []command
	commandsByName map[string]command
)

// The table is filled in init because /help reads it.
func init() {
	commands = []command{
		{"start", "🚀 Запустить бота", (*Bot).cmdStart},
		{"help", "📚 Справка о командах", (*Bot).cmdHelp},
		{"clear", "🧹 Очистить историю", (*Bot).cmdClear},
		{"mode", "🎭 Выбрать режим ИИ", (*Bot).cmdMode},
		{"think", "🧠 Режим глубокого мышления", (*Bot).cmdThink},
		{"model", "🤖 Выбрать модель", (*Bot).cmdModel},
		{"image", "🎨 Сгенерировать картинку", (*Bot).cmdImage},
		{"note", "📝 Создать заметку", (*Bot).cmdNote},
		{"notes", "📋 Показать заметки", (*Bot).cmdNotes},
		{"delnote", "🗑 Удалить заметку", (*Bot).cmdDelNote},
		{"clearnotes", "🧹 Удалить все заметки", (*Bot).cmdClearNotes},
		{"translate", "🌍 Перевести текст", (*Bot).cmdTranslate},
	}
	commandsByName = make(map[string]command, len(commands))
	for _, c := range commands {
		commandsByName[c.name] = c
	}
}

// Menu is the command list registered with the client.
func Menu() []cmdpkg.BotCommand {
	out := make([]cmdpkg.BotCommand, 0, len(commands))
	for _, c := range commands {
		out = append(out, cmdpkg.BotCommand{Command: c.name, Description: c.description})
	}
	return out
}

// parseCommand splits "/name@bot args" into its lowercase name and the
// trimmed argument text.
func parseCommand(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest := text[1:], ""
	if i := strings.IndexFunc(head, unicode.IsSpace); i >= 0 {
		head, rest = head[:i], head[i:]
	}
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

func (b *Bot) runCommand(ctx context.Context, cmd command, r *request) {
	b.deps.Metrics.RecordCommand(cmd.name)
	b.logEvent(db.EventCommandHandled, map[string]any{"command": cmd.name, "user_id": r.userID})
	b.logger.Debug("command", zap.String("command", cmd.name), zap.Int64("user_id", r.userID))

	resp := cmd.run(b, ctx, r)
	if resp.reply.Plain == "" {
		return
	}
	if err := b.deliver(ctx, r.chatID, resp.reply, resp.buttons); err != nil {
		b.logger.Error("command reply failed", zap.String("command", cmd.name), zap.Error(err))
	}
}

func text(s string) response { return response{reply: plain(s)} }

func (b *Bot) cmdStart(ctx context.Context, r *request) response {
	return text(StartReply)
}

func (b *Bot) cmdHelp(ctx context.Context, r *request) response {
	var sb strings.Builder
	sb.WriteString("Я умею отвечать на сообщения, голосовые и фото. Команды:\n\n")
	for _, c := range commands {
		fmt.Fprintf(&sb, "/%s - %s\n", c.name, c.description)
	}
	return text(strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) cmdClear(ctx context.Context, r *request) response {
	b.deps.History.Clear(ctx, r.userID)
	return text(ClearReply)
}

func (b *Bot) cmdMode(ctx context.Context, r *request) response {
	names := b.deps.Personas.Names()
	if r.args == "" {
		current := b.deps.Prefs.Get(ctx, r.userID, prefs.Mode)
		row := make([]cmdpkg.Button, 0, len(names))
		for _, name := range names {
			label := name
			if name == current {
				label = "✅ " + name
			}
			row = append(row, cmdpkg.Button{Text: label, Data: "/mode " + name})
		}
		return response{
			reply: pipeline.Reply{
				HTML:  "🎭 Текущий режим: <b>" + format.Escape(current) + "</b>\nВыбери режим:",
				Plain: "🎭 Текущий режим: " + current + "\nВыбери режим:",
			},
			buttons: [][]cmdpkg.Button{row},
		}
	}

	mode := strings.ToLower(r.args)
	if !b.deps.Personas.Has(mode) {
		return text(fmt.Sprintf("Неизвестный режим «%s». Доступные: %s", r.args, strings.Join(names, ", ")))
	}
	if err := b.deps.Prefs.Set(ctx, r.userID, prefs.Mode, mode); err != nil {
		b.logger.Error("failed to save mode", zap.Int64("user_id", r.userID), zap.Error(err))
		return text("Не удалось сменить режим 😔")
	}
	return text(fmt.Sprintf("Режим переключён на «%s»", mode))
}

func (b *Bot) cmdThink(ctx context.Context, r *request) response {
	if r.args == "" {
		return text("Напиши вопрос после команды: /think <вопрос>")
	}
	b.chatAction(ctx, r.chatID, cmdpkg.ActionTyping)
	deep := b.deps.Assistant.GenerateDeep(ctx, r.args)
	if deep.Err != nil {
		b.deps.Metrics.RecordGenerationFailure("deep")
	}
	reply := pipeline.Reply{Plain: "🧠 " + format.PlainDeep(deep.Deliberation, deep.Answer)}
	if html, err := format.RenderDeep(deep.Deliberation, deep.Answer); err == nil {
		reply.HTML = "🧠 " + html
	}
	return response{reply: reply}
}

func (b *Bot) cmdModel(ctx context.Context, r *request) response {
	slots := make([]string, 0, len(generation.Slots))
	for _, s := range generation.Slots {
		slots = append(slots, string(s))
	}

	switch strings.ToLower(r.args) {
	case "":
		current, ok := generation.ParseSlot(b.deps.Prefs.Get(ctx, r.userID, prefs.Model))
		if !ok {
			current = generation.SlotDefault
		}
		return text(fmt.Sprintf("🤖 Текущая модель: %s (%s)\nДоступные: %s\n/model reset - вернуть стандартную",
			current, b.deps.Assistant.Model(current), strings.Join(slots, ", ")))
	case "reset":
		if err := b.deps.Prefs.Reset(ctx, r.userID, prefs.Model); err != nil {
			b.logger.Error("failed to reset model", zap.Int64("user_id", r.userID), zap.Error(err))
			return text("Не удалось сменить модель 😔")
		}
		return text("Модель сброшена на стандартную.")
	}

	slot, ok := generation.ParseSlot(r.args)
	if !ok {
		return text(fmt.Sprintf("Неизвестная модель «%s». Доступные: %s", r.args, strings.Join(slots, ", ")))
	}
	if err := b.deps.Prefs.Set(ctx, r.userID, prefs.Model, string(slot)); err != nil {
		b.logger.Error("failed to save model", zap.Int64("user_id", r.userID), zap.Error(err))
		return text("Не удалось сменить модель 😔")
	}
	return text(fmt.Sprintf("Модель для диалога: %s (%s)", slot, b.deps.Assistant.Model(slot)))
}

func (b *Bot) cmdImage(ctx context.Context, r *request) response {
	if r.args == "" {
		return text("Напиши, что нарисовать: /image <описание>")
	}
	b.chatAction(ctx, r.chatID, cmdpkg.ActionUploadPhoto)
	image, err := b.deps.Assistant.GenerateImage(ctx, r.args)
	if err != nil {
		b.deps.Metrics.RecordGenerationFailure("image")
		b.logger.Warn("image generation failed", zap.Int64("user_id", r.userID), zap.Error(err))
		return text("Не удалось сгенерировать изображение 😔")
	}
	if err := b.deps.Commander.SendPhoto(ctx, r.chatID, image, truncate("🎨 "+r.args, 1000)); err != nil {
		b.logger.Error("send photo failed", zap.Int64("chat_id", r.chatID), zap.Error(err))
		return text("Не удалось отправить изображение 😔")
	}
	return response{}
}

func (b *Bot) cmdNote(ctx context.Context, r *request) response {
	if r.args == "" {
		return text("Напиши текст заметки: /note <текст>")
	}
	id, err := b.deps.Notes.Add(ctx, r.userID, r.args)
	if err != nil {
		b.logger.Error("failed to add note", zap.Int64("user_id", r.userID), zap.Error(err))
		return text("Не удалось сохранить заметку 😔")
	}
	return text(fmt.Sprintf("📝 Заметка #%d сохранена", id))
}

func (b *Bot) cmdNotes(ctx context.Context, r *request) response {
	list, err := b.deps.Notes.List(ctx, r.userID)
	if err != nil {
		b.logger.Error("failed to list notes", zap.Int64("user_id", r.userID), zap.Error(err))
		return text("Не удалось загрузить заметки 😔")
	}
	if len(list) == 0 {
		return text("У тебя пока нет заметок.")
	}
	var sb strings.Builder
	sb.WriteString("📋 Твои заметки:\n")
	for _, n := range list {
		fmt.Fprintf(&sb, "\n%d. %s", n.ID, n.Text)
	}
	return text(sb.String())
}

func (b *Bot) cmdDelNote(ctx context.Context, r *request) response {
	id, err := strconv.ParseInt(r.args, 10, 64)
	if err != nil || id <= 0 {
		b.logger.Debug("invalid note id", zap.String("args", r.args))
		return text("Укажи номер заметки: /delnote <номер>")
	}
	switch err := b.deps.Notes.Delete(ctx, r.userID, id); {
	case errors.Is(err, notes.ErrNotFound):
		return text(fmt.Sprintf("Заметка #%d не найдена", id))
	case err != nil:
		b.logger.Error("failed to delete note", zap.Int64("user_id", r.userID), zap.Error(err))
		return text("Не удалось удалить заметку 😔")
	}
	return text(fmt.Sprintf("🗑 Заметка #%d удалена", id))
}

func (b *Bot) cmdClearNotes(ctx context.Context, r *request) response {
	if err := b.deps.Notes.Clear(ctx, r.userID); err != nil {
		b.logger.Error("failed to clear notes", zap.Int64("user_id", r.userID), zap.Error(err))
		return text("Не удалось удалить заметки 😔")
	}
	return text("Все заметки удалены 🧹")
}

func (b *Bot) cmdTranslate(ctx context.Context, r *request) response {
	if r.args == "" {
		return text("Напиши текст для перевода: /translate <текст>")
	}
	b.chatAction(ctx, r.chatID, cmdpkg.ActionTyping)
	c := b.deps.Assistant.Translate(ctx, r.args)
	if c.Err != nil {
		b.deps.Metrics.RecordGenerationFailure("translate")
	}
	return text("🌍 " + c.Text)
}
