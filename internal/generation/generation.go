// Package generation wraps a chat-completion provider with the bot's model
// slots, persona prompts and user-facing fallbacks. No method returns a
// backend error to the caller as a failure of the turn: each one yields a
// usable value and reports the cause alongside it.
package generation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	ctxpkg "github.com/stupiduntilnot/verabot/internal/context"
	modelpkg "github.com/stupiduntilnot/verabot/internal/model"
)

// Slot names a configured model.
type Slot string

const (
	SlotDefault   Slot = "default"
	SlotDeep      Slot = "deep"
	SlotVision    Slot = "vision"
	SlotImage     Slot = "image"
	SlotTranslate Slot = "translate"
)

// Slots lists every slot in display order.
var Slots = []Slot{SlotDefault, SlotDeep, SlotVision, SlotImage, SlotTranslate}

// ParseSlot maps a user-supplied name to a slot.
func ParseSlot(s string) (Slot, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, slot := range Slots {
		if string(slot) == s {
			return slot, true
		}
	}
	return "", false
}

// User-facing fallbacks.
const (
	FallbackChat        = "Извини, произошла ошибка при обращении к моему мозгу..."
	FallbackDeep        = "Не удалось обработать запрос в режиме мышления..."
	FallbackVision      = "Произошла ошибка при анализе изображения..."
	FallbackVisionEmpty = "Не удалось проанализировать изображение."
	FallbackTranslate   = "Ошибка перевода..."
	EmptyResponse       = "(empty model response)"
)

const (
	deepSystemPrompt      = "Ты — умный помощник. Думай шаг за шагом."
	defaultImageCaption   = "Опиши это изображение подробно."
	translateSystemPrompt = "Ты — переводчик. Определи язык текста. " +
		"Если текст на русском — переведи на английский. " +
		"Если на другом языке — переведи на русский. " +
		"Отвечай ТОЛЬКО переводом, без пояснений."

	// MaxDeliberationRunes caps the reasoning shown to the user.
	MaxDeliberationRunes = 1000
)

// Prompter supplies persona system prompts.
type Prompter interface {
	SystemPrompt(variant string) string
}

// Completion is the outcome of a text generation. When Err is set, Text
// holds the fallback for the operation.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	Err          error
}

// Client issues generation requests. Safe for concurrent use.
type Client struct {
	provider modelpkg.Provider
	persona  Prompter
	models   map[Slot]string
	timeout  time.Duration
	fetcher  Fetcher
	logger   *zap.Logger
}

// Options configures a Client.
type Options struct {
	// Models maps slots to backend model ids. Missing slots use the
	// default slot's model.
	Models  map[Slot]string
	Timeout time.Duration
	// Fetcher downloads images returned by URL. Defaults to an HTTP fetcher.
	Fetcher Fetcher
}

func New(provider modelpkg.Provider, persona Prompter, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		provider: provider,
		persona:  persona,
		models:   map[Slot]string{},
		timeout:  opts.Timeout,
		fetcher:  opts.Fetcher,
		logger:   logger.Named("generation"),
	}
	for k, v := range opts.Models {
		c.models[k] = v
	}
	if c.timeout <= 0 {
		c.timeout = 120 * time.Second
	}
	if c.fetcher == nil {
		c.fetcher = NewHTTPFetcher(30*time.Second, 10<<20)
	}
	return c
}

// Model returns the backend model id for slot.
func (c *Client) Model(slot Slot) string {
	if m := c.models[slot]; m != "" {
		return m
	}
	return c.models[SlotDefault]
}

func (c *Client) complete(ctx context.Context, slot Slot, messages []ctxpkg.Message, modalities []string) (modelpkg.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.provider.ChatCompletion(ctx, modelpkg.Request{
		Model:      c.Model(slot),
		Messages:   messages,
		Modalities: modalities,
	})
}

// Generate answers a conversation with the default model.
func (c *Client) Generate(ctx context.Context, history []ctxpkg.Message, variant string) Completion {
	return c.GenerateWith(ctx, SlotDefault, history, variant)
}

// GenerateWith answers a conversation with the model in slot, prefixed by
// the persona variant's system prompt.
func (c *Client) GenerateWith(ctx context.Context, slot Slot, history []ctxpkg.Message, variant string) Completion {
	messages := ctxpkg.WithSystem(c.persona.SystemPrompt(variant), history)

	start := time.Now()
	resp, err := c.complete(ctx, slot, messages, nil)
	if err != nil {
		c.logger.Error("generate failed",
			zap.String("model", c.Model(slot)),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err))
		return Completion{Text: FallbackChat, Model: c.Model(slot), Err: err}
	}
	text := resp.Content
	if text == "" {
		text = EmptyResponse
	}
	return Completion{
		Text:         text,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
}

// Deep is a reasoning-model answer split into its deliberation and the
// final answer.
type Deep struct {
	Deliberation string
	Answer       string
	Err          error
}

// GenerateDeep asks the reasoning model a single question without history.
func (c *Client) GenerateDeep(ctx context.Context, question string) Deep {
	resp, err := c.complete(ctx, SlotDeep, []ctxpkg.Message{
		ctxpkg.System(deepSystemPrompt),
		ctxpkg.User(question),
	}, nil)
	if err != nil {
		c.logger.Error("deep generate failed", zap.String("model", c.Model(SlotDeep)), zap.Error(err))
		return Deep{Answer: FallbackDeep, Err: err}
	}
	deliberation, answer := SplitThinking(resp.Content)
	if deliberation == "" {
		deliberation = reasoningField(resp.Message)
	}
	if answer == "" {
		answer = EmptyResponse
	}
	return Deep{Deliberation: capRunes(deliberation, MaxDeliberationRunes), Answer: answer}
}

// SplitThinking separates a <think>...</think> section from the answer. An
// unterminated section is treated as part of the answer.
func SplitThinking(content string) (deliberation, answer string) {
	const open, closeTag = "<think>", "</think>"
	start := strings.Index(content, open)
	if start < 0 {
		return "", strings.TrimSpace(content)
	}
	rest := content[start+len(open):]
	end := strings.Index(rest, closeTag)
	if end < 0 {
		return "", strings.TrimSpace(content[:start] + rest)
	}
	deliberation = strings.TrimSpace(rest[:end])
	answer = strings.TrimSpace(content[:start] + rest[end+len(closeTag):])
	return deliberation, answer
}

// reasoningField reads the separate reasoning text some backends return
// next to the content.
func reasoningField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var msg struct {
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ""
	}
	return strings.TrimSpace(msg.Reasoning)
}

func capRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "…"
}

// AnalyzeImage describes a JPEG image, guided by caption when present.
func (c *Client) AnalyzeImage(ctx context.Context, image []byte, caption string) Completion {
	prompt := strings.TrimSpace(caption)
	if prompt == "" {
		prompt = defaultImageCaption
	}
	msg := ctxpkg.Message{
		Role: ctxpkg.RoleUser,
		Parts: []ctxpkg.Part{
			{Type: ctxpkg.PartText, Text: prompt},
			{Type: ctxpkg.PartImageURL, ImageURL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)},
		},
	}
	resp, err := c.complete(ctx, SlotVision, []ctxpkg.Message{msg}, nil)
	if err != nil {
		c.logger.Error("analyze image failed", zap.String("model", c.Model(SlotVision)), zap.Error(err))
		return Completion{Text: FallbackVision, Model: c.Model(SlotVision), Err: err}
	}
	text := resp.Content
	if text == "" {
		text = FallbackVisionEmpty
	}
	return Completion{Text: text, Model: resp.Model, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}
}

// Translate translates Russian to English and anything else to Russian.
// An empty answer returns the input unchanged.
func (c *Client) Translate(ctx context.Context, text string) Completion {
	resp, err := c.complete(ctx, SlotTranslate, []ctxpkg.Message{
		ctxpkg.System(translateSystemPrompt),
		ctxpkg.User(text),
	}, nil)
	if err != nil {
		c.logger.Error("translate failed", zap.String("model", c.Model(SlotTranslate)), zap.Error(err))
		return Completion{Text: FallbackTranslate, Model: c.Model(SlotTranslate), Err: err}
	}
	out := resp.Content
	if out == "" {
		out = text
	}
	return Completion{Text: out, Model: resp.Model, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}
}
