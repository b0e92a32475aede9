// Package dummy provides scripted stand-ins for the chat transport, the model
// provider and the transcriber. Scripts are comma-separated actions:
// "ok", "err:<class>", "sleep:<ms>", "msg:<text>", "msgb64:<base64>", plus
// "voice:<file_id>" and "photo:<file_id>" for the commander and
// "image:<url>" for the provider. The last action repeats once the script is
// exhausted.
package dummy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/verabot/internal/commander"
	modelpkg "github.com/stupiduntilnot/verabot/internal/model"
)

type action struct {
	kind string
	arg  string
}

var actionKinds = []string{"err", "sleep", "msg", "msgb64", "voice", "photo", "image"}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" {
			actions = append(actions, action{kind: "ok"})
			continue
		}
		a, ok := parseAction(token)
		if !ok {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
		actions = append(actions, a)
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

func parseAction(token string) (action, bool) {
	for _, kind := range actionKinds {
		if strings.HasPrefix(token, kind+":") {
			return action{kind: kind, arg: strings.TrimPrefix(token, kind+":")}, true
		}
	}
	return action{}, false
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleepMillis(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Commander is a scripted chat transport that records everything it sends.
type Commander struct {
	// UserID is the sender of scripted messages.
	UserID int64
	// Files backs DownloadFile. Unknown ids fail.
	Files map[string][]byte

	mu       sync.Mutex
	poll     *scriptRunner
	send     *scriptRunner
	updateID int64
	sent     []cmdpkg.OutgoingMessage
	photos   [][]byte
	actions  []string
	commands []cmdpkg.BotCommand
}

func NewCommander(pollScript, sendScript string) (*Commander, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Commander{UserID: 1, Files: map[string][]byte{}, poll: poll, send: send, updateID: 1}, nil
}

func (c *Commander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	c.mu.Lock()
	a := c.poll.next()
	c.mu.Unlock()

	msg := &cmdpkg.Message{
		From: &cmdpkg.User{ID: c.UserID},
		Chat: cmdpkg.Chat{ID: c.UserID},
		Date: time.Now().Unix(),
	}
	switch a.kind {
	case "ok":
		return nil, nil
	case "err":
		return nil, fmt.Errorf("dummy commander error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		return nil, sleepMillis(ctx, a.arg)
	case "msg":
		text := a.arg
		msg.Text = &text
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return nil, fmt.Errorf("dummy commander msgb64 decode failed: %w", err)
		}
		text := string(raw)
		msg.Text = &text
	case "voice":
		msg.Voice = &cmdpkg.Voice{FileID: a.arg, Duration: 1}
	case "photo":
		msg.Photo = []cmdpkg.PhotoSize{{FileID: a.arg, Width: 1, Height: 1}}
	default:
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateID++
	msg.MessageID = c.updateID
	return []cmdpkg.Update{{UpdateID: c.updateID, Message: msg}}, nil
}

func (c *Commander) SendMessage(ctx context.Context, msg cmdpkg.OutgoingMessage) error {
	c.mu.Lock()
	a := c.send.next()
	c.mu.Unlock()
	switch a.kind {
	case "err":
		return fmt.Errorf("dummy commander send error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		if err := sleepMillis(ctx, a.arg); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

func (c *Commander) SendPhoto(ctx context.Context, chatID int64, photo []byte, caption string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.photos = append(c.photos, photo)
	return nil
}

func (c *Commander) SendChatAction(ctx context.Context, chatID int64, action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, action)
	return nil
}

func (c *Commander) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.Files[fileID]
	if !ok {
		return nil, fmt.Errorf("dummy commander: unknown file %s", fileID)
	}
	return data, nil
}

func (c *Commander) SetMyCommands(ctx context.Context, commands []cmdpkg.BotCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append([]cmdpkg.BotCommand(nil), commands...)
	return nil
}

// Sent returns the messages delivered so far.
func (c *Commander) Sent() []cmdpkg.OutgoingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cmdpkg.OutgoingMessage(nil), c.sent...)
}

// Photos returns the photos delivered so far.
func (c *Commander) Photos() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.photos...)
}

// Actions returns the chat actions sent so far.
func (c *Commander) Actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.actions...)
}

// Commands returns the last registered command menu.
func (c *Commander) Commands() []cmdpkg.BotCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cmdpkg.BotCommand(nil), c.commands...)
}

// Provider is a scripted model provider that records its requests.
type Provider struct {
	mu       sync.Mutex
	model    string
	script   *scriptRunner
	requests []modelpkg.Request
}

func NewProvider(model, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{model: model, script: runner}, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, req modelpkg.Request) (modelpkg.CompletionResponse, error) {
	p.mu.Lock()
	a := p.script.next()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	model := emptyAs(req.Model, p.model)
	resp := func(content string) modelpkg.CompletionResponse {
		raw, _ := json.Marshal(map[string]string{"role": "assistant", "content": content})
		return modelpkg.CompletionResponse{
			Content:      content,
			InputTokens:  1,
			OutputTokens: 1,
			Model:        model,
			Message:      raw,
		}
	}
	switch a.kind {
	case "ok":
		return resp(emptyAs(a.arg, "dummy-ok")), nil
	case "err":
		return modelpkg.CompletionResponse{}, fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api"))
	case "sleep":
		if err := sleepMillis(ctx, a.arg); err != nil {
			return modelpkg.CompletionResponse{}, fmt.Errorf("dummy provider: %w", err)
		}
		return resp("dummy-after-sleep"), nil
	case "msg":
		return resp(a.arg), nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return modelpkg.CompletionResponse{}, fmt.Errorf("dummy provider msgb64 decode failed: %w", err)
		}
		return resp(string(raw)), nil
	case "image":
		r := resp("")
		r.Message, _ = json.Marshal(map[string]any{
			"role":    "assistant",
			"content": "",
			"images":  []map[string]any{{"type": "image_url", "image_url": map[string]string{"url": a.arg}}},
		})
		return r, nil
	default:
		return resp("dummy-ok"), nil
	}
}

// Requests returns the requests received so far.
func (p *Provider) Requests() []modelpkg.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]modelpkg.Request(nil), p.requests...)
}

// Transcriber is a scripted speech-to-text backend.
type Transcriber struct {
	mu     sync.Mutex
	script *scriptRunner
}

func NewTranscriber(script string) (*Transcriber, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Transcriber{script: runner}, nil
}

func (t *Transcriber) Transcribe(ctx context.Context, filename string, audio []byte) (string, error) {
	t.mu.Lock()
	a := t.script.next()
	t.mu.Unlock()
	switch a.kind {
	case "err":
		return "", fmt.Errorf("dummy transcriber error class=%s", emptyAs(a.arg, "voice_api"))
	case "msg":
		return a.arg, nil
	default:
		return "", nil
	}
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
