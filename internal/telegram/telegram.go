package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	cmdpkg "github.com/stupiduntilnot/verabot/internal/commander"
)

// maxMessageRunes keeps replies under Telegram's 4096 character limit.
const maxMessageRunes = 3900

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	fileBase   string
	httpClient *http.Client
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>").
func NewClient(apiBase string, requestTimeout time.Duration) *Client {
	apiBase = strings.TrimRight(apiBase, "/")
	return &Client{
		apiBase:  apiBase,
		fileBase: fileBaseFor(apiBase),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// fileBaseFor maps ".../bot<token>" to ".../file/bot<token>".
func fileBaseFor(apiBase string) string {
	if i := strings.LastIndex(apiBase, "/bot"); i >= 0 {
		return apiBase[:i] + "/file" + apiBase[i:]
	}
	return apiBase + "/file"
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// APIError is returned when Telegram answers ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed code=%d: %s", e.Method, e.Code, e.Description)
}

type Update = cmdpkg.Update
type Message = cmdpkg.Message
type Chat = cmdpkg.Chat

type tgRawUpdate struct {
	UpdateID      int64            `json:"update_id"`
	Message       *cmdpkg.Message  `json:"message,omitempty"`
	CallbackQuery *tgCallbackQuery `json:"callback_query,omitempty"`
}

type tgCallbackQuery struct {
	ID      string          `json:"id"`
	From    *cmdpkg.User    `json:"from,omitempty"`
	Data    string          `json:"data"`
	Message *cmdpkg.Message `json:"message,omitempty"`
}

// GetUpdates calls the getUpdates API. Callback queries are acknowledged and
// surfaced as messages whose text is the button's data.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeout))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates request failed: %w", err)
	}
	var raws []tgRawUpdate
	if err := c.do(req, "getUpdates", &raws); err != nil {
		return nil, err
	}

	updates := make([]Update, 0, len(raws))
	for _, ru := range raws {
		if ru.Message != nil {
			updates = append(updates, Update{UpdateID: ru.UpdateID, Message: ru.Message})
			continue
		}
		if ru.CallbackQuery != nil && ru.CallbackQuery.Message != nil {
			msg := *ru.CallbackQuery.Message
			data := strings.TrimSpace(ru.CallbackQuery.Data)
			msg.Text = &data
			if ru.CallbackQuery.From != nil {
				msg.From = ru.CallbackQuery.From
			}
			if msg.Date == 0 {
				msg.Date = time.Now().Unix()
			}
			updates = append(updates, Update{UpdateID: ru.UpdateID, Message: &msg})
			_ = c.answerCallbackQuery(ctx, ru.CallbackQuery.ID)
			continue
		}
		// Keep the offset moving past updates we do not handle.
		updates = append(updates, Update{UpdateID: ru.UpdateID})
	}
	return updates, nil
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID      int64        `json:"chat_id"`
	Text        string       `json:"text"`
	ParseMode   string       `json:"parse_mode,omitempty"`
	ReplyMarkup *replyMarkup `json:"reply_markup,omitempty"`
}

// SendMessage sends a text message. Text longer than Telegram allows is
// truncated.
func (c *Client) SendMessage(ctx context.Context, msg cmdpkg.OutgoingMessage) error {
	payload := sendMessageRequest{
		ChatID:    msg.ChatID,
		Text:      truncate(msg.Text, maxMessageRunes),
		ParseMode: msg.ParseMode,
	}
	if len(msg.Buttons) > 0 {
		markup := &replyMarkup{}
		for _, row := range msg.Buttons {
			buttons := make([]inlineButton, 0, len(row))
			for _, b := range row {
				buttons = append(buttons, inlineButton{Text: b.Text, CallbackData: b.Data})
			}
			markup.InlineKeyboard = append(markup.InlineKeyboard, buttons)
		}
		payload.ReplyMarkup = markup
	}
	return c.postJSON(ctx, "sendMessage", payload, nil)
}

// SendPhoto uploads a photo with an optional plain-text caption.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, photo []byte, caption string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("chat_id", strconv.FormatInt(chatID, 10))
	if caption != "" {
		_ = mw.WriteField("caption", truncate(caption, 1000))
	}
	fw, err := mw.CreateFormFile("photo", "image.png")
	if err != nil {
		return fmt.Errorf("telegram sendPhoto request failed: %w", err)
	}
	if _, err := fw.Write(photo); err != nil {
		return fmt.Errorf("telegram sendPhoto request failed: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("telegram sendPhoto request failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/sendPhoto", &buf)
	if err != nil {
		return fmt.Errorf("telegram sendPhoto request failed: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, "sendPhoto", nil)
}

// SendChatAction shows a transient status such as "typing".
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.postJSON(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": action}, nil)
}

// DownloadFile resolves fileID with getFile and downloads its content.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	var file struct {
		FilePath string `json:"file_path"`
	}
	if err := c.postJSON(ctx, "getFile", map[string]string{"file_id": fileID}, &file); err != nil {
		return nil, err
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("telegram getFile returned no file_path for %s", fileID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileBase+"/"+file.FilePath, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram file download failed: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram file download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("telegram file download failed status=%d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("telegram file download failed: %w", err)
	}
	return data, nil
}

// SetMyCommands registers the command menu shown by Telegram clients.
func (c *Client) SetMyCommands(ctx context.Context, commands []cmdpkg.BotCommand) error {
	return c.postJSON(ctx, "setMyCommands", map[string]any{"commands": commands}, nil)
}

func (c *Client) answerCallbackQuery(ctx context.Context, callbackID string) error {
	callbackID = strings.TrimSpace(callbackID)
	if callbackID == "" {
		return nil
	}
	return c.postJSON(ctx, "answerCallbackQuery", map[string]string{"callback_query_id": callbackID}, nil)
}

func (c *Client) postJSON(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s encode failed: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method, out)
}

func (c *Client) do(req *http.Request, method string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}
	var tgResp Response
	if err := json.Unmarshal(body, &tgResp); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", method, err)
	}
	if !tgResp.OK {
		return &APIError{Method: method, Code: tgResp.ErrorCode, Description: tgResp.Description}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(tgResp.Result, out); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	return nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
