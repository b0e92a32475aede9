package commander

import "context"

// Commander is the chat transport abstraction used by the bot.
type Commander interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
	SendMessage(ctx context.Context, msg OutgoingMessage) error
	SendPhoto(ctx context.Context, chatID int64, photo []byte, caption string) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
	SetMyCommands(ctx context.Context, commands []BotCommand) error
}

// Chat actions shown while a slow operation runs.
const (
	ActionTyping      = "typing"
	ActionUploadPhoto = "upload_photo"
)

// ParseModeHTML enables Telegram's HTML markup subset.
const ParseModeHTML = "HTML"

// Update represents an incoming command/update.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message represents a source message.
type Message struct {
	MessageID int64       `json:"message_id"`
	From      *User       `json:"from,omitempty"`
	Chat      Chat        `json:"chat"`
	Text      *string     `json:"text,omitempty"`
	Caption   string      `json:"caption,omitempty"`
	Voice     *Voice      `json:"voice,omitempty"`
	Photo     []PhotoSize `json:"photo,omitempty"`
	Date      int64       `json:"date"`
}

// SenderID returns the sending user's id, or the chat id when the sender is
// unknown.
func (m *Message) SenderID() int64 {
	if m.From != nil {
		return m.From.ID
	}
	return m.Chat.ID
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// User identifies a message sender.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
}

// Voice is a voice note attachment.
type Voice struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type,omitempty"`
}

// PhotoSize is one resolution of a photo attachment. Telegram orders sizes
// from smallest to largest.
type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int    `json:"file_size,omitempty"`
}

// OutgoingMessage is a text reply. An empty ParseMode sends plain text.
type OutgoingMessage struct {
	ChatID    int64
	Text      string
	ParseMode string
	Buttons   [][]Button
}

// Button is an inline keyboard button. Pressing it delivers Data back as the
// text of a new message update.
type Button struct {
	Text string
	Data string
}

// BotCommand is one entry of the client-side command menu.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}
