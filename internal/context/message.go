package context

// Roles understood by chat-completion backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Part types for structured (multimodal) content.
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// Message is a model-agnostic chat message used across the context pipeline.
// Parts, when set, replace Content on the wire and are never persisted.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Parts   []Part `json:"-"`
}

// Part is one element of structured message content.
type Part struct {
	Type     string
	Text     string
	ImageURL string
}

// User returns a user message with plain text content.
func User(text string) Message { return Message{Role: RoleUser, Content: text} }

// Assistant returns an assistant message with plain text content.
func Assistant(text string) Message { return Message{Role: RoleAssistant, Content: text} }

// System returns a system message with plain text content.
func System(text string) Message { return Message{Role: RoleSystem, Content: text} }
