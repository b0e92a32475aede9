package model

import (
	"context"
	"encoding/json"

	ctxpkg "github.com/stupiduntilnot/verabot/internal/context"
)

// Request is one chat-completion call. An empty Model selects the provider's
// default model.
type Request struct {
	Model      string
	Messages   []ctxpkg.Message
	Modalities []string
}

// CompletionResponse is the common response model for model providers.
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
	// Model is the model that served the request.
	Model string
	// Message is the first choice's message object exactly as the backend
	// returned it. Image generation decodes attachments from it.
	Message json.RawMessage
}

// Provider is the chat-completion abstraction used by the generation client.
type Provider interface {
	ChatCompletion(ctx context.Context, req Request) (CompletionResponse, error)
}

// Transcriber turns recorded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (string, error)
}
