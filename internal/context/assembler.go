package context

// WithSystem returns history preceded by a system message carrying prompt.
// An empty prompt adds nothing. history is not modified.
func WithSystem(prompt string, history []Message) []Message {
	messages := make([]Message, 0, 1+len(history))
	if prompt != "" {
		messages = append(messages, System(prompt))
	}
	return append(messages, history...)
}
