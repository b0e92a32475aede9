package context

import "strings"

// InjectionMode selects how transient context is merged next to the latest
// user message.
type InjectionMode string

const (
	// InjectInsert places a system message immediately before the latest
	// user message.
	InjectInsert InjectionMode = "insert"
	// InjectSuffix appends the block to the latest user message content.
	InjectSuffix InjectionMode = "suffix"
)

// ParseInjectionMode maps a config value to a mode. Empty means insert.
func ParseInjectionMode(s string) (InjectionMode, bool) {
	switch InjectionMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", InjectInsert:
		return InjectInsert, true
	case InjectSuffix:
		return InjectSuffix, true
	default:
		return "", false
	}
}

// Inject merges block into a copy of messages. The input slice is not
// modified. Without any user message the block is appended as a system
// message at the end.
func Inject(messages []Message, block string, mode InjectionMode) []Message {
	if strings.TrimSpace(block) == "" {
		return messages
	}
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			last = i
			break
		}
	}
	if last < 0 {
		out := make([]Message, 0, len(messages)+1)
		out = append(out, messages...)
		return append(out, System(block))
	}

	if mode == InjectSuffix {
		out := make([]Message, len(messages))
		copy(out, messages)
		out[last].Content = strings.TrimRight(out[last].Content, "\n") + "\n\n" + block
		return out
	}

	out := make([]Message, 0, len(messages)+1)
	out = append(out, messages[:last]...)
	out = append(out, System(block))
	out = append(out, messages[last:]...)
	return out
}
