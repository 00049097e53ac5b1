package ai

import (
	"context"

	"github.com/pkg/errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider answers a whole conversation in one call.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// ErrNotConfigured is returned by providers that lack credentials. It is
// checked before any request leaves the process.
var ErrNotConfigured = errors.New("API key not configured")

// WithSystemPrompt prepends the system prompt to the conversation.
func WithSystemPrompt(system string, history []Message) []Message {
	out := make([]Message, 0, len(history)+1)
	if system != "" {
		out = append(out, Message{Role: RoleSystem, Content: system})
	}
	return append(out, history...)
}

// Checker is implemented by providers that can tell before a request
// whether they are usable.
type Checker interface {
	Ready() error
}

// Ready reports p's configuration error, if p can tell.
func Ready(p Provider) error {
	if c, ok := p.(Checker); ok {
		return c.Ready()
	}
	return nil
}
