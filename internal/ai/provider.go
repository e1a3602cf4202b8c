package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is an opaque text-in/text-out chat capability. Implementations do
// a single attempt; retry policy belongs to the provider, not the callers.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
