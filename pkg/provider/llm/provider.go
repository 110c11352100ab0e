// Package llm defines the Provider interface for chat-completion backends.
//
// A provider wraps a remote or local model API (e.g. OpenAI, Anthropic, or a
// local Ollama instance) and exposes a uniform chat interface so the coaching
// engine never couples to a specific SDK.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role    Role
	Content string
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and differ between providers for the same text.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request carries everything the model needs to produce a response.
// Messages must be non-empty.
type Request struct {
	// SystemPrompt is a high-priority instruction injected before the
	// conversation. Providers without a dedicated system field prepend it
	// as a system-role message.
	SystemPrompt string

	// Messages is the ordered conversation. The last message drives the
	// response.
	Messages []Message

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Response is the model's full reply.
type Response struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Model returns the configured model identifier, for logging.
	Model() string
}
