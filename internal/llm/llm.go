// Package llm defines the provider-agnostic shape of a conversation sent to a
// language model through the bridge.
package llm

import "context"

// Completer turns a conversation into the model's next message.
type Completer interface {
	Complete(ctx context.Context, conversation []Message) (string, error)
}

// Role identifies who sent a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in the conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System creates a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User creates a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant creates an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }
