package models

import "time"

// Role identifies the author of a message.
type Role string

const (
	// RoleSystem marks the instruction message prepended to every outgoing window.
	RoleSystem Role = "system"
	// RoleUser marks a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant marks a message produced by the inference backend.
	RoleAssistant Role = "assistant"
)

// Message is a single finalized entry in a conversation. Messages are immutable once stored;
// the assistant reply under active streaming lives in the turn controller's accumulator and
// only becomes a Message when the stream completes.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is a titled, ordered sequence of messages. UpdatedAt changes whenever a
// turn is appended.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages,omitempty"`
}

// Summary returns the conversation's metadata without its messages.
func (c Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// ConversationSummary is the listing view of a conversation.
type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
