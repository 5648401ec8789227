package chat

import (
	"strings"

	"github.com/quietfen/localchat/internal/models"
)

const (
	titleWords  = 6
	titleMaxLen = 50
)

// Window builds the outgoing message list for one turn: the system prompt first, then the
// last turns complete user/assistant pairs in chronological order, then the trailing
// unanswered user message if one exists. The system message is never dropped; oldest pairs
// are dropped first. Pure function of its inputs.
func Window(history []models.Message, systemPrompt string, turns int) []models.Message {
	out := make([]models.Message, 0, len(history)+1)
	out = append(out, models.Message{Role: models.RoleSystem, Content: systemPrompt})

	var pending *models.Message
	if n := len(history); n > 0 && history[n-1].Role == models.RoleUser {
		pending = &history[n-1]
		history = history[:n-1]
	}

	if turns < 0 {
		turns = 0
	}
	if len(history) > turns*2 {
		history = history[len(history)-turns*2:]
	}

	out = append(out, history...)
	if pending != nil {
		out = append(out, *pending)
	}
	return out
}

// DeriveTitle produces a conversation title from the first user message: the first few
// words, capped in length, or "New Conversation" when the message is blank.
func DeriveTitle(message string) string {
	words := strings.Fields(message)
	if len(words) > titleWords {
		words = words[:titleWords]
	}
	title := strings.Join(words, " ")
	if len(title) > titleMaxLen {
		title = title[:titleMaxLen-3] + "..."
	}
	if title == "" {
		return "New Conversation"
	}
	return title
}
