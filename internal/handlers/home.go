package handlers

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/quietfen/localchat/internal/models"
)

type conversationView struct {
	ID    string
	Title string

	Active bool
}

type messageView struct {
	ID        string
	Role      string
	Content   template.HTML
	CreatedAt time.Time
}

type homePageData struct {
	Conversations         []conversationView
	CurrentConversationID string
	Messages              []messageView
}

// HandleHome renders the chat page: the conversation list in the sidebar plus, when a
// conversation_id query parameter is present, that conversation's messages. Assistant
// messages are rendered as markdown; user messages are escaped verbatim.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	summaries, err := m.store.Conversations(r.Context())
	if err != nil {
		m.logger.Error("Failed to list conversations", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	activeID := r.URL.Query().Get("conversation_id")

	data := homePageData{CurrentConversationID: activeID}
	for _, s := range summaries {
		data.Conversations = append(data.Conversations, conversationView{
			ID:     s.ID,
			Title:  s.Title,
			Active: s.ID == activeID,
		})
	}

	if activeID != "" {
		conv, err := m.store.Conversation(r.Context(), activeID)
		if err != nil {
			m.logger.Error("Failed to get conversation",
				slog.String("conversationID", activeID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, msg := range conv.Messages {
			data.Messages = append(data.Messages, messageView{
				ID:        msg.ID,
				Role:      string(msg.Role),
				Content:   m.renderContent(msg),
				CreatedAt: msg.CreatedAt,
			})
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) renderContent(msg models.Message) template.HTML {
	if msg.Role != models.RoleAssistant {
		return template.HTML(template.HTMLEscapeString(msg.Content))
	}

	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(msg.Content), &buf); err != nil {
		m.logger.Error("Failed to render markdown",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return template.HTML(template.HTMLEscapeString(msg.Content))
	}
	return template.HTML(buf.String())
}
