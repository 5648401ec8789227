package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quietfen/localchat/internal/models"
)

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleConversations lists all conversations, most recently updated first.
func (m Main) HandleConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := m.store.Conversations(r.Context())
	if err != nil {
		m.logger.Error("Failed to list conversations", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}
	m.writeJSON(w, http.StatusOK, summaries)
}

// HandleConversation returns one conversation with its ordered messages.
func (m Main) HandleConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := m.store.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to get conversation",
			slog.String("conversationID", r.PathValue("id")),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.writeJSON(w, http.StatusOK, conv)
}

// HandleDeleteConversation removes a conversation and all its messages.
func (m Main) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := m.store.DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to delete conversation",
			slog.String("conversationID", r.PathValue("id")),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.publishConversationsChanged()
	m.writeJSON(w, http.StatusOK, map[string]string{"message": "Conversation deleted successfully"})
}

// HandleHealth reports process liveness.
func (m Main) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
