package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	sse "github.com/tmaxmax/go-sse"

	"github.com/quietfen/localchat/internal/chat"
	"github.com/quietfen/localchat/internal/models"
)

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

// HandleChatStream runs one chat turn and streams the reply to the caller as server-sent
// events. The request body is JSON {"message": ..., "conversation_id": ...}; an empty
// conversation_id starts a new conversation. The response is a stream of typed records:
// zero or more content events, a conversation_id event when a conversation was created,
// and exactly one terminal done or error event.
//
// Closing the request aborts the turn: the backend stream is cancelled and nothing is
// persisted. A turn already in flight for the conversation is rejected with 409.
func (m Main) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	if req.ConversationID != "" && m.turns.Busy(req.ConversationID) {
		http.Error(w, "a turn is already in flight for this conversation", http.StatusConflict)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade to SSE", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	emit := func(chunk models.StreamChunk) error {
		payload, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk: %w", err)
		}
		e := &sse.Message{Type: sse.Type(string(chunk.Kind))}
		e.AppendData(string(payload))
		if err := sess.Send(e); err != nil {
			return fmt.Errorf("failed to send event: %w", err)
		}
		return sess.Flush()
	}

	_, conversationID, err := m.turns.HandleTurn(r.Context(), req.ConversationID, req.Message, emit)
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrTurnInFlight):
		// Lost the race with another request after the Busy pre-check.
		_ = emit(models.ErrorChunk(err.Error()))
		return
	case errors.Is(err, chat.ErrHistoryNotSaved):
		// Content reached the client; only the persistence failed.
		m.logger.Warn("Turn not persisted",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
	default:
		// The terminal error chunk was already relayed to the client.
		m.logger.Error("Turn failed",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	// A new conversation appeared, or an existing one moved to the top of the list.
	m.publishConversationsChanged()
}
