package handlers

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	sse "github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	highlighting "github.com/yuin/goldmark-highlighting"

	localchat "github.com/quietfen/localchat"
	"github.com/quietfen/localchat/internal/chat"
	"github.com/quietfen/localchat/internal/models"
)

const errLoggerKey = "err"

// Turner runs one chat turn end to end. Implemented by chat.Controller.
type Turner interface {
	Busy(conversationID string) bool
	HandleTurn(ctx context.Context, conversationID, userText string, emit chat.Emitter) (string, string, error)
}

// Store defines the read/delete side of conversation persistence the web handlers need.
// The write side is owned by the turn controller.
type Store interface {
	Conversations(ctx context.Context) ([]models.ConversationSummary, error)
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
}

// Main holds the web-facing state of the chat application: the SSE server broadcasting
// conversation-list changes, the HTML templates, the markdown renderer, and the turn
// controller and store it delegates to.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	turns  Turner
	store  Store
	logger *slog.Logger
}

const conversationsSSETopic = "conversations"

var conversationsSSEType = sse.Type("conversations")

// NewMain creates a Main instance around a turn controller and a store. It parses the
// embedded HTML templates and configures the SSE server so every client is subscribed to
// conversation-list updates.
func NewMain(turns Turner, store Store, logger *slog.Logger) (Main, error) {
	tmpl, err := template.ParseFS(
		localchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle("monokai"),
			),
		),
	)

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, conversationsSSETopic},
				}, true
			},
		},
		templates: tmpl,
		markdown:  md,
		turns:     turns,
		store:     store,
		logger:    logger.With(slog.String("module", "handlers")),
	}, nil
}

// HandleEvents serves the long-lived SSE connection carrying conversation-list updates.
func (m Main) HandleEvents(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// publishConversationsChanged nudges connected clients to refetch the conversation list.
func (m Main) publishConversationsChanged() {
	msg := sse.Message{Type: conversationsSSEType}
	msg.AppendData("changed")
	if err := m.sseSrv.Publish(&msg, conversationsSSETopic); err != nil {
		m.logger.Error("Failed to publish conversations update", slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown gracefully terminates the SSE server, broadcasting a close event and waiting
// up to 5 seconds for connections to drain.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	// The SSE spec requires data on every event.
	e.AppendData("bye")

	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
