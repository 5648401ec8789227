package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quietfen/localchat/internal/models"
)

// LLM is the inference backend handle consumed by the turn controller. Chat streams
// incremental fragments; Complete performs one blocking call for the non-streaming path.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
	Complete(ctx context.Context, messages []models.Message) (string, error)
}

// Store is the slice of the conversation store the turn controller needs: reading history
// before a turn and committing a finalized turn after it. AppendTurn must persist both
// messages atomically.
type Store interface {
	CreateConversation(ctx context.Context, title string) (models.Conversation, error)
	AppendTurn(ctx context.Context, conversationID string, user, assistant models.Message) error
	Conversation(ctx context.Context, id string) (models.Conversation, error)
}

// Emitter forwards one stream chunk to the consumer. A non-nil error means the consumer is
// gone and the turn should stop.
type Emitter func(models.StreamChunk) error

var (
	// ErrTurnInFlight is returned when a turn is requested for a conversation that is
	// already streaming one. Nothing is emitted in that case.
	ErrTurnInFlight = errors.New("a turn is already in flight for this conversation")

	// ErrHistoryNotSaved is returned when the assistant reply was fully streamed but the
	// store rejected the turn. The content already reached the consumer and done was
	// emitted; callers surface this as a warning, not a turn failure.
	ErrHistoryNotSaved = errors.New("conversation history was not saved")
)

// Options carries the configuration slice the controller needs.
type Options struct {
	SystemPrompt     string
	HistoryTurns     int
	Streaming        bool
	FirstByteTimeout time.Duration
	TurnTimeout      time.Duration
}

// Controller orchestrates one request/response cycle: it assembles the outgoing window,
// relays the backend stream to the consumer, and commits the finalized exchange to the
// store. At most one turn per conversation is in flight at a time; independent
// conversations run concurrently.
type Controller struct {
	llm    LLM
	store  Store
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewController builds a turn controller around an inference backend handle and a store.
func NewController(llm LLM, store Store, opts Options, logger *slog.Logger) *Controller {
	return &Controller{
		llm:      llm,
		store:    store,
		opts:     opts,
		logger:   logger.With(slog.String("module", "turn")),
		inFlight: make(map[string]struct{}),
	}
}

// Busy reports whether a turn is currently in flight for the given conversation.
func (c *Controller) Busy(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[conversationID]
	return ok
}

func (c *Controller) acquire(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inFlight[conversationID]; ok {
		return false
	}
	c.inFlight[conversationID] = struct{}{}
	return true
}

func (c *Controller) release(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, conversationID)
}

// HandleTurn runs one turn. An empty conversationID starts a new conversation whose title
// is derived from userText; the conversation is only created once the reply finalized, so
// a failed turn leaves the store untouched. Chunks are forwarded to emit in order: zero or
// more content chunks, a conversation_id chunk when a conversation was created, then
// exactly one done or error chunk.
//
// The returned id is the conversation the turn belongs to (fresh when one was created).
// Every call emits exactly one terminal chunk, with two exceptions: ErrTurnInFlight is
// returned before anything is emitted, and ErrHistoryNotSaved is returned after done was
// already emitted.
func (c *Controller) HandleTurn(ctx context.Context, conversationID, userText string, emit Emitter) (string, string, error) {
	if conversationID != "" {
		if !c.acquire(conversationID) {
			return "", conversationID, ErrTurnInFlight
		}
		defer c.release(conversationID)
	}

	if c.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.TurnTimeout)
		defer cancel()
	}

	var history []models.Message
	if conversationID != "" {
		conv, err := c.store.Conversation(ctx, conversationID)
		if err != nil {
			err = fmt.Errorf("failed to load conversation history: %w", err)
			_ = emit(models.ErrorChunk(err.Error()))
			return "", conversationID, err
		}
		history = conv.Messages
	}

	userMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   userText,
		CreatedAt: time.Now(),
	}
	window := Window(append(history, userMsg), c.opts.SystemPrompt, c.opts.HistoryTurns)

	assistantText, err := c.dispatch(ctx, window, emit)
	if err != nil {
		return "", conversationID, err
	}

	assistantMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Content:   assistantText,
		CreatedAt: time.Now(),
	}

	newConversation := conversationID == ""
	persistErr := func() error {
		if newConversation {
			conv, err := c.store.CreateConversation(ctx, DeriveTitle(userText))
			if err != nil {
				return fmt.Errorf("failed to create conversation: %w", err)
			}
			conversationID = conv.ID
		}
		if err := c.store.AppendTurn(ctx, conversationID, userMsg, assistantMsg); err != nil {
			return fmt.Errorf("failed to append turn: %w", err)
		}
		return nil
	}()

	if persistErr == nil && newConversation {
		if err := emit(models.ConversationIDChunk(conversationID)); err != nil {
			return assistantText, conversationID, fmt.Errorf("failed to emit conversation id: %w", err)
		}
	}
	if err := emit(models.DoneChunk()); err != nil {
		return assistantText, conversationID, fmt.Errorf("failed to emit done: %w", err)
	}

	if persistErr != nil {
		c.logger.Warn("Turn streamed but not persisted",
			slog.String("conversationID", conversationID),
			slog.String("err", persistErr.Error()))
		return assistantText, conversationID, fmt.Errorf("%w: %v", ErrHistoryNotSaved, persistErr)
	}
	return assistantText, conversationID, nil
}

// dispatch runs the backend call and forwards content chunks, returning the accumulated
// assistant text. The terminal done chunk is not emitted here; HandleTurn owns
// finalization.
func (c *Controller) dispatch(ctx context.Context, window []models.Message, emit Emitter) (string, error) {
	if !c.opts.Streaming {
		text, err := c.llm.Complete(ctx, window)
		if err != nil {
			_ = emit(models.ErrorChunk(err.Error()))
			return "", fmt.Errorf("completion failed: %w", err)
		}
		text = StripReasoning(text)
		if text != "" {
			if err := emit(models.ContentChunk(text)); err != nil {
				return "", fmt.Errorf("failed to emit content: %w", err)
			}
		}
		return text, nil
	}

	var accum strings.Builder
	for chunk := range Relay(ctx, c.llm.Chat(ctx, window), RelayOptions{FirstByteTimeout: c.opts.FirstByteTimeout}) {
		switch chunk.Kind {
		case models.ChunkContent:
			accum.WriteString(chunk.Content)
			if err := emit(chunk); err != nil {
				return "", fmt.Errorf("failed to emit content: %w", err)
			}
		case models.ChunkError:
			// The partial accumulator is discarded; no partial turn is persisted.
			_ = emit(chunk)
			return "", fmt.Errorf("stream failed: %s", chunk.Err)
		case models.ChunkDone:
			return accum.String(), nil
		}
	}
	return accum.String(), nil
}
