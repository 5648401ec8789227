package chat_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietfen/localchat/internal/chat"
	"github.com/quietfen/localchat/internal/models"
)

type mockLLM struct {
	fragments []string
	err       error
	delay     time.Duration
	blockOn   chan struct{}

	mu   sync.Mutex
	sent [][]models.Message
}

func (m *mockLLM) record(messages []models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, messages)
}

func (m *mockLLM) lastSent() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

func (m *mockLLM) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	m.record(messages)
	return func(yield func(string, error) bool) {
		if m.blockOn != nil {
			select {
			case <-m.blockOn:
			case <-ctx.Done():
				return
			}
		}
		if m.delay > 0 {
			time.Sleep(m.delay)
		}
		for _, f := range m.fragments {
			if !yield(f, nil) {
				return
			}
		}
		if m.err != nil {
			yield("", m.err)
		}
	}
}

func (m *mockLLM) Complete(_ context.Context, messages []models.Message) (string, error) {
	m.record(messages)
	if m.err != nil {
		return "", m.err
	}
	var out string
	for _, f := range m.fragments {
		out += f
	}
	return out, nil
}

type mockStore struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	nextID        int

	createErr error
	appendErr error
}

func newMockStore() *mockStore {
	return &mockStore{conversations: map[string]*models.Conversation{}}
}

func (s *mockStore) CreateConversation(_ context.Context, title string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return models.Conversation{}, s.createErr
	}
	s.nextID++
	conv := models.Conversation{
		ID:        fmt.Sprintf("conv-%d", s.nextID),
		Title:     title,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.conversations[conv.ID] = &conv
	return conv, nil
}

func (s *mockStore) AppendTurn(_ context.Context, id string, user, assistant models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	conv, ok := s.conversations[id]
	if !ok {
		return models.ErrNotFound
	}
	conv.Messages = append(conv.Messages, user, assistant)
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *mockStore) Conversation(_ context.Context, id string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, models.ErrNotFound
	}
	return *conv, nil
}

func (s *mockStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

type chunkRecorder struct {
	chunks []models.StreamChunk
}

func (r *chunkRecorder) emit(chunk models.StreamChunk) error {
	r.chunks = append(r.chunks, chunk)
	return nil
}

func (r *chunkRecorder) kinds() []models.ChunkKind {
	kinds := make([]models.ChunkKind, len(r.chunks))
	for i, c := range r.chunks {
		kinds[i] = c.Kind
	}
	return kinds
}

func testOptions() chat.Options {
	return chat.Options{
		SystemPrompt: "be helpful",
		HistoryTurns: 2,
		Streaming:    true,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleTurnNewConversation(t *testing.T) {
	llm := &mockLLM{fragments: []string{"He", "llo"}}
	store := newMockStore()
	ctrl := chat.NewController(llm, store, testOptions(), testLogger())

	var rec chunkRecorder
	text, convID, err := ctrl.HandleTurn(context.Background(), "", "Hi", rec.emit)

	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	require.NotEmpty(t, convID)

	assert.Equal(t, []models.ChunkKind{
		models.ChunkContent,
		models.ChunkContent,
		models.ChunkConversationID,
		models.ChunkDone,
	}, rec.kinds())
	assert.Equal(t, "He", rec.chunks[0].Content)
	assert.Equal(t, "llo", rec.chunks[1].Content)
	assert.Equal(t, convID, rec.chunks[2].ConversationID)

	// Outgoing window for an empty history is just the system prompt plus the user text.
	sent := llm.lastSent()
	require.Len(t, sent, 2)
	assert.Equal(t, models.RoleSystem, sent[0].Role)
	assert.Equal(t, "Hi", sent[1].Content)

	conv, err := store.Conversation(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, "Hi", conv.Title)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, models.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "Hi", conv.Messages[0].Content)
	assert.Equal(t, models.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "Hello", conv.Messages[1].Content)
}

func TestHandleTurnExistingConversation(t *testing.T) {
	llm := &mockLLM{fragments: []string{"fine"}}
	store := newMockStore()
	ctrl := chat.NewController(llm, store, testOptions(), testLogger())

	seed, err := store.CreateConversation(context.Background(), "seeded")
	require.NoError(t, err)
	require.NoError(t, store.AppendTurn(context.Background(), seed.ID,
		models.Message{Role: models.RoleUser, Content: "earlier question"},
		models.Message{Role: models.RoleAssistant, Content: "earlier answer"},
	))

	var rec chunkRecorder
	text, convID, err := ctrl.HandleTurn(context.Background(), seed.ID, "and now?", rec.emit)

	require.NoError(t, err)
	assert.Equal(t, "fine", text)
	assert.Equal(t, seed.ID, convID)

	// No conversation_id chunk for an existing conversation.
	assert.Equal(t, []models.ChunkKind{models.ChunkContent, models.ChunkDone}, rec.kinds())

	sent := llm.lastSent()
	require.Len(t, sent, 4)
	assert.Equal(t, "earlier question", sent[1].Content)
	assert.Equal(t, "earlier answer", sent[2].Content)
	assert.Equal(t, "and now?", sent[3].Content)

	conv, err := store.Conversation(context.Background(), seed.ID)
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 4)
}

func TestHandleTurnFiltersReasoning(t *testing.T) {
	llm := &mockLLM{fragments: []string{"<thi", "nk>secret</think>answer"}}
	store := newMockStore()
	ctrl := chat.NewController(llm, store, testOptions(), testLogger())

	var rec chunkRecorder
	text, _, err := ctrl.HandleTurn(context.Background(), "", "Hi", rec.emit)

	require.NoError(t, err)
	assert.Equal(t, "answer", text)
	for _, c := range rec.chunks {
		assert.NotContains(t, c.Content, "secret")
	}
}

func TestHandleTurnBackendError(t *testing.T) {
	llm := &mockLLM{err: errors.New("connection refused")}
	store := newMockStore()
	ctrl := chat.NewController(llm, store, testOptions(), testLogger())

	var rec chunkRecorder
	_, _, err := ctrl.HandleTurn(context.Background(), "", "Hi", rec.emit)

	require.Error(t, err)
	assert.Equal(t, []models.ChunkKind{models.ChunkError}, rec.kinds())
	assert.Contains(t, rec.chunks[0].Err, "connection refused")

	// A failed turn leaves the store untouched.
	assert.Zero(t, store.size())
}

func TestHandleTurnFirstByteTimeout(t *testing.T) {
	llm := &mockLLM{fragments: []string{"too late"}, delay: 500 * time.Millisecond}
	store := newMockStore()

	opts := testOptions()
	opts.FirstByteTimeout = 20 * time.Millisecond
	ctrl := chat.NewController(llm, store, opts, testLogger())

	var rec chunkRecorder
	_, _, err := ctrl.HandleTurn(context.Background(), "", "Hi", rec.emit)

	require.Error(t, err)
	require.Len(t, rec.chunks, 1)
	assert.Equal(t, models.ChunkError, rec.chunks[0].Kind)
	assert.Zero(t, store.size())
}

func TestHandleTurnStoreFailure(t *testing.T) {
	llm := &mockLLM{fragments: []string{"Hello"}}
	store := newMockStore()
	store.appendErr = errors.New("disk full")
	ctrl := chat.NewController(llm, store, testOptions(), testLogger())

	var rec chunkRecorder
	text, _, err := ctrl.HandleTurn(context.Background(), "", "Hi", rec.emit)

	// The reply still reaches the caller; only persistence failed.
	require.ErrorIs(t, err, chat.ErrHistoryNotSaved)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, []models.ChunkKind{models.ChunkContent, models.ChunkDone}, rec.kinds())
}

func TestHandleTurnNonStreaming(t *testing.T) {
	llm := &mockLLM{fragments: []string{"x<think>secret</think>z"}}
	store := newMockStore()

	opts := testOptions()
	opts.Streaming = false
	ctrl := chat.NewController(llm, store, opts, testLogger())

	var rec chunkRecorder
	text, _, err := ctrl.HandleTurn(context.Background(), "", "Hi", rec.emit)

	require.NoError(t, err)
	assert.Equal(t, "xz", text)
	assert.Equal(t, []models.ChunkKind{
		models.ChunkContent,
		models.ChunkConversationID,
		models.ChunkDone,
	}, rec.kinds())
	assert.Equal(t, "xz", rec.chunks[0].Content)
}

func TestHandleTurnRejectsConcurrentTurns(t *testing.T) {
	release := make(chan struct{})
	llm := &mockLLM{fragments: []string{"slow answer"}, blockOn: release}
	store := newMockStore()
	ctrl := chat.NewController(llm, store, testOptions(), testLogger())

	seed, err := store.CreateConversation(context.Background(), "seeded")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var rec chunkRecorder
		_, _, err := ctrl.HandleTurn(context.Background(), seed.ID, "first", rec.emit)
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool { return ctrl.Busy(seed.ID) },
		time.Second, 5*time.Millisecond)

	var rec chunkRecorder
	_, _, err = ctrl.HandleTurn(context.Background(), seed.ID, "second", rec.emit)
	require.ErrorIs(t, err, chat.ErrTurnInFlight)
	assert.Empty(t, rec.chunks)

	close(release)
	<-done
	assert.False(t, ctrl.Busy(seed.ID))
}

func TestHandleTurnCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	llm := &mockLLM{fragments: []string{"never delivered"}, blockOn: release}
	store := newMockStore()
	ctrl := chat.NewController(llm, store, testOptions(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	var rec chunkRecorder
	_, _, err := ctrl.HandleTurn(ctx, "", "Hi", rec.emit)

	require.Error(t, err)
	assert.Zero(t, store.size())
}
