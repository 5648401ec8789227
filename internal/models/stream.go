package models

// ChunkKind is the type tag of a stream chunk as it appears on the wire.
type ChunkKind string

const (
	// ChunkContent carries an incremental fragment of assistant text.
	ChunkContent ChunkKind = "content"
	// ChunkDone signals normal end of stream. Emitted exactly once per successful turn.
	ChunkDone ChunkKind = "done"
	// ChunkError signals abnormal end of stream with a human-readable cause. Terminal,
	// mutually exclusive with ChunkDone.
	ChunkError ChunkKind = "error"
	// ChunkConversationID tells the consumer the id of a conversation created by this turn.
	ChunkConversationID ChunkKind = "conversation_id"
)

// StreamChunk is the transient unit relayed from the inference backend to exactly one
// consumer. Chunks are never persisted.
type StreamChunk struct {
	Kind           ChunkKind `json:"type"`
	Content        string    `json:"content,omitempty"`
	Err            string    `json:"error,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// ContentChunk builds a content chunk.
func ContentChunk(text string) StreamChunk {
	return StreamChunk{Kind: ChunkContent, Content: text}
}

// DoneChunk builds the terminal success chunk.
func DoneChunk() StreamChunk {
	return StreamChunk{Kind: ChunkDone}
}

// ErrorChunk builds the terminal failure chunk.
func ErrorChunk(cause string) StreamChunk {
	return StreamChunk{Kind: ChunkError, Err: cause}
}

// ConversationIDChunk builds the chunk announcing a freshly created conversation.
func ConversationIDChunk(id string) StreamChunk {
	return StreamChunk{Kind: ChunkConversationID, ConversationID: id}
}
