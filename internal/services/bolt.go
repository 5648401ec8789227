package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/quietfen/localchat/internal/models"
	bolt "go.etcd.io/bbolt"
)

var conversationsBucket = []byte("conversations")

// BoltDB implements the conversation store on a BoltDB backend. Conversation metadata
// lives in one bucket; each conversation's messages live in their own bucket keyed by a
// zero-padded sequence number so iteration order is insertion order. Writes for one
// conversation are serialized by the database's single-writer transaction model, and a
// turn's two messages commit in one transaction or not at all.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (creating if needed) the database at path and initializes the required
// buckets. The file is created with 0600 permissions.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})

	return BoltDB{db: db}, err
}

// Close releases the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(conversationID string) []byte {
	return []byte(fmt.Sprintf("messages-%s", conversationID))
}

func sequenceKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// CreateConversation stores a new conversation with the given title and an empty message
// sequence, returning it with its generated id and timestamps set.
func (b BoltDB) CreateConversation(_ context.Context, title string) (models.Conversation, error) {
	now := time.Now()
	conv := models.Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(conversationsBucket)

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(conv.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		return bkt.Put([]byte(conv.ID), v)
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// AppendTurn commits a finalized user/assistant pair to the conversation and bumps its
// UpdatedAt. Both messages land in one transaction; a failure persists neither.
func (b BoltDB) AppendTurn(_ context.Context, conversationID string, user, assistant models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(messageBucketName(conversationID))
		if msgs == nil {
			return fmt.Errorf("%w: %s", models.ErrNotFound, conversationID)
		}

		for _, msg := range []models.Message{user, assistant} {
			seq, err := msgs.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to get next sequence: %w", err)
			}
			v, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := msgs.Put(sequenceKey(seq), v); err != nil {
				return fmt.Errorf("failed to put message: %w", err)
			}
		}

		convs := tx.Bucket(conversationsBucket)
		raw := convs.Get([]byte(conversationID))
		if raw == nil {
			return fmt.Errorf("%w: %s", models.ErrNotFound, conversationID)
		}
		var conv models.Conversation
		if err := json.Unmarshal(raw, &conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		conv.UpdatedAt = time.Now()

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		return convs.Put([]byte(conversationID), v)
	})
}

// Conversations lists all stored conversations, most recently updated first.
func (b BoltDB) Conversations(context.Context) ([]models.ConversationSummary, error) {
	var summaries []models.ConversationSummary
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			summaries = append(summaries, conv.Summary())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// Conversation retrieves one conversation with its messages in insertion order.
func (b BoltDB) Conversation(_ context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(conversationsBucket).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", models.ErrNotFound, id)
		}
		if err := json.Unmarshal(raw, &conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}

		msgs := tx.Bucket(messageBucketName(id))
		if msgs == nil {
			return nil
		}
		return msgs.ForEach(func(_, v []byte) error {
			var msg models.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			conv.Messages = append(conv.Messages, msg)
			return nil
		})
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// DeleteConversation removes a conversation and all its messages.
func (b BoltDB) DeleteConversation(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		convs := tx.Bucket(conversationsBucket)
		if convs.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", models.ErrNotFound, id)
		}
		if err := convs.Delete([]byte(id)); err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		if err := tx.DeleteBucket(messageBucketName(id)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
		return nil
	})
}
