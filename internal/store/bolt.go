// ABOUTME: bbolt implementation of the Store interface for device-local storage
// ABOUTME: Used for unauthenticated sessions; one JSON record per conversation

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations")
	bucketMeta          = []byte("meta")
)

// BoltStore keeps conversations in a single bbolt file on the device.
// Each owner gets a nested bucket under "conversations".
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
}

// NewBoltStore opens (or creates) the bbolt file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating local store directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketConversations); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	logger := slog.Default().With("component", "store", "backend", "bolt")
	logger.Info("local store initialized", "path", path)
	return &BoltStore{db: db, logger: logger}, nil
}

// ownerBucket names the nested bucket for an owner; bbolt rejects empty names.
func ownerBucket(owner string) []byte {
	return []byte("owner:" + owner)
}

// Close closes the bbolt file
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveConversation upserts the record, merging messages into the stored ones.
func (s *BoltStore) SaveConversation(ctx context.Context, owner string, conv *Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := conv.Clone()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketConversations).CreateBucketIfNotExists(ownerBucket(owner))
		if err != nil {
			return err
		}
		var existing Conversation
		if v := b.Get([]byte(conv.ID)); v != nil {
			if err := json.Unmarshal(v, &existing); err != nil {
				s.logger.Warn("overwriting malformed conversation record", "id", conv.ID, "error", err)
				existing.Messages = nil
			}
		}
		rec.Messages = MergeMessages(existing.Messages, rec.Messages)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding conversation: %w", err)
		}
		return b.Put([]byte(conv.ID), data)
	})
	if err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	s.logger.Debug("saved conversation", "id", conv.ID, "messages", len(rec.Messages))
	return nil
}

// readAll decodes every conversation of an owner. Malformed records are skipped.
func (s *BoltStore) readAll(owner string) ([]*Conversation, error) {
	var out []*Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConversations).Bucket(ownerBucket(owner))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var conv Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				s.logger.Warn("skipping malformed conversation record", "id", string(k), "error", err)
				return nil
			}
			out = append(out, &conv)
			return nil
		})
	})
	return out, err
}

// LoadConversationsPage pages through summaries by UpdatedAt desc, id desc.
func (s *BoltStore) LoadConversationsPage(ctx context.Context, owner string, pageSize int, cursor string) (*ConversationPage, error) {
	all, err := s.readAll(owner)
	if err != nil {
		return nil, fmt.Errorf("reading conversations: %w", err)
	}
	return pageConversations(all, pageSize, cursor)
}

// LoadMessagesPage slices the stored message list from the newest end.
func (s *BoltStore) LoadMessagesPage(ctx context.Context, owner, conversationID string, pageSize int, cursor string) (*MessagePage, error) {
	conv, err := s.LoadConversation(ctx, owner, conversationID)
	if errors.Is(err, ErrNotFound) {
		return &MessagePage{Messages: []Message{}}, nil
	}
	if err != nil {
		return nil, err
	}
	SortMessages(conv.Messages)
	return pageMessages(conv.Messages, pageSize, cursor)
}

// LoadConversation returns the stored conversation or ErrNotFound.
func (s *BoltStore) LoadConversation(ctx context.Context, owner, id string) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConversations).Bucket(ownerBucket(owner))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(id)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading conversation: %w", err)
	}
	if data == nil {
		return nil, ErrNotFound
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decoding conversation: %w", err)
	}
	if conv.Messages == nil {
		conv.Messages = []Message{}
	}
	return &conv, nil
}

// DeleteConversation removes a conversation. Returns ErrNotFound if absent.
func (s *BoltStore) DeleteConversation(ctx context.Context, owner, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConversations).Bucket(ownerBucket(owner))
		if b == nil || b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

// MigratedTo reports whether local data was already migrated for the account.
func (s *BoltStore) MigratedTo(account string) (bool, error) {
	var done bool
	err := s.db.View(func(tx *bolt.Tx) error {
		done = tx.Bucket(bucketMeta).Get([]byte("migrated:"+account)) != nil
		return nil
	})
	return done, err
}

// MarkMigrated records that local data was migrated for the account.
func (s *BoltStore) MarkMigrated(account string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte("migrated:"+account), []byte(at.UTC().Format(time.RFC3339)))
	})
}
