// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to observe or fail individual writes

package store

import (
	"context"
	"sync"
)

// SaveRecord captures one SaveConversation call.
type SaveRecord struct {
	Owner        string
	Conversation *Conversation
}

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]map[string]*Conversation // owner -> id -> conversation
	saves         []SaveRecord
	loads         map[string]int // LoadMessagesPage + LoadConversation calls per conversation id

	// SaveErr, when set, is returned by SaveConversation (the record is still captured).
	SaveErr error
	// OnSave, when set, is invoked after every SaveConversation call.
	OnSave func(SaveRecord)
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]map[string]*Conversation),
		loads:         make(map[string]int),
	}
}

// SaveConversation stores a copy of the conversation, merging messages like the real stores.
func (m *MockStore) SaveConversation(ctx context.Context, owner string, conv *Conversation) error {
	m.mu.Lock()
	// Make a copy to avoid external modification
	rec := SaveRecord{Owner: owner, Conversation: conv.Clone()}
	m.saves = append(m.saves, rec)
	err := m.SaveErr
	if err == nil {
		stored := conv.Clone()
		if m.conversations[owner] == nil {
			m.conversations[owner] = make(map[string]*Conversation)
		}
		var existing []Message
		if prev, ok := m.conversations[owner][conv.ID]; ok {
			existing = prev.Messages
		}
		stored.Messages = MergeMessages(existing, stored.Messages)
		m.conversations[owner][conv.ID] = stored
	}
	hook := m.OnSave
	m.mu.Unlock()

	if hook != nil {
		hook(rec)
	}
	return err
}

// Put seeds a conversation without recording a save.
func (m *MockStore) Put(owner string, conv *Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := conv.Clone()
	SortMessages(stored.Messages)
	if m.conversations[owner] == nil {
		m.conversations[owner] = make(map[string]*Conversation)
	}
	m.conversations[owner][conv.ID] = stored
}

// LoadConversationsPage returns summaries ordered by recency.
func (m *MockStore) LoadConversationsPage(ctx context.Context, owner string, pageSize int, cursor string) (*ConversationPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Conversation, 0, len(m.conversations[owner]))
	for _, c := range m.conversations[owner] {
		all = append(all, c)
	}
	return pageConversations(all, pageSize, cursor)
}

// LoadMessagesPage returns a page of messages, newest page first.
func (m *MockStore) LoadMessagesPage(ctx context.Context, owner, conversationID string, pageSize int, cursor string) (*MessagePage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loads[conversationID]++
	conv, ok := m.conversations[owner][conversationID]
	if !ok {
		return &MessagePage{Messages: []Message{}}, nil
	}
	return pageMessages(conv.Messages, pageSize, cursor)
}

// LoadConversation returns a copy of the stored conversation.
func (m *MockStore) LoadConversation(ctx context.Context, owner, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loads[id]++
	conv, ok := m.conversations[owner][id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

// DeleteConversation removes a conversation.
func (m *MockStore) DeleteConversation(ctx context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[owner][id]; !ok {
		return ErrNotFound
	}
	delete(m.conversations[owner], id)
	return nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

// Saves returns copies of every SaveConversation call in order.
func (m *MockStore) Saves() []SaveRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SaveRecord(nil), m.saves...)
}

// SaveCount returns the number of SaveConversation calls.
func (m *MockStore) SaveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.saves)
}

// SavesFor returns the SaveConversation calls for one conversation id.
func (m *MockStore) SavesFor(id string) []SaveRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SaveRecord
	for _, s := range m.saves {
		if s.Conversation.ID == id {
			out = append(out, s)
		}
	}
	return out
}

// LoadCount returns how often messages of a conversation were fetched.
func (m *MockStore) LoadCount(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loads[id]
}
