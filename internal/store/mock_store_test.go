// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on copy semantics, save recording and failure injection

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_SaveCopiesInput(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	conv := testConversation("c1", baseTime, 2)
	require.NoError(t, store.SaveConversation(ctx, "", conv))

	// Mutating the caller's value must not leak into the store
	conv.Messages[0].Content = Text("mutated")

	loaded, err := store.LoadConversation(ctx, "", "c1")
	require.NoError(t, err)
	assert.Equal(t, "message 0", loaded.Messages[0].Content.PlainText())
	assert.Equal(t, 1, store.SaveCount())
	assert.Len(t, store.SavesFor("c1"), 1)
}

func TestMockStore_SaveErrStillRecords(t *testing.T) {
	store := NewMockStore()
	store.SaveErr = errors.New("disk full")

	err := store.SaveConversation(context.Background(), "", testConversation("c1", baseTime, 1))
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, 1, store.SaveCount())

	_, err = store.LoadConversation(context.Background(), "", "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_PagingMatchesSQLite(t *testing.T) {
	mock := NewMockStore()
	sqlite := newTestStore(t)
	defer sqlite.Close()
	ctx := context.Background()

	for _, s := range []Store{mock, sqlite} {
		require.NoError(t, s.SaveConversation(ctx, "acct", testConversation("c1", baseTime, 5)))
	}

	for _, s := range []Store{mock, sqlite} {
		page, err := s.LoadMessagesPage(ctx, "acct", "c1", 2, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"m3", "m4"}, messageIDs(page.Messages))

		page, err = s.LoadMessagesPage(ctx, "acct", "c1", 2, page.Cursor)
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2"}, messageIDs(page.Messages))
	}
}

func TestMockStore_LoadCount(t *testing.T) {
	store := NewMockStore()
	store.Put("", testConversation("c1", baseTime, 1))

	_, _ = store.LoadMessagesPage(context.Background(), "", "c1", 10, "")
	_, _ = store.LoadConversation(context.Background(), "", "c1")
	assert.Equal(t, 2, store.LoadCount("c1"))
	assert.Equal(t, 0, store.SaveCount(), "Put does not count as a save")
}
