// ABOUTME: Tests for the bbolt device-local store
// ABOUTME: Mirrors the SQLite ordering and pagination guarantees

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "local", "device.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStore_RoundTripOrdering(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	conv := testConversation("c1", baseTime, 0)
	conv.Messages = []Message{
		{ID: "a1", Role: RoleAssistant, Content: Text("reply"), Timestamp: baseTime},
		{ID: "u1", Role: RoleUser, Content: Text("ask"), Timestamp: baseTime},
	}
	require.NoError(t, s.SaveConversation(ctx, "", conv))

	page, err := s.LoadMessagesPage(ctx, "", "c1", 100, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "a1"}, messageIDs(page.Messages))
}

func TestBoltStore_Pagination(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		conv := testConversation(fmt.Sprintf("c%d", i), baseTime, 5)
		conv.UpdatedAt = baseTime.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.SaveConversation(ctx, "", conv))
	}

	page, err := s.LoadConversationsPage(ctx, "", 2, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2", "c1"}, conversationIDs(page.Conversations))
	assert.True(t, page.HasMore)

	page, err = s.LoadConversationsPage(ctx, "", 2, page.Cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"c0"}, conversationIDs(page.Conversations))
	assert.False(t, page.HasMore)

	msgs, err := s.LoadMessagesPage(ctx, "", "c1", 2, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4"}, messageIDs(msgs.Messages))

	msgs, err = s.LoadMessagesPage(ctx, "", "c1", 2, msgs.Cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(msgs.Messages))

	msgs, err = s.LoadMessagesPage(ctx, "", "c1", 2, msgs.Cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"m0"}, messageIDs(msgs.Messages))
	assert.False(t, msgs.HasMore)
}

func TestBoltStore_DeleteAndMissing(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	_, err := s.LoadConversation(ctx, "", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteConversation(ctx, "", "nope"), ErrNotFound)

	require.NoError(t, s.SaveConversation(ctx, "", testConversation("c1", baseTime, 1)))
	require.NoError(t, s.DeleteConversation(ctx, "", "c1"))
	_, err = s.LoadConversation(ctx, "", "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_MigrationMarker(t *testing.T) {
	s := newTestBoltStore(t)

	done, err := s.MigratedTo("acct")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.MarkMigrated("acct", baseTime))
	done, err = s.MigratedTo("acct")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = s.MigratedTo("other")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestBoltStore_SaveMergesMessages(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	conv := testConversation("c1", baseTime, 3)
	require.NoError(t, s.SaveConversation(ctx, "", conv))

	partial := conv.Clone()
	partial.Messages = partial.Messages[2:]
	partial.Messages[0].Content = Text("edited")
	require.NoError(t, s.SaveConversation(ctx, "", partial))

	loaded, err := s.LoadConversation(ctx, "", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m0", "m1", "m2"}, messageIDs(loaded.Messages))
	assert.Equal(t, "edited", loaded.Messages[2].Content.PlainText())
}
