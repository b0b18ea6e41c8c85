// ABOUTME: Tests for SendMessage streaming, persistence timing and cancellation
// ABOUTME: Drives the Manager through a scripted chat sender

package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/store"
)

func (env *testEnv) script(fn func(ctx context.Context, req *chat.Request, h chat.Handlers)) {
	env.sender.mu.Lock()
	env.sender.script = fn
	env.sender.mu.Unlock()
}

func reply(t *testing.T, conv *store.Conversation) store.Message {
	t.Helper()
	require.NotNil(t, conv)
	require.GreaterOrEqual(t, len(conv.Messages), 2)
	return conv.Messages[len(conv.Messages)-1]
}

func TestSendMessage_HelloEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var savesBeforeChunks []store.SaveRecord
	env.script(func(ctx context.Context, req *chat.Request, h chat.Handlers) {
		savesBeforeChunks = env.store.Saves()
		h.OnChunk("Hi")
		h.OnChunk(" there")
		h.OnComplete()
	})

	require.NoError(t, env.m.SendMessage(ctx, SendRequest{Content: "Hello"}))

	conv := env.m.Active()
	require.NotNil(t, conv)
	assert.Equal(t, "Hello", conv.Title)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, store.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "Hello", conv.Messages[0].Content.PlainText())

	got := reply(t, conv)
	assert.Equal(t, "Hi there", got.Content.PlainText())
	assert.False(t, got.IsStreaming)
	assert.Equal(t, "gpt-4o-mini", got.Model)

	// Exactly one write before the first chunk, holding only the user message
	require.Len(t, savesBeforeChunks, 1)
	first := savesBeforeChunks[0]
	assert.Equal(t, testOwner, first.Owner)
	require.Len(t, first.Conversation.Messages, 1)
	assert.Equal(t, "Hello", first.Conversation.Messages[0].Content.PlainText())
	assert.Equal(t, "Hello", first.Conversation.Title)

	// Completion is saved immediately
	saves := env.store.SavesFor(conv.ID)
	last := saves[len(saves)-1].Conversation
	require.Len(t, last.Messages, 2)
	assert.Equal(t, "Hi there", last.Messages[1].Content.PlainText())
	assert.False(t, last.Messages[1].IsStreaming)

	requests := env.sender.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "gpt-4o-mini", requests[0].Model)
	require.Len(t, requests[0].Messages, 2)
	assert.Equal(t, store.RoleSystem, requests[0].Messages[0].Role)
	assert.Equal(t, "Be brief.", requests[0].Messages[0].Content.PlainText())
	assert.Equal(t, "Hello", requests[0].Messages[1].Content.PlainText())
	assert.Equal(t, testOwner, requests[0].Identity.Subject())

	assert.False(t, env.m.Streaming().Active)
	assert.Equal(t, []string{conv.ID}, ids(env.m.Conversations()))
}

func TestSendMessage_EmptyContentIsNoop(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.m.SendMessage(context.Background(), SendRequest{Content: "  \n "}))

	assert.Empty(t, env.sender.Requests())
	assert.Equal(t, 0, env.store.SaveCount())
	assert.Empty(t, env.m.Conversations())
}

func TestSendMessage_HistoryAndPrompts(t *testing.T) {
	env := newTestEnv(t, func(o *Options, _ *Deps) { o.CustomPrompt = "Use metric units." })
	ctx := context.Background()
	seedConversation(env, "c1", 2, baseTime)
	require.NoError(t, env.m.LoadConversations(ctx))
	require.NoError(t, env.m.SelectConversation(ctx, "c1"))

	require.NoError(t, env.m.SendMessage(ctx, SendRequest{Content: "How far is it?", Model: "llama3", Source: "custom", ProviderID: "home"}))

	req := env.sender.Requests()[0]
	assert.Equal(t, "llama3", req.Model)
	assert.Equal(t, "custom", req.Source)
	assert.Equal(t, "home", req.ProviderID)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, "Be brief.\n\nUse metric units.", req.Messages[0].Content.PlainText())
	assert.Equal(t, "message 0", req.Messages[1].Content.PlainText())
	assert.Equal(t, store.RoleAssistant, req.Messages[2].Role)
	assert.Equal(t, "How far is it?", req.Messages[3].Content.PlainText())

	conv := env.m.Active()
	assert.Equal(t, "Conversation c1", conv.Title, "titled conversations keep their title")
	assert.Len(t, conv.Messages, 4)
	assert.Equal(t, "llama3", reply(t, conv).Model)
}

func TestSendMessage_AttachmentsBecomeStructuredContent(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.m.SendMessage(context.Background(), SendRequest{
		Content: "What is this?",
		Attachments: []store.Attachment{
			{ID: "a1", Kind: "image", URL: "https://img/1.png", MimeType: "image/png"},
			{ID: "a2", Kind: "file", URL: "https://files/report.pdf", MimeType: "application/pdf"},
		},
	}))

	content := env.sender.Requests()[0].Messages[1].Content
	require.True(t, content.IsStructured())
	require.Len(t, content.Parts, 2)
	assert.Equal(t, store.PartText, content.Parts[0].Type)
	assert.Equal(t, "What is this?", content.Parts[0].Text)
	assert.Equal(t, store.PartImageURL, content.Parts[1].Type)
	assert.Equal(t, "https://img/1.png", content.Parts[1].ImageURL.URL)

	user := env.m.Active().Messages[0]
	assert.Len(t, user.Attachments, 2)
}

func TestSendMessage_AttachmentOnly(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.m.SendMessage(context.Background(), SendRequest{
		Attachments: []store.Attachment{{ID: "a1", Kind: "image", URL: "https://img/1.png"}},
	}))

	content := env.sender.Requests()[0].Messages[1].Content
	require.Len(t, content.Parts, 2)
	assert.Equal(t, "", content.Parts[0].Text)
	assert.Equal(t, DefaultTitle, env.m.Active().Title)
}

func TestSendMessage_Reasoning(t *testing.T) {
	env := newTestEnv(t)
	env.script(func(ctx context.Context, req *chat.Request, h chat.Handlers) {
		h.OnReasoningChunk("Let me ")
		h.OnReasoningChunk("think.")
		h.OnChunk("42")
		h.OnComplete()
	})

	require.NoError(t, env.m.SendMessage(context.Background(), SendRequest{Content: "Answer?"}))

	got := reply(t, env.m.Active())
	assert.Equal(t, "Let me think.", got.Reasoning)
	assert.True(t, got.ReasoningComplete)
	assert.Equal(t, "42", got.Content.PlainText())
}

func TestSendMessage_ErrorBecomesMessage(t *testing.T) {
	env := newTestEnv(t)
	env.script(func(ctx context.Context, req *chat.Request, h chat.Handlers) {
		h.OnChunk("partial")
		h.OnError(errors.New("backend returned status 500: boom"))
		h.OnComplete() // ignored after the error
	})

	require.NoError(t, env.m.SendMessage(context.Background(), SendRequest{Content: "Hi"}))

	got := reply(t, env.m.Active())
	assert.Equal(t, "Error: backend returned status 500: boom", got.Content.PlainText())
	assert.True(t, got.IsError)
	assert.False(t, got.IsStreaming)
	assert.False(t, env.m.Streaming().Active)

	saves := env.store.Saves()
	last := saves[len(saves)-1].Conversation
	assert.True(t, last.Messages[1].IsError)
}

func TestSendMessage_PanicIsTreatedAsError(t *testing.T) {
	env := newTestEnv(t)
	env.script(func(ctx context.Context, req *chat.Request, h chat.Handlers) {
		panic("transport exploded")
	})

	require.NoError(t, env.m.SendMessage(context.Background(), SendRequest{Content: "Hi"}))

	got := reply(t, env.m.Active())
	assert.True(t, got.IsError)
	assert.Contains(t, got.Content.PlainText(), "transport exploded")
	assert.False(t, env.m.Streaming().Active)
}

func TestCancelStream_KeepsPartialReply(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	env.script(func(ctx context.Context, req *chat.Request, h chat.Handlers) {
		h.OnChunk("partial")
		close(started)
		<-ctx.Done()
		// A cancelled stream reports nothing.
	})

	done := make(chan error, 1)
	go func() { done <- env.m.SendMessage(context.Background(), SendRequest{Content: "Tell me a story"}) }()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("stream did not start")
	}
	state := env.m.Streaming()
	assert.True(t, state.Active)

	env.m.CancelStream()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("SendMessage did not return after cancel")
	}

	assert.False(t, env.m.Streaming().Active)
	got := reply(t, env.m.Active())
	assert.Equal(t, state.MessageID, got.ID)
	assert.Equal(t, "partial", got.Content.PlainText())
	assert.False(t, got.IsStreaming)
	assert.False(t, got.IsError)

	saves := env.store.Saves()
	last := saves[len(saves)-1].Conversation
	require.Len(t, last.Messages, 2)
	assert.Equal(t, "partial", last.Messages[1].Content.PlainText())
	assert.False(t, last.Messages[1].IsStreaming)

	// Nothing to cancel any more
	env.m.CancelStream()
}

func TestSendMessage_CallerContextEndsStream(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	env.script(func(ctx context.Context, req *chat.Request, h chat.Handlers) {
		h.OnChunk("half")
		cancel()
		<-ctx.Done()
	})

	require.NoError(t, env.m.SendMessage(ctx, SendRequest{Content: "Hi"}))

	got := reply(t, env.m.Active())
	assert.False(t, got.IsStreaming)
	assert.Equal(t, "half", got.Content.PlainText())
	assert.False(t, env.m.Streaming().Active)
}

func TestSendMessage_RejectsSecondStream(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	release := make(chan struct{})
	env.script(func(ctx context.Context, req *chat.Request, h chat.Handlers) {
		close(started)
		<-release
		h.OnComplete()
	})

	done := make(chan error, 1)
	go func() { done <- env.m.SendMessage(context.Background(), SendRequest{Content: "first"}) }()
	<-started

	assert.ErrorIs(t, env.m.SendMessage(context.Background(), SendRequest{Content: "second"}), ErrStreamActive)

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, env.m.Active().Messages, 2)
}

func TestSendMessage_ChunksAreDebounced(t *testing.T) {
	env := newTestEnv(t, func(o *Options, _ *Deps) { o.Debounce = 30 * time.Millisecond })
	streamed := make(chan struct{})
	release := make(chan struct{})
	env.script(func(ctx context.Context, req *chat.Request, h chat.Handlers) {
		for range 10 {
			h.OnChunk("x")
		}
		close(streamed)
		<-release
		h.OnComplete()
	})

	done := make(chan error, 1)
	go func() { done <- env.m.SendMessage(context.Background(), SendRequest{Content: "Go"}) }()
	<-streamed

	// The user turn is saved at once; ten chunks collapse into one deferred write.
	assert.Eventually(t, func() bool { return env.store.SaveCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 2, env.store.SaveCount())
	deferred := env.store.Saves()[1].Conversation
	assert.Equal(t, "xxxxxxxxxx", deferred.Messages[1].Content.PlainText())
	assert.True(t, deferred.Messages[1].IsStreaming)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 3, env.store.SaveCount())
}

func TestSendMessage_UpdatesForDeletedConversationAreDropped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.script(func(_ context.Context, req *chat.Request, h chat.Handlers) {
		h.OnChunk("a")
		// Deleting cancels the stream; later chunks must not resurrect it.
		require.NoError(t, env.m.DeleteConversation(ctx, env.m.ActiveID()))
		h.OnChunk("b")
		h.OnComplete()
	})

	require.NoError(t, env.m.SendMessage(ctx, SendRequest{Content: "Hi"}))

	assert.Empty(t, env.m.Conversations())
	assert.Equal(t, "", env.m.ActiveID())
	assert.False(t, env.m.Streaming().Active)
}
