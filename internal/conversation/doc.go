// Package conversation owns the chat client's conversation state.
//
// # Overview
//
// The Manager sits between the UI and the lower layers: the store, the
// streaming chat client and the image job poller. It holds the
// conversation list, the active conversation and the streaming state, and
// is the only writer of all three.
//
//	mgr := conversation.New(conversation.Deps{
//		Store:  router,
//		Chat:   chatClient,
//		Jobs:   jobsClient,
//		Poller: poller,
//	}, conversation.OptionsFromConfig(cfg), logger)
//	defer mgr.Close()
//
// # Snapshots
//
// Conversations handed out by the Manager are immutable snapshots. Every
// change clones the conversation, mutates the clone and replaces the list
// entry, so a snapshot held by a renderer never changes under it.
// Callbacks from streams and pollers address conversations and messages by
// id; an id that no longer resolves is logged and the update dropped.
//
// # Selection
//
// SelectConversation resolves messages from the loaded list, then the LRU
// cache (internal/convcache), then the store. A deep link outside the
// loaded pages falls back to a full load; when it does not exist a
// signed-in user is sent home. After loading, image generation messages are
// reconciled with their jobs (resume.go).
//
// # Persistence
//
// Saves go through a debounced saver: a write happens at once when forced
// or when the previous write is older than MinSaveInterval, otherwise after
// Debounce without further updates. Stream completion, errors and
// cancellation force a write.
//
// # Sending
//
// SendMessage appends the user turn and a streaming assistant placeholder,
// persists the user turn, and streams the reply. The outgoing history is
// the system prompt followed by every prior message as {role, content}.
// Errors end up in the reply as "Error: ..." text.
//
// # Events
//
// Subscribe returns a channel of Events for one conversation or, with "",
// for everything. Slow subscribers lose events rather than block the Manager.
package conversation
