// ABOUTME: In-memory fan-out of manager state changes to UI subscribers
// ABOUTME: Subscribers watch one conversation id, or "" to receive every event

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// allConversations is the subscription key that receives every event.
	allConversations = ""
)

// EventType names a manager state change.
type EventType string

const (
	EventListChanged     EventType = "list_changed"
	EventSelected        EventType = "selected"
	EventUpdated         EventType = "conversation_updated"
	EventMessageUpdated  EventType = "message_updated"
	EventStreamStarted   EventType = "stream_started"
	EventStreamEnded     EventType = "stream_ended"
	EventSearchResults   EventType = "search_results"
	EventDeleted         EventType = "deleted"
	EventLoadingChanged  EventType = "loading_changed"
	EventImageJobUpdated EventType = "image_job_updated"
)

// Event is a snapshot notification. Conversation, when set, is an immutable
// snapshot and must not be modified by receivers.
type Event struct {
	Type           EventType
	ConversationID string
	MessageID      string
	Conversation   *store.Conversation
}

// EventBroadcaster provides in-memory pub/sub for manager events.
// Publishing never blocks the manager: events are dropped for slow subscribers.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // conversationID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on one conversation, or on all
// of them when conversationID is "". The subscription is cleaned up when ctx
// is cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan Event)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "conversation_id", conversationID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Publish delivers an event to the subscribers of its conversation and to
// the catch-all subscribers.
func (b *EventBroadcaster) Publish(event Event) {
	b.mu.RLock()
	var targets []chan Event
	for _, ch := range b.subscribers[allConversations] {
		targets = append(targets, ch)
	}
	if event.ConversationID != allConversations {
		for _, ch := range b.subscribers[event.ConversationID] {
			targets = append(targets, ch)
		}
	}

	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"conversation_id", event.ConversationID,
				"type", event.Type)
		}
	}
	b.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed", "conversation_id", conversationID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
