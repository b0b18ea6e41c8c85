// ABOUTME: Identity-dependent store selection
// ABOUTME: Unauthenticated calls go to the device-local store, authenticated ones to the durable store

package store

import (
	"context"
	"errors"
)

// Router implements Store by delegating on owner: "" goes to local, anything else to durable.
type Router struct {
	local   Store
	durable Store
}

// NewRouter creates a Router. Either store may be shared with other callers;
// Close closes both.
func NewRouter(local, durable Store) *Router {
	return &Router{local: local, durable: durable}
}

func (r *Router) pick(owner string) Store {
	if owner == "" {
		return r.local
	}
	return r.durable
}

// Local returns the device-local store.
func (r *Router) Local() Store { return r.local }

// Durable returns the per-account store.
func (r *Router) Durable() Store { return r.durable }

func (r *Router) SaveConversation(ctx context.Context, owner string, conv *Conversation) error {
	return r.pick(owner).SaveConversation(ctx, owner, conv)
}

func (r *Router) LoadConversationsPage(ctx context.Context, owner string, pageSize int, cursor string) (*ConversationPage, error) {
	return r.pick(owner).LoadConversationsPage(ctx, owner, pageSize, cursor)
}

func (r *Router) LoadMessagesPage(ctx context.Context, owner, conversationID string, pageSize int, cursor string) (*MessagePage, error) {
	return r.pick(owner).LoadMessagesPage(ctx, owner, conversationID, pageSize, cursor)
}

func (r *Router) LoadConversation(ctx context.Context, owner, id string) (*Conversation, error) {
	return r.pick(owner).LoadConversation(ctx, owner, id)
}

func (r *Router) DeleteConversation(ctx context.Context, owner, id string) error {
	return r.pick(owner).DeleteConversation(ctx, owner, id)
}

// Close closes both underlying stores.
func (r *Router) Close() error {
	return errors.Join(r.local.Close(), r.durable.Close())
}
