// ABOUTME: Thread-safe TTL cache of fully-loaded conversations.
// ABOUTME: Read-through layer the conversation manager keeps over the store.

package convcache

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/store"
)

// Defaults used when New is given non-positive values.
const (
	DefaultSize = 50
	DefaultTTL  = 30 * time.Minute
)

// entry is one cached conversation snapshot and the time it was inserted.
type entry struct {
	conversation *store.Conversation
	timestamp    time.Time
	element      *list.Element
}

// Cache holds up to maxSize conversations for at most ttl each.
// The order list is kept sorted by insertion time (oldest at front), so
// both age and capacity eviction pop from the front.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background cleanup goroutine.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns a copy of the cached conversation if present and not expired.
func (c *Cache) Get(id string) (*store.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.timestamp) > c.ttl {
		c.removeLocked(e)
		return nil, false
	}
	return e.conversation.Clone(), true
}

// Put stores a snapshot of conv. Every insert first drops expired entries,
// then trims the oldest entries until the cache fits maxSize.
func (c *Cache) Put(conv *store.Conversation) {
	if conv == nil || conv.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)

	if e, exists := c.entries[conv.ID]; exists {
		e.conversation = conv.Clone()
		e.timestamp = now
		c.order.MoveToBack(e.element)
		return
	}

	elem := c.order.PushBack(conv.ID)
	c.entries[conv.ID] = &entry{
		conversation: conv.Clone(),
		timestamp:    now,
		element:      elem,
	}
	for len(c.entries) > c.maxSize {
		c.evictOldest()
	}
}

// Remove drops a conversation from the cache.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		c.removeLocked(e)
	}
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// IDs returns cached conversation ids, most recent first.
func (c *Cache) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.entries))
	for el := c.order.Back(); el != nil; el = el.Prev() {
		ids = append(ids, el.Value.(string))
	}
	return ids
}

// expireLocked pops entries older than ttl. Must be called with mu held.
func (c *Cache) expireLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e := c.entries[front.Value.(string)]
		if now.Sub(e.timestamp) <= c.ttl {
			return
		}
		c.removeLocked(e)
	}
}

// evictOldest removes the least recently inserted entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.removeLocked(c.entries[front.Value.(string)])
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, e.conversation.ID)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.expireLocked(c.now())
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
