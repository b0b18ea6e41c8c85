// ABOUTME: Title search over conversations with a background full-list load
// ABOUTME: Answers from loaded pages at once and refines when every page is in

package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/2389/coven-chat/internal/store"
)

const (
	searchPageSize    = 100
	searchLoadTimeout = 30 * time.Second
)

type searchState struct {
	query   string
	results []*store.Conversation
	all     []*store.Conversation // every summary; nil until a full load finishes
}

func (s *searchState) rename(id, title string) {
	for i, c := range s.all {
		if c.ID == id {
			next := *c
			next.Title = title
			s.all[i] = &next
		}
	}
}

func (s *searchState) remove(id string) {
	for i, c := range s.all {
		if c.ID == id {
			s.all = append(s.all[:i:i], s.all[i+1:]...)
			break
		}
	}
	for i, c := range s.results {
		if c.ID == id {
			s.results = append(s.results[:i:i], s.results[i+1:]...)
			break
		}
	}
}

// searchPoolLocked merges the loaded list with the full load, preferring the
// loaded snapshots.
func (m *Manager) searchPoolLocked() []*store.Conversation {
	pool := append([]*store.Conversation(nil), m.list...)
	if m.search.all == nil {
		return pool
	}
	seen := make(map[string]bool, len(pool))
	for _, c := range pool {
		seen[c.ID] = true
	}
	for _, c := range m.search.all {
		if !seen[c.ID] {
			pool = append(pool, c)
		}
	}
	return pool
}

// matchTitle keeps conversations whose title contains query, ignoring case.
func matchTitle(convs []*store.Conversation, query string) []*store.Conversation {
	q := strings.ToLower(query)
	var out []*store.Conversation
	for _, c := range convs {
		if strings.Contains(strings.ToLower(c.Title), q) {
			out = append(out, c)
		}
	}
	return out
}

// Search filters conversations by title. Results come from the loaded pages
// immediately; the first search also loads every page in the background and
// refreshes the results if the query is still current when that finishes.
func (m *Manager) Search(ctx context.Context, query string) []*store.Conversation {
	q := strings.TrimSpace(query)

	m.mu.Lock()
	m.search.query = q
	if q == "" {
		m.search.results = nil
		m.mu.Unlock()
		m.publish(Event{Type: EventSearchResults})
		return nil
	}
	results := matchTitle(m.searchPoolLocked(), q)
	m.search.results = results
	needFull := m.search.all == nil && !m.closed
	if needFull {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	m.publish(Event{Type: EventSearchResults})
	if needFull {
		go m.loadAllForSearch(m.owner())
	}
	return results
}

func (m *Manager) loadAllForSearch(owner string) {
	defer m.wg.Done()

	v, err, _ := m.searchGroup.Do("all:"+owner, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), searchLoadTimeout)
		defer cancel()
		return m.loadAllSummaries(ctx, owner)
	})
	if err != nil {
		m.logger.Warn("search full load failed", "error", err)
		return
	}
	all := v.([]*store.Conversation)

	m.mu.Lock()
	m.search.all = all
	q := m.search.query
	if q != "" {
		m.search.results = matchTitle(m.searchPoolLocked(), q)
	}
	m.mu.Unlock()

	m.logger.Debug("search index loaded", "conversations", len(all))
	if q != "" {
		m.publish(Event{Type: EventSearchResults})
	}
}

func (m *Manager) loadAllSummaries(ctx context.Context, owner string) ([]*store.Conversation, error) {
	all := []*store.Conversation{}
	cursor := ""
	for {
		page, err := m.store.LoadConversationsPage(ctx, owner, searchPageSize, cursor)
		if err != nil {
			return nil, fmt.Errorf("loading conversations: %w", err)
		}
		all = append(all, page.Conversations...)
		if !page.HasMore {
			return all, nil
		}
		cursor = page.Cursor
	}
}

// SearchResults returns the results of the current query.
func (m *Manager) SearchResults() []*store.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.Conversation(nil), m.search.results...)
}

// SearchQuery returns the current query, "" when not searching.
func (m *Manager) SearchQuery() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.search.query
}

// ClearSearch leaves search mode. The full load is kept for the next query.
func (m *Manager) ClearSearch() {
	m.mu.Lock()
	m.search.query = ""
	m.search.results = nil
	m.mu.Unlock()
	m.publish(Event{Type: EventSearchResults})
}
