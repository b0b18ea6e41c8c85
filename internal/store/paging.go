// ABOUTME: In-memory pagination shared by stores that hold whole conversation records
// ABOUTME: Mirrors the SQLite ordering: updated_at desc for lists, (timestamp, role) for messages

package store

import "sort"

// pageConversations sorts all by recency and returns the page after cursor.
func pageConversations(all []*Conversation, pageSize int, cursor string) (*ConversationPage, error) {
	pageSize = clampPageSize(pageSize, defaultConversationPageSize)
	var after *conversationCursor
	if cursor != "" {
		c, err := decodeConversationCursor(cursor)
		if err != nil {
			return nil, err
		}
		after = &c
	}

	sorted := append([]*Conversation(nil), all...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].UpdatedAt.UnixMilli(), sorted[j].UpdatedAt.UnixMilli()
		if a != b {
			return a > b
		}
		return sorted[i].ID > sorted[j].ID
	})

	page := &ConversationPage{Conversations: []*Conversation{}}
	for _, conv := range sorted {
		ms := conv.UpdatedAt.UnixMilli()
		if after != nil && !(ms < after.UpdatedMs || (ms == after.UpdatedMs && conv.ID < after.ID)) {
			continue
		}
		if len(page.Conversations) == pageSize {
			page.HasMore = true
			break
		}
		page.Conversations = append(page.Conversations, conv.Summary())
	}
	if page.HasMore {
		last := page.Conversations[len(page.Conversations)-1]
		page.Cursor = conversationCursor{UpdatedMs: last.UpdatedAt.UnixMilli(), ID: last.ID}.encode()
	}
	return page, nil
}

// pageMessages returns the newest pageSize messages strictly older than cursor.
// msgs must already be sorted with SortMessages.
func pageMessages(msgs []Message, pageSize int, cursor string) (*MessagePage, error) {
	pageSize = clampPageSize(pageSize, defaultMessagePageSize)

	end := len(msgs)
	if cursor != "" {
		c, err := decodeMessageCursor(cursor)
		if err != nil {
			return nil, err
		}
		end = 0
		for i, m := range msgs {
			if c.before(m.Timestamp.UnixMilli(), m.Role.rank(), i) {
				end = i + 1
			}
		}
	}

	start := end - pageSize
	page := &MessagePage{}
	if start > 0 {
		page.HasMore = true
		oldest := msgs[start]
		page.Cursor = messageCursor{
			TimestampMs: oldest.Timestamp.UnixMilli(),
			Rank:        oldest.Role.rank(),
			Position:    start,
		}.encode()
	} else {
		start = 0
	}
	page.Messages = make([]Message, 0, end-start)
	for _, m := range msgs[start:end] {
		page.Messages = append(page.Messages, m.Clone())
	}
	return page, nil
}
