// ABOUTME: Opaque pagination cursors shared by the SQLite and bbolt stores
// ABOUTME: Encodes a sort key (unix millis, tiebreakers) as base64 text

package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// conversationCursor points at the last conversation of a page (updated_at desc, id desc).
type conversationCursor struct {
	UpdatedMs int64
	ID        string
}

func (c conversationCursor) encode() string {
	data := fmt.Sprintf("%d|%s", c.UpdatedMs, c.ID)
	return base64.StdEncoding.EncodeToString([]byte(data))
}

func decodeConversationCursor(cursor string) (conversationCursor, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return conversationCursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return conversationCursor{}, fmt.Errorf("%w: expected updated|id", ErrInvalidCursor)
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return conversationCursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return conversationCursor{UpdatedMs: ms, ID: parts[1]}, nil
}

// messageCursor points at the oldest message of a page.
// Order key is (timestamp, role rank, position) ascending.
type messageCursor struct {
	TimestampMs int64
	Rank        int
	Position    int
}

func (c messageCursor) encode() string {
	data := fmt.Sprintf("%d|%d|%d", c.TimestampMs, c.Rank, c.Position)
	return base64.StdEncoding.EncodeToString([]byte(data))
}

// before reports whether the key (ts, rank, pos) sorts strictly before the cursor.
func (c messageCursor) before(ts int64, rank, pos int) bool {
	if ts != c.TimestampMs {
		return ts < c.TimestampMs
	}
	if rank != c.Rank {
		return rank < c.Rank
	}
	return pos < c.Position
}

func decodeMessageCursor(cursor string) (messageCursor, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return messageCursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	parts := strings.Split(string(decoded), "|")
	if len(parts) != 3 {
		return messageCursor{}, fmt.Errorf("%w: expected ts|rank|pos", ErrInvalidCursor)
	}
	var nums [3]int64
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return messageCursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		nums[i] = n
	}
	return messageCursor{TimestampMs: nums[0], Rank: int(nums[1]), Position: int(nums[2])}, nil
}
