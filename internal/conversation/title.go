// ABOUTME: Derives a short conversation title from the first user message
// ABOUTME: Prefers word and sentence boundaries over hard truncation

package conversation

import (
	"strings"
	"unicode"
)

// DefaultTitleLength is the title budget used when sending a first message.
const DefaultTitleLength = 50

// SmartTitle shortens text to at most maxLength runes (plus an ellipsis),
// cutting at the most natural boundary it can find:
//
//  1. a word boundary in the last 40% of the budget
//  2. the first word boundary just past the budget (up to 10 runes over)
//  3. sentence punctuation in the last 30% of the budget, kept, followed by ".."
//  4. a word boundary in the last 60% of the budget
//  5. a hard cut at the budget
//
// Whitespace runs collapse to one space. Text that already fits is returned as is.
func SmartTitle(text string, maxLength int) string {
	clean := strings.Join(strings.FieldsFunc(text, unicode.IsSpace), " ")
	runes := []rune(clean)
	if maxLength <= 0 || len(runes) <= maxLength {
		return clean
	}

	if i := lastSpace(runes, maxLength); i >= 0 && float64(i) >= 0.6*float64(maxLength) {
		return string(runes[:i]) + "..."
	}

	for i := maxLength; i < len(runes) && i <= maxLength+10; i++ {
		if runes[i] == ' ' {
			return string(runes[:i]) + "..."
		}
	}

	floor := int(0.7 * float64(maxLength))
	for i := maxLength - 1; i >= floor; i-- {
		switch runes[i] {
		case '.', '!', '?':
			return string(runes[:i+1]) + ".."
		}
	}

	if i := lastSpace(runes, maxLength); i >= 0 && float64(i) >= 0.4*float64(maxLength) {
		return string(runes[:i]) + "..."
	}

	return string(runes[:maxLength]) + "..."
}

// lastSpace returns the index of the last space at or before limit, or -1.
func lastSpace(runes []rune, limit int) int {
	if limit >= len(runes) {
		limit = len(runes) - 1
	}
	for i := limit; i >= 0; i-- {
		if runes[i] == ' ' {
			return i
		}
	}
	return -1
}
