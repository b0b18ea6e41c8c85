// ABOUTME: Message content that is either plain text or a sequence of typed parts
// ABOUTME: Encodes to JSON as a string or an array, matching chat-completion wire shapes

package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ContentPartType names the kind of a structured content part
type ContentPartType string

const (
	PartText     ContentPartType = "text"
	PartImageURL ContentPartType = "image_url"
)

// ImageURL references an image by URL
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"` // "auto", "low", "high"
	Format string `json:"format,omitempty"` // mime type hint
}

// ContentPart is one element of structured content
type ContentPart struct {
	Type     ContentPartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *ImageURL       `json:"image_url,omitempty"`
}

// Content is plain text unless Parts is non-nil.
type Content struct {
	Text  string
	Parts []ContentPart
}

// Text builds plain content.
func Text(s string) Content {
	return Content{Text: s}
}

// Parts builds structured content.
func Parts(parts ...ContentPart) Content {
	if parts == nil {
		parts = []ContentPart{}
	}
	return Content{Parts: parts}
}

// IsStructured reports whether the content is a part list.
func (c Content) IsStructured() bool {
	return c.Parts != nil
}

// PlainText returns the text of plain content, or the text parts joined by newlines.
func (c Content) PlainText() string {
	if !c.IsStructured() {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// IsEmpty reports whether there is neither text nor any part.
func (c Content) IsEmpty() bool {
	if c.IsStructured() {
		return len(c.Parts) == 0
	}
	return c.Text == ""
}

// Clone deep-copies the part list.
func (c Content) Clone() Content {
	if c.Parts == nil {
		return c
	}
	out := Content{Parts: make([]ContentPart, len(c.Parts))}
	for i, p := range c.Parts {
		out.Parts[i] = p
		if p.ImageURL != nil {
			img := *p.ImageURL
			out.Parts[i].ImageURL = &img
		}
	}
	return out
}

// MarshalJSON encodes plain content as a JSON string and structured content as an array.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsStructured() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts either a JSON string or an array of parts.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = Content{}
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case '[':
		var parts []ContentPart
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return err
		}
		*c = Parts(parts...)
		return nil
	default:
		return fmt.Errorf("content must be a string or an array, got %q", trimmed[:1])
	}
}
