// ABOUTME: Store interface and data types for coven-chat persistence
// ABOUTME: Defines Conversation, Message, ImageJob and the paginated ConversationStore contract

package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidCursor is returned when a pagination cursor cannot be decoded
var ErrInvalidCursor = errors.New("invalid cursor")

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// rank orders roles that share a timestamp: user before assistant.
func (r Role) rank() int {
	switch r {
	case RoleSystem:
		return 0
	case RoleUser:
		return 1
	case RoleAssistant:
		return 2
	default:
		return 3
	}
}

// Provenance tells whether a conversation's model comes from the managed
// catalog or from a user-supplied key.
type Provenance string

const (
	ProvenanceServer Provenance = "server"
	ProvenanceBYOK   Provenance = "byok"
)

// MessageType discriminates special message kinds. The zero value is a regular chat message.
type MessageType string

const (
	MessageTypeChat            MessageType = ""
	MessageTypeImageGeneration MessageType = "image_generation"
)

// JobStatus is the lifecycle state of an asynchronous generation job
type JobStatus string

const (
	JobStatusCreated JobStatus = "CREATED"
	JobStatusWaiting JobStatus = "WAITING"
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusSuccess JobStatus = "SUCCESS"
	JobStatusFailed  JobStatus = "FAILED"
)

// IsInFlight reports whether the job may still change state.
func (s JobStatus) IsInFlight() bool {
	return s == JobStatusCreated || s == JobStatusWaiting || s == JobStatusRunning
}

// IsFailure is the single terminal-failure predicate: only FAILED counts.
// Unknown statuses are neither in flight nor failed and are left alone.
func (s JobStatus) IsFailure() bool {
	return s == JobStatusFailed
}

// IsTerminal reports whether the job has reached SUCCESS or FAILED.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s.IsFailure()
}

// ImageJob is the embedded record of a server-tracked image generation job
type ImageJob struct {
	ID      string    `json:"id"`
	Model   string    `json:"model"`
	Created time.Time `json:"created"`
	Status  JobStatus `json:"status"`
	Result  []string  `json:"result,omitempty"` // result URLs
	Info    string    `json:"info,omitempty"`   // diagnostic payload as returned by the backend
}

// GenerationParams are the inputs that produced an image generation message
type GenerationParams struct {
	Prompt    string   `json:"prompt"`
	Size      string   `json:"size,omitempty"`
	Seed      *int64   `json:"seed,omitempty"`
	Guidance  *float64 `json:"guidance,omitempty"`
	Watermark *bool    `json:"watermark,omitempty"`
	Image     string   `json:"image,omitempty"` // source image for edits

	// Where the job was submitted, so polling can resume after a reload.
	Source     string `json:"source,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
}

// Attachment is a file associated with a message
type Attachment struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"` // "image", "file"
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	IsEdit   bool   `json:"is_edit,omitempty"` // attachment is the source of an image edit
}

// IsImage reports whether the attachment should be sent as an image part.
func (a Attachment) IsImage() bool {
	if a.Kind == "image" {
		return true
	}
	return len(a.MimeType) > 6 && a.MimeType[:6] == "image/"
}

// Message is a single entry in a conversation
type Message struct {
	ID                string            `json:"id"`
	Role              Role              `json:"role"`
	Content           Content           `json:"content"`
	Timestamp         time.Time         `json:"timestamp"`
	Model             string            `json:"model,omitempty"`
	ModelName         string            `json:"model_name,omitempty"`
	IsStreaming       bool              `json:"is_streaming,omitempty"`
	IsError           bool              `json:"is_error,omitempty"`
	Reasoning         string            `json:"reasoning,omitempty"`
	ReasoningComplete bool              `json:"reasoning_complete,omitempty"`
	Attachments       []Attachment      `json:"attachments,omitempty"`
	MessageType       MessageType       `json:"message_type,omitempty"`
	Job               *ImageJob         `json:"job,omitempty"`
	Generation        *GenerationParams `json:"generation,omitempty"`
	IsGeneratingImage bool              `json:"is_generating_image,omitempty"`
}

// IsImageGeneration reports whether the message was produced by an image generation request.
func (m *Message) IsImageGeneration() bool {
	return m.MessageType == MessageTypeImageGeneration
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	out.Content = m.Content.Clone()
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Job != nil {
		job := *m.Job
		job.Result = append([]string(nil), m.Job.Result...)
		out.Job = &job
	}
	if m.Generation != nil {
		gen := *m.Generation
		out.Generation = &gen
	}
	return out
}

// Conversation is a titled, ordered list of messages bound to a model
type Conversation struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Messages   []Message  `json:"messages"`
	Model      string     `json:"model"`
	Provenance Provenance `json:"provenance"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate it without touching a published snapshot.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	return &out
}

// Summary returns a copy without messages, the shape list pages return.
func (c *Conversation) Summary() *Conversation {
	out := *c
	out.Messages = []Message{}
	return &out
}

// Touch bumps UpdatedAt, keeping UpdatedAt >= CreatedAt.
func (c *Conversation) Touch(now time.Time) {
	if now.Before(c.CreatedAt) {
		now = c.CreatedAt
	}
	c.UpdatedAt = now
}

// FindMessage returns the index of the message with the given id, or -1.
func (c *Conversation) FindMessage(id string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// SortMessages orders messages chronologically, ties broken user-before-assistant.
// The sort is stable so equal keys keep their append order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return messageLess(&msgs[i], &msgs[j])
	})
}

func messageLess(a, b *Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Role.rank() < b.Role.rank()
}

// MergeMessages overlays incoming onto existing by message id and returns
// the sorted union. Messages only present in existing are kept.
func MergeMessages(existing, incoming []Message) []Message {
	index := make(map[string]int, len(existing))
	out := make([]Message, 0, len(existing)+len(incoming))
	for _, m := range existing {
		index[m.ID] = len(out)
		out = append(out, m)
	}
	for _, m := range incoming {
		if i, ok := index[m.ID]; ok {
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	SortMessages(out)
	return out
}

// ConversationPage is one page of conversation summaries, most recently updated first.
type ConversationPage struct {
	Conversations []*Conversation // messages are always empty
	HasMore       bool
	Cursor        string // opaque, pass back to fetch the next page
}

// MessagePage is one page of messages in chronological order.
// The first page holds the most recent messages; later pages walk strictly older.
type MessagePage struct {
	Messages []Message
	HasMore  bool
	Cursor   string
}

// Store is the conversation persistence contract. The owner is the
// authenticated account id, or "" for the unauthenticated device.
//
// SaveConversation upserts metadata and merges messages by id; it never
// removes a stored message.
type Store interface {
	SaveConversation(ctx context.Context, owner string, conv *Conversation) error
	LoadConversationsPage(ctx context.Context, owner string, pageSize int, cursor string) (*ConversationPage, error)
	LoadMessagesPage(ctx context.Context, owner, conversationID string, pageSize int, cursor string) (*MessagePage, error)
	LoadConversation(ctx context.Context, owner, id string) (*Conversation, error)
	DeleteConversation(ctx context.Context, owner, id string) error

	// Close releases any resources held by the store
	Close() error
}

// clampPageSize applies the default and the upper bound shared by all stores.
func clampPageSize(n, def int) int {
	if n <= 0 {
		return def
	}
	if n > 500 {
		return 500
	}
	return n
}

const (
	defaultConversationPageSize = 20
	defaultMessagePageSize      = 100
)
