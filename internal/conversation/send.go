// ABOUTME: Sending a user turn and streaming the assistant reply into the conversation
// ABOUTME: Builds the outgoing history, wires stream handlers and handles cancellation

package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/store"
)

// SendRequest is one user turn.
type SendRequest struct {
	Content     string
	Model       string // defaults to the conversation's model
	Source      string // provider source tag, "" for the managed backend
	ProviderID  string
	Attachments []store.Attachment
}

// buildContent turns text and attachments into message content. With
// attachments the content is structured: a text part followed by one image
// part per image attachment.
func buildContent(text string, attachments []store.Attachment) store.Content {
	if len(attachments) == 0 {
		return store.Text(text)
	}
	parts := []store.ContentPart{{Type: store.PartText, Text: text}}
	for _, a := range attachments {
		if !a.IsImage() {
			continue
		}
		parts = append(parts, store.ContentPart{
			Type:     store.PartImageURL,
			ImageURL: &store.ImageURL{URL: a.URL, Detail: "auto", Format: a.MimeType},
		})
	}
	return store.Parts(parts...)
}

// systemPrompt joins the default and the user's custom instructions.
func (m *Manager) systemPrompt() string {
	prompt := strings.TrimSpace(m.opts.SystemPrompt)
	if custom := strings.TrimSpace(m.opts.CustomPrompt); custom != "" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += custom
	}
	return prompt
}

// history reduces prior messages to the {role, content} pairs sent upstream.
func (m *Manager) history(prior []store.Message) []chat.WireMessage {
	out := make([]chat.WireMessage, 0, len(prior)+2)
	if prompt := m.systemPrompt(); prompt != "" {
		out = append(out, chat.WireMessage{Role: store.RoleSystem, Content: store.Text(prompt)})
	}
	for _, msg := range prior {
		out = append(out, chat.WireMessage{Role: msg.Role, Content: msg.Content})
	}
	return out
}

// beginTurnLocked returns a working copy of the active conversation, or a
// fresh one when nothing usable is active. A fresh untitled conversation is
// titled from titleText.
func (m *Manager) beginTurnLocked(model, titleText string) (*store.Conversation, bool) {
	var conv *store.Conversation
	isNew := false
	if _, active := m.findLocked(m.activeID); active != nil {
		conv = active.Clone()
	} else {
		conv = m.newConversation("", model)
		isNew = true
	}
	if len(conv.Messages) == 0 && isUntitled(conv.Title) && titleText != "" {
		conv.Title = SmartTitle(titleText, DefaultTitleLength)
	}
	return conv, isNew
}

// commitTurnLocked publishes the working copy and makes it active. New
// conversations go to the front of the list; existing ones stay in place.
func (m *Manager) commitTurnLocked(conv *store.Conversation, isNew bool) (switched bool) {
	if isNew {
		m.moveToFrontLocked(conv)
	} else {
		m.putLocked(conv)
	}
	m.hydrated[conv.ID] = true
	switched = m.activeID != conv.ID
	if switched {
		m.activeID = conv.ID
	}
	return switched
}

// SendMessage appends the user turn and an assistant placeholder, then
// streams the reply into the placeholder. It blocks until the stream ends.
// Stream failures are written into the reply rather than returned.
func (m *Manager) SendMessage(ctx context.Context, req SendRequest) error {
	text := strings.TrimSpace(req.Content)
	if text == "" && len(req.Attachments) == 0 {
		return nil
	}
	content := buildContent(text, req.Attachments)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.stream.Active {
		m.mu.Unlock()
		return ErrStreamActive
	}

	conv, isNew := m.beginTurnLocked(req.Model, text)
	model := req.Model
	if model == "" {
		model = conv.Model
	}

	prior := m.history(conv.Messages)
	now := m.now()
	user := store.Message{
		ID:          uuid.New().String(),
		Role:        store.RoleUser,
		Content:     content,
		Timestamp:   now,
		Attachments: append([]store.Attachment(nil), req.Attachments...),
	}
	reply := store.Message{
		ID:          uuid.New().String(),
		Role:        store.RoleAssistant,
		Content:     store.Text(""),
		Timestamp:   now,
		Model:       model,
		ModelName:   model,
		IsStreaming: true,
	}
	conv.Messages = append(conv.Messages, user, reply)
	conv.Touch(now)
	switched := m.commitTurnLocked(conv, isNew)

	// The handle exists before the request starts so a cancel can never miss it.
	streamCtx, cancel := context.WithCancel(ctx)
	m.stream = streamState{
		StreamingState: StreamingState{Active: true, ConversationID: conv.ID, MessageID: reply.ID},
		cancel:         cancel,
	}
	m.mu.Unlock()

	owner := m.owner()
	m.cache.Put(conv)

	// Persist the user turn only; the reply is saved as it streams.
	persisted := conv.Clone()
	persisted.Messages = persisted.Messages[:len(persisted.Messages)-1]
	m.saver.Save(owner, persisted, true)

	m.publish(Event{Type: EventListChanged})
	if switched {
		m.publish(Event{Type: EventSelected, ConversationID: conv.ID, Conversation: conv})
	}
	m.publish(Event{Type: EventStreamStarted, ConversationID: conv.ID, MessageID: reply.ID, Conversation: conv})

	m.logger.Info("sending message",
		"conversation_id", conv.ID,
		"model", model,
		"source", req.Source,
		"history", len(prior)+1,
		"attachments", len(req.Attachments))

	chatReq := &chat.Request{
		Model:      model,
		Messages:   append(prior, chat.WireMessage{Role: store.RoleUser, Content: content}),
		Identity:   m.currentIdentity(),
		Source:     req.Source,
		ProviderID: req.ProviderID,
	}
	m.safeSend(streamCtx, chatReq, m.replyHandlers(conv.ID, reply.ID))

	// Neither handler ran: the caller's context ended the stream.
	if m.endStream(reply.ID) {
		m.markStopped(conv.ID, reply.ID)
	}
	return nil
}

// replyHandlers accumulate stream output into one reply message.
func (m *Manager) replyHandlers(convID, msgID string) chat.Handlers {
	var content, reasoning strings.Builder
	done := false

	return chat.Handlers{
		OnChunk: func(delta string) {
			if done {
				return
			}
			content.WriteString(delta)
			text := content.String()
			hadReasoning := reasoning.Len() > 0
			m.UpdateMessage(convID, msgID, func(msg *store.Message) {
				msg.Content = store.Text(text)
				if hadReasoning {
					msg.ReasoningComplete = true
				}
			}, false)
		},
		OnReasoningChunk: func(delta string) {
			if done {
				return
			}
			reasoning.WriteString(delta)
			trace := reasoning.String()
			m.UpdateMessage(convID, msgID, func(msg *store.Message) {
				msg.Reasoning = trace
			}, false)
		},
		OnComplete: func() {
			if done {
				return
			}
			done = true
			m.UpdateMessage(convID, msgID, func(msg *store.Message) {
				msg.IsStreaming = false
				msg.ReasoningComplete = true
			}, true)
			m.endStream(msgID)
			m.logger.Debug("stream completed", "conversation_id", convID, "message_id", msgID)
		},
		OnError: func(err error) {
			if done {
				return
			}
			done = true
			m.logger.Warn("stream failed", "conversation_id", convID, "message_id", msgID, "error", err)
			m.UpdateMessage(convID, msgID, func(msg *store.Message) {
				msg.Content = store.Text("Error: " + err.Error())
				msg.IsError = true
				msg.IsStreaming = false
				msg.ReasoningComplete = true
			}, true)
			m.endStream(msgID)
		},
	}
}

// safeSend treats a panicking sender like a failed stream.
func (m *Manager) safeSend(ctx context.Context, req *chat.Request, h chat.Handlers) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("chat sender panicked", "panic", r)
			h.OnError(fmt.Errorf("sending message: %v", r))
		}
	}()
	m.chat.Send(ctx, req, h)
}

// endStream clears the streaming state if it still belongs to msgID and
// reports whether it did.
func (m *Manager) endStream(msgID string) bool {
	m.mu.Lock()
	st := m.stream
	if !st.Active || st.MessageID != msgID {
		m.mu.Unlock()
		return false
	}
	m.stream = streamState{}
	m.mu.Unlock()

	st.cancel()
	m.publish(Event{Type: EventStreamEnded, ConversationID: st.ConversationID, MessageID: msgID})
	return true
}

// markStopped finalizes a reply whose stream ended without a terminal callback.
func (m *Manager) markStopped(convID, msgID string) {
	m.UpdateMessage(convID, msgID, func(msg *store.Message) {
		msg.IsStreaming = false
		if msg.Reasoning != "" {
			msg.ReasoningComplete = true
		}
	}, true)
}

// CancelStream stops the active response. The partial reply is kept, marked
// as no longer streaming, and saved immediately.
func (m *Manager) CancelStream() {
	m.mu.Lock()
	st := m.stream
	m.mu.Unlock()
	if !st.Active {
		return
	}
	if !m.endStream(st.MessageID) {
		return
	}
	m.logger.Info("stream cancelled", "conversation_id", st.ConversationID, "message_id", st.MessageID)
	m.markStopped(st.ConversationID, st.MessageID)
}
