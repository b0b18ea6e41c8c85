// ABOUTME: Image generation turns backed by asynchronous server jobs
// ABOUTME: Submits jobs, tracks them through the poller and turns results into attachments

package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/jobs"
	"github.com/2389/coven-chat/internal/store"
)

// materializeTimeout bounds downloading the results of one job.
const materializeTimeout = 2 * time.Minute

// ImageRequest asks for an image generated from a prompt. The first image
// attachment, if any, is the source image of an edit.
type ImageRequest struct {
	Prompt      string
	Model       string
	Size        string
	Seed        *int64
	Guidance    *float64
	Watermark   *bool
	Source      string
	ProviderID  string
	Attachments []store.Attachment
}

// GenerateImage appends the prompt and an image generation message to the
// active conversation, submits the job and starts polling it. Submission
// failures are written into the generation message.
func (m *Manager) GenerateImage(ctx context.Context, req ImageRequest) error {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}
	if m.jobs == nil {
		return errors.New("image generation is not configured")
	}
	model := req.Model
	if model == "" {
		model = m.opts.ImageModel
	}

	attachments := append([]store.Attachment(nil), req.Attachments...)
	var sourceImage string
	for i := range attachments {
		if attachments[i].IsImage() {
			attachments[i].IsEdit = true
			sourceImage = attachments[i].URL
			break
		}
	}
	params := &store.GenerationParams{
		Prompt:     prompt,
		Size:       req.Size,
		Seed:       req.Seed,
		Guidance:   req.Guidance,
		Watermark:  req.Watermark,
		Image:      sourceImage,
		Source:     req.Source,
		ProviderID: req.ProviderID,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	conv, isNew := m.beginTurnLocked("", prompt)
	now := m.now()
	user := store.Message{
		ID:          uuid.New().String(),
		Role:        store.RoleUser,
		Content:     buildContent(prompt, attachments),
		Timestamp:   now,
		Attachments: attachments,
	}
	gen := store.Message{
		ID:                uuid.New().String(),
		Role:              store.RoleAssistant,
		Content:           store.Text(""),
		Timestamp:         now,
		Model:             model,
		ModelName:         model,
		MessageType:       store.MessageTypeImageGeneration,
		Generation:        params,
		IsGeneratingImage: true,
	}
	conv.Messages = append(conv.Messages, user, gen)
	conv.Touch(now)
	switched := m.commitTurnLocked(conv, isNew)
	m.mu.Unlock()

	m.cache.Put(conv)
	m.saver.Save(m.owner(), conv, true)
	m.publish(Event{Type: EventListChanged})
	if switched {
		m.publish(Event{Type: EventSelected, ConversationID: conv.ID, Conversation: conv})
	}

	target := m.targetFor(params)
	job, err := m.jobs.CreateJob(ctx, target, jobs.CreateRequest{
		Model:     model,
		Prompt:    prompt,
		Size:      req.Size,
		Seed:      req.Seed,
		Guidance:  req.Guidance,
		Watermark: req.Watermark,
		Image:     sourceImage,
	})
	if err != nil {
		m.logger.Warn("image job submission failed", "conversation_id", conv.ID, "error", err)
		m.failImage(conv.ID, gen.ID, nil, err.Error())
		return nil
	}

	m.logger.Info("image job submitted", "conversation_id", conv.ID, "job_id", job.ID, "model", model)
	m.UpdateMessage(conv.ID, gen.ID, func(msg *store.Message) {
		msg.Job = cloneJob(job)
	}, true)

	if job.Status.IsTerminal() {
		m.completeJob(conv.ID, gen.ID, job)
		return nil
	}
	m.startPolling(conv.ID, gen.ID, job.ID, target)
	return nil
}

// targetFor rebuilds the job target from stored generation parameters
// using whoever is signed in now.
func (m *Manager) targetFor(params *store.GenerationParams) jobs.Target {
	target := jobs.Target{Identity: m.currentIdentity()}
	if params != nil {
		target.Source = params.Source
		target.ProviderID = params.ProviderID
	}
	return target
}

func cloneJob(job *store.ImageJob) *store.ImageJob {
	if job == nil {
		return nil
	}
	out := *job
	out.Result = append([]string(nil), job.Result...)
	return &out
}

// startPolling attaches the poller to a generation message. Updates are
// saved lazily; the terminal state is saved immediately.
func (m *Manager) startPolling(convID, msgID, jobID string, target jobs.Target) {
	started := m.poller.Start(jobID, target, jobs.Callbacks{
		OnUpdate: func(job *store.ImageJob) {
			m.UpdateMessage(convID, msgID, func(msg *store.Message) {
				msg.Job = cloneJob(job)
			}, false)
			m.publish(Event{Type: EventImageJobUpdated, ConversationID: convID, MessageID: msgID})
		},
		OnComplete: func(job *store.ImageJob) {
			m.completeJob(convID, msgID, job)
		},
		OnError: func(err error) {
			m.logger.Warn("image job poll failed", "conversation_id", convID, "job_id", jobID, "error", err)
		},
	})
	if started {
		m.logger.Debug("polling image job", "conversation_id", convID, "job_id", jobID)
	}
}

// completeJob handles a job that reached SUCCESS or FAILED.
func (m *Manager) completeJob(convID, msgID string, job *store.ImageJob) {
	if job.Status.IsFailure() {
		m.failImage(convID, msgID, job, failureReason(job))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), materializeTimeout)
	defer cancel()
	m.materialize(ctx, convID, msgID, job)
}

func failureReason(job *store.ImageJob) string {
	if job != nil && job.Info != "" {
		return "image generation failed: " + job.Info
	}
	return "image generation failed"
}

// failImage turns a generation message into an error message and saves it.
func (m *Manager) failImage(convID, msgID string, job *store.ImageJob, reason string) {
	m.UpdateMessage(convID, msgID, func(msg *store.Message) {
		if job != nil {
			msg.Job = cloneJob(job)
		}
		msg.IsGeneratingImage = false
		msg.IsError = true
		msg.Content = store.Text("Error: " + reason)
	}, true)
	m.publish(Event{Type: EventImageJobUpdated, ConversationID: convID, MessageID: msgID})
}

// materialize stores the results of a successful job as attachments. At
// most one materialization per message runs at a time.
func (m *Manager) materialize(ctx context.Context, convID, msgID string, job *store.ImageJob) {
	m.mu.Lock()
	if m.materializing[msgID] {
		m.mu.Unlock()
		return
	}
	m.materializing[msgID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.materializing, msgID)
		m.mu.Unlock()
	}()

	attachments, err := m.materializer.Materialize(ctx, job)
	if err != nil {
		m.logger.Error("failed to materialize image results", "conversation_id", convID, "job_id", job.ID, "error", err)
		m.failImage(convID, msgID, job, "could not store generated image: "+err.Error())
		return
	}

	m.UpdateMessage(convID, msgID, func(msg *store.Message) {
		msg.Job = cloneJob(job)
		msg.Attachments = attachments
		msg.IsGeneratingImage = false
		msg.IsError = false
	}, true)
	m.publish(Event{Type: EventImageJobUpdated, ConversationID: convID, MessageID: msgID})
}
