// ABOUTME: Reconciles image generation messages with their jobs when a conversation opens
// ABOUTME: Resumes polling, finishes interrupted downloads and repairs stale flags

package conversation

import (
	"context"

	"github.com/2389/coven-chat/internal/store"
)

// resumeAction is what a generation message needs when its conversation is opened.
type resumeAction int

const (
	resumeNone resumeAction = iota
	resumePolling
	resumeMaterialize
	resumeClearFlag
	resumeFail
)

// classifyResume decides the action for one message. Only FAILED counts as
// a failure; other statuses outside the known set are left alone.
func classifyResume(msg *store.Message) resumeAction {
	if !msg.IsImageGeneration() || msg.Job == nil {
		return resumeNone
	}
	job := msg.Job
	hasAttachment := len(msg.Attachments) > 0
	switch {
	case job.Status.IsInFlight():
		return resumePolling
	case job.Status == store.JobStatusSuccess && !hasAttachment && len(job.Result) > 0:
		return resumeMaterialize
	case job.Status == store.JobStatusSuccess && hasAttachment && msg.IsGeneratingImage:
		return resumeClearFlag
	case job.Status.IsFailure() && !hasAttachment && (msg.IsGeneratingImage || !msg.IsError):
		return resumeFail
	}
	return resumeNone
}

// resumeJobs scans the conversation for generation messages whose job state
// was left behind by a reload or a navigation.
func (m *Manager) resumeJobs(ctx context.Context, convID string) {
	m.mu.Lock()
	_, conv := m.findLocked(convID)
	m.mu.Unlock()
	if conv == nil {
		return
	}

	for i := range conv.Messages {
		msg := &conv.Messages[i]
		switch classifyResume(msg) {
		case resumePolling:
			if m.poller.IsPolling(msg.Job.ID) {
				continue
			}
			m.logger.Info("resuming image job", "conversation_id", convID, "job_id", msg.Job.ID, "status", msg.Job.Status)
			m.startPolling(convID, msg.ID, msg.Job.ID, m.targetFor(msg.Generation))
		case resumeMaterialize:
			m.logger.Info("materializing finished image job", "conversation_id", convID, "job_id", msg.Job.ID)
			m.materialize(ctx, convID, msg.ID, msg.Job)
		case resumeClearFlag:
			m.UpdateMessage(convID, msg.ID, func(msg *store.Message) {
				msg.IsGeneratingImage = false
			}, true)
		case resumeFail:
			m.failImage(convID, msg.ID, nil, failureReason(msg.Job))
		}
	}
}
