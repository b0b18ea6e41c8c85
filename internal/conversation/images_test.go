// ABOUTME: Tests for image generation turns, job resumption and the stuck image watchdog
// ABOUTME: Uses the fake poller for control and the real poller for one end-to-end run

package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/jobs"
	"github.com/2389/coven-chat/internal/store"
)

// seedGeneration stores conversation id holding a prompt and the given generation message.
func seedGeneration(env *testEnv, id string, gen store.Message) {
	conv := seedConversation(env, id, 1, baseTime)
	gen.Role = store.RoleAssistant
	gen.MessageType = store.MessageTypeImageGeneration
	gen.Timestamp = baseTime.Add(time.Minute)
	if gen.Generation == nil {
		gen.Generation = &store.GenerationParams{Prompt: "a cat"}
	}
	conv.Messages = append(conv.Messages, gen)
	env.store.Put(testOwner, conv)
}

func generationMessage(t *testing.T, conv *store.Conversation, id string) store.Message {
	t.Helper()
	require.NotNil(t, conv)
	for _, msg := range conv.Messages {
		if msg.ID == id {
			return msg
		}
	}
	t.Fatalf("message %s not found in %v", id, messageIDs(conv))
	return store.Message{}
}

func TestClassifyResume(t *testing.T) {
	att := []store.Attachment{{ID: "a", Kind: "image", URL: "https://cdn.example/a.png"}}
	job := func(status store.JobStatus, result ...string) *store.ImageJob {
		return &store.ImageJob{ID: "j", Status: status, Result: result}
	}

	tests := []struct {
		name string
		msg  store.Message
		want resumeAction
	}{
		{"plain message", store.Message{Role: store.RoleAssistant}, resumeNone},
		{"generation without job", store.Message{MessageType: store.MessageTypeImageGeneration, IsGeneratingImage: true}, resumeNone},
		{"created", store.Message{MessageType: store.MessageTypeImageGeneration, Job: job(store.JobStatusCreated)}, resumePolling},
		{"waiting", store.Message{MessageType: store.MessageTypeImageGeneration, Job: job(store.JobStatusWaiting)}, resumePolling},
		{"running", store.Message{MessageType: store.MessageTypeImageGeneration, Job: job(store.JobStatusRunning)}, resumePolling},
		{"success without attachment", store.Message{MessageType: store.MessageTypeImageGeneration, Job: job(store.JobStatusSuccess, "u")}, resumeMaterialize},
		{"success without result", store.Message{MessageType: store.MessageTypeImageGeneration, Job: job(store.JobStatusSuccess)}, resumeNone},
		{"success with stale flag", store.Message{MessageType: store.MessageTypeImageGeneration, Job: job(store.JobStatusSuccess, "u"), Attachments: att, IsGeneratingImage: true}, resumeClearFlag},
		{"success done", store.Message{MessageType: store.MessageTypeImageGeneration, Job: job(store.JobStatusSuccess, "u"), Attachments: att}, resumeNone},
		{"failed unmarked", store.Message{MessageType: store.MessageTypeImageGeneration, Job: job(store.JobStatusFailed)}, resumeFail},
		{"failed still generating", store.Message{MessageType: store.MessageTypeImageGeneration, Job: job(store.JobStatusFailed), IsGeneratingImage: true, IsError: true}, resumeFail},
		{"failed already shown", store.Message{MessageType: store.MessageTypeImageGeneration, Job: job(store.JobStatusFailed), IsError: true}, resumeNone},
		{"unknown status", store.Message{MessageType: store.MessageTypeImageGeneration, Job: job("CANCELLED")}, resumeNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyResume(&tt.msg))
		})
	}
}

func TestResume_InFlightJobPollsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedGeneration(env, "c1", store.Message{
		ID:                "g1",
		IsGeneratingImage: true,
		Job:               &store.ImageJob{ID: "job-9", Status: store.JobStatusRunning},
	})
	require.NoError(t, env.m.LoadConversations(ctx))

	require.NoError(t, env.m.SelectConversation(ctx, "c1"))
	require.NoError(t, env.m.SelectConversation(ctx, "c1"))
	assert.Equal(t, []string{"job-9"}, env.poller.Starts())

	env.poller.finish(t, &store.ImageJob{ID: "job-9", Status: store.JobStatusSuccess, Result: []string{"https://cdn.example/out.png"}})

	got := generationMessage(t, env.m.Active(), "g1")
	assert.False(t, got.IsGeneratingImage)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "https://cdn.example/out.png", got.Attachments[0].URL)
	assert.Equal(t, store.JobStatusSuccess, got.Job.Status)
}

func TestResume_SuccessWithAttachmentOnlyClearsFlag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedGeneration(env, "c1", store.Message{
		ID:                "g1",
		IsGeneratingImage: true,
		Attachments:       []store.Attachment{{ID: "a", Kind: "image", URL: "https://cdn.example/a.png"}},
		Job:               &store.ImageJob{ID: "job-9", Status: store.JobStatusSuccess, Result: []string{"https://cdn.example/a.png"}},
	})
	require.NoError(t, env.m.LoadConversations(ctx))

	require.NoError(t, env.m.SelectConversation(ctx, "c1"))

	got := generationMessage(t, env.m.Active(), "g1")
	assert.False(t, got.IsGeneratingImage)
	assert.Zero(t, env.mat.Calls())
	assert.Empty(t, env.poller.Starts())
	require.Len(t, env.store.SavesFor("c1"), 1)
}

func TestResume_SuccessWithoutAttachmentMaterializes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedGeneration(env, "c1", store.Message{
		ID:                "g1",
		IsGeneratingImage: true,
		Job:               &store.ImageJob{ID: "job-9", Status: store.JobStatusSuccess, Result: []string{"https://cdn.example/a.png", "https://cdn.example/b.png"}},
	})
	require.NoError(t, env.m.LoadConversations(ctx))

	require.NoError(t, env.m.SelectConversation(ctx, "c1"))

	assert.Equal(t, 1, env.mat.Calls())
	got := generationMessage(t, env.m.Active(), "g1")
	assert.Len(t, got.Attachments, 2)
	assert.False(t, got.IsGeneratingImage)
	assert.False(t, got.IsError)
}

func TestResume_FailedJobBecomesError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedGeneration(env, "c1", store.Message{
		ID:                "g1",
		IsGeneratingImage: true,
		Job:               &store.ImageJob{ID: "job-9", Status: store.JobStatusFailed, Info: "nsfw"},
	})
	require.NoError(t, env.m.LoadConversations(ctx))

	require.NoError(t, env.m.SelectConversation(ctx, "c1"))

	got := generationMessage(t, env.m.Active(), "g1")
	assert.True(t, got.IsError)
	assert.False(t, got.IsGeneratingImage)
	assert.Equal(t, "Error: image generation failed: nsfw", got.Content.PlainText())
	assert.Empty(t, env.poller.Starts())
}

func TestGenerateImage_PollsUntilSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.m.GenerateImage(ctx, ImageRequest{Prompt: "a red fox", Size: "1024x1024"}))

	conv := env.m.Active()
	require.NotNil(t, conv)
	assert.Equal(t, "a red fox", conv.Title)
	require.Len(t, conv.Messages, 2)
	gen := conv.Messages[1]
	assert.True(t, gen.IsImageGeneration())
	assert.True(t, gen.IsGeneratingImage)
	assert.Equal(t, "flux", gen.Model)
	require.NotNil(t, gen.Job)
	assert.Equal(t, "job-1", gen.Job.ID)
	require.NotNil(t, gen.Generation)
	assert.Equal(t, "1024x1024", gen.Generation.Size)

	require.Len(t, env.jobs.reqs, 1)
	assert.Equal(t, "flux", env.jobs.reqs[0].Model)
	assert.Equal(t, []string{"job-1"}, env.poller.Starts())

	env.poller.finish(t, &store.ImageJob{ID: "job-1", Status: store.JobStatusSuccess, Result: []string{"https://cdn.example/fox.png"}})

	got := generationMessage(t, env.m.Active(), gen.ID)
	assert.False(t, got.IsGeneratingImage)
	require.Len(t, got.Attachments, 1)

	saves := env.store.SavesFor(conv.ID)
	last := saves[len(saves)-1].Conversation
	assert.Len(t, generationMessage(t, last, gen.ID).Attachments, 1)
}

func TestGenerateImage_EditUsesFirstImage(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.m.GenerateImage(context.Background(), ImageRequest{
		Prompt: "make it blue",
		Attachments: []store.Attachment{
			{ID: "doc", Kind: "file", URL: "https://cdn.example/notes.txt"},
			{ID: "src", Kind: "image", URL: "https://cdn.example/src.png"},
		},
	}))

	require.Len(t, env.jobs.reqs, 1)
	assert.Equal(t, "https://cdn.example/src.png", env.jobs.reqs[0].Image)
	user := env.m.Active().Messages[0]
	require.Len(t, user.Attachments, 2)
	assert.False(t, user.Attachments[0].IsEdit)
	assert.True(t, user.Attachments[1].IsEdit)
}

func TestGenerateImage_Validation(t *testing.T) {
	env := newTestEnv(t)
	assert.ErrorIs(t, env.m.GenerateImage(context.Background(), ImageRequest{Prompt: "   "}), ErrEmptyPrompt)

	bare := newTestEnv(t, func(_ *Options, d *Deps) { d.Jobs = nil })
	assert.Error(t, bare.m.GenerateImage(context.Background(), ImageRequest{Prompt: "a cat"}))
	assert.Nil(t, bare.m.Active())
}

func TestGenerateImage_SubmissionFailure(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.err = errors.New("quota exceeded")

	require.NoError(t, env.m.GenerateImage(context.Background(), ImageRequest{Prompt: "a cat"}))

	gen := env.m.Active().Messages[1]
	assert.True(t, gen.IsError)
	assert.False(t, gen.IsGeneratingImage)
	assert.Equal(t, "Error: quota exceeded", gen.Content.PlainText())
	assert.Empty(t, env.poller.Starts())
}

func TestGenerateImage_JobFails(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.m.GenerateImage(context.Background(), ImageRequest{Prompt: "a cat"}))
	genID := env.m.Active().Messages[1].ID

	env.poller.finish(t, &store.ImageJob{ID: "job-1", Status: store.JobStatusFailed})

	got := generationMessage(t, env.m.Active(), genID)
	assert.True(t, got.IsError)
	assert.Equal(t, "Error: image generation failed", got.Content.PlainText())
	assert.Zero(t, env.mat.Calls())
}

func TestGenerateImage_MaterializeFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mat.err = errors.New("cdn unreachable")
	require.NoError(t, env.m.GenerateImage(context.Background(), ImageRequest{Prompt: "a cat"}))
	genID := env.m.Active().Messages[1].ID

	env.poller.finish(t, &store.ImageJob{ID: "job-1", Status: store.JobStatusSuccess, Result: []string{"https://cdn.example/x.png"}})

	got := generationMessage(t, env.m.Active(), genID)
	assert.True(t, got.IsError)
	assert.Contains(t, got.Content.PlainText(), "could not store generated image")
}

func TestGenerateImage_TerminalOnSubmit(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.job = &store.ImageJob{ID: "job-2", Status: store.JobStatusSuccess, Result: []string{"https://cdn.example/now.png"}}

	require.NoError(t, env.m.GenerateImage(context.Background(), ImageRequest{Prompt: "a cat"}))

	gen := env.m.Active().Messages[1]
	assert.False(t, gen.IsGeneratingImage)
	assert.Len(t, gen.Attachments, 1)
	assert.Empty(t, env.poller.Starts())
}

func TestWatchdog_FailsStuckGenerations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedGeneration(env, "c1", store.Message{ID: "stuck", IsGeneratingImage: true})
	require.NoError(t, env.m.LoadConversations(ctx))
	require.NoError(t, env.m.SelectConversation(ctx, "c1"))

	// Not old enough yet
	env.m.now = func() time.Time { return baseTime.Add(30 * time.Minute) }
	assert.Zero(t, env.m.failStuckImages())

	env.m.now = func() time.Time { return baseTime.Add(2 * time.Hour) }
	assert.Equal(t, 1, env.m.failStuckImages())

	got := generationMessage(t, env.m.Active(), "stuck")
	assert.True(t, got.IsError)
	assert.False(t, got.IsGeneratingImage)
	assert.Equal(t, "Error: image generation timed out", got.Content.PlainText())

	// Already failed: nothing left to sweep
	assert.Zero(t, env.m.failStuckImages())
}

func TestWatchdog_LeavesJobsToThePoller(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedGeneration(env, "c1", store.Message{
		ID:                "g1",
		IsGeneratingImage: true,
		Job:               &store.ImageJob{ID: "job-9", Status: store.JobStatusRunning},
	})
	require.NoError(t, env.m.LoadConversations(ctx))
	require.NoError(t, env.m.SelectConversation(ctx, "c1"))

	env.m.now = func() time.Time { return baseTime.Add(24 * time.Hour) }
	assert.Zero(t, env.m.failStuckImages())
}

// scriptedFetcher returns the scripted jobs in order, repeating the last.
type scriptedFetcher struct {
	mu    sync.Mutex
	jobs  []*store.ImageJob
	calls int
}

func (f *scriptedFetcher) GetJob(ctx context.Context, target jobs.Target, jobID string) (*store.ImageJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.calls, len(f.jobs)-1)
	f.calls++
	return cloneJob(f.jobs[i]), nil
}

func TestGenerateImage_WithRealPoller(t *testing.T) {
	fetcher := &scriptedFetcher{jobs: []*store.ImageJob{
		{ID: "job-1", Status: store.JobStatusRunning},
		{ID: "job-1", Status: store.JobStatusSuccess, Result: []string{"https://cdn.example/real.png"}},
	}}
	poller := jobs.NewPoller(fetcher, 10*time.Millisecond, 5*time.Millisecond, nil)
	t.Cleanup(poller.Close)

	env := newTestEnv(t, func(_ *Options, d *Deps) {
		d.Poller = poller
		d.Materializer = jobs.NewRehoster("", nil, nil)
	})

	require.NoError(t, env.m.GenerateImage(context.Background(), ImageRequest{Prompt: "a lighthouse"}))
	genID := env.m.Active().Messages[1].ID

	require.Eventually(t, func() bool {
		conv := env.m.Active()
		for _, msg := range conv.Messages {
			if msg.ID == genID {
				return !msg.IsGeneratingImage && len(msg.Attachments) == 1
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	got := generationMessage(t, env.m.Active(), genID)
	assert.Equal(t, "https://cdn.example/real.png", got.Attachments[0].URL)
	assert.Equal(t, "real.png", got.Attachments[0].Filename)
	assert.False(t, poller.IsPolling("job-1"))
}
