// ABOUTME: Tests for the job HTTP client against an httptest backend
// ABOUTME: Covers request bodies, optional fields, response parsing and failures

package jobs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/store"
)

type stubIdentity struct{ token string }

func (s stubIdentity) Subject() string                           { return "acct" }
func (s stubIdentity) Token(ctx context.Context) (string, error) { return s.token, nil }

type seenRequest struct {
	method string
	path   string
	auth   string
	body   string
}

func newJobServer(t *testing.T, status int, response string) (*Client, func() seenRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen seenRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = seenRequest{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization"), body: string(b)}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Backend.BaseURL = srv.URL + "/v1"
	return NewClient(cfg, nil, nil), func() seenRequest {
		mu.Lock()
		defer mu.Unlock()
		return seen
	}
}

func TestCreateJob_RequiredFieldsOnly(t *testing.T) {
	client, seen := newJobServer(t, http.StatusOK, `{"job":{"id":"job-1","status":"CREATED"},"model":"flux","created":1740830400}`)

	job, err := client.CreateJob(context.Background(), Target{Identity: stubIdentity{token: "jwt"}}, CreateRequest{
		Model:  "flux",
		Prompt: "a cat",
		Size:   "1024x1024",
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, store.JobStatusCreated, job.Status)
	assert.Equal(t, time.Unix(1740830400, 0).UTC(), job.Created)

	req := seen()
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/v1/images/jobs", req.path)
	assert.Equal(t, "Bearer jwt", req.auth)
	assert.Equal(t, "a cat", gjson.Get(req.body, "prompt").String())
	assert.Equal(t, "1024x1024", gjson.Get(req.body, "size").String())
	for _, field := range []string{"seed", "guidance", "watermark", "image"} {
		assert.False(t, gjson.Get(req.body, field).Exists(), "%s must be omitted when unset", field)
	}
}

func TestCreateJob_OptionalFields(t *testing.T) {
	client, seen := newJobServer(t, http.StatusOK, `{"job":{"id":"job-1","status":"WAITING"}}`)

	seed := int64(7)
	guidance := 3.5
	watermark := false
	job, err := client.CreateJob(context.Background(), Target{}, CreateRequest{
		Model:     "flux",
		Prompt:    "edit this",
		Seed:      &seed,
		Guidance:  &guidance,
		Watermark: &watermark,
		Image:     "https://img/src.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "flux", job.Model, "model falls back to the requested one")

	body := seen().body
	assert.Equal(t, int64(7), gjson.Get(body, "seed").Int())
	assert.Equal(t, 3.5, gjson.Get(body, "guidance").Float())
	assert.True(t, gjson.Get(body, "watermark").Exists())
	assert.False(t, gjson.Get(body, "watermark").Bool())
	assert.Equal(t, "https://img/src.png", gjson.Get(body, "image").String())
	assert.False(t, gjson.Get(body, "size").Exists())
}

func TestGetJob_ParsesResults(t *testing.T) {
	client, seen := newJobServer(t, http.StatusOK, `{
		"job":{"id":"job-1","status":"SUCCESS","info":{"seed":42}},
		"model":"flux",
		"created":1740830400,
		"data":[{"url":"https://cdn/1.png"},{"b64_json":"aGVsbG8="}]
	}`)

	job, err := client.GetJob(context.Background(), Target{}, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "/v1/images/jobs/job-1", seen().path)
	assert.Equal(t, store.JobStatusSuccess, job.Status)
	assert.Equal(t, []string{"https://cdn/1.png", "data:image/png;base64,aGVsbG8="}, job.Result)
	assert.JSONEq(t, `{"seed":42}`, job.Info)
}

func TestGetJob_Failures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		response string
		target   error
	}{
		{"non-2xx", http.StatusNotFound, `{"error":{"message":"no such job"}}`, ErrJobRejected},
		{"invalid json", http.StatusOK, `not json`, ErrMalformedJob},
		{"missing status", http.StatusOK, `{"job":{"id":"job-1"}}`, ErrMalformedJob},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newJobServer(t, tt.status, tt.response)
			_, err := client.GetJob(context.Background(), Target{}, "job-1")
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestGetJob_UnresolvedProvider(t *testing.T) {
	client := NewClient(config.Default(), nil, nil)
	_, err := client.GetJob(context.Background(), Target{Source: config.SourceCustom, ProviderID: "nope"}, "job-1")
	assert.Error(t, err)
}
