// ABOUTME: HTTP client for the asynchronous image-generation job API
// ABOUTME: POST /images/jobs creates a job, GET /images/jobs/{id} reports its status

package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/provider"
	"github.com/2389/coven-chat/internal/store"
)

// Errors returned by the job client
var (
	ErrMalformedJob = errors.New("malformed job response")
	ErrJobRejected  = errors.New("job request rejected")
)

const (
	requestTimeout  = 30 * time.Second
	maxResponseSize = 1 << 20
)

// Target identifies where a job lives and who may read it.
type Target struct {
	Source     string
	ProviderID string
	Identity   auth.Identity
}

// CreateRequest holds the generation parameters for a new job.
type CreateRequest struct {
	Model     string
	Prompt    string
	Size      string
	Seed      *int64
	Guidance  *float64
	Watermark *bool
	Image     string // source image URL for edits
}

// Fetcher reads the current state of a job. Client implements it.
type Fetcher interface {
	GetJob(ctx context.Context, target Target, jobID string) (*store.ImageJob, error)
}

// Client talks to the job endpoints of a resolved provider.
type Client struct {
	cfg    *config.Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a job client.
func NewClient(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger.With("component", "jobs")}
}

// CreateJob submits a generation request and returns the accepted job.
func (c *Client) CreateJob(ctx context.Context, target Target, req CreateRequest) (*store.ImageJob, error) {
	body, err := buildCreateBody(req)
	if err != nil {
		return nil, err
	}
	data, err := c.do(ctx, target, http.MethodPost, "/images/jobs", body)
	if err != nil {
		return nil, err
	}
	job, err := parseJob(data)
	if err != nil {
		return nil, err
	}
	if job.Model == "" {
		job.Model = req.Model
	}
	c.logger.Info("image job created", "job_id", job.ID, "model", job.Model, "status", job.Status)
	return job, nil
}

// GetJob fetches the current state of a job.
func (c *Client) GetJob(ctx context.Context, target Target, jobID string) (*store.ImageJob, error) {
	data, err := c.do(ctx, target, http.MethodGet, "/images/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	return parseJob(data)
}

// buildCreateBody writes the required fields and adds optional ones only when set.
func buildCreateBody(req CreateRequest) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			body, err = sjson.SetBytes(body, path, v)
		}
	}
	set("model", req.Model)
	set("prompt", req.Prompt)
	if req.Size != "" {
		set("size", req.Size)
	}
	if req.Seed != nil {
		set("seed", *req.Seed)
	}
	if req.Guidance != nil {
		set("guidance", *req.Guidance)
	}
	if req.Watermark != nil {
		set("watermark", *req.Watermark)
	}
	if req.Image != "" {
		set("image", req.Image)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding job request: %w", err)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, target Target, method, path string, body []byte) ([]byte, error) {
	res := provider.Resolve(c.cfg, target.Source, target.ProviderID)
	if !res.OK() {
		return nil, res.Err()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, res.Endpoint.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	provider.Authorize(ctx, req, res.Endpoint, target.Identity, c.logger)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(data, "error.message").String()
		if msg == "" {
			msg = gjson.GetBytes(data, "error").String()
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrJobRejected, resp.StatusCode, msg)
	}
	return data, nil
}

// parseJob reads {job:{id,status,info?}, model, created, data?}. Results
// are taken from data[].url; info is kept verbatim when it is not a string.
func parseJob(data []byte) (*store.ImageJob, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformedJob
	}
	root := gjson.ParseBytes(data)
	id := root.Get("job.id").String()
	status := root.Get("job.status").String()
	if id == "" || status == "" {
		return nil, fmt.Errorf("%w: missing job id or status", ErrMalformedJob)
	}

	job := &store.ImageJob{
		ID:     id,
		Model:  root.Get("model").String(),
		Status: store.JobStatus(status),
	}
	if created := root.Get("created"); created.Exists() {
		job.Created = time.Unix(created.Int(), 0).UTC()
	}
	if info := root.Get("job.info"); info.Exists() && info.Type != gjson.Null {
		if info.Type == gjson.String {
			job.Info = info.String()
		} else {
			job.Info = info.Raw
		}
	}
	root.Get("data").ForEach(func(_, item gjson.Result) bool {
		if u := item.Get("url").String(); u != "" {
			job.Result = append(job.Result, u)
		} else if b64 := item.Get("b64_json").String(); b64 != "" {
			job.Result = append(job.Result, "data:image/png;base64,"+b64)
		}
		return true
	})
	return job, nil
}
