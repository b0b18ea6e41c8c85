// ABOUTME: Materializes finished job results as message attachments
// ABOUTME: Downloads result images into the media directory, or passes remote URLs through

package jobs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/store"
)

// ErrNoResult is returned when a job has no result to materialize.
var ErrNoResult = errors.New("job has no result")

const maxImageSize = 32 << 20

// Materializer turns a finished job into attachments. Rehoster implements it.
type Materializer interface {
	Materialize(ctx context.Context, job *store.ImageJob) ([]store.Attachment, error)
}

// Rehoster copies job results to local storage.
type Rehoster struct {
	mediaDir string
	http     *http.Client
	logger   *slog.Logger
}

// NewRehoster creates a rehoster writing into mediaDir. An empty mediaDir
// keeps the backend's URLs as they are.
func NewRehoster(mediaDir string, httpClient *http.Client, logger *slog.Logger) *Rehoster {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rehoster{mediaDir: mediaDir, http: httpClient, logger: logger.With("component", "rehost")}
}

// Materialize returns one image attachment per result URL.
func (r *Rehoster) Materialize(ctx context.Context, job *store.ImageJob) ([]store.Attachment, error) {
	if job == nil || len(job.Result) == 0 {
		return nil, ErrNoResult
	}

	attachments := make([]store.Attachment, 0, len(job.Result))
	for i, src := range job.Result {
		var (
			att store.Attachment
			err error
		)
		if r.mediaDir == "" {
			att = remoteAttachment(src)
		} else {
			att, err = r.download(ctx, job.ID, i, src)
			if err != nil {
				return nil, fmt.Errorf("materializing result %d of job %s: %w", i, job.ID, err)
			}
		}
		attachments = append(attachments, att)
	}
	r.logger.Info("job results materialized", "job_id", job.ID, "count", len(attachments), "local", r.mediaDir != "")
	return attachments, nil
}

func remoteAttachment(src string) store.Attachment {
	name := "image.png"
	if u, err := url.Parse(src); err == nil && u.Scheme != "data" {
		if base := path.Base(u.Path); base != "." && base != "/" {
			name = base
		}
	}
	return store.Attachment{
		ID:       uuid.New().String(),
		Kind:     "image",
		URL:      src,
		Filename: name,
	}
}

func (r *Rehoster) download(ctx context.Context, jobID string, index int, src string) (store.Attachment, error) {
	data, mimeType, err := r.fetch(ctx, src)
	if err != nil {
		return store.Attachment{}, err
	}

	if err := os.MkdirAll(r.mediaDir, 0o755); err != nil {
		return store.Attachment{}, fmt.Errorf("creating media directory: %w", err)
	}
	name := fmt.Sprintf("%s-%d%s", safeName(jobID), index, extensionFor(mimeType, src))
	dst := filepath.Join(r.mediaDir, name)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return store.Attachment{}, fmt.Errorf("writing %s: %w", dst, err)
	}

	return store.Attachment{
		ID:       uuid.New().String(),
		Kind:     "image",
		URL:      (&url.URL{Scheme: "file", Path: dst}).String(),
		Filename: name,
		Size:     int64(len(data)),
		MimeType: mimeType,
	}, nil
}

// fetch returns the bytes behind src, which may be an http(s) or data: URL.
func (r *Rehoster) fetch(ctx context.Context, src string) ([]byte, string, error) {
	if strings.HasPrefix(src, "data:") {
		header, payload, ok := strings.Cut(strings.TrimPrefix(src, "data:"), ";base64,")
		if !ok {
			return nil, "", fmt.Errorf("unsupported data url")
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("decoding data url: %w", err)
		}
		return data, header, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("downloading: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading image: %w", err)
	}
	if len(data) > maxImageSize {
		return nil, "", fmt.Errorf("image exceeds %d bytes", maxImageSize)
	}
	mimeType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

func extensionFor(mimeType, src string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	if u, err := url.Parse(src); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 5 {
			return ext
		}
	}
	return ".bin"
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
