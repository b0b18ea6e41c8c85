// ABOUTME: Streaming chat-completion client with silent cancellation
// ABOUTME: Resolves the provider per request and dispatches to the SSE or Ollama streamer

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/provider"
	"github.com/2389/coven-chat/internal/store"
)

// Errors surfaced through Handlers.OnError
var (
	ErrEmptyResponse   = errors.New("stream ended without any data")
	ErrMalformedChunk  = errors.New("malformed stream chunk")
	ErrUnsupportedKind = errors.New("unsupported provider kind")
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Message)
}

// WireMessage is one {role, content} entry of the outgoing history.
type WireMessage struct {
	Role    store.Role    `json:"role"`
	Content store.Content `json:"content"`
}

// Request describes one streamed completion.
type Request struct {
	Model      string
	Messages   []WireMessage
	Identity   auth.Identity // nil for unauthenticated sessions
	Source     string
	ProviderID string
}

// Handlers receive stream output. Any of them may be nil.
type Handlers struct {
	OnChunk          func(delta string)
	OnReasoningChunk func(delta string)
	OnComplete       func()
	OnError          func(err error)
}

func (h Handlers) chunk(delta string) {
	if h.OnChunk != nil && delta != "" {
		h.OnChunk(delta)
	}
}

func (h Handlers) reasoning(delta string) {
	if h.OnReasoningChunk != nil && delta != "" {
		h.OnReasoningChunk(delta)
	}
}

// Sender is the interface the conversation manager depends on.
type Sender interface {
	Send(ctx context.Context, req *Request, h Handlers)
}

// streamer runs one request against a resolved endpoint and reports deltas
// through h. It returns nil on a natural end of stream.
type streamer interface {
	stream(ctx context.Context, ep provider.Endpoint, req *Request, h Handlers) error
}

// Client implements Sender against configured providers.
type Client struct {
	cfg       *config.Config
	http      *http.Client
	logger    *slog.Logger
	streamers map[string]streamer
}

// NewClient creates a chat client. A nil httpClient uses a client without
// timeout; streams are bounded by the caller's context instead.
func NewClient(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "chat")
	c := &Client{cfg: cfg, http: httpClient, logger: logger}
	c.streamers = map[string]streamer{
		config.KindOpenAI: &sseStreamer{http: httpClient, logger: logger},
		config.KindOllama: &ollamaStreamer{http: httpClient, logger: logger},
	}
	return c
}

// Send streams a completion. Cancelling ctx aborts the request and
// suppresses every callback; otherwise exactly one of OnComplete or OnError
// fires. Send returns once the stream has ended.
func (c *Client) Send(ctx context.Context, req *Request, h Handlers) {
	err := c.run(ctx, req, h)

	if ctx.Err() != nil {
		c.logger.Debug("stream cancelled", "model", req.Model)
		return
	}
	if err != nil {
		c.logger.Warn("stream failed", "model", req.Model, "source", req.Source, "error", err)
		if h.OnError != nil {
			h.OnError(err)
		}
		return
	}
	if h.OnComplete != nil {
		h.OnComplete()
	}
}

func (c *Client) run(ctx context.Context, req *Request, h Handlers) error {
	res := provider.Resolve(c.cfg, req.Source, req.ProviderID)
	if !res.OK() {
		return res.Err()
	}
	s, ok := c.streamers[res.Endpoint.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedKind, res.Endpoint.Kind)
	}
	c.logger.Debug("opening stream",
		"model", req.Model,
		"source", res.Endpoint.Source,
		"kind", res.Endpoint.Kind,
		"messages", len(req.Messages))
	return s.stream(ctx, res.Endpoint, req, h)
}
