// ABOUTME: Chat streaming against Ollama servers through the official API client
// ABOUTME: Splits <think> sections out of the content stream as reasoning

package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/provider"
	"github.com/2389/coven-chat/internal/store"
)

type ollamaStreamer struct {
	http   *http.Client
	logger *slog.Logger
}

func (s *ollamaStreamer) stream(ctx context.Context, ep provider.Endpoint, req *Request, h Handlers) error {
	base, err := url.Parse(ep.BaseURL)
	if err != nil {
		return fmt.Errorf("parsing ollama base url: %w", err)
	}

	httpClient := &http.Client{Transport: &bearerTransport{
		base:     s.http.Transport,
		ctx:      ctx,
		endpoint: ep,
		identity: req.Identity,
		logger:   s.logger,
	}}
	client := api.NewClient(base, httpClient)

	stream := true
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: toOllamaMessages(req.Messages),
		Stream:   &stream,
	}

	var split thinkSplitter
	sawData := false
	err = client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		sawData = true
		split.feed(resp.Message.Content, h)
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return &StatusError{Code: statusErr.StatusCode, Message: statusErr.ErrorMessage}
		}
		return fmt.Errorf("ollama chat: %w", err)
	}
	if !sawData {
		return ErrEmptyResponse
	}
	return nil
}

// toOllamaMessages flattens structured content: text parts join into the
// message body and inline data: image parts become raw image bytes.
// Remote image URLs are not fetched.
func toOllamaMessages(msgs []WireMessage) []api.Message {
	out := make([]api.Message, 0, len(msgs))
	for _, m := range msgs {
		msg := api.Message{Role: string(m.Role), Content: m.Content.PlainText()}
		for _, p := range m.Content.Parts {
			if p.Type != store.PartImageURL || p.ImageURL == nil {
				continue
			}
			if img, ok := decodeDataURL(p.ImageURL.URL); ok {
				msg.Images = append(msg.Images, api.ImageData(img))
			}
		}
		out = append(out, msg)
	}
	return out
}

func decodeDataURL(raw string) ([]byte, bool) {
	if !strings.HasPrefix(raw, "data:") {
		return nil, false
	}
	_, payload, ok := strings.Cut(raw, ";base64,")
	if !ok {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, false
	}
	return data, true
}

// bearerTransport adds the endpoint credential to every request the Ollama
// client makes.
type bearerTransport struct {
	base     http.RoundTripper
	ctx      context.Context
	endpoint provider.Endpoint
	identity auth.Identity
	logger   *slog.Logger
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	token := provider.Credential(t.ctx, t.endpoint, t.identity, t.logger)
	if token == "" {
		return base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return base.RoundTrip(clone)
}

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// thinkSplitter routes text inside <think>...</think> to the reasoning
// handler. Tags are expected to arrive whole within one chunk.
type thinkSplitter struct {
	inThink bool
}

func (s *thinkSplitter) feed(text string, h Handlers) {
	for text != "" {
		if s.inThink {
			before, after, found := strings.Cut(text, thinkClose)
			h.reasoning(before)
			if !found {
				return
			}
			s.inThink = false
			text = after
			continue
		}
		before, after, found := strings.Cut(text, thinkOpen)
		h.chunk(before)
		if !found {
			return
		}
		s.inThink = true
		text = after
	}
}
