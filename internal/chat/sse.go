// ABOUTME: OpenAI-compatible chat completions over server-sent events
// ABOUTME: Deltas are read with gjson; reasoning arrives on a separate channel

package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/2389/coven-chat/internal/provider"
)

const (
	sseDone         = "[DONE]"
	maxSSELine      = 1024 * 1024
	maxErrorBodyLen = 4096
)

type sseStreamer struct {
	http   *http.Client
	logger *slog.Logger
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []WireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

func (s *sseStreamer) stream(ctx context.Context, ep provider.Endpoint, req *Request, h Handlers) error {
	body, err := json.Marshal(completionRequest{Model: req.Model, Messages: req.Messages, Stream: true})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	provider.Authorize(ctx, httpReq, ep, req.Identity, s.logger)

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	return readSSE(resp.Body, h)
}

// statusError builds a StatusError, pulling a message from a JSON error body when present.
func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	msg := ""
	if gjson.ValidBytes(data) {
		for _, path := range []string{"error.message", "error", "message"} {
			if r := gjson.GetBytes(data, path); r.Type == gjson.String {
				msg = r.String()
				break
			}
		}
	} else {
		msg = strings.TrimSpace(string(data))
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}

// readSSE consumes data lines until [DONE] or EOF. Lines other than
// "data:" (comments, event names, ids) are ignored.
func readSSE(body io.Reader, h Handlers) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	sawData := false
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == sseDone {
			return nil
		}
		sawData = true
		if err := handleChunk(data, h); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	if !sawData {
		return ErrEmptyResponse
	}
	return nil
}

// handleChunk dispatches one completion chunk. Reasoning is delivered
// before content when a chunk carries both.
func handleChunk(data string, h Handlers) error {
	if !gjson.Valid(data) {
		return fmt.Errorf("%w: %q", ErrMalformedChunk, truncate(data, 80))
	}
	parsed := gjson.Parse(data)
	if e := parsed.Get("error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return fmt.Errorf("backend error: %s", msg)
	}

	delta := parsed.Get("choices.0.delta")
	reasoning := delta.Get("reasoning_content")
	if !reasoning.Exists() {
		reasoning = delta.Get("reasoning")
	}
	h.reasoning(reasoning.String())
	h.chunk(delta.Get("content").String())
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
