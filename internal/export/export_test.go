// ABOUTME: Tests for Markdown and HTML conversation export
// ABOUTME: Checks headings, reasoning, attachments, skipped placeholders and HTML escaping

package export

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/store"
)

func sampleConversation() *store.Conversation {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &store.Conversation{
		ID:        "c1",
		Title:     "Go generics",
		Model:     "gpt-4o-mini",
		CreatedAt: ts,
		Messages: []store.Message{
			{ID: "sys", Role: store.RoleSystem, Content: store.Text("Be brief.")},
			{ID: "m1", Role: store.RoleUser, Content: store.Text("What are *type parameters*?"), Timestamp: ts},
			{
				ID:        "m2",
				Role:      store.RoleAssistant,
				ModelName: "GPT-4o mini",
				Content:   store.Text("They let functions take types.\n\n```go\nfunc Map[T any]() {}\n```"),
				Reasoning: "User asks about generics.\nKeep it short.",
				Timestamp: ts.Add(time.Second),
			},
			{
				ID:          "m3",
				Role:        store.RoleAssistant,
				Model:       "flux",
				MessageType: store.MessageTypeImageGeneration,
				Generation:  &store.GenerationParams{Prompt: "a gopher"},
				Attachments: []store.Attachment{{ID: "a1", Kind: "image", URL: "https://cdn.example/gopher.png", Filename: "gopher.png"}},
				Content:     store.Text(""),
			},
			{ID: "m4", Role: store.RoleAssistant, Content: store.Text("Error: rate limited"), IsError: true},
			{ID: "m5", Role: store.RoleAssistant, IsStreaming: true, Content: store.Text("")},
		},
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"md": FormatMarkdown, "Markdown": FormatMarkdown, " html ": FormatHTML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("pdf")
	assert.ErrorIs(t, err, ErrUnknownFormat)

	assert.Equal(t, ".md", FormatMarkdown.Extension())
	assert.Equal(t, ".html", FormatHTML.Extension())
}

func TestMarkdown(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Markdown(&buf, sampleConversation()))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "# Go generics\n"))
	assert.Contains(t, out, "_Model: gpt-4o-mini")
	assert.Contains(t, out, "## You\n\nWhat are *type parameters*?")
	assert.Contains(t, out, "## GPT-4o mini\n\n> User asks about generics.\n> Keep it short.\n")
	assert.Contains(t, out, "## flux\n\n_Image: a gopher_\n\n![gopher.png](https://cdn.example/gopher.png)")
	assert.Contains(t, out, "**Error: rate limited**")

	assert.NotContains(t, out, "Be brief.")
	assert.Equal(t, 4, strings.Count(out, "\n## "))
}

func TestHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, HTML(&buf, sampleConversation()))
	out := buf.String()

	assert.Contains(t, out, "<title>Go generics</title>")
	assert.Contains(t, out, "<em>type parameters</em>")
	assert.Contains(t, out, `<code class="language-go">`)
	assert.Contains(t, out, `<img src="https://cdn.example/gopher.png" alt="gopher.png">`)
	assert.Contains(t, out, `class="message error"`)
	assert.Contains(t, out, `id="m2"`)
	assert.NotContains(t, out, `id="m5"`)
	assert.NotContains(t, out, `id="sys"`)
}

func TestHTML_EscapesUntrustedContent(t *testing.T) {
	conv := &store.Conversation{
		ID:    "c1",
		Title: "<script>alert(1)</script>",
		Messages: []store.Message{
			{ID: "m1", Role: store.RoleUser, Content: store.Text("hi <script>alert(2)</script>")},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, HTML(&buf, conv))
	out := buf.String()

	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "&lt;script&gt;alert(1)&lt;/script&gt;")
}

func TestWrite_UnknownFormat(t *testing.T) {
	err := Write(&bytes.Buffer{}, sampleConversation(), Format("pdf"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
