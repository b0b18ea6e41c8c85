// ABOUTME: Markdown and HTML writers for a single conversation
// ABOUTME: Shared per-message Markdown is the source for both formats

package export

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/2389/coven-chat/internal/store"
)

// Format selects the output document type.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// ErrUnknownFormat is returned by ParseFormat and Write for anything but markdown or html.
var ErrUnknownFormat = errors.New("unknown export format")

const timeLayout = "2006-01-02 15:04"

// ParseFormat accepts "markdown", "md" and "html".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "markdown", "md":
		return FormatMarkdown, nil
	case "html", "htm":
		return FormatHTML, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Extension is the file extension for the format, with the dot.
func (f Format) Extension() string {
	if f == FormatHTML {
		return ".html"
	}
	return ".md"
}

// Write renders conv in the given format.
func Write(w io.Writer, conv *store.Conversation, format Format) error {
	switch format {
	case FormatMarkdown:
		return Markdown(w, conv)
	case FormatHTML:
		return HTML(w, conv)
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

func roleLabel(msg *store.Message) string {
	switch msg.Role {
	case store.RoleUser:
		return "You"
	case store.RoleSystem:
		return "System"
	}
	if msg.ModelName != "" {
		return msg.ModelName
	}
	if msg.Model != "" {
		return msg.Model
	}
	return "Assistant"
}

// exportable drops system entries and replies that never received content.
func exportable(msg *store.Message) bool {
	if msg.Role == store.RoleSystem {
		return false
	}
	if msg.IsStreaming && msg.Content.IsEmpty() {
		return false
	}
	return true
}

// messageBody is the Markdown body of one message, without its heading.
func messageBody(msg *store.Message) string {
	var b strings.Builder

	if msg.Reasoning != "" {
		for line := range strings.SplitSeq(strings.TrimRight(msg.Reasoning, "\n"), "\n") {
			b.WriteString("> ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	text := msg.Content.PlainText()
	if msg.IsImageGeneration() && msg.Generation != nil && text == "" {
		text = "_Image: " + msg.Generation.Prompt + "_"
	}
	if msg.IsError {
		text = "**" + strings.TrimSpace(text) + "**"
	}
	if text != "" {
		b.WriteString(text)
		b.WriteString("\n")
	}

	for _, att := range msg.Attachments {
		name := att.Filename
		if name == "" {
			name = att.ID
		}
		if att.IsImage() {
			fmt.Fprintf(&b, "\n![%s](%s)\n", name, att.URL)
		} else {
			fmt.Fprintf(&b, "\n[%s](%s)\n", name, att.URL)
		}
	}
	return b.String()
}

// Markdown writes conv as a Markdown document.
func Markdown(w io.Writer, conv *store.Conversation) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s\n\n", conv.Title)
	if conv.Model != "" {
		fmt.Fprintf(&b, "_Model: %s · Created %s_\n\n", conv.Model, conv.CreatedAt.UTC().Format(timeLayout))
	}
	for i := range conv.Messages {
		msg := &conv.Messages[i]
		if !exportable(msg) {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", roleLabel(msg))
		b.WriteString(messageBody(msg))
		b.WriteString("\n")
	}
	_, err := w.Write(b.Bytes())
	return err
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

var pageTemplate = template.Must(template.New("conversation").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; }
.message { border-top: 1px solid #ddd; padding: 1rem 0; }
.role { font-weight: 600; }
.time { color: #888; font-size: 0.85em; margin-left: 0.5rem; }
.error { color: #b00020; }
blockquote { color: #666; border-left: 3px solid #ddd; margin-left: 0; padding-left: 1rem; }
img { max-width: 100%; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{if .Model}}<p class="meta">Model: {{.Model}}</p>{{end}}
{{range .Messages}}<div class="message{{if .Error}} error{{end}}" id="{{.ID}}">
<div><span class="role">{{.Role}}</span><span class="time">{{.Time}}</span></div>
{{.Body}}
</div>
{{end}}</body>
</html>
`))

type pageMessage struct {
	ID    string
	Role  string
	Time  string
	Error bool
	Body  template.HTML
}

type pageData struct {
	Title    string
	Model    string
	Messages []pageMessage
}

// HTML writes conv as a standalone HTML page. Raw HTML inside messages is
// not passed through.
func HTML(w io.Writer, conv *store.Conversation) error {
	data := pageData{Title: conv.Title, Model: conv.Model}
	for i := range conv.Messages {
		msg := &conv.Messages[i]
		if !exportable(msg) {
			continue
		}
		var body bytes.Buffer
		if err := markdown.Convert([]byte(messageBody(msg)), &body); err != nil {
			return fmt.Errorf("rendering message %s: %w", msg.ID, err)
		}
		data.Messages = append(data.Messages, pageMessage{
			ID:    msg.ID,
			Role:  roleLabel(msg),
			Time:  formatTime(msg.Timestamp),
			Error: msg.IsError,
			Body:  template.HTML(body.String()),
		})
	}
	return pageTemplate.Execute(w, data)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
