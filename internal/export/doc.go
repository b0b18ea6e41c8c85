// Package export turns a stored conversation into a document a person can
// read outside the client.
//
// Markdown output is a heading per message with the reasoning in a quote
// block and attachments as links or images. HTML output renders that same
// Markdown per message with goldmark inside a minimal page template.
// Streaming placeholders are skipped and error messages are marked.
package export
