// Package replyfmt converts raw assistant replies from markdown into
// sanitized HTML suitable for embedding in the record UI.
package replyfmt

import (
	"bytes"
	"fmt"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// PlaceholderReply is used when a completed run produced no message
// text at all.
const PlaceholderReply = "（返答なし）"

type Formatter struct {
	md      goldmark.Markdown
	policy  *bluemonday.Policy
	closing string
}

// New builds a formatter. closing, when non-empty, is a fixed trusted
// HTML fragment appended after every sanitized reply.
func New(closing string) *Formatter {
	return &Formatter{
		md:      goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy:  bluemonday.UGCPolicy(),
		closing: closing,
	}
}

// Render converts markdown to HTML and strips script tags, event
// handlers, and any other executable markup.
func (f *Formatter) Render(markdown string) (string, error) {
	if markdown == "" {
		markdown = PlaceholderReply
	}
	var buf bytes.Buffer
	if err := f.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	html := f.policy.SanitizeBytes(buf.Bytes())
	out := string(bytes.TrimSpace(html))
	if f.closing != "" {
		out += f.closing
	}
	return out, nil
}
