// Package conversion provides text-to-HTML conversion for chat rows and
// slide decks.
package conversion

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"go.abhg.dev/goldmark/mermaid"

	"github.com/inercia/avatalk/internal/protocol"
)

// Converter handles markdown-to-HTML conversion with configurable options.
type Converter struct {
	md        goldmark.Markdown
	sanitizer *bluemonday.Policy
}

// Option configures the Converter.
type Option func(*Converter)

// WithHighlighting enables syntax highlighting with the specified style.
func WithHighlighting(style string) Option {
	return func(c *Converter) {
		c.md = newMarkdown(highlighting.NewHighlighting(
			highlighting.WithStyle(style),
		))
	}
}

// WithSanitization enables HTML sanitization using the provided policy.
func WithSanitization(policy *bluemonday.Policy) Option {
	return func(c *Converter) {
		c.sanitizer = policy
	}
}

func newMarkdown(extra ...goldmark.Extender) goldmark.Markdown {
	exts := []goldmark.Extender{
		extension.GFM,
		// Slide decks often carry diagrams; render them for mermaid.js.
		&mermaid.Extender{NoScript: true},
	}
	exts = append(exts, extra...)
	return goldmark.New(
		goldmark.WithExtensions(exts...),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithXHTML(),
		),
	)
}

// NewConverter creates a new Converter with the given options.
func NewConverter(opts ...Option) *Converter {
	c := &Converter{md: newMarkdown()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultConverter returns a converter suitable for slide markdown.
func DefaultConverter() *Converter {
	return NewConverter(
		WithHighlighting("monokai"),
		WithSanitization(CreateSanitizer()),
	)
}

// CreateSanitizer creates a bluemonday policy that allows safe HTML for markdown rendering.
func CreateSanitizer() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()

	// Highlighter and mermaid classes
	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code", "pre", "span", "div")
	p.AllowDataAttributes()
	p.AllowAttrs("id").Matching(bluemonday.Paragraph).OnElements("h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowAttrs("target").Matching(bluemonday.SpaceSeparatedTokens).OnElements("a")

	return p
}

// Convert converts markdown text to HTML.
func (c *Converter) Convert(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := c.md.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}

	result := buf.String()
	if c.sanitizer != nil {
		result = c.sanitizer.Sanitize(result)
	}
	return result, nil
}

// ConvertToSafeHTML converts markdown and escapes it on error.
func (c *Converter) ConvertToSafeHTML(markdown string) string {
	result, err := c.Convert(markdown)
	if err != nil {
		return "<pre>" + EscapeHTML(markdown) + "</pre>"
	}
	return result
}

// DeckMarkdown renders a structured deck as markdown, one "##" section per
// slide separated by horizontal rules.
func DeckMarkdown(deck protocol.Deck) string {
	var b strings.Builder
	for i, s := range deck.Slides {
		if i > 0 {
			b.WriteString("\n---\n\n")
		}
		title := strings.TrimSpace(s.Title)
		if title == "" {
			title = "Slide " + strconv.Itoa(i+1)
		}
		b.WriteString("## ")
		b.WriteString(title)
		b.WriteString("\n\n")
		for _, bullet := range s.Bullets {
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(bullet))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// EscapeHTML escapes special HTML characters.
func EscapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
